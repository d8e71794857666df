package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/brunobiangulo/veritas/analysis"
	"github.com/brunobiangulo/veritas/compliance"
	"github.com/brunobiangulo/veritas/document"
	"github.com/brunobiangulo/veritas/metrics"
)

const policy = `Acme security policy and GDPR notice.
Encryption protects all data. Access control is enforced.
Breach notification within 72 hours. Data retention is five years.`

func postFile(t *testing.T, url, name, content string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", name)
	io.WriteString(fw, content)
	mw.Close()

	resp, err := http.Post(url+analysis.UploadPath, mw.FormDataContentType(), &buf)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]interface{}
	json.NewDecoder(resp.Body).Decode(&body)
	return resp, body
}

func TestUpload(t *testing.T) {
	m := metrics.New()
	srv := httptest.NewServer(newServer(compliance.NewAnalyzer(), m).routes())
	defer srv.Close()

	tests := []struct {
		name       string
		file       string
		content    string
		wantStatus int
		check      func(t *testing.T, body map[string]interface{})
	}{
		{
			name: "scored", file: "policy.txt", content: policy, wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				if _, ok := body["finalScore"].(float64); !ok {
					t.Errorf("no finalScore in %v", body)
				}
			},
		},
		{
			name: "incomplete", file: "policy.txt", content: "GDPR policy. Encryption only.", wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["status"] != analysis.StatusIncompletePolicy {
					t.Errorf("status = %v", body["status"])
				}
			},
		},
		{
			name: "not a policy", file: "memo.txt", content: "Lunch is at noon.", wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["error"] != compliance.MsgNotPolicy {
					t.Errorf("error = %v", body["error"])
				}
			},
		},
		{
			name: "empty", file: "blank.txt", content: "", wantStatus: http.StatusBadRequest,
			check: func(t *testing.T, body map[string]interface{}) {
				if body["error"] != compliance.MsgNoText {
					t.Errorf("error = %v", body["error"])
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := postFile(t, srv.URL, tt.file, tt.content)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("status = %d, want %d (%v)", resp.StatusCode, tt.wantStatus, body)
			}
			tt.check(t, body)
		})
	}

	if d := m.Dashboard(false); d.DocumentsProcessed != 1 {
		t.Errorf("documents processed = %d, want 1", d.DocumentsProcessed)
	}
}

// TestUploadContract checks the response decodes into a successful run
// through the workspace's own client.
func TestUploadContract(t *testing.T) {
	srv := httptest.NewServer(newServer(compliance.NewAnalyzer(), metrics.New()).routes())
	defer srv.Close()

	doc, err := document.New("policy.txt", []byte(policy))
	if err != nil {
		t.Fatal(err)
	}
	resp, err := analysis.NewHTTPClient(analysis.Config{BaseURL: srv.URL}, nil).Analyze(context.Background(), doc)
	if err != nil {
		t.Fatal(err)
	}
	if !resp.OK() || resp.HasError() || resp.Incomplete() || !resp.HasScore() {
		t.Errorf("response = %+v", resp)
	}
	if len(resp.RulesTriggered) == 0 || resp.RiskLevel == "" {
		t.Errorf("rules = %v risk = %q", resp.RulesTriggered, resp.RiskLevel)
	}
}

func TestDashboardAndMetrics(t *testing.T) {
	srv := httptest.NewServer(newServer(compliance.NewAnalyzer(), metrics.New()).routes())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/dashboard-metrics")
	if err != nil {
		t.Fatal(err)
	}
	var d metrics.Dashboard
	json.NewDecoder(resp.Body).Decode(&d)
	resp.Body.Close()
	if d.System == nil {
		t.Error("dashboard has no system stats")
	}

	resp, err = http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(data), "documents_processed_total") {
		t.Error("metrics missing documents_processed_total")
	}
}

func TestLLMConfig(t *testing.T) {
	t.Setenv("GROQ_API_KEY", "gsk-test")
	t.Setenv("VERITAS_LLM_PROVIDER", "")

	cfg := llmConfig(analyzerOptions{})
	if cfg.Provider != "groq" || cfg.APIKey != "gsk-test" || cfg.Model != defaultModel {
		t.Errorf("config = %+v", cfg)
	}
	if cfg := llmConfig(analyzerOptions{ruleBased: true}); cfg.Provider != "" {
		t.Errorf("rules-only config = %+v", cfg)
	}

	t.Setenv("GROQ_API_KEY", "")
	t.Setenv("GROK_API_KEY", "")
	if cfg := llmConfig(analyzerOptions{}); cfg.Provider != "" {
		t.Errorf("no key config = %+v", cfg)
	}
}
