// Package analysis calls the external compliance-analysis service.
package analysis

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/brunobiangulo/veritas/document"
)

// UploadPath is the service endpoint receiving documents.
const UploadPath = "/upload-nda"

// Client analyses one attached document.
type Client interface {
	// Analyze uploads doc and returns the decoded response. A non-nil
	// Response with a nil error can still describe a failure (non-2xx
	// status or an error field); callers classify it.
	Analyze(ctx context.Context, doc *document.Document) (*Response, error)
}

// Config configures HTTPClient.
type Config struct {
	BaseURL string        `json:"base_url" yaml:"base_url"`
	Timeout time.Duration `json:"timeout" yaml:"timeout"` // 0 waits indefinitely
}

// HTTPClient posts documents as multipart form data.
type HTTPClient struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// NewHTTPClient creates a client for the service at cfg.BaseURL. No retry is
// ever attempted; a failed run is re-triggered by the user.
func NewHTTPClient(cfg Config, logger *slog.Logger) *HTTPClient {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &HTTPClient{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// Analyze sends doc in a single "file" field to <base>/upload-nda.
func (c *HTTPClient) Analyze(ctx context.Context, doc *document.Document) (*Response, error) {
	body, contentType, err := multipartBody(doc)
	if err != nil {
		return nil, fmt.Errorf("building upload body: %w", err)
	}

	url := c.cfg.BaseURL + UploadPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	c.logger.Debug("analysis: response received",
		"url", url,
		"status", resp.StatusCode,
		"bytes", len(respBody),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)

	out, err := Decode(resp.StatusCode, respBody)
	if err != nil {
		return nil, fmt.Errorf("decoding analysis response (status %d): %w", resp.StatusCode, err)
	}
	return out, nil
}

func multipartBody(doc *document.Document) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", doc.Name)
	if err != nil {
		return nil, "", err
	}
	if _, err := fw.Write(doc.Data); err != nil {
		return nil, "", err
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}
