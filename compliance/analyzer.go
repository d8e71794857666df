package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/brunobiangulo/veritas/analysis"
	"github.com/brunobiangulo/veritas/document"
	"github.com/brunobiangulo/veritas/llm"
)

// Error messages returned to clients.
const (
	MsgNoText          = "Could not extract text from document"
	MsgNotPolicy       = "Please upload a valid GDPR, CCPA, or Security Policy document."
	MsgIncomplete      = "The uploaded policy is missing critical security components."
	MsgAIRequestFailed = "AI request failed"
	MsgAIParsingFailed = "AI parsing failed"
)

// MaxPromptChars bounds the document text sent to the LLM.
const MaxPromptChars = 8000

const systemPrompt = "You are a legal compliance AI. Return valid JSON only."

const promptTemplate = `You are a senior legal compliance AI.

Analyze the document for:

1. GDPR
2. CCPA
3. Internal Security Policy

Return STRICT JSON ONLY.

Format:

{
  "frameworks": {
    "GDPR": 0-100,
    "CCPA": 0-100,
    "InternalPolicy": 0-100
  },
  "finalScore": 0-100,
  "status": "COMPLIANT" or "NON-COMPLIANT",
  "reasoning_chain": ["list findings"]
}

Document Text:
%s
`

// Analyzer grades uploaded documents.
type Analyzer struct {
	provider    llm.Provider
	model       string
	temperature float64
	logger      *slog.Logger
}

// Option configures an Analyzer.
type Option func(*Analyzer)

// WithLLM scores documents with provider instead of the rule scorer.
func WithLLM(provider llm.Provider, model string) Option {
	return func(a *Analyzer) {
		a.provider = provider
		a.model = model
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Analyzer) { a.logger = l }
}

// NewAnalyzer creates an Analyzer. Without WithLLM it uses Score.
func NewAnalyzer(opts ...Option) *Analyzer {
	a := &Analyzer{temperature: 0.2, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Analyze runs the full pipeline. The returned response carries the HTTP
// status to serve.
func (a *Analyzer) Analyze(ctx context.Context, doc *document.Document) *analysis.Response {
	start := time.Now()

	text, err := doc.Text(ctx)
	if err != nil {
		a.logger.Debug("compliance: extraction failed", "document", doc.Name, "error", err)
	}
	if strings.TrimSpace(text) == "" {
		return errorResponse(http.StatusBadRequest, MsgNoText, "")
	}

	f := Inspect(text)
	if !f.IsPolicy() {
		return errorResponse(http.StatusBadRequest, MsgNotPolicy, "")
	}
	if f.Incomplete() {
		return &analysis.Response{
			HTTPStatus:     http.StatusOK,
			Status:         analysis.StatusIncompletePolicy,
			MissingClauses: f.MissingDescriptions(),
			Message:        MsgIncomplete,
		}
	}

	var resp *analysis.Response
	if a.provider != nil {
		resp = a.scoreWithLLM(ctx, text)
		if !resp.OK() {
			return resp
		}
	} else {
		resp = scorecardResponse(Score(f))
	}

	resp.RulesTriggered = f.Rules()
	resp.MissingRequirements = f.MissingDescriptions()
	resp.TextEvidence = Evidence(text, f)
	if resp.Confidence == 0 {
		resp.Confidence = Score(f).Confidence
	}
	if resp.RiskLevel == "" && resp.HasScore() {
		resp.RiskLevel = riskFor(resp.ScoreValue())
	}
	resp.AnalysisTimeMs = float64(time.Since(start).Milliseconds())

	a.logger.Info("compliance: document analysed",
		"document", doc.Name,
		"score", resp.ScoreValue(),
		"status", resp.Status,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return resp
}

func (a *Analyzer) scoreWithLLM(ctx context.Context, text string) *analysis.Response {
	if len(text) > MaxPromptChars {
		text = text[:MaxPromptChars]
	}
	chat, err := a.provider.Chat(ctx, llm.ChatRequest{
		Model: a.model,
		Messages: []llm.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: fmt.Sprintf(promptTemplate, text)},
		},
		Temperature: a.temperature,
	})
	if err != nil {
		a.logger.Warn("compliance: LLM request failed", "error", err)
		return errorResponse(http.StatusInternalServerError, MsgAIRequestFailed, err.Error())
	}

	var out analysis.Response
	if err := json.Unmarshal([]byte(stripFences(chat.Content)), &out); err != nil {
		a.logger.Warn("compliance: LLM output not JSON", "error", err, "content", chat.Content)
		return errorResponse(http.StatusInternalServerError, MsgAIParsingFailed, err.Error())
	}
	out.HTTPStatus = http.StatusOK
	return &out
}

// stripFences removes markdown code fences around a JSON payload.
func stripFences(s string) string {
	s = strings.ReplaceAll(s, "```json", "")
	s = strings.ReplaceAll(s, "```", "")
	return strings.TrimSpace(s)
}

func scorecardResponse(sc Scorecard) *analysis.Response {
	final := sc.FinalScore
	return &analysis.Response{
		HTTPStatus:     http.StatusOK,
		FinalScore:     &final,
		Status:         sc.Status,
		Frameworks:     sc.Frameworks,
		Confidence:     sc.Confidence,
		RiskLevel:      sc.RiskLevel,
		ReasoningChain: sc.ReasoningChain,
	}
}

func errorResponse(status int, msg, details string) *analysis.Response {
	return &analysis.Response{HTTPStatus: status, Error: msg, Details: details}
}
