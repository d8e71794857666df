package analysis

import (
	"encoding/json"
)

// StatusIncompletePolicy marks a policy missing critical clauses.
const StatusIncompletePolicy = "INCOMPLETE_POLICY"

// Response is the decoded body of an /upload-nda call. Fields the service
// omits keep their zero value; score presence is tracked separately because
// a zero score is a valid result.
type Response struct {
	HTTPStatus int `json:"-"`

	Error          string   `json:"error,omitempty"`
	Details        string   `json:"details,omitempty"`
	Status         string   `json:"status,omitempty"`
	Message        string   `json:"message,omitempty"`
	MissingClauses []string `json:"missing_clauses,omitempty"`

	Score      *float64 `json:"score,omitempty"`
	FinalScore *float64 `json:"finalScore,omitempty"`

	RulesTriggered      []string           `json:"rules_triggered,omitempty"`
	MissingRequirements []string           `json:"missing_requirements,omitempty"`
	TextEvidence        []string           `json:"text_evidence,omitempty"`
	Confidence          float64            `json:"confidence,omitempty"`
	RiskLevel           string             `json:"risk_level,omitempty"`
	AnalysisTimeMs      float64            `json:"analysis_time_ms,omitempty"`
	Frameworks          map[string]float64 `json:"frameworks,omitempty"`
	ReasoningChain      []string           `json:"reasoning_chain,omitempty"`

	// Raw is the undecoded body.
	Raw json.RawMessage `json:"-"`
}

// OK reports whether the HTTP exchange succeeded (2xx).
func (r *Response) OK() bool {
	return r.HTTPStatus >= 200 && r.HTTPStatus < 300
}

// HasError reports whether the body carried a non-empty error field. An
// empty or null error is not a failure.
func (r *Response) HasError() bool {
	return r.Error != ""
}

// Incomplete reports whether the service flagged an incomplete policy.
func (r *Response) Incomplete() bool {
	return r.Status == StatusIncompletePolicy
}

// HasScore reports whether either score or finalScore is present.
func (r *Response) HasScore() bool {
	return r.Score != nil || r.FinalScore != nil
}

// ScoreValue returns score, falling back to finalScore.
func (r *Response) ScoreValue() float64 {
	switch {
	case r.Score != nil:
		return *r.Score
	case r.FinalScore != nil:
		return *r.FinalScore
	default:
		return 0
	}
}

// ErrorMessage returns the message to surface for a failed exchange.
func (r *Response) ErrorMessage() string {
	if r.Error != "" {
		return r.Error
	}
	return "Invalid document uploaded."
}

// Decode parses a response body. Non-object bodies are an error.
func Decode(status int, body []byte) (*Response, error) {
	resp := &Response{HTTPStatus: status, Raw: json.RawMessage(body)}
	if err := json.Unmarshal(body, resp); err != nil {
		return resp, err
	}
	return resp, nil
}
