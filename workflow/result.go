package workflow

import (
	"strings"
	"time"

	"github.com/brunobiangulo/veritas/analysis"
)

// RiskLevel grades a compliance outcome.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// ParseRiskLevel maps a service label onto a RiskLevel. Unrecognised labels
// return false.
func ParseRiskLevel(s string) (RiskLevel, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return RiskLow, true
	case "medium", "moderate":
		return RiskMedium, true
	case "high", "critical":
		return RiskHigh, true
	}
	return "", false
}

// RiskForScore derives a risk level when the service does not supply one.
func RiskForScore(score float64) RiskLevel {
	switch {
	case score >= 80:
		return RiskLow
	case score >= 50:
		return RiskMedium
	default:
		return RiskHigh
	}
}

// RunResult is the compliance outcome of one successful run.
type RunResult struct {
	Score               float64            `json:"score"`
	StatusLabel         string             `json:"statusLabel"`
	Evidence            []string           `json:"evidence"`
	MissingRequirements []string           `json:"missingRequirements"`
	RulesTriggered      []string           `json:"rulesTriggered"`
	Confidence          float64            `json:"confidence"`
	RiskLevel           RiskLevel          `json:"riskLevel"`
	TimingMs            float64            `json:"timingMs"`
	Frameworks          map[string]float64 `json:"frameworks,omitempty"`
	ReasoningChain      []string           `json:"reasoningChain,omitempty"`
}

// newRunResult converts a successful response. elapsed is used when the
// service does not report its own analysis time.
func newRunResult(resp *analysis.Response, elapsed time.Duration) *RunResult {
	score := resp.ScoreValue()
	risk, ok := ParseRiskLevel(resp.RiskLevel)
	if !ok {
		risk = RiskForScore(score)
	}
	timing := resp.AnalysisTimeMs
	if timing == 0 {
		timing = float64(elapsed.Milliseconds())
	}
	return &RunResult{
		Score:               score,
		StatusLabel:         resp.Status,
		Evidence:            nonNil(resp.TextEvidence),
		MissingRequirements: nonNil(resp.MissingRequirements),
		RulesTriggered:      nonNil(resp.RulesTriggered),
		Confidence:          resp.Confidence,
		RiskLevel:           risk,
		TimingMs:            timing,
		Frameworks:          resp.Frameworks,
		ReasoningChain:      resp.ReasoningChain,
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string(nil), s...)
}

func (r *RunResult) clone() *RunResult {
	if r == nil {
		return nil
	}
	c := *r
	c.Evidence = nonNil(r.Evidence)
	c.MissingRequirements = nonNil(r.MissingRequirements)
	c.RulesTriggered = nonNil(r.RulesTriggered)
	if r.ReasoningChain != nil {
		c.ReasoningChain = append([]string(nil), r.ReasoningChain...)
	}
	if r.Frameworks != nil {
		c.Frameworks = make(map[string]float64, len(r.Frameworks))
		for k, v := range r.Frameworks {
			c.Frameworks[k] = v
		}
	}
	return &c
}
