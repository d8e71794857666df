// Package compliance implements the reference policy analysis served on
// /upload-nda: a document-type gate, a required-clause check and scoring,
// either by an LLM or by a deterministic rule scorer.
package compliance

import (
	"math"
	"strings"
	"unicode"
)

// PolicyKeywords identify a document as a privacy or security policy.
var PolicyKeywords = []string{
	"gdpr",
	"ccpa",
	"data protection",
	"privacy policy",
	"confidentiality",
	"security policy",
}

// Clause is a component every policy must cover.
type Clause struct {
	Key         string
	Description string
}

// RequiredClauses are matched as lower-case substrings.
var RequiredClauses = []Clause{
	{Key: "encryption", Description: "Encryption policy"},
	{Key: "access control", Description: "Access control policy"},
	{Key: "breach notification", Description: "Breach notification procedure"},
	{Key: "data retention", Description: "Data retention policy"},
}

// IncompleteThreshold is the number of missing clauses that marks a policy
// incomplete.
const IncompleteThreshold = 2

// Findings is the outcome of the keyword and clause checks.
type Findings struct {
	Keywords []string // matched policy keywords
	Present  []Clause
	Missing  []Clause
}

// Inspect runs the keyword and clause checks over text.
func Inspect(text string) Findings {
	lower := strings.ToLower(text)
	var f Findings
	for _, kw := range PolicyKeywords {
		if strings.Contains(lower, kw) {
			f.Keywords = append(f.Keywords, kw)
		}
	}
	for _, c := range RequiredClauses {
		if strings.Contains(lower, c.Key) {
			f.Present = append(f.Present, c)
		} else {
			f.Missing = append(f.Missing, c)
		}
	}
	return f
}

// IsPolicy reports whether any policy keyword matched.
func (f Findings) IsPolicy() bool { return len(f.Keywords) > 0 }

// Incomplete reports whether too many required clauses are missing.
func (f Findings) Incomplete() bool { return len(f.Missing) >= IncompleteThreshold }

// MissingDescriptions returns the descriptions of the missing clauses.
func (f Findings) MissingDescriptions() []string {
	out := make([]string, 0, len(f.Missing))
	for _, c := range f.Missing {
		out = append(out, c.Description)
	}
	return out
}

// Rules returns rule identifiers for every matched keyword and clause.
func (f Findings) Rules() []string {
	out := make([]string, 0, len(f.Keywords)+len(f.Present))
	for _, kw := range f.Keywords {
		out = append(out, "keyword:"+kw)
	}
	for _, c := range f.Present {
		out = append(out, "clause:"+c.Key)
	}
	return out
}

// Evidence limits.
const (
	maxEvidence    = 5
	maxEvidenceLen = 240
)

// Evidence returns up to five sentences of text mentioning a present clause.
func Evidence(text string, f Findings) []string {
	if len(f.Present) == 0 {
		return []string{}
	}
	sentences := strings.FieldsFunc(text, func(r rune) bool {
		return r == '.' || r == '\n' || r == ';'
	})
	out := []string{}
	for _, s := range sentences {
		s = strings.TrimFunc(s, unicode.IsSpace)
		if s == "" {
			continue
		}
		lower := strings.ToLower(s)
		for _, c := range f.Present {
			if strings.Contains(lower, c.Key) {
				if len(s) > maxEvidenceLen {
					s = strings.TrimSpace(s[:maxEvidenceLen]) + "..."
				}
				out = append(out, s)
				break
			}
		}
		if len(out) == maxEvidence {
			break
		}
	}
	return out
}

// Status labels.
const (
	StatusCompliant          = "COMPLIANT"
	StatusPartiallyCompliant = "PARTIALLY COMPLIANT"
	StatusNonCompliant       = "NON-COMPLIANT"
)

// Scorecard is the deterministic scoring of a policy.
type Scorecard struct {
	FinalScore     float64
	Status         string
	Frameworks     map[string]float64
	Confidence     float64
	RiskLevel      string
	ReasoningChain []string
}

// frameworkMarkers decide which frameworks a policy explicitly addresses.
var frameworkMarkers = map[string][]string{
	"GDPR":           {"gdpr", "data protection"},
	"CCPA":           {"ccpa", "privacy policy"},
	"InternalPolicy": {"security policy", "confidentiality"},
}

// Score grades findings without an LLM. Clause coverage carries 70 points
// and keyword breadth (capped at three) carries 30. A framework the policy
// never names scores 60% of the final score.
func Score(f Findings) Scorecard {
	coverage := float64(len(f.Present)) / float64(len(RequiredClauses))
	breadth := math.Min(float64(len(f.Keywords)), 3) / 3
	final := math.Round(70*coverage + 30*breadth)

	matched := make(map[string]bool, len(f.Keywords))
	for _, kw := range f.Keywords {
		matched[kw] = true
	}
	frameworks := make(map[string]float64, len(frameworkMarkers))
	for name, markers := range frameworkMarkers {
		score := math.Round(final * 0.6)
		for _, m := range markers {
			if matched[m] {
				score = final
				break
			}
		}
		frameworks[name] = score
	}

	var chain []string
	for _, c := range f.Present {
		chain = append(chain, "Found "+strings.ToLower(c.Description))
	}
	for _, c := range f.Missing {
		chain = append(chain, "Missing "+strings.ToLower(c.Description))
	}

	return Scorecard{
		FinalScore:     final,
		Status:         statusFor(final),
		Frameworks:     frameworks,
		Confidence:     math.Round((0.6+0.1*float64(len(f.Present)))*100) / 100,
		RiskLevel:      riskFor(final),
		ReasoningChain: chain,
	}
}

func statusFor(score float64) string {
	switch {
	case score >= 80:
		return StatusCompliant
	case score >= 50:
		return StatusPartiallyCompliant
	default:
		return StatusNonCompliant
	}
}

func riskFor(score float64) string {
	switch {
	case score >= 80:
		return "Low"
	case score >= 50:
		return "Medium"
	default:
		return "High"
	}
}
