// Package analyzer defines the contract with the external root-cause
// analyzer and provides the HTTP RPC client the service uses to reach it.
// The core never blocks on the analyzer: malformed or failed responses
// degrade to a low-confidence fallback hypothesis.
package analyzer

import (
	"context"

	"github.com/storefront-ops/remedy/model"
)

// Request is the analyzer RPC input: the signal batch for one issue plus
// free-form context assembled by the pipeline.
type Request struct {
	Signals []model.Signal `json:"signals"`
	Context model.JSONMap  `json:"context,omitempty"`
}

// Alternative is a hypothesis the analyzer considered and rejected.
type Alternative struct {
	Hypothesis     string  `json:"hypothesis"`
	Confidence     float64 `json:"confidence"`
	RejectedReason string  `json:"rejected_reason,omitempty"`
}

// Recommendation is one candidate remediation proposed by the analyzer.
type Recommendation struct {
	ActionType model.ActionType `json:"action_type"`
	Risk       model.RiskLevel  `json:"risk,omitempty"`
	Rationale  string           `json:"rationale,omitempty"`
}

// Hypothesis is the analyzer RPC output.
type Hypothesis struct {
	Category           model.RootCauseCategory `json:"category"`
	Confidence         float64                 `json:"confidence"`
	Reasoning          string                  `json:"reasoning,omitempty"`
	Evidence           []string                `json:"evidence,omitempty"`
	Alternatives       []Alternative           `json:"alternatives,omitempty"`
	RecommendedActions []Recommendation        `json:"recommended_actions,omitempty"`
}

// Valid reports whether the hypothesis is well-formed: a known category
// and a confidence inside [0,1].
func (h *Hypothesis) Valid() bool {
	if h == nil {
		return false
	}
	switch h.Category {
	case model.CauseMigrationMisstep, model.CausePlatformRegression,
		model.CauseDocumentationGap, model.CauseConfigError:
	default:
		return false
	}
	return h.Confidence >= 0 && h.Confidence <= 1
}

// Analyzer turns a signal batch into a root-cause hypothesis.
type Analyzer interface {
	Analyze(ctx context.Context, req Request) (*Hypothesis, error)
}

// FallbackConfidence is the confidence assigned when the analyzer fails
// or returns a malformed response.
const FallbackConfidence = 0.1

// Fallback returns the low-confidence default hypothesis used when the
// analyzer is unavailable. reason is recorded as the hypothesis reasoning
// so the uncertainty survives into the audit trail.
func Fallback(reason string) *Hypothesis {
	return &Hypothesis{
		Category:   model.CauseUnknown,
		Confidence: FallbackConfidence,
		Reasoning:  reason,
		RecommendedActions: []Recommendation{
			{ActionType: model.ActionEscalate, Risk: model.RiskLow, Rationale: "analyzer unavailable"},
		},
	}
}
