package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

// CheckpointVersion is the current tagged encoding version. Decoders
// reject blobs carrying any other version; a migration is required to
// read them.
const CheckpointVersion = 1

// RootCause is the analyzer hypothesis retained in the issue state.
type RootCause struct {
	Category    model.RootCauseCategory `json:"category"`
	Confidence  float64                 `json:"confidence"`
	Reasoning   string                  `json:"reasoning,omitempty"`
	Evidence    []string                `json:"evidence,omitempty"`
	Alternative []Alternative           `json:"alternatives,omitempty"`
}

// Alternative is a rejected hypothesis recorded for explainability.
type Alternative struct {
	Hypothesis     string  `json:"hypothesis"`
	Confidence     float64 `json:"confidence"`
	RejectedReason string  `json:"rejected_reason,omitempty"`
}

// Recommendation is one candidate remediation proposed by the analyzer.
type Recommendation struct {
	ActionType model.ActionType `json:"action_type"`
	Risk       model.RiskLevel  `json:"risk"`
	Rationale  string           `json:"rationale,omitempty"`
}

// State is the in-memory working state of one issue between stages. It is
// the unit serialized into the checkpoint blob; every field must survive
// an encode/decode round trip byte-identically.
type State struct {
	IssueID    uuid.UUID          `json:"issue_id"`
	MerchantID string             `json:"merchant_id"`
	Source     model.SignalSource `json:"source"`
	Stage      model.Stage        `json:"stage"`

	// SignalIDs preserves arrival order; SeenSignals dedups redeliveries.
	SignalIDs   []uuid.UUID         `json:"signal_ids"`
	SeenSignals map[uuid.UUID]bool  `json:"seen_signals"`
	Signals     []model.Signal      `json:"signals"`
	PatternIDs  []uuid.UUID         `json:"pattern_ids"`
	RootCause   *RootCause          `json:"root_cause,omitempty"`
	Candidates  []Recommendation    `json:"candidates,omitempty"`
	ActionID    *uuid.UUID          `json:"action_id,omitempty"`
	ActionType  model.ActionType    `json:"action_type,omitempty"`
	RiskLevel   model.RiskLevel     `json:"risk_level,omitempty"`
	Resolution  model.Resolution    `json:"resolution,omitempty"`

	// Action is the planned action as assess_risk built it, carried so the
	// later stages update the full row instead of a partial reconstruction.
	Action *model.Action `json:"action,omitempty"`

	// Approval carries the operator verdict into the wait_approval handler.
	Approval         model.ApprovalStatus `json:"approval,omitempty"`
	ApprovalOperator string               `json:"approval_operator,omitempty"`
	ApprovalFeedback string               `json:"approval_feedback,omitempty"`

	// ExecuteStarted marks that the in_progress checkpoint was persisted;
	// on resume it forces a prior-result lookup before any re-send.
	ExecuteStarted bool `json:"execute_started,omitempty"`

	Steps      model.ReasoningChain `json:"steps"`
	ErrorCount int                  `json:"error_count"`
	LastError  string               `json:"last_error,omitempty"`
	CreatedAt  time.Time            `json:"created_at"`
}

// NewState initializes the working state for a fresh issue.
func NewState(issueID uuid.UUID, merchantID string, source model.SignalSource, now time.Time) *State {
	return &State{
		IssueID:     issueID,
		MerchantID:  merchantID,
		Source:      source,
		Stage:       model.StageObserve,
		SeenSignals: make(map[uuid.UUID]bool),
		CreatedAt:   now.UTC(),
	}
}

// AppendSignal records a signal exactly once, keyed by its id. Returns
// false when the signal was already seen (bus redelivery).
func (s *State) AppendSignal(sig model.Signal) bool {
	if s.SeenSignals == nil {
		s.SeenSignals = make(map[uuid.UUID]bool)
	}
	if s.SeenSignals[sig.ID] {
		return false
	}
	s.SeenSignals[sig.ID] = true
	s.SignalIDs = append(s.SignalIDs, sig.ID)
	s.Signals = append(s.Signals, sig)
	return true
}

// checkpointEnvelope is the tagged on-disk form of a checkpoint blob.
type checkpointEnvelope struct {
	Version int             `json:"v"`
	Stage   model.Stage     `json:"stage"`
	State   json.RawMessage `json:"state"`
}

// EncodeCheckpoint serializes the state into a versioned tagged blob.
// Encoding is deterministic: struct fields emit in declaration order and
// map keys emit sorted, so re-encoding a decoded blob is byte-identical.
func EncodeCheckpoint(s *State) ([]byte, error) {
	inner, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint state: %w", err)
	}
	blob, err := json.Marshal(checkpointEnvelope{
		Version: CheckpointVersion,
		Stage:   s.Stage,
		State:   inner,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode checkpoint envelope: %w", err)
	}
	return blob, nil
}

// DecodeCheckpoint deserializes a checkpoint blob, rejecting unknown
// versions with an IntegrityError.
func DecodeCheckpoint(blob []byte) (*State, error) {
	var env checkpointEnvelope
	if err := json.Unmarshal(blob, &env); err != nil {
		return nil, common.NewIntegrityError("engine.DecodeCheckpoint",
			fmt.Sprintf("malformed checkpoint blob: %v", err))
	}
	if env.Version != CheckpointVersion {
		return nil, common.NewIntegrityError("engine.DecodeCheckpoint",
			fmt.Sprintf("unsupported checkpoint version %d, migration required", env.Version))
	}
	state := &State{}
	if err := json.Unmarshal(env.State, state); err != nil {
		return nil, common.NewIntegrityError("engine.DecodeCheckpoint",
			fmt.Sprintf("malformed checkpoint state: %v", err))
	}
	if state.SeenSignals == nil {
		state.SeenSignals = make(map[uuid.UUID]bool)
	}
	return state, nil
}
