package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ReasoningStep is a structured explanation record emitted by a stage
// handler. Steps aggregate into the issue's reasoning chain.
type ReasoningStep struct {
	Stage        Stage    `json:"stage"`
	Summary      string   `json:"summary"`
	Confidence   float64  `json:"confidence"`
	EvidenceRefs []string `json:"evidence_refs,omitempty"`
	Data         JSONMap  `json:"data,omitempty"`
	Uncertainty  string   `json:"uncertainty,omitempty"`
}

// ReasoningChain is the ordered sequence of reasoning steps for an issue,
// persisted as a JSONB column.
type ReasoningChain []ReasoningStep

// Value implements driver.Valuer for gorm JSONB storage.
func (c ReasoningChain) Value() (driver.Value, error) {
	if c == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c)
}

// Scan implements sql.Scanner for gorm JSONB storage.
func (c *ReasoningChain) Scan(value interface{}) error {
	if value == nil {
		*c = ReasoningChain{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, c)
	case string:
		return json.Unmarshal([]byte(v), c)
	default:
		return fmt.Errorf("cannot scan type %T into ReasoningChain", value)
	}
}

// Issue is the durable unit of work uniting related signals for one
// merchant through the reasoning pipeline.
type Issue struct {
	ID               uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	MerchantID       string            `gorm:"index:idx_issues_merchant_source" json:"merchant_id"`
	Source           SignalSource      `gorm:"index:idx_issues_merchant_source" json:"source"`
	Stage            Stage             `gorm:"index" json:"stage"`
	Resolution       Resolution        `json:"resolution,omitempty"`
	RootCause        RootCauseCategory `json:"root_cause,omitempty"`
	Confidence       *float64          `json:"confidence,omitempty"`
	RootCauseDetail  string            `json:"root_cause_detail,omitempty"`
	ActionType       ActionType        `json:"action_type,omitempty"`
	RiskLevel        RiskLevel         `json:"risk_level,omitempty"`
	RequiresApproval bool              `json:"requires_approval"`
	ApprovalStatus   ApprovalStatus    `json:"approval_status,omitempty"`
	SignalCount      int               `json:"signal_count"`
	PatternCount     int               `json:"pattern_count"`
	ErrorCount       int               `json:"error_count"`
	LastError        string            `json:"last_error,omitempty"`
	ReasoningChain   ReasoningChain    `gorm:"type:jsonb" json:"reasoning_chain,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
	ResolvedAt       *time.Time        `json:"resolved_at,omitempty"`
}

// Validate checks the issue invariants: stage must be enumerated,
// confidence must lie in [0,1], resolved_at is set iff the stage is
// terminal, and approval_status is meaningful only when gated.
func (i *Issue) Validate() error {
	if !i.Stage.Valid() {
		return fmt.Errorf("issue %s: unknown stage %q", i.ID, i.Stage)
	}
	if i.Confidence != nil && (*i.Confidence < 0 || *i.Confidence > 1) {
		return fmt.Errorf("issue %s: confidence %f out of range", i.ID, *i.Confidence)
	}
	if i.Stage.Terminal() != (i.ResolvedAt != nil) {
		return fmt.Errorf("issue %s: resolved_at must be set exactly when stage is terminal", i.ID)
	}
	if !i.RequiresApproval && i.ApprovalStatus != "" {
		return fmt.Errorf("issue %s: approval_status set without requires_approval", i.ID)
	}
	return nil
}

/// Key returns the issue routing key: all signals for one (merchant, source)
// pair coalesce into the same open issue.
func (i *Issue) Key() string {
	return IssueKey(i.MerchantID, i.Source)
}

// IssueKey derives the routing key used by the orchestrator to map a
// signal onto an issue.
func IssueKey(merchantID string, source SignalSource) string {
	return merchantID + "/" + string(source)
}

// Signal is one normalized observation arriving on the bus. Signals are
// immutable after insert and partitioned in storage by received_at.
type Signal struct {
	ID             uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	Source         SignalSource `json:"source"`
	MerchantID     string       `gorm:"index" json:"merchant_id"`
	Severity       Severity     `json:"severity"`
	MigrationStage string       `json:"migration_stage,omitempty"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	ErrorCode      string       `json:"error_code,omitempty"`
	Resource       string       `json:"resource,omitempty"`
	Payload        JSONMap      `gorm:"type:jsonb" json:"payload,omitempty"`
	Context        JSONMap      `gorm:"type:jsonb" json:"context,omitempty"`
	IssueID        *uuid.UUID   `gorm:"type:uuid;index" json:"issue_id,omitempty"`
	ReceivedAt     time.Time    `gorm:"index" json:"received_at"`
}

// Validate checks the signal payload before ingestion.
func (s *Signal) Validate() error {
	if s.ID == uuid.Nil {
		return fmt.Errorf("signal: id is required")
	}
	if !s.Source.Valid() {
		return fmt.Errorf("signal %s: unknown source %q", s.ID, s.Source)
	}
	if s.MerchantID == "" {
		return fmt.Errorf("signal %s: merchant_id is required", s.ID)
	}
	if !s.Severity.Valid() {
		return fmt.Errorf("signal %s: unknown severity %q", s.ID, s.Severity)
	}
	return nil
}

// Pattern is a cluster of signals sharing a fingerprint. Written once per
// detection, referenced read-only afterwards.
type Pattern struct {
	ID              uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Type            PatternType `json:"type"`
	Fingerprint     string      `gorm:"index" json:"fingerprint"`
	Confidence      float64     `json:"confidence"`
	SignalIDs       StringSlice `gorm:"type:jsonb" json:"signal_ids"`
	Merchants       StringSlice `gorm:"type:jsonb" json:"merchants"`
	FirstSeen       time.Time   `json:"first_seen"`
	LastSeen        time.Time   `json:"last_seen"`
	Frequency       int         `json:"frequency"`
	Characteristics JSONMap     `gorm:"type:jsonb" json:"characteristics,omitempty"`
}

// Validate checks the pattern invariants.
func (p *Pattern) Validate() error {
	if p.Confidence < 0 || p.Confidence > 1 {
		return fmt.Errorf("pattern %s: confidence %f out of range", p.ID, p.Confidence)
	}
	if p.Frequency < 1 {
		return fmt.Errorf("pattern %s: frequency %d below 1", p.ID, p.Frequency)
	}
	return nil
}

// Action is a planned or executed remediation.
type Action struct {
	ID           uuid.UUID    `gorm:"type:uuid;primaryKey" json:"id"`
	IssueID      uuid.UUID    `gorm:"type:uuid;index" json:"issue_id"`
	Type         ActionType   `json:"type"`
	Risk         RiskLevel    `json:"risk"`
	Status       ActionStatus `json:"status"`
	Parameters   JSONMap      `gorm:"type:jsonb" json:"parameters,omitempty"`
	Result       JSONMap      `gorm:"type:jsonb" json:"result,omitempty"`
	Success      *bool        `json:"success,omitempty"`
	ErrorMessage string       `json:"error_message,omitempty"`
	RollbackData JSONMap      `gorm:"type:jsonb" json:"rollback_data,omitempty"`
	Reasoning    JSONMap      `gorm:"type:jsonb" json:"reasoning,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ExecutedAt   *time.Time   `json:"executed_at,omitempty"`
	CompletedAt  *time.Time   `json:"completed_at,omitempty"`
}

// Validate checks the action invariants: success stays unset until the
// action reaches completed, failed, or rolled_back.
func (a *Action) Validate() error {
	if a.Success != nil {
		switch a.Status {
		case ActionCompleted, ActionFailed, ActionRolledBack:
		default:
			return fmt.Errorf("action %s: success set while status is %q", a.ID, a.Status)
		}
	}
	return nil
}

// AuditEntry is an immutable, hash-chained event record. The store refuses
// UPDATE and DELETE on this relation; the gorm hooks below guard every ORM
// path and a database trigger guards raw SQL.
type AuditEntry struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	IssueID      uuid.UUID `gorm:"type:uuid;index:idx_audit_issue_seq" json:"issue_id"`
	Sequence     int       `gorm:"index:idx_audit_issue_seq" json:"sequence"`
	Timestamp    time.Time `json:"timestamp"`
	EventType    string    `json:"event_type"`
	Actor        string    `json:"actor"`
	Inputs       JSONMap   `gorm:"type:jsonb" json:"inputs,omitempty"`
	Outputs      JSONMap   `gorm:"type:jsonb" json:"outputs,omitempty"`
	Reasoning    JSONMap   `gorm:"type:jsonb" json:"reasoning,omitempty"`
	EntryHash    string    `json:"entry_hash"`
	PreviousHash string    `json:"previous_hash"`
}

// ErrAuditImmutable is returned by any attempt to mutate or remove an
// audit entry through the ORM.
var ErrAuditImmutable = fmt.Errorf("audit entries are immutable")

// BeforeUpdate rejects every update to an audit entry.
func (AuditEntry) BeforeUpdate(*gorm.DB) error {
	return ErrAuditImmutable
}

// BeforeDelete rejects every delete of an audit entry.
func (AuditEntry) BeforeDelete(*gorm.DB) error {
	return ErrAuditImmutable
}

// AgentState is the per-issue checkpoint: stage plus the serialized state
// blob sufficient to resume the issue after a restart.
type AgentState struct {
	ID                 uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	IssueID            uuid.UUID  `gorm:"type:uuid;uniqueIndex" json:"issue_id"`
	Stage              Stage      `json:"stage"`
	Blob               []byte     `gorm:"type:jsonb" json:"blob"`
	CheckpointID       uuid.UUID  `gorm:"type:uuid" json:"checkpoint_id"`
	ParentCheckpointID *uuid.UUID `gorm:"type:uuid" json:"parent_checkpoint_id,omitempty"`
	ErrorCount         int        `json:"error_count"`
	LastError          string     `json:"last_error,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}
