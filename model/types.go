// Package model defines the persistent entities of the remediation service:
// issues, signals, patterns, actions, audit entries, and agent state
// checkpoints, together with the enumerations they share.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Stage is a named point in the issue lifecycle state machine.
type Stage string

const (
	StageObserve        Stage = "observe"
	StageDetectPatterns Stage = "detect_patterns"
	StageAnalyze        Stage = "analyze"
	StageDecide         Stage = "decide"
	StageAssessRisk     Stage = "assess_risk"
	StageWaitApproval   Stage = "wait_approval"
	StageExecute        Stage = "execute"
	StageRecord         Stage = "record"
	StageComplete       Stage = "complete"
)

// Stages lists every valid stage in pipeline order.
var Stages = []Stage{
	StageObserve,
	StageDetectPatterns,
	StageAnalyze,
	StageDecide,
	StageAssessRisk,
	StageWaitApproval,
	StageExecute,
	StageRecord,
	StageComplete,
}

// Valid reports whether s is one of the enumerated stages.
func (s Stage) Valid() bool {
	for _, known := range Stages {
		if s == known {
			return true
		}
	}
	return false
}

// Terminal reports whether s is the terminal stage.
func (s Stage) Terminal() bool {
	return s == StageComplete
}

// SignalSource identifies the operational channel a signal arrived on.
type SignalSource string

const (
	SourceSupportTicket  SignalSource = "support_ticket"
	SourceAPIFailure     SignalSource = "api_failure"
	SourceCheckoutError  SignalSource = "checkout_error"
	SourceWebhookFailure SignalSource = "webhook_failure"
)

// Valid reports whether the source is a known enum value.
func (s SignalSource) Valid() bool {
	switch s {
	case SourceSupportTicket, SourceAPIFailure, SourceCheckoutError, SourceWebhookFailure:
		return true
	}
	return false
}

// Severity grades a signal.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether the severity is a known enum value.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RootCauseCategory is the analyzer's classification of an issue.
type RootCauseCategory string

const (
	CauseMigrationMisstep   RootCauseCategory = "migration_misstep"
	CausePlatformRegression RootCauseCategory = "platform_regression"
	CauseDocumentationGap   RootCauseCategory = "documentation_gap"
	CauseConfigError        RootCauseCategory = "config_error"
	CauseUnknown            RootCauseCategory = "unknown"
)

// ActionType enumerates the remediations the service can plan.
type ActionType string

const (
	ActionSupportGuidance     ActionType = "support_guidance"
	ActionConfigFix           ActionType = "config_fix"
	ActionTemporaryMitigation ActionType = "temporary_mitigation"
	ActionRollbackMigration   ActionType = "rollback_migration"
	ActionEscalate            ActionType = "escalate"
)

// RiskLevel governs whether human approval is required before execution.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RequiresApproval reports whether actions at this risk level are gated on
// an operator verdict.
func (r RiskLevel) RequiresApproval() bool {
	return r == RiskHigh || r == RiskCritical
}

// ActionStatus tracks an action through its lifecycle. Transitions are
// forward-only except for the explicit rollback path.
type ActionStatus string

const (
	ActionPending         ActionStatus = "pending"
	ActionPendingApproval ActionStatus = "pending_approval"
	ActionInProgress      ActionStatus = "in_progress"
	ActionCompleted       ActionStatus = "completed"
	ActionFailed          ActionStatus = "failed"
	ActionRolledBack      ActionStatus = "rolled_back"
	ActionRejected        ActionStatus = "rejected"
)

// Terminal reports whether the status is final.
func (s ActionStatus) Terminal() bool {
	switch s {
	case ActionCompleted, ActionFailed, ActionRolledBack, ActionRejected:
		return true
	}
	return false
}

// actionStatusRank orders statuses for the monotonicity check. Rollback is
// the single permitted backward-looking move and is handled separately.
var actionStatusRank = map[ActionStatus]int{
	ActionPending:         0,
	ActionPendingApproval: 1,
	ActionInProgress:      2,
	ActionCompleted:       3,
	ActionFailed:          3,
	ActionRejected:        3,
	ActionRolledBack:      4,
}

// CanTransitionTo reports whether moving from s to next respects the
// forward-only discipline. rolled_back is reachable from failed, or from
// in_progress when the rollback happens in the same execution attempt.
func (s ActionStatus) CanTransitionTo(next ActionStatus) bool {
	if next == ActionRolledBack {
		return s == ActionFailed || s == ActionInProgress
	}
	from, ok := actionStatusRank[s]
	if !ok {
		return false
	}
	to, ok := actionStatusRank[next]
	if !ok {
		return false
	}
	return to > from
}

// ApprovalStatus records the operator verdict on a gated action.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

// Resolution classifies how an issue reached the terminal stage.
type Resolution string

const (
	ResolutionResolved    Resolution = "resolved"
	ResolutionAborted     Resolution = "aborted"
	ResolutionRejected    Resolution = "rejected"
	ResolutionRateLimited Resolution = "rate_limited"
	ResolutionEscalated   Resolution = "escalated"
)

// PatternType classifies a cluster of signals sharing a fingerprint.
type PatternType string

const (
	PatternErrorSpike    PatternType = "error_spike"
	PatternRecurring     PatternType = "recurring_error"
	PatternCrossMerchant PatternType = "cross_merchant"
)

// JSONMap is a map persisted as a JSONB column. Keys marshal in sorted
// order, which the audit hash chain relies on.
type JSONMap map[string]interface{}

// Value implements driver.Valuer for gorm JSONB storage.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner for gorm JSONB storage.
func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("cannot scan type %T into JSONMap", value)
	}
}

// StringSlice is a string list persisted as a JSONB column.
type StringSlice []string

// Value implements driver.Valuer for gorm JSONB storage.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s)
}

// Scan implements sql.Scanner for gorm JSONB storage.
func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = StringSlice{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return fmt.Errorf("cannot scan type %T into StringSlice", value)
	}
}
