package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/storefront-ops/remedy/analyzer"
	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

// Intent is a deferred side effect produced by a stage handler. The
// orchestrator applies all intents of an outcome in the same transaction
// that commits the stage transition, so a crash between handler return
// and commit loses nothing and duplicates nothing.
type Intent interface {
	intent()
}

// SavePatterns persists the patterns detected for this issue.
type SavePatterns struct {
	Patterns []model.Pattern
}

// CreateAction persists a newly planned action.
type CreateAction struct {
	Action *model.Action
}

// UpdateAction persists a status or result change on an existing action.
type UpdateAction struct {
	Action *model.Action
}

// RequestApproval registers a gated action with the approval coordinator.
type RequestApproval struct {
	IssueID  uuid.UUID
	ActionID uuid.UUID
	Summary  string
}

// AppendAudit emits an extra audit entry beyond the per-transition one the
// orchestrator writes itself.
type AppendAudit struct {
	EventType string
	Actor     string
	Inputs    model.JSONMap
	Outputs   model.JSONMap
	Reasoning model.JSONMap
}

func (SavePatterns) intent()    {}
func (CreateAction) intent()    {}
func (UpdateAction) intent()    {}
func (RequestApproval) intent() {}
func (AppendAudit) intent()     {}

// Outcome is the result of running one stage handler: the stage to move
// to, the reasoning step to append, and the side effects to commit.
// Blocked means the issue must park (approval pending) instead of moving.
type Outcome struct {
	Next    model.Stage
	Blocked bool
	Step    *model.ReasoningStep
	Intents []Intent
}

// ActionOutcome is what the downstream runner reports back for one action.
type ActionOutcome struct {
	Success      bool
	RateLimited  bool
	RolledBack   bool
	Result       model.JSONMap
	ErrorMessage string
	RollbackData model.JSONMap
	DurationMs   int64
}

// ActionRunner executes remediations against the downstream platform.
// Lookup answers whether an action already ran, for crash recovery: an
// action left in_progress is never re-sent without checking first.
type ActionRunner interface {
	Run(ctx context.Context, action *model.Action) (*ActionOutcome, error)
	Lookup(ctx context.Context, actionID uuid.UUID) (*ActionOutcome, error)
}

// PatternDetector clusters a signal batch into patterns.
type PatternDetector interface {
	Detect(ctx context.Context, signals []model.Signal) ([]model.Pattern, error)
}

// ActionCheckpointer persists the in_progress mark and rollback data
// before the downstream call is made. This write happens inside the
// execute handler rather than as an intent: it must be durable before the
// side effect, not after.
type ActionCheckpointer interface {
	MarkInProgress(ctx context.Context, action *model.Action) error
}

// StateCheckpointer persists the issue state mid-stage. The execute
// handler uses it to make ExecuteStarted durable before the downstream
// call leaves the process; a crash after that point resumes through
// Lookup instead of re-sending.
type StateCheckpointer interface {
	SaveState(ctx context.Context, st *State) error
}

// Config tunes the pipeline's decision policy.
type Config struct {
	// ConfidenceThreshold is the minimum root-cause confidence required to
	// pick a remediation automatically; below it the issue escalates.
	ConfidenceThreshold float64
	// ApprovalConfidenceFloor forces the approval gate even for low-risk
	// actions when confidence sits below it.
	ApprovalConfidenceFloor float64
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		ConfidenceThreshold:     0.6,
		ApprovalConfidenceFloor: 0.7,
	}
}

// Pipeline holds the dependencies stage handlers are allowed to touch.
// Handlers reach the analyzer, the pattern detector, and the runner
// directly (these are the suspension points); everything destined for the
// store travels back as intents.
type Pipeline struct {
	Detector PatternDetector
	Analyzer analyzer.Analyzer
	Runner   ActionRunner
	Actions  ActionCheckpointer
	States   StateCheckpointer
	Config   Config
	Now      func() time.Time
}

func (p *Pipeline) now() time.Time {
	if p.Now != nil {
		return p.Now().UTC()
	}
	return time.Now().UTC()
}

// Step dispatches the handler for the state's current stage.
func (p *Pipeline) Step(ctx context.Context, st *State) (*Outcome, error) {
	switch st.Stage {
	case model.StageObserve:
		return p.observe(ctx, st)
	case model.StageDetectPatterns:
		return p.detectPatterns(ctx, st)
	case model.StageAnalyze:
		return p.analyze(ctx, st)
	case model.StageDecide:
		return p.decide(ctx, st)
	case model.StageAssessRisk:
		return p.assessRisk(ctx, st)
	case model.StageWaitApproval:
		return p.waitApproval(ctx, st)
	case model.StageExecute:
		return p.execute(ctx, st)
	case model.StageRecord:
		return p.record(ctx, st)
	case model.StageComplete:
		return nil, common.NewStateError("engine.Step", "issue is already complete")
	}
	return nil, common.NewStateError("engine.Step", "unknown stage "+string(st.Stage))
}

// observe acknowledges the newest signal. Dedup already happened in
// AppendSignal; by the time observe runs the batch is clean.
func (p *Pipeline) observe(_ context.Context, st *State) (*Outcome, error) {
	if len(st.Signals) == 0 {
		return nil, common.NewStateError("engine.observe", "no signals attached to issue")
	}
	latest := st.Signals[len(st.Signals)-1]
	step := &model.ReasoningStep{
		Stage:      model.StageObserve,
		Summary:    fmt.Sprintf("Observed %s from %s", latest.Source, latest.MerchantID),
		Confidence: 1,
		EvidenceRefs: []string{
			"signal:" + latest.ID.String(),
		},
		Data: model.JSONMap{
			"severity":     string(latest.Severity),
			"signal_count": len(st.Signals),
		},
	}
	return &Outcome{Next: model.StageDetectPatterns, Step: step}, nil
}

// detectPatterns fingerprints the signal batch and matches it against
// known patterns. Detection failures abort the stage; the orchestrator's
// retry policy owns what happens next.
func (p *Pipeline) detectPatterns(ctx context.Context, st *State) (*Outcome, error) {
	patterns, err := p.Detector.Detect(ctx, st.Signals)
	if err != nil {
		return nil, common.NewDependencyError("engine.detectPatterns", "pattern detection failed", err)
	}
	st.PatternIDs = st.PatternIDs[:0]
	refs := make([]string, 0, len(patterns))
	for _, pat := range patterns {
		st.PatternIDs = append(st.PatternIDs, pat.ID)
		refs = append(refs, "pattern:"+pat.ID.String())
	}
	step := &model.ReasoningStep{
		Stage:        model.StageDetectPatterns,
		Summary:      fmt.Sprintf("Matched %d pattern(s) across %d signal(s)", len(patterns), len(st.Signals)),
		Confidence:   1,
		EvidenceRefs: refs,
	}
	out := &Outcome{Next: model.StageAnalyze, Step: step}
	if len(patterns) > 0 {
		out.Intents = append(out.Intents, SavePatterns{Patterns: patterns})
	}
	return out, nil
}

// analyze asks the external analyzer for a root-cause hypothesis. The
// analyzer is never allowed to block the pipeline: errors, timeouts, and
// malformed responses all degrade to the unknown-cause fallback with the
// uncertainty recorded in the reasoning step.
func (p *Pipeline) analyze(ctx context.Context, st *State) (*Outcome, error) {
	req := analyzer.Request{Signals: st.Signals}
	hyp, err := p.Analyzer.Analyze(ctx, req)

	uncertainty := ""
	switch {
	case err != nil:
		uncertainty = fmt.Sprintf("analyzer unavailable: %v", err)
		hyp = analyzer.Fallback(uncertainty)
	case !hyp.Valid():
		uncertainty = "analyzer returned a malformed hypothesis"
		hyp = analyzer.Fallback(uncertainty)
	}

	st.RootCause = &RootCause{
		Category:   hyp.Category,
		Confidence: hyp.Confidence,
		Reasoning:  hyp.Reasoning,
		Evidence:   hyp.Evidence,
	}
	for _, alt := range hyp.Alternatives {
		st.RootCause.Alternative = append(st.RootCause.Alternative, Alternative{
			Hypothesis:     alt.Hypothesis,
			Confidence:     alt.Confidence,
			RejectedReason: alt.RejectedReason,
		})
	}
	st.Candidates = st.Candidates[:0]
	for _, rec := range hyp.RecommendedActions {
		st.Candidates = append(st.Candidates, Recommendation{
			ActionType: rec.ActionType,
			Risk:       rec.Risk,
			Rationale:  rec.Rationale,
		})
	}

	step := &model.ReasoningStep{
		Stage:       model.StageAnalyze,
		Summary:     fmt.Sprintf("Root cause hypothesis: %s", hyp.Category),
		Confidence:  hyp.Confidence,
		Uncertainty: uncertainty,
		Data: model.JSONMap{
			"category":   string(hyp.Category),
			"candidates": len(st.Candidates),
		},
	}
	return &Outcome{Next: model.StageDecide, Step: step}, nil
}

// decide selects a remediation: the lowest-risk candidate, provided the
// hypothesis clears the confidence threshold. Anything else escalates to a
// human rather than acting on a guess.
func (p *Pipeline) decide(_ context.Context, st *State) (*Outcome, error) {
	if st.RootCause == nil {
		return nil, common.NewStateError("engine.decide", "decide reached without a hypothesis")
	}

	chosen := Recommendation{ActionType: model.ActionEscalate, Risk: model.RiskLow}
	rationale := "no confident remediation available"
	if st.RootCause.Confidence >= p.Config.ConfidenceThreshold && len(st.Candidates) > 0 {
		best := st.Candidates[0]
		for _, cand := range st.Candidates[1:] {
			if riskRank(cand.Risk) < riskRank(best.Risk) {
				best = cand
			}
		}
		chosen = best
		rationale = best.Rationale
		if rationale == "" {
			rationale = "lowest-risk candidate for " + string(st.RootCause.Category)
		}
	}

	st.ActionType = chosen.ActionType
	st.RiskLevel = chosen.Risk
	step := &model.ReasoningStep{
		Stage:      model.StageDecide,
		Summary:    fmt.Sprintf("Selected %s: %s", chosen.ActionType, rationale),
		Confidence: st.RootCause.Confidence,
		Data: model.JSONMap{
			"action_type": string(chosen.ActionType),
			"considered":  len(st.Candidates),
		},
	}
	return &Outcome{Next: model.StageAssessRisk, Step: step}, nil
}

// riskForAction is the default classification used when the analyzer did
// not grade its recommendation.
var riskForAction = map[model.ActionType]model.RiskLevel{
	model.ActionSupportGuidance:     model.RiskLow,
	model.ActionConfigFix:           model.RiskMedium,
	model.ActionTemporaryMitigation: model.RiskHigh,
	model.ActionRollbackMigration:   model.RiskCritical,
	model.ActionEscalate:            model.RiskLow,
}

func riskRank(r model.RiskLevel) int {
	switch r {
	case model.RiskLow:
		return 0
	case model.RiskMedium:
		return 1
	case model.RiskHigh:
		return 2
	case model.RiskCritical:
		return 3
	}
	return 4
}

// assessRisk grades the selected action and routes it: high and critical
// risk always gate on approval, and so does anything decided under the
// confidence floor. The planned action is persisted here so the approval
// surface and the executor both see it.
func (p *Pipeline) assessRisk(_ context.Context, st *State) (*Outcome, error) {
	if st.ActionType == "" {
		return nil, common.NewStateError("engine.assessRisk", "assess_risk reached without a selected action")
	}
	risk := st.RiskLevel
	if risk == "" {
		risk = riskForAction[st.ActionType]
	}
	st.RiskLevel = risk

	confidence := 0.0
	if st.RootCause != nil {
		confidence = st.RootCause.Confidence
	}
	gated := risk.RequiresApproval() || confidence < p.Config.ApprovalConfidenceFloor

	status := model.ActionPending
	if gated {
		status = model.ActionPendingApproval
	}
	actionID := uuid.New()
	st.ActionID = &actionID
	action := &model.Action{
		ID:      actionID,
		IssueID: st.IssueID,
		Type:    st.ActionType,
		Risk:    risk,
		Status:  status,
		Parameters: model.JSONMap{
			"merchant_id": st.MerchantID,
			"source":      string(st.Source),
		},
		Reasoning: model.JSONMap{
			"confidence": confidence,
		},
		CreatedAt: p.now(),
	}
	if st.RootCause != nil {
		action.Reasoning["root_cause"] = string(st.RootCause.Category)
	}
	st.Action = action

	out := &Outcome{
		Step: &model.ReasoningStep{
			Stage:      model.StageAssessRisk,
			Summary:    fmt.Sprintf("Assessed %s as %s risk", st.ActionType, risk),
			Confidence: confidence,
			Data: model.JSONMap{
				"risk":              string(risk),
				"requires_approval": gated,
			},
		},
		Intents: []Intent{CreateAction{Action: action}},
	}
	if gated {
		st.Approval = model.ApprovalPending
		out.Next = model.StageWaitApproval
		out.Intents = append(out.Intents, RequestApproval{
			IssueID:  st.IssueID,
			ActionID: actionID,
			Summary:  fmt.Sprintf("%s (%s risk) for merchant %s", st.ActionType, risk, st.MerchantID),
		})
	} else {
		out.Next = model.StageExecute
	}
	return out, nil
}

// waitApproval parks until an operator verdict lands on the state. The
// orchestrator re-invokes this handler when the coordinator wakes the
// issue; nothing here polls. Either verdict is written into the action's
// reasoning so the audit trail names the operator.
func (p *Pipeline) waitApproval(_ context.Context, st *State) (*Outcome, error) {
	switch st.Approval {
	case model.ApprovalApproved:
		step := &model.ReasoningStep{
			Stage:      model.StageWaitApproval,
			Summary:    "Operator approved " + string(st.ActionType),
			Confidence: 1,
			Data:       model.JSONMap{"operator": st.ApprovalOperator},
		}
		out := &Outcome{Next: model.StageExecute, Step: step}
		if st.Action != nil {
			p.recordVerdict(st)
			out.Intents = append(out.Intents, UpdateAction{Action: st.Action})
		}
		return out, nil
	case model.ApprovalRejected:
		st.Resolution = model.ResolutionRejected
		step := &model.ReasoningStep{
			Stage:      model.StageWaitApproval,
			Summary:    "Operator rejected " + string(st.ActionType),
			Confidence: 1,
			Data: model.JSONMap{
				"operator": st.ApprovalOperator,
				"feedback": st.ApprovalFeedback,
			},
		}
		out := &Outcome{Next: model.StageComplete, Step: step}
		if st.Action != nil {
			p.recordVerdict(st)
			st.Action.Status = model.ActionRejected
			st.Action.ErrorMessage = st.ApprovalFeedback
			out.Intents = append(out.Intents, UpdateAction{Action: st.Action})
		}
		return out, nil
	default:
		return &Outcome{Blocked: true}, nil
	}
}

// recordVerdict stamps the operator's verdict into the action reasoning.
func (p *Pipeline) recordVerdict(st *State) {
	if st.Action.Reasoning == nil {
		st.Action.Reasoning = model.JSONMap{}
	}
	st.Action.Reasoning["operator_feedback"] = model.JSONMap{
		"operator":  st.ApprovalOperator,
		"verdict":   string(st.Approval),
		"feedback":  st.ApprovalFeedback,
		"timestamp": p.now().Format(time.RFC3339),
	}
}

// execute runs the action in two phases. Phase one durably marks the
// action in_progress with its rollback data and checkpoints the issue
// state before anything leaves the process; phase two invokes the runner
// and captures the result. On resume with an action already in_progress,
// Lookup answers whether the downstream side effect happened before the
// crash.
func (p *Pipeline) execute(ctx context.Context, st *State) (*Outcome, error) {
	if st.ActionID == nil {
		return nil, common.NewStateError("engine.execute", "execute reached without an action")
	}
	action := st.Action
	if action == nil {
		// Checkpoints written before the planned action was carried in the
		// state only hold the id; rebuild the row from what survived.
		action = &model.Action{
			ID:      *st.ActionID,
			IssueID: st.IssueID,
			Type:    st.ActionType,
			Risk:    st.RiskLevel,
			Parameters: model.JSONMap{
				"merchant_id": st.MerchantID,
				"source":      string(st.Source),
			},
		}
		st.Action = action
	}
	now := p.now()
	action.Status = model.ActionInProgress
	action.ExecutedAt = &now
	if len(action.RollbackData) == 0 {
		action.RollbackData = model.JSONMap{
			"merchant_id": st.MerchantID,
			"action_type": string(st.ActionType),
		}
	}

	var outcome *ActionOutcome
	if st.ExecuteStarted {
		prior, err := p.Runner.Lookup(ctx, action.ID)
		if err != nil {
			return nil, common.NewDependencyError("engine.execute", "prior-result lookup failed", err)
		}
		outcome = prior
	}
	if outcome == nil {
		if !st.ExecuteStarted {
			if err := p.Actions.MarkInProgress(ctx, action); err != nil {
				return nil, common.NewDependencyError("engine.execute", "failed to persist in_progress mark", err)
			}
			st.ExecuteStarted = true
			if p.States != nil {
				if err := p.States.SaveState(ctx, st); err != nil {
					return nil, common.NewDependencyError("engine.execute", "failed to checkpoint before dispatch", err)
				}
			}
		}
		var err error
		outcome, err = p.Runner.Run(ctx, action)
		if err != nil {
			return nil, common.NewDependencyError("engine.execute", "action execution failed", err)
		}
	}

	completed := p.now()
	action.CompletedAt = &completed
	action.Result = outcome.Result
	action.ErrorMessage = outcome.ErrorMessage
	success := outcome.Success
	action.Success = &success

	switch {
	case outcome.RateLimited:
		action.Status = model.ActionFailed
		st.Resolution = model.ResolutionRateLimited
	case !outcome.Success && outcome.RolledBack:
		action.Status = model.ActionRolledBack
	case !outcome.Success:
		action.Status = model.ActionFailed
	default:
		action.Status = model.ActionCompleted
	}

	summary := fmt.Sprintf("Executed %s: %s", st.ActionType, action.Status)
	if outcome.RateLimited {
		summary = fmt.Sprintf("Withheld %s: merchant action rate limit reached", st.ActionType)
	}
	step := &model.ReasoningStep{
		Stage:      model.StageExecute,
		Summary:    summary,
		Confidence: 1,
		Data: model.JSONMap{
			"status":      string(action.Status),
			"duration_ms": outcome.DurationMs,
		},
	}
	if outcome.RolledBack {
		step.Data["rolled_back"] = true
	}
	return &Outcome{
		Next:    model.StageRecord,
		Step:    step,
		Intents: []Intent{UpdateAction{Action: action}},
	}, nil
}

// record writes the complete explanation to the audit trail and settles
// the issue's resolution.
func (p *Pipeline) record(_ context.Context, st *State) (*Outcome, error) {
	if st.Resolution == "" {
		st.Resolution = model.ResolutionResolved
	}
	expl := BuildExplanation(st)
	step := &model.ReasoningStep{
		Stage:      model.StageRecord,
		Summary:    fmt.Sprintf("Recorded outcome %s (%s)", st.Resolution, expl.Digest),
		Confidence: 1,
	}
	return &Outcome{
		Next: model.StageComplete,
		Step: step,
		Intents: []Intent{AppendAudit{
			EventType: "issue_recorded",
			Actor:     "pipeline",
			Inputs: model.JSONMap{
				"signal_count":  len(st.SignalIDs),
				"pattern_count": len(st.PatternIDs),
			},
			Outputs: model.JSONMap{
				"resolution": string(st.Resolution),
				"digest":     expl.Digest,
			},
			Reasoning: expl.Document,
		}},
	}, nil
}
