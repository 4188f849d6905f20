// Package orchestrator drives issues through the lifecycle. It owns the
// single-writer rule: all work for one issue happens under that issue's
// lock, so stage handlers never race. Each transition commits issue row,
// checkpoint, side effects, and audit entry in one transaction, and the
// bus delivery is only acked after that commit returns.
package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/storefront-ops/remedy/approval"
	"github.com/storefront-ops/remedy/audit"
	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/engine"
	"github.com/storefront-ops/remedy/model"
	"github.com/storefront-ops/remedy/store"
)

// Config tunes the orchestrator.
type Config struct {
	// MaxStageErrors is how many times one stage may fail before the
	// issue is aborted and escalated.
	MaxStageErrors int
	// RetryDelay spaces inline stage retries.
	RetryDelay time.Duration
	// ResumeConcurrency bounds parallel issue resumes at startup.
	ResumeConcurrency int
}

// DefaultConfig returns the tuning used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		MaxStageErrors:    3,
		RetryDelay:        2 * time.Second,
		ResumeConcurrency: 8,
	}
}

// issueEntry is the in-memory slot for one issue. Its mutex is the
// issue's single-writer lock.
type issueEntry struct {
	mu    sync.Mutex
	state *engine.State
}

// Orchestrator routes signals onto issues and advances them.
type Orchestrator struct {
	store    store.Storage
	pipeline *engine.Pipeline
	approval *approval.Coordinator
	config   Config
	logger   *common.ContextLogger
	now      func() time.Time

	mu       sync.Mutex
	issues   map[uuid.UUID]*issueEntry
	byKey    map[string]uuid.UUID
	keyLocks map[string]*sync.Mutex
}

// New builds an orchestrator.
func New(st store.Storage, pipeline *engine.Pipeline, coord *approval.Coordinator, config Config, logger *common.ContextLogger) *Orchestrator {
	if config.MaxStageErrors <= 0 {
		config.MaxStageErrors = DefaultConfig().MaxStageErrors
	}
	if config.ResumeConcurrency <= 0 {
		config.ResumeConcurrency = DefaultConfig().ResumeConcurrency
	}
	o := &Orchestrator{
		store:    st,
		pipeline: pipeline,
		approval: coord,
		config:   config,
		logger:   logger,
		now:      time.Now,
		issues:   make(map[uuid.UUID]*issueEntry),
		byKey:    make(map[string]uuid.UUID),
		keyLocks: make(map[string]*sync.Mutex),
	}
	// The execute handler checkpoints through the orchestrator so the
	// pre-dispatch mark survives a crash.
	pipeline.States = o
	return o
}

// SaveState implements engine.StateCheckpointer.
func (o *Orchestrator) SaveState(ctx context.Context, st *engine.State) error {
	return o.commitCheckpoint(ctx, st)
}

// HandleSignal is the bus handler: it routes the signal onto the open
// issue for its (merchant, source) key, creating one if none is open, and
// advances the issue as far as it will go. Returning nil acks the
// delivery; redelivered signals dedup by id and ack without side effects.
func (o *Orchestrator) HandleSignal(ctx context.Context, sig *model.Signal) error {
	entry, err := o.entryForKey(ctx, sig.MerchantID, sig.Source)
	if err != nil {
		return err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	st := entry.state
	if !st.AppendSignal(*sig) {
		o.logger.WithField("signal_id", sig.ID).Debug("duplicate signal, acking without effect")
		return nil
	}
	issueID := st.IssueID
	sig.IssueID = &issueID
	if err := o.store.CreateSignal(ctx, sig); err != nil {
		return err
	}

	if st.Stage.Terminal() {
		return nil
	}
	// A signal landing mid-pipeline is absorbed into the batch; it does
	// not restart observe.
	if st.Stage != model.StageObserve {
		return o.commitCheckpoint(ctx, st)
	}
	return o.advance(ctx, st)
}

// entryForKey returns the in-memory entry owning the open issue for a
// (merchant, source) key, creating issue and entry when none is open.
// Creation is serialized per key so two first signals racing through the
// empty map cannot open two issues.
func (o *Orchestrator) entryForKey(ctx context.Context, merchantID string, source model.SignalSource) (*issueEntry, error) {
	key := model.IssueKey(merchantID, source)

	o.mu.Lock()
	if id, ok := o.byKey[key]; ok {
		if entry, ok := o.issues[id]; ok {
			o.mu.Unlock()
			return entry, nil
		}
	}
	keyLock, ok := o.keyLocks[key]
	if !ok {
		keyLock = &sync.Mutex{}
		o.keyLocks[key] = keyLock
	}
	o.mu.Unlock()

	keyLock.Lock()
	defer keyLock.Unlock()

	// Re-check under the key lock: a racing signal may have finished the
	// find-or-create while this one waited.
	o.mu.Lock()
	if id, ok := o.byKey[key]; ok {
		if entry, ok := o.issues[id]; ok {
			o.mu.Unlock()
			return entry, nil
		}
	}
	o.mu.Unlock()

	issue, err := o.store.FindOpenIssue(ctx, merchantID, source)
	if err != nil && err != store.ErrNotFound {
		return nil, err
	}

	var st *engine.State
	if issue != nil {
		st, err = o.loadState(ctx, issue)
		if err != nil {
			return nil, err
		}
	} else {
		issueID := uuid.New()
		st = engine.NewState(issueID, merchantID, source, o.now())
		issue = &model.Issue{
			ID:         issueID,
			MerchantID: merchantID,
			Source:     source,
			Stage:      model.StageObserve,
			CreatedAt:  o.now().UTC(),
		}
		if err := o.store.CreateIssue(ctx, issue); err != nil {
			return nil, err
		}
		o.logger.WithFields(map[string]interface{}{
			"issue_id":    issueID,
			"merchant_id": merchantID,
			"source":      string(source),
		}).Info("opened issue")
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	entry := &issueEntry{state: st}
	o.issues[st.IssueID] = entry
	o.byKey[key] = st.IssueID
	return entry, nil
}

// loadState decodes the issue's checkpoint blob. An open issue without a
// checkpoint is legal: a crash can land between the issue insert and the
// first checkpoint commit, so the state is rebuilt from what the issue
// row and its signals hold.
func (o *Orchestrator) loadState(ctx context.Context, issue *model.Issue) (*engine.State, error) {
	cp, err := o.store.LoadCheckpoint(ctx, issue.ID)
	if err == store.ErrNotFound {
		return o.rebuildState(ctx, issue)
	}
	if err != nil {
		return nil, err
	}
	st, err := engine.DecodeCheckpoint(cp.Blob)
	if err != nil {
		return nil, err
	}
	return st, nil
}

// rebuildState reconstructs working state from the issue row and its
// persisted signals.
func (o *Orchestrator) rebuildState(ctx context.Context, issue *model.Issue) (*engine.State, error) {
	st := engine.NewState(issue.ID, issue.MerchantID, issue.Source, issue.CreatedAt)
	st.Stage = issue.Stage
	st.Steps = issue.ReasoningChain
	st.ErrorCount = issue.ErrorCount
	st.LastError = issue.LastError
	st.Resolution = issue.Resolution
	signals, err := o.store.ListSignals(ctx, issue.ID)
	if err != nil {
		return nil, err
	}
	for _, sig := range signals {
		st.AppendSignal(sig)
	}
	return st, nil
}

// advance steps the issue until it blocks, completes, or exhausts its
// error budget. Caller holds the issue lock.
func (o *Orchestrator) advance(ctx context.Context, st *engine.State) error {
	for !st.Stage.Terminal() {
		outcome, err := o.pipeline.Step(ctx, st)
		if err != nil {
			if handled, herr := o.handleStageError(ctx, st, err); handled {
				return herr
			}
			continue
		}
		if outcome.Blocked {
			return o.commitCheckpoint(ctx, st)
		}
		if err := o.commitTransition(ctx, st, outcome); err != nil {
			return err
		}
	}
	return nil
}

// handleStageError applies the retry-then-abort policy. It returns
// handled=false when the caller should retry the stage inline.
func (o *Orchestrator) handleStageError(ctx context.Context, st *engine.State, stageErr error) (bool, error) {
	st.ErrorCount++
	st.LastError = stageErr.Error()
	o.logger.WithError(stageErr).WithFields(map[string]interface{}{
		"issue_id":    st.IssueID,
		"stage":       string(st.Stage),
		"error_count": st.ErrorCount,
	}).Warn("stage failed")

	if cerr := o.commitStageError(ctx, st, stageErr); cerr != nil {
		return true, cerr
	}

	if st.ErrorCount >= o.config.MaxStageErrors {
		return true, o.abort(ctx, st, stageErr)
	}
	if !common.IsRetryable(stageErr) {
		return true, o.abort(ctx, st, stageErr)
	}

	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-time.After(o.config.RetryDelay):
	}
	return false, nil
}

// commitStageError persists the bumped error counter together with a
// stage_error audit entry carrying the failure's classification.
func (o *Orchestrator) commitStageError(ctx context.Context, st *engine.State, stageErr error) error {
	return o.store.WithTx(ctx, func(tx store.Storage) error {
		ledger := audit.NewLedger(tx)
		if _, err := ledger.Append(ctx, audit.Event{
			IssueID:   st.IssueID,
			EventType: "stage_error",
			Actor:     "orchestrator",
			Inputs:    model.JSONMap{"stage": string(st.Stage), "error_count": st.ErrorCount},
			Reasoning: model.JSONMap{
				"error":          stageErr.Error(),
				"classification": string(common.Classify(stageErr)),
			},
		}); err != nil {
			return err
		}
		if err := o.saveIssue(ctx, tx, st); err != nil {
			return err
		}
		return o.saveCheckpoint(ctx, tx, st)
	})
}

// abort closes the issue and records the escalation. Abort is an
// administrative override, the one move allowed outside the transition
// table. Integrity failures escalate under their own event type so
// operators can tell tampering from exhausted retries.
func (o *Orchestrator) abort(ctx context.Context, st *engine.State, cause error) error {
	fromStage := st.Stage
	eventType := "issue_aborted"
	resolution := model.ResolutionAborted
	if common.IsKind(cause, common.KindIntegrity) {
		eventType = "integrity_violation"
		resolution = model.ResolutionEscalated
	}
	st.Resolution = resolution
	st.Stage = model.StageComplete
	err := o.store.WithTx(ctx, func(tx store.Storage) error {
		ledger := audit.NewLedger(tx)
		if _, aerr := ledger.Append(ctx, audit.Event{
			IssueID:   st.IssueID,
			EventType: eventType,
			Actor:     "orchestrator",
			Inputs:    model.JSONMap{"stage": string(fromStage), "error_count": st.ErrorCount},
			Outputs:   model.JSONMap{"resolution": string(resolution)},
			Reasoning: model.JSONMap{"error": cause.Error()},
		}); aerr != nil {
			return aerr
		}
		if serr := o.saveIssue(ctx, tx, st); serr != nil {
			return serr
		}
		return o.saveCheckpoint(ctx, tx, st)
	})
	if err != nil {
		return err
	}
	o.logger.WithError(cause).WithField("issue_id", st.IssueID).
		Error("issue aborted, escalating to operators")
	o.forget(st)
	return nil
}

// commitTransition applies one stage move atomically: intents, reasoning
// step, stage change, issue row, checkpoint, and the transition audit
// entry. Approval registrations happen after the commit so the
// coordinator never announces an action the database does not know.
func (o *Orchestrator) commitTransition(ctx context.Context, st *engine.State, outcome *engine.Outcome) error {
	if err := engine.Transition(st.Stage, outcome.Next); err != nil {
		return err
	}
	fromStage := st.Stage
	if outcome.Step != nil {
		st.Steps = append(st.Steps, *outcome.Step)
	}
	st.Stage = outcome.Next

	var approvals []engine.RequestApproval
	err := o.store.WithTx(ctx, func(tx store.Storage) error {
		ledger := audit.NewLedger(tx)
		for _, intent := range outcome.Intents {
			switch in := intent.(type) {
			case engine.SavePatterns:
				for i := range in.Patterns {
					if err := tx.SavePattern(ctx, &in.Patterns[i]); err != nil {
						return err
					}
				}
			case engine.CreateAction:
				if err := tx.CreateAction(ctx, in.Action); err != nil {
					return err
				}
			case engine.UpdateAction:
				if err := tx.UpdateAction(ctx, in.Action); err != nil {
					return err
				}
			case engine.RequestApproval:
				approvals = append(approvals, in)
			case engine.AppendAudit:
				if _, err := ledger.Append(ctx, audit.Event{
					IssueID:   st.IssueID,
					EventType: in.EventType,
					Actor:     in.Actor,
					Inputs:    in.Inputs,
					Outputs:   in.Outputs,
					Reasoning: in.Reasoning,
				}); err != nil {
					return err
				}
			default:
				return common.NewStateError("orchestrator.commitTransition",
					fmt.Sprintf("unknown intent %T", intent))
			}
		}

		ev := audit.Event{
			IssueID:   st.IssueID,
			EventType: "stage_completed",
			Actor:     "pipeline",
			Inputs:    model.JSONMap{"stage": string(fromStage)},
			Outputs:   model.JSONMap{"next_stage": string(outcome.Next)},
		}
		if outcome.Step != nil {
			ev.Reasoning = model.JSONMap{
				"summary":    outcome.Step.Summary,
				"confidence": outcome.Step.Confidence,
			}
		}
		if _, err := ledger.Append(ctx, ev); err != nil {
			return err
		}

		if err := o.saveIssue(ctx, tx, st); err != nil {
			return err
		}
		return o.saveCheckpoint(ctx, tx, st)
	})
	if err != nil {
		// Roll the in-memory state back so a retry replays the stage.
		st.Stage = fromStage
		if outcome.Step != nil {
			st.Steps = st.Steps[:len(st.Steps)-1]
		}
		return err
	}

	// Stage completed cleanly, reset the error budget.
	st.ErrorCount = 0
	st.LastError = ""

	for _, req := range approvals {
		action := outcomeAction(outcome)
		reg := approval.Request{
			IssueID:  req.IssueID,
			ActionID: req.ActionID,
			Summary:  req.Summary,
		}
		if action != nil {
			reg.ActionType = action.Type
			reg.Risk = action.Risk
		}
		o.approval.Register(reg)
	}

	if st.Stage.Terminal() {
		o.logger.WithFields(map[string]interface{}{
			"issue_id":   st.IssueID,
			"resolution": string(st.Resolution),
		}).Info("issue complete")
		o.forget(st)
	}
	return nil
}

// outcomeAction digs the created action out of an outcome, for approval
// registration metadata.
func outcomeAction(outcome *engine.Outcome) *model.Action {
	for _, intent := range outcome.Intents {
		if in, ok := intent.(engine.CreateAction); ok {
			return in.Action
		}
	}
	return nil
}

// commitCheckpoint persists state without a stage move: new signals on a
// parked issue, error counters, approval waits.
func (o *Orchestrator) commitCheckpoint(ctx context.Context, st *engine.State) error {
	return o.store.WithTx(ctx, func(tx store.Storage) error {
		if err := o.saveIssue(ctx, tx, st); err != nil {
			return err
		}
		return o.saveCheckpoint(ctx, tx, st)
	})
}

// saveIssue projects the working state onto the issue row.
func (o *Orchestrator) saveIssue(ctx context.Context, tx store.Storage, st *engine.State) error {
	issue, err := tx.GetIssue(ctx, st.IssueID)
	if err != nil {
		return err
	}
	issue.Stage = st.Stage
	issue.Resolution = st.Resolution
	issue.SignalCount = len(st.SignalIDs)
	issue.PatternCount = len(st.PatternIDs)
	issue.ErrorCount = st.ErrorCount
	issue.LastError = st.LastError
	issue.ReasoningChain = st.Steps
	issue.ActionType = st.ActionType
	issue.RiskLevel = st.RiskLevel
	issue.UpdatedAt = o.now().UTC()
	if st.RootCause != nil {
		issue.RootCause = st.RootCause.Category
		conf := st.RootCause.Confidence
		issue.Confidence = &conf
		issue.RootCauseDetail = st.RootCause.Reasoning
	}
	if st.Approval != "" {
		issue.RequiresApproval = true
		issue.ApprovalStatus = st.Approval
	}
	if st.Stage.Terminal() && issue.ResolvedAt == nil {
		now := o.now().UTC()
		issue.ResolvedAt = &now
	}
	return tx.SaveIssue(ctx, issue)
}

// saveCheckpoint encodes and upserts the checkpoint blob, chaining the
// checkpoint ids parent to child.
func (o *Orchestrator) saveCheckpoint(ctx context.Context, tx store.Storage, st *engine.State) error {
	blob, err := engine.EncodeCheckpoint(st)
	if err != nil {
		return err
	}
	prev, err := tx.LoadCheckpoint(ctx, st.IssueID)
	if err != nil && err != store.ErrNotFound {
		return err
	}
	cp := &model.AgentState{
		ID:           uuid.New(),
		IssueID:      st.IssueID,
		Stage:        st.Stage,
		Blob:         blob,
		CheckpointID: uuid.New(),
		ErrorCount:   st.ErrorCount,
		LastError:    st.LastError,
		CreatedAt:    o.now().UTC(),
	}
	if prev != nil {
		cp.ID = prev.ID
		cp.CreatedAt = prev.CreatedAt
		parent := prev.CheckpointID
		cp.ParentCheckpointID = &parent
	}
	cp.UpdatedAt = o.now().UTC()
	return tx.SaveCheckpoint(ctx, cp)
}

// forget drops the issue from the in-memory maps once it is terminal.
func (o *Orchestrator) forget(st *engine.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.issues, st.IssueID)
	key := model.IssueKey(st.MerchantID, st.Source)
	if o.byKey[key] == st.IssueID {
		delete(o.byKey, key)
	}
}

// Resume reloads every non-terminal issue at startup. Issues parked on
// approval re-register with the coordinator; everything else advances
// from its checkpointed stage. Signals and verdicts arriving during
// resume queue behind the per-issue locks.
func (o *Orchestrator) Resume(ctx context.Context) error {
	checkpoints, err := o.store.LoadActiveCheckpoints(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.config.ResumeConcurrency)
	for i := range checkpoints {
		cp := checkpoints[i]
		g.Go(func() error {
			st, err := engine.DecodeCheckpoint(cp.Blob)
			if err != nil {
				o.logger.WithError(err).WithField("issue_id", cp.IssueID).
					Error("unreadable checkpoint, freezing issue for operators")
				if ferr := o.freezeCorrupt(gctx, cp, err); ferr != nil {
					o.logger.WithError(ferr).WithField("issue_id", cp.IssueID).
						Error("failed to record integrity violation")
				}
				return nil
			}

			entry := &issueEntry{state: st}
			o.mu.Lock()
			o.issues[st.IssueID] = entry
			o.byKey[model.IssueKey(st.MerchantID, st.Source)] = st.IssueID
			o.mu.Unlock()

			entry.mu.Lock()
			defer entry.mu.Unlock()
			o.logger.WithFields(map[string]interface{}{
				"issue_id": st.IssueID,
				"stage":    string(st.Stage),
			}).Info("resuming issue")

			if st.Stage == model.StageWaitApproval && st.Approval == model.ApprovalPending {
				if st.ActionID != nil {
					o.approval.Register(approval.Request{
						IssueID:    st.IssueID,
						ActionID:   *st.ActionID,
						ActionType: st.ActionType,
						Risk:       st.RiskLevel,
						Summary:    fmt.Sprintf("%s (%s risk) for merchant %s", st.ActionType, st.RiskLevel, st.MerchantID),
					})
				}
				return nil
			}
			if err := o.advance(gctx, st); err != nil {
				o.logger.WithError(err).WithField("issue_id", st.IssueID).
					Error("resume failed, issue stays parked")
			}
			return nil
		})
	}
	return g.Wait()
}

// freezeCorrupt closes an issue whose checkpoint cannot be decoded. The
// issue never advances again; the integrity_violation entry carries the
// escalation for operators.
func (o *Orchestrator) freezeCorrupt(ctx context.Context, cp model.AgentState, cause error) error {
	return o.store.WithTx(ctx, func(tx store.Storage) error {
		ledger := audit.NewLedger(tx)
		if _, err := ledger.Append(ctx, audit.Event{
			IssueID:   cp.IssueID,
			EventType: "integrity_violation",
			Actor:     "orchestrator",
			Inputs:    model.JSONMap{"stage": string(cp.Stage)},
			Outputs:   model.JSONMap{"resolution": string(model.ResolutionEscalated)},
			Reasoning: model.JSONMap{"error": cause.Error()},
		}); err != nil {
			return err
		}
		issue, err := tx.GetIssue(ctx, cp.IssueID)
		if err != nil {
			return err
		}
		issue.Stage = model.StageComplete
		issue.Resolution = model.ResolutionEscalated
		issue.LastError = cause.Error()
		now := o.now().UTC()
		issue.UpdatedAt = now
		if issue.ResolvedAt == nil {
			issue.ResolvedAt = &now
		}
		return tx.SaveIssue(ctx, issue)
	})
}

// RunApprovalLoop drains verdicts from the coordinator and advances the
// woken issues. Blocks until the context is cancelled.
func (o *Orchestrator) RunApprovalLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case issueID := <-o.approval.Wake():
			if err := o.applyVerdict(ctx, issueID); err != nil {
				o.logger.WithError(err).WithField("issue_id", issueID).
					Error("failed to apply approval verdict")
			}
		}
	}
}

// applyVerdict copies the verdict onto the issue state and advances it.
func (o *Orchestrator) applyVerdict(ctx context.Context, issueID uuid.UUID) error {
	o.mu.Lock()
	entry, ok := o.issues[issueID]
	o.mu.Unlock()
	if !ok {
		return common.NewStateError("orchestrator.applyVerdict", "no live issue for verdict")
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()
	st := entry.state
	if st.ActionID == nil {
		return common.NewStateError("orchestrator.applyVerdict", "issue has no gated action")
	}
	verdict := o.approval.Verdict(*st.ActionID)
	if verdict == nil {
		return common.NewStateError("orchestrator.applyVerdict", "no verdict recorded for action")
	}
	st.Approval = verdict.Status
	st.ApprovalOperator = verdict.Operator
	st.ApprovalFeedback = verdict.Feedback
	return o.advance(ctx, st)
}

// IssueState exposes a copy of the live state for the HTTP API. Returns
// nil when the issue is not in memory.
func (o *Orchestrator) IssueState(issueID uuid.UUID) *engine.State {
	o.mu.Lock()
	entry, ok := o.issues[issueID]
	o.mu.Unlock()
	if !ok {
		return nil
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	cp := *entry.state
	return &cp
}
