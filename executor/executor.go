// Package executor carries remediations to the downstream platform. It
// enforces the per-merchant action rate limit, guards the platform with a
// circuit breaker, and rolls failed actions back when rollback data was
// captured.
package executor

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/storefront-ops/remedy/breaker"
	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/engine"
	"github.com/storefront-ops/remedy/model"
	"github.com/storefront-ops/remedy/ratelimit"
)

// Downstream is the platform-side surface actions are applied to.
// Lookup answers whether an action was already applied, keyed by action
// id; the platform treats action ids as idempotency keys.
type Downstream interface {
	Execute(ctx context.Context, action *model.Action) (model.JSONMap, error)
	Lookup(ctx context.Context, actionID uuid.UUID) (model.JSONMap, bool, error)
	Rollback(ctx context.Context, action *model.Action) error
}

// Executor implements the engine's action runner.
type Executor struct {
	downstream Downstream
	limiter    *ratelimit.Limiter
	breaker    *breaker.Breaker
	logger     *common.ContextLogger
	now        func() time.Time
}

// New builds an executor. limiter and br may be nil, which disables the
// corresponding guard.
func New(downstream Downstream, limiter *ratelimit.Limiter, br *breaker.Breaker, logger *common.ContextLogger) *Executor {
	return &Executor{
		downstream: downstream,
		limiter:    limiter,
		breaker:    br,
		logger:     logger,
		now:        time.Now,
	}
}

// Run applies one action. The merchant's rate limit is consulted first:
// over the cap the downstream is never touched and a synthetic
// rate-limited outcome comes back. Downstream failures trigger a rollback
// attempt when rollback data exists.
func (e *Executor) Run(ctx context.Context, action *model.Action) (*engine.ActionOutcome, error) {
	merchantID, _ := action.Parameters["merchant_id"].(string)
	if e.limiter != nil && merchantID != "" {
		decision, err := e.limiter.CheckAndReserve(ctx, merchantID, string(action.Type))
		if err != nil {
			return nil, err
		}
		if !decision.Allowed {
			e.logger.WithFields(map[string]interface{}{
				"merchant_id": merchantID,
				"action_id":   action.ID,
				"count":       decision.Count,
			}).Warn("merchant action rate limit reached, withholding action")
			return &engine.ActionOutcome{
				RateLimited:  true,
				ErrorMessage: "rate_limited",
				Result: model.JSONMap{
					"count": decision.Count,
					"limit": decision.Limit,
				},
			}, nil
		}
	}

	start := e.now()
	var result model.JSONMap
	call := func(ctx context.Context) error {
		var err error
		result, err = e.downstream.Execute(ctx, action)
		return err
	}
	var err error
	if e.breaker != nil {
		err = e.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	duration := e.now().Sub(start).Milliseconds()

	if err != nil {
		outcome := &engine.ActionOutcome{
			Success:      false,
			ErrorMessage: err.Error(),
			DurationMs:   duration,
		}
		if len(action.RollbackData) > 0 {
			outcome.RolledBack = e.rollback(ctx, action)
		}
		return outcome, nil
	}

	return &engine.ActionOutcome{
		Success:    true,
		Result:     result,
		DurationMs: duration,
	}, nil
}

// rollback undoes a failed action on a best-effort basis. A rollback
// failure is logged, never escalated: the action is already failed.
func (e *Executor) rollback(ctx context.Context, action *model.Action) bool {
	if err := e.downstream.Rollback(ctx, action); err != nil {
		e.logger.WithError(err).WithField("action_id", action.ID).
			Error("rollback failed, manual intervention required")
		return false
	}
	e.logger.WithField("action_id", action.ID).Info("action rolled back")
	return true
}

// Lookup asks the platform whether an action already ran, for resuming an
// issue that crashed mid-execute. Returns nil when there is no record.
func (e *Executor) Lookup(ctx context.Context, actionID uuid.UUID) (*engine.ActionOutcome, error) {
	var (
		result model.JSONMap
		found  bool
	)
	call := func(ctx context.Context) error {
		var err error
		result, found, err = e.downstream.Lookup(ctx, actionID)
		return err
	}
	var err error
	if e.breaker != nil {
		err = e.breaker.Do(ctx, call)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return &engine.ActionOutcome{Success: true, Result: result}, nil
}
