// Package approval tracks actions gated on a human verdict. The
// coordinator keeps the pending set, fans notifications out to
// subscribers (the websocket stream), and wakes the orchestrator when a
// verdict lands. Verdicts are idempotent: the first one wins.
package approval

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

// Request is one action waiting on an operator.
type Request struct {
	IssueID     uuid.UUID        `json:"issue_id"`
	ActionID    uuid.UUID        `json:"action_id"`
	ActionType  model.ActionType `json:"action_type"`
	Risk        model.RiskLevel  `json:"risk"`
	Summary     string           `json:"summary"`
	RequestedAt time.Time        `json:"requested_at"`
}

// Verdict is the operator's answer.
type Verdict struct {
	ActionID  uuid.UUID            `json:"action_id"`
	IssueID   uuid.UUID            `json:"issue_id"`
	Status    model.ApprovalStatus `json:"status"`
	Operator  string               `json:"operator"`
	Feedback  string               `json:"feedback,omitempty"`
	DecidedAt time.Time            `json:"decided_at"`
}

// Notification is what subscribers receive: a new request or a verdict.
type Notification struct {
	Kind    string   `json:"kind"` // "requested" or "decided"
	Request *Request `json:"request,omitempty"`
	Verdict *Verdict `json:"verdict,omitempty"`
}

// Coordinator is the in-memory approval gate.
type Coordinator struct {
	logger *common.ContextLogger
	now    func() time.Time

	mu          sync.Mutex
	pending     map[uuid.UUID]*Request // keyed by action id
	decided     map[uuid.UUID]*Verdict
	wake        chan uuid.UUID // issue ids with fresh verdicts
	subscribers map[int]chan Notification
	nextSubID   int
}

// NewCoordinator builds an empty coordinator.
func NewCoordinator(logger *common.ContextLogger) *Coordinator {
	return &Coordinator{
		logger:      logger,
		now:         time.Now,
		pending:     make(map[uuid.UUID]*Request),
		decided:     make(map[uuid.UUID]*Verdict),
		wake:        make(chan uuid.UUID, 64),
		subscribers: make(map[int]chan Notification),
	}
}

// Register adds a gated action to the pending set and notifies
// subscribers. Re-registering the same action (resume after crash) is a
// no-op.
func (c *Coordinator) Register(req Request) {
	c.mu.Lock()
	if _, exists := c.pending[req.ActionID]; exists {
		c.mu.Unlock()
		return
	}
	if req.RequestedAt.IsZero() {
		req.RequestedAt = c.now().UTC()
	}
	c.pending[req.ActionID] = &req
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"issue_id":  req.IssueID,
		"action_id": req.ActionID,
		"risk":      string(req.Risk),
	}).Info("approval requested")
	c.broadcast(Notification{Kind: "requested", Request: &req})
}

// Decide records the operator verdict for a pending action and wakes the
// owning issue. A second verdict for the same action is rejected.
func (c *Coordinator) Decide(ctx context.Context, actionID uuid.UUID, status model.ApprovalStatus, operator, feedback string) (*Verdict, error) {
	if status != model.ApprovalApproved && status != model.ApprovalRejected {
		return nil, common.NewInputError("approval.Decide", "verdict must be approved or rejected")
	}

	c.mu.Lock()
	req, ok := c.pending[actionID]
	if !ok {
		if _, done := c.decided[actionID]; done {
			c.mu.Unlock()
			return nil, common.NewStateError("approval.Decide", "action already decided")
		}
		c.mu.Unlock()
		return nil, common.NewInputError("approval.Decide", "no pending approval for action")
	}
	verdict := &Verdict{
		ActionID:  actionID,
		IssueID:   req.IssueID,
		Status:    status,
		Operator:  operator,
		Feedback:  feedback,
		DecidedAt: c.now().UTC(),
	}
	delete(c.pending, actionID)
	c.decided[actionID] = verdict
	c.mu.Unlock()

	c.logger.WithFields(map[string]interface{}{
		"issue_id":  verdict.IssueID,
		"action_id": actionID,
		"status":    string(status),
		"operator":  operator,
	}).Info("approval decided")
	c.broadcast(Notification{Kind: "decided", Verdict: verdict})

	select {
	case c.wake <- verdict.IssueID:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return verdict, nil
}

// Pending lists the actions waiting on a verdict, oldest first.
func (c *Coordinator) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, 0, len(c.pending))
	for _, req := range c.pending {
		out = append(out, *req)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].RequestedAt.Before(out[j-1].RequestedAt); j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Verdict returns the recorded verdict for an action, or nil.
func (c *Coordinator) Verdict(actionID uuid.UUID) *Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.decided[actionID]
}

// Wake is the channel of issue ids with fresh verdicts; the orchestrator
// drains it.
func (c *Coordinator) Wake() <-chan uuid.UUID {
	return c.wake
}

// Subscribe returns a notification channel and a cancel func. Slow
// subscribers drop notifications rather than block verdict handling.
func (c *Coordinator) Subscribe() (<-chan Notification, func()) {
	c.mu.Lock()
	id := c.nextSubID
	c.nextSubID++
	ch := make(chan Notification, 16)
	c.subscribers[id] = ch
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if sub, ok := c.subscribers[id]; ok {
			delete(c.subscribers, id)
			close(sub)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *Coordinator) broadcast(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.subscribers {
		select {
		case ch <- n:
		default:
		}
	}
}
