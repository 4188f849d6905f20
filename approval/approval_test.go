package approval

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

func testCoordinator() *Coordinator {
	c := NewCoordinator(common.ServiceLogger("approval-test", "test"))
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	return c
}

func pendingRequest(issueID uuid.UUID) Request {
	return Request{
		IssueID:    issueID,
		ActionID:   uuid.New(),
		ActionType: model.ActionRollbackMigration,
		Risk:       model.RiskCritical,
		Summary:    "roll back catalog migration for merchant m1",
	}
}

// TestRegister tests the pending set
func TestRegister(t *testing.T) {
	t.Run("registered actions appear oldest first", func(t *testing.T) {
		c := testCoordinator()
		first := pendingRequest(uuid.New())
		second := pendingRequest(uuid.New())
		c.Register(first)
		c.Register(second)

		pending := c.Pending()
		require.Len(t, pending, 2)
		assert.Equal(t, first.ActionID, pending[0].ActionID)
		assert.Equal(t, second.ActionID, pending[1].ActionID)
		assert.True(t, pending[0].RequestedAt.Before(pending[1].RequestedAt))
	})

	t.Run("re-registering after resume is a no-op", func(t *testing.T) {
		c := testCoordinator()
		req := pendingRequest(uuid.New())
		c.Register(req)
		c.Register(req)
		assert.Len(t, c.Pending(), 1)
	})
}

// TestDecide tests verdict handling
func TestDecide(t *testing.T) {
	ctx := context.Background()

	t.Run("verdict removes the action and wakes the issue", func(t *testing.T) {
		c := testCoordinator()
		issueID := uuid.New()
		req := pendingRequest(issueID)
		c.Register(req)

		verdict, err := c.Decide(ctx, req.ActionID, model.ApprovalApproved, "alice", "looks safe")
		require.NoError(t, err)
		assert.Equal(t, model.ApprovalApproved, verdict.Status)
		assert.Equal(t, "alice", verdict.Operator)
		assert.Empty(t, c.Pending())

		select {
		case woken := <-c.Wake():
			assert.Equal(t, issueID, woken)
		default:
			t.Fatal("expected a wake for the decided issue")
		}

		recorded := c.Verdict(req.ActionID)
		require.NotNil(t, recorded)
		assert.Equal(t, verdict.DecidedAt, recorded.DecidedAt)
	})

	t.Run("second verdict is a state error", func(t *testing.T) {
		c := testCoordinator()
		req := pendingRequest(uuid.New())
		c.Register(req)

		_, err := c.Decide(ctx, req.ActionID, model.ApprovalRejected, "alice", "")
		require.NoError(t, err)

		_, err = c.Decide(ctx, req.ActionID, model.ApprovalApproved, "bob", "")
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindState))
	})

	t.Run("unknown action is an input error", func(t *testing.T) {
		c := testCoordinator()
		_, err := c.Decide(ctx, uuid.New(), model.ApprovalApproved, "alice", "")
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindInput))
	})

	t.Run("verdict status must be final", func(t *testing.T) {
		c := testCoordinator()
		req := pendingRequest(uuid.New())
		c.Register(req)

		_, err := c.Decide(ctx, req.ActionID, model.ApprovalPending, "alice", "")
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindInput))
		assert.Len(t, c.Pending(), 1, "bad verdict must not consume the request")
	})
}

// TestSubscribe tests notification fan-out
func TestSubscribe(t *testing.T) {
	ctx := context.Background()

	t.Run("subscribers see requests and verdicts", func(t *testing.T) {
		c := testCoordinator()
		notifications, cancel := c.Subscribe()
		defer cancel()

		req := pendingRequest(uuid.New())
		c.Register(req)
		_, err := c.Decide(ctx, req.ActionID, model.ApprovalApproved, "alice", "")
		require.NoError(t, err)

		first := <-notifications
		assert.Equal(t, "requested", first.Kind)
		require.NotNil(t, first.Request)
		assert.Equal(t, req.ActionID, first.Request.ActionID)

		second := <-notifications
		assert.Equal(t, "decided", second.Kind)
		require.NotNil(t, second.Verdict)
		assert.Equal(t, model.ApprovalApproved, second.Verdict.Status)
	})

	t.Run("cancel closes the channel and stops delivery", func(t *testing.T) {
		c := testCoordinator()
		notifications, cancel := c.Subscribe()
		cancel()
		cancel() // second cancel is harmless

		_, open := <-notifications
		assert.False(t, open)

		c.Register(pendingRequest(uuid.New()))
	})

	t.Run("slow subscriber drops instead of blocking", func(t *testing.T) {
		c := testCoordinator()
		notifications, cancel := c.Subscribe()
		defer cancel()

		// Overflow the buffered channel; Register must not block.
		done := make(chan struct{})
		go func() {
			for i := 0; i < 32; i++ {
				c.Register(pendingRequest(uuid.New()))
			}
			close(done)
		}()

		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("broadcast blocked on a slow subscriber")
		}
		assert.LessOrEqual(t, len(notifications), 16)
	})
}
