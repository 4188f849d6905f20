package executor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
	"github.com/storefront-ops/remedy/ratelimit"
)

// fakeDownstream is an in-memory platform.
type fakeDownstream struct {
	executeErr  error
	rollbackErr error
	executed    []uuid.UUID
	rolledBack  []uuid.UUID
	prior       map[uuid.UUID]model.JSONMap
}

func (f *fakeDownstream) Execute(_ context.Context, action *model.Action) (model.JSONMap, error) {
	f.executed = append(f.executed, action.ID)
	if f.executeErr != nil {
		return nil, f.executeErr
	}
	return model.JSONMap{"applied": true}, nil
}

func (f *fakeDownstream) Lookup(_ context.Context, actionID uuid.UUID) (model.JSONMap, bool, error) {
	result, ok := f.prior[actionID]
	return result, ok, nil
}

func (f *fakeDownstream) Rollback(_ context.Context, action *model.Action) error {
	f.rolledBack = append(f.rolledBack, action.ID)
	return f.rollbackErr
}

func testAction(merchantID string) *model.Action {
	return &model.Action{
		ID:      uuid.New(),
		IssueID: uuid.New(),
		Type:    model.ActionConfigFix,
		Status:  model.ActionPending,
		Risk:    model.RiskMedium,
		Parameters: model.JSONMap{
			"merchant_id": merchantID,
			"key":         "webhook_secret",
		},
	}
}

func testLimiter(t *testing.T, limit int64) *ratelimit.Limiter {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return ratelimit.NewLimiter(client, nil, ratelimit.WithLimit(limit))
}

func logger() *common.ContextLogger {
	return common.ServiceLogger("executor-test", "test")
}

// TestRun tests action execution
func TestRun(t *testing.T) {
	ctx := context.Background()

	t.Run("successful action reports the platform result", func(t *testing.T) {
		downstream := &fakeDownstream{}
		exec := New(downstream, nil, nil, logger())

		outcome, err := exec.Run(ctx, testAction("m1"))
		require.NoError(t, err)
		assert.True(t, outcome.Success)
		assert.False(t, outcome.RateLimited)
		assert.Equal(t, model.JSONMap{"applied": true}, outcome.Result)
		assert.Len(t, downstream.executed, 1)
	})

	t.Run("over the limit the downstream is never touched", func(t *testing.T) {
		downstream := &fakeDownstream{}
		exec := New(downstream, testLimiter(t, 1), nil, logger())

		first, err := exec.Run(ctx, testAction("m1"))
		require.NoError(t, err)
		require.True(t, first.Success)

		second, err := exec.Run(ctx, testAction("m1"))
		require.NoError(t, err)
		assert.True(t, second.RateLimited)
		assert.False(t, second.Success)
		assert.Equal(t, "rate_limited", second.ErrorMessage)
		assert.Len(t, downstream.executed, 1, "second action must be withheld")
	})

	t.Run("failure with rollback data rolls back", func(t *testing.T) {
		downstream := &fakeDownstream{executeErr: errors.New("platform rejected change")}
		exec := New(downstream, nil, nil, logger())

		action := testAction("m1")
		action.RollbackData = model.JSONMap{"previous": "old_secret"}

		outcome, err := exec.Run(ctx, action)
		require.NoError(t, err)
		assert.False(t, outcome.Success)
		assert.True(t, outcome.RolledBack)
		assert.Equal(t, "platform rejected change", outcome.ErrorMessage)
		assert.Equal(t, []uuid.UUID{action.ID}, downstream.rolledBack)
	})

	t.Run("failure without rollback data does not roll back", func(t *testing.T) {
		downstream := &fakeDownstream{executeErr: errors.New("timeout")}
		exec := New(downstream, nil, nil, logger())

		outcome, err := exec.Run(ctx, testAction("m1"))
		require.NoError(t, err)
		assert.False(t, outcome.Success)
		assert.False(t, outcome.RolledBack)
		assert.Empty(t, downstream.rolledBack)
	})

	t.Run("rollback failure is reported as not rolled back", func(t *testing.T) {
		downstream := &fakeDownstream{
			executeErr:  errors.New("platform rejected change"),
			rollbackErr: errors.New("rollback refused"),
		}
		exec := New(downstream, nil, nil, logger())

		action := testAction("m1")
		action.RollbackData = model.JSONMap{"previous": "old_secret"}

		outcome, err := exec.Run(ctx, action)
		require.NoError(t, err)
		assert.False(t, outcome.Success)
		assert.False(t, outcome.RolledBack)
	})

	t.Run("action without a merchant skips the limiter", func(t *testing.T) {
		downstream := &fakeDownstream{}
		exec := New(downstream, testLimiter(t, 0), nil, logger())

		action := testAction("m1")
		delete(action.Parameters, "merchant_id")

		outcome, err := exec.Run(ctx, action)
		require.NoError(t, err)
		assert.True(t, outcome.Success)
	})
}

// TestLookup tests prior-result recovery
func TestLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("prior result is recovered", func(t *testing.T) {
		actionID := uuid.New()
		downstream := &fakeDownstream{prior: map[uuid.UUID]model.JSONMap{
			actionID: {"applied": true},
		}}
		exec := New(downstream, nil, nil, logger())

		outcome, err := exec.Lookup(ctx, actionID)
		require.NoError(t, err)
		require.NotNil(t, outcome)
		assert.True(t, outcome.Success)
		assert.Equal(t, model.JSONMap{"applied": true}, outcome.Result)
	})

	t.Run("no record yields nil", func(t *testing.T) {
		exec := New(&fakeDownstream{}, nil, nil, logger())
		outcome, err := exec.Lookup(ctx, uuid.New())
		require.NoError(t, err)
		assert.Nil(t, outcome)
	})
}

// TestHTTPDownstream tests the platform API client
func TestHTTPDownstream(t *testing.T) {
	ctx := context.Background()

	t.Run("execute posts the action with auth", func(t *testing.T) {
		var gotAuth, gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			gotPath = r.URL.Path
			w.Write([]byte(`{"applied":true}`))
		}))
		defer srv.Close()

		d := NewHTTPDownstream(HTTPDownstreamConfig{BaseURL: srv.URL, Token: "secret"})
		result, err := d.Execute(ctx, testAction("m1"))
		require.NoError(t, err)
		assert.Equal(t, model.JSONMap{"applied": true}, result)
		assert.Equal(t, "Bearer secret", gotAuth)
		assert.Equal(t, "/v1/remediations", gotPath)
	})

	t.Run("lookup distinguishes found from not found", func(t *testing.T) {
		known := uuid.New()
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path == "/v1/remediations/"+known.String() {
				w.Write([]byte(`{"applied":true}`))
				return
			}
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		d := NewHTTPDownstream(HTTPDownstreamConfig{BaseURL: srv.URL})
		result, found, err := d.Lookup(ctx, known)
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, model.JSONMap{"applied": true}, result)

		_, found, err = d.Lookup(ctx, uuid.New())
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("rollback hits the rollback route", func(t *testing.T) {
		action := testAction("m1")
		action.RollbackData = model.JSONMap{"previous": "old"}
		var gotPath string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.Write([]byte(`{}`))
		}))
		defer srv.Close()

		d := NewHTTPDownstream(HTTPDownstreamConfig{BaseURL: srv.URL})
		require.NoError(t, d.Rollback(ctx, action))
		assert.Equal(t, "/v1/remediations/"+action.ID.String()+"/rollback", gotPath)
	})

	t.Run("platform errors are dependency errors", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		d := NewHTTPDownstream(HTTPDownstreamConfig{BaseURL: srv.URL, Timeout: time.Second})
		_, err := d.Execute(ctx, testAction("m1"))
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindDependency))
	})
}
