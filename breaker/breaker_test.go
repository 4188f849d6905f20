package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront-ops/remedy/common"
)

var errBoom = errors.New("boom")

func failing(ctx context.Context) error { return errBoom }
func passing(ctx context.Context) error { return nil }

// TestBreakerTrips tests the open/half-open cycle
func TestBreakerTrips(t *testing.T) {
	ctx := context.Background()

	t.Run("opens after consecutive failures", func(t *testing.T) {
		b := New("analyzer", Config{FailureThreshold: 3, OpenTimeout: 50 * time.Millisecond}, nil)
		for i := 0; i < 3; i++ {
			err := b.Do(ctx, failing)
			assert.ErrorIs(t, err, errBoom)
		}
		assert.Equal(t, gobreaker.StateOpen, b.State())

		err := b.Do(ctx, passing)
		require.Error(t, err, "open breaker must fail fast")
		assert.True(t, common.IsKind(err, common.KindDependency))
	})

	t.Run("successes keep it closed", func(t *testing.T) {
		b := New("platform", Config{FailureThreshold: 3, OpenTimeout: time.Second}, nil)
		for i := 0; i < 10; i++ {
			require.NoError(t, b.Do(ctx, passing))
		}
		assert.Equal(t, gobreaker.StateClosed, b.State())
	})

	t.Run("a success between failures resets the count", func(t *testing.T) {
		b := New("platform", Config{FailureThreshold: 3, OpenTimeout: time.Second}, nil)
		assert.Error(t, b.Do(ctx, failing))
		assert.Error(t, b.Do(ctx, failing))
		require.NoError(t, b.Do(ctx, passing))
		assert.Error(t, b.Do(ctx, failing))
		assert.Equal(t, gobreaker.StateClosed, b.State())
	})

	t.Run("half-open probe closes the breaker", func(t *testing.T) {
		b := New("analyzer", Config{FailureThreshold: 2, OpenTimeout: 20 * time.Millisecond}, nil)
		assert.Error(t, b.Do(ctx, failing))
		assert.Error(t, b.Do(ctx, failing))
		require.Equal(t, gobreaker.StateOpen, b.State())

		time.Sleep(30 * time.Millisecond)
		require.NoError(t, b.Do(ctx, passing))
		assert.Equal(t, gobreaker.StateClosed, b.State())
	})

	t.Run("half-open probe failure reopens", func(t *testing.T) {
		b := New("analyzer", Config{FailureThreshold: 2, OpenTimeout: 20 * time.Millisecond}, nil)
		assert.Error(t, b.Do(ctx, failing))
		assert.Error(t, b.Do(ctx, failing))

		time.Sleep(30 * time.Millisecond)
		assert.ErrorIs(t, b.Do(ctx, failing), errBoom)
		assert.Equal(t, gobreaker.StateOpen, b.State())
	})
}

// TestSet tests the per-dependency registry
func TestSet(t *testing.T) {
	ctx := context.Background()
	set := NewSet(Config{FailureThreshold: 2, OpenTimeout: time.Minute}, nil)

	t.Run("get is stable per name", func(t *testing.T) {
		assert.Same(t, set.Get("analyzer"), set.Get("analyzer"))
		assert.NotSame(t, set.Get("analyzer"), set.Get("platform"))
	})

	t.Run("breakers trip independently", func(t *testing.T) {
		analyzer := set.Get("analyzer")
		assert.Error(t, analyzer.Do(ctx, failing))
		assert.Error(t, analyzer.Do(ctx, failing))
		require.Equal(t, gobreaker.StateOpen, analyzer.State())

		assert.NoError(t, set.Get("platform").Do(ctx, passing))
	})

	t.Run("states reports every breaker", func(t *testing.T) {
		states := set.States()
		assert.Equal(t, "open", states["analyzer"])
		assert.Equal(t, "closed", states["platform"])
	})
}
