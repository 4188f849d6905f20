package fingerprint

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront-ops/remedy/model"
	"github.com/storefront-ops/remedy/store"
)

// TestCompute tests fingerprint derivation
func TestCompute(t *testing.T) {
	base := &model.Signal{
		Source:    model.SourceAPIFailure,
		ErrorCode: "RATE_429",
		Resource:  "/v1/orders",
	}

	t.Run("identical attributes share a fingerprint", func(t *testing.T) {
		other := &model.Signal{
			Source:    model.SourceAPIFailure,
			ErrorCode: "RATE_429",
			Resource:  "/v1/orders",
		}
		assert.Equal(t, Compute(base), Compute(other))
	})

	t.Run("normalization ignores case and whitespace", func(t *testing.T) {
		other := &model.Signal{
			Source:    model.SourceAPIFailure,
			ErrorCode: "  rate_429 ",
			Resource:  "/V1/ORDERS",
		}
		assert.Equal(t, Compute(base), Compute(other))
	})

	t.Run("free-form text does not affect the fingerprint", func(t *testing.T) {
		other := &model.Signal{
			Source:       model.SourceAPIFailure,
			ErrorCode:    "RATE_429",
			Resource:     "/v1/orders",
			ErrorMessage: "request 8f2a rate limited at 2025-06-01T12:00:01Z",
		}
		assert.Equal(t, Compute(base), Compute(other))
	})

	t.Run("different attributes differ", func(t *testing.T) {
		other := &model.Signal{
			Source:    model.SourceWebhookFailure,
			ErrorCode: "RATE_429",
			Resource:  "/v1/orders",
		}
		assert.NotEqual(t, Compute(base), Compute(other))
	})
}

// fakeSource is an in-memory pattern store.
type fakeSource struct {
	patterns map[string]*model.Pattern
	calls    int
}

func (f *fakeSource) FindPatternByFingerprint(_ context.Context, fp string) (*model.Pattern, error) {
	f.calls++
	if p, ok := f.patterns[fp]; ok {
		cp := *p
		return &cp, nil
	}
	return nil, store.ErrNotFound
}

func testDetector(t *testing.T) (*Detector, *Cache, *fakeSource) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	cache := NewCache(client, time.Minute, nil)
	source := &fakeSource{patterns: make(map[string]*model.Pattern)}
	detector := NewDetectorWithClock(cache, source, func() time.Time {
		return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	})
	return detector, cache, source
}

func signal(merchant, code string) model.Signal {
	return model.Signal{
		ID:         uuid.New(),
		Source:     model.SourceCheckoutError,
		MerchantID: merchant,
		Severity:   model.SeverityHigh,
		ErrorCode:  code,
	}
}

// TestDetect tests pattern clustering
func TestDetect(t *testing.T) {
	ctx := context.Background()

	t.Run("new fingerprint mints a pattern", func(t *testing.T) {
		detector, _, _ := testDetector(t)
		patterns, err := detector.Detect(ctx, []model.Signal{signal("m1", "E1")})
		require.NoError(t, err)
		require.Len(t, patterns, 1)
		assert.Equal(t, model.PatternErrorSpike, patterns[0].Type)
		assert.Equal(t, 1, patterns[0].Frequency)
		assert.Equal(t, model.StringSlice{"m1"}, patterns[0].Merchants)
	})

	t.Run("repeated hits reclassify as recurring", func(t *testing.T) {
		detector, _, _ := testDetector(t)
		batch := []model.Signal{signal("m1", "E1"), signal("m1", "E1"), signal("m1", "E1")}
		patterns, err := detector.Detect(ctx, batch)
		require.NoError(t, err)
		require.Len(t, patterns, 1, "same fingerprint collapses into one pattern")
		assert.Equal(t, model.PatternRecurring, patterns[0].Type)
		assert.Equal(t, 3, patterns[0].Frequency)
	})

	t.Run("multiple merchants reclassify as cross-merchant", func(t *testing.T) {
		detector, _, _ := testDetector(t)
		_, err := detector.Detect(ctx, []model.Signal{signal("m1", "E1")})
		require.NoError(t, err)
		patterns, err := detector.Detect(ctx, []model.Signal{signal("m2", "E1")})
		require.NoError(t, err)
		require.Len(t, patterns, 1)
		assert.Equal(t, model.PatternCrossMerchant, patterns[0].Type)
		assert.ElementsMatch(t, model.StringSlice{"m1", "m2"}, patterns[0].Merchants)
	})

	t.Run("cache short-circuits the store lookup", func(t *testing.T) {
		detector, _, source := testDetector(t)
		_, err := detector.Detect(ctx, []model.Signal{signal("m1", "E1")})
		require.NoError(t, err)
		assert.Equal(t, 1, source.calls)

		_, err = detector.Detect(ctx, []model.Signal{signal("m1", "E1")})
		require.NoError(t, err)
		assert.Equal(t, 1, source.calls, "second batch must hit the cache")
	})

	t.Run("known stored pattern is merged into", func(t *testing.T) {
		detector, _, source := testDetector(t)
		sig := signal("m1", "E1")
		fp := Compute(&sig)
		source.patterns[fp] = &model.Pattern{
			ID:          uuid.New(),
			Type:        model.PatternErrorSpike,
			Fingerprint: fp,
			Confidence:  0.5,
			Frequency:   2,
			Merchants:   model.StringSlice{"m0"},
		}

		patterns, err := detector.Detect(ctx, []model.Signal{sig})
		require.NoError(t, err)
		require.Len(t, patterns, 1)
		assert.Equal(t, source.patterns[fp].ID, patterns[0].ID)
		assert.Equal(t, 3, patterns[0].Frequency)
		assert.Equal(t, model.PatternCrossMerchant, patterns[0].Type)
	})
}

// TestCacheTiers tests the two-tier behavior
func TestCacheTiers(t *testing.T) {
	ctx := context.Background()

	t.Run("redis tier survives a fresh local tier", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		defer mr.Close()
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		first := NewCache(client, time.Minute, nil)
		p := &model.Pattern{ID: uuid.New(), Fingerprint: "fp-1", Confidence: 0.5, Frequency: 1}
		first.Put(ctx, p)

		// A second cache instance has an empty local map but shares Redis.
		second := NewCache(client, time.Minute, nil)
		got := second.Get(ctx, "fp-1")
		require.NotNil(t, got)
		assert.Equal(t, p.ID, got.ID)
	})

	t.Run("redis outage degrades to the local tier", func(t *testing.T) {
		mr, err := miniredis.Run()
		require.NoError(t, err)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		defer client.Close()

		cache := NewCache(client, time.Minute, nil)
		p := &model.Pattern{ID: uuid.New(), Fingerprint: "fp-2", Confidence: 0.5, Frequency: 1}
		cache.Put(ctx, p)
		mr.Close()

		got := cache.Get(ctx, "fp-2")
		require.NotNil(t, got, "local tier must still answer")
		assert.Equal(t, p.ID, got.ID)
	})

	t.Run("nil client runs local-only", func(t *testing.T) {
		cache := NewCache(nil, time.Minute, nil)
		p := &model.Pattern{ID: uuid.New(), Fingerprint: "fp-3", Confidence: 0.5, Frequency: 1}
		cache.Put(ctx, p)
		assert.NotNil(t, cache.Get(ctx, "fp-3"))
		assert.Nil(t, cache.Get(ctx, "missing"))
	})
}
