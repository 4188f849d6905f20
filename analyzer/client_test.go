package analyzer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/storefront-ops/remedy/common"
	"github.com/storefront-ops/remedy/model"
)

func analyzeRequest() Request {
	return Request{
		Signals: []model.Signal{{
			Source:     model.SourceCheckoutError,
			MerchantID: "m1",
			Severity:   model.SeverityHigh,
			ErrorCode:  "CHECKOUT_500",
		}},
	}
}

// TestClientAnalyze tests the analyzer RPC
func TestClientAnalyze(t *testing.T) {
	ctx := context.Background()

	t.Run("decodes a healthy response", func(t *testing.T) {
		var got Request
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
			json.NewEncoder(w).Encode(Hypothesis{
				Category:   model.CauseConfigError,
				Confidence: 0.85,
				Reasoning:  "webhook secret mismatch",
				RecommendedActions: []Recommendation{
					{ActionType: model.ActionConfigFix, Risk: model.RiskMedium},
				},
			})
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{URL: srv.URL}, nil, nil)
		hyp, err := client.Analyze(ctx, analyzeRequest())
		require.NoError(t, err)
		assert.True(t, hyp.Valid())
		assert.Equal(t, model.CauseConfigError, hyp.Category)
		assert.InDelta(t, 0.85, hyp.Confidence, 1e-9)
		require.Len(t, got.Signals, 1)
		assert.Equal(t, "m1", got.Signals[0].MerchantID)
	})

	t.Run("retries server errors then gives up", func(t *testing.T) {
		var attempts atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{URL: srv.URL, MaxRetries: 2}, nil, nil)
		_, err := client.Analyze(ctx, analyzeRequest())
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindDependency))
		assert.Equal(t, int64(3), attempts.Load(), "initial attempt plus two retries")
	})

	t.Run("recovers when a retry succeeds", func(t *testing.T) {
		var attempts atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if attempts.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				return
			}
			json.NewEncoder(w).Encode(Hypothesis{Category: model.CausePlatformRegression, Confidence: 0.7})
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{URL: srv.URL, MaxRetries: 2}, nil, nil)
		hyp, err := client.Analyze(ctx, analyzeRequest())
		require.NoError(t, err)
		assert.Equal(t, model.CausePlatformRegression, hyp.Category)
	})

	t.Run("client errors are not retried", func(t *testing.T) {
		var attempts atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{URL: srv.URL, MaxRetries: 5}, nil, nil)
		_, err := client.Analyze(ctx, analyzeRequest())
		require.Error(t, err)
		assert.Equal(t, int64(1), attempts.Load())
	})

	t.Run("malformed response body is not retried", func(t *testing.T) {
		var attempts atomic.Int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attempts.Add(1)
			w.Write([]byte("{not json"))
		}))
		defer srv.Close()

		client := NewClient(ClientConfig{URL: srv.URL, MaxRetries: 5}, nil, nil)
		_, err := client.Analyze(ctx, analyzeRequest())
		require.Error(t, err)
		assert.Equal(t, int64(1), attempts.Load())
	})

	t.Run("unreachable analyzer is a dependency error", func(t *testing.T) {
		client := NewClient(ClientConfig{
			URL:        "http://127.0.0.1:1/analyze",
			Timeout:    200 * time.Millisecond,
			MaxRetries: 1,
		}, nil, nil)
		_, err := client.Analyze(ctx, analyzeRequest())
		require.Error(t, err)
		assert.True(t, common.IsKind(err, common.KindDependency))
	})
}

// TestFallback tests the degraded hypothesis
func TestFallback(t *testing.T) {
	hyp := Fallback("analyzer timed out")
	assert.Equal(t, model.CauseUnknown, hyp.Category)
	assert.InDelta(t, FallbackConfidence, hyp.Confidence, 1e-9)
	assert.Equal(t, "analyzer timed out", hyp.Reasoning)
	require.Len(t, hyp.RecommendedActions, 1)
	assert.Equal(t, model.ActionEscalate, hyp.RecommendedActions[0].ActionType)

	// The fallback is deliberately below the well-formed bar: it carries an
	// unknown category, so the pipeline always treats it as uncertain.
	assert.False(t, hyp.Valid())
}
