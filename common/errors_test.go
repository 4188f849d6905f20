package common

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestErrorFormatting tests the error string for each field combination
func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection refused")

	t.Run("MessageOnly", func(t *testing.T) {
		err := NewStateError("store.UpdateAction", "illegal move")
		assert.Equal(t, "state_error: store.UpdateAction: illegal move", err.Error())
	})

	t.Run("MessageAndCause", func(t *testing.T) {
		err := NewDependencyError("bus.Publish", "publish failed", cause)
		assert.Equal(t, "dependency_error: bus.Publish: publish failed: connection refused", err.Error())
	})

	t.Run("CauseOnly", func(t *testing.T) {
		err := &Error{Kind: KindDependency, Op: "store.Open", Err: cause}
		assert.Equal(t, "dependency_error: store.Open: connection refused", err.Error())
	})
}

// TestUnwrap tests that the wrapped cause stays reachable through errors.Is
func TestUnwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := NewDependencyError("analyzer.Analyze", "request failed", cause)
	assert.True(t, errors.Is(err, cause))

	wrapped := fmt.Errorf("stage failed: %w", err)
	var e *Error
	require.True(t, errors.As(wrapped, &e))
	assert.Equal(t, "analyzer.Analyze", e.Op)
}

// TestClassify tests kind extraction and the unclassified default
func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"Input", NewInputError("api.SubmitSignal", "missing merchant"), KindInput},
		{"State", NewStateError("engine.Step", "unknown stage"), KindState},
		{"Dependency", NewDependencyError("store.GetIssue", "query failed", errors.New("down")), KindDependency},
		{"Integrity", NewIntegrityError("audit.Verify", "chain broken"), KindIntegrity},
		{"RateLimited", NewRateLimitedError("executor.Run", "merchant over limit"), KindRateLimited},
		{"Wrapped", fmt.Errorf("outer: %w", NewInputError("op", "bad")), KindInput},
		{"Plain", errors.New("anything"), KindDependency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, Classify(tt.err))
			assert.True(t, IsKind(tt.err, tt.kind))
		})
	}
}

// TestIsRetryable tests that only dependency failures qualify for retry
func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewDependencyError("op", "down", errors.New("x"))))
	assert.True(t, IsRetryable(errors.New("unclassified")))

	assert.False(t, IsRetryable(NewInputError("op", "bad")))
	assert.False(t, IsRetryable(NewStateError("op", "bad")))
	assert.False(t, IsRetryable(NewIntegrityError("op", "bad")))
	assert.False(t, IsRetryable(NewRateLimitedError("op", "bad")))
}
