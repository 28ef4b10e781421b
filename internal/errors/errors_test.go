package errors

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := Template(CodeTemplateUnknownHelper, "unknown helper \"foo\"")
	wrapped := Wrap(base, CodeTemplateDirectiveFailed, "render failed", CategoryUser)

	assert.Equal(t, KindTemplate, GetKind(wrapped))
	assert.True(t, IsKind(fmt.Errorf("outer: %w", wrapped), KindTemplate))
	assert.False(t, IsKind(wrapped, KindProvider))
	assert.Equal(t, KindUnknown, GetKind(fmt.Errorf("plain")))
}

func TestBuilderSetsKindAndSuggestions(t *testing.T) {
	err := NewBuilder(CodeCredentialsMissing, "OpenAI API key not configured").
		Kind(KindConfiguration).
		User().
		WithSuggestion("Set OPENAI_API_KEY").
		WithContext("provider", "openai-chat").
		Build()

	assert.Equal(t, KindConfiguration, err.Kind)
	assert.Equal(t, CategoryUser, err.Category)
	assert.Equal(t, []string{"Set OPENAI_API_KEY"}, GetSuggestions(err))
	assert.Contains(t, FormatUserMessage(err), "Set OPENAI_API_KEY")
	assert.Equal(t, "[CREDENTIALS_MISSING] OpenAI API key not configured", err.Error())
}

func TestUserFacingMessageIsVerbatim(t *testing.T) {
	err := UserFacing("select some text first")
	assert.Equal(t, "select some text first", FormatUserMessage(err))
	assert.True(t, IsKind(err, KindUserFacing))
}

func TestDoRetriesTemporaryErrors(t *testing.T) {
	attempts := 0
	policy := &Policy{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1, RetryIf: IsRetryable}

	got, err := DoWithResult(context.Background(), policy, func() (string, error) {
		attempts++
		if attempts < 3 {
			return "", Temporary(CodeProviderUnavailable, "503")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, attempts)
}

func TestDoStopsOnPermanentErrors(t *testing.T) {
	attempts := 0
	err := Do(context.Background(), DefaultPolicy(), func() error {
		attempts++
		return Provider(CodeProviderBadRequest, "400")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsKind(err, KindProvider))
}

func TestCircuitBreakerOpensAfterFailures(t *testing.T) {
	cb := NewCircuitBreaker("test", &CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour, HalfOpenAttempts: 1})
	fail := func() error { return fmt.Errorf("boom") }

	_ = cb.Execute(fail)
	_ = cb.Execute(fail)
	assert.Equal(t, StateOpen, cb.State())

	err := cb.Execute(func() error { return nil })
	require.Error(t, err)
	assert.True(t, IsRetryable(err))

	cb.Reset()
	assert.Equal(t, StateClosed, cb.State())
}

func TestRateLimitDelayIsCappedByPolicy(t *testing.T) {
	policy := &Policy{MaxAttempts: 2, InitialDelay: time.Hour, MaxDelay: 5 * time.Millisecond, RetryIf: IsRetryable}
	err := RateLimit(CodeProviderRateLimit, "429", time.Minute)

	assert.Equal(t, 5*time.Millisecond, policy.wait(time.Hour, err))
	assert.Equal(t, time.Hour, policy.wait(time.Hour, fmt.Errorf("plain")))
}

func TestDoReturnsWhenContextEnds(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	attempts := 0
	err := Do(ctx, &Policy{MaxAttempts: 5, InitialDelay: time.Hour, RetryIf: IsRetryable}, func() error {
		attempts++
		return Temporary(CodeProviderUnavailable, "503")
	})

	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, attempts)
}

func TestCircuitBreakerIgnoresCancellation(t *testing.T) {
	cb := NewCircuitBreaker("test", &CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour, HalfOpenAttempts: 1})

	_ = cb.Execute(func() error { return context.Canceled })
	_ = cb.Execute(func() error { return UserFacing("select text") })
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreakerHalfOpenRecovers(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker("test", &CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Minute, HalfOpenAttempts: 1})
	cb.now = func() time.Time { return now }

	_ = cb.Execute(func() error { return fmt.Errorf("boom") })
	require.Equal(t, StateOpen, cb.State())

	now = now.Add(2 * time.Minute)
	require.NoError(t, cb.Execute(func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
}
