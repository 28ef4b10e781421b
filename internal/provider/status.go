package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/flynn-ai/genii/internal/errors"
)

// statusError maps a non-2xx back end answer onto the error taxonomy.
func statusError(id string, status int, body string, header http.Header) error {
	switch {
	case status == http.StatusTooManyRequests:
		retryAfter := 30 * time.Second
		if header != nil {
			if s, err := strconv.Atoi(header.Get("Retry-After")); err == nil && s > 0 {
				retryAfter = time.Duration(s) * time.Second
			}
		}
		e := errors.RateLimit(errors.CodeProviderRateLimit, id+" rate limit exceeded", retryAfter)
		e.Context = map[string]any{"response": body}
		return e
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errors.NewBuilder(errors.CodeCredentialsMissing, id+" rejected the API key").
			Kind(errors.KindConfiguration).
			User().
			WithSuggestion("Check the api_key under [providers." + id + "]").
			Build()
	case status >= 500:
		return errors.NewBuilder(errors.CodeProviderUnavailable, fmt.Sprintf("%s unavailable (status %d)", id, status)).
			Kind(errors.KindProvider).
			Temporary().
			WithContext("response", body).
			Build()
	default:
		return errors.NewBuilder(errors.CodeProviderBadRequest, fmt.Sprintf("%s bad request (status %d)", id, status)).
			Kind(errors.KindProvider).
			Permanent().
			WithContext("response", body).
			Build()
	}
}

func transportError(id string, err error) error {
	return errors.NewBuilder(errors.CodeProviderUnavailable, id+" request failed").
		Kind(errors.KindProvider).
		Temporary().
		Wrap(err).
		Build()
}

func badResponse(id, msg string) error {
	return errors.NewBuilder(errors.CodeProviderBadResponse, id+": "+msg).
		Kind(errors.KindProvider).
		Permanent().
		Build()
}

func retryPolicy(maxAttempts int) *errors.Policy {
	return &errors.Policy{
		MaxAttempts:  maxAttempts,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryIf: func(err error) bool {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return false
			}
			c := errors.GetCategory(err)
			return c == errors.CategoryTemporary || c == errors.CategoryRateLimit
		},
	}
}
