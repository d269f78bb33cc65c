package sourceclient

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// erringClient returns the scripted error from every call.
type erringClient struct{ err error }

func (c erringClient) ListUpdatedSince(context.Context, time.Time, *string) ([]RawRecord, *string, error) {
	return nil, nil, c.err
}

func (c erringClient) Fetch(context.Context, string) (json.RawMessage, error) {
	return nil, c.err
}

func TestBreakerClient_SustainedRateLimitingNeverOpensBreaker(t *testing.T) {
	rateLimited := &RateLimitedError{RetryAfter: 30 * time.Second}
	c := NewBreakerClient("task", erringClient{err: rateLimited})

	// Well past the 5-consecutive-failure trip threshold: every call must
	// still surface the retryable 429 signal, never ErrOpenState.
	for i := 0; i < 20; i++ {
		_, _, err := c.ListUpdatedSince(context.Background(), time.Time{}, nil)
		require.Error(t, err)
		var rl *RateLimitedError
		require.ErrorAs(t, err, &rl)
		assert.Equal(t, 30*time.Second, rl.RetryAfter)
	}
}

func TestBreakerClient_NotFoundNeverOpensBreaker(t *testing.T) {
	c := NewBreakerClient("task", erringClient{err: ErrNotFound})

	for i := 0; i < 20; i++ {
		_, err := c.Fetch(context.Background(), "gone")
		require.ErrorIs(t, err, ErrNotFound)
	}
}

func TestBreakerClient_ConsecutiveOutageErrorsOpenBreaker(t *testing.T) {
	c := NewBreakerClient("task", erringClient{err: errors.New("connection refused")})

	for i := 0; i < 5; i++ {
		_, _, err := c.ListUpdatedSince(context.Background(), time.Time{}, nil)
		require.Error(t, err)
	}

	_, _, err := c.ListUpdatedSince(context.Background(), time.Time{}, nil)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
}
