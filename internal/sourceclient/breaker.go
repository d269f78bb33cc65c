package sourceclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerClient wraps a Client with a sony/gobreaker circuit breaker so a
// single failing source does not leave every reconciler tick blocked on
// full HTTP timeouts — after enough consecutive failures the breaker opens
// and fails fast until its cooldown elapses.
type BreakerClient struct {
	inner   Client
	breaker *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps inner with a breaker named after the source (used
// in gobreaker's state-change logging/metrics). It opens after 5
// consecutive failures and stays open for 30s before allowing a single
// trial request through (gobreaker's half-open state).
func NewBreakerClient(source string, inner Client) *BreakerClient {
	settings := gobreaker.Settings{
		Name:        source,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A 429 is the upstream telling us to slow down, not the upstream
		// being down: the caller sleeps Retry-After and retries the same
		// page. If rate limiting counted as failure, a sustained 429 run
		// would open the breaker and ErrOpenState would mask the
		// *RateLimitedError the retry loop matches on. Not-found is likewise
		// a normal answer (deleted record), not an outage.
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var rateLimited *RateLimitedError
			if errors.As(err, &rateLimited) {
				return true
			}
			return errors.Is(err, ErrNotFound)
		},
	}
	return &BreakerClient{inner: inner, breaker: gobreaker.NewCircuitBreaker(settings)}
}

func (c *BreakerClient) ListUpdatedSince(ctx context.Context, since time.Time, cursor *string) ([]RawRecord, *string, error) {
	type page struct {
		records []RawRecord
		cursor  *string
	}
	result, err := c.breaker.Execute(func() (any, error) {
		records, nextCursor, err := c.inner.ListUpdatedSince(ctx, since, cursor)
		if err != nil {
			return nil, err
		}
		return page{records: records, cursor: nextCursor}, nil
	})
	if err != nil {
		return nil, nil, err
	}
	p := result.(page)
	return p.records, p.cursor, nil
}

func (c *BreakerClient) Fetch(ctx context.Context, externalID string) (json.RawMessage, error) {
	result, err := c.breaker.Execute(func() (any, error) {
		return c.inner.Fetch(ctx, externalID)
	})
	if err != nil {
		return nil, err
	}
	return result.(json.RawMessage), nil
}
