// Package sourceclient defines the contract the Backfill Reconciler uses to
// page through an upstream source's "updated since" feed. Concrete
// per-source HTTP wiring (auth headers, URL shapes, JSON field mapping) is
// out of scope for this service — the reconciler only needs the interface,
// the rate-limit signal, and the circuit breaker that wraps any concrete
// implementation.
package sourceclient

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// RawRecord is one page entry: enough to enqueue a backfill item and
// advance the checkpoint, without decoding the source-specific payload
// shape (that is the normalizer's job, on re-fetch).
type RawRecord struct {
	ID        string
	UpdatedAt time.Time
	Raw       json.RawMessage
}

// RateLimitedError is returned by a Client when the upstream API responds
// 429; the reconciler sleeps RetryAfter and retries the same page.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return "sourceclient: rate limited, retry after " + e.RetryAfter.String()
}

// ErrNotFound is returned by Fetch when the remote record no longer exists
// — normalizers translate this into normalize.KindDelete.
var ErrNotFound = errors.New("sourceclient: record not found")

// Disabled is a Client that never returns any records. The supervisor wires
// it for any source whose SourceConfig.Client is nil — the
// reconciler still ticks and advances the checkpoint to now() every cycle
// (so it is never "stuck" waiting on credentials), but nothing is ever
// enqueued from it. Concrete per-source HTTP clients replace this at the
// supervisor's wiring point once credentials are available.
type Disabled struct{}

func (Disabled) ListUpdatedSince(_ context.Context, _ time.Time, _ *string) ([]RawRecord, *string, error) {
	return nil, nil, nil
}

func (Disabled) Fetch(_ context.Context, _ string) (json.RawMessage, error) {
	return nil, ErrNotFound
}

// Client is the per-source API surface the reconciler and normalizers need.
// A concrete per-source implementation (task tracker, mailbox, doc store)
// wraps its own HTTP client with authentication and URL construction; this
// package ships the contract plus the resilience wrapper in breaker.go.
type Client interface {
	// ListUpdatedSince returns the next page of records with UpdatedAt after
	// since, plus a cursor to pass back in for the following page (nil when
	// exhausted). Implementations MUST return a *RateLimitedError instead of
	// a generic error on HTTP 429.
	ListUpdatedSince(ctx context.Context, since time.Time, cursor *string) (records []RawRecord, nextCursor *string, err error)

	// Fetch retrieves the authoritative current state of a single record by
	// id, for the normalizer's re-fetch-on-event path. Returns ErrNotFound
	// if the record is gone upstream.
	Fetch(ctx context.Context, externalID string) (json.RawMessage, error)
}
