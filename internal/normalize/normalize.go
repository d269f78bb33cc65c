// Package normalize defines the contract between the dispatcher and the
// per-source record normalizers. Concrete field-by-field mapping from a
// source's raw API JSON to a domain record is out of scope for this
// service — this package ships the interface, the closed source enum, the
// tagged result type, a registry, and the fakes the dispatcher's tests run
// against.
package normalize

import (
	"context"
	"errors"

	connectordb "github.com/syncwork-io/syncwork/internal/db"
)

// Source is the closed set of upstream systems this service ingests from.
type Source string

const (
	SourceTask Source = "task"
	SourceMail Source = "mail"
	SourceDoc  Source = "doc"
)

// Hint is what the dispatcher knows about an event before normalization:
// just the remote id the webhook or backfill poll extracted. The normalizer
// is expected to treat this as a cue to re-fetch the authoritative record,
// never as trusted data.
type Hint struct {
	ExternalID string
}

// Kind tags which variant of NormalizeResult is populated.
type Kind int

const (
	// KindSkip means the normalizer determined there is nothing to do —
	// e.g. the event type is not one this service tracks. The dispatcher
	// acks the item immediately without writing anything.
	KindSkip Kind = iota
	// KindDelete means the remote record is gone (a 404 from the source
	// API, or an explicit deletion event). The dispatcher calls the
	// repository's MarkDeleted instead of Upsert.
	KindDelete
	// KindRecord means Task, Email, or Document (whichever matches the
	// normalizer's Source) is populated and ready to upsert.
	KindRecord
)

// NormalizeResult is the tagged union a Normalizer returns. Exactly one of
// Task/Email/Document is set when Kind == KindRecord; TagIDsToLink and
// AssigneeIDsToLink are side-channel fields the task normalizer uses to pass
// many-to-many relation targets to the dispatcher's relational fan-out step,
// since the Task row itself carries no embedded slice for them.
type NormalizeResult struct {
	Kind Kind

	Task     *connectordb.Task
	Email    *connectordb.Email
	Document *connectordb.Document

	TagIDsToLink      []string
	TagNames          map[string]string
	AssigneeIDsToLink []string
	AssigneeNames     map[string]string
}

// ErrNotImplemented reports that no real normalizer handles a source. This
// package ships no concrete normalizers; FakeNormalizer returns this error
// for a hint it has no scripted result for.
var ErrNotImplemented = errors.New("normalize: source normalizer not implemented")

// Normalizer turns a bare (event_type, external_id) hint into a typed
// domain record by fetching the authoritative state from the source API.
// Normalizers are pure with respect to the queue: they never ack or
// enqueue, and they must tolerate "not found" by returning KindDelete
// rather than an error.
type Normalizer interface {
	Process(ctx context.Context, eventType string, hint Hint) (NormalizeResult, error)
}

// Registry maps a Source to its Normalizer: a single dispatch point fanning
// out to per-source implementations.
type Registry map[Source]Normalizer
