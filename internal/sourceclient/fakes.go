package sourceclient

import (
	"context"
	"encoding/json"
	"time"
)

// FakeClient is a scriptable Client for reconciler tests. Pages is consumed
// in order on successive ListUpdatedSince calls regardless of the cursor
// passed in, which is enough to exercise the reconciler's pagination loop
// without modeling real cursor semantics.
type FakeClient struct {
	Pages      [][]RawRecord
	pageIndex  int
	FetchByID  map[string]json.RawMessage
	SinceCalls []time.Time
}

// NewFakeClient returns a FakeClient with no pages scripted.
func NewFakeClient() *FakeClient {
	return &FakeClient{FetchByID: make(map[string]json.RawMessage)}
}

func (f *FakeClient) ListUpdatedSince(_ context.Context, since time.Time, _ *string) ([]RawRecord, *string, error) {
	f.SinceCalls = append(f.SinceCalls, since)
	if f.pageIndex >= len(f.Pages) {
		return nil, nil, nil
	}
	page := f.Pages[f.pageIndex]
	f.pageIndex++
	var nextCursor *string
	if f.pageIndex < len(f.Pages) {
		c := "next"
		nextCursor = &c
	}
	return page, nextCursor, nil
}

func (f *FakeClient) Fetch(_ context.Context, externalID string) (json.RawMessage, error) {
	raw, ok := f.FetchByID[externalID]
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}
