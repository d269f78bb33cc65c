package webhook

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeEnqueuer struct {
	enqueued []string
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, source, eventType, externalID string) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, source+"/"+eventType+"/"+externalID)
	return nil
}

type fakeProbe struct{ connected bool }

func (f fakeProbe) IsConnected(context.Context) bool { return f.connected }

func newTestRouter(q *fakeEnqueuer, probe fakeProbe, sources map[string]SourceConfig) http.Handler {
	h := NewHandler(q, probe, sources, zap.NewNop())
	r := chi.NewRouter()
	r.Post("/webhook/{source}", h.ServeHTTP)
	return r
}

func postWebhook(t *testing.T, router http.Handler, source, contentType, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+source, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func TestHandler_AcceptsTaskFormWebhook(t *testing.T) {
	q := &fakeEnqueuer{}
	router := newTestRouter(q, fakeProbe{connected: true}, nil)

	rec := postWebhook(t, router, "task", "application/x-www-form-urlencoded", "Task.ID=42", nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"accepted"`)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, "task/task.updated/42", q.enqueued[0])
}

func TestHandler_MissingSignatureWithSecretConfiguredIs401(t *testing.T) {
	q := &fakeEnqueuer{}
	sources := map[string]SourceConfig{"mail": {Secret: "shh"}}
	router := newTestRouter(q, fakeProbe{connected: true}, sources)

	rec := postWebhook(t, router, "mail", "application/json", `{"conversation_id":"c-1"}`, nil)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, q.enqueued)
}

func TestHandler_ValidSignatureHeaderAccepted(t *testing.T) {
	q := &fakeEnqueuer{}
	body := `{"conversation_id":"c-1"}`
	sources := map[string]SourceConfig{"mail": {Secret: "shh"}}
	router := newTestRouter(q, fakeProbe{connected: true}, sources)

	rec := postWebhook(t, router, "mail", "application/json", body, map[string]string{
		"X-Hook-Signature": sign("shh", []byte(body)),
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, q.enqueued, 1)
}

func TestHandler_EmptyBodyIs400(t *testing.T) {
	q := &fakeEnqueuer{}
	router := newTestRouter(q, fakeProbe{connected: true}, nil)

	rec := postWebhook(t, router, "task", "application/x-www-form-urlencoded", "", nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, q.enqueued)
}

func TestHandler_NoExternalIDIs400(t *testing.T) {
	q := &fakeEnqueuer{}
	router := newTestRouter(q, fakeProbe{connected: true}, nil)

	rec := postWebhook(t, router, "mail", "application/json", `{"event":"message.created"}`, nil)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, q.enqueued)
}

func TestHandler_DatabaseDownIs503WithoutEnqueue(t *testing.T) {
	q := &fakeEnqueuer{}
	router := newTestRouter(q, fakeProbe{connected: false}, nil)

	rec := postWebhook(t, router, "task", "application/x-www-form-urlencoded", "Task.ID=42", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Empty(t, q.enqueued)
}

func TestHandler_EnqueueFailureIs503(t *testing.T) {
	q := &fakeEnqueuer{err: errors.New("queue: enqueue: connection reset")}
	router := newTestRouter(q, fakeProbe{connected: true}, nil)

	rec := postWebhook(t, router, "task", "application/x-www-form-urlencoded", "Task.ID=42", nil)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandler_UnknownSourceIs404(t *testing.T) {
	q := &fakeEnqueuer{}
	router := newTestRouter(q, fakeProbe{connected: true}, nil)

	rec := postWebhook(t, router, "calendar", "application/json", `{"id":"x"}`, nil)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Empty(t, q.enqueued)
}
