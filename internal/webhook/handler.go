package webhook

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/syncwork-io/syncwork/internal/api"
)

// enqueuer is the subset of *queue.Queue the handler needs, so tests can
// supply a fake without standing up a database.
type enqueuer interface {
	Enqueue(ctx context.Context, source, eventType, externalID string) error
}

// connectionProbe is satisfied by *dbsession.Session. The handler checks it
// before touching the queue so that a down database turns into an immediate
// 503 instead of a request that hangs inside the session's reconnect loop
// until the sender gives up.
type connectionProbe interface {
	IsConnected(ctx context.Context) bool
}

// SourceConfig is one source's webhook trust configuration.
type SourceConfig struct {
	Secret        string
	SignatureHead string // header carrying the signature, e.g. "X-Task-Signature"
}

// Handler is the chi handler backing POST /webhook/{source}. It verifies the
// per-source signature, routes the body through the matching Parser, and
// enqueues the resulting (source, event_type, external_id) triple.
type Handler struct {
	parsers Registry
	sources map[string]SourceConfig
	queue   enqueuer
	session connectionProbe
	logger  *zap.Logger
}

// NewHandler constructs a Handler. sources maps a source name ("task",
// "mail", "doc") to its secret and signature header; a source absent from
// the map is treated as having no secret (verification bypassed).
func NewHandler(q enqueuer, session connectionProbe, sources map[string]SourceConfig, logger *zap.Logger) *Handler {
	return &Handler{
		parsers: NewRegistry(),
		sources: sources,
		queue:   q,
		session: session,
		logger:  logger,
	}
}

// ServeHTTP implements POST /webhook/{source}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	source := chi.URLParam(r, "source")
	parser, ok := h.parsers[source]
	if !ok {
		api.Error(w, http.StatusNotFound, "unknown_source", "unknown webhook source")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		api.Error(w, http.StatusBadRequest, "bad_request", "could not read request body")
		return
	}
	if len(body) == 0 {
		api.Error(w, http.StatusBadRequest, "bad_request", "empty request body")
		return
	}

	cfg := h.sources[source]
	signature := signatureFromHeaders(r, source, cfg.SignatureHead)
	if !verifySignature(cfg.Secret, body, signature) {
		h.logger.Warn("invalid webhook signature", zap.String("source", source))
		api.Error(w, http.StatusUnauthorized, "invalid_signature", "invalid signature")
		return
	}

	// Form bodies are parsed from the already-buffered bytes rather than via
	// r.ParseForm, which would try to read r.Body a second time — it was
	// consumed above so the signature could be checked over the raw bytes.
	var form url.Values
	if ct := r.Header.Get("Content-Type"); ct == "application/x-www-form-urlencoded" {
		parsed, err := url.ParseQuery(string(body))
		if err != nil {
			api.Error(w, http.StatusBadRequest, "bad_request", "could not parse form body")
			return
		}
		form = parsed
	}

	result, err := parser.Parse(body, form)
	if err != nil {
		api.Error(w, http.StatusBadRequest, "bad_request", "no identifiable record in payload")
		return
	}

	if !h.session.IsConnected(r.Context()) {
		api.Error(w, http.StatusServiceUnavailable, "queue_unavailable", "database unavailable, please retry")
		return
	}

	if err := h.queue.Enqueue(r.Context(), source, result.EventType, result.ExternalID); err != nil {
		h.logger.Error("failed to enqueue webhook event",
			zap.String("source", source), zap.String("external_id", result.ExternalID), zap.Error(err))
		api.Error(w, http.StatusServiceUnavailable, "queue_unavailable", "could not queue event, please retry")
		return
	}

	h.logger.Info("accepted webhook event",
		zap.String("source", source), zap.String("event_type", result.EventType), zap.String("external_id", result.ExternalID))
	api.JSON(w, http.StatusOK, map[string]string{"status": "accepted"})
}

// signatureFromHeaders reads the configured per-source header first, then
// the "X-<Source>-Signature" convention, then the generic
// "X-Hook-Signature" fallback.
func signatureFromHeaders(r *http.Request, source, configuredHeader string) string {
	if configuredHeader != "" {
		if v := r.Header.Get(configuredHeader); v != "" {
			return v
		}
	}
	if source != "" {
		header := "X-" + strings.ToUpper(source[:1]) + source[1:] + "-Signature"
		if v := r.Header.Get(header); v != "" {
			return v
		}
	}
	return r.Header.Get("X-Hook-Signature")
}
