package api

import (
	"context"
	"net/http"
	"time"

	"github.com/syncwork-io/syncwork/internal/queue"
)

// connectionProbe is satisfied by *dbsession.Session; kept as a narrow
// interface so health.go does not need to import dbsession directly.
type connectionProbe interface {
	IsConnected(ctx context.Context) bool
}

// healthQueue is the subset of *queue.Queue the health handler needs.
type healthQueue interface {
	Health(ctx context.Context) ([]queue.HealthBucket, int64, error)
}

// HealthHandler backs GET /health.
type HealthHandler struct {
	session connectionProbe
	queue   healthQueue
}

// NewHealthHandler constructs a HealthHandler.
func NewHealthHandler(session connectionProbe, q healthQueue) *HealthHandler {
	return &HealthHandler{session: session, queue: q}
}

type healthQueueDetail struct {
	Pending             int64   `json:"pending"`
	Processing          int64   `json:"processing"`
	Failed              int64   `json:"failed"`
	DeadLetter          int64   `json:"dead_letter"`
	AvgProcessingTimeMS float64 `json:"avg_processing_time_ms"`
	StuckItems          int64   `json:"stuck_items"`
}

// ServeHTTP reports the service's health. "degraded" is defined purely by
// database_available being false; queue depth and dead-letter counts are
// surfaced for operators but never flip the status themselves.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	dbAvailable := h.session.IsConnected(r.Context())

	status := "healthy"
	if !dbAvailable {
		status = "degraded"
	}

	body := map[string]any{
		"status":             status,
		"database_available": dbAvailable,
		"timestamp":          time.Now().UTC().Format(time.RFC3339),
	}

	if dbAvailable {
		buckets, totalPending, err := h.queue.Health(r.Context())
		if err == nil {
			details := make(map[string]healthQueueDetail, len(buckets))
			for _, b := range buckets {
				details[b.Source] = healthQueueDetail{
					Pending:             b.Pending,
					Processing:          b.Processing,
					Failed:              b.Failed,
					DeadLetter:          b.DeadLetter,
					AvgProcessingTimeMS: b.AvgProcessingTimeMS,
					StuckItems:          b.StuckItems,
				}
			}
			body["queue_pending"] = totalPending
			body["queue_details"] = details
		}
	}

	JSON(w, http.StatusOK, body)
}
