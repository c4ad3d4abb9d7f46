package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/petrijr/flowrun/internal/metrics"
	"github.com/petrijr/flowrun/pkg/api"
)

// QueueSnapshotter serves the latest queue sample.
type QueueSnapshotter interface {
	Snapshot() metrics.Snapshot
}

type MetricsHandler struct {
	queue    QueueSnapshotter
	counters *api.BasicMetrics
}

// NewMetricsHandler serves queue occupancy from agg and, when counters is
// not nil, the in-process job and run counters.
func NewMetricsHandler(agg QueueSnapshotter, counters *api.BasicMetrics) *MetricsHandler {
	return &MetricsHandler{queue: agg, counters: counters}
}

// QueueMetrics returns {jobType: {status: count}}. The sample time is sent
// in the X-Sampled-At header.
func (h *MetricsHandler) QueueMetrics(c *gin.Context) {
	snap := h.queue.Snapshot()
	if !snap.SampledAt.IsZero() {
		c.Header("X-Sampled-At", snap.SampledAt.UTC().Format(time.RFC3339Nano))
	}
	c.JSON(http.StatusOK, snap.Stats)
}

func (h *MetricsHandler) WorkerMetrics(c *gin.Context) {
	if h.counters == nil {
		respondError(c, http.StatusNotFound, "not_configured", errors.New("worker metrics are not configured"))
		return
	}
	c.JSON(http.StatusOK, h.counters.Snapshot())
}

func health(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}
