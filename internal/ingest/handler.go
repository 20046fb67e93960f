package ingest

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"eventgate/internal/logger"
	"eventgate/pkg/logging"
	"eventgate/pkg/metrics"
	"eventgate/pkg/middleware"
)

type Handler struct {
	pipeline     *Pipeline
	maxBodyBytes int64
	logger       logger.Logger
	metrics      *metrics.IngestMetrics
}

func NewHandler(pipeline *Pipeline, maxBodyBytes int64, log logger.Logger, m *metrics.IngestMetrics) *Handler {
	return &Handler{pipeline: pipeline, maxBodyBytes: maxBodyBytes, logger: log, metrics: m}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.POST("/events", h.PostEvents)
}

// PostEvents responds only after every event of the body is in the outbox.
func (h *Handler) PostEvents(c *gin.Context) {
	c.Header("Connection", "close")

	release, err := h.pipeline.Begin()
	if err != nil {
		h.metrics.Requests.WithLabelValues("rejected").Inc()
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service is shutting down"})
		return
	}
	defer release()

	requestID := c.GetString(middleware.RequestIDKey)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	ctx := logging.WithRequestID(c.Request.Context(), requestID)

	body := c.Request.Body
	if h.maxBodyBytes > 0 {
		body = http.MaxBytesReader(c.Writer, body, h.maxBodyBytes)
	}

	h.logger.InfowCtx(ctx, "Start processing stream")

	summary, err := h.pipeline.Process(ctx, body, requestID)
	if err != nil {
		h.metrics.Requests.WithLabelValues("error").Inc()
		h.logger.ErrorwCtx(ctx, "Stream processing failed",
			"error", err,
			"received", summary.Received,
			"accepted", summary.Accepted,
		)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":     "Processing failed",
			"requestId": requestID,
		})
		return
	}

	h.metrics.Requests.WithLabelValues("ok").Inc()
	c.JSON(http.StatusOK, gin.H{
		"status":    "All points processed",
		"requestId": requestID,
		"received":  summary.Received,
		"accepted":  summary.Accepted,
		"rejected":  summary.Rejected,
	})
}
