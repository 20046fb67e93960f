package reports

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"eventgate/internal/logger"
	"eventgate/pkg/errors"
	"eventgate/pkg/metrics"
)

type Handler struct {
	service *Service
	logger  logger.Logger
	metrics *metrics.ReportMetrics
}

func NewHandler(service *Service, log logger.Logger, m *metrics.ReportMetrics) *Handler {
	return &Handler{service: service, logger: log, metrics: m}
}

func (h *Handler) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/reports")
	{
		group.GET("/events", h.GetEvents)
		group.GET("/revenue", h.GetRevenue)
		group.GET("/demographics", h.GetDemographics)
	}
}

func (h *Handler) handleError(c *gin.Context, report string, err error) {
	status := errors.ToHTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorwCtx(c.Request.Context(), "Report failed", "report", report, "error", err)
	}
	h.count(report, "error")
	c.JSON(status, errors.ToErrorResponse(err))
}

func (h *Handler) count(report, status string) {
	if h.metrics != nil {
		h.metrics.Requests.WithLabelValues(report, status).Inc()
	}
}

// GetEvents godoc
// @Summary      Event totals
// @Description  Counts events by type and by source, optionally filtered
// @Tags         reports
// @Produce      json
// @Param        from         query  string  false  "ISO-8601 lower bound"
// @Param        to           query  string  false  "ISO-8601 upper bound"
// @Param        source       query  string  false  "facebook or tiktok"
// @Param        funnelStage  query  string  false  "top or bottom"
// @Param        eventType    query  string  false  "Event type"
// @Success      200  {object}  EventsReport
// @Failure      400  {object}  map[string]interface{}
// @Failure      500  {object}  map[string]interface{}
// @Router       /reports/events [get]
func (h *Handler) GetEvents(c *gin.Context) {
	var req EventsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.handleError(c, ReportEvents, errors.ErrValidation.WithCause(err))
		return
	}
	filter, err := req.Filter()
	if err != nil {
		h.handleError(c, ReportEvents, err)
		return
	}

	report, err := h.service.Events(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, ReportEvents, err)
		return
	}
	h.count(ReportEvents, "ok")
	c.JSON(http.StatusOK, report)
}

// GetRevenue godoc
// @Summary      Revenue
// @Description  Sums purchase amounts of checkout.complete and purchase events
// @Tags         reports
// @Produce      json
// @Param        from    query  string  true  "ISO-8601 lower bound"
// @Param        to      query  string  true  "ISO-8601 upper bound"
// @Param        source  query  string  true  "facebook or tiktok"
// @Success      200  {object}  RevenueReport
// @Failure      400  {object}  map[string]interface{}
// @Router       /reports/revenue [get]
func (h *Handler) GetRevenue(c *gin.Context) {
	filter, ok := h.bindRange(c, ReportRevenue)
	if !ok {
		return
	}

	report, err := h.service.Revenue(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, ReportRevenue, err)
		return
	}
	h.count(ReportRevenue, "ok")
	c.JSON(http.StatusOK, report)
}

// GetDemographics godoc
// @Summary      Audience demographics
// @Description  Facebook: users by gender, age, country and city. TikTok: follower statistics.
// @Tags         reports
// @Produce      json
// @Param        from    query  string  true  "ISO-8601 lower bound"
// @Param        to      query  string  true  "ISO-8601 upper bound"
// @Param        source  query  string  true  "facebook or tiktok"
// @Success      200  {object}  DemographicsReport
// @Failure      400  {object}  map[string]interface{}
// @Router       /reports/demographics [get]
func (h *Handler) GetDemographics(c *gin.Context) {
	filter, ok := h.bindRange(c, ReportDemographics)
	if !ok {
		return
	}

	report, err := h.service.Demographics(c.Request.Context(), filter)
	if err != nil {
		h.handleError(c, ReportDemographics, err)
		return
	}
	h.count(ReportDemographics, "ok")
	c.JSON(http.StatusOK, report)
}

func (h *Handler) bindRange(c *gin.Context, report string) (RangeFilter, bool) {
	var req RangeRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		h.handleError(c, report, errors.ErrValidation.WithCause(err))
		return RangeFilter{}, false
	}
	filter, err := req.Filter()
	if err != nil {
		h.handleError(c, report, err)
		return RangeFilter{}, false
	}
	return filter, true
}
