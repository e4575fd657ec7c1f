package v1

import (
	"net/http"
	"time"

	"github.com/flexprice/usagelimiter/internal/api/dto"
	ierr "github.com/flexprice/usagelimiter/internal/errors"
	"github.com/flexprice/usagelimiter/internal/limiter"
	"github.com/flexprice/usagelimiter/internal/logger"
	"github.com/flexprice/usagelimiter/internal/shardrouter"
	"github.com/gin-gonic/gin"
)

// LimiterHandler exposes the verify/report/prewarm/reset surface on top of
// the shard router.
type LimiterHandler struct {
	router *shardrouter.Router
	log    *logger.Logger
}

func NewLimiterHandler(router *shardrouter.Router, log *logger.Logger) *LimiterHandler {
	return &LimiterHandler{router: router, log: log}
}

// Verify godoc
// @Summary Verify whether a customer may consume a feature
// @Description Checks the current cycle usage against the feature's limit
// @Tags Limiter
// @Accept json
// @Produce json
// @Param request body dto.VerifyRequest true "Verify request"
// @Success 200 {object} dto.VerifyResponse
// @Failure 400 {object} ierr.ErrorResponse
// @Failure 500 {object} ierr.ErrorResponse
// @Router /v1/verify [post]
func (h *LimiterHandler) Verify(c *gin.Context) {
	var req dto.VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).WithHint("invalid verify request").Mark(ierr.ErrValidation))
		return
	}
	if err := req.Validate(); err != nil {
		c.Error(err)
		return
	}

	start := time.Now()
	resp, err := h.router.Verify(c.Request.Context(), limiter.VerifyRequest{
		CustomerID:       req.CustomerID,
		ProjectID:        req.ProjectID,
		FeatureSlug:      req.FeatureSlug,
		RequestID:        req.RequestID,
		Timestamp:        req.Timestamp,
		FlushTime:        req.FlushTime,
		Metadata:         toMetadata(req.Metadata),
		PerformanceStart: req.PerformanceStart,
		FromCache:        req.FromCache,
	})
	if err != nil {
		c.Error(ierr.WithError(err).Mark(ierr.ErrSystem))
		return
	}

	c.JSON(http.StatusOK, dto.VerifyResponse{
		Allowed:      resp.Allowed,
		Message:      resp.Message,
		DeniedReason: resp.DeniedReason,
		Limit:        resp.Limit,
		Usage:        resp.Usage,
		Latency:      latencyOrNil(resp.LatencyMS, start),
		CacheHit:     resp.CacheHit,
	})
}

// Report godoc
// @Summary Report usage for a feature
// @Description Records usage against the customer's current cycle
// @Tags Limiter
// @Accept json
// @Produce json
// @Param request body dto.ReportRequest true "Report request"
// @Success 200 {object} dto.ReportResponse
// @Failure 400 {object} ierr.ErrorResponse
// @Failure 500 {object} ierr.ErrorResponse
// @Router /v1/report [post]
func (h *LimiterHandler) Report(c *gin.Context) {
	var req dto.ReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).WithHint("invalid report request").Mark(ierr.ErrValidation))
		return
	}
	if err := req.Validate(); err != nil {
		c.Error(err)
		return
	}

	resp, err := h.router.Report(c.Request.Context(), limiter.ReportRequest{
		CustomerID:     req.CustomerID,
		ProjectID:      req.ProjectID,
		FeatureSlug:    req.FeatureSlug,
		Usage:          req.Usage,
		IdempotenceKey: req.IdempotenceKey,
		Timestamp:      req.Timestamp,
		FlushTime:      req.FlushTime,
		RequestID:      req.RequestID,
		Metadata:       toMetadata(req.Metadata),
	})
	if err != nil {
		c.Error(ierr.WithError(err).Mark(ierr.ErrSystem))
		return
	}

	c.JSON(http.StatusOK, dto.ReportResponse{
		Allowed:      resp.Allowed,
		Message:      resp.Message,
		Limit:        resp.Limit,
		Usage:        resp.Usage,
		DeniedReason: resp.DeniedReason,
		CacheHit:     resp.CacheHit,
	})
}

// Prewarm godoc
// @Summary Prewarm a customer's shard
// @Description Revalidates every known feature slug ahead of expected traffic
// @Tags Limiter
// @Accept json
// @Produce json
// @Param request body dto.PrewarmRequest true "Prewarm request"
// @Success 204
// @Failure 400 {object} ierr.ErrorResponse
// @Failure 500 {object} ierr.ErrorResponse
// @Router /v1/prewarm [post]
func (h *LimiterHandler) Prewarm(c *gin.Context) {
	var req dto.PrewarmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).WithHint("invalid prewarm request").Mark(ierr.ErrValidation))
		return
	}
	if err := req.Validate(); err != nil {
		c.Error(err)
		return
	}

	if err := h.router.Prewarm(c.Request.Context(), req.CustomerID, req.ProjectID, time.UnixMilli(req.Timestamp)); err != nil {
		c.Error(ierr.WithError(err).Mark(ierr.ErrSystem))
		return
	}

	c.Status(http.StatusNoContent)
}

// Reset godoc
// @Summary Reset a customer's shard
// @Description Wipes persisted counters once every record has been flushed
// @Tags Limiter
// @Accept json
// @Produce json
// @Param request body dto.ResetRequest true "Reset request"
// @Success 200 {object} dto.ResetResponse
// @Failure 400 {object} ierr.ErrorResponse
// @Failure 500 {object} ierr.ErrorResponse
// @Router /v1/reset [post]
func (h *LimiterHandler) Reset(c *gin.Context) {
	var req dto.ResetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(ierr.WithError(err).WithHint("invalid reset request").Mark(ierr.ErrValidation))
		return
	}
	if err := req.Validate(); err != nil {
		c.Error(err)
		return
	}

	result, err := h.router.Reset(c.Request.Context(), req.CustomerID, req.ProjectID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, dto.ResetResponse{FeatureSlugs: result.FeatureSlugs})
}

func toMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	return m
}

func latencyOrNil(ms int64, start time.Time) *int64 {
	if ms == 0 {
		ms = time.Since(start).Milliseconds()
	}
	return &ms
}
