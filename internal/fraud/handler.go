package fraud

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/opositia/examprep/pkg/common"
	"github.com/opositia/examprep/pkg/logger"
	"go.uber.org/zap"
)

// Handler handles HTTP requests for the fraud engine
type Handler struct {
	service *Service
	cache   *ReportCache
}

// NewHandler creates a new fraud handler
func NewHandler(service *Service, cache *ReportCache) *Handler {
	return &Handler{service: service, cache: cache}
}

// loadReport serves the cached report when present, otherwise runs a
// fresh detection and caches it. Staleness between runs is acceptable.
func (h *Handler) loadReport(c *gin.Context) *DetectionReport {
	if h.cache != nil {
		if report, err := h.cache.Get(c.Request.Context()); err == nil {
			return report
		} else if !errors.Is(err, ErrReportNotCached) {
			logger.Warn("report cache read failed", zap.Error(err))
		}
	}

	report := h.service.RunDetection(c.Request.Context())
	if h.cache != nil {
		if err := h.cache.Set(c.Request.Context(), report); err != nil {
			logger.Warn("report cache write failed", zap.Error(err))
		}
	}
	return report
}

// GetReport returns the full detection report
// GET /api/v1/admin/fraud/report
func (h *Handler) GetReport(c *gin.Context) {
	common.SuccessResponse(c, h.loadReport(c))
}

// RunDetection forces a fresh detection run
// POST /api/v1/admin/fraud/run
func (h *Handler) RunDetection(c *gin.Context) {
	report := h.service.RunDetection(c.Request.Context())
	if h.cache != nil {
		if err := h.cache.Set(c.Request.Context(), report); err != nil {
			logger.Warn("report cache write failed", zap.Error(err))
		}
	}
	common.SuccessResponse(c, report)
}

// GetSummary returns aggregate counts for dashboard widgets
// GET /api/v1/admin/fraud/summary
func (h *Handler) GetSummary(c *gin.Context) {
	common.SuccessResponse(c, Summarize(h.loadReport(c)))
}

// GetConfirmedFraud returns authoritative device-sharing findings
// GET /api/v1/admin/fraud/confirmed
func (h *Handler) GetConfirmedFraud(c *gin.Context) {
	groups, err := h.service.ResolveConfirmedFraud(c.Request.Context())
	if err != nil {
		if groups == nil {
			common.ErrorResponse(c, http.StatusInternalServerError, "failed to resolve confirmed fraud")
			return
		}
		// Resolution succeeded but some rows could not be marked
		logger.Warn("confirmed fraud marking incomplete", zap.Error(err))
	}
	common.SuccessResponse(c, groups)
}

// GetPremiumAbuse returns paid accounts used from too many places
// GET /api/v1/admin/fraud/premium-abuse
func (h *Handler) GetPremiumAbuse(c *gin.Context) {
	records, err := h.service.DetectPremiumAbuse(c.Request.Context())
	if err != nil {
		common.ErrorResponse(c, http.StatusInternalServerError, "failed to detect premium abuse")
		return
	}
	common.SuccessResponse(c, records)
}
