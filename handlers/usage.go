package handlers

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/example/keyportal/models"
)

// GetUsage proxies the upstream's current aggregate counters.
func (h *Handler) GetUsage(c echo.Context) error {
	agg, err := h.Management.FetchUsage(c.Request().Context())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Upstream unavailable"})
	}
	return c.JSON(http.StatusOK, agg)
}

type usageHistoryResponse struct {
	Daily []models.DailyUsage `json:"daily"`
	Mine  []models.UserUsage  `json:"mine"`
}

// GetUsageHistory serves the synced reporting rows: portal-wide daily
// totals plus the caller's own per-day breakdown.
func (h *Handler) GetUsageHistory(c echo.Context) error {
	email := c.Get("user_email").(string)

	days := 30
	since := time.Now().UTC().AddDate(0, 0, -days).Format("2006-01-02")

	var resp usageHistoryResponse
	if err := h.DB.Where("date >= ?", since).Order("date").Find(&resp.Daily).Error; err != nil {
		logrus.WithError(err).Error("Usage history query failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load usage history"})
	}
	if err := h.DB.Where("user_email = ? AND date >= ?", email, since).Order("date").Find(&resp.Mine).Error; err != nil {
		logrus.WithError(err).Error("Usage history query failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to load usage history"})
	}

	if resp.Daily == nil {
		resp.Daily = []models.DailyUsage{}
	}
	if resp.Mine == nil {
		resp.Mine = []models.UserUsage{}
	}
	return c.JSON(http.StatusOK, resp)
}

type statusResponse struct {
	Upstream      string     `json:"upstream"`
	RestartCount  int64      `json:"restart_count"`
	LastExportAt  *time.Time `json:"last_export_at,omitempty"`
	BaselineAt    *time.Time `json:"baseline_at,omitempty"`
	TotalTokens   int64      `json:"total_tokens"`
	TotalRequests int64      `json:"total_requests"`
	PoolAvailable int        `json:"pool_available"`
	PoolAssigned  int        `json:"pool_assigned"`
	PoolRevoked   int        `json:"pool_revoked"`
}

// GetStatus reports portal health: upstream reachability, continuity
// state, and pool occupancy.
func (h *Handler) GetStatus(c echo.Context) error {
	resp := statusResponse{Upstream: "ok"}

	agg, err := h.Management.FetchUsage(c.Request().Context())
	if err != nil {
		resp.Upstream = "unreachable"
	} else {
		resp.TotalTokens = agg.Totals.TotalTokens
		resp.TotalRequests = agg.Totals.TotalRequests
	}

	resp.RestartCount = h.Detector.RestartCount()
	if t := h.Snapshots.LastExport(); !t.IsZero() {
		resp.LastExportAt = &t
	}
	if _, _, checkedAt := h.Detector.Baseline(); !checkedAt.IsZero() {
		resp.BaselineAt = &checkedAt
	}
	resp.PoolAvailable, resp.PoolAssigned, resp.PoolRevoked = h.Allocator.Counts()

	return c.JSON(http.StatusOK, resp)
}
