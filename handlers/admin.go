package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/example/keyportal/keypool"
	"github.com/example/keyportal/snapshot"
)

type GeneratePoolRequest struct {
	Count int `json:"count"`
}

// GeneratePool mints fresh pool capacity.
func (h *Handler) GeneratePool(c echo.Context) error {
	var req GeneratePoolRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	minted, err := h.Allocator.Generate(req.Count)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]any{"generated": len(minted), "keys": minted})
}

// ResetKey is the operator override returning a revoked key to the
// available pool.
func (h *Handler) ResetKey(c echo.Context) error {
	keyID := c.Param("key_id")
	err := h.Allocator.Reset(keyID)
	if errors.Is(err, keypool.ErrKeyNotFound) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Key not found"})
	}
	if err != nil {
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "available"})
}

// ListUsers returns every user record with key counts.
func (h *Handler) ListUsers(c echo.Context) error {
	users := h.Allocator.Users()
	if users == nil {
		users = []keypool.UserKeyRecord{}
	}
	return c.JSON(http.StatusOK, users)
}

// ExportSnapshot triggers an on-demand snapshot export.
func (h *Handler) ExportSnapshot(c echo.Context) error {
	if err := h.Snapshots.Export(c.Request().Context()); err != nil {
		logrus.WithError(err).Error("On-demand export failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Export failed"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "exported"})
}

// ImportSnapshot triggers an on-demand snapshot import.
func (h *Handler) ImportSnapshot(c echo.Context) error {
	summary, err := h.Snapshots.Import(c.Request().Context())
	if errors.Is(err, snapshot.ErrNoSnapshot) {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "No snapshot to import"})
	}
	if errors.Is(err, snapshot.ErrCorruptSnapshot) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Snapshot is corrupt, refusing to replay"})
	}
	if err != nil {
		logrus.WithError(err).Error("On-demand import failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Import failed"})
	}
	return c.JSON(http.StatusOK, summary)
}

// SyncUsage triggers an on-demand usage sync into the reporting DB.
func (h *Handler) SyncUsage(c echo.Context) error {
	stats, err := h.Syncer.Sync(c.Request().Context())
	if err != nil {
		logrus.WithError(err).Error("On-demand usage sync failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Usage sync failed"})
	}
	return c.JSON(http.StatusOK, stats)
}
