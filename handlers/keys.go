package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/sirupsen/logrus"

	"github.com/example/keyportal/keypool"
)

type AssignKeyRequest struct {
	Name  string `json:"name"`
	Label string `json:"label"`
}

// AssignKey hands a pool key to the authenticated user.
func (h *Handler) AssignKey(c echo.Context) error {
	email := c.Get("user_email").(string)

	var req AssignKeyRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	key, err := h.Allocator.Assign(email, req.Name, req.Label)
	if errors.Is(err, keypool.ErrPoolExhausted) {
		return c.JSON(http.StatusConflict, map[string]string{"error": "Key pool is exhausted, contact an operator"})
	}
	if err != nil {
		logrus.WithError(err).Error("Key assignment failed")
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Failed to assign key"})
	}

	return c.JSON(http.StatusOK, key)
}

// GetMyKeys lists the caller's keys, secrets included: the portal is
// the only place users can recover a pasted-over token.
func (h *Handler) GetMyKeys(c echo.Context) error {
	email := c.Get("user_email").(string)
	keys := h.Allocator.UserKeys(email)
	if keys == nil {
		keys = []keypool.PoolKey{}
	}
	return c.JSON(http.StatusOK, keys)
}

// RevokeKey revokes one of the caller's keys. Repeating the call after
// success returns success again.
func (h *Handler) RevokeKey(c echo.Context) error {
	email := c.Get("user_email").(string)
	keyID := c.Param("key_id")

	var found *keypool.PoolKey
	for _, k := range h.Allocator.Keys() {
		if k.ID == keyID {
			found = &k
			break
		}
	}
	if found == nil {
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Key not found"})
	}
	if found.Status == keypool.StatusRevoked {
		return c.JSON(http.StatusOK, map[string]string{"status": "revoked"})
	}
	if found.AssignedTo != email {
		// Do not leak other users' key ids.
		return c.JSON(http.StatusNotFound, map[string]string{"error": "Key not found"})
	}

	if err := h.Allocator.Revoke(c.Request().Context(), keyID); err != nil {
		logrus.WithError(err).WithField("key", keyID).Error("Revoke failed")
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Failed to revoke key"})
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "revoked"})
}
