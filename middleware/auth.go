package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Identity resolves the portal user from the X-Forwarded-Email header
// set by the fronting auth proxy. The portal does not authenticate
// users itself.
func Identity(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		email := c.Request().Header.Get("X-Forwarded-Email")
		if email == "" {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized: Missing X-Forwarded-Email header"})
		}
		c.Set("user_email", strings.ToLower(email))
		c.Set("user_name", c.Request().Header.Get("X-Forwarded-User"))
		return next(c)
	}
}

// AdminToken guards operator routes with a shared token header. With no
// token configured, admin routes are disabled outright.
func AdminToken(token string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if token == "" {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Admin routes are disabled"})
			}
			got := c.Request().Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "Invalid admin token"})
			}
			return next(c)
		}
	}
}
