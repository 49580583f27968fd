// Package httpserver exposes the web surface: health and the signed-URL
// token proxy that keeps the vendor key off the client.
package httpserver

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// Issuer is the trusted signed-URL source (see internal/eleven).
type Issuer interface {
	SignedURL(ctx context.Context) (string, error)
}

// New creates a configured Echo server with routes registered.
func New(issuer Issuer) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	e.GET("/api/voice/conversation", func(c echo.Context) error {
		signedURL, err := issuer.SignedURL(c.Request().Context())
		if err != nil {
			c.Echo().Logger.Errorf("failed to get signed url: %v", err)
			// Never leak vendor error details (they may echo credentials).
			return c.JSON(http.StatusInternalServerError, map[string]string{
				"error": "failed to initialize conversation",
			})
		}
		return c.JSON(http.StatusOK, map[string]string{"signedUrl": signedURL})
	})
	return e
}
