package httpapi

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tenantguard.org/internal/auth"
	"tenantguard.org/internal/obs"
)

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

var (
	errBadRequest   = echo.NewHTTPError(http.StatusBadRequest, "invalid request")
	errForbidden    = echo.NewHTTPError(http.StatusForbidden, "forbidden")
	errRateLimited  = echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
	errUnauthorized = echo.NewHTTPError(http.StatusUnauthorized, "authentication required")
)

// respondError renders a service error. Storage and internal failures are
// logged and collapsed to a generic 500.
func respondError(c echo.Context, err error) error {
	var weak *auth.WeakPasswordError
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials):
		return unauthorized(c, "invalid credentials")
	case errors.Is(err, auth.ErrInvalidToken):
		return unauthorized(c, "invalid or expired token")
	case errors.As(err, &weak):
		return c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: "weak password", Reason: weak.Reason})
	case errors.Is(err, auth.ErrInvalidInput):
		return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid request"})
	case errors.Is(err, auth.ErrUnauthorized):
		return c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden"})
	}
	obs.FromContext(c.Request().Context()).Error("request failed",
		zap.String("path", c.Path()),
		zap.Error(err),
	)
	return c.JSON(http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func unauthorized(c echo.Context, msg string) error {
	c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
	return c.JSON(http.StatusUnauthorized, errorResponse{Error: msg})
}

// handleHTTPError renders errors returned by handlers and middleware in the
// same JSON shape as respondError.
func (a *API) handleHTTPError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if !errors.As(err, &he) {
		_ = respondError(c, err)
		return
	}
	msg := http.StatusText(he.Code)
	if s, ok := he.Message.(string); ok {
		msg = s
	}
	if he.Code == http.StatusUnauthorized {
		c.Response().Header().Set(echo.HeaderWWWAuthenticate, "Bearer")
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(he.Code)
		return
	}
	_ = c.JSON(he.Code, errorResponse{Error: msg})
}
