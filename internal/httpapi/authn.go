package httpapi

import (
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"tenantguard.org/internal/auth"
	"tenantguard.org/internal/obs"
)

const bearer = "bearer "

// withAuth verifies the bearer access token and stores the principal in the
// request context.
func (a *API) withAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		token, ok := extractBearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if !ok {
			return errUnauthorized
		}
		ctx := c.Request().Context()
		principal, err := a.svc.Authenticate(ctx, token)
		if err != nil {
			return respondError(c, err)
		}
		ctx = auth.ContextWithPrincipal(ctx, principal)
		ctx = obs.WithLogger(ctx, obs.FromContext(ctx).With(
			zap.String("user_id", principal.UserID),
			zap.String("tenant_id", principal.TenantID),
		))
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// requirePermission rejects principals lacking perm with 403.
func (a *API) requirePermission(perm string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			principal, ok := auth.PrincipalFromContext(c.Request().Context())
			if !ok {
				return errUnauthorized
			}
			if !principal.HasPermission(perm) {
				obs.FromContext(c.Request().Context()).Info("permission denied", zap.String("permission", perm))
				return errForbidden
			}
			return next(c)
		}
	}
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) <= len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", false
	}
	token := strings.TrimSpace(header[len(bearer):])
	return token, token != ""
}
