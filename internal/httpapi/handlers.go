package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"tenantguard.org/internal/auth"
	"tenantguard.org/internal/obs"
)

const serviceName = "tenantguard-api"

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe interface {
	Ping(ctx context.Context) error
}

// Options tunes the HTTP layer.
type Options struct {
	Version string
	Logger  *zap.Logger
	// RateLimit is the sustained per-IP rate on credential endpoints, per
	// second. Zero disables limiting.
	RateLimit float64
	RateBurst int
	// TrustProxy keys clients by X-Forwarded-For instead of the peer address.
	TrustProxy bool
}

// API is the HTTP layer over the session service.
type API struct {
	echo    *echo.Echo
	svc     *auth.Service
	probe   ReadyProbe
	logger  *zap.Logger
	version string
	limiter *ipLimiter
}

// New wires routes and middleware.
func New(svc *auth.Service, probe ReadyProbe, opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &API{
		echo:    echo.New(),
		svc:     svc,
		probe:   probe,
		logger:  logger,
		version: opts.Version,
	}
	if opts.RateLimit > 0 {
		a.limiter = newIPLimiter(opts.RateLimit, opts.RateBurst)
	}

	e := a.echo
	e.HideBanner = true
	e.HidePort = true
	e.IPExtractor = echo.ExtractIPDirect()
	if opts.TrustProxy {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	}
	e.HTTPErrorHandler = a.handleHTTPError

	e.Use(echomw.Recover())
	e.Use(requestID)
	e.Use(accessLog(logger))
	e.Use(obs.Instrument())
	e.Use(securityHeaders)
	e.Use(echomw.BodyLimit("64K"))

	e.GET("/healthz", a.Healthz)
	e.GET("/readyz", a.Ready)
	e.GET("/metrics", echo.WrapHandler(obs.Handler()))

	v1 := e.Group("/v1")

	creds := v1.Group("/auth")
	creds.POST("/login", a.handleLogin, a.rateLimit)
	creds.POST("/refresh", a.handleRefresh, a.rateLimit)
	creds.POST("/logout", a.handleLogout)
	creds.POST("/password-reset", a.handlePasswordResetRequest, a.rateLimit)
	creds.POST("/password-reset/confirm", a.handlePasswordResetConfirm, a.rateLimit)
	creds.POST("/email-verification", a.handleEmailVerificationRequest, a.rateLimit)
	creds.POST("/email-verification/confirm", a.handleEmailVerificationConfirm)
	creds.GET("/me", a.handleMe, a.withAuth)
	creds.POST("/password", a.handleChangePassword, a.withAuth, a.rateLimit)

	admin := v1.Group("/admin", a.withAuth, a.requirePermission(auth.PermSystemAdmin))
	admin.GET("/blacklist/stats", a.handleBlacklistStats)
	admin.POST("/blacklist/cleanup/expired", a.handleCleanupExpired)
	admin.POST("/blacklist/cleanup/old", a.handleCleanupOld)

	return a
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.echo
}

// Close stops background work owned by the API.
func (a *API) Close() {
	if a.limiter != nil {
		a.limiter.Stop()
	}
}

func (a *API) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(c echo.Context) error {
	if a.probe != nil {
		ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
		defer cancel()
		if err := a.probe.Ping(ctx); err != nil {
			a.logger.Warn("readiness check failed", zap.Error(err))
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"status": "not_ready"})
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "ready"})
}
