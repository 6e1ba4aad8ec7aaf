package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"tenantguard.org/internal/audit"
)

const defaultRetentionDays = 30

type statsResponse struct {
	Total       int64            `json:"total"`
	Expired     int64            `json:"expired"`
	Active      int64            `json:"active"`
	ByType      map[string]int64 `json:"by_type"`
	GeneratedAt time.Time        `json:"generated_at"`
}

type cleanupResponse struct {
	Deleted int64  `json:"deleted"`
	Policy  string `json:"policy"`
	Days    int    `json:"days,omitempty"`
}

func (a *API) handleBlacklistStats(c echo.Context) error {
	stats, err := a.svc.Blacklist().Stats(c.Request().Context())
	if err != nil {
		return respondError(c, err)
	}
	byType := make(map[string]int64, len(stats.ByKind))
	for kind, n := range stats.ByKind {
		byType[string(kind)] = n
	}
	return c.JSON(http.StatusOK, statsResponse{
		Total:       stats.Total,
		Expired:     stats.Expired,
		Active:      stats.Active,
		ByType:      byType,
		GeneratedAt: stats.GeneratedAt.UTC(),
	})
}

func (a *API) handleCleanupExpired(c echo.Context) error {
	ctx := c.Request().Context()
	n, err := a.svc.Blacklist().SweepExpired(ctx)
	if err != nil {
		return respondError(c, err)
	}
	_ = audit.LogEvent(ctx, "blacklist.cleanup", map[string]any{"policy": "expired", "deleted": n})
	return c.JSON(http.StatusOK, cleanupResponse{Deleted: n, Policy: "expired"})
}

func (a *API) handleCleanupOld(c echo.Context) error {
	days := defaultRetentionDays
	if raw := c.QueryParam("days"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			return errBadRequest
		}
		days = v
	}
	ctx := c.Request().Context()
	n, err := a.svc.Blacklist().SweepOlderThan(ctx, time.Duration(days)*24*time.Hour)
	if err != nil {
		return respondError(c, err)
	}
	_ = audit.LogEvent(ctx, "blacklist.cleanup", map[string]any{"policy": "age", "days": days, "deleted": n})
	return c.JSON(http.StatusOK, cleanupResponse{Deleted: n, Policy: "age", Days: days})
}
