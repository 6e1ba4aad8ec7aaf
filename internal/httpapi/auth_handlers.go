package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"tenantguard.org/internal/audit"
	"tenantguard.org/internal/auth"
)

type loginRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	CompanyName string `json:"company_name"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type logoutRequest struct {
	RefreshToken string `json:"refresh_token"`
	AccessToken  string `json:"access_token,omitempty"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type tokenConfirmRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password,omitempty"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

type tokenResponse struct {
	AccessToken      string    `json:"access_token"`
	TokenType        string    `json:"token_type"`
	ExpiresIn        int64     `json:"expires_in"`
	RefreshToken     string    `json:"refresh_token"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

type principalResponse struct {
	UserID      string    `json:"user_id"`
	Email       string    `json:"email"`
	Name        string    `json:"name"`
	CompanyID   string    `json:"company_id"`
	CompanyName string    `json:"company_name"`
	Permissions []string  `json:"permissions"`
	ExpiresAt   time.Time `json:"expires_at"`
}

var accepted = echo.Map{"status": "accepted", "message": "if the account exists, a message has been sent"}

func newTokenResponse(pair auth.TokenPair) tokenResponse {
	return tokenResponse{
		AccessToken:      pair.AccessToken,
		TokenType:        "bearer",
		ExpiresIn:        int64(time.Until(pair.AccessExpiresAt).Seconds()),
		RefreshToken:     pair.RefreshToken,
		RefreshExpiresAt: pair.RefreshExpiresAt.UTC(),
	}
}

func (a *API) handleLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return errBadRequest
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" || strings.TrimSpace(req.CompanyName) == "" {
		return errBadRequest
	}
	ctx := c.Request().Context()
	pair, err := a.svc.Login(ctx, req.Email, req.Password, req.CompanyName)
	if err != nil {
		return respondError(c, err)
	}
	_ = audit.LogEvent(ctx, "auth.login", map[string]any{
		"company": strings.ToLower(strings.TrimSpace(req.CompanyName)),
		"token":   shortFingerprint(pair.AccessToken),
	})
	return c.JSON(http.StatusOK, newTokenResponse(pair))
}

func (a *API) handleRefresh(c echo.Context) error {
	var req refreshRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return errBadRequest
	}
	pair, err := a.svc.Refresh(c.Request().Context(), strings.TrimSpace(req.RefreshToken))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, newTokenResponse(pair))
}

// handleLogout revokes the refresh token from the body. The access token is
// taken from the body or, failing that, the Authorization header.
func (a *API) handleLogout(c echo.Context) error {
	var req logoutRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.RefreshToken) == "" {
		return errBadRequest
	}
	access := strings.TrimSpace(req.AccessToken)
	if access == "" {
		access, _ = extractBearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	}
	ctx := c.Request().Context()
	if err := a.svc.Logout(ctx, strings.TrimSpace(req.RefreshToken), access); err != nil {
		return respondError(c, err)
	}
	_ = audit.LogEvent(ctx, "auth.logout", map[string]any{"token": shortFingerprint(req.RefreshToken)})
	return c.JSON(http.StatusOK, echo.Map{"status": "logged_out"})
}

func (a *API) handleMe(c echo.Context) error {
	p, ok := auth.PrincipalFromContext(c.Request().Context())
	if !ok {
		return errUnauthorized
	}
	return c.JSON(http.StatusOK, principalResponse{
		UserID:      p.UserID,
		Email:       p.Email,
		Name:        p.Name,
		CompanyID:   p.TenantID,
		CompanyName: p.TenantName,
		Permissions: p.PermissionList(),
		ExpiresAt:   p.ExpiresAt.UTC(),
	})
}

func (a *API) handlePasswordResetRequest(c echo.Context) error {
	var req emailRequest
	if err := c.Bind(&req); err != nil {
		return errBadRequest
	}
	a.svc.RequestPasswordReset(c.Request().Context(), req.Email)
	return c.JSON(http.StatusAccepted, accepted)
}

func (a *API) handlePasswordResetConfirm(c echo.Context) error {
	var req tokenConfirmRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		return errBadRequest
	}
	ctx := c.Request().Context()
	if err := a.svc.ConfirmPasswordReset(ctx, strings.TrimSpace(req.Token), req.NewPassword); err != nil {
		return respondError(c, err)
	}
	_ = audit.LogEvent(ctx, "auth.password_reset", map[string]any{"token": shortFingerprint(req.Token)})
	return c.JSON(http.StatusOK, echo.Map{"status": "password_updated"})
}

func (a *API) handleEmailVerificationRequest(c echo.Context) error {
	var req emailRequest
	if err := c.Bind(&req); err != nil {
		return errBadRequest
	}
	a.svc.RequestEmailVerification(c.Request().Context(), req.Email)
	return c.JSON(http.StatusAccepted, accepted)
}

func (a *API) handleEmailVerificationConfirm(c echo.Context) error {
	var req tokenConfirmRequest
	if err := c.Bind(&req); err != nil || strings.TrimSpace(req.Token) == "" {
		return errBadRequest
	}
	if err := a.svc.ConfirmEmailVerification(c.Request().Context(), strings.TrimSpace(req.Token)); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"status": "verified"})
}

func (a *API) handleChangePassword(c echo.Context) error {
	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return errBadRequest
	}
	ctx := c.Request().Context()
	userID, ok := auth.UserIDFromContext(ctx)
	if !ok {
		return errUnauthorized
	}
	if err := a.svc.ChangePassword(ctx, userID, req.CurrentPassword, req.NewPassword); err != nil {
		return respondError(c, err)
	}
	_ = audit.LogEvent(ctx, "auth.password_changed", nil)
	return c.JSON(http.StatusOK, echo.Map{"status": "password_updated"})
}

func shortFingerprint(token string) string {
	return auth.Fingerprint(token)[:16]
}
