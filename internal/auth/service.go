package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"tenantguard.org/internal/obs"
)

const (
	defaultAccessTTL   = 30 * time.Minute
	defaultRefreshTTL  = 7 * 24 * time.Hour
	defaultMailTimeout = 30 * time.Second
)

// Service drives the token lifecycle: login, refresh, logout, request
// authentication and the single-use reset and verification flows.
type Service struct {
	store     Store
	codec     *Codec
	resolver  *Resolver
	blacklist *Blacklist
	mailer    Mailer
	logger    *zap.Logger
	now       func() time.Time

	accessTTL     time.Duration
	refreshTTL    time.Duration
	rotateRefresh bool
	failClosed    *bool

	mailTimeout time.Duration
	deliveries  sync.WaitGroup
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl < 0 {
			return fmt.Errorf("%w: access ttl must be positive", ErrInvalidInput)
		}
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl < 0 {
			return fmt.Errorf("%w: refresh ttl must be positive", ErrInvalidInput)
		}
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) error {
		if l != nil {
			s.logger = l
		}
		return nil
	}
}

// WithMailer sets the delivery channel for reset and verification tokens.
func WithMailer(m Mailer) ServiceOption {
	return func(s *Service) error {
		if m != nil {
			s.mailer = m
		}
		return nil
	}
}

// WithMailTimeout bounds a single background delivery of a reset or
// verification token.
func WithMailTimeout(d time.Duration) ServiceOption {
	return func(s *Service) error {
		if d < 0 {
			return fmt.Errorf("%w: mail timeout must be positive", ErrInvalidInput)
		}
		if d > 0 {
			s.mailTimeout = d
		}
		return nil
	}
}

// WithRefreshRotation revokes the presented refresh token on every successful refresh.
func WithRefreshRotation(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.rotateRefresh = enabled
		return nil
	}
}

// WithBlacklistFailClosed rejects tokens when the revocation store is
// unreachable. Combined with WithBlacklist it must match that blacklist's
// policy.
func WithBlacklistFailClosed(enabled bool) ServiceOption {
	return func(s *Service) error {
		s.failClosed = &enabled
		return nil
	}
}

// WithBlacklist replaces the blacklist built from the store.
func WithBlacklist(b *Blacklist) ServiceOption {
	return func(s *Service) error {
		s.blacklist = b
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, codec *Codec, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store is required", ErrInvalidInput)
	}
	if codec == nil {
		return nil, fmt.Errorf("%w: codec is required", ErrInvalidInput)
	}
	svc := &Service{
		store:      store,
		codec:      codec,
		resolver:   NewResolver(store),
		logger:     zap.NewNop(),
		now:        time.Now,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,

		mailTimeout: defaultMailTimeout,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	if svc.mailer == nil {
		svc.mailer = LogMailer{Logger: svc.logger}
	}
	if svc.blacklist == nil {
		svc.blacklist = NewBlacklist(store,
			WithFailClosed(svc.failClosed != nil && *svc.failClosed),
			WithBlacklistClock(svc.now),
			WithBlacklistLogger(svc.logger),
		)
	} else if svc.failClosed != nil && *svc.failClosed != svc.blacklist.FailClosed() {
		return nil, fmt.Errorf("%w: fail-closed option conflicts with the supplied blacklist", ErrInvalidInput)
	}
	return svc, nil
}

// Blacklist exposes the revocation policy used by the service.
func (s *Service) Blacklist() *Blacklist { return s.blacklist }

// Wait blocks until background token deliveries finish.
func (s *Service) Wait() { s.deliveries.Wait() }

// Login authenticates credentials against a tenant and mints a token pair.
// Every credential failure yields ErrInvalidCredentials.
func (s *Service) Login(ctx context.Context, email, secret, tenantName string) (TokenPair, error) {
	email = normalizeEmail(email)
	tenantName = strings.ToLower(strings.TrimSpace(tenantName))

	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		burnVerification(secret)
		return s.loginFailed("unknown_user")
	case err != nil:
		obs.ObserveAuth("login", "error")
		return TokenPair{}, fmt.Errorf("lookup user: %w", err)
	}
	if !VerifyPassword(secret, user.PasswordHash) {
		return s.loginFailed("bad_secret")
	}
	if !user.Active {
		return s.loginFailed("inactive_user")
	}

	tenant, err := s.store.Tenants(ctx).FindByName(ctx, tenantName)
	switch {
	case errors.Is(err, ErrNotFound):
		return s.loginFailed("unknown_tenant")
	case err != nil:
		obs.ObserveAuth("login", "error")
		return TokenPair{}, fmt.Errorf("lookup tenant: %w", err)
	}
	if !tenant.Active {
		return s.loginFailed("inactive_tenant")
	}
	member, err := s.store.Memberships(ctx).IsActiveMember(ctx, user.ID, tenant.ID)
	if err != nil {
		obs.ObserveAuth("login", "error")
		return TokenPair{}, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return s.loginFailed("no_membership")
	}

	pair, err := s.issuePair(ctx, user, tenant)
	if err != nil {
		obs.ObserveAuth("login", "error")
		return TokenPair{}, err
	}
	obs.ObserveAuth("login", "success")
	s.logger.Info("login succeeded", zap.String("user_id", user.ID), zap.String("tenant_id", tenant.ID))
	return pair, nil
}

func (s *Service) loginFailed(cause string) (TokenPair, error) {
	obs.ObserveAuth("login", "invalid_credentials")
	s.logger.Debug("login rejected", zap.String("cause", cause))
	return TokenPair{}, ErrInvalidCredentials
}

// Refresh exchanges a valid refresh token for a new pair. Permissions are
// resolved again so the new access token reflects current grants.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	claims, err := s.verify(ctx, refreshToken, KindRefresh)
	if err != nil {
		obs.ObserveAuth("refresh", "invalid_token")
		return TokenPair{}, err
	}

	user, err := s.store.Users(ctx).FindByID(ctx, claims.Subject)
	if err != nil || !user.Active {
		return s.refreshFailed(err, "user unavailable")
	}
	tenant, err := s.store.Tenants(ctx).FindByID(ctx, claims.TenantID)
	if err != nil || !tenant.Active {
		return s.refreshFailed(err, "tenant unavailable")
	}
	member, err := s.store.Memberships(ctx).IsActiveMember(ctx, user.ID, tenant.ID)
	if err != nil || !member {
		return s.refreshFailed(err, "membership inactive")
	}

	if s.rotateRefresh {
		if err := s.blacklist.Consume(ctx, refreshToken, claims); err != nil {
			if errors.Is(err, ErrInvalidToken) {
				return s.refreshFailed(nil, "refresh token already rotated")
			}
			obs.ObserveAuth("refresh", "error")
			return TokenPair{}, fmt.Errorf("rotate refresh token: %w", err)
		}
	}
	pair, err := s.issuePair(ctx, user, tenant)
	if err != nil {
		obs.ObserveAuth("refresh", "error")
		return TokenPair{}, err
	}
	obs.ObserveAuth("refresh", "success")
	return pair, nil
}

func (s *Service) refreshFailed(err error, cause string) (TokenPair, error) {
	if err != nil && !errors.Is(err, ErrNotFound) {
		obs.ObserveAuth("refresh", "error")
		return TokenPair{}, fmt.Errorf("refresh: %w", err)
	}
	obs.ObserveAuth("refresh", "invalid_token")
	s.logger.Debug("refresh rejected", zap.String("cause", cause))
	return TokenPair{}, ErrInvalidToken
}

// Logout revokes the refresh token and, best effort, the access token issued
// alongside it.
func (s *Service) Logout(ctx context.Context, refreshToken, accessToken string) error {
	claims, err := s.verify(ctx, refreshToken, KindRefresh)
	if err != nil {
		obs.ObserveAuth("logout", "invalid_token")
		return err
	}
	if err := s.blacklist.Consume(ctx, refreshToken, claims); err != nil {
		if errors.Is(err, ErrInvalidToken) {
			obs.ObserveAuth("logout", "invalid_token")
		} else {
			obs.ObserveAuth("logout", "error")
		}
		return err
	}
	if accessToken = strings.TrimSpace(accessToken); accessToken != "" {
		access, err := s.codec.Decode(accessToken, KindAccess)
		switch {
		case err != nil:
			s.logger.Debug("logout: access token ignored", zap.Error(err))
		case access.Subject != claims.Subject:
			s.logger.Warn("logout: access token belongs to another user", zap.String("user_id", claims.Subject))
		default:
			if err := s.blacklist.Revoke(ctx, accessToken, access); err != nil {
				s.logger.Warn("logout: revoke access token", zap.String("user_id", claims.Subject), zap.Error(err))
			}
		}
	}
	obs.ObserveAuth("logout", "success")
	return nil
}

// Authenticate verifies an access token and returns the principal it carries.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (Principal, error) {
	claims, err := s.verify(ctx, accessToken, KindAccess)
	if err != nil {
		return Principal{}, err
	}
	return NewPrincipal(claims), nil
}

// RequestPasswordReset mails a reset token to an active account. The caller
// never learns whether the address exists.
func (s *Service) RequestPasswordReset(ctx context.Context, email string) {
	s.requestToken(ctx, email, KindPasswordReset, "password_reset_request")
}

// ConfirmPasswordReset consumes the reset token and sets the new password in
// one transaction. A token that another call already consumed fails with
// ErrInvalidToken and leaves the password untouched.
func (s *Service) ConfirmPasswordReset(ctx context.Context, token, newSecret string) error {
	claims, err := s.verify(ctx, token, KindPasswordReset)
	if err != nil {
		obs.ObserveAuth("password_reset_confirm", "invalid_token")
		return err
	}
	user, err := s.userForToken(ctx, claims)
	if err != nil {
		obs.ObserveAuth("password_reset_confirm", "invalid_token")
		return err
	}
	if err := ValidatePasswordStrength(newSecret); err != nil {
		obs.ObserveAuth("password_reset_confirm", "weak_password")
		return err
	}
	hash, err := HashPassword(newSecret)
	if err != nil {
		return err
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.blacklist.Consume(ctx, token, claims); err != nil {
			return err
		}
		if err := s.store.Users(ctx).UpdatePassword(ctx, user.ID, hash); err != nil {
			return fmt.Errorf("update password: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrInvalidToken) {
		obs.ObserveAuth("password_reset_confirm", "invalid_token")
		return ErrInvalidToken
	}
	if err != nil {
		obs.ObserveAuth("password_reset_confirm", "error")
		return err
	}
	obs.ObserveAuth("password_reset_confirm", "success")
	s.logger.Info("password reset", zap.String("user_id", user.ID))
	return nil
}

// RequestEmailVerification mails a verification token to an unverified account.
func (s *Service) RequestEmailVerification(ctx context.Context, email string) {
	s.requestToken(ctx, email, KindEmailVerification, "email_verification_request")
}

// ConfirmEmailVerification marks the account verified and consumes the token.
// Confirming an already verified account succeeds without side effects.
func (s *Service) ConfirmEmailVerification(ctx context.Context, token string) error {
	claims, err := s.verify(ctx, token, KindEmailVerification)
	if err != nil {
		obs.ObserveAuth("email_verification_confirm", "invalid_token")
		return err
	}
	user, err := s.userForToken(ctx, claims)
	if err != nil {
		obs.ObserveAuth("email_verification_confirm", "invalid_token")
		return err
	}
	if user.Verified {
		obs.ObserveAuth("email_verification_confirm", "noop")
		return nil
	}
	err = s.store.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.blacklist.Consume(ctx, token, claims); err != nil {
			return err
		}
		if err := s.store.Users(ctx).MarkVerified(ctx, user.ID); err != nil {
			return fmt.Errorf("mark verified: %w", err)
		}
		return nil
	})
	if errors.Is(err, ErrInvalidToken) {
		obs.ObserveAuth("email_verification_confirm", "invalid_token")
		return ErrInvalidToken
	}
	if err != nil {
		obs.ObserveAuth("email_verification_confirm", "error")
		return err
	}
	obs.ObserveAuth("email_verification_confirm", "success")
	return nil
}

// ChangePassword replaces the password of an authenticated user after
// checking the current one.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.Users(ctx).FindByID(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		burnVerification(current)
		return ErrInvalidCredentials
	case err != nil:
		return fmt.Errorf("lookup user: %w", err)
	}
	if !user.Active || !VerifyPassword(current, user.PasswordHash) {
		obs.ObserveAuth("password_change", "invalid_credentials")
		return ErrInvalidCredentials
	}
	if err := ValidatePasswordStrength(next); err != nil {
		obs.ObserveAuth("password_change", "weak_password")
		return err
	}
	hash, err := HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.store.Users(ctx).UpdatePassword(ctx, user.ID, hash); err != nil {
		obs.ObserveAuth("password_change", "error")
		return fmt.Errorf("update password: %w", err)
	}
	obs.ObserveAuth("password_change", "success")
	return nil
}

// verify decodes token as kind and rejects blacklisted tokens. Decode failures
// are logged with their reason and collapsed to ErrInvalidToken.
func (s *Service) verify(ctx context.Context, token string, kind TokenKind) (*Claims, error) {
	claims, err := s.codec.Decode(token, kind)
	if err != nil {
		var te *TokenError
		if errors.As(err, &te) {
			s.logger.Debug("token rejected", zap.String("kind", string(kind)), zap.String("reason", string(te.Reason)))
		}
		return nil, ErrInvalidToken
	}
	if s.blacklist.IsRevoked(ctx, token) {
		s.logger.Debug("token rejected", zap.String("kind", string(kind)), zap.String("reason", "revoked"))
		return nil, ErrInvalidToken
	}
	return claims, nil
}

func (s *Service) userForToken(ctx context.Context, claims *Claims) (*User, error) {
	user, err := s.store.Users(ctx).FindByEmail(ctx, normalizeEmail(claims.Email))
	switch {
	case errors.Is(err, ErrNotFound):
		return nil, ErrInvalidToken
	case err != nil:
		return nil, fmt.Errorf("lookup user: %w", err)
	}
	if !user.Active || user.ID != claims.Subject {
		return nil, ErrInvalidToken
	}
	return user, nil
}

func (s *Service) requestToken(ctx context.Context, email string, kind TokenKind, operation string) {
	email = normalizeEmail(email)
	user, err := s.store.Users(ctx).FindByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			s.logger.Error("token request: lookup user", zap.String("kind", string(kind)), zap.Error(err))
		}
		obs.ObserveAuth(operation, "skipped")
		return
	}
	if !user.Active || (kind == KindEmailVerification && user.Verified) {
		obs.ObserveAuth(operation, "skipped")
		return
	}
	ttl, _ := KindTTL(kind)
	token, _, err := s.codec.Encode(Claims{
		Email:            user.Email,
		Name:             user.Name,
		RegisteredClaims: subject(user.ID),
	}, kind, ttl)
	if err != nil {
		s.logger.Error("token request: mint", zap.String("kind", string(kind)), zap.Error(err))
		obs.ObserveAuth(operation, "error")
		return
	}
	msg := Message{Kind: kind, To: user.Email, Name: user.Name, Token: token}
	// delivery outlives the request; only the timeout bounds it
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.mailTimeout)
	s.deliveries.Add(1)
	go func() {
		defer s.deliveries.Done()
		defer cancel()
		if err := s.mailer.Send(sendCtx, msg); err != nil {
			s.logger.Warn("token delivery failed", zap.String("kind", string(kind)), zap.String("user_id", user.ID), zap.Error(err))
			obs.ObserveAuth(operation, "delivery_failed")
			return
		}
		obs.ObserveAuth(operation, "sent")
	}()
}

func (s *Service) issuePair(ctx context.Context, user *User, tenant *Tenant) (TokenPair, error) {
	perms, err := s.resolver.Resolve(ctx, user.ID, tenant.ID)
	if err != nil {
		return TokenPair{}, fmt.Errorf("resolve permissions: %w", err)
	}
	base := Claims{
		TenantID:         tenant.ID,
		TenantName:       tenant.Name,
		Email:            user.Email,
		Name:             user.Name,
		Permissions:      perms,
		RegisteredClaims: subject(user.ID),
	}
	accessToken, accessExp, err := s.codec.Encode(base, KindAccess, s.accessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("mint access token: %w", err)
	}
	refreshToken, refreshExp, err := s.codec.Encode(base, KindRefresh, s.refreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("mint refresh token: %w", err)
	}
	return TokenPair{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		AccessExpiresAt:  accessExp,
		RefreshExpiresAt: refreshExp,
	}, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
