package httpapi

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"tenantguard.org/internal/auth"
	"tenantguard.org/internal/migrate"
	sqlitestore "tenantguard.org/internal/store/sqlite"
)

const testPassword = "Secret123"

type outbox struct {
	mu   sync.Mutex
	msgs []auth.Message
	// wait drains the service's background deliveries.
	wait func()
}

func (o *outbox) Send(_ context.Context, msg auth.Message) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, msg)
	return nil
}

func (o *outbox) last(t *testing.T) auth.Message {
	t.Helper()
	if o.wait != nil {
		o.wait()
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.msgs) == 0 {
		t.Fatal("no message delivered")
	}
	return o.msgs[len(o.msgs)-1]
}

type testAPI struct {
	api    *API
	store  *sqlitestore.Store
	outbox *outbox
}

func newTestAPI(t *testing.T, opts Options) *testAPI {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "api.db")

	raw, err := sql.Open("sqlite3", "file:"+path+"?_foreign_keys=on")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	mgr := migrate.NewManager(raw, migrate.SQLite)
	if err := mgr.Up(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := mgr.Seed(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	hash, err := auth.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	for _, stmt := range []struct {
		query string
		args  []any
	}{
		{`INSERT INTO companies (id, name) VALUES ('t-acme', 'acme')`, nil},
		{`INSERT INTO users (id, email, name, password_hash) VALUES ('u-alice', 'alice@acme.com', 'Alice', ?), ('u-root', 'root@acme.com', 'Root', ?)`, []any{hash, hash}},
		{`INSERT INTO user_companies (user_id, company_id) VALUES ('u-alice', 't-acme'), ('u-root', 't-acme')`, nil},
		{`INSERT INTO roles (id, name, company_id) VALUES ('r-viewer', 'Viewer', 't-acme'), ('r-admin', 'Admin', 't-acme')`, nil},
		{`INSERT INTO role_permissions (role_id, permission_id) SELECT 'r-viewer', id FROM permissions WHERE name = 'user:read'`, nil},
		{`INSERT INTO role_permissions (role_id, permission_id) SELECT 'r-admin', id FROM permissions WHERE name = 'system:admin'`, nil},
		{`INSERT INTO user_roles (user_id, role_id) VALUES ('u-alice', 'r-viewer'), ('u-root', 'r-admin')`, nil},
	} {
		if _, err := raw.Exec(stmt.query, stmt.args...); err != nil {
			t.Fatalf("seed %q: %v", stmt.query, err)
		}
	}
	_ = raw.Close()

	store, err := sqlitestore.Open(path)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	codec, err := auth.NewCodec("httpapi-test-secret-value")
	if err != nil {
		t.Fatalf("codec: %v", err)
	}
	box := &outbox{}
	svc, err := auth.NewService(store, codec, auth.WithMailer(box))
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	box.wait = svc.Wait
	if opts.Version == "" {
		opts.Version = "test"
	}
	api := New(svc, store, opts)
	t.Cleanup(api.Close)
	return &testAPI{api: api, store: store, outbox: box}
}

func (ta *testAPI) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	switch b := body.(type) {
	case nil:
	case string:
		payload = []byte(b)
	default:
		var err error
		if payload, err = json.Marshal(b); err != nil {
			t.Fatalf("marshal: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	ta.api.Handler().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func (ta *testAPI) login(t *testing.T, email string) tokenResponse {
	t.Helper()
	rr := ta.do(t, http.MethodPost, "/v1/auth/login", loginRequest{Email: email, Password: testPassword, CompanyName: "acme"}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("login %s: %d %s", email, rr.Code, rr.Body.String())
	}
	return decode[tokenResponse](t, rr)
}

type failingProbe struct{}

func (failingProbe) Ping(context.Context) error { return errors.New("db down") }

func TestHealthAndReady(t *testing.T) {
	ta := newTestAPI(t, Options{Version: "1.2.3"})

	rr := ta.do(t, http.MethodGet, "/healthz", nil, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz: %d", rr.Code)
	}
	if body := decode[map[string]any](t, rr); body["version"] != "1.2.3" {
		t.Fatalf("unexpected healthz body %v", body)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected X-Request-ID header")
	}
	if rr = ta.do(t, http.MethodGet, "/readyz", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("readyz: %d", rr.Code)
	}

	down := New(nil, failingProbe{}, Options{})
	rr = httptest.NewRecorder()
	down.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 from failing probe, got %d", rr.Code)
	}
	if bytes.Contains(rr.Body.Bytes(), []byte("db down")) {
		t.Fatalf("probe error leaked: %s", rr.Body.String())
	}
}

func TestLoginMeLogout(t *testing.T) {
	ta := newTestAPI(t, Options{})
	tokens := ta.login(t, "Alice@Acme.com")
	if tokens.TokenType != "bearer" || tokens.AccessToken == "" || tokens.RefreshToken == "" {
		t.Fatalf("unexpected token response %+v", tokens)
	}

	rr := ta.do(t, http.MethodGet, "/v1/auth/me", nil, tokens.AccessToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("me: %d %s", rr.Code, rr.Body.String())
	}
	me := decode[principalResponse](t, rr)
	if me.UserID != "u-alice" || me.CompanyID != "t-acme" || len(me.Permissions) != 1 || me.Permissions[0] != auth.PermUserRead {
		t.Fatalf("unexpected principal %+v", me)
	}

	rr = ta.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("refresh: %d %s", rr.Code, rr.Body.String())
	}

	rr = ta.do(t, http.MethodPost, "/v1/auth/logout", logoutRequest{RefreshToken: tokens.RefreshToken}, tokens.AccessToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("logout: %d %s", rr.Code, rr.Body.String())
	}

	rr = ta.do(t, http.MethodGet, "/v1/auth/me", nil, tokens.AccessToken)
	if rr.Code != http.StatusUnauthorized || rr.Header().Get("WWW-Authenticate") != "Bearer" {
		t.Fatalf("revoked access token: %d %v", rr.Code, rr.Header())
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/refresh", refreshRequest{RefreshToken: tokens.RefreshToken}, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("revoked refresh token: %d", rr.Code)
	}
}

func TestLoginErrors(t *testing.T) {
	ta := newTestAPI(t, Options{})

	rr := ta.do(t, http.MethodPost, "/v1/auth/login", loginRequest{Email: "alice@acme.com", Password: "wrong", CompanyName: "acme"}, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: %d", rr.Code)
	}
	if body := decode[errorResponse](t, rr); body.Error != "invalid credentials" {
		t.Fatalf("unexpected error body %+v", body)
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/login", loginRequest{Email: "alice@acme.com", Password: testPassword, CompanyName: "globex"}, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("unknown company: %d", rr.Code)
	}
	if rr = ta.do(t, http.MethodPost, "/v1/auth/login", "{", ""); rr.Code != http.StatusBadRequest {
		t.Fatalf("malformed json: %d", rr.Code)
	}
	if rr = ta.do(t, http.MethodGet, "/v1/auth/me", nil, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("missing bearer: %d", rr.Code)
	}
	if rr = ta.do(t, http.MethodGet, "/v1/auth/me", nil, "not-a-jwt"); rr.Code != http.StatusUnauthorized {
		t.Fatalf("garbage bearer: %d", rr.Code)
	}
}

func TestPasswordResetFlow(t *testing.T) {
	ta := newTestAPI(t, Options{})

	rr := ta.do(t, http.MethodPost, "/v1/auth/password-reset", emailRequest{Email: "nobody@acme.com"}, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("unknown email should still be accepted, got %d", rr.Code)
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/password-reset", emailRequest{Email: "alice@acme.com"}, "")
	if rr.Code != http.StatusAccepted {
		t.Fatalf("reset request: %d", rr.Code)
	}
	msg := ta.outbox.last(t)
	if msg.Kind != auth.KindPasswordReset || msg.To != "alice@acme.com" {
		t.Fatalf("unexpected message %+v", msg)
	}

	rr = ta.do(t, http.MethodPost, "/v1/auth/password-reset/confirm", tokenConfirmRequest{Token: msg.Token, NewPassword: "abc"}, "")
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("weak password: %d", rr.Code)
	}
	if body := decode[errorResponse](t, rr); body.Reason == "" {
		t.Fatalf("expected weak password reason, got %+v", body)
	}

	rr = ta.do(t, http.MethodPost, "/v1/auth/password-reset/confirm", tokenConfirmRequest{Token: msg.Token, NewPassword: "Abcdefg1"}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("confirm: %d %s", rr.Code, rr.Body.String())
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/password-reset/confirm", tokenConfirmRequest{Token: msg.Token, NewPassword: "Abcdefg2"}, "")
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("token reuse: %d", rr.Code)
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/login", loginRequest{Email: "alice@acme.com", Password: "Abcdefg1", CompanyName: "acme"}, "")
	if rr.Code != http.StatusOK {
		t.Fatalf("login with new password: %d", rr.Code)
	}
}

func TestEmailVerificationAndChangePassword(t *testing.T) {
	ta := newTestAPI(t, Options{})

	if rr := ta.do(t, http.MethodPost, "/v1/auth/email-verification", emailRequest{Email: "alice@acme.com"}, ""); rr.Code != http.StatusAccepted {
		t.Fatalf("verification request: %d", rr.Code)
	}
	msg := ta.outbox.last(t)
	if rr := ta.do(t, http.MethodPost, "/v1/auth/email-verification/confirm", tokenConfirmRequest{Token: msg.Token}, ""); rr.Code != http.StatusOK {
		t.Fatalf("verification confirm: %d %s", rr.Code, rr.Body.String())
	}
	user, err := ta.store.Users(context.Background()).FindByID(context.Background(), "u-alice")
	if err != nil || !user.Verified {
		t.Fatalf("alice not verified: %+v %v", user, err)
	}

	tokens := ta.login(t, "alice@acme.com")
	rr := ta.do(t, http.MethodPost, "/v1/auth/password", changePasswordRequest{CurrentPassword: "nope", NewPassword: "Newpass99"}, tokens.AccessToken)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("wrong current password: %d", rr.Code)
	}
	rr = ta.do(t, http.MethodPost, "/v1/auth/password", changePasswordRequest{CurrentPassword: testPassword, NewPassword: "Newpass99"}, tokens.AccessToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("change password: %d %s", rr.Code, rr.Body.String())
	}
}

func TestAdminBlacklistEndpoints(t *testing.T) {
	ta := newTestAPI(t, Options{})
	alice := ta.login(t, "alice@acme.com")
	root := ta.login(t, "root@acme.com")

	if rr := ta.do(t, http.MethodGet, "/v1/admin/blacklist/stats", nil, alice.AccessToken); rr.Code != http.StatusForbidden {
		t.Fatalf("non-admin stats: %d", rr.Code)
	}
	if rr := ta.do(t, http.MethodGet, "/v1/admin/blacklist/stats", nil, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous stats: %d", rr.Code)
	}

	if rr := ta.do(t, http.MethodPost, "/v1/auth/logout", logoutRequest{RefreshToken: alice.RefreshToken, AccessToken: alice.AccessToken}, ""); rr.Code != http.StatusOK {
		t.Fatalf("logout: %d", rr.Code)
	}

	rr := ta.do(t, http.MethodGet, "/v1/admin/blacklist/stats", nil, root.AccessToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("stats: %d %s", rr.Code, rr.Body.String())
	}
	stats := decode[statsResponse](t, rr)
	if stats.Total != 2 || stats.Active != 2 || stats.ByType["refresh"] != 1 || stats.ByType["access"] != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}

	rr = ta.do(t, http.MethodPost, "/v1/admin/blacklist/cleanup/expired", nil, root.AccessToken)
	if rr.Code != http.StatusOK {
		t.Fatalf("cleanup expired: %d", rr.Code)
	}
	if got := decode[cleanupResponse](t, rr); got.Deleted != 0 || got.Policy != "expired" {
		t.Fatalf("unexpected cleanup result %+v", got)
	}

	rr = ta.do(t, http.MethodPost, "/v1/admin/blacklist/cleanup/old", nil, root.AccessToken)
	if got := decode[cleanupResponse](t, rr); rr.Code != http.StatusOK || got.Days != defaultRetentionDays {
		t.Fatalf("cleanup old default: %d %+v", rr.Code, got)
	}
	if rr = ta.do(t, http.MethodPost, "/v1/admin/blacklist/cleanup/old?days=abc", nil, root.AccessToken); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad days: %d", rr.Code)
	}
}

func TestRateLimitExceeded(t *testing.T) {
	ta := newTestAPI(t, Options{RateLimit: 0.001, RateBurst: 1})
	body := loginRequest{Email: "alice@acme.com", Password: "wrong", CompanyName: "acme"}

	if rr := ta.do(t, http.MethodPost, "/v1/auth/login", body, ""); rr.Code != http.StatusUnauthorized {
		t.Fatalf("first attempt: %d", rr.Code)
	}
	rr := ta.do(t, http.MethodPost, "/v1/auth/login", body, "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Fatalf("expected Retry-After header")
	}
	if rr = ta.do(t, http.MethodGet, "/healthz", nil, ""); rr.Code != http.StatusOK {
		t.Fatalf("probes must not be limited: %d", rr.Code)
	}
}

func TestRateLimitIgnoresForwardedForByDefault(t *testing.T) {
	ta := newTestAPI(t, Options{RateLimit: 0.001, RateBurst: 1})
	body := `{"email":"alice@acme.com","password":"wrong","company_name":"acme"}`

	send := func(forwarded string) int {
		req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Forwarded-For", forwarded)
		req.RemoteAddr = "192.0.2.10:4000"
		rr := httptest.NewRecorder()
		ta.api.Handler().ServeHTTP(rr, req)
		return rr.Code
	}
	if code := send("198.51.100.1"); code != http.StatusUnauthorized {
		t.Fatalf("first attempt: %d", code)
	}
	if code := send("198.51.100.2"); code != http.StatusTooManyRequests {
		t.Fatalf("rotating X-Forwarded-For bypassed the limiter: %d", code)
	}

	ta = newTestAPI(t, Options{RateLimit: 0.001, RateBurst: 1, TrustProxy: true})
	if code := send("198.51.100.1"); code != http.StatusUnauthorized {
		t.Fatalf("proxied first attempt: %d", code)
	}
	if code := send("198.51.100.2"); code != http.StatusUnauthorized {
		t.Fatalf("trusted proxy should key by forwarded address: %d", code)
	}
}

func TestExtractBearerToken(t *testing.T) {
	cases := map[string]string{
		"Bearer abc":    "abc",
		"bearer  abc  ": "abc",
		"Basic abc":     "",
		"Bearer ":       "",
		"":              "",
	}
	for header, want := range cases {
		got, ok := extractBearerToken(header)
		if got != want || ok != (want != "") {
			t.Fatalf("extractBearerToken(%q) = %q, %v", header, got, ok)
		}
	}
}
