package auth

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"portal/internal/account"
	"portal/internal/token"
)

func cookieNamed(rec interface{ Result() *http.Response }, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestRegister(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := do(t, f.router, http.MethodPost, "/auth/register", `{"username":"alice","email":"alice@example.com","password":"password123"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	raw, _ := body["token"].(string)
	assert.True(t, token.IsValidShape(raw))

	claims, err := f.signer.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, int64(1), claims.UserID)

	rec = do(t, f.router, http.MethodPost, "/auth/register", `{"username":"alice","email":"other@example.com","password":"password123"}`, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, f.router, http.MethodPost, "/auth/register", `{"username":"bob","email":"nope","password":"password123"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, f.router, http.MethodPost, "/auth/register", `{"username":"bob","unexpected":true}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLogin(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.createAccount(t, "alice", account.SubscriptionBasic, account.RoleUser)

	rec := do(t, f.router, http.MethodPost, "/auth/login", `{"username":"alice","password":"password123"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])

	cookie := cookieNamed(rec, token.CookieName)
	require.NotNil(t, cookie)
	assert.Equal(t, body["token"], cookie.Value)
	assert.True(t, cookie.HttpOnly)

	claims, err := f.signer.Verify(cookie.Value)
	require.NoError(t, err)
	assert.Equal(t, a.ID, claims.UserID)

	rec = do(t, f.router, http.MethodPost, "/auth/login", `{"username":"alice@example.com","password":"password123"}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, f.router, http.MethodPost, "/auth/login", `{"username":"alice","password":"wrong-password"}`, nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["message"])
	assert.Nil(t, body["token"])
}

func TestLogin_RateLimited(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.createAccount(t, "alice", account.SubscriptionBasic, account.RoleUser)

	router := chi.NewRouter()
	f.handler.Mount(router, NewLoginRateLimiter(2, time.Minute))

	login := func(remoteAddr, password string, headers map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", strings.NewReader(`{"username":"alice","password":"`+password+`"}`))
		req.RemoteAddr = remoteAddr
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec
	}

	for i := 0; i < 2; i++ {
		rec := login("203.0.113.7:5000", "wrong-password", nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec := login("203.0.113.7:5001", "password123", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	spoofed := login("203.0.113.7:5002", "password123", map[string]string{"X-Forwarded-For": "198.51.100.99"})
	assert.Equal(t, http.StatusTooManyRequests, spoofed.Code, "forwarded header from an untrusted peer is ignored")

	other := login("198.51.100.1:5000", "password123", nil)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestRefresh(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.createAccount(t, "alice", account.SubscriptionBasic, account.RoleUser)

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"fresh token", bearer(f.tokenFor(t, a.ID)), http.StatusOK},
		{"recently expired", bearer(tokenAt(t, a.ID, -3*time.Hour, time.Hour)), http.StatusOK},
		{"expired beyond tolerance", bearer(tokenAt(t, a.ID, -26*time.Hour, time.Hour)), http.StatusUnauthorized},
		{"issued in the future", bearer(tokenAt(t, a.ID, time.Hour, time.Hour)), http.StatusUnauthorized},
		{"cookie carrier", map[string]string{"Cookie": "token=" + f.tokenFor(t, a.ID)}, http.StatusOK},
		{"no token", nil, http.StatusUnauthorized},
		{"garbage", bearer("a.b.c"), http.StatusUnauthorized},
		{"unknown account", bearer(f.tokenFor(t, 404)), http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, f.router, http.MethodPost, "/auth/refresh", "", tt.headers)
			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}

			raw, _ := decodeBody(t, rec)["token"].(string)
			claims, err := f.signer.Verify(raw)
			require.NoError(t, err)
			assert.Equal(t, a.ID, claims.UserID)
			assert.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt.Time, 2*time.Second)
		})
	}
}

func TestVerify(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.createAccount(t, "alice", account.SubscriptionFull, account.RoleUser)

	rec := do(t, f.router, http.MethodGet, "/auth/verify", "", bearer(f.tokenFor(t, a.ID)))
	require.Equal(t, http.StatusOK, rec.Code)
	user, _ := decodeBody(t, rec)["user"].(map[string]any)
	assert.Equal(t, "alice", user["username"])
	assert.Equal(t, "full", user["subscription"])
	assert.NotContains(t, rec.Body.String(), "password")

	rec = do(t, f.router, http.MethodGet, "/auth/verify?token="+f.tokenFor(t, a.ID), "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "query carrier is not accepted here")

	rec = do(t, f.router, http.MethodGet, "/auth/verify", "", bearer(f.tokenFor(t, 77)))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogout(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a := f.createAccount(t, "alice", account.SubscriptionBasic, account.RoleUser)
	raw := f.tokenFor(t, a.ID)

	rec := do(t, f.router, http.MethodPost, "/auth/logout", "", bearer(raw))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decodeBody(t, rec)["success"])

	for _, name := range []string{token.CookieName, "session"} {
		c := cookieNamed(rec, name)
		require.NotNil(t, c, name)
		assert.Less(t, c.MaxAge, 0)
	}

	rec = do(t, f.router, http.MethodGet, "/auth/verify", "", bearer(raw))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, f.router, http.MethodPost, "/auth/refresh", "", bearer(raw))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLogout_OnlyRevokesPresentedToken(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.createAccount(t, "alice", account.SubscriptionBasic, account.RoleUser)

	login := func() string {
		rec := do(t, f.router, http.MethodPost, "/auth/login", `{"username":"alice","password":"password123"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code)
		raw, _ := decodeBody(t, rec)["token"].(string)
		require.NotEmpty(t, raw)
		return raw
	}

	laptop := login()
	phone := login()
	require.NotEqual(t, laptop, phone, "tokens issued in the same second must differ")

	rec := do(t, f.router, http.MethodPost, "/auth/logout", "", bearer(laptop))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, f.router, http.MethodGet, "/auth/verify", "", bearer(laptop))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, f.router, http.MethodGet, "/auth/verify", "", bearer(phone))
	assert.Equal(t, http.StatusOK, rec.Code, "other sessions stay signed in")

	rec = do(t, f.router, http.MethodPost, "/auth/refresh", "", bearer(phone))
	assert.Equal(t, http.StatusOK, rec.Code)

	again := login()
	rec = do(t, f.router, http.MethodGet, "/auth/verify", "", bearer(again))
	assert.Equal(t, http.StatusOK, rec.Code, "logging in right after logout yields a usable token")
}

func TestLogoutRedirect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rec := do(t, f.router, http.MethodGet, "/auth/logout", "", map[string]string{"Cookie": "token=whatever; session=abc"})
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Equal(t, "/login", rec.Header().Get("Location"))
	require.NotNil(t, cookieNamed(rec, "session"))
}

func TestOAuthCallback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	bridge := bearer(testOAuthSecret)

	rec := do(t, f.router, http.MethodPost, "/auth/oauth/github", `{"provider_id":"gh-42","email":"dev@example.com","username":"dev"}`, bridge)
	require.Equal(t, http.StatusOK, rec.Code)
	raw, _ := decodeBody(t, rec)["token"].(string)

	claims, err := f.signer.Verify(raw)
	require.NoError(t, err)
	a, err := f.accounts.Store().ByID(t.Context(), claims.UserID)
	require.NoError(t, err)
	assert.False(t, a.HasPassword())
	assert.Equal(t, "gh-42", a.OAuth["github"])

	rec = do(t, f.router, http.MethodPost, "/auth/oauth/github", `{"provider_id":"gh-42"}`, bridge)
	require.Equal(t, http.StatusOK, rec.Code)
	raw, _ = decodeBody(t, rec)["token"].(string)
	claims, err = f.signer.Verify(raw)
	require.NoError(t, err)
	assert.Equal(t, a.ID, claims.UserID)

	rec = do(t, f.router, http.MethodPost, "/auth/oauth/github", `{"email":"dev@example.com"}`, bridge)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "provider"))
}

func TestOAuthCallback_CannotTakeOverAccounts(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	admin := f.createAccount(t, "admin", account.SubscriptionFull, account.RoleAdmin)
	body := `{"provider_id":"attacker-1","email":"admin@example.com","username":"admin"}`

	tests := []struct {
		name    string
		headers map[string]string
		status  int
	}{
		{"no credential", nil, http.StatusUnauthorized},
		{"wrong secret", bearer("guess"), http.StatusUnauthorized},
		{"user token instead of secret", bearer(f.tokenFor(t, admin.ID)), http.StatusUnauthorized},
		{"bridge cannot link an existing email", bearer(testOAuthSecret), http.StatusConflict},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, f.router, http.MethodPost, "/auth/oauth/google", body, tt.headers)
			require.Equal(t, tt.status, rec.Code)
			assert.NotContains(t, decodeBody(t, rec), "token")
			assert.Nil(t, cookieNamed(rec, token.CookieName))
		})
	}

	stored, err := f.accounts.Store().ByID(t.Context(), admin.ID)
	require.NoError(t, err)
	assert.Empty(t, stored.OAuth)
}

func TestOAuthCallback_DisabledWithoutSecret(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.handler.cfg.OAuthCallbackSecret = ""

	rec := do(t, f.router, http.MethodPost, "/auth/oauth/github", `{"provider_id":"gh-1","email":"new@example.com"}`, bearer(""))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	_, err := f.accounts.Store().ByEmail(t.Context(), "new@example.com")
	assert.ErrorIs(t, err, account.ErrNotFound)
}
