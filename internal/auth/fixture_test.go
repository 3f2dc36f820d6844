package auth

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"portal/internal/account"
	"portal/internal/observability"
	"portal/internal/token"
)

const (
	testSecret      = "test-secret-0123456789"
	testOAuthSecret = "oauth-bridge-secret"
)

type fixture struct {
	signer      *token.Signer
	accounts    *account.Service
	revocations *MemoryRevocations
	authz       *Authorizer
	handler     *Handler
	router      chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	logger := observability.NewLoggerTo(io.Discard, slog.LevelError)
	metrics := observability.NewMetrics()
	signer := token.NewSigner(testSecret)
	accounts := account.NewService(account.NewMemoryStore()).WithHashCost(bcrypt.MinCost)
	revocations := NewMemoryRevocations()

	f := &fixture{
		signer:      signer,
		accounts:    accounts,
		revocations: revocations,
		authz:       NewAuthorizer(signer, accounts.Store(), revocations, logger, metrics),
		handler: NewHandler(accounts, signer, revocations, HandlerConfig{
			AccessTokenTTL:      time.Hour,
			RefreshTolerance:    token.DefaultRefreshTolerance,
			OAuthCallbackSecret: testOAuthSecret,
		}, logger, metrics),
	}

	r := chi.NewRouter()
	f.handler.Mount(r, nil)
	f.router = r
	return f
}

func (f *fixture) createAccount(t *testing.T, username string, sub account.Subscription, role account.Role) account.Account {
	t.Helper()
	ctx := context.Background()

	a, err := f.accounts.Register(ctx, account.Registration{
		Username: username,
		Email:    username + "@example.com",
		Password: "password123",
	})
	require.NoError(t, err)

	a, err = f.accounts.SetSubscription(ctx, a.ID, sub)
	require.NoError(t, err)
	a, err = f.accounts.SetRole(ctx, a.ID, role)
	require.NoError(t, err)
	return a
}

func (f *fixture) tokenFor(t *testing.T, id int64) string {
	t.Helper()
	signed, err := f.signer.Sign(id, time.Hour)
	require.NoError(t, err)
	return signed
}

// revoke puts raw on the revocation list the way logout does.
func (f *fixture) revoke(t *testing.T, raw string) {
	t.Helper()
	claims, err := f.signer.Verify(raw)
	require.NoError(t, err)
	require.NoError(t, f.revocations.Revoke(t.Context(), revocationID(raw, claims), time.Now().Add(time.Hour)))
}

// tokenAt signs a token as if it had been issued at now+offset.
func tokenAt(t *testing.T, id int64, offset, ttl time.Duration) string {
	t.Helper()
	signer := token.NewSigner(testSecret, token.WithClock(func() time.Time {
		return time.Now().Add(offset)
	}))
	signed, err := signer.Sign(id, ttl)
	require.NoError(t, err)
	return signed
}

func bearer(raw string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + raw}
}

func do(t *testing.T, h http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}
