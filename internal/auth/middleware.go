package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"portal/internal/account"
	"portal/internal/observability"
	"portal/internal/token"
)

const LoginPath = "/login"

type accountContextKey struct{}

// AccountFromContext returns the account RequireAccount resolved for the
// request.
func AccountFromContext(ctx context.Context) (account.Account, bool) {
	a, ok := ctx.Value(accountContextKey{}).(account.Account)
	return a, ok
}

func withAccount(ctx context.Context, a account.Account) context.Context {
	return context.WithValue(ctx, accountContextKey{}, a)
}

// Predicate is a privilege check run after the account is loaded. Message is
// shown to the caller when Allow returns false.
type Predicate struct {
	Name    string
	Allow   func(account.Account) bool
	Message string
}

var (
	AnyAccount = Predicate{
		Name:  "any_account",
		Allow: func(account.Account) bool { return true },
	}
	FullAccess = Predicate{
		Name: "full_access",
		Allow: func(a account.Account) bool {
			return a.Subscription == account.SubscriptionFull || a.Role == account.RoleAdmin
		},
		Message: "This feature requires a full subscription",
	}
	AdminAccess = Predicate{
		Name:    "admin_access",
		Allow:   func(a account.Account) bool { return a.Role == account.RoleAdmin },
		Message: "Administrator access required",
	}
)

// GatePolicy lists the paths Gate lets through without a token.
type GatePolicy struct {
	PublicPaths    []string
	PublicPrefixes []string
	GuestPaths     []string
}

func DefaultGatePolicy() GatePolicy {
	return GatePolicy{
		PublicPaths:    []string{LoginPath, "/register", "/health", "/metrics"},
		PublicPrefixes: []string{"/auth/", "/internal/"},
		GuestPaths:     []string{"/", "/math"},
	}
}

func (p GatePolicy) isPublic(path string) bool {
	for _, public := range p.PublicPaths {
		if path == public {
			return true
		}
	}
	for _, prefix := range p.PublicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

func (p GatePolicy) isGuestAllowed(path string) bool {
	for _, guest := range p.GuestPaths {
		if path == guest || (guest != "/" && strings.HasPrefix(path, guest+"/")) {
			return true
		}
	}
	return false
}

type Authorizer struct {
	signer      *token.Signer
	accounts    account.Store
	revocations Revocations
	policy      GatePolicy
	logger      *observability.Logger
	metrics     *observability.Metrics
}

func NewAuthorizer(
	signer *token.Signer,
	accounts account.Store,
	revocations Revocations,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Authorizer {
	return &Authorizer{
		signer:      signer,
		accounts:    accounts,
		revocations: revocations,
		policy:      DefaultGatePolicy(),
		logger:      logger,
		metrics:     metrics,
	}
}

// Gate is the page-level policy. It only checks that some credential is
// present; verification is left to RequireAccount on the routes that need an
// account. Browser navigations (GET/HEAD) are redirected to the login page,
// other methods get a JSON 401 since a redirect is useless to a fetch call.
func (a *Authorizer) Gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path

		if path == "/" && token.HasQueryToken(r) {
			a.metrics.AuthDecision("redirect")
			http.Redirect(w, r, LoginPath, http.StatusFound)
			return
		}

		if a.policy.isPublic(path) {
			next.ServeHTTP(w, r)
			return
		}

		raw, _ := token.FromRequest(r)
		if raw != "" {
			next.ServeHTTP(w, r)
			return
		}

		if token.IsGuest(r) && a.policy.isGuestAllowed(path) {
			a.metrics.AuthDecision("guest")
			next.ServeHTTP(w, r)
			return
		}

		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			a.metrics.AuthDecision("no_token")
			writeError(w, http.StatusUnauthorized, "No token")
			return
		}

		a.metrics.AuthDecision("redirect")
		http.Redirect(w, r, LoginPath, http.StatusFound)
	})
}

// RequireAccount verifies the token, loads the account it names and checks
// the predicate. Every token failure is reported as "Invalid token".
func (a *Authorizer) RequireAccount(predicate Predicate) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, _ := token.FromRequest(r)
			if raw == "" {
				a.metrics.AuthDecision("no_token")
				writeError(w, http.StatusUnauthorized, "No token")
				return
			}

			acct, status, err := a.authenticate(r.Context(), raw)
			if err != nil {
				switch status {
				case http.StatusUnauthorized:
					a.metrics.AuthDecision("invalid_token")
					writeError(w, status, "Invalid token")
				case http.StatusNotFound:
					a.metrics.AuthDecision("not_found")
					writeError(w, status, "User not found")
				default:
					observability.CaptureRequestError(r, err)
					a.logger.Error("authorize_failed", map[string]any{
						"error":      err.Error(),
						"path":       r.URL.Path,
						"request_id": observability.RequestIDFromContext(r.Context()),
					})
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
				return
			}

			if predicate.Allow != nil && !predicate.Allow(acct) {
				a.metrics.AuthDecision("forbidden")
				writeError(w, http.StatusForbidden, predicate.Message)
				return
			}

			a.metrics.AuthDecision("allow")
			next.ServeHTTP(w, r.WithContext(withAccount(r.Context(), acct)))
		})
	}
}

var errRevoked = errors.New("token revoked")

// authenticate resolves raw to an account. The returned status tells the
// caller how to report a failure.
func (a *Authorizer) authenticate(ctx context.Context, raw string) (account.Account, int, error) {
	claims, err := a.signer.Verify(raw)
	if err != nil {
		return account.Account{}, http.StatusUnauthorized, err
	}

	revoked, err := a.revocations.IsRevoked(ctx, revocationID(raw, claims))
	if err != nil {
		return account.Account{}, http.StatusInternalServerError, err
	}
	if revoked {
		return account.Account{}, http.StatusUnauthorized, errRevoked
	}

	acct, err := a.accounts.ByID(ctx, claims.UserID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return account.Account{}, http.StatusNotFound, err
		}
		return account.Account{}, http.StatusInternalServerError, err
	}

	return acct, http.StatusOK, nil
}
