package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-chi/chi/v5"

	"portal/internal/account"
	"portal/internal/observability"
	"portal/internal/token"
)

const (
	maxJSONBodyBytes  = 1 << 20
	sessionCookieName = "session"
)

type HandlerConfig struct {
	AccessTokenTTL   time.Duration
	RefreshTolerance time.Duration
	SecureCookies    bool

	// OAuthCallbackSecret is the bearer credential the identity bridge
	// presents on /auth/oauth. The endpoint is disabled when it is empty.
	OAuthCallbackSecret string
}

type Handler struct {
	accounts    *account.Service
	signer      *token.Signer
	revocations Revocations
	cfg         HandlerConfig
	logger      *observability.Logger
	metrics     *observability.Metrics
}

func NewHandler(
	accounts *account.Service,
	signer *token.Signer,
	revocations Revocations,
	cfg HandlerConfig,
	logger *observability.Logger,
	metrics *observability.Metrics,
) *Handler {
	if cfg.AccessTokenTTL <= 0 {
		cfg.AccessTokenTTL = time.Hour
	}
	if cfg.RefreshTolerance < 0 {
		cfg.RefreshTolerance = token.DefaultRefreshTolerance
	}

	return &Handler{
		accounts:    accounts,
		signer:      signer,
		revocations: revocations,
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
	}
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type oauthRequest struct {
	ProviderID string `json:"provider_id"`
	Email      string `json:"email"`
	Username   string `json:"username"`
}

type loginResponse struct {
	Success bool   `json:"success"`
	Token   string `json:"token,omitempty"`
	Message string `json:"message,omitempty"`
}

type tokenResponse struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	User account.Public `json:"user"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	acct, err := h.accounts.Register(r.Context(), account.Registration{
		Username: body.Username,
		Email:    body.Email,
		Password: body.Password,
	})
	if err != nil {
		switch {
		case errors.Is(err, account.ErrUsernameTaken):
			writeJSON(w, http.StatusConflict, loginResponse{Message: "Username already exists"})
		case errors.Is(err, account.ErrEmailTaken):
			writeJSON(w, http.StatusConflict, loginResponse{Message: "Email already exists"})
		case errors.Is(err, account.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, loginResponse{Message: err.Error()})
		default:
			h.fail(w, r, "register_failed", err)
		}
		return
	}

	h.issue(w, r, http.StatusCreated, acct)
	h.logger.Info("account_registered", map[string]any{"user_id": acct.ID})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	acct, err := h.accounts.Authenticate(r.Context(), body.Username, body.Password)
	if err != nil {
		if errors.Is(err, account.ErrInvalidCredentials) {
			h.logger.Warn("login_rejected", map[string]any{"ip": observability.ClientIP(r)})
			writeJSON(w, http.StatusUnauthorized, loginResponse{Message: "Invalid username or password"})
			return
		}
		h.fail(w, r, "login_failed", err)
		return
	}

	h.issue(w, r, http.StatusOK, acct)
}

// Refresh re-signs a token for the same account. A token that expired less
// than RefreshTolerance ago is still accepted.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw, carrier := token.FromHeaderOrCookie(r)
	if raw == "" {
		h.metrics.TokenRefresh("rejected")
		writeError(w, http.StatusUnauthorized, "No token")
		return
	}

	claims, err := h.signer.VerifyForRefresh(raw, h.cfg.RefreshTolerance)
	if err == nil {
		var revoked bool
		revoked, err = h.revocations.IsRevoked(r.Context(), revocationID(raw, claims))
		if err != nil {
			h.fail(w, r, "refresh_failed", err)
			return
		}
		if revoked {
			err = errRevoked
		}
	}
	if err != nil {
		h.metrics.TokenRefresh("rejected")
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	if _, err := h.accounts.Store().ByID(r.Context(), claims.UserID); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			h.metrics.TokenRefresh("rejected")
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.fail(w, r, "refresh_failed", err)
		return
	}

	fresh, err := h.signer.Sign(claims.UserID, h.cfg.AccessTokenTTL)
	if err != nil {
		h.fail(w, r, "refresh_failed", err)
		return
	}

	if carrier == token.CarrierCookie {
		h.setTokenCookie(w, fresh)
	}
	h.metrics.TokenRefresh("success")
	writeJSON(w, http.StatusOK, tokenResponse{Token: fresh})
}

func (h *Handler) Verify(w http.ResponseWriter, r *http.Request) {
	raw, _ := token.FromHeaderOrCookie(r)
	if raw == "" {
		writeError(w, http.StatusUnauthorized, "No token")
		return
	}

	claims, err := h.signer.Verify(raw)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}
	revoked, err := h.revocations.IsRevoked(r.Context(), revocationID(raw, claims))
	if err != nil {
		h.fail(w, r, "verify_failed", err)
		return
	}
	if revoked {
		writeError(w, http.StatusUnauthorized, "Invalid token")
		return
	}

	acct, err := h.accounts.Store().ByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, account.ErrNotFound) {
			writeError(w, http.StatusNotFound, "User not found")
			return
		}
		h.fail(w, r, "verify_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{User: acct.Public()})
}

// Logout clears the cookies and revokes the presented token, if any, for as
// long as it could still be used or refreshed.
func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	if err := h.logout(w, r); err != nil {
		h.fail(w, r, "logout_failed", err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Success: true})
}

func (h *Handler) LogoutRedirect(w http.ResponseWriter, r *http.Request) {
	if err := h.logout(w, r); err != nil {
		sentry.CaptureException(err)
		h.logger.Error("logout_failed", map[string]any{"error": err.Error()})
	}
	http.Redirect(w, r, LoginPath, http.StatusFound)
}

func (h *Handler) logout(w http.ResponseWriter, r *http.Request) error {
	h.clearCookie(w, token.CookieName)
	h.clearCookie(w, sessionCookieName)

	raw, _ := token.FromHeaderOrCookie(r)
	if raw == "" {
		return nil
	}
	claims, err := h.signer.VerifyForRefresh(raw, h.cfg.RefreshTolerance)
	if err != nil || claims.ExpiresAt == nil {
		return nil
	}

	// Keep the entry past exp so the token cannot be exchanged on /auth/refresh.
	until := claims.ExpiresAt.Time.Add(h.cfg.RefreshTolerance)
	return h.revocations.Revoke(r.Context(), revocationID(raw, claims), until)
}

// OAuthCallback receives an identity already confirmed by the provider and
// returns a token for the linked account, creating it on first sight. Only
// the identity bridge holding OAuthCallbackSecret may call it.
func (h *Handler) OAuthCallback(w http.ResponseWriter, r *http.Request) {
	if strings.TrimSpace(h.cfg.OAuthCallbackSecret) == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if !token.HasBearerSecret(r, h.cfg.OAuthCallbackSecret) {
		h.logger.Warn("oauth_callback_rejected", map[string]any{"ip": observability.ClientIP(r)})
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	provider := chi.URLParam(r, "provider")

	var body oauthRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	acct, err := h.accounts.LinkOAuth(r.Context(), account.OAuthProfile{
		Provider: provider,
		Subject:  body.ProviderID,
		Email:    body.Email,
		Username: body.Username,
	})
	if err != nil {
		switch {
		case errors.Is(err, account.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, loginResponse{Message: err.Error()})
		case errors.Is(err, account.ErrEmailTaken):
			writeJSON(w, http.StatusConflict, loginResponse{Message: "Email already exists"})
		default:
			h.fail(w, r, "oauth_link_failed", err)
		}
		return
	}

	h.issue(w, r, http.StatusOK, acct)
}

func (h *Handler) issue(w http.ResponseWriter, r *http.Request, status int, acct account.Account) {
	signed, err := h.signer.Sign(acct.ID, h.cfg.AccessTokenTTL)
	if err != nil {
		h.fail(w, r, "sign_token_failed", err)
		return
	}

	h.setTokenCookie(w, signed)
	writeJSON(w, status, loginResponse{Success: true, Token: signed})
}

func (h *Handler) setTokenCookie(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     token.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   int(h.cfg.AccessTokenTTL.Seconds()),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) clearCookie(w http.ResponseWriter, name string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   h.cfg.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	observability.CaptureRequestError(r, err)
	h.logger.Error(event, map[string]any{
		"error":      err.Error(),
		"request_id": observability.RequestIDFromContext(r.Context()),
	})
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		return err
	}
	if decoder.More() {
		return errors.New("trailing data after json body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// Mount registers the /auth routes on r. The credential endpoints sit behind
// limiter when one is given.
func (h *Handler) Mount(r chi.Router, limiter *LoginRateLimiter) {
	r.Route("/auth", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			if limiter != nil {
				r.Use(limiter.Middleware)
			}
			r.Post("/login", h.Login)
			r.Post("/register", h.Register)
			r.Post("/oauth/{provider}", h.OAuthCallback)
		})
		r.Post("/refresh", h.Refresh)
		r.Get("/verify", h.Verify)
		r.Post("/logout", h.Logout)
		r.Get("/logout", h.LogoutRedirect)
	})
}
