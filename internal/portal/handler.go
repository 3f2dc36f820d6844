package portal

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"portal/internal/account"
	"portal/internal/auth"
	"portal/internal/observability"
	"portal/internal/token"
)

const maxJSONBodyBytes = 1 << 20

type Handler struct {
	accounts  *account.Service
	generator Generator
	logger    *observability.Logger
}

func NewHandler(accounts *account.Service, generator Generator, logger *observability.Logger) *Handler {
	if generator == nil {
		generator = TemplateGenerator{}
	}
	return &Handler{accounts: accounts, generator: generator, logger: logger}
}

// Mount registers the portal routes. authz.Gate is expected to run in front
// of the whole router; the elevated routes add RequireAccount here.
func (h *Handler) Mount(r chi.Router, authz *auth.Authorizer) {
	r.Get("/", h.Home)
	r.Get("/math", h.MathPage)
	r.Post("/math/evaluate", h.EvaluateMath)

	r.Group(func(r chi.Router) {
		r.Use(authz.RequireAccount(auth.AnyAccount))
		r.Post("/data-deletion", h.DataDeletion)
		r.Get("/profile", h.Profile)
		r.Put("/profile/username", h.UpdateUsername)
		r.Put("/profile/email", h.UpdateEmail)
		r.Put("/profile/password", h.UpdatePassword)
	})

	r.Group(func(r chi.Router) {
		r.Use(authz.RequireAccount(auth.FullAccess))
		r.Get("/story-generator", h.StoryPage)
		r.Post("/story/generate", h.GenerateStory)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Use(authz.RequireAccount(auth.AdminAccess))
		r.Get("/users", h.ListUsers)
		r.Put("/users/{id}/subscription", h.SetSubscription)
		r.Put("/users/{id}/role", h.SetRole)
	})
}

func (h *Handler) Home(w http.ResponseWriter, r *http.Request) {
	raw, _ := token.FromRequest(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"page":  "home",
		"guest": raw == "" && token.IsGuest(r),
	})
}

func (h *Handler) MathPage(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"page":      "math",
		"operators": []string{"+", "-", "*", "/", "^", "(", ")"},
	})
}

type evaluateRequest struct {
	Expression string `json:"expression"`
}

func (h *Handler) EvaluateMath(w http.ResponseWriter, r *http.Request) {
	var body evaluateRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	result, err := Evaluate(body.Expression)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"expression": body.Expression,
		"result":     result,
	})
}

func (h *Handler) Profile(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"user": acct.Public()})
}

type usernameRequest struct {
	Username string `json:"username"`
}

type emailRequest struct {
	Email string `json:"email"`
}

type passwordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (h *Handler) UpdateUsername(w http.ResponseWriter, r *http.Request) {
	var body usernameRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	acct, _ := auth.AccountFromContext(r.Context())
	updated, err := h.accounts.ChangeUsername(r.Context(), acct.ID, body.Username)
	h.respondAccount(w, r, updated, err)
}

func (h *Handler) UpdateEmail(w http.ResponseWriter, r *http.Request) {
	var body emailRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	acct, _ := auth.AccountFromContext(r.Context())
	updated, err := h.accounts.ChangeEmail(r.Context(), acct.ID, body.Email)
	h.respondAccount(w, r, updated, err)
}

func (h *Handler) UpdatePassword(w http.ResponseWriter, r *http.Request) {
	var body passwordRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	acct, _ := auth.AccountFromContext(r.Context())
	updated, err := h.accounts.ChangePassword(r.Context(), acct.ID, body.CurrentPassword, body.NewPassword)
	h.respondAccount(w, r, updated, err)
}

func (h *Handler) StoryPage(w http.ResponseWriter, r *http.Request) {
	acct, _ := auth.AccountFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"page": "story-generator",
		"user": acct.Public(),
	})
}

func (h *Handler) GenerateStory(w http.ResponseWriter, r *http.Request) {
	var body StoryRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	story, err := h.generator.Generate(r.Context(), body)
	if err != nil {
		if errors.Is(err, ErrPromptRequired) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.fail(w, r, "story_generation_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"story": story})
}

func (h *Handler) ListUsers(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.Store().List(r.Context())
	if err != nil {
		h.fail(w, r, "list_users_failed", err)
		return
	}

	users := make([]account.Public, 0, len(accounts))
	for _, a := range accounts {
		users = append(users, a.Public())
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

type subscriptionRequest struct {
	Subscription account.Subscription `json:"subscription"`
}

type roleRequest struct {
	Role account.Role `json:"role"`
}

func (h *Handler) SetSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body subscriptionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	updated, err := h.accounts.SetSubscription(r.Context(), id, body.Subscription)
	h.respondAccount(w, r, updated, err)
}

func (h *Handler) SetRole(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var body roleRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	updated, err := h.accounts.SetRole(r.Context(), id, body.Role)
	h.respondAccount(w, r, updated, err)
}

type deletionRequest struct {
	Email string `json:"email"`
}

// DataDeletion deletes the caller's own account, or any account when the
// caller is an admin. It answers the same way whether or not the email
// belongs to an account the caller may delete, so it cannot be used to
// enumerate registrations.
func (h *Handler) DataDeletion(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.AccountFromContext(r.Context())

	var body deletionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	err := h.accounts.DeleteByEmail(r.Context(), caller, body.Email)
	switch {
	case err == nil:
		h.logger.Info("account_deleted", map[string]any{
			"by_user_id": caller.ID,
			"request_id": observability.RequestIDFromContext(r.Context()),
		})
	case errors.Is(err, account.ErrNotFound):
	case errors.Is(err, account.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	default:
		h.fail(w, r, "data_deletion_failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "If an account exists for this email, its data has been deleted",
	})
}

func (h *Handler) respondAccount(w http.ResponseWriter, r *http.Request, acct account.Account, err error) {
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "user": acct.Public()})
	case errors.Is(err, account.ErrUsernameTaken):
		writeError(w, http.StatusConflict, "Username already exists")
	case errors.Is(err, account.ErrEmailTaken):
		writeError(w, http.StatusConflict, "Email already exists")
	case errors.Is(err, account.ErrInvalidCredentials):
		writeError(w, http.StatusBadRequest, "Current password is incorrect")
	case errors.Is(err, account.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, account.ErrNotFound):
		writeError(w, http.StatusNotFound, "User not found")
	default:
		h.fail(w, r, "account_update_failed", err)
	}
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, event string, err error) {
	observability.CaptureRequestError(r, err)
	h.logger.Error(event, map[string]any{
		"error":      err.Error(),
		"path":       r.URL.Path,
		"request_id": observability.RequestIDFromContext(r.Context()),
	})
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
