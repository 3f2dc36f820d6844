package maintenance

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"portal/internal/observability"
	"portal/internal/token"
)

type purger interface {
	Purge(ctx context.Context) (int, error)
}

type pruner interface {
	Prune() int
}

// CleanupHandler is the cron target that drops expired revocation entries
// and idle login rate limit buckets. It is disabled when no secret is set.
type CleanupHandler struct {
	revocations purger
	limiter     pruner
	logger      *observability.Logger
	cronSecret  string
}

type cleanupResult struct {
	PurgedRevocations int `json:"purged_revocations"`
	PrunedRateLimits  int `json:"pruned_rate_limits"`
}

func NewCleanupHandler(revocations purger, limiter pruner, logger *observability.Logger, cronSecret string) *CleanupHandler {
	return &CleanupHandler{
		revocations: revocations,
		limiter:     limiter,
		logger:      logger,
		cronSecret:  strings.TrimSpace(cronSecret),
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if !authorize(w, r, h.cronSecret) {
		return
	}

	var result cleanupResult
	if h.revocations != nil {
		purged, err := h.revocations.Purge(r.Context())
		if err != nil {
			observability.CaptureRequestError(r, err)
			h.logger.Error("revocation_cleanup_failed", map[string]any{"error": err.Error()})
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
			return
		}
		result.PurgedRevocations = purged
	}
	if h.limiter != nil {
		result.PrunedRateLimits = h.limiter.Prune()
	}

	h.logger.Info("auth_cleanup_completed", map[string]any{
		"purged_revocations": result.PurgedRevocations,
		"pruned_rate_limits": result.PrunedRateLimits,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

// RequireSecret lets a request through only when it presents secret as a
// bearer credential. The route answers 404 while no secret is configured.
func RequireSecret(secret string) func(http.Handler) http.Handler {
	secret = strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !authorize(w, r, secret) {
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func authorize(w http.ResponseWriter, r *http.Request, secret string) bool {
	if secret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return false
	}
	if !token.HasBearerSecret(r, secret) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
