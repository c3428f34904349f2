package handler

import (
	"log/slog"
	"net/http"

	"github.com/clanops/rustmap/internal/infra"
)

// HealthHandler returns a health check endpoint. Ping errors are logged,
// never sent to the client.
func HealthHandler(db infra.Pinger, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := infra.HealthCheck(r.Context(), db); err != nil {
			logger.Error("health check failed", "error", err)
			RespondJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "unhealthy",
			})
			return
		}
		RespondJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
		})
	}
}
