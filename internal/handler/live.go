package handler

import (
	"net/http"
	"strings"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/service"
)

// LiveHub upgrades a request into a room-scoped event stream.
type LiveHub interface {
	ServeWS(w http.ResponseWriter, r *http.Request, room string)
}

// LiveHandler handles GET /live?server={id}.
func LiveHandler(hub LiveHub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		serverID := strings.TrimSpace(r.URL.Query().Get("server"))
		if serverID == "" {
			RespondError(w, domain.ErrValidation("server query parameter is required"))
			return
		}
		hub.ServeWS(w, r, service.ServerRoom(serverID))
	}
}
