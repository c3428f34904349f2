package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/clanops/rustmap/internal/domain"
	"github.com/clanops/rustmap/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// TrackerHandler serves the read-only player tracking endpoints.
type TrackerHandler struct {
	svc    *service.SessionService
	logger *slog.Logger
}

// NewTrackerHandler creates a new TrackerHandler.
func NewTrackerHandler(svc *service.SessionService, logger *slog.Logger) *TrackerHandler {
	return &TrackerHandler{svc: svc, logger: logger}
}

// listResponse wraps list payloads so an empty page renders as [] not null.
type listResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func newList[T any](items []T) listResponse[T] {
	if items == nil {
		items = []T{}
	}
	return listResponse[T]{Items: items, Count: len(items)}
}

// ListProfiles handles GET /servers/{serverID}/profiles.
func (h *TrackerHandler) ListProfiles(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	profiles, err := h.svc.ListProfiles(r.Context(), chi.URLParam(r, "serverID"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, newList(profiles))
}

// ListOnline handles GET /servers/{serverID}/online.
func (h *TrackerHandler) ListOnline(w http.ResponseWriter, r *http.Request) {
	profiles, err := h.svc.ListOnlineProfiles(r.Context(), chi.URLParam(r, "serverID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, newList(profiles))
}

// ListServerActivities handles GET /servers/{serverID}/activities.
func (h *TrackerHandler) ListServerActivities(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	activities, err := h.svc.ListRecentActivities(r.Context(), chi.URLParam(r, "serverID"), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, newList(activities))
}

// GetProfile handles GET /profiles/{profileID}.
func (h *TrackerHandler) GetProfile(w http.ResponseWriter, r *http.Request) {
	id, err := parseProfileID(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	profile, err := h.svc.GetProfile(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, profile)
}

// ListSessions handles GET /profiles/{profileID}/sessions.
func (h *TrackerHandler) ListSessions(w http.ResponseWriter, r *http.Request) {
	id, err := parseProfileID(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	sessions, err := h.svc.ListSessions(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, newList(sessions))
}

// ListProfileActivities handles GET /profiles/{profileID}/activities.
func (h *TrackerHandler) ListProfileActivities(w http.ResponseWriter, r *http.Request) {
	id, err := parseProfileID(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		RespondError(w, err)
		return
	}
	activities, err := h.svc.ListProfileActivities(r.Context(), id, limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	RespondJSON(w, http.StatusOK, newList(activities))
}

func (h *TrackerHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if domain.IsStoreError(err) {
		h.logger.Error("query failed", "path", r.URL.Path, "error", err, "request_id", GetRequestID(r.Context()))
	}
	RespondError(w, err)
}

// parseLimit reads ?limit=. Absent means the service default.
func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, domain.ErrValidation("limit must be a non-negative integer")
	}
	return limit, nil
}

func parseProfileID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "profileID"))
	if err != nil {
		return uuid.Nil, domain.ErrValidation("invalid profile id")
	}
	return id, nil
}
