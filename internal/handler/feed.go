package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/clanops/rustmap/internal/battlemetrics"
	"github.com/clanops/rustmap/internal/domain"
)

// FeedController is the part of the BattleMetrics client the API drives.
type FeedController interface {
	Status() battlemetrics.Status
	Reconnect()
	Subscribe(ctx context.Context, serverID string) error
}

// FeedHandler exposes feed status and manual recovery.
type FeedHandler struct {
	feed   FeedController
	logger *slog.Logger
}

// NewFeedHandler creates a new FeedHandler.
func NewFeedHandler(feed FeedController, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{feed: feed, logger: logger}
}

// Status handles GET /feed/status.
func (h *FeedHandler) Status(w http.ResponseWriter, r *http.Request) {
	RespondJSON(w, http.StatusOK, h.feed.Status())
}

// Reconnect handles POST /feed/reconnect. The reconnect runs in the
// background; clients poll /feed/status for the result.
func (h *FeedHandler) Reconnect(w http.ResponseWriter, r *http.Request) {
	h.logger.Info("manual feed reconnect requested", "request_id", GetRequestID(r.Context()))
	h.feed.Reconnect()
	RespondJSON(w, http.StatusAccepted, h.feed.Status())
}

type subscribeRequest struct {
	ServerID string `json:"server_id"`
}

// Subscribe handles POST /feed/subscriptions.
func (h *FeedHandler) Subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscribeRequest
	if err := DecodeJSON(r, &req); err != nil {
		RespondError(w, domain.ErrValidation("invalid request body"))
		return
	}
	req.ServerID = strings.TrimSpace(req.ServerID)

	if err := h.feed.Subscribe(r.Context(), req.ServerID); err != nil {
		if errors.Is(err, battlemetrics.ErrEmptyServerID) {
			RespondError(w, domain.ErrValidation("server_id is required"))
			return
		}
		// The subscription is stored and replayed on the next connect.
		h.logger.Warn("feed subscribe send failed", "server_id", req.ServerID, "error", err)
	}
	RespondJSON(w, http.StatusOK, h.feed.Status())
}
