package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-coap/internal/history"
)

// handleChannelHistory returns the most recent recorded states of a channel.
// Query: limit (default 50, capped at 200).
func (s *Server) handleChannelHistory(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		writeUnavailable(w, "state history is not enabled")
		return
	}

	thingID := chi.URLParam(r, "thing")
	channelID := chi.URLParam(r, "channel")

	limit := history.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeBadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	entries, err := s.history.List(r.Context(), thingID, channelID, limit)
	if err != nil {
		s.logger.Error("listing channel history failed", "thing_id", thingID, "channel_id", channelID, "error", err)
		writeInternalError(w, "failed to load history")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"thing_id":   thingID,
		"channel_id": channelID,
		"entries":    entries,
		"count":      len(entries),
	})
}
