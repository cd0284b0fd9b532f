package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/gray-logic-coap/internal/coapclient"
)

// setDelayRequest is the body of PUT /things/{id}/delay.
type setDelayRequest struct {
	DelayMS *int64 `json:"delay_ms"`
}

func (s *Server) handleListThings(w http.ResponseWriter, _ *http.Request) {
	things := s.bridge.Snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"things": things,
		"count":  len(things),
	})
}

func (s *Server) handleGetThing(w http.ResponseWriter, r *http.Request) {
	snap, err := s.bridge.SnapshotThing(chi.URLParam(r, "id"))
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleSetDelay changes the dispatch delay of one thing. Zero switches the
// thing to immediate dispatch.
func (s *Server) handleSetDelay(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req setDelayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBadRequest(w, "invalid JSON body")
		return
	}
	if req.DelayMS == nil {
		writeBadRequest(w, "delay_ms is required")
		return
	}

	delay, err := coapclient.DelayFromMillis(*req.DelayMS)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	if err := s.bridge.SetDelay(id, delay); err != nil {
		writeBridgeError(w, err)
		return
	}
	s.logger.Info("dispatch delay changed via API", "thing_id", id, "delay_ms", *req.DelayMS)

	snap, err := s.bridge.SnapshotThing(id)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleReadChannel reads a channel from the device now, through the
// thing's dispatcher.
func (s *Server) handleReadChannel(w http.ResponseWriter, r *http.Request) {
	thingID := chi.URLParam(r, "id")
	channelID := chi.URLParam(r, "channel")

	value, err := s.bridge.ReadChannel(r.Context(), thingID, channelID)
	if err != nil {
		writeBridgeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"thing_id":   thingID,
		"channel_id": channelID,
		"value":      value,
		"timestamp":  time.Now().UTC(),
	})
}

func (s *Server) handleResetTransport(w http.ResponseWriter, _ *http.Request) {
	if err := s.bridge.ResetTransport(); err != nil {
		writeBridgeError(w, err)
		return
	}
	s.logger.Info("CoAP transports reset via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}
