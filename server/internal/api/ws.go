package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fabrice-guiot/shuttersense/server/internal/events"
)

// WSHandler upgrades UI clients onto the event hub.
type WSHandler struct {
	hub    *events.Hub
	logger *zap.Logger
}

// NewWSHandler creates a WSHandler.
func NewWSHandler(hub *events.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger}
}

// Serve handles the WebSocket endpoint. Topics come from the query string:
//
//	GET /api/v1/ws?topics=job:job_…,team:tea_…
//
// A client with no topics receives nothing but stays connected; the UI can
// reconnect with a refined subscription instead of filtering client-side.
func (h *WSHandler) Serve(w http.ResponseWriter, r *http.Request) {
	var topics []string
	if raw := r.URL.Query().Get("topics"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				topics = append(topics, t)
			}
		}
	}

	client, err := events.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// Upgrade already wrote its own error response.
		h.logger.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	client.Run()
}
