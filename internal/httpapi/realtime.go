package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The frontend runs from an app shell, not a fixed origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleRealtimeSession upgrades the connection and hands it to a voice
// relay bound to the session.
func (s *Server) handleRealtimeSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.loadSession(r)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if s.relays == nil {
		writeError(w, http.StatusServiceUnavailable, "realtime voice is not configured")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	relay := s.relays(session.ID)
	if err := relay.Run(r.Context(), conn); err != nil {
		log.Warn().Err(err).Str("sessionId", session.ID).Msg("Realtime relay ended with error")
	}
}
