// Package ws is the WebSocket transport for collaboration sessions.
package ws

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/collab"
	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
	"github.com/manpreetbhatti/lattice/collab/internal/ratelimit"
)

// PathPrefix is where the handler is mounted; the rest of the path is the
// document id.
const PathPrefix = "/collaboration/"

type Config struct {
	SendBuffer     int
	MaxMessageSize int64
	AllowedOrigins []string
}

type Handler struct {
	coordinator *collab.Coordinator
	auth        auth.Authenticator
	limiters    *ratelimit.ClientLimiters
	upgrader    websocket.Upgrader
	config      Config
	log         zerolog.Logger
}

func NewHandler(coordinator *collab.Coordinator, authenticator auth.Authenticator, limiters *ratelimit.ClientLimiters, config Config, logger zerolog.Logger) *Handler {
	h := &Handler{
		coordinator: coordinator,
		auth:        authenticator,
		limiters:    limiters,
		config:      config,
		log:         logger.With().Str("component", "ws").Logger(),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(config.AllowedOrigins),
	}
	return h
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

func documentID(r *http.Request) string {
	return strings.Trim(strings.TrimPrefix(r.URL.Path, strings.TrimSuffix(PathPrefix, "/")), "/")
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	docID := documentID(r)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Msg("Upgrade error")
		return
	}

	log := h.log.With().Str("room", docID).Str("remote", conn.RemoteAddr().String()).Logger()
	client := newClient(conn, h.config.SendBuffer, log)
	go client.writePump()

	if docID == "" {
		client.Close(protocol.CloseBadRequest, "missing document id")
		return
	}

	identity, err := h.auth.Authenticate(r)
	if err != nil {
		log.Info().Err(err).Msg("Rejecting unauthenticated connection")
		client.Close(protocol.CloseUnauthorized, "unauthorized")
		return
	}
	client.log = log.With().Str("user", identity.UserID).Logger()

	session, err := h.coordinator.Connect(docID, identity.UserID, client)
	if err != nil {
		if !errors.Is(err, collab.ErrSessionActive) && !errors.Is(err, collab.ErrShuttingDown) {
			client.Close(websocket.CloseInternalServerErr, "internal error")
		}
		return
	}

	client.readPump(h.config.MaxMessageSize, h.limiters.Get(identity.UserID), func(frame []byte) {
		h.coordinator.HandleFrame(session, frame)
	})

	h.coordinator.Disconnect(session)
	client.Close(websocket.CloseNormalClosure, "")
}
