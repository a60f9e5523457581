package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/lattice/collab/internal/auth"
	"github.com/manpreetbhatti/lattice/collab/internal/collab"
	"github.com/manpreetbhatti/lattice/collab/internal/store"
)

// DocumentStore is the read side of the store used by the ops endpoints.
type DocumentStore interface {
	Load(ctx context.Context, documentID string) (*store.Snapshot, error)
	Count(ctx context.Context) (int, error)
}

type API struct {
	coordinator *collab.Coordinator
	documents   DocumentStore
	log         zerolog.Logger
	timeout     time.Duration
}

func New(coordinator *collab.Coordinator, documents DocumentStore, logger zerolog.Logger) *API {
	return &API{
		coordinator: coordinator,
		documents:   documents,
		log:         logger.With().Str("component", "api").Logger(),
		timeout:     10 * time.Second,
	}
}

func (a *API) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		a.log.Error().Err(err).Msg("Error encoding JSON response")
	}
}

func (a *API) errorResponse(w http.ResponseWriter, status int, message string) {
	a.jsonResponse(w, status, map[string]string{"error": message})
}

// RequireAuth rejects requests that authenticator does not accept.
func (a *API) RequireAuth(authenticator auth.Authenticator, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := authenticator.Authenticate(r)
		if err != nil {
			a.log.Info().Err(err).Str("path", r.URL.Path).Msg("Rejecting unauthenticated API request")
			a.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		a.log.Debug().Str("user", identity.UserID).Str("path", r.URL.Path).Msg("API request")
		next(w, r)
	}
}

func (a *API) HealthHandler(w http.ResponseWriter, r *http.Request) {
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) StatsHandler(w http.ResponseWriter, r *http.Request) {
	live := a.coordinator.Stats()
	stats := map[string]any{
		"active_rooms":   live.Rooms,
		"active_clients": live.Sessions,
		"dirty_rooms":    live.DirtyRooms,
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	}

	if a.documents != nil {
		ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
		defer cancel()
		if count, err := a.documents.Count(ctx); err == nil {
			stats["stored_documents"] = count
		} else {
			a.log.Warn().Err(err).Msg("Failed to count stored documents")
		}
	}

	a.jsonResponse(w, http.StatusOK, stats)
}

// Room handlers

type RoomResponse struct {
	ID            string             `json:"id"`
	Active        bool               `json:"active"`
	Live          *collab.RoomStatus `json:"live,omitempty"`
	Stored        bool               `json:"stored"`
	StoredVersion int64              `json:"stored_version,omitempty"`
	StoredSize    int                `json:"stored_size,omitempty"`
	UpdatedAt     *time.Time         `json:"updated_at,omitempty"`
}

func (a *API) ListRoomsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	rooms := a.coordinator.Rooms()
	a.jsonResponse(w, http.StatusOK, map[string]any{
		"rooms": rooms,
		"total": len(rooms),
	})
}

func (a *API) GetRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodGet {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := RoomResponse{ID: roomID}
	if room, ok := a.coordinator.Lookup(roomID); ok {
		status := room.Status()
		resp.Active = true
		resp.Live = &status
	}

	if a.documents != nil {
		ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
		defer cancel()

		snapshot, err := a.documents.Load(ctx, roomID)
		if err != nil {
			a.log.Error().Err(err).Str("room", roomID).Msg("Failed to load stored document")
			a.errorResponse(w, http.StatusInternalServerError, "Failed to get room")
			return
		}
		if snapshot != nil {
			resp.Stored = true
			resp.StoredVersion = snapshot.Version
			resp.StoredSize = len(snapshot.Data)
			resp.UpdatedAt = &snapshot.UpdatedAt
		}
	}

	if !resp.Active && !resp.Stored {
		a.errorResponse(w, http.StatusNotFound, "Room not found")
		return
	}
	a.jsonResponse(w, http.StatusOK, resp)
}

func (a *API) FlushRoomHandler(w http.ResponseWriter, r *http.Request, roomID string) {
	if r.Method != http.MethodPost {
		a.errorResponse(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	room, ok := a.coordinator.Lookup(roomID)
	if !ok {
		a.errorResponse(w, http.StatusNotFound, "Room not active")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()

	if err := a.coordinator.FlushRoom(ctx, room); err != nil {
		a.log.Error().Err(err).Str("room", roomID).Msg("Manual flush failed")
		if errors.Is(err, collab.ErrNotLoaded) {
			a.errorResponse(w, http.StatusServiceUnavailable, "Room state not loaded yet")
			return
		}
		a.errorResponse(w, http.StatusInternalServerError, "Failed to flush room")
		return
	}

	a.jsonResponse(w, http.StatusOK, map[string]any{
		"message": "Room flushed",
		"room":    room.Status(),
	})
}

// RoomsRouter serves /api/rooms, /api/rooms/{id} and /api/rooms/{id}/flush.
func (a *API) RoomsRouter(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/rooms"), "/")

	if path == "" {
		a.ListRoomsHandler(w, r)
		return
	}

	if roomID, ok := strings.CutSuffix(path, "/flush"); ok && roomID != "" {
		a.FlushRoomHandler(w, r, roomID)
		return
	}

	if strings.Contains(path, "/") {
		a.errorResponse(w, http.StatusNotFound, "Not found")
		return
	}
	a.GetRoomHandler(w, r, path)
}
