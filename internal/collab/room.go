package collab

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/lattice/collab/internal/awareness"
	"github.com/manpreetbhatti/lattice/collab/internal/ydoc"
)

// LoadState tracks whether a room's document has been read from the store.
type LoadState int

const (
	LoadNotLoaded LoadState = iota
	LoadLoading
	LoadLoaded
)

func (s LoadState) String() string {
	switch s {
	case LoadNotLoaded:
		return "not_loaded"
	case LoadLoading:
		return "loading"
	case LoadLoaded:
		return "loaded"
	default:
		return "unknown"
	}
}

// Room is the in-memory state of one document. All fields below mu are only
// touched with mu held.
type Room struct {
	ID string

	// flushMu serializes snapshot writes so an older snapshot never lands
	// after a newer one.
	flushMu sync.Mutex

	mu       sync.Mutex
	doc      *ydoc.Doc
	presence *awareness.Awareness
	members  map[string]*Session
	owners   map[uint64]*Session

	dirty bool
	// version counts document mutations since the room was created.
	version     uint64
	baseVersion int64

	loadState LoadState
	loading   chan struct{}

	idle    Timer
	idleGen uint64
	closed  bool

	log     zerolog.Logger
	metrics *metrics
}

func newRoom(id string, logger zerolog.Logger, m *metrics) *Room {
	return &Room{
		ID:       id,
		doc:      ydoc.New(),
		presence: awareness.New(),
		members:  make(map[string]*Session),
		owners:   make(map[uint64]*Session),
		log:      logger.With().Str("room", id).Logger(),
		metrics:  m,
	}
}

func (r *Room) markDirty() {
	r.dirty = true
	r.version++
}

func (r *Room) stopIdle() {
	if r.idle != nil {
		r.idle.Stop()
		r.idle = nil
	}
	r.idleGen++
}

// claim records s as the session that introduced clientID.
func (r *Room) claim(s *Session, clientID uint64) {
	if prev, ok := r.owners[clientID]; ok && prev != s {
		delete(prev.clientIDs, clientID)
	}
	r.owners[clientID] = s
	s.clientIDs[clientID] = struct{}{}
}

// broadcast queues frame on every member except excludeUserID. A failed send
// is logged and skipped.
func (r *Room) broadcast(frame []byte, excludeUserID string) int {
	sent := 0
	for userID, s := range r.members {
		if userID == excludeUserID {
			continue
		}
		if err := s.conn.SendFrame(frame); err != nil {
			r.log.Warn().Err(err).Str("user", userID).Str("session", s.ID).Msg("Broadcast send failed")
			add(r.metrics.sendErrors)
			continue
		}
		sent++
	}
	return sent
}

// RoomStatus is a point-in-time view of a room.
type RoomStatus struct {
	ID          string   `json:"id"`
	Connections int      `json:"connections"`
	Users       []string `json:"users"`
	Presence    []uint64 `json:"presence"`
	Dirty       bool     `json:"dirty"`
	LoadState   string   `json:"load_state"`
	Version     int64    `json:"version"`
}

func (r *Room) Status() RoomStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	users := make([]string, 0, len(r.members))
	for userID := range r.members {
		users = append(users, userID)
	}
	sort.Strings(users)

	return RoomStatus{
		ID:          r.ID,
		Connections: len(r.members),
		Users:       users,
		Presence:    r.presence.ClientIDs(),
		Dirty:       r.dirty,
		LoadState:   r.loadState.String(),
		Version:     r.baseVersion + int64(r.version),
	}
}

func (r *Room) IsDirty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dirty
}

func (r *Room) LoadState() LoadState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.loadState
}

func (r *Room) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}
