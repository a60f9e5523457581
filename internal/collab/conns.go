package collab

import (
	"errors"
	"sort"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
)

// ErrSessionActive is returned by Connect when the user already holds a
// session in the room. The new connection has been closed.
var ErrSessionActive = errors.New("collab: user already has an active session in this room")

// ErrShuttingDown is returned by Connect after CloseSessions.
var ErrShuttingDown = errors.New("collab: coordinator shutting down")

// Conn is the outbound half of a client connection.
type Conn interface {
	// SendFrame queues one binary frame. It must not block; a connection
	// that cannot keep up returns an error.
	SendFrame(frame []byte) error
	Close(code int, reason string) error
}

// Session is one authenticated connection registered in a room.
type Session struct {
	ID     string
	UserID string

	room *Room
	conn Conn
	log  zerolog.Logger

	// Guarded by room.mu.
	clientIDs map[uint64]struct{}
	left      bool
}

func (s *Session) Room() *Room {
	return s.room
}

// ClientIDs returns the awareness client ids this session currently owns.
func (s *Session) ClientIDs() []uint64 {
	s.room.mu.Lock()
	defer s.room.mu.Unlock()

	ids := make([]uint64, 0, len(s.clientIDs))
	for id := range s.clientIDs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Session) send(frame []byte) {
	if err := s.conn.SendFrame(frame); err != nil {
		s.log.Warn().Err(err).Msg("Send failed")
		add(s.room.metrics.sendErrors)
	}
}

// Connect registers conn as userID's session in documentID, sends it the
// sync handshake and makes sure the document load has started.
func (c *Coordinator) Connect(documentID, userID string, conn Conn) (*Session, error) {
	for {
		r := c.GetOrCreate(documentID)
		s, err := c.register(r, userID, conn)
		if errors.Is(err, errRoomClosed) {
			// Reclaimed between lookup and registration.
			continue
		}
		if err != nil {
			code, reason := protocol.CloseSessionActive, "session already active"
			if errors.Is(err, ErrShuttingDown) {
				code, reason = protocol.CloseGoingAway, "server shutting down"
			} else {
				add(c.metrics.rejections)
			}
			if cerr := conn.Close(code, reason); cerr != nil {
				c.log.Debug().Err(cerr).Str("room", documentID).Msg("Close rejected connection")
			}
			return nil, err
		}
		c.KickoffLoad(r)
		return s, nil
	}
}

func (c *Coordinator) register(r *Room, userID string, conn Conn) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, errRoomClosed
	}
	if c.closing.Load() {
		return nil, ErrShuttingDown
	}
	if existing, ok := r.members[userID]; ok {
		r.log.Info().Str("user", userID).Str("session", existing.ID).Msg("Rejecting connection, user already connected")
		return nil, ErrSessionActive
	}

	r.stopIdle()

	id := uuid.NewString()
	s := &Session{
		ID:        id,
		UserID:    userID,
		room:      r,
		conn:      conn,
		log:       r.log.With().Str("user", userID).Str("session", id).Logger(),
		clientIDs: make(map[uint64]struct{}),
	}
	r.members[userID] = s
	c.metrics.sessions.Add(bg, 1)

	c.handshake(r, s)

	s.log.Info().Int("total", len(r.members)).Msg("Client joined room")
	return s, nil
}

// Disconnect unregisters s, retracts the presence of every client id it
// owns and arms the idle timer when the room empties. Calling it twice is a
// no-op.
func (c *Coordinator) Disconnect(s *Session) {
	r := s.room
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.left {
		return
	}
	s.left = true
	if r.members[s.UserID] != s {
		return
	}
	delete(r.members, s.UserID)
	c.metrics.sessions.Add(bg, -1)

	owned := make([]uint64, 0, len(s.clientIDs))
	for id := range s.clientIDs {
		if r.owners[id] == s {
			owned = append(owned, id)
			delete(r.owners, id)
		}
	}
	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })

	if update := r.presence.Remove(owned); update != nil {
		r.broadcast(protocol.EncodeAwareness(update), "")
	}

	s.log.Info().Int("total", len(r.members)).Msg("Client left room")

	if len(r.members) == 0 && !c.closing.Load() {
		c.armIdle(r)
	}
}

// CloseSessions stops accepting connections, unregisters every session and
// closes its connection with going-away. Frames still arriving from those
// connections are ignored, so a flush that follows stores the final state.
// It returns the number of sessions closed.
func (c *Coordinator) CloseSessions() int {
	c.closing.Store(true)

	closed := 0
	for _, r := range c.snapshot() {
		r.mu.Lock()
		sessions := make([]*Session, 0, len(r.members))
		for _, s := range r.members {
			sessions = append(sessions, s)
		}
		r.mu.Unlock()

		for _, s := range sessions {
			c.Disconnect(s)
			if err := s.conn.Close(protocol.CloseGoingAway, "server shutting down"); err != nil {
				s.log.Debug().Err(err).Msg("Close connection on shutdown")
			}
			closed++
		}
	}
	c.log.Info().Int("sessions", closed).Msg("Closed all sessions")
	return closed
}

// Broadcast sends frame to every session in r except excludeUserID and
// returns how many sends succeeded.
func (c *Coordinator) Broadcast(r *Room, frame []byte, excludeUserID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcast(frame, excludeUserID)
}
