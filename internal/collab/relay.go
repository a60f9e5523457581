package collab

import (
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
	"github.com/manpreetbhatti/lattice/collab/internal/wire"
	"github.com/manpreetbhatti/lattice/collab/internal/ydoc"
)

// handshake requires r.mu.
func (c *Coordinator) handshake(r *Room, s *Session) {
	s.send(protocol.EncodeSyncStep1(r.doc.EncodeStateVector()))
	if update := r.presence.Snapshot(); update != nil {
		s.send(protocol.EncodeAwareness(update))
	}
}

// HandleFrame processes one inbound frame from s. Malformed frames are
// logged and dropped; the connection stays open.
func (c *Coordinator) HandleFrame(s *Session, frame []byte) {
	r := s.room
	r.mu.Lock()
	defer r.mu.Unlock()

	if s.left || r.members[s.UserID] != s {
		return
	}

	defer func() {
		if p := recover(); p != nil {
			s.log.Error().Interface("panic", p).Msg("Frame handler panicked")
			add(c.metrics.frameErrors)
		}
	}()

	mt, err := c.handleFrame(r, s, frame)
	add(c.metrics.frames, attribute.String("type", mt.String()))
	if err != nil {
		s.log.Warn().Err(err).Stringer("type", mt).Int("size", len(frame)).Msg("Dropping malformed frame")
		add(c.metrics.frameErrors, attribute.String("type", mt.String()))
	}
}

func (c *Coordinator) handleFrame(r *Room, s *Session, frame []byte) (protocol.MessageType, error) {
	mt, dec, err := protocol.ReadMessageType(frame)
	if err != nil {
		return mt, err
	}

	switch mt {
	case protocol.MessageSync:
		reply := wire.NewEncoder()
		reply.WriteVarUint(uint64(protocol.MessageSync))
		header := reply.Len()

		step, changed, err := ydoc.ReadSyncMessage(dec, reply, r.doc)
		if err != nil {
			return mt, err
		}
		if reply.Len() > header {
			s.send(reply.Bytes())
		}
		if changed {
			r.markDirty()
			r.broadcast(frame, s.UserID)
		}
		s.log.Debug().Stringer("step", step).Bool("changed", changed).Msg("Sync message")

	case protocol.MessageAwareness:
		update, err := dec.ReadVarBytes()
		if err != nil {
			return mt, fmt.Errorf("read awareness update: %w", err)
		}
		entries, err := protocol.DecodeAwarenessUpdate(update)
		if err != nil {
			return mt, err
		}
		for _, e := range entries {
			r.claim(s, e.ClientID)
		}
		r.presence.ApplyEntries(entries)
		r.broadcast(frame, s.UserID)

	case protocol.MessageAwarenessQuery:
		if update := r.presence.Snapshot(); update != nil {
			s.send(protocol.EncodeAwareness(update))
		}

	default:
		return mt, fmt.Errorf("unknown message type %d", uint64(mt))
	}
	return mt, nil
}
