package collab

import (
	"errors"
	"fmt"
)

var (
	ErrRoomNotFound = errors.New("collab: room not found")
	ErrRoomBusy     = errors.New("collab: room has connections or unsaved changes")

	errRoomClosed = errors.New("collab: room closed")
)

// GetOrCreate returns the live room for id, creating it with its idle timer
// armed when absent.
func (c *Coordinator) GetOrCreate(id string) *Room {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := c.rooms[id]; ok {
		return r
	}

	r := newRoom(id, c.log, c.metrics)
	c.rooms[id] = r
	r.mu.Lock()
	c.armIdle(r)
	r.mu.Unlock()

	c.metrics.rooms.Add(bg, 1)
	c.log.Info().Str("room", id).Int("total", len(c.rooms)).Msg("Room created")
	return r
}

// Lookup returns the live room for id without creating it.
func (c *Coordinator) Lookup(id string) (*Room, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	r, ok := c.rooms[id]
	return r, ok
}

// Remove drops an idle, clean room from the registry.
func (c *Coordinator) Remove(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	r, ok := c.rooms[id]
	if !ok {
		return fmt.Errorf("remove %s: %w", id, ErrRoomNotFound)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.members) > 0 || r.dirty {
		return fmt.Errorf("remove %s: %w", id, ErrRoomBusy)
	}
	c.dropLocked(r)
	return nil
}

// removeIfIdle drops r if nothing touched it since the idle timer of
// generation gen was armed.
func (c *Coordinator) removeIfIdle(r *Room, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || r.idleGen != gen || len(r.members) > 0 {
		return false
	}
	if r.dirty {
		c.armIdle(r)
		return false
	}
	c.dropLocked(r)
	return true
}

// dropLocked requires c.mu and r.mu.
func (c *Coordinator) dropLocked(r *Room) {
	r.closed = true
	r.stopIdle()
	if c.rooms[r.ID] == r {
		delete(c.rooms, r.ID)
		c.metrics.rooms.Add(bg, -1)
	}
}

func (c *Coordinator) snapshot() []*Room {
	c.mu.Lock()
	defer c.mu.Unlock()

	rooms := make([]*Room, 0, len(c.rooms))
	for _, r := range c.rooms {
		rooms = append(rooms, r)
	}
	return rooms
}
