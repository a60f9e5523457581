// Package ydoc is the replicated document the coordinator keeps per room.
//
// It speaks the Yjs v1 update encoding that y-websocket clients send: a list
// of struct groups, one per client, followed by a delete set. The server
// never renders the document, so structs are stored in wire form and merged
// the way Yjs merges updates without a document: per client, a struct is
// kept when it extends the contiguous run of clocks already held. Structs
// that arrive ahead of a gap wait until the gap is filled. Deletions are a
// union of clock ranges. Both are idempotent, commutative and associative,
// so replicas that saw the same updates serve the same state.
//
// State vector layout:
//
//	[clientCount] clientCount × ([clientID][nextClock])
package ydoc

import (
	"fmt"
	"sync"

	"github.com/manpreetbhatti/lattice/collab/internal/wire"
)

// AppendRoot is the shared text that Append writes into.
const AppendRoot = "content"

type clientStructs struct {
	// blocks cover the clocks [0, state) without gaps.
	blocks []*block
	// pending start beyond state, sorted by clock.
	pending []*block
}

func (c *clientStructs) state() uint64 {
	if len(c.blocks) == 0 {
		return 0
	}
	return c.blocks[len(c.blocks)-1].end()
}

func (c *clientStructs) insert(b *block) bool {
	state := c.state()
	switch {
	case b.end() <= state:
		return false
	case b.id.Clock > state:
		return c.addPending(b)
	}
	c.blocks = append(c.blocks, b.sliceFrom(state))
	c.drainPending()
	return true
}

func (c *clientStructs) addPending(b *block) bool {
	at := len(c.pending)
	for i, p := range c.pending {
		if p.id.Clock <= b.id.Clock && b.end() <= p.end() {
			return false
		}
		if p.id.Clock > b.id.Clock && at == len(c.pending) {
			at = i
		}
	}
	c.pending = append(c.pending, nil)
	copy(c.pending[at+1:], c.pending[at:])
	c.pending[at] = b
	return true
}

func (c *clientStructs) drainPending() {
	for len(c.pending) > 0 {
		state := c.state()
		p := c.pending[0]
		if p.id.Clock > state {
			return
		}
		c.pending = c.pending[1:]
		if p.end() > state {
			c.blocks = append(c.blocks, p.sliceFrom(state))
		}
	}
}

// from returns the structs a peer at clock is missing, with skips filling
// the gaps before pending structs.
func (c *clientStructs) from(clock uint64) []*block {
	var out []*block
	next := clock
	add := func(b *block) {
		if b.end() <= next {
			return
		}
		if b.id.Clock > next {
			if len(out) > 0 {
				out = append(out, &block{kind: kindSkip, id: ID{Client: b.id.Client, Clock: next}, length: b.id.Clock - next})
			}
		} else {
			b = b.sliceFrom(next)
		}
		out = append(out, b)
		next = b.end()
	}
	for _, b := range c.blocks {
		add(b)
	}
	for _, b := range c.pending {
		add(b)
	}
	return out
}

type Doc struct {
	mu      sync.RWMutex
	clients map[uint64]*clientStructs
	deletes deleteSet
}

func New() *Doc {
	return &Doc{
		clients: make(map[uint64]*clientStructs),
		deletes: make(deleteSet),
	}
}

type update struct {
	blocks  []*block
	deletes deleteSet
}

func decodeUpdate(b []byte) (*update, error) {
	dec := wire.NewDecoder(b)
	groups, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("ydoc: read client count: %w", err)
	}
	if groups > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("ydoc: client count %d exceeds update size", groups)
	}

	u := &update{}
	for i := uint64(0); i < groups; i++ {
		n, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("ydoc: read struct count: %w", err)
		}
		if n > uint64(dec.Remaining()) {
			return nil, fmt.Errorf("ydoc: struct count %d exceeds update size", n)
		}
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("ydoc: read client: %w", err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("ydoc: read clock: %w", err)
		}

		for j := uint64(0); j < n; j++ {
			if clock > maxClock {
				return nil, fmt.Errorf("ydoc: clock %d of client %d out of range", clock, client)
			}
			id := ID{Client: client, Clock: clock}
			info, err := dec.ReadUint8()
			if err != nil {
				return nil, fmt.Errorf("ydoc: read struct info: %w", err)
			}

			switch info & infoRefMask {
			case refGC, refSkip:
				length, err := dec.ReadVarUint()
				if err != nil {
					return nil, fmt.Errorf("ydoc: read struct length: %w", err)
				}
				if length == 0 || length > maxClock {
					return nil, fmt.Errorf("ydoc: struct %d:%d: %w", client, clock, errEmptyStruct)
				}
				if info&infoRefMask == refGC {
					u.blocks = append(u.blocks, &block{kind: kindGC, id: id, length: length})
				}
				clock += length
			default:
				b, err := readItem(dec, id, info)
				if err != nil {
					return nil, fmt.Errorf("ydoc: struct %d:%d: %w", client, clock, err)
				}
				u.blocks = append(u.blocks, b)
				clock += b.length
			}
		}
	}

	u.deletes, err = readDeleteSet(dec)
	if err != nil {
		return nil, fmt.Errorf("ydoc: %w", err)
	}
	if dec.Remaining() != 0 {
		return nil, fmt.Errorf("ydoc: %d trailing bytes after update", dec.Remaining())
	}
	return u, nil
}

// ApplyUpdate merges an encoded update into the document. The update is
// validated in full before anything is applied. It reports whether the
// update carried any struct or deletion the document did not hold.
func (d *Doc) ApplyUpdate(encoded []byte) (bool, error) {
	u, err := decodeUpdate(encoded)
	if err != nil {
		return false, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	changed := false
	for _, b := range u.blocks {
		c, ok := d.clients[b.id.Client]
		if !ok {
			c = &clientStructs{}
			d.clients[b.id.Client] = c
		}
		if c.insert(b) {
			changed = true
		}
	}
	if d.deletes.merge(u.deletes) {
		changed = true
	}
	return changed, nil
}

// Append records a local edit by client, inserting text at the end of the
// client's previous edit, and returns it encoded as an update.
func (d *Doc) Append(client uint64, text []byte) []byte {
	d.mu.Lock()
	c, ok := d.clients[client]
	if !ok {
		c = &clientStructs{}
		d.clients[client] = c
	}
	state := c.state()
	b := &block{
		kind:    kindItem,
		id:      ID{Client: client, Clock: state},
		info:    refString,
		content: content{ref: refString, str: string(text)},
	}
	b.length = b.content.len()
	if state > 0 {
		b.info |= infoOrigin
		b.origin = ID{Client: client, Clock: state - 1}
	} else {
		b.parentIsKey = true
		b.parentKey = AppendRoot
	}
	if b.length > 0 {
		c.insert(b)
	}
	d.mu.Unlock()

	enc := wire.NewEncoder()
	if b.length == 0 {
		enc.WriteVarUint(0)
	} else {
		enc.WriteVarUint(1)
		enc.WriteVarUint(1)
		enc.WriteVarUint(client)
		enc.WriteVarUint(state)
		b.write(enc)
	}
	enc.WriteVarUint(0)
	return enc.Bytes()
}

// StateVector returns, per client, the next clock the document expects.
func (d *Doc) StateVector() map[uint64]uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()

	sv := make(map[uint64]uint64, len(d.clients))
	for client, c := range d.clients {
		if state := c.state(); state > 0 {
			sv[client] = state
		}
	}
	return sv
}

func (d *Doc) EncodeStateVector() []byte {
	return EncodeStateVector(d.StateVector())
}

// EncodeStateAsUpdate encodes every struct the holder of encodedStateVector
// is missing, plus the whole delete set. A nil or empty state vector yields
// the whole document.
func (d *Doc) EncodeStateAsUpdate(encodedStateVector []byte) ([]byte, error) {
	var sv map[uint64]uint64
	if len(encodedStateVector) > 0 {
		var err error
		sv, err = DecodeStateVector(encodedStateVector)
		if err != nil {
			return nil, err
		}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	clients := make([]uint64, 0, len(d.clients))
	groups := make(map[uint64][]*block, len(d.clients))
	for client, c := range d.clients {
		if blocks := c.from(sv[client]); len(blocks) > 0 {
			clients = append(clients, client)
			groups[client] = blocks
		}
	}
	sortDescending(clients)

	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		blocks := groups[client]
		enc.WriteVarUint(uint64(len(blocks)))
		enc.WriteVarUint(client)
		enc.WriteVarUint(blocks[0].id.Clock)
		for _, b := range blocks {
			b.write(enc)
		}
	}
	d.deletes.write(enc)
	return enc.Bytes(), nil
}

// Len returns the number of structs the document holds, pending ones
// included.
func (d *Doc) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	n := 0
	for _, c := range d.clients {
		n += len(c.blocks) + len(c.pending)
	}
	return n
}

func EncodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sortDescending(clients)

	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		enc.WriteVarUint(client)
		enc.WriteVarUint(sv[client])
	}
	return enc.Bytes()
}

func DecodeStateVector(b []byte) (map[uint64]uint64, error) {
	dec := wire.NewDecoder(b)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("ydoc: read state vector length: %w", err)
	}
	if n > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("ydoc: state vector length %d exceeds payload", n)
	}
	sv := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("ydoc: read state vector client: %w", err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("ydoc: read state vector clock: %w", err)
		}
		sv[client] = clock
	}
	return sv, nil
}
