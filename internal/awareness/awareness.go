// Package awareness keeps the ephemeral presence table of a room: per client
// id the latest state blob (cursor, name, color) and its logical clock.
//
// An incoming entry wins when its clock is newer than the known one. An entry
// with the same clock and a null state removes a live client; this is how a
// peer retracts itself. Clocks of removed clients are remembered so a stale
// update cannot resurrect them.
package awareness

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
)

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Changes lists the client ids affected by an applied update.
type Changes struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

func (c Changes) Empty() bool {
	return len(c.Added) == 0 && len(c.Updated) == 0 && len(c.Removed) == 0
}

type Awareness struct {
	mu     sync.RWMutex
	states map[uint64][]byte
	meta   map[uint64]meta
	now    func() time.Time
}

func New() *Awareness {
	return &Awareness{
		states: make(map[uint64][]byte),
		meta:   make(map[uint64]meta),
		now:    time.Now,
	}
}

// ApplyEntries merges decoded awareness entries into the table.
func (a *Awareness) ApplyEntries(entries []protocol.AwarenessEntry) Changes {
	a.mu.Lock()
	defer a.mu.Unlock()

	var changes Changes
	now := a.now()
	for _, e := range entries {
		current, known := a.meta[e.ClientID]
		_, live := a.states[e.ClientID]

		newer := !known || current.clock < e.Clock
		retract := known && current.clock == e.Clock && e.IsRemoval() && live
		if !newer && !retract {
			continue
		}

		a.meta[e.ClientID] = meta{clock: e.Clock, lastUpdated: now}
		switch {
		case e.IsRemoval():
			if live {
				delete(a.states, e.ClientID)
				changes.Removed = append(changes.Removed, e.ClientID)
			}
		case live:
			a.states[e.ClientID] = e.State
			changes.Updated = append(changes.Updated, e.ClientID)
		default:
			a.states[e.ClientID] = e.State
			changes.Added = append(changes.Added, e.ClientID)
		}
	}
	return changes
}

// Remove retracts the given clients and returns the awareness update
// announcing it, or nil when none of them was live.
func (a *Awareness) Remove(clientIDs []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	var entries []protocol.AwarenessEntry
	now := a.now()
	for _, id := range clientIDs {
		if _, live := a.states[id]; !live {
			continue
		}
		delete(a.states, id)
		clock := a.meta[id].clock + 1
		a.meta[id] = meta{clock: clock, lastUpdated: now}
		entries = append(entries, protocol.AwarenessEntry{
			ClientID: id,
			Clock:    clock,
			State:    protocol.NullState,
		})
	}
	if len(entries) == 0 {
		return nil
	}
	return protocol.EncodeAwarenessUpdate(entries)
}

// Encode returns an awareness update carrying the given clients. Clients
// without a live state are encoded as removals so peers drop them too.
func (a *Awareness) Encode(clientIDs []uint64) ([]byte, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	entries := make([]protocol.AwarenessEntry, 0, len(clientIDs))
	for _, id := range clientIDs {
		m, known := a.meta[id]
		if !known {
			return nil, fmt.Errorf("awareness: unknown client %d", id)
		}
		state, live := a.states[id]
		if !live {
			state = protocol.NullState
		}
		entries = append(entries, protocol.AwarenessEntry{ClientID: id, Clock: m.clock, State: state})
	}
	return protocol.EncodeAwarenessUpdate(entries), nil
}

// Snapshot encodes every live client, or returns nil when the table is empty.
func (a *Awareness) Snapshot() []byte {
	ids := a.ClientIDs()
	if len(ids) == 0 {
		return nil
	}
	update, err := a.Encode(ids)
	if err != nil {
		// ids came from the table itself; a concurrent removal only turns
		// an entry into a null state, it never unknowns it.
		return nil
	}
	return update
}

// ClientIDs returns the live client ids in ascending order.
func (a *Awareness) ClientIDs() []uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	ids := make([]uint64, 0, len(a.states))
	for id := range a.states {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
