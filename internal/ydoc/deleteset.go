package ydoc

import (
	"fmt"
	"sort"

	"github.com/manpreetbhatti/lattice/collab/internal/wire"
)

type deleteRange struct {
	clock  uint64
	length uint64
}

func (r deleteRange) end() uint64 {
	return r.clock + r.length
}

// deleteSet maps a client to its deleted clock ranges, sorted and merged.
type deleteSet map[uint64][]deleteRange

func readDeleteSet(dec *wire.Decoder) (deleteSet, error) {
	clients, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("read delete set size: %w", err)
	}
	if clients > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("ydoc: delete set size %d exceeds update size", clients)
	}

	ds := make(deleteSet, clients)
	for i := uint64(0); i < clients; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("read delete set client: %w", err)
		}
		n, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("read delete range count: %w", err)
		}
		if n > uint64(dec.Remaining()) {
			return nil, fmt.Errorf("ydoc: delete range count %d exceeds update size", n)
		}
		for j := uint64(0); j < n; j++ {
			clock, err := dec.ReadVarUint()
			if err != nil {
				return nil, fmt.Errorf("read delete clock: %w", err)
			}
			length, err := dec.ReadVarUint()
			if err != nil {
				return nil, fmt.Errorf("read delete length: %w", err)
			}
			if clock > maxClock || length > maxClock {
				return nil, fmt.Errorf("ydoc: delete range %d+%d out of range", clock, length)
			}
			if length > 0 {
				ds[client] = append(ds[client], deleteRange{clock: clock, length: length})
			}
		}
	}
	return ds, nil
}

// merge adds other into ds and reports whether any clock became newly
// deleted.
func (ds deleteSet) merge(other deleteSet) bool {
	changed := false
	for client, ranges := range other {
		before := covered(ds[client])
		merged := normalize(append(append([]deleteRange(nil), ds[client]...), ranges...))
		if covered(merged) != before {
			changed = true
		}
		ds[client] = merged
	}
	return changed
}

func normalize(ranges []deleteRange) []deleteRange {
	sort.Slice(ranges, func(i, j int) bool { return ranges[i].clock < ranges[j].clock })
	out := ranges[:0]
	for _, r := range ranges {
		if n := len(out); n > 0 && r.clock <= out[n-1].end() {
			if r.end() > out[n-1].end() {
				out[n-1].length = r.end() - out[n-1].clock
			}
			continue
		}
		out = append(out, r)
	}
	return out
}

func covered(ranges []deleteRange) uint64 {
	var n uint64
	for _, r := range ranges {
		n += r.length
	}
	return n
}

func (ds deleteSet) write(enc *wire.Encoder) {
	clients := make([]uint64, 0, len(ds))
	for client, ranges := range ds {
		if len(ranges) > 0 {
			clients = append(clients, client)
		}
	}
	sortDescending(clients)

	enc.WriteVarUint(uint64(len(clients)))
	for _, client := range clients {
		ranges := ds[client]
		enc.WriteVarUint(client)
		enc.WriteVarUint(uint64(len(ranges)))
		for _, r := range ranges {
			enc.WriteVarUint(r.clock)
			enc.WriteVarUint(r.length)
		}
	}
}

func sortDescending(ids []uint64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })
}
