package protocol

import (
	"fmt"

	"github.com/manpreetbhatti/lattice/collab/internal/wire"
)

// NullState is the state blob announcing that a client went away.
var NullState = []byte("null")

// AwarenessEntry is one client's presence record inside an awareness update.
type AwarenessEntry struct {
	ClientID uint64
	Clock    uint64
	State    []byte
}

// IsRemoval reports whether the entry retracts the client's presence.
func (e AwarenessEntry) IsRemoval() bool {
	return string(e.State) == string(NullState)
}

// EncodeAwarenessUpdate lays out entries as
// [count] then count × [clientID][clock][state].
func EncodeAwarenessUpdate(entries []AwarenessEntry) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(len(entries)))
	for _, e := range entries {
		enc.WriteVarUint(e.ClientID)
		enc.WriteVarUint(e.Clock)
		enc.WriteVarBytes(e.State)
	}
	return enc.Bytes()
}

// DecodeAwarenessUpdate parses an awareness update. State slices are copied so
// callers may keep them after the frame buffer is reused.
func DecodeAwarenessUpdate(update []byte) ([]AwarenessEntry, error) {
	dec := wire.NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("awareness: read count: %w", err)
	}
	// Every entry needs at least three bytes.
	if n > uint64(dec.Remaining()) {
		return nil, fmt.Errorf("awareness: count %d exceeds payload", n)
	}

	entries := make([]AwarenessEntry, 0, n)
	for i := uint64(0); i < n; i++ {
		clientID, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("awareness: entry %d client id: %w", i, err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("awareness: entry %d clock: %w", i, err)
		}
		state, err := dec.ReadVarBytes()
		if err != nil {
			return nil, fmt.Errorf("awareness: entry %d state: %w", i, err)
		}
		entries = append(entries, AwarenessEntry{
			ClientID: clientID,
			Clock:    clock,
			State:    append([]byte(nil), state...),
		})
	}
	return entries, nil
}
