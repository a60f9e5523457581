package ydoc

import (
	"fmt"

	"github.com/manpreetbhatti/lattice/collab/internal/protocol"
	"github.com/manpreetbhatti/lattice/collab/internal/wire"
)

// ReadSyncMessage consumes one sync message (the part after the message type)
// from dec. A step 1 is answered by writing a step 2 into reply; step 2 and
// update messages are applied to doc. It returns the step kind and whether
// the document changed.
func ReadSyncMessage(dec *wire.Decoder, reply *wire.Encoder, doc *Doc) (protocol.SyncStep, bool, error) {
	raw, err := dec.ReadVarUint()
	if err != nil {
		return 0, false, fmt.Errorf("read sync step: %w", err)
	}
	step := protocol.SyncStep(raw)

	payload, err := dec.ReadVarBytes()
	if err != nil {
		return step, false, fmt.Errorf("read %s payload: %w", step, err)
	}

	switch step {
	case protocol.SyncStep1:
		diff, err := doc.EncodeStateAsUpdate(payload)
		if err != nil {
			return step, false, err
		}
		reply.WriteVarUint(uint64(protocol.SyncStep2))
		reply.WriteVarBytes(diff)
		return step, false, nil

	case protocol.SyncStep2, protocol.SyncUpdate:
		changed, err := doc.ApplyUpdate(payload)
		if err != nil {
			return step, false, fmt.Errorf("apply %s: %w", step, err)
		}
		return step, changed, nil

	default:
		return step, false, fmt.Errorf("unknown sync step %d", raw)
	}
}
