package protocol

import (
	"fmt"

	"github.com/manpreetbhatti/lattice/collab/internal/wire"
)

// Represents the type of a collaboration frame
type MessageType uint64

const (
	// Used for document sync messages (state vectors and updates)
	MessageSync MessageType = 0

	// Used for awareness protocol messages (cursors, presence)
	MessageAwareness MessageType = 1

	// Asks the server for the full presence table
	MessageAwarenessQuery MessageType = 2
)

func (t MessageType) String() string {
	switch t {
	case MessageSync:
		return "sync"
	case MessageAwareness:
		return "awareness"
	case MessageAwarenessQuery:
		return "awareness_query"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(t))
	}
}

// SyncStep is the step kind inside a sync message
type SyncStep uint64

const (
	// Sender's state vector; the receiver answers with what is missing
	SyncStep1 SyncStep = 0

	// Answer to step 1 carrying the missing updates
	SyncStep2 SyncStep = 1

	// Incremental update broadcast
	SyncUpdate SyncStep = 2
)

func (s SyncStep) String() string {
	switch s {
	case SyncStep1:
		return "step1"
	case SyncStep2:
		return "step2"
	case SyncUpdate:
		return "update"
	default:
		return fmt.Sprintf("unknown(%d)", uint64(s))
	}
}

// WebSocket close codes sent by the server
const (
	CloseBadRequest    = 4000
	CloseUnauthorized  = 4001
	CloseSessionActive = 4002
	CloseGoingAway     = 1001
	CloseTryAgainLater = 1013
)

// Reads the leading message type of a frame and returns a decoder positioned
// at the payload
func ReadMessageType(frame []byte) (MessageType, *wire.Decoder, error) {
	dec := wire.NewDecoder(frame)
	t, err := dec.ReadVarUint()
	if err != nil {
		return 0, nil, fmt.Errorf("read message type: %w", err)
	}
	return MessageType(t), dec, nil
}

func encodeSync(step SyncStep, data []byte) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(MessageSync))
	enc.WriteVarUint(uint64(step))
	enc.WriteVarBytes(data)
	return enc.Bytes()
}

// Builds the handshake frame carrying a state vector
func EncodeSyncStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

func EncodeSyncStep2(update []byte) []byte {
	return encodeSync(SyncStep2, update)
}

func EncodeSyncUpdate(update []byte) []byte {
	return encodeSync(SyncUpdate, update)
}

// Wraps an encoded awareness update into a frame
func EncodeAwareness(update []byte) []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(MessageAwareness))
	enc.WriteVarBytes(update)
	return enc.Bytes()
}

func EncodeAwarenessQuery() []byte {
	enc := wire.NewEncoder()
	enc.WriteVarUint(uint64(MessageAwarenessQuery))
	return enc.Bytes()
}
