package protocol

import (
	"bytes"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestReadMessageType(t *testing.T) {
	tests := []struct {
		name     string
		frame    []byte
		expected MessageType
		wantErr  bool
	}{
		{"sync", EncodeSyncStep1([]byte{0}), MessageSync, false},
		{"awareness", EncodeAwareness([]byte{0}), MessageAwareness, false},
		{"awareness query", EncodeAwarenessQuery(), MessageAwarenessQuery, false},
		{"empty frame", nil, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mt, _, err := ReadMessageType(tt.frame)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			assert.Equal(t, tt.expected, mt)
		})
	}
}

func TestSyncFrameLayout(t *testing.T) {
	frame := EncodeSyncUpdate([]byte{9, 8})
	assert.Equal(t, []byte{0, 2, 2, 9, 8}, frame)

	frame = EncodeSyncStep1([]byte{0})
	assert.Equal(t, []byte{0, 0, 1, 0}, frame)
}

func TestAwarenessUpdateRoundTrip(t *testing.T) {
	entries := []AwarenessEntry{
		{ClientID: 5, Clock: 1, State: []byte(`{"name":"ada"}`)},
		{ClientID: 700, Clock: 3, State: NullState},
	}

	update := EncodeAwarenessUpdate(entries)
	decoded, err := DecodeAwarenessUpdate(update)
	if err != nil {
		t.Fatalf("Failed to decode: %v", err)
	}

	if len(decoded) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(decoded))
	}
	assert.Equal(t, uint64(5), decoded[0].ClientID)
	assert.Equal(t, false, decoded[0].IsRemoval())
	assert.Equal(t, uint64(700), decoded[1].ClientID)
	assert.Equal(t, uint64(3), decoded[1].Clock)
	assert.Equal(t, true, decoded[1].IsRemoval())
}

func TestDecodeAwarenessUpdateRejectsGarbage(t *testing.T) {
	tests := [][]byte{
		nil,
		{0x05},             // count without entries
		{0x01, 0x05},       // missing clock
		{0x01, 0x05, 0x01}, // missing state
		{0x01, 0x05, 0x01, 0x09, 'x'},
	}
	for i, update := range tests {
		if _, err := DecodeAwarenessUpdate(update); err == nil {
			t.Errorf("case %d: expected error for %v", i, update)
		}
	}
}

func TestAwarenessFrameWrapsUpdate(t *testing.T) {
	update := EncodeAwarenessUpdate([]AwarenessEntry{{ClientID: 1, Clock: 1, State: []byte("{}")}})
	frame := EncodeAwareness(update)

	mt, dec, err := ReadMessageType(frame)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	assert.Equal(t, MessageAwareness, mt)

	inner, err := dec.ReadVarBytes()
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if !bytes.Equal(inner, update) {
		t.Errorf("Expected inner update %v, got %v", update, inner)
	}
}
