package ydoc

import (
	"fmt"

	"github.com/manpreetbhatti/lattice/collab/internal/wire"
)

// Tags of the self-describing value encoding used by Any content.
const (
	anyUndefined = 127
	anyNull      = 126
	anyInteger   = 125
	anyFloat32   = 124
	anyFloat64   = 123
	anyBigInt    = 122
	anyFalse     = 121
	anyTrue      = 120
	anyString    = 119
	anyObject    = 118
	anyArray     = 117
	anyBytes     = 116
)

const maxAnyDepth = 128

// skipAny consumes one encoded value. The document stores Any content
// opaquely, so values are validated and skipped rather than decoded.
func skipAny(dec *wire.Decoder, depth int) error {
	if depth > maxAnyDepth {
		return fmt.Errorf("ydoc: value nested deeper than %d", maxAnyDepth)
	}
	tag, err := dec.ReadUint8()
	if err != nil {
		return err
	}

	switch tag {
	case anyUndefined, anyNull, anyFalse, anyTrue:
		return nil
	case anyInteger:
		// Signed varint: continuation is the high bit of every byte.
		for {
			b, err := dec.ReadUint8()
			if err != nil {
				return err
			}
			if b&0x80 == 0 {
				return nil
			}
		}
	case anyFloat32:
		_, err = dec.ReadN(4)
	case anyFloat64, anyBigInt:
		_, err = dec.ReadN(8)
	case anyString, anyBytes:
		_, err = dec.ReadVarBytes()
	case anyObject:
		n, err := dec.ReadVarUint()
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			if _, err := dec.ReadVarBytes(); err != nil {
				return err
			}
			if err := skipAny(dec, depth+1); err != nil {
				return err
			}
		}
	case anyArray:
		n, err := dec.ReadVarUint()
		if err != nil {
			return err
		}
		for i := uint64(0); i < n; i++ {
			if err := skipAny(dec, depth+1); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("ydoc: unknown value tag %d", tag)
	}
	return err
}
