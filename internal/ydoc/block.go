package ydoc

import (
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/manpreetbhatti/lattice/collab/internal/wire"
)

// Struct and content reference numbers, stored in the low five bits of an
// item's info byte.
const (
	refGC      = 0
	refDeleted = 1
	refJSON    = 2
	refBinary  = 3
	refString  = 4
	refEmbed   = 5
	refFormat  = 6
	refType    = 7
	refAny     = 8
	refDoc     = 9
	refSkip    = 10
)

const (
	infoOrigin      = 0x80
	infoRightOrigin = 0x40
	infoParentSub   = 0x20
	infoRefMask     = 0x1f
)

// Type references carried by type content. Only XML elements and hooks
// carry a name.
const (
	typeXMLElement = 3
	typeXMLHook    = 5
	typeMaxRef     = 6
)

// Clocks are JavaScript safe integers on every peer.
const maxClock = 1 << 53

var errEmptyStruct = errors.New("ydoc: zero-length struct")

type ID struct {
	Client uint64
	Clock  uint64
}

func readID(dec *wire.Decoder) (ID, error) {
	client, err := dec.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	clock, err := dec.ReadVarUint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

func writeID(enc *wire.Encoder, id ID) {
	enc.WriteVarUint(id.Client)
	enc.WriteVarUint(id.Clock)
}

type blockKind uint8

const (
	kindItem blockKind = iota
	kindGC
	kindSkip
)

// block is one encoded struct: an item, a garbage-collected range, or a skip
// that fills a gap in an encoded update. Items are kept in wire form; the
// document never resolves their position.
type block struct {
	kind   blockKind
	id     ID
	length uint64

	// Item fields.
	info        uint8
	origin      ID
	rightOrigin ID
	parentIsKey bool
	parentKey   string
	parentID    ID
	parentSub   string
	content     content
}

func (b *block) end() uint64 {
	return b.id.Clock + b.length
}

// sliceFrom returns the part of b starting at clock. Sliced items point their
// left origin at the last unit they dropped, so a peer integrates them next
// to it.
func (b *block) sliceFrom(clock uint64) *block {
	offset := clock - b.id.Clock
	if offset == 0 {
		return b
	}
	out := *b
	out.id.Clock = clock
	out.length = b.length - offset
	if b.kind == kindItem {
		out.info |= infoOrigin
		out.origin = ID{Client: b.id.Client, Clock: clock - 1}
		out.content = b.content.slice(offset)
	}
	return &out
}

func (b *block) write(enc *wire.Encoder) {
	switch b.kind {
	case kindGC:
		enc.WriteUint8(refGC)
		enc.WriteVarUint(b.length)
	case kindSkip:
		enc.WriteUint8(refSkip)
		enc.WriteVarUint(b.length)
	default:
		enc.WriteUint8(b.info)
		if b.info&infoOrigin != 0 {
			writeID(enc, b.origin)
		}
		if b.info&infoRightOrigin != 0 {
			writeID(enc, b.rightOrigin)
		}
		if b.info&(infoOrigin|infoRightOrigin) == 0 {
			if b.parentIsKey {
				enc.WriteVarUint(1)
				enc.WriteVarBytes([]byte(b.parentKey))
			} else {
				enc.WriteVarUint(0)
				writeID(enc, b.parentID)
			}
			if b.info&infoParentSub != 0 {
				enc.WriteVarBytes([]byte(b.parentSub))
			}
		}
		b.content.write(enc)
	}
}

func readItem(dec *wire.Decoder, id ID, info uint8) (*block, error) {
	b := &block{kind: kindItem, id: id, info: info}
	var err error
	if info&infoOrigin != 0 {
		if b.origin, err = readID(dec); err != nil {
			return nil, fmt.Errorf("read origin: %w", err)
		}
	}
	if info&infoRightOrigin != 0 {
		if b.rightOrigin, err = readID(dec); err != nil {
			return nil, fmt.Errorf("read right origin: %w", err)
		}
	}
	if info&(infoOrigin|infoRightOrigin) == 0 {
		isKey, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("read parent info: %w", err)
		}
		if isKey == 1 {
			key, err := dec.ReadVarBytes()
			if err != nil {
				return nil, fmt.Errorf("read parent key: %w", err)
			}
			b.parentIsKey = true
			b.parentKey = string(key)
		} else if b.parentID, err = readID(dec); err != nil {
			return nil, fmt.Errorf("read parent id: %w", err)
		}
		if info&infoParentSub != 0 {
			sub, err := dec.ReadVarBytes()
			if err != nil {
				return nil, fmt.Errorf("read parent sub: %w", err)
			}
			b.parentSub = string(sub)
		}
	}

	b.content, err = readContent(dec, info&infoRefMask)
	if err != nil {
		return nil, err
	}
	b.length = b.content.len()
	if b.length == 0 {
		return nil, errEmptyStruct
	}
	return b, nil
}

// content is an item's payload. Deleted content only has a length, strings
// are counted in UTF-16 units, JSON and Any content are lists of encoded
// values, and every other kind is a single opaque value.
type content struct {
	ref    uint8
	length uint64
	str    string
	values [][]byte
	raw    []byte
}

func (c *content) len() uint64 {
	switch c.ref {
	case refDeleted:
		return c.length
	case refString:
		return utf16Len(c.str)
	case refJSON, refAny:
		return uint64(len(c.values))
	default:
		return 1
	}
}

// slice drops the first offset units. Single-value content is never sliced
// because its length is one.
func (c content) slice(offset uint64) content {
	switch c.ref {
	case refDeleted:
		c.length -= offset
	case refString:
		units := utf16.Encode([]rune(c.str))
		c.str = string(utf16.Decode(units[offset:]))
	case refJSON, refAny:
		c.values = c.values[offset:]
	}
	return c
}

func (c *content) write(enc *wire.Encoder) {
	switch c.ref {
	case refDeleted:
		enc.WriteVarUint(c.length)
	case refString:
		enc.WriteVarBytes([]byte(c.str))
	case refJSON:
		enc.WriteVarUint(uint64(len(c.values)))
		for _, v := range c.values {
			enc.WriteVarBytes(v)
		}
	case refAny:
		enc.WriteVarUint(uint64(len(c.values)))
		for _, v := range c.values {
			enc.WriteRaw(v)
		}
	default:
		enc.WriteRaw(c.raw)
	}
}

func readContent(dec *wire.Decoder, ref uint8) (content, error) {
	c := content{ref: ref}
	switch ref {
	case refDeleted:
		n, err := dec.ReadVarUint()
		if err != nil {
			return c, fmt.Errorf("read deleted length: %w", err)
		}
		if n > maxClock {
			return c, fmt.Errorf("ydoc: deleted length %d out of range", n)
		}
		c.length = n

	case refString:
		s, err := dec.ReadVarBytes()
		if err != nil {
			return c, fmt.Errorf("read string content: %w", err)
		}
		c.str = string(s)

	case refJSON, refAny:
		n, err := dec.ReadVarUint()
		if err != nil {
			return c, fmt.Errorf("read value count: %w", err)
		}
		if n > uint64(dec.Remaining()) {
			return c, fmt.Errorf("ydoc: value count %d exceeds update size", n)
		}
		c.values = make([][]byte, 0, n)
		for i := uint64(0); i < n; i++ {
			if ref == refJSON {
				v, err := dec.ReadVarBytes()
				if err != nil {
					return c, fmt.Errorf("read json value: %w", err)
				}
				c.values = append(c.values, append([]byte(nil), v...))
				continue
			}
			mark := dec.Offset()
			if err := skipAny(dec, 0); err != nil {
				return c, fmt.Errorf("read any value: %w", err)
			}
			c.values = append(c.values, append([]byte(nil), dec.Since(mark)...))
		}

	case refBinary, refEmbed, refFormat, refType, refDoc:
		mark := dec.Offset()
		if err := skipSingle(dec, ref); err != nil {
			return c, err
		}
		c.raw = append([]byte(nil), dec.Since(mark)...)

	default:
		return c, fmt.Errorf("ydoc: unknown content ref %d", ref)
	}
	return c, nil
}

func skipSingle(dec *wire.Decoder, ref uint8) error {
	var err error
	switch ref {
	case refBinary, refEmbed:
		_, err = dec.ReadVarBytes()
	case refFormat:
		if _, err = dec.ReadVarBytes(); err == nil {
			_, err = dec.ReadVarBytes()
		}
	case refType:
		var typeRef uint64
		typeRef, err = dec.ReadVarUint()
		if err != nil {
			break
		}
		if typeRef > typeMaxRef {
			return fmt.Errorf("ydoc: unknown type ref %d", typeRef)
		}
		if typeRef == typeXMLElement || typeRef == typeXMLHook {
			_, err = dec.ReadVarBytes()
		}
	case refDoc:
		if _, err = dec.ReadVarBytes(); err == nil {
			err = skipAny(dec, 0)
		}
	}
	if err != nil {
		return fmt.Errorf("read content %d: %w", ref, err)
	}
	return nil
}

func utf16Len(s string) uint64 {
	var n uint64
	for _, r := range s {
		if r >= 0x10000 {
			n += 2
		} else {
			n++
		}
	}
	return n
}
