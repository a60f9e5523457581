package store

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression selects how snapshots are written. Reading always honours the
// encoding recorded next to the data.
type Compression string

const (
	CompressionNone Compression = "none"
	CompressionZstd Compression = "zstd"
)

func ParseCompression(name string) (Compression, error) {
	switch Compression(name) {
	case "", CompressionNone:
		return CompressionNone, nil
	case CompressionZstd:
		return CompressionZstd, nil
	default:
		return "", fmt.Errorf("unknown snapshot compression %q", name)
	}
}

const (
	encodingRaw  = "raw"
	encodingZstd = "zstd"
)

// zstd.Encoder and zstd.Decoder are safe for concurrent use with EncodeAll
// and DecodeAll.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

// encode returns the bytes to store and the encoding tag to store with them.
// Snapshots that do not shrink are stored raw.
func encode(data []byte, compression Compression) ([]byte, string) {
	if compression != CompressionZstd {
		return data, encodingRaw
	}
	compressed := zstdEncoder.EncodeAll(data, nil)
	if len(compressed) >= len(data) {
		return data, encodingRaw
	}
	return compressed, encodingZstd
}

func decode(data []byte, encoding string) ([]byte, error) {
	switch encoding {
	case encodingRaw, "":
		return data, nil
	case encodingZstd:
		out, err := zstdDecoder.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unknown snapshot encoding %q", encoding)
	}
}
