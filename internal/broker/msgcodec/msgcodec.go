// Package msgcodec compresses result payloads before they are written
// to the tasks store.
package msgcodec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Compression identifies the codec a stored blob was written with.
// The value is persisted next to the blob, so entries written before a
// codec change stay readable.
type Compression int

const (
	CompressionNone Compression = 0
	CompressionZstd Compression = 1
)

// Package-level encoder/decoder, safe for concurrent use.
var (
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func init() {
	var err error
	encoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd encoder: %v", err))
	}
	decoder, err = zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("msgcodec: init zstd decoder: %v", err))
	}
}

// Compress compresses the given data using zstd and returns the
// compressed bytes along with the compression marker to persist.
func Compress(data []byte) ([]byte, Compression) {
	compressed := encoder.EncodeAll(data, make([]byte, 0, len(data)/2))
	return compressed, CompressionZstd
}

// Decompress decompresses data according to the given compression
// marker. Returns an error for unsupported values.
func Decompress(data []byte, compression Compression) ([]byte, error) {
	switch compression {
	case CompressionZstd:
		return decoder.DecodeAll(data, nil)
	case CompressionNone:
		return data, nil
	default:
		return nil, fmt.Errorf("msgcodec: unsupported compression: %d", compression)
	}
}
