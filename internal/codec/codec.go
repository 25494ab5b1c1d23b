// Package codec provides dictionary-seeded compression codecs for cache
// values and the frame format that records which codec produced a stored
// payload.
//
// A Codec instance owns its compressor state. Both implementations are safe
// for concurrent use: LZ4 builds a fresh compressor per call, and the Zstd
// encoder/decoder pair supports concurrent EncodeAll/DecodeAll.
package codec

import (
	"fmt"
	"os"
	"strings"
)

// MaxValueLength caps the uncompressed length a codec will produce. Frames
// declaring more are rejected before any buffer is allocated.
const MaxValueLength = 64 << 20

// Type identifies a compression algorithm on the wire.
type Type uint8

const (
	TypeNone Type = 0
	TypeLZ4  Type = 1
	TypeZstd Type = 2
)

// String returns the config name of the codec type.
func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeLZ4:
		return "lz4"
	case TypeZstd:
		return "zstd"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// ParseType converts a config name into a Type.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "lz4":
		return TypeLZ4, nil
	case "zstd":
		return TypeZstd, nil
	default:
		return TypeNone, fmt.Errorf("unknown codec type %q", s)
	}
}

// Codec compresses and decompresses byte buffers with a pre-shared
// dictionary.
type Codec interface {
	// Compress concatenates bufs and compresses them into one buffer.
	Compress(bufs [][]byte) ([]byte, error)

	// Uncompress decompresses the concatenation of bufs. The result must be
	// exactly expectedLength bytes; anything else is a DecompressionError.
	Uncompress(bufs [][]byte, expectedLength int) ([]byte, error)

	Type() Type
	ID() uint32
}

// DecompressionError reports a payload that could not be restored to its
// declared length.
type DecompressionError struct {
	Codec  Type
	ID     uint32
	Reason string
	Err    error
}

func (e *DecompressionError) Error() string {
	msg := fmt.Sprintf("%s codec %d: decompression failed: %s", e.Codec, e.ID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *DecompressionError) Unwrap() error { return e.Err }

// Settings describe one codec instance.
type Settings struct {
	Type       Type
	ID         uint32
	Dictionary []byte
	Level      int
	// Threshold is the smallest value size worth compressing.
	Threshold int
	// Enabled marks the codec as eligible for compression. Disabled codecs
	// are still used to read payloads they produced earlier.
	Enabled bool
}

// New builds the codec described by s.
func New(s Settings) (Codec, error) {
	switch s.Type {
	case TypeLZ4:
		return NewLZ4(s.ID, s.Dictionary, s.Level), nil
	case TypeZstd:
		return NewZstd(s.ID, s.Dictionary, s.Level)
	default:
		return nil, fmt.Errorf("unsupported codec type %s", s.Type)
	}
}

// LoadDictionary reads a dictionary file. An empty path means no dictionary.
func LoadDictionary(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dictionary: %w", err)
	}
	return data, nil
}

// concat joins bufs, avoiding a copy when there is only one.
func concat(bufs [][]byte) []byte {
	switch len(bufs) {
	case 0:
		return nil
	case 1:
		return bufs[0]
	}
	n := 0
	for _, b := range bufs {
		n += len(b)
	}
	out := make([]byte, 0, n)
	for _, b := range bufs {
		out = append(out, b...)
	}
	return out
}
