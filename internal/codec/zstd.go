package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// Zstd is a dictionary-seeded Zstandard codec. The encoder and decoder are
// created once per codec and shared by all callers.
type Zstd struct {
	id  uint32
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewZstd returns a Zstd codec using dict as raw-content dictionary under
// the codec id. level follows the zstd command line scale (1-22); 0 picks
// the library default.
func NewZstd(id uint32, dict []byte, level int) (*Zstd, error) {
	var encOpts []zstd.EOption
	decOpts := []zstd.DOption{
		zstd.WithDecoderConcurrency(0),
		zstd.WithDecoderMaxMemory(MaxValueLength),
	}
	if level > 0 {
		encOpts = append(encOpts, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	}
	if len(dict) > 0 {
		encOpts = append(encOpts, zstd.WithEncoderDictRaw(id, dict))
		decOpts = append(decOpts, zstd.WithDecoderDictRaw(id, dict))
	}

	enc, err := zstd.NewWriter(nil, encOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, decOpts...)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &Zstd{id: id, enc: enc, dec: dec}, nil
}

func (c *Zstd) Type() Type { return TypeZstd }
func (c *Zstd) ID() uint32 { return c.id }

func (c *Zstd) Compress(bufs [][]byte) ([]byte, error) {
	src := concat(bufs)
	return c.enc.EncodeAll(src, make([]byte, 0, zstdCompressBound(len(src)))), nil
}

func (c *Zstd) Uncompress(bufs [][]byte, expectedLength int) ([]byte, error) {
	if expectedLength <= 0 {
		return nil, &DecompressionError{Codec: TypeZstd, ID: c.id, Reason: "declared length is zero"}
	}
	if expectedLength > MaxValueLength {
		return nil, &DecompressionError{Codec: TypeZstd, ID: c.id, Reason: "declared length too large"}
	}
	out, err := c.dec.DecodeAll(concat(bufs), make([]byte, 0, expectedLength))
	if err != nil {
		return nil, &DecompressionError{Codec: TypeZstd, ID: c.id, Reason: "corrupt frame", Err: err}
	}
	if len(out) != expectedLength {
		return nil, &DecompressionError{Codec: TypeZstd, ID: c.id, Reason: "length mismatch"}
	}
	return out, nil
}

// Close releases the encoder and decoder resources.
func (c *Zstd) Close() {
	c.enc.Close()
	c.dec.Close()
}

// zstdCompressBound mirrors ZSTD_COMPRESSBOUND from the reference library.
func zstdCompressBound(n int) int {
	bound := n + n>>8
	if n < 128<<10 {
		bound += (128<<10 - n) >> 11
	}
	return bound
}
