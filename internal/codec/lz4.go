package codec

import (
	"github.com/pierrec/lz4/v4"
)

// LZ4 is a block-format LZ4 codec. The library only exposes dictionaries on
// the decode side, so the dictionary seeds the decoder window; blocks from
// peers that compress against the same dictionary decode correctly.
type LZ4 struct {
	id    uint32
	dict  []byte
	level int
}

// NewLZ4 returns an LZ4 codec. level 0 selects the fast compressor; levels
// 1-9 select the HC compressor (lz4.Level1..lz4.Level9).
func NewLZ4(id uint32, dict []byte, level int) *LZ4 {
	return &LZ4{id: id, dict: dict, level: level}
}

func (c *LZ4) Type() Type { return TypeLZ4 }
func (c *LZ4) ID() uint32 { return c.id }

func (c *LZ4) Compress(bufs [][]byte) ([]byte, error) {
	src := concat(bufs)
	dst := make([]byte, lz4.CompressBlockBound(len(src)))

	var (
		n   int
		err error
	)
	if c.level > 0 {
		hc := lz4.CompressorHC{Level: hcLevel(c.level)}
		n, err = hc.CompressBlock(src, dst)
	} else {
		var fast lz4.Compressor
		n, err = fast.CompressBlock(src, dst)
	}
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

func (c *LZ4) Uncompress(bufs [][]byte, expectedLength int) ([]byte, error) {
	if expectedLength <= 0 {
		return nil, &DecompressionError{Codec: TypeLZ4, ID: c.id, Reason: "declared length is zero"}
	}
	src := concat(bufs)
	if expectedLength > MaxValueLength || expectedLength > lz4MaxExpansion*len(src) {
		return nil, &DecompressionError{Codec: TypeLZ4, ID: c.id, Reason: "declared length too large"}
	}
	dst := make([]byte, expectedLength)

	var (
		n   int
		err error
	)
	if len(c.dict) > 0 {
		n, err = lz4.UncompressBlockWithDict(src, dst, c.dict)
	} else {
		n, err = lz4.UncompressBlock(src, dst)
	}
	if err != nil {
		return nil, &DecompressionError{Codec: TypeLZ4, ID: c.id, Reason: "corrupt block", Err: err}
	}
	if n != expectedLength {
		return nil, &DecompressionError{Codec: TypeLZ4, ID: c.id, Reason: "length mismatch"}
	}
	return dst, nil
}

// lz4MaxExpansion bounds the block format's output per input byte. Each
// match length byte adds at most 255 output bytes.
const lz4MaxExpansion = 256

func hcLevel(level int) lz4.CompressionLevel {
	if level > 9 {
		level = 9
	}
	return lz4.CompressionLevel(1 << (8 + level))
}
