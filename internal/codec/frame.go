package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame layout, little endian:
//
//	magic   1 byte  0xCA
//	version 1 byte  1
//	type    1 byte  codec Type (0 = stored raw)
//	id      4 bytes codec id (0 when raw)
//	flags   4 bytes client flags
//	length  uvarint uncompressed length
//	body    remaining bytes
const (
	frameMagic   = 0xCA
	frameVersion = 1
	fixedHeader  = 1 + 1 + 1 + 4 + 4
)

// ErrNotFramed is returned by DecodeFrame for payloads that were not written
// by EncodeFrame.
var ErrNotFramed = errors.New("payload is not framed")

// Header describes a framed payload.
type Header struct {
	Codec  Type
	ID     uint32
	Flags  uint32
	Length int
}

// EncodeFrame compresses value with the map's current codec when it is worth
// it and prepends the frame header. A nil map stores values raw.
func EncodeFrame(m *Map, value []byte, flags uint32) ([]byte, Header, error) {
	h := Header{Flags: flags, Length: len(value)}
	body := value
	if c := m.ForCompression(len(value)); c != nil {
		compressed, err := c.Compress([][]byte{value})
		if err != nil {
			h.Codec, h.ID = c.Type(), c.ID()
			return nil, h, fmt.Errorf("%s codec %d: %w", c.Type(), c.ID(), err)
		}
		// Incompressible values are cheaper to store raw.
		if len(compressed) < len(value) {
			h.Codec, h.ID = c.Type(), c.ID()
			body = compressed
		}
	}

	out := make([]byte, fixedHeader, fixedHeader+binary.MaxVarintLen64+len(body))
	out[0] = frameMagic
	out[1] = frameVersion
	out[2] = byte(h.Codec)
	binary.LittleEndian.PutUint32(out[3:7], h.ID)
	binary.LittleEndian.PutUint32(out[7:11], h.Flags)
	out = binary.AppendUvarint(out, uint64(h.Length))
	out = append(out, body...)
	return out, h, nil
}

// DecodeFrame parses the header and restores the original value, selecting
// the codec named in the header.
func DecodeFrame(m *Map, payload []byte) ([]byte, Header, error) {
	var h Header
	if len(payload) < fixedHeader+1 || payload[0] != frameMagic {
		return nil, h, ErrNotFramed
	}
	if payload[1] != frameVersion {
		return nil, h, fmt.Errorf("unsupported frame version %d", payload[1])
	}
	h.Codec = Type(payload[2])
	h.ID = binary.LittleEndian.Uint32(payload[3:7])
	h.Flags = binary.LittleEndian.Uint32(payload[7:11])
	length, n := binary.Uvarint(payload[fixedHeader:])
	if n <= 0 {
		return nil, h, fmt.Errorf("malformed frame length")
	}
	if length > MaxValueLength {
		return nil, h, &DecompressionError{Codec: h.Codec, ID: h.ID, Reason: "declared length too large"}
	}
	h.Length = int(length)
	body := payload[fixedHeader+n:]

	if h.Codec == TypeNone {
		if len(body) != h.Length {
			return nil, h, &DecompressionError{Codec: TypeNone, Reason: "length mismatch"}
		}
		return body, h, nil
	}

	c, ok := m.Get(h.Codec, h.ID)
	if !ok {
		return nil, h, fmt.Errorf("no %s codec with id %d", h.Codec, h.ID)
	}
	value, err := c.Uncompress([][]byte{body}, h.Length)
	if err != nil {
		return nil, h, err
	}
	return value, h, nil
}
