package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMap(t *testing.T) *Map {
	t.Helper()
	m, err := NewMap([]Settings{
		{Type: TypeLZ4, ID: 1, Threshold: 32, Enabled: true},
		{Type: TypeZstd, ID: 2, Dictionary: testDict, Level: 3, Threshold: 32, Enabled: true},
		{Type: TypeZstd, ID: 3, Threshold: 32, Enabled: false},
	})
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestMap_CurrentIsHighestEnabledID(t *testing.T) {
	m := newTestMap(t)
	c := m.ForCompression(1000)
	require.NotNil(t, c)
	assert.Equal(t, TypeZstd, c.Type())
	assert.Equal(t, uint32(2), c.ID())

	assert.Nil(t, m.ForCompression(10), "below threshold")
	assert.Nil(t, m.ForCompression(0), "empty value")

	_, ok := m.Get(TypeZstd, 3)
	assert.True(t, ok, "disabled codecs stay decodable")
}

func TestNewMap_Validation(t *testing.T) {
	_, err := NewMap([]Settings{{Type: TypeLZ4, ID: 0}})
	assert.Error(t, err)

	_, err = NewMap([]Settings{{Type: TypeLZ4, ID: 1}, {Type: TypeLZ4, ID: 1}})
	assert.Error(t, err)

	_, err = NewMap([]Settings{{Type: TypeNone, ID: 1}})
	assert.Error(t, err)
}

func TestFrame_RoundTrip(t *testing.T) {
	m := newTestMap(t)
	values := [][]byte{
		{},
		[]byte("tiny"),
		sample(100, 1),
		sample(64<<10, 2),
		sample(1<<20, 3),
	}
	for _, v := range values {
		payload, h, err := EncodeFrame(m, v, 0xdeadbeef)
		require.NoError(t, err)
		assert.Equal(t, len(v), h.Length)

		out, got, err := DecodeFrame(m, payload)
		require.NoError(t, err, "size %d", len(v))
		assert.True(t, bytes.Equal(v, out), "size %d", len(v))
		assert.Equal(t, uint32(0xdeadbeef), got.Flags)
		assert.Equal(t, h.Codec, got.Codec)
	}
}

func TestFrame_SmallValuesStoredRaw(t *testing.T) {
	m := newTestMap(t)
	_, h, err := EncodeFrame(m, []byte("short"), 0)
	require.NoError(t, err)
	assert.Equal(t, TypeNone, h.Codec)
}

func TestFrame_NilMapStoresRaw(t *testing.T) {
	v := sample(4096, 4)
	payload, h, err := EncodeFrame(nil, v, 1)
	require.NoError(t, err)
	assert.Equal(t, TypeNone, h.Codec)

	out, _, err := DecodeFrame(nil, payload)
	require.NoError(t, err)
	assert.Equal(t, v, out)
}

func TestFrame_UnknownCodecFails(t *testing.T) {
	m := newTestMap(t)
	payload, h, err := EncodeFrame(m, sample(4096, 5), 0)
	require.NoError(t, err)
	require.Equal(t, TypeZstd, h.Codec)

	other, err := NewMap([]Settings{{Type: TypeLZ4, ID: 1, Enabled: true}})
	require.NoError(t, err)
	_, _, err = DecodeFrame(other, payload)
	assert.Error(t, err)
}

func TestFrame_TruncatedBodyFails(t *testing.T) {
	m := newTestMap(t)
	payload, _, err := EncodeFrame(m, sample(4096, 6), 0)
	require.NoError(t, err)

	_, _, err = DecodeFrame(m, payload[:len(payload)-10])
	assert.Error(t, err)

	raw, _, err := EncodeFrame(nil, []byte("hello world"), 0)
	require.NoError(t, err)
	_, _, err = DecodeFrame(nil, raw[:len(raw)-1])
	var de *DecompressionError
	assert.ErrorAs(t, err, &de)
}

func TestFrame_NotFramed(t *testing.T) {
	_, _, err := DecodeFrame(nil, []byte("plain value"))
	assert.ErrorIs(t, err, ErrNotFramed)
	_, _, err = DecodeFrame(nil, nil)
	assert.ErrorIs(t, err, ErrNotFramed)
}

func lz4Header(length uint64) []byte {
	h := []byte{frameMagic, frameVersion, byte(TypeLZ4), 1, 0, 0, 0, 0, 0, 0, 0}
	return binary.AppendUvarint(h, length)
}

func TestFrame_DeclaredLengthTooLarge(t *testing.T) {
	m := newTestMap(t)

	for _, length := range []uint64{1 << 50, MaxValueLength + 1, 1<<64 - 1} {
		payload := append(lz4Header(length), 0x10, 0x41)
		var (
			de  *DecompressionError
			err error
		)
		require.NotPanics(t, func() { _, _, err = DecodeFrame(m, payload) })
		require.ErrorAs(t, err, &de, "length %d", length)
		assert.Equal(t, "declared length too large", de.Reason)
	}
}

func TestFrame_DeclaredLengthBeyondLZ4Expansion(t *testing.T) {
	m := newTestMap(t)

	// Under the global cap but far more than two body bytes can expand to.
	payload := append(lz4Header(1<<20), 0x10, 0x41)
	_, _, err := DecodeFrame(m, payload)
	var de *DecompressionError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "declared length too large", de.Reason)
}

func TestCodec_DeclaredLengthAboveCap(t *testing.T) {
	for _, c := range testCodecs(t) {
		_, err := c.Uncompress([][]byte{{0x00}}, MaxValueLength+1)
		var de *DecompressionError
		require.ErrorAs(t, err, &de, "%s/%d", c.Type(), c.ID())
		assert.Equal(t, "declared length too large", de.Reason)
	}
}
