package codec

import (
	"fmt"
)

type codecKey struct {
	typ Type
	id  uint32
}

type entry struct {
	codec     Codec
	threshold int
	enabled   bool
}

// Map indexes codecs by (type, id). The codec used for new payloads is the
// enabled codec with the highest id; any registered codec can decode.
type Map struct {
	codecs  map[codecKey]entry
	current *entry
}

// NewMap builds codecs for every setting. ids must be unique per type and
// non-zero.
func NewMap(settings []Settings) (*Map, error) {
	m := &Map{codecs: make(map[codecKey]entry, len(settings))}
	for _, s := range settings {
		if s.ID == 0 {
			return nil, fmt.Errorf("%s codec: id must be non-zero", s.Type)
		}
		key := codecKey{typ: s.Type, id: s.ID}
		if _, dup := m.codecs[key]; dup {
			return nil, fmt.Errorf("duplicate %s codec id %d", s.Type, s.ID)
		}
		c, err := New(s)
		if err != nil {
			return nil, fmt.Errorf("%s codec %d: %w", s.Type, s.ID, err)
		}
		e := entry{codec: c, threshold: s.Threshold, enabled: s.Enabled}
		m.codecs[key] = e
		if s.Enabled && (m.current == nil || s.ID > m.current.codec.ID()) {
			cur := e
			m.current = &cur
		}
	}
	return m, nil
}

// Get returns the codec registered under (typ, id).
func (m *Map) Get(typ Type, id uint32) (Codec, bool) {
	if m == nil {
		return nil, false
	}
	e, ok := m.codecs[codecKey{typ: typ, id: id}]
	return e.codec, ok
}

// ForCompression returns the codec to use for a value of size n, or nil when
// the value should be stored uncompressed.
func (m *Map) ForCompression(n int) Codec {
	if m == nil || m.current == nil || n == 0 || n < m.current.threshold {
		return nil
	}
	return m.current.codec
}

// Len returns the number of registered codecs.
func (m *Map) Len() int {
	if m == nil {
		return 0
	}
	return len(m.codecs)
}

// Close releases codec resources.
func (m *Map) Close() {
	if m == nil {
		return
	}
	for _, e := range m.codecs {
		if z, ok := e.codec.(*Zstd); ok {
			z.Close()
		}
	}
}
