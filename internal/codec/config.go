package codec

import (
	"fmt"

	"github.com/dskow/cacheproxy/internal/config"
)

// MapFromConfig loads dictionaries and builds the codec map for cfgs. An
// empty list yields a map that stores every value raw.
func MapFromConfig(cfgs []config.CodecConfig) (*Map, error) {
	settings := make([]Settings, 0, len(cfgs))
	for _, c := range cfgs {
		typ, err := ParseType(c.Type)
		if err != nil {
			return nil, err
		}
		dict, err := LoadDictionary(c.DictionaryFile)
		if err != nil {
			return nil, fmt.Errorf("%s codec %d: %w", typ, c.ID, err)
		}
		settings = append(settings, Settings{
			Type:       typ,
			ID:         c.ID,
			Dictionary: dict,
			Level:      c.Level,
			Threshold:  c.Threshold,
			Enabled:    c.IsEnabled(),
		})
	}
	return NewMap(settings)
}
