// Package shardsplit maps keys of hot shards onto several split keys so a
// single logical shard can be spread across more than one backend slot.
//
// Keys carry their shard id between the first and second ':' (for example
// "user:1234:profile" belongs to shard "1234"). Split n of a shard rewrites
// the key by appending a two-letter suffix to the shard id:
// "user:1234ab:profile".
package shardsplit

import (
	"fmt"
	"strings"
)

// MaxSplits is the largest split count the two-letter suffix can encode
// (offset 0 plus 26*26 suffixed offsets).
const MaxSplits = 26*26 + 1

// Suffix returns the key suffix for a split offset. Offset 0 is the original
// key and has no suffix.
func Suffix(offset int) string {
	if offset <= 0 {
		return ""
	}
	n := offset - 1
	return string([]byte{byte('a' + n%26), byte('a' + n/26)})
}

// ShardID extracts the shard token from key. ok is false when the key does
// not follow the <prefix>:<shard>:<rest> layout.
func ShardID(key string) (shard string, ok bool) {
	first := strings.IndexByte(key, ':')
	if first < 0 {
		return "", false
	}
	rest := key[first+1:]
	second := strings.IndexByte(rest, ':')
	if second <= 0 {
		return "", false
	}
	return rest[:second], true
}

// CreateSplitKey inserts the suffix for offset right after the first
// occurrence of shardToken in fullKey. The key is returned unchanged for
// offset 0 or when the token is absent.
func CreateSplitKey(fullKey string, offset int, shardToken string) string {
	suffix := Suffix(offset)
	if suffix == "" || shardToken == "" {
		return fullKey
	}
	pos := strings.Index(fullKey, shardToken)
	if pos < 0 {
		return fullKey
	}
	end := pos + len(shardToken)
	var b strings.Builder
	b.Grow(len(fullKey) + len(suffix))
	b.WriteString(fullKey[:end])
	b.WriteString(suffix)
	b.WriteString(fullKey[end:])
	return b.String()
}

// StripSplitKey removes the suffix CreateSplitKey inserted for offset.
func StripSplitKey(splitKey string, offset int, shardToken string) string {
	suffix := Suffix(offset)
	if suffix == "" || shardToken == "" {
		return splitKey
	}
	pos := strings.Index(splitKey, shardToken+suffix)
	if pos < 0 {
		return splitKey
	}
	end := pos + len(shardToken)
	return splitKey[:end] + splitKey[end+len(suffix):]
}

// Splitter holds the per-shard split counts. It is immutable after
// construction and safe for concurrent use.
type Splitter struct {
	shards       map[string]int
	defaultSplit int
}

// NewSplitter validates split counts and builds a Splitter. defaultSplit
// applies to shards that are not listed; 0 or 1 means unsplit.
func NewSplitter(shards map[string]int, defaultSplit int) (*Splitter, error) {
	if defaultSplit < 0 || defaultSplit > MaxSplits {
		return nil, fmt.Errorf("default split count %d out of range [0, %d]", defaultSplit, MaxSplits)
	}
	copied := make(map[string]int, len(shards))
	for shard, n := range shards {
		if shard == "" {
			return nil, fmt.Errorf("empty shard id")
		}
		if n < 1 || n > MaxSplits {
			return nil, fmt.Errorf("shard %q: split count %d out of range [1, %d]", shard, n, MaxSplits)
		}
		copied[shard] = n
	}
	if defaultSplit == 0 {
		defaultSplit = 1
	}
	return &Splitter{shards: copied, defaultSplit: defaultSplit}, nil
}

// SplitsFor returns the shard token of key and how many splits it has.
// Keys without a shard token always have one split.
func (s *Splitter) SplitsFor(key string) (shard string, splits int) {
	shard, ok := ShardID(key)
	if !ok {
		return "", 1
	}
	if n, ok := s.shards[shard]; ok {
		return shard, n
	}
	return shard, s.defaultSplit
}

// SplitKey returns the key for split offset of key.
func (s *Splitter) SplitKey(key string, offset int) string {
	shard, ok := ShardID(key)
	if !ok {
		return key
	}
	// The shard token sits right after the first ':'; anchor there so a
	// prefix that happens to contain the same digits is left alone.
	first := strings.IndexByte(key, ':') + 1
	return key[:first] + CreateSplitKey(key[first:], offset, shard)
}
