// Package mc defines the cache request and reply types that flow through the
// route-handle graph, and the result taxonomy used to decide whether a
// failed attempt is worth retrying on another destination.
package mc

import (
	"fmt"
	"strings"
	"time"
)

// Op is a cache operation.
type Op int

const (
	OpGet Op = iota
	OpSet
	OpDelete
)

// String returns the wire name of the operation.
func (o Op) String() string {
	switch o {
	case OpGet:
		return "get"
	case OpSet:
		return "set"
	case OpDelete:
		return "delete"
	default:
		return "unknown"
	}
}

// OpClass groups operations for per-class settings (failover errors, rate
// limits).
type OpClass int

const (
	ClassGets OpClass = iota
	ClassUpdates
	ClassDeletes
)

// String returns the config name of the class.
func (c OpClass) String() string {
	switch c {
	case ClassGets:
		return "gets"
	case ClassUpdates:
		return "updates"
	case ClassDeletes:
		return "deletes"
	default:
		return "unknown"
	}
}

// Class returns the class the operation belongs to.
func (o Op) Class() OpClass {
	switch o {
	case OpSet:
		return ClassUpdates
	case OpDelete:
		return ClassDeletes
	default:
		return ClassGets
	}
}

// MaxKeyLength is the longest key accepted by ValidateKey.
const MaxKeyLength = 250

// Request is a single cache operation. Routes must not mutate a request they
// did not create; use WithKey / WithExptime to derive a modified copy.
type Request struct {
	Op      Op
	Key     string
	Value   []byte
	Flags   uint32
	Exptime int32 // seconds; 0 means no expiry
}

// WithKey returns a shallow copy of r with a different key.
func (r *Request) WithKey(key string) *Request {
	c := *r
	c.Key = key
	return &c
}

// WithExptime returns a shallow copy of r with a different exptime.
func (r *Request) WithExptime(exptime int32) *Request {
	c := *r
	c.Exptime = exptime
	return &c
}

// RelativeExptimeLimit is the largest exptime read as seconds from now.
// Larger values are absolute unix timestamps.
const RelativeExptimeLimit = 60 * 60 * 24 * 30

// TTL converts Exptime into a duration from now. Zero means no expiry and a
// negative duration means the item is already expired.
func (r *Request) TTL(now time.Time) time.Duration {
	switch {
	case r.Exptime == 0:
		return 0
	case r.Exptime < 0:
		return -1
	case r.Exptime <= RelativeExptimeLimit:
		return time.Duration(r.Exptime) * time.Second
	}
	ttl := time.Unix(int64(r.Exptime), 0).Sub(now)
	if ttl <= 0 {
		return -1
	}
	return ttl
}

// ValidateKey reports whether key is acceptable for routing.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key")
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("key length %d exceeds %d", len(key), MaxKeyLength)
	}
	if i := strings.IndexFunc(key, func(r rune) bool { return r <= ' ' || r == 0x7f }); i >= 0 {
		return fmt.Errorf("key contains whitespace or control character at %d", i)
	}
	return nil
}
