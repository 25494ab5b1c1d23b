// Package routing maps cache keys to the route graph that serves them by
// longest key prefix.
package routing

import (
	"sort"
	"strings"
)

// MatchesPrefix reports whether key falls under prefix. The empty prefix
// matches every key.
func MatchesPrefix(key, prefix string) bool {
	return strings.HasPrefix(key, prefix)
}

type entry[T any] struct {
	prefix string
	value  T
}

// Table is an immutable longest-prefix lookup table. Build a new one to
// change it.
type Table[T any] struct {
	entries []entry[T] // longest prefix first
}

// NewTable builds a table from prefix -> value.
func NewTable[T any](routes map[string]T) *Table[T] {
	t := &Table[T]{entries: make([]entry[T], 0, len(routes))}
	for p, v := range routes {
		t.entries = append(t.entries, entry[T]{prefix: p, value: v})
	}
	sort.Slice(t.entries, func(i, j int) bool {
		a, b := t.entries[i].prefix, t.entries[j].prefix
		if len(a) != len(b) {
			return len(a) > len(b)
		}
		return a < b
	})
	return t
}

// Lookup returns the value registered under the longest prefix of key.
func (t *Table[T]) Lookup(key string) (value T, prefix string, ok bool) {
	for _, e := range t.entries {
		if MatchesPrefix(key, e.prefix) {
			return e.value, e.prefix, true
		}
	}
	return value, "", false
}

// Prefixes returns the registered prefixes, longest first.
func (t *Table[T]) Prefixes() []string {
	out := make([]string, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.prefix
	}
	return out
}

// Len returns the number of prefixes.
func (t *Table[T]) Len() int { return len(t.entries) }
