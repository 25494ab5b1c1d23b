// Package hashing provides the deterministic weighted selection used to build
// failover orderings. Every function is a pure function of its inputs: the
// process and worker identities are passed in explicitly instead of being
// read from global state.
package hashing

import (
	"encoding/binary"
	"os"

	"github.com/cespare/xxhash/v2"
)

// ProcessIdentity identifies this proxy process. It must be stable for the
// lifetime of the process so failover orderings stay reproducible.
type ProcessIdentity struct {
	ID uint64
}

// ThreadIdentity identifies the worker lane a request is executing on.
type ThreadIdentity struct {
	ID uint64
}

// HostProcessIdentity derives a ProcessIdentity from the hostname. An explicit
// non-zero id always wins.
func HostProcessIdentity(explicit uint64) ProcessIdentity {
	if explicit != 0 {
		return ProcessIdentity{ID: explicit}
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return ProcessIdentity{ID: xxhash.Sum64String(host)}
}

// Seed computes the initial hash key for a failover ordering. A nil thread
// means the ordering is shared by every worker in the process.
func Seed(process ProcessIdentity, thread *ThreadIdentity, salt string) uint64 {
	var buf [8]byte
	d := xxhash.New()
	binary.LittleEndian.PutUint64(buf[:], process.ID)
	_, _ = d.Write(buf[:])
	if thread != nil {
		binary.LittleEndian.PutUint64(buf[:], thread.ID)
		_, _ = d.Write(buf[:])
	}
	_, _ = d.WriteString(salt)
	return d.Sum64()
}

// Advance derives the key for draw i from the seed.
func Advance(seed uint64, i int) uint64 {
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[:8], seed)
	binary.LittleEndian.PutUint64(buf[8:], uint64(i))
	return xxhash.Sum64(buf[:])
}

// unitInterval maps a 64-bit hash onto [0, 1) using its top 53 bits.
func unitInterval(h uint64) float64 {
	return float64(h>>11) / (1 << 53)
}

// WeightedIndex picks an index into weights with probability proportional to
// its weight. Zero-weight entries are never chosen unless every weight is
// zero, in which case the choice is uniform. weights must be non-empty.
func WeightedIndex(key uint64, weights []float64) int {
	var total float64
	for _, w := range weights {
		if w > 0 {
			total += w
		}
	}
	if total <= 0 {
		return int(key % uint64(len(weights)))
	}

	point := unitInterval(key) * total
	var cumulative float64
	last := 0
	for i, w := range weights {
		if w <= 0 {
			continue
		}
		cumulative += w
		last = i
		if point < cumulative {
			return i
		}
	}
	// Floating point rounding can leave point == total.
	return last
}

// FailoverOrder returns count indices into weights, drawn without
// replacement with probability proportional to the remaining weights. The
// chosen entry is removed by swapping in the last one, so tie-breaking among
// equal weights is deterministic but otherwise unspecified. count is clamped
// to len(weights).
func FailoverOrder(seed uint64, weights []float64, count int) []int {
	if count > len(weights) {
		count = len(weights)
	}
	if count <= 0 {
		return nil
	}

	remaining := make([]float64, len(weights))
	copy(remaining, weights)
	indices := make([]int, len(weights))
	for i := range indices {
		indices[i] = i
	}

	order := make([]int, 0, count)
	for i := 0; i < count; i++ {
		pick := WeightedIndex(Advance(seed, i), remaining)
		order = append(order, indices[pick])

		last := len(remaining) - 1
		remaining[pick], indices[pick] = remaining[last], indices[last]
		remaining = remaining[:last]
		indices = indices[:last]
	}
	return order
}
