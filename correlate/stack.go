package correlate

import (
	"encoding/binary"
	"math"

	"github.com/cespare/xxhash/v2"
)

// MaxStackDepth is the number of frames kept per captured stack.
const MaxStackDepth = 127

// InvalidStackID is stored when a stack could not be captured.
const InvalidStackID = math.MaxUint32

// StackTrace is a captured stack, innermost frame first, zero terminated.
type StackTrace [MaxStackDepth]uint64

// Frames returns the non-zero prefix of the trace.
func (s *StackTrace) Frames() []uint64 {
	for i, ip := range s {
		if ip == 0 {
			return s[:i]
		}
	}
	return s[:]
}

// StackTable maps stack identifiers to captured stacks. Identifiers are hash
// buckets; a capture landing in an occupied bucket replaces it, so the latest
// write wins for a given identifier. Identical stacks are not deduplicated
// beyond landing in the same bucket.
type StackTable struct {
	buckets uint32
	traces  Table[uint32, StackTrace]
}

func NewStackTable(traces Table[uint32, StackTrace]) *StackTable {
	return &StackTable{buckets: traces.MaxEntries(), traces: traces}
}

// Capture stores frames and returns their identifier. Frames beyond
// MaxStackDepth are dropped. An empty stack yields InvalidStackID.
func (t *StackTable) Capture(frames []uint64) uint32 {
	if len(frames) == 0 || t.buckets == 0 {
		return InvalidStackID
	}
	var st StackTrace
	n := copy(st[:], frames)

	var buf [MaxStackDepth * 8]byte
	for i := 0; i < n; i++ {
		binary.LittleEndian.PutUint64(buf[i*8:], st[i])
	}
	id := uint32(xxhash.Sum64(buf[:n*8]) % uint64(t.buckets))
	if err := t.traces.Upsert(id, st); err != nil {
		return InvalidStackID
	}
	return id
}

func (t *StackTable) Lookup(id uint32) (StackTrace, bool) {
	if id == InvalidStackID {
		return StackTrace{}, false
	}
	return t.traces.Lookup(id)
}
