package pprof

import (
	"fmt"
	"sort"

	"github.com/prometheus/procfs"
	"github.com/samber/lo"
)

const (
	RecordedLabel   = "Recorded"
	UnrecordedLabel = "Unrecorded"
)

// LeakEntry is a group of live allocations sharing a cache, an owner and a stack.
type LeakEntry struct {
	Slab    string
	Comm    string
	Pid     uint32
	Frames  []string // root first
	Objects int64
	Bytes   int64
}

// Stack lays the entry out leaf first: kernel frames, then the owner, then
// the Recorded marker and the cache name at the root.
func (e LeakEntry) Stack() []string {
	res := make([]string, 0, len(e.Frames)+3)
	res = append(res, e.Frames...)
	lo.Reverse(res)
	return append(res, fmt.Sprintf("%s (%d)", e.Comm, e.Pid), RecordedLabel, e.Slab)
}

// ReadSlabUsage returns the bytes held by active objects per slab cache.
func ReadSlabUsage(fs procfs.FS) (map[string]int64, error) {
	info, err := fs.SlabInfo()
	if err != nil {
		return nil, fmt.Errorf("read slabinfo: %w", err)
	}
	res := make(map[string]int64, len(info.Slabs))
	for _, s := range info.Slabs {
		res[s.Name] += s.ObjActive * s.ObjSize
	}
	return res, nil
}

// AddLeaks adds one sample per entry to p.
func (p *ProfileBuilder) AddLeaks(entries []LeakEntry) {
	for _, e := range entries {
		p.CreateSampleOrAddValue(e.Stack(), e.Objects, e.Bytes)
	}
}

// Unrecorded returns, for every cache with recorded entries, the cache bytes
// the entries do not account for. Caches fully accounted for are left out.
func Unrecorded(entries []LeakEntry, usage map[string]int64) map[string]int64 {
	observed := make(map[string]int64)
	for _, e := range entries {
		observed[e.Slab] += e.Bytes
	}
	res := make(map[string]int64)
	for slab, bytes := range observed {
		if rest := usage[slab] - bytes; rest > 0 {
			res[slab] = rest
		}
	}
	return res
}

// AddUnrecorded adds one Unrecorded sample per cache, in cache name order.
func (p *ProfileBuilder) AddUnrecorded(rest map[string]int64) {
	slabs := lo.Keys(rest)
	sort.Strings(slabs)
	for _, slab := range slabs {
		p.CreateSampleOrAddValue([]string{UnrecordedLabel, slab}, 0, rest[slab])
	}
}
