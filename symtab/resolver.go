package symtab

import (
	"encoding/binary"
	"fmt"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/canonical/hermes/correlate"
)

type Options struct {
	UnknownSymbolModuleOffset bool // use module+0xef instead of module for unknown symbols
	UnknownSymbolAddress      bool // use 0xcafebabe instead of [unknown]
	CacheSize                 int
}

type ResolveStats struct {
	Known          uint32
	UnknownSymbols uint32
	UnknownModules uint32
}

type cachedStack struct {
	sum    uint64
	frames []string
	stats  ResolveStats
}

// StackResolver turns captured kernel stacks into symbol names, root first.
// Results are cached by stack id; a cached entry is reused only while the
// frames stored under that id are unchanged.
type StackResolver struct {
	kallsyms *Kallsyms
	options  Options
	cache    *lru.Cache[uint32, cachedStack]
}

func NewStackResolver(kallsyms *Kallsyms, options Options) (*StackResolver, error) {
	if options.CacheSize <= 0 {
		options.CacheSize = 4096
	}
	cache, err := lru.New[uint32, cachedStack](options.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create stack cache: %w", err)
	}
	return &StackResolver{kallsyms: kallsyms, options: options, cache: cache}, nil
}

func framesSum(frames []uint64) uint64 {
	d := xxhash.New()
	var b [8]byte
	for _, ip := range frames {
		binary.LittleEndian.PutUint64(b[:], ip)
		_, _ = d.Write(b[:])
	}
	return d.Sum64()
}

// Resolve symbolizes frames captured under stackID. The returned slice is
// shared with the cache and must not be modified.
func (r *StackResolver) Resolve(stackID uint32, frames []uint64) ([]string, ResolveStats) {
	if stackID == correlate.InvalidStackID {
		return r.walk(frames)
	}
	sum := framesSum(frames)
	if c, ok := r.cache.Get(stackID); ok && c.sum == sum {
		return c.frames, c.stats
	}
	names, stats := r.walk(frames)
	r.cache.Add(stackID, cachedStack{sum: sum, frames: names, stats: stats})
	return names, stats
}

func (r *StackResolver) walk(frames []uint64) ([]string, ResolveStats) {
	var stats ResolveStats
	names := make([]string, 0, len(frames))
	for _, ip := range frames {
		if ip == 0 {
			break
		}
		sym := r.kallsyms.Resolve(ip)
		var name string
		switch {
		case sym.Name != "":
			name = sym.Name
			stats.Known++
		case sym.Module != "":
			if r.options.UnknownSymbolModuleOffset {
				name = fmt.Sprintf("%s+%x", sym.Module, ip-sym.Start)
			} else {
				name = sym.Module
			}
			stats.UnknownSymbols++
		default:
			if r.options.UnknownSymbolAddress {
				name = fmt.Sprintf("%x", ip)
			} else {
				name = "[unknown]"
			}
			stats.UnknownModules++
		}
		names = append(names, name)
	}
	// stacks are captured innermost first
	lo.Reverse(names)
	return names, stats
}

func (r *StackResolver) CacheLen() int {
	return r.cache.Len()
}
