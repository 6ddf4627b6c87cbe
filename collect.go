package ebpfspy

import (
	"sort"

	"github.com/canonical/hermes/correlate"
	"github.com/canonical/hermes/symtab"
)

// views are the tables a collection round reads, backed either by kernel maps
// or by an in-process engine.
type views struct {
	stacks *correlate.StackTable
	owners *correlate.Correlator
	slab   *correlate.Tracker
	page   *correlate.Tracker
}

func engineViews(e *correlate.Engine) *views {
	return &views{stacks: e.Stacks, owners: e.Owners, slab: e.Slab, page: e.Page}
}

func (v *views) tracker(kind correlate.AllocKind) *correlate.Tracker {
	if kind == correlate.PageAlloc {
		return v.page
	}
	return v.slab
}

// Allocation is the live memory one task holds through one stack.
type Allocation struct {
	Kind       correlate.AllocKind
	Owner      correlate.TaskID
	StackID    uint32
	Stack      []string // root first
	Objects    int
	Bytes      uint64
	StackTotal uint64 // outstanding bytes of the stack across all owners
}

type CollectAllocationsCallback func(Allocation)

// OwnedGroup is a set of owned allocations sharing cache, command, owner and stack.
type OwnedGroup struct {
	Slab    string
	Comm    string
	Owner   correlate.TaskID
	StackID uint32
	Stack   []string // root first
	Objects int
	Bytes   uint64
}

type CollectOwnedCallback func(OwnedGroup)

type stackResolver struct {
	stacks   *correlate.StackTable
	resolver *symtab.StackResolver
	stats    symtab.ResolveStats
}

func (r *stackResolver) resolve(id uint32) []string {
	trace, ok := r.stacks.Lookup(id)
	if !ok {
		return nil
	}
	names, stats := r.resolver.Resolve(id, trace.Frames())
	r.stats.Known += stats.Known
	r.stats.UnknownSymbols += stats.UnknownSymbols
	r.stats.UnknownModules += stats.UnknownModules
	return names
}

type ownerStack struct {
	owner correlate.TaskID
	stack uint32
}

func sortedKeys[V any](m map[ownerStack]V) []ownerStack {
	keys := make([]ownerStack, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].owner != keys[j].owner {
			return keys[i].owner < keys[j].owner
		}
		return keys[i].stack < keys[j].stack
	})
	return keys
}

// collectAllocations joins tracked addresses with their stack aggregate and
// stack trace. It returns the number of live addresses seen.
func collectAllocations(v *views, r *stackResolver, kind correlate.AllocKind, cb CollectAllocationsCallback) (int, error) {
	t := v.tracker(kind)
	groups := make(map[ownerStack]*Allocation)
	n := 0
	err := t.RangeTracked(func(_ uint64, rec correlate.TrackedAddress) bool {
		n++
		k := ownerStack{owner: correlate.TaskID(rec.TgidPid), stack: rec.StackID}
		a := groups[k]
		if a == nil {
			a = &Allocation{Kind: kind, Owner: k.owner, StackID: k.stack}
			groups[k] = a
		}
		a.Objects++
		a.Bytes += rec.Size
		return true
	})
	if err != nil {
		return n, err
	}
	for _, k := range sortedKeys(groups) {
		a := groups[k]
		// a stack freed down to nothing between the two reads is skipped
		total, ok := t.Total(k.stack)
		if !ok || total == 0 {
			continue
		}
		a.StackTotal = total
		a.Stack = r.resolve(k.stack)
		cb(*a)
	}
	return n, nil
}

type ownedKey struct {
	ownerStack
	slab string
	comm string
}

// collectOwned groups owned allocations. It returns the number of live
// allocations seen.
func collectOwned(v *views, r *stackResolver, cb CollectOwnedCallback) (int, error) {
	groups := make(map[ownedKey]*OwnedGroup)
	n := 0
	err := v.owners.Range(func(k correlate.OwnerKey, a correlate.OwnedAllocation) bool {
		n++
		key := ownedKey{
			ownerStack: ownerStack{owner: correlate.TaskID(k.TgidPid), stack: a.StackID},
			slab:       a.SlabName(),
			comm:       a.Command(),
		}
		g := groups[key]
		if g == nil {
			g = &OwnedGroup{Slab: key.slab, Comm: key.comm, Owner: key.owner, StackID: key.stack}
			groups[key] = g
		}
		g.Objects++
		g.Bytes += a.Size
		return true
	})
	if err != nil {
		return n, err
	}
	keys := make([]ownedKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].slab != keys[j].slab {
			return keys[i].slab < keys[j].slab
		}
		if keys[i].owner != keys[j].owner {
			return keys[i].owner < keys[j].owner
		}
		if keys[i].stack != keys[j].stack {
			return keys[i].stack < keys[j].stack
		}
		return keys[i].comm < keys[j].comm
	})
	for _, k := range keys {
		g := groups[k]
		g.Stack = r.resolve(k.stack)
		cb(*g)
	}
	return n, nil
}
