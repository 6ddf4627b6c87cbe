package correlate

const (
	SlabNameLen = 32
	TaskCommLen = 16
	// AnonymousSlab names allocations whose tracepoint carries no cache.
	AnonymousSlab = "anonymous"
)

// OwnerKey identifies an allocation by the task that made it and its address.
type OwnerKey struct {
	TgidPid uint64
	Addr    uint64
}

// OwnedAllocation is never mutated in place: it is created on allocation and
// removed on the matching free by the same task.
type OwnedAllocation struct {
	Slab    [SlabNameLen]byte
	Comm    [TaskCommLen]byte
	Size    uint64
	StackID uint32
	_       [4]byte
}

func (a *OwnedAllocation) SlabName() string { return CString(a.Slab[:]) }
func (a *OwnedAllocation) Command() string  { return CString(a.Comm[:]) }

// PendingSlabName carries a cache name from the cache-allocation entry probe
// to the allocation tracepoint that fires on the same task.
type PendingSlabName struct {
	Slab [SlabNameLen]byte
}

// Correlator attributes slab allocations to the task that made them.
//
// The pending name table is keyed by task only and is overwritten by every
// entry probe. Two cache allocations interleaved on one task before either
// completes attribute both to the latest name; entries are never deleted, so
// a failed allocation leaves a stale name behind for that task.
type Correlator struct {
	owned   Table[OwnerKey, OwnedAllocation]
	pending Table[TaskID, PendingSlabName]
	stacks  *StackTable
	sink    Sink
}

func NewCorrelator(owned Table[OwnerKey, OwnedAllocation], pending Table[TaskID, PendingSlabName],
	stacks *StackTable, sink Sink) *Correlator {
	return &Correlator{
		owned:   owned,
		pending: pending,
		stacks:  stacks,
		sink:    sinkOrNop(sink),
	}
}

func (c *Correlator) observe(o Outcome) Outcome {
	c.sink.Observe("correlator", o)
	return o
}

// OnCacheEntry records the cache name about to be allocated from on task.
func (c *Correlator) OnCacheEntry(task TaskID, cacheName string) Outcome {
	var p PendingSlabName
	putCString(p.Slab[:], cacheName)
	if err := c.pending.Upsert(task, p); err != nil {
		return c.observe(CapacityExhausted)
	}
	return c.observe(Recorded)
}

// OnCacheAlloc handles a cache allocation whose name was captured by OnCacheEntry.
func (c *Correlator) OnCacheAlloc(ctx HookContext, addr, size uint64) Outcome {
	p, ok := c.pending.Lookup(ctx.Task)
	if !ok {
		return c.observe(UnresolvedContext)
	}
	stackID := c.stacks.Capture(ctx.Frames)
	return c.alloc(ctx, addr, size, p.Slab, stackID)
}

// OnDirectAlloc handles allocations from generic allocator paths.
func (c *Correlator) OnDirectAlloc(ctx HookContext, addr, size uint64) Outcome {
	var slab [SlabNameLen]byte
	putCString(slab[:], AnonymousSlab)
	stackID := c.stacks.Capture(ctx.Frames)
	return c.alloc(ctx, addr, size, slab, stackID)
}

func (c *Correlator) alloc(ctx HookContext, addr, size uint64, slab [SlabNameLen]byte, stackID uint32) Outcome {
	rec := OwnedAllocation{
		Slab:    slab,
		Size:    size,
		StackID: stackID,
	}
	putCString(rec.Comm[:], ctx.Comm)
	key := OwnerKey{TgidPid: uint64(ctx.Task), Addr: addr}
	return c.observe(insertOutcome(c.owned.InsertIfAbsent(key, rec)))
}

// OnFree removes the allocation made by task at addr. Frees of unknown or
// already freed addresses are no-ops.
func (c *Correlator) OnFree(task TaskID, addr uint64) Outcome {
	if !c.owned.Delete(OwnerKey{TgidPid: uint64(task), Addr: addr}) {
		return c.observe(MissedPairing)
	}
	return c.observe(Recorded)
}

// Range visits every live owned allocation.
func (c *Correlator) Range(fn func(OwnerKey, OwnedAllocation) bool) error {
	return c.owned.Range(fn)
}
