package correlate

import (
	"errors"
	"math"
)

// AllocKind selects one of the two tracker instances.
type AllocKind uint8

const (
	SlabAlloc AllocKind = iota
	PageAlloc
)

func (k AllocKind) String() string {
	if k == PageAlloc {
		return "page"
	}
	return "slab"
}

// TrackedAddress is what the tracker remembers about a live allocation.
type TrackedAddress struct {
	TgidPid uint64
	Size    uint64
	StackID uint32
	_       [4]byte
}

// Tracker keeps a running byte total per allocation stack. Addresses are keyed
// alone, so a free by any task releases the bytes back to the allocating stack.
//
// Inserting the address and bumping the stack total are two separate atomic
// steps; a free racing between them can see the address without its bytes.
type Tracker struct {
	kind     AllocKind
	addrs    Table[uint64, TrackedAddress]
	totals   Table[uint32, uint64]
	stacks   *StackTable
	pageSize uint64
	sink     Sink
}

func NewTracker(kind AllocKind, addrs Table[uint64, TrackedAddress], totals Table[uint32, uint64],
	stacks *StackTable, pageSize uint64, sink Sink) *Tracker {
	return &Tracker{
		kind:     kind,
		addrs:    addrs,
		totals:   totals,
		stacks:   stacks,
		pageSize: pageSize,
		sink:     sinkOrNop(sink),
	}
}

func (t *Tracker) Kind() AllocKind { return t.kind }

func (t *Tracker) observe(o Outcome) Outcome {
	t.sink.Observe(t.kind.String()+"_tracker", o)
	return o
}

func saturatingAdd(a, b uint64) uint64 {
	if a > math.MaxUint64-b {
		return math.MaxUint64
	}
	return a + b
}

func saturatingSub(a, b uint64) uint64 {
	if b > a {
		return 0
	}
	return a - b
}

// OnAlloc tracks size bytes at addr against the current stack.
func (t *Tracker) OnAlloc(ctx HookContext, addr, size uint64) Outcome {
	stackID := t.stacks.Capture(ctx.Frames)
	return t.track(ctx.Task, addr, size, stackID)
}

// OnPageAlloc tracks a 2^order page block starting at pfn.
func (t *Tracker) OnPageAlloc(ctx HookContext, pfn uint64, order uint32) Outcome {
	return t.OnAlloc(ctx, pfn, t.pageSize<<order)
}

func (t *Tracker) track(task TaskID, addr, size uint64, stackID uint32) Outcome {
	rec := TrackedAddress{TgidPid: uint64(task), Size: size, StackID: stackID}
	if o := insertOutcome(t.addrs.InsertIfAbsent(addr, rec)); o != Recorded {
		return t.observe(o)
	}

	add := func(total uint64) uint64 { return saturatingAdd(total, size) }
	if _, ok := t.totals.Modify(stackID, add); ok {
		return t.observe(Recorded)
	}
	// first touch of this stack; concurrent first touches agree on a single zero
	if err := t.totals.InsertIfAbsent(stackID, 0); err != nil && !errors.Is(err, ErrKeyExist) {
		return t.observe(CapacityExhausted)
	}
	if _, ok := t.totals.Modify(stackID, add); !ok {
		return t.observe(CapacityExhausted)
	}
	return t.observe(Recorded)
}

// OnFree releases the bytes tracked at addr. The address is claimed before its
// size is folded back, so repeated or concurrent frees decrement at most once.
func (t *Tracker) OnFree(addr uint64) Outcome {
	rec, ok := t.addrs.LookupAndDelete(addr)
	if !ok {
		return t.observe(MissedPairing)
	}
	sub := func(total uint64) uint64 { return saturatingSub(total, rec.Size) }
	if _, ok := t.totals.Modify(rec.StackID, sub); !ok {
		return t.observe(MissedPairing)
	}
	return t.observe(Recorded)
}

// Total returns the outstanding bytes attributed to stackID.
func (t *Tracker) Total(stackID uint32) (uint64, bool) {
	return t.totals.Lookup(stackID)
}

// Tracked returns the live record for addr.
func (t *Tracker) Tracked(addr uint64) (TrackedAddress, bool) {
	return t.addrs.Lookup(addr)
}

// RangeTracked visits every live tracked address.
func (t *Tracker) RangeTracked(fn func(addr uint64, rec TrackedAddress) bool) error {
	return t.addrs.Range(fn)
}
