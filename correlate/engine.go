package correlate

import "os"

// Options sizes the tables of an in-process Engine. Zero values take the
// defaults used by the kernel programs.
type Options struct {
	PendingRequests uint32
	RingSize        int
	OwnedEntries    uint32
	PendingNames    uint32
	TrackedEntries  uint32
	StackEntries    uint32
	PageSize        uint64
	Sink            Sink
}

var DefaultOptions = Options{
	PendingRequests: 10240,
	RingSize:        1 << 20,
	OwnedEntries:    1000000,
	PendingNames:    1000000,
	TrackedEntries:  1000000,
	StackEntries:    1000000,
}

func (o Options) withDefaults() Options {
	d := DefaultOptions
	if o.PendingRequests != 0 {
		d.PendingRequests = o.PendingRequests
	}
	if o.RingSize != 0 {
		d.RingSize = o.RingSize
	}
	// the ring must hold at least one latency record
	if minRing := int(recordCost(LatencyEventSize)); d.RingSize < minRing {
		d.RingSize = minRing
	}
	if o.OwnedEntries != 0 {
		d.OwnedEntries = o.OwnedEntries
	}
	if o.PendingNames != 0 {
		d.PendingNames = o.PendingNames
	}
	if o.TrackedEntries != 0 {
		d.TrackedEntries = o.TrackedEntries
	}
	if o.StackEntries != 0 {
		d.StackEntries = o.StackEntries
	}
	d.PageSize = o.PageSize
	if d.PageSize == 0 {
		d.PageSize = uint64(os.Getpagesize())
	}
	d.Sink = o.Sink
	return d
}

// Engine wires the three correlators over in-process tables. Each table is
// owned by exactly one component apart from the shared stack table.
type Engine struct {
	Stacks  *StackTable
	Events  *Ring
	Sampler *Sampler
	Owners  *Correlator
	Slab    *Tracker
	Page    *Tracker

	arenas map[string]interface{ Len() int }
}

func NewEngine(opts Options) *Engine {
	opts = opts.withDefaults()

	stackTraces := NewArena[uint32, StackTrace](opts.StackEntries)
	pendingReqs := NewArena[RequestID, uint64](opts.PendingRequests)
	owned := NewArena[OwnerKey, OwnedAllocation](opts.OwnedEntries)
	pendingNames := NewArena[TaskID, PendingSlabName](opts.PendingNames)
	slabInfo := NewArena[uint64, TrackedAddress](opts.TrackedEntries)
	slabStats := NewArena[uint32, uint64](opts.StackEntries)
	pageInfo := NewArena[uint64, TrackedAddress](opts.TrackedEntries)
	pageStats := NewArena[uint32, uint64](opts.StackEntries)

	stacks := NewStackTable(stackTraces)
	events := NewRing(opts.RingSize)
	e := &Engine{
		Stacks:  stacks,
		Events:  events,
		Sampler: NewSampler(pendingReqs, events, opts.Sink),
		Owners:  NewCorrelator(owned, pendingNames, stacks, opts.Sink),
		Slab:    NewTracker(SlabAlloc, slabInfo, slabStats, stacks, opts.PageSize, opts.Sink),
		Page:    NewTracker(PageAlloc, pageInfo, pageStats, stacks, opts.PageSize, opts.Sink),
	}
	e.arenas = map[string]interface{ Len() int }{
		"stack_trace":         stackTraces,
		"blk_req_start_times": pendingReqs,
		"slab_info":           owned,
		"tgid_pid_slab":       pendingNames,
		"slab_addr_info":      slabInfo,
		"slab_stats":          slabStats,
		"page_addr_info":      pageInfo,
		"page_stats":          pageStats,
	}
	return e
}

// Tracker returns the tracker instance for kind.
func (e *Engine) Tracker(kind AllocKind) *Tracker {
	if kind == PageAlloc {
		return e.Page
	}
	return e.Slab
}

// TableLen reports the live entries per table, keyed by the kernel map name.
func (e *Engine) TableLen() map[string]int {
	res := make(map[string]int, len(e.arenas))
	for name, a := range e.arenas {
		res[name] = a.Len()
	}
	return res
}

// DrainEvents decodes every record currently in the output ring.
func (e *Engine) DrainEvents(fn func(LatencyEvent)) int {
	n := 0
	for {
		raw, ok := e.Events.TryRead()
		if !ok {
			return n
		}
		ev, err := DecodeLatencyEvent(raw)
		if err != nil {
			continue
		}
		fn(ev)
		n++
	}
}
