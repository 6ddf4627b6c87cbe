package correlate

import (
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type trackerFixture struct {
	t      *Tracker
	addrs  *Arena[uint64, TrackedAddress]
	totals *Arena[uint32, uint64]
}

func newTrackerFixture(addrCap, totalsCap uint32) trackerFixture {
	f := trackerFixture{
		addrs:  NewArena[uint64, TrackedAddress](addrCap),
		totals: NewArena[uint32, uint64](totalsCap),
	}
	stacks := NewStackTable(NewArena[uint32, StackTrace](4096))
	f.t = NewTracker(SlabAlloc, f.addrs, f.totals, stacks, 4096, nil)
	return f
}

func (f trackerFixture) total(t *testing.T, stackID uint32) uint64 {
	t.Helper()
	v, _ := f.t.Total(stackID)
	return v
}

func TestTrackerDuplicateAddressKeepsFirstStack(t *testing.T) {
	f := newTrackerFixture(16, 16)
	task := NewTaskID(1, 1)

	require.Equal(t, Recorded, f.t.track(task, 0xA, 128, 7))
	assert.Equal(t, DuplicateKey, f.t.track(task, 0xA, 64, 9))

	assert.Equal(t, uint64(128), f.total(t, 7))
	_, ok := f.t.Total(9)
	assert.False(t, ok, "a dropped duplicate must not create its stack bucket")

	require.Equal(t, Recorded, f.t.OnFree(0xA))
	assert.Equal(t, uint64(0), f.total(t, 7))
	_, ok = f.t.Tracked(0xA)
	assert.False(t, ok)
}

func TestTrackerTotalIsAllocatedMinusFreed(t *testing.T) {
	f := newTrackerFixture(64, 16)
	task := NewTaskID(2, 2)

	var allocated, freed uint64
	for addr := uint64(1); addr <= 10; addr++ {
		f.t.track(task, addr, addr*100, 3)
		allocated += addr * 100
	}
	for addr := uint64(1); addr <= 10; addr += 3 {
		require.Equal(t, Recorded, f.t.OnFree(addr))
		freed += addr * 100
	}
	assert.Equal(t, allocated-freed, f.total(t, 3))
}

func TestTrackerFreeIsIdempotent(t *testing.T) {
	f := newTrackerFixture(16, 16)

	f.t.track(NewTaskID(1, 1), 0x10, 100, 1)
	f.t.track(NewTaskID(1, 1), 0x20, 50, 1)

	assert.Equal(t, Recorded, f.t.OnFree(0x10))
	assert.Equal(t, MissedPairing, f.t.OnFree(0x10))
	assert.Equal(t, MissedPairing, f.t.OnFree(0x10))
	assert.Equal(t, uint64(50), f.total(t, 1))
}

func TestTrackerFreeByAnyTask(t *testing.T) {
	f := newTrackerFixture(16, 16)

	f.t.track(NewTaskID(1, 1), 0x10, 100, 1)
	// the free handler carries no task: whoever frees releases the owner's bytes
	assert.Equal(t, Recorded, f.t.OnFree(0x10))
	assert.Equal(t, uint64(0), f.total(t, 1))
}

func TestTrackerDecrementSaturatesAtZero(t *testing.T) {
	f := newTrackerFixture(16, 16)

	f.t.track(NewTaskID(1, 1), 0x10, 100, 1)
	// an external reader reset the bucket while the address was live
	require.NoError(t, f.totals.Upsert(1, 30))

	assert.Equal(t, Recorded, f.t.OnFree(0x10))
	assert.Equal(t, uint64(0), f.total(t, 1))
}

func TestTrackerIncrementSaturates(t *testing.T) {
	f := newTrackerFixture(16, 16)

	f.t.track(NewTaskID(1, 1), 0x10, math.MaxUint64-5, 1)
	f.t.track(NewTaskID(1, 1), 0x20, 100, 1)
	assert.Equal(t, uint64(math.MaxUint64), f.total(t, 1))
}

func TestTrackerFreeWithMissingAggregate(t *testing.T) {
	f := newTrackerFixture(16, 16)

	f.t.track(NewTaskID(1, 1), 0x10, 100, 1)
	require.True(t, f.totals.Delete(1))

	assert.Equal(t, MissedPairing, f.t.OnFree(0x10))
	_, ok := f.t.Tracked(0x10)
	assert.False(t, ok, "the address is released even without its bucket")
	_, ok = f.t.Total(1)
	assert.False(t, ok)
}

func TestTrackerCapacity(t *testing.T) {
	f := newTrackerFixture(1, 1)

	require.Equal(t, Recorded, f.t.track(NewTaskID(1, 1), 0x10, 8, 1))
	assert.Equal(t, CapacityExhausted, f.t.track(NewTaskID(1, 1), 0x20, 8, 1))

	f.t.OnFree(0x10)
	// the address fits but the stack table has no room for a second bucket
	assert.Equal(t, CapacityExhausted, f.t.track(NewTaskID(1, 1), 0x20, 8, 2))
	_, ok := f.t.Tracked(0x20)
	assert.True(t, ok)
}

func TestTrackerPageAllocSize(t *testing.T) {
	addrs := NewArena[uint64, TrackedAddress](16)
	totals := NewArena[uint32, uint64](16)
	stacks := NewStackTable(NewArena[uint32, StackTrace](16))
	tr := NewTracker(PageAlloc, addrs, totals, stacks, 4096, nil)
	ctx := HookContext{Task: NewTaskID(1, 1), Frames: []uint64{0xffffffff81000000}}

	require.Equal(t, Recorded, tr.OnPageAlloc(ctx, 0x1234, 3))
	rec, ok := tr.Tracked(0x1234)
	require.True(t, ok)
	assert.Equal(t, uint64(4096<<3), rec.Size)

	total, ok := tr.Total(rec.StackID)
	require.True(t, ok)
	assert.Equal(t, uint64(32768), total)
}

func TestTrackerConcurrentAllocFree(t *testing.T) {
	f := newTrackerFixture(1<<16, 16)

	var wg sync.WaitGroup
	for w := uint64(0); w < 8; w++ {
		wg.Add(1)
		go func(w uint64) {
			defer wg.Done()
			for i := uint64(0); i < 1000; i++ {
				addr := w<<32 | i
				f.t.track(NewTaskID(uint32(w), uint32(w)), addr, 16, uint32(i%4))
				if i%2 == 0 {
					f.t.OnFree(addr)
					f.t.OnFree(addr)
				}
			}
		}(w)
	}
	wg.Wait()

	var sum uint64
	for id := uint32(0); id < 4; id++ {
		sum += f.total(t, id)
	}
	assert.Equal(t, uint64(8*500*16), sum)
	assert.Equal(t, 8*500, f.addrs.Len())
}
