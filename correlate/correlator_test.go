package correlate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type correlatorFixture struct {
	c       *Correlator
	owned   *Arena[OwnerKey, OwnedAllocation]
	pending *Arena[TaskID, PendingSlabName]
	stacks  *StackTable
}

func newCorrelatorFixture(ownedCap uint32) correlatorFixture {
	f := correlatorFixture{
		owned:   NewArena[OwnerKey, OwnedAllocation](ownedCap),
		pending: NewArena[TaskID, PendingSlabName](64),
		stacks:  NewStackTable(NewArena[uint32, StackTrace](4096)),
	}
	f.c = NewCorrelator(f.owned, f.pending, f.stacks, nil)
	return f
}

func (f correlatorFixture) record(t *testing.T, task TaskID, addr uint64) OwnedAllocation {
	t.Helper()
	rec, ok := f.owned.Lookup(OwnerKey{TgidPid: uint64(task), Addr: addr})
	require.True(t, ok, "no allocation recorded for task %x addr %x", task, addr)
	return rec
}

func TestCorrelatorCacheAllocUsesPendingName(t *testing.T) {
	f := newCorrelatorFixture(16)
	task := NewTaskID(10, 11)
	ctx := HookContext{Task: task, Comm: "kworker/0:1", Frames: []uint64{0xffffffff81100000, 0xffffffff81200000}}

	require.Equal(t, Recorded, f.c.OnCacheEntry(task, "dentry"))
	require.Equal(t, Recorded, f.c.OnCacheAlloc(ctx, 0xA000, 192))

	rec := f.record(t, task, 0xA000)
	assert.Equal(t, "dentry", rec.SlabName())
	assert.Equal(t, "kworker/0:1", rec.Command())
	assert.Equal(t, uint64(192), rec.Size)

	trace, ok := f.stacks.Lookup(rec.StackID)
	require.True(t, ok)
	assert.Equal(t, ctx.Frames, trace.Frames())
}

func TestCorrelatorCacheAllocWithoutEntryIsDropped(t *testing.T) {
	f := newCorrelatorFixture(16)
	task := NewTaskID(10, 11)

	assert.Equal(t, UnresolvedContext, f.c.OnCacheAlloc(HookContext{Task: task}, 0xA000, 64))
	assert.Equal(t, 0, f.owned.Len())

	// a name pending on another task does not resolve this one
	f.c.OnCacheEntry(NewTaskID(10, 12), "kmalloc-64")
	assert.Equal(t, UnresolvedContext, f.c.OnCacheAlloc(HookContext{Task: task}, 0xA000, 64))
}

func TestCorrelatorPendingNameIsLastWriteWins(t *testing.T) {
	f := newCorrelatorFixture(16)
	task := NewTaskID(1, 1)

	f.c.OnCacheEntry(task, "inode_cache")
	f.c.OnCacheEntry(task, "buffer_head")
	f.c.OnCacheAlloc(HookContext{Task: task}, 0x1, 8)
	f.c.OnCacheAlloc(HookContext{Task: task}, 0x2, 8)

	rec1 := f.record(t, task, 0x1)
	assert.Equal(t, "buffer_head", rec1.SlabName())
	rec2 := f.record(t, task, 0x2)
	assert.Equal(t, "buffer_head", rec2.SlabName())
}

func TestCorrelatorDirectAllocIsAnonymous(t *testing.T) {
	f := newCorrelatorFixture(16)
	task := NewTaskID(3, 4)

	require.Equal(t, Recorded, f.c.OnDirectAlloc(HookContext{Task: task, Comm: "bash"}, 0xB000, 512))
	rec := f.record(t, task, 0xB000)
	assert.Equal(t, AnonymousSlab, rec.SlabName())
	assert.Equal(t, uint32(InvalidStackID), rec.StackID, "no frames means no stack")
}

func TestCorrelatorDuplicateKeepsFirst(t *testing.T) {
	f := newCorrelatorFixture(16)
	task := NewTaskID(5, 5)

	require.Equal(t, Recorded, f.c.OnDirectAlloc(HookContext{Task: task}, 0xC000, 128))
	assert.Equal(t, DuplicateKey, f.c.OnDirectAlloc(HookContext{Task: task}, 0xC000, 64))
	assert.Equal(t, uint64(128), f.record(t, task, 0xC000).Size)

	// the same address owned by another task is a distinct key
	assert.Equal(t, Recorded, f.c.OnDirectAlloc(HookContext{Task: NewTaskID(5, 6)}, 0xC000, 64))
}

func TestCorrelatorAllocFreeAllocKeepsOneRecord(t *testing.T) {
	f := newCorrelatorFixture(16)
	task := NewTaskID(7, 7)
	ctx := HookContext{Task: task}

	require.Equal(t, Recorded, f.c.OnDirectAlloc(ctx, 0xD000, 32))
	require.Equal(t, Recorded, f.c.OnFree(task, 0xD000))
	require.Equal(t, Recorded, f.c.OnDirectAlloc(ctx, 0xD000, 96))

	assert.Equal(t, 1, f.owned.Len())
	assert.Equal(t, uint64(96), f.record(t, task, 0xD000).Size)
}

func TestCorrelatorFreeIsIdempotent(t *testing.T) {
	f := newCorrelatorFixture(16)
	task := NewTaskID(8, 8)

	f.c.OnDirectAlloc(HookContext{Task: task}, 0xE000, 32)
	assert.Equal(t, Recorded, f.c.OnFree(task, 0xE000))
	assert.Equal(t, MissedPairing, f.c.OnFree(task, 0xE000))
	assert.Equal(t, MissedPairing, f.c.OnFree(task, 0xE000))
	assert.Equal(t, 0, f.owned.Len())
}

func TestCorrelatorFreeByOtherTaskIsNoop(t *testing.T) {
	f := newCorrelatorFixture(16)
	owner := NewTaskID(9, 9)

	f.c.OnDirectAlloc(HookContext{Task: owner}, 0xF000, 32)
	assert.Equal(t, MissedPairing, f.c.OnFree(NewTaskID(9, 10), 0xF000))
	f.record(t, owner, 0xF000)
}

func TestCorrelatorCapacityExhausted(t *testing.T) {
	f := newCorrelatorFixture(1)
	task := NewTaskID(1, 2)

	require.Equal(t, Recorded, f.c.OnDirectAlloc(HookContext{Task: task}, 0x10, 8))
	assert.Equal(t, CapacityExhausted, f.c.OnDirectAlloc(HookContext{Task: task}, 0x20, 8))
	f.c.OnFree(task, 0x10)
	assert.Equal(t, Recorded, f.c.OnDirectAlloc(HookContext{Task: task}, 0x20, 8))
}

func TestCorrelatorRange(t *testing.T) {
	f := newCorrelatorFixture(16)
	for addr := uint64(1); addr <= 3; addr++ {
		f.c.OnDirectAlloc(HookContext{Task: NewTaskID(1, 1)}, addr, addr*10)
	}
	var total uint64
	require.NoError(t, f.c.Range(func(_ OwnerKey, a OwnedAllocation) bool {
		total += a.Size
		return true
	}))
	assert.Equal(t, uint64(60), total)
}
