package tracefs

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/hermes/correlate"
)

func TestParseLine(t *testing.T) {
	testcases := []struct {
		line string
		want Line
	}{
		{
			line: "     kworker/0:1-42      [002] d..1.  1234.567890: kmalloc: call_site=ffffffff81234567 ptr=ffff888100abcd00 bytes_req=60 bytes_alloc=64 gfp_flags=GFP_KERNEL node=-1 accounted=false",
			want: Line{Comm: "kworker/0:1", Pid: 42, CPU: 2, NowNs: 1234567890000, Event: "kmalloc",
				Args: "call_site=ffffffff81234567 ptr=ffff888100abcd00 bytes_req=60 bytes_alloc=64 gfp_flags=GFP_KERNEL node=-1 accounted=false"},
		},
		{
			line: "  my-app-worker-1001  (  999) [000] ..... 10.000001: kfree: call_site=kfree_skb+0x10/0x20 ptr=0000000012345678",
			want: Line{Comm: "my-app-worker", Pid: 1001, Tgid: 999, NowNs: 10000001000, Event: "kfree",
				Args: "call_site=kfree_skb+0x10/0x20 ptr=0000000012345678"},
		},
		{
			line: "<idle>-0 (-------) [003] 7.5: block_rq_complete: 8,0 WS () 2048 + 8 [0]",
			want: Line{Comm: "<idle>", CPU: 3, NowNs: 7500000000, Event: "block_rq_complete", Args: "8,0 WS () 2048 + 8 [0]"},
		},
	}
	for _, tc := range testcases {
		got, err := ParseLine(tc.line)
		require.NoError(t, err, tc.line)
		assert.Equal(t, tc.want, got)
	}

	_, err := ParseLine("CPU:3 [LOST 12 EVENTS]")
	assert.Error(t, err)
}

func TestParseBlockRequest(t *testing.T) {
	req, err := ParseBlockRequest("259,0 WS 4096 () 123456 + 8 [postgres]")
	require.NoError(t, err)
	assert.Equal(t, BlockRequest{Dev: "259,0", RWBS: "WS", Sector: 123456}, req)

	req, err = ParseBlockRequest("8,0 R () 10 + 8 [0]")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), req.Sector)

	_, err = ParseBlockRequest("8,0 FF () [0]")
	assert.Error(t, err)
}

func TestCmdFlags(t *testing.T) {
	testcases := map[string]uint32{
		"R":   0,
		"RA":  0,
		"RS":  1 << 11,
		"W":   1,
		"WS":  1<<11 | 1,
		"FWS": 1<<11 | 1,
		"FF":  2,
		"F":   2,
		"D":   3,
		"N":   0xff,
	}
	for rwbs, want := range testcases {
		assert.Equal(t, want, BlockRequest{RWBS: rwbs}.CmdFlags(), rwbs)
	}
}

const testTrace = `# tracer: nop
#
           mysqld-200   (  200) [001] ..... 100.000000: block_rq_issue: 8,0 WS 4096 () 5000 + 8 [mysqld]
          <idle>-0      (-------) [001] d.h1. 100.000080: block_rq_complete: 8,0 WS () 5000 + 8 [0]
           mysqld-200   (  200) [001] ..... 100.000100: block_rq_issue: 8,0 R 4096 () 6000 + 8 [mysqld]
          <idle>-0      (-------) [001] d.h1. 100.000110: block_rq_complete: 8,0 R () 6000 + 8 [0]
             bash-300   (  300) [000] ..... 101.000000: kmem_cache_alloc: call_site=d_alloc+0x10/0x80 ptr=ffff8881000a0000 bytes_req=192 bytes_alloc=192 gfp_flags=GFP_KERNEL node=-1 accounted=true name=dentry
             bash-300   (  300) [000] ..... 101.000001: kmalloc: call_site=ffffffff81003004 ptr=ffff8881000b0000 bytes_req=60 bytes_alloc=64 gfp_flags=GFP_KERNEL node=-1 accounted=false
             bash-301   (  300) [000] ..... 101.000002: kfree: call_site=ffffffff81003100 ptr=ffff8881000b0000
             bash-300   (  300) [000] ..... 101.000003: mm_page_alloc: page=00000000deadbeef pfn=0x4242 order=2 migratetype=0 gfp_flags=GFP_KERNEL
             bash-300   (  300) [000] ..... 101.000004: sched_switch: prev_comm=bash
             bash-300   (  300) [000] ..... 101.000005: kmalloc: call_site=ffffffff81003004 ptr=zz bytes_alloc=64
garbage
`

func TestReplay(t *testing.T) {
	e := correlate.NewEngine(correlate.Options{PageSize: 4096, StackEntries: 1024})
	symbols := map[string]uint64{"d_alloc": 0xffffffff81002000}
	r := NewReplayer(log.NewNopLogger(), e, ReplayOptions{
		DiskNames: map[string]string{"8,0": "sda"},
		Symbols: func(name string) (uint64, bool) {
			addr, ok := symbols[name]
			return addr, ok
		},
	})

	stats, err := r.Replay(context.Background(), strings.NewReader(testTrace))
	require.NoError(t, err)
	assert.Equal(t, ReplayStats{Lines: 11, Dispatched: 8, Ignored: 1, Malformed: 2}, stats)

	var events []correlate.LatencyEvent
	e.DrainEvents(func(ev correlate.LatencyEvent) { events = append(events, ev) })
	require.Len(t, events, 1, "the 10us read is below the threshold")
	assert.Equal(t, "sda", events[0].Disk())
	assert.Equal(t, "<idle>", events[0].Command())
	assert.Equal(t, uint64(80), events[0].LatencyUs)
	assert.Equal(t, uint32(1<<11|1), events[0].CmdFlags)

	var owned []correlate.OwnedAllocation
	require.NoError(t, e.Owners.Range(func(k correlate.OwnerKey, a correlate.OwnedAllocation) bool {
		assert.Equal(t, uint64(correlate.NewTaskID(300, 300)), k.TgidPid)
		owned = append(owned, a)
		return true
	}))
	require.Len(t, owned, 2, "the kmalloc freed by another thread stays owned")

	rec, ok := e.Slab.Tracked(0xffff8881000a0000)
	require.True(t, ok)
	trace, ok := e.Stacks.Lookup(rec.StackID)
	require.True(t, ok)
	assert.Equal(t, []uint64{0xffffffff81002000}, trace.Frames())

	_, ok = e.Slab.Tracked(0xffff8881000b0000)
	assert.False(t, ok, "the tracker releases an address freed by any task")

	page, ok := e.Page.Tracked(0x4242)
	require.True(t, ok)
	assert.Equal(t, uint64(16384), page.Size)
}

func TestReplayCanceled(t *testing.T) {
	e := correlate.NewEngine(correlate.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewReplayer(log.NewNopLogger(), e, ReplayOptions{}).Replay(ctx, strings.NewReader(testTrace))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestEnableDisable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "events", "kmem", "kmalloc"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "events", "block", "block_rq_issue"), 0o755))
	tfs := New(dir)

	enabled, err := tfs.Enable(Events)
	require.NoError(t, err)
	assert.Equal(t, []string{"kmem:kmalloc", "block:block_rq_issue"}, enabled)

	data, err := os.ReadFile(filepath.Join(dir, "set_event"))
	require.NoError(t, err)
	assert.Equal(t, "kmem:kmalloc block:block_rq_issue", string(data))
	data, err = os.ReadFile(filepath.Join(dir, "tracing_on"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	require.NoError(t, tfs.Disable())
	data, err = os.ReadFile(filepath.Join(dir, "tracing_on"))
	require.NoError(t, err)
	assert.Equal(t, "0", string(data))

	_, err = New(t.TempDir()).Enable(Events)
	assert.Error(t, err)
}
