package pprof

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/pprof/profile"
	"github.com/prometheus/procfs"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuilderForTargetIsPerLabelSet(t *testing.T) {
	b := NewProfileBuilders()
	a1 := b.BuilderForTarget(labels.FromStrings("service_name", "hermes", "kind", "slab"))
	a2 := b.BuilderForTarget(labels.FromStrings("kind", "slab", "service_name", "hermes"))
	c := b.BuilderForTarget(labels.FromStrings("service_name", "hermes", "kind", "page"))
	assert.Same(t, a1, a2)
	assert.NotSame(t, a1, c)
	assert.Len(t, b.Builders, 2)
}

func TestCreateSampleOrAddValueMerges(t *testing.T) {
	p := NewProfileBuilders().BuilderForTarget(labels.EmptyLabels())
	p.CreateSampleOrAddValue([]string{"kmem_cache_alloc", "do_sys_open"}, 1, 64)
	p.CreateSampleOrAddValue([]string{"kmem_cache_alloc", "do_sys_open"}, 2, 128)
	p.CreateSampleOrAddValue([]string{"__kmalloc", "do_sys_open"}, 1, 32)

	require.Len(t, p.Profile.Sample, 2)
	assert.Equal(t, []int64{3, 192}, p.Profile.Sample[0].Value)
	assert.Equal(t, []int64{1, 32}, p.Profile.Sample[1].Value)
	assert.Len(t, p.Profile.Location, 3)
	assert.Len(t, p.Profile.Function, 3)
}

func TestWriteRoundTrip(t *testing.T) {
	p := NewProfileBuilders().BuilderForTarget(labels.EmptyLabels())
	entries := []LeakEntry{{
		Slab:    "dentry",
		Comm:    "find",
		Pid:     77,
		Frames:  []string{"entry_SYSCALL_64", "d_alloc", "kmem_cache_alloc"},
		Objects: 2,
		Bytes:   384,
	}}
	p.AddLeaks(entries)
	p.AddUnrecorded(Unrecorded(entries, map[string]int64{"dentry": 1000, "inode_cache": 5000}))

	buf := bytes.NewBuffer(nil)
	_, err := p.Write(buf)
	require.NoError(t, err)

	parsed, err := profile.Parse(buf)
	require.NoError(t, err)
	require.NoError(t, parsed.CheckValid())
	require.Len(t, parsed.Sample, 2)

	var names []string
	for _, loc := range parsed.Sample[0].Location {
		names = append(names, loc.Line[0].Function.Name)
	}
	assert.Equal(t, []string{"kmem_cache_alloc", "d_alloc", "entry_SYSCALL_64", "find (77)", RecordedLabel, "dentry"}, names)
	assert.Equal(t, []int64{2, 384}, parsed.Sample[0].Value)
	assert.Equal(t, []int64{0, 616}, parsed.Sample[1].Value, "only caches with recorded entries get an Unrecorded remainder")
	assert.Equal(t, "inuse_space", parsed.SampleType[1].Type)
}

func TestUnrecordedAcrossEntries(t *testing.T) {
	entries := []LeakEntry{
		{Slab: "dentry", Comm: "find", Pid: 77, Bytes: 384},
		{Slab: "dentry", Comm: "updatedb", Pid: 78, Bytes: 192},
		{Slab: "kmalloc-64", Comm: "find", Pid: 77, Bytes: 128},
	}
	rest := Unrecorded(entries, map[string]int64{"dentry": 1000, "kmalloc-64": 64, "inode_cache": 5000})
	assert.Equal(t, map[string]int64{"dentry": 424}, rest)

	p := NewProfileBuilders().BuilderForTarget(labels.EmptyLabels())
	p.AddUnrecorded(map[string]int64{"kmalloc-64": 10, "dentry": 424})
	require.Len(t, p.Profile.Sample, 2)
	assert.Equal(t, []int64{0, 424}, p.Profile.Sample[0].Value)
	assert.Equal(t, []int64{0, 10}, p.Profile.Sample[1].Value)
}

func TestReadSlabUsage(t *testing.T) {
	dir := t.TempDir()
	slabinfo := "slabinfo - version: 2.1\n" +
		"# name            <active_objs> <num_objs> <objsize> <objperslab> <pagesperslab> : tunables <limit> <batchcount> <sharedfactor> : slabdata <active_slabs> <num_slabs> <sharedavail>\n" +
		"dentry             1000   1200    192   21    1 : tunables    0    0    0 : slabdata     58     58      0\n" +
		"kmalloc-64          500    512     64   64    1 : tunables    0    0    0 : slabdata      8      8      0\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "slabinfo"), []byte(slabinfo), 0o644))

	fs, err := procfs.NewFS(dir)
	require.NoError(t, err)
	usage, err := ReadSlabUsage(fs)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"dentry": 192000, "kmalloc-64": 32000}, usage)
}
