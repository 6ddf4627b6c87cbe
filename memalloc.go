//go:build linux

package ebpfspy

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/go-kit/log"

	"github.com/canonical/hermes/correlate"
	"github.com/canonical/hermes/tracefs"
)

// MemAllocBPF attributes slab and page allocations to tasks and stacks.
type MemAllocBPF struct {
	logger     log.Logger
	tracefs    *tracefs.Tracefs
	objectPath string
	bpf        memAllocObjects
	links      []link.Link
}

func NewMemAllocBPF(logger log.Logger, tfs *tracefs.Tracefs) *MemAllocBPF {
	return &MemAllocBPF{logger: logger, tracefs: tfs}
}

func (ob *MemAllocBPF) Config(cfg string) error {
	ob.objectPath = cfg
	return nil
}

func (ob *MemAllocBPF) Name() string { return ProbeMemAlloc }

func (ob *MemAllocBPF) Load() error {
	return loadObjects(ob.objectPath, &ob.bpf)
}

func (ob *MemAllocBPF) Attach() error {
	p := ob.bpf.memAllocPrograms
	links, err := attachHooks(ob.logger, ob.tracefs, []hook{
		// the entry kprobes must be in place before the allocation tracepoints
		// start looking up pending cache names
		{name: "kmem_cache_alloc", prog: p.KmemCacheAllocKprobe},
		{name: "kmem_cache_alloc_node", prog: p.KmemCacheAllocNodeKprobe},
		{group: "kmem", name: "kmalloc", prog: p.Kmalloc},
		{group: "kmem", name: "kmalloc_node", prog: p.KmallocNode},
		{group: "kmem", name: "kfree", prog: p.Kfree},
		{group: "kmem", name: "kmem_cache_alloc", prog: p.KmemCacheAlloc},
		{group: "kmem", name: "kmem_cache_alloc_node", prog: p.KmemCacheAllocNode},
		{group: "kmem", name: "kmem_cache_free", prog: p.KmemCacheFree},
		{group: "kmem", name: "mm_page_alloc", prog: p.MmPageAlloc},
		{group: "kmem", name: "mm_page_free", prog: p.MmPageFree},
	})
	ob.links = links
	return err
}

func (ob *MemAllocBPF) Detach() {
	detachHooks(ob.links)
	ob.links = nil
}

func (ob *MemAllocBPF) Remove() {
	_ = ob.bpf.Close()
}

func (ob *MemAllocBPF) Attached() int {
	return len(ob.links)
}

func (ob *MemAllocBPF) Stacks() *ebpf.Map {
	return ob.bpf.StackTrace
}

func (ob *MemAllocBPF) SlabInfo() *ebpf.Map {
	return ob.bpf.SlabInfo
}

func (ob *MemAllocBPF) TgidPidSlab() *ebpf.Map {
	return ob.bpf.TgidPidSlab
}

func (ob *MemAllocBPF) AddrInfo(kind correlate.AllocKind) *ebpf.Map {
	if kind == correlate.PageAlloc {
		return ob.bpf.PageAddrInfo
	}
	return ob.bpf.SlabAddrInfo
}

func (ob *MemAllocBPF) Stats(kind correlate.AllocKind) *ebpf.Map {
	if kind == correlate.PageAlloc {
		return ob.bpf.PageStats
	}
	return ob.bpf.SlabStats
}
