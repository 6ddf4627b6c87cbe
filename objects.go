package ebpfspy

import (
	"errors"
	"fmt"
	"io"

	"github.com/cilium/ebpf"
)

type ioLatencyObjects struct {
	ioLatencyPrograms
	ioLatencyMaps
}

func (o *ioLatencyObjects) Close() error {
	return closeAll(
		o.KprobeBlkAccountIoStart,
		o.KprobeBlkAccountIoDone,
		o.BlkReqStartTimes,
		o.BlkReqEvents,
	)
}

type ioLatencyPrograms struct {
	KprobeBlkAccountIoStart *ebpf.Program `ebpf:"kprobe_blk_account_io_start"`
	KprobeBlkAccountIoDone  *ebpf.Program `ebpf:"kprobe_blk_account_io_done"`
}

type ioLatencyMaps struct {
	BlkReqStartTimes *ebpf.Map `ebpf:"blk_req_start_times"`
	BlkReqEvents     *ebpf.Map `ebpf:"blk_req_events"`
}

type memAllocObjects struct {
	memAllocPrograms
	memAllocMaps
}

func (o *memAllocObjects) Close() error {
	return closeAll(
		o.Kmalloc,
		o.KmallocNode,
		o.Kfree,
		o.KmemCacheAlloc,
		o.KmemCacheAllocNode,
		o.KmemCacheFree,
		o.KmemCacheAllocKprobe,
		o.KmemCacheAllocNodeKprobe,
		o.MmPageAlloc,
		o.MmPageFree,
		o.SlabInfo,
		o.TgidPidSlab,
		o.StackTrace,
		o.SlabAddrInfo,
		o.SlabStats,
		o.PageAddrInfo,
		o.PageStats,
	)
}

type memAllocPrograms struct {
	Kmalloc                  *ebpf.Program `ebpf:"kmalloc"`
	KmallocNode              *ebpf.Program `ebpf:"kmalloc_node"`
	Kfree                    *ebpf.Program `ebpf:"kfree"`
	KmemCacheAlloc           *ebpf.Program `ebpf:"kmem_cache_alloc"`
	KmemCacheAllocNode       *ebpf.Program `ebpf:"kmem_cache_alloc_node"`
	KmemCacheFree            *ebpf.Program `ebpf:"kmem_cache_free"`
	KmemCacheAllocKprobe     *ebpf.Program `ebpf:"kmem_cache_alloc_kprobe"`
	KmemCacheAllocNodeKprobe *ebpf.Program `ebpf:"kmem_cache_alloc_node_kprobe"`
	MmPageAlloc              *ebpf.Program `ebpf:"mm_page_alloc"`
	MmPageFree               *ebpf.Program `ebpf:"mm_page_free"`
}

type memAllocMaps struct {
	SlabInfo     *ebpf.Map `ebpf:"slab_info"`
	TgidPidSlab  *ebpf.Map `ebpf:"tgid_pid_slab"`
	StackTrace   *ebpf.Map `ebpf:"stack_trace"`
	SlabAddrInfo *ebpf.Map `ebpf:"slab_addr_info"`
	SlabStats    *ebpf.Map `ebpf:"slab_stats"`
	PageAddrInfo *ebpf.Map `ebpf:"page_addr_info"`
	PageStats    *ebpf.Map `ebpf:"page_stats"`
}

// loadObjects loads the compiled object at path and assigns its programs and
// maps to the tagged fields of obj.
func loadObjects(path string, obj interface{}) error {
	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return fmt.Errorf("load collection spec %s: %w", path, err)
	}
	opts := &ebpf.CollectionOptions{
		Programs: ebpf.ProgramOptions{
			LogDisabled: true,
		},
	}
	return spec.LoadAndAssign(obj, opts)
}

func closeAll(closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
