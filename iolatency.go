//go:build linux

package ebpfspy

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/go-kit/log"

	"github.com/canonical/hermes/tracefs"
)

// IOLatencyBPF samples block requests slower than the kernel threshold.
type IOLatencyBPF struct {
	logger     log.Logger
	tracefs    *tracefs.Tracefs
	objectPath string
	bpf        ioLatencyObjects
	links      []link.Link
}

func NewIOLatencyBPF(logger log.Logger, tfs *tracefs.Tracefs) *IOLatencyBPF {
	return &IOLatencyBPF{logger: logger, tracefs: tfs}
}

func (ob *IOLatencyBPF) Config(cfg string) error {
	ob.objectPath = cfg
	return nil
}

func (ob *IOLatencyBPF) Name() string { return ProbeIOLatency }

func (ob *IOLatencyBPF) Load() error {
	return loadObjects(ob.objectPath, &ob.bpf)
}

func (ob *IOLatencyBPF) Attach() error {
	links, err := attachHooks(ob.logger, ob.tracefs, []hook{
		{name: "blk_account_io_start", prog: ob.bpf.KprobeBlkAccountIoStart, required: true},
		{name: "blk_account_io_done", prog: ob.bpf.KprobeBlkAccountIoDone, required: true},
	})
	ob.links = links
	return err
}

func (ob *IOLatencyBPF) Detach() {
	detachHooks(ob.links)
	ob.links = nil
}

func (ob *IOLatencyBPF) Remove() {
	_ = ob.bpf.Close()
}

func (ob *IOLatencyBPF) Attached() int {
	return len(ob.links)
}

// Stacks is nil: latency samples carry no stack.
func (ob *IOLatencyBPF) Stacks() *ebpf.Map {
	return nil
}

func (ob *IOLatencyBPF) Events() *ebpf.Map {
	return ob.bpf.BlkReqEvents
}
