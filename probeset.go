package ebpfspy

import (
	"github.com/cilium/ebpf"
)

const (
	ProbeIOLatency = "io_latency"
	ProbeMemAlloc  = "mem_alloc"
)

// ProbeSet is one compiled kernel object together with the hooks its
// programs attach to.
type ProbeSet interface {
	// Config takes the path of the compiled object.
	Config(string) error
	Name() string

	Load() error
	Attach() error
	Detach()
	Remove()

	Attached() int
	Stacks() *ebpf.Map
}
