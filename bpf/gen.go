// Package bpf holds the kernel side of the probes. The objects are built out
// of tree and loaded by path at runtime.
package bpf

//go:generate clang -O2 -g -Wall -target bpf -D__TARGET_ARCH_x86 -I./include -c iolatency.c -o iolatency.o
//go:generate clang -O2 -g -Wall -target bpf -D__TARGET_ARCH_x86 -I./include -c memalloc.c -o memalloc.o

const (
	IOLatencyObject = "iolatency.o"
	MemAllocObject  = "memalloc.o"
)
