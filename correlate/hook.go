package correlate

import "golang.org/x/sys/unix"

// TaskID is the kernel's combined task identity: thread group id in the upper
// 32 bits, thread id in the lower 32 bits.
type TaskID uint64

func NewTaskID(tgid, pid uint32) TaskID {
	return TaskID(uint64(tgid)<<32 | uint64(pid))
}

func (t TaskID) Tgid() uint32 { return uint32(t >> 32) }
func (t TaskID) Pid() uint32  { return uint32(t) }

// HookContext is what a kernel hook can read about the task it runs on behalf of.
type HookContext struct {
	Task TaskID
	Comm string
	// Now is a monotonic timestamp in nanoseconds.
	Now uint64
	// Frames is the kernel stack at the hook site, innermost first.
	Frames []uint64
}

// putCString copies s into dst, truncating so that dst always ends with at least
// one NUL byte, and zero-fills the remainder.
func putCString(dst []byte, s string) {
	if len(dst) == 0 {
		return
	}
	n := copy(dst[:len(dst)-1], s)
	clear(dst[n:])
}

// CString returns the NUL-terminated prefix of b.
func CString(b []byte) string {
	return unix.ByteSliceToString(b)
}
