package correlate

import (
	"encoding/binary"
	"fmt"
)

const (
	DiskNameLen      = 16
	EventCommLen     = 32
	MinLatencyUs     = 50
	LatencyEventSize = 72
)

// RequestID is the opaque identity of an in-flight block request.
type RequestID uint64

// LatencyEvent is published once per completed request that took at least the
// sampler threshold. The layout matches the kernel record byte for byte.
type LatencyEvent struct {
	DiskName  [DiskNameLen]byte
	Comm      [EventCommLen]byte
	CmdFlags  uint32
	_         [4]byte
	LatencyUs uint64
	Pid       uint32
	_         [4]byte
}

func (e *LatencyEvent) Disk() string    { return CString(e.DiskName[:]) }
func (e *LatencyEvent) Command() string { return CString(e.Comm[:]) }

func (e *LatencyEvent) encode(b []byte) {
	copy(b[0:16], e.DiskName[:])
	copy(b[16:48], e.Comm[:])
	binary.NativeEndian.PutUint32(b[48:52], e.CmdFlags)
	clear(b[52:56])
	binary.NativeEndian.PutUint64(b[56:64], e.LatencyUs)
	binary.NativeEndian.PutUint32(b[64:68], e.Pid)
	clear(b[68:72])
}

// DecodeLatencyEvent parses a raw record published by either the kernel program
// or the Sampler.
func DecodeLatencyEvent(b []byte) (LatencyEvent, error) {
	var e LatencyEvent
	if len(b) < LatencyEventSize {
		return e, fmt.Errorf("latency event too short: %d bytes", len(b))
	}
	copy(e.DiskName[:], b[0:16])
	copy(e.Comm[:], b[16:48])
	e.CmdFlags = binary.NativeEndian.Uint32(b[48:52])
	e.LatencyUs = binary.NativeEndian.Uint64(b[56:64])
	e.Pid = binary.NativeEndian.Uint32(b[64:68])
	return e, nil
}

// Sampler pairs block request issue and completion and publishes the latency of
// every request slower than the threshold.
//
// Issues upsert: a reused request handle replaces the pending timestamp.
type Sampler struct {
	pending     Table[RequestID, uint64]
	events      *Ring
	thresholdUs uint64
	sink        Sink
}

func NewSampler(pending Table[RequestID, uint64], events *Ring, sink Sink) *Sampler {
	return &Sampler{
		pending:     pending,
		events:      events,
		thresholdUs: MinLatencyUs,
		sink:        sinkOrNop(sink),
	}
}

func (s *Sampler) observe(o Outcome) Outcome {
	s.sink.Observe("sampler", o)
	return o
}

func (s *Sampler) OnIssue(req RequestID, now uint64) Outcome {
	if err := s.pending.Upsert(req, now); err != nil {
		return s.observe(CapacityExhausted)
	}
	return s.observe(Recorded)
}

func (s *Sampler) OnComplete(ctx HookContext, req RequestID, disk string, cmdFlags uint32) Outcome {
	start, ok := s.pending.LookupAndDelete(req)
	if !ok {
		return s.observe(MissedPairing)
	}
	var deltaUs uint64
	if ctx.Now > start {
		deltaUs = (ctx.Now - start) / 1000
	}
	if deltaUs < s.thresholdUs {
		return s.observe(BelowThreshold)
	}

	res, err := s.events.Reserve(LatencyEventSize)
	if err != nil {
		return s.observe(ChannelBackpressure)
	}
	e := LatencyEvent{
		CmdFlags:  cmdFlags,
		LatencyUs: deltaUs,
		Pid:       ctx.Task.Pid(),
	}
	putCString(e.DiskName[:], disk)
	putCString(e.Comm[:], ctx.Comm)
	e.encode(res.Bytes())
	res.Submit()
	return s.observe(Recorded)
}
