// Package iolat rolls sampled block request latencies up into per device,
// per command and per process summaries.
package iolat

import (
	"github.com/canonical/hermes/correlate"
)

// Request operations and flags, as laid out in the kernel's cmd_flags.
const (
	reqOpMask  = 0xff
	reqOpRead  = 0
	reqOpWrite = 1
	reqOpFlush = 2

	reqSyncBit = 11
	reqSync    = 1 << reqSyncBit
)

type Op string

const (
	OpRead  Op = "read"
	OpWrite Op = "write"
	OpFlush Op = "flush"
	OpOther Op = "other"
)

type OpInfo struct {
	Op   Op   `json:"op"`
	Sync bool `json:"sync"`
}

// DecodeOp splits a request's cmd_flags into its operation and sync flag.
func DecodeOp(cmdFlags uint32) OpInfo {
	res := OpInfo{Sync: cmdFlags&reqSync != 0}
	switch cmdFlags & reqOpMask {
	case reqOpRead:
		res.Op = OpRead
	case reqOpWrite:
		res.Op = OpWrite
	case reqOpFlush:
		res.Op = OpFlush
	default:
		res.Op = OpOther
	}
	return res
}

// Record is one sampled request.
type Record struct {
	Pid    uint32 `json:"pid"`
	LatUs  uint64 `json:"lat_us"`
	Device string `json:"device"`
	Comm   string `json:"comm"`
	OpInfo OpInfo `json:"op_info"`
}

func FromEvent(e correlate.LatencyEvent) Record {
	return Record{
		Pid:    e.Pid,
		LatUs:  e.LatencyUs,
		Device: e.Disk(),
		Comm:   e.Command(),
		OpInfo: DecodeOp(e.CmdFlags),
	}
}

type Summary struct {
	TotalIos    int    `json:"total_ios"`
	Reads       int    `json:"reads"`
	SyncReads   int    `json:"sync_reads"`
	Writes      int    `json:"writes"`
	SyncWrites  int    `json:"sync_writes"`
	Flushes     int    `json:"flushes"`
	SyncFlushes int    `json:"sync_flushes"`
	Other       int    `json:"other"`
	SyncOther   int    `json:"sync_other"`
	LatAvgUs    uint64 `json:"lat_avg_us"`
	LatHighUs   uint64 `json:"lat_high_us"`
	LatLowUs    uint64 `json:"lat_low_us"`

	latSum uint64
}

func (s *Summary) add(r Record) {
	if s.TotalIos == 0 || r.LatUs > s.LatHighUs {
		s.LatHighUs = r.LatUs
	}
	if s.TotalIos == 0 || r.LatUs < s.LatLowUs {
		s.LatLowUs = r.LatUs
	}
	var plain, sync *int
	switch r.OpInfo.Op {
	case OpRead:
		plain, sync = &s.Reads, &s.SyncReads
	case OpWrite:
		plain, sync = &s.Writes, &s.SyncWrites
	case OpFlush:
		plain, sync = &s.Flushes, &s.SyncFlushes
	default:
		plain, sync = &s.Other, &s.SyncOther
	}
	if r.OpInfo.Sync {
		*sync++
	} else {
		*plain++
	}
	s.TotalIos++
	s.latSum += r.LatUs
	s.LatAvgUs = s.latSum / uint64(s.TotalIos)
}

type PidSummary struct {
	Comm   string  `json:"comm"`
	BlkLat Summary `json:"blk_lat"`
}

type Rollup struct {
	All     Summary                `json:"all"`
	PerDev  map[string]*Summary    `json:"per_dev"`
	PerComm map[string]*Summary    `json:"per_comm"`
	PerPid  map[uint32]*PidSummary `json:"per_pid"`
}

func NewRollup() *Rollup {
	return &Rollup{
		PerDev:  make(map[string]*Summary),
		PerComm: make(map[string]*Summary),
		PerPid:  make(map[uint32]*PidSummary),
	}
}

// Add folds r into every view. A pid keeps the command it was first seen with.
func (r *Rollup) Add(rec Record) {
	r.All.add(rec)

	dev := r.PerDev[rec.Device]
	if dev == nil {
		dev = new(Summary)
		r.PerDev[rec.Device] = dev
	}
	dev.add(rec)

	comm := r.PerComm[rec.Comm]
	if comm == nil {
		comm = new(Summary)
		r.PerComm[rec.Comm] = comm
	}
	comm.add(rec)

	pid := r.PerPid[rec.Pid]
	if pid == nil {
		pid = &PidSummary{Comm: rec.Comm}
		r.PerPid[rec.Pid] = pid
	}
	pid.BlkLat.add(rec)
}
