package tracefs

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Line is one decoded trace_pipe record.
type Line struct {
	Comm  string
	Pid   uint32
	Tgid  uint32 // zero unless record-tgid is set
	CPU   uint32
	NowNs uint64
	Event string
	Args  string
}

var lineRegexp = regexp.MustCompile(`^\s*(.+)-(\d+)\s+(?:\(\s*([\d-]+)\)\s+)?\[(\d+)\]\s+(?:\S+\s+)?(\d+)\.(\d+):\s+(\w+):\s?(.*)$`)

func ParseLine(s string) (Line, error) {
	m := lineRegexp.FindStringSubmatch(s)
	if m == nil {
		return Line{}, fmt.Errorf("unrecognized trace line %q", s)
	}
	pid, err := strconv.ParseUint(m[2], 10, 32)
	if err != nil {
		return Line{}, fmt.Errorf("pid: %w", err)
	}
	var tgid uint64
	if m[3] != "" && m[3] != "-------" {
		if tgid, err = strconv.ParseUint(m[3], 10, 32); err != nil {
			return Line{}, fmt.Errorf("tgid: %w", err)
		}
	}
	cpu, _ := strconv.ParseUint(m[4], 10, 32)
	sec, err := strconv.ParseUint(m[5], 10, 64)
	if err != nil {
		return Line{}, fmt.Errorf("timestamp: %w", err)
	}
	frac := m[6]
	if len(frac) > 9 {
		frac = frac[:9]
	}
	nsec, _ := strconv.ParseUint(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
	return Line{
		Comm:  m[1],
		Pid:   uint32(pid),
		Tgid:  uint32(tgid),
		CPU:   uint32(cpu),
		NowNs: sec*1e9 + nsec,
		Event: m[7],
		Args:  m[8],
	}, nil
}

// Fields splits key=value arguments as printed by the kmem events.
func (l Line) Fields() map[string]string {
	res := make(map[string]string)
	for _, f := range strings.Fields(l.Args) {
		k, v, ok := strings.Cut(f, "=")
		if ok {
			res[k] = v
		}
	}
	return res
}

func parseHex(s string) (uint64, error) {
	s = strings.TrimPrefix(s, "0x")
	return strconv.ParseUint(s, 16, 64)
}

// BlockRequest is the identity and direction of a block request line.
type BlockRequest struct {
	Dev    string // major,minor
	RWBS   string
	Sector uint64
}

// ParseBlockRequest decodes "8,0 WS 4096 () 123456 + 8 [comm]" and the
// completion form "8,0 WS () 123456 + 8 [0]".
func ParseBlockRequest(args string) (BlockRequest, error) {
	f := strings.Fields(args)
	if len(f) < 4 {
		return BlockRequest{}, fmt.Errorf("short block request %q", args)
	}
	plus := -1
	for i, tok := range f {
		if tok == "+" {
			plus = i
			break
		}
	}
	if plus < 3 {
		return BlockRequest{}, fmt.Errorf("no sector in block request %q", args)
	}
	sector, err := strconv.ParseUint(f[plus-1], 10, 64)
	if err != nil {
		return BlockRequest{}, fmt.Errorf("sector: %w", err)
	}
	return BlockRequest{Dev: f[0], RWBS: f[1], Sector: sector}, nil
}

// CmdFlags rebuilds the request operation and sync bit from the rwbs string.
func (r BlockRequest) CmdFlags() uint32 {
	rwbs := r.RWBS
	preflush := strings.HasPrefix(rwbs, "F")
	if preflush {
		rwbs = rwbs[1:]
	}
	var flags uint32
	switch {
	case strings.HasPrefix(rwbs, "W"):
		flags = 1
	case strings.HasPrefix(rwbs, "R"):
		flags = 0
	case strings.HasPrefix(rwbs, "D"):
		flags = 3
	case preflush:
		flags = 2
	default:
		flags = 0xff
	}
	if strings.Contains(rwbs, "S") {
		flags |= 1 << 11
	}
	return flags
}
