package tracefs

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs/blockdevice"

	"github.com/canonical/hermes/correlate"
)

// SymbolAddr resolves a symbolic call site to the start address of its symbol.
type SymbolAddr func(name string) (uint64, bool)

type ReplayOptions struct {
	// DiskNames maps "major,minor" to a device name. Unknown devices keep the
	// numeric form.
	DiskNames map[string]string
	// Symbols resolves call sites printed as symbol+off/len. Without it such
	// call sites produce no stack.
	Symbols SymbolAddr
}

type ReplayStats struct {
	Lines      int
	Dispatched int
	Ignored    int
	Malformed  int
}

// Replayer feeds trace_pipe records to the probe handlers of an Engine, one
// handler call per record, in file order.
type Replayer struct {
	logger  log.Logger
	engine  *correlate.Engine
	options ReplayOptions
}

func NewReplayer(logger log.Logger, engine *correlate.Engine, options ReplayOptions) *Replayer {
	return &Replayer{logger: logger, engine: engine, options: options}
}

// DiskNames reads the block device names from /proc/diskstats.
func DiskNames(fs blockdevice.FS) (map[string]string, error) {
	stats, err := fs.ProcDiskstats()
	if err != nil {
		return nil, fmt.Errorf("read diskstats: %w", err)
	}
	res := make(map[string]string, len(stats))
	for _, s := range stats {
		res[fmt.Sprintf("%d,%d", s.MajorNumber, s.MinorNumber)] = s.DeviceName
	}
	return res, nil
}

// Replay reads r until EOF or ctx is done.
func (r *Replayer) Replay(ctx context.Context, src io.Reader) (ReplayStats, error) {
	var stats ReplayStats
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		text := scanner.Text()
		if text == "" || text[0] == '#' {
			continue
		}
		stats.Lines++
		line, err := ParseLine(text)
		if err != nil {
			stats.Malformed++
			_ = level.Debug(r.logger).Log("msg", "skipping trace line", "err", err)
			continue
		}
		handled, err := r.dispatch(line)
		switch {
		case err != nil:
			stats.Malformed++
			_ = level.Debug(r.logger).Log("msg", "skipping trace event", "event", line.Event, "err", err)
		case handled:
			stats.Dispatched++
		default:
			stats.Ignored++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read trace: %w", err)
	}
	return stats, nil
}

func (r *Replayer) hookContext(line Line, fields map[string]string) correlate.HookContext {
	tgid := line.Tgid
	if tgid == 0 {
		tgid = line.Pid
	}
	ctx := correlate.HookContext{
		Task: correlate.NewTaskID(tgid, line.Pid),
		Comm: line.Comm,
		Now:  line.NowNs,
	}
	if ip, ok := r.callSite(fields["call_site"]); ok {
		ctx.Frames = []uint64{ip}
	}
	return ctx
}

func (r *Replayer) callSite(s string) (uint64, bool) {
	if s == "" {
		return 0, false
	}
	if ip, err := parseHex(s); err == nil && ip != 0 {
		return ip, true
	}
	if r.options.Symbols == nil {
		return 0, false
	}
	name := s
	for i := 0; i < len(s); i++ {
		if s[i] == '+' {
			name = s[:i]
			break
		}
	}
	return r.options.Symbols(name)
}

func hexField(fields map[string]string, key string) (uint64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	res, err := parseHex(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return res, nil
}

func uintField(fields map[string]string, key string) (uint64, error) {
	v, ok := fields[key]
	if !ok {
		return 0, fmt.Errorf("missing %s", key)
	}
	res, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return res, nil
}

func (r *Replayer) diskName(dev string) string {
	if name, ok := r.options.DiskNames[dev]; ok {
		return name
	}
	return dev
}

func requestID(req BlockRequest) correlate.RequestID {
	d := xxhash.New()
	_, _ = d.WriteString(req.Dev)
	_, _ = d.WriteString(strconv.FormatUint(req.Sector, 10))
	return correlate.RequestID(d.Sum64())
}

func (r *Replayer) dispatch(line Line) (bool, error) {
	e := r.engine
	switch line.Event {
	case "block_rq_issue", "block_rq_complete":
		req, err := ParseBlockRequest(line.Args)
		if err != nil {
			return false, err
		}
		if line.Event == "block_rq_issue" {
			e.Sampler.OnIssue(requestID(req), line.NowNs)
			return true, nil
		}
		ctx := r.hookContext(line, nil)
		e.Sampler.OnComplete(ctx, requestID(req), r.diskName(req.Dev), req.CmdFlags())
		return true, nil
	}

	fields := line.Fields()
	ctx := r.hookContext(line, fields)
	switch line.Event {
	case "kmalloc", "kmalloc_node":
		ptr, err := hexField(fields, "ptr")
		if err != nil {
			return false, err
		}
		size, err := uintField(fields, "bytes_alloc")
		if err != nil {
			return false, err
		}
		e.Owners.OnDirectAlloc(ctx, ptr, size)
		e.Slab.OnAlloc(ctx, ptr, size)
	case "kmem_cache_alloc", "kmem_cache_alloc_node":
		ptr, err := hexField(fields, "ptr")
		if err != nil {
			return false, err
		}
		size, err := uintField(fields, "bytes_alloc")
		if err != nil {
			return false, err
		}
		// older kernels do not print the cache name; the pending name of the
		// task is used as is
		if name, ok := fields["name"]; ok {
			e.Owners.OnCacheEntry(ctx.Task, name)
		}
		e.Owners.OnCacheAlloc(ctx, ptr, size)
		e.Slab.OnAlloc(ctx, ptr, size)
	case "kfree", "kmem_cache_free":
		ptr, err := hexField(fields, "ptr")
		if err != nil {
			return false, err
		}
		e.Owners.OnFree(ctx.Task, ptr)
		e.Slab.OnFree(ptr)
	case "mm_page_alloc":
		pfn, err := uintField(fields, "pfn")
		if err != nil {
			return false, err
		}
		order, err := uintField(fields, "order")
		if err != nil {
			return false, err
		}
		e.Page.OnPageAlloc(ctx, pfn, uint32(order))
	case "mm_page_free":
		pfn, err := uintField(fields, "pfn")
		if err != nil {
			return false, err
		}
		e.Page.OnFree(pfn)
	default:
		return false, nil
	}
	return true, nil
}
