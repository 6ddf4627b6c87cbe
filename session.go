//go:build linux

// Package ebpfspy correlates kernel events and collects the results: latency
// samples of slow block requests and live allocations attributed to the tasks
// and stacks that made them.
package ebpfspy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cilium/ebpf/btf"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/prometheus/procfs"
	"github.com/prometheus/procfs/blockdevice"

	"github.com/canonical/hermes/bpf"
	"github.com/canonical/hermes/correlate"
	"github.com/canonical/hermes/iolat"
	"github.com/canonical/hermes/metrics"
	"github.com/canonical/hermes/symtab"
	"github.com/canonical/hermes/tracefs"
)

const (
	// ModeKernel runs the correlation in kernel probes.
	ModeKernel = "kernel"
	// ModeReplay runs it in process over the text trace of the same events.
	ModeReplay = "replay"

	maxPendingLatency = 1 << 16
)

var errNotStarted = errors.New("session is not started")

type SessionOptions struct {
	Mode   string
	Probes []string
	// ObjectDir holds the compiled kernel objects.
	ObjectDir  string
	TracefsDir string
	// TraceFile replays a saved trace instead of the live trace pipe.
	TraceFile     string
	EngineOptions correlate.Options
	SymbolOptions symtab.Options
	Metrics       *metrics.Metrics
}

type CollectLatencyCallback func(correlate.LatencyEvent)

type Session interface {
	Start() error
	Stop()
	Update(SessionOptions) error
	CollectLatency(cb CollectLatencyCallback) error
	CollectAllocations(kind correlate.AllocKind, cb CollectAllocationsCallback) error
	CollectOwned(cb CollectOwnedCallback) error
	DebugInfo() interface{}
}

type SessionDebugInfo struct {
	Mode       string              `json:"mode"`
	Probes     map[string]int      `json:"probes,omitempty"`
	StackCache int                 `json:"stack_cache"`
	Tables     map[string]int      `json:"tables,omitempty"`
	Replay     tracefs.ReplayStats `json:"replay"`
}

type session struct {
	logger  log.Logger
	options SessionOptions
	tracefs *tracefs.Tracefs

	kallsyms *symtab.Kallsyms
	resolver *symtab.StackResolver

	// all the Session methods should be guarded by mutex
	mutex sync.Mutex
	// We have at most one goroutine: the ring buffer reader in kernel mode or
	// the trace replayer in replay mode. Neither touches Session fields other
	// than the latency buffer and the replay stats, which have their own mutex.
	// wg is waited on with mutex released.
	wg      sync.WaitGroup
	started bool

	probes       []ProbeSet
	eventsReader *ringbuf.Reader

	engine         *correlate.Engine
	replayCancel   context.CancelFunc
	replaySource   io.Closer
	tracingEnabled bool
	lastLost       uint64

	views  *views
	tables map[string]int

	latencyMutex sync.Mutex
	latency      []correlate.LatencyEvent
	replayStats  tracefs.ReplayStats
}

func NewSession(logger log.Logger, options SessionOptions) (Session, error) {
	if options.Metrics == nil {
		options.Metrics = metrics.New(nil)
	}
	switch options.Mode {
	case "":
		options.Mode = ModeKernel
	case ModeKernel, ModeReplay:
	default:
		return nil, fmt.Errorf("unknown session mode %q", options.Mode)
	}
	return &session{
		logger:  logger,
		options: options,
		tracefs: tracefs.New(options.TracefsDir),
		tables:  make(map[string]int),
	}, nil
}

func (s *session) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	kallsyms, err := symtab.LoadKallsyms(symtab.KallsymsPath)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "kernel symbols unavailable, stacks stay unresolved", "err", err)
		if kallsyms, err = symtab.NewKallsyms(nil); err != nil {
			return err
		}
	}
	s.kallsyms = kallsyms
	if s.resolver, err = symtab.NewStackResolver(kallsyms, s.options.SymbolOptions); err != nil {
		return err
	}

	s.tracefs = tracefs.New(s.options.TracefsDir)
	switch s.options.Mode {
	case ModeReplay:
		err = s.startReplayLocked()
	default:
		err = s.startKernelLocked()
	}
	if err != nil {
		s.stopLocked()
		return err
	}
	s.started = true
	return nil
}

func objectFile(probe string) string {
	if probe == ProbeIOLatency {
		return bpf.IOLatencyObject
	}
	return bpf.MemAllocObject
}

func (s *session) startKernelLocked() error {
	if err := rlimit.RemoveMemlock(); err != nil {
		return fmt.Errorf("remove memlock: %w", err)
	}

	var (
		ioLatency *IOLatencyBPF
		memAlloc  *MemAllocBPF
	)
	for _, name := range s.options.Probes {
		var p ProbeSet
		switch name {
		case ProbeIOLatency:
			ioLatency = NewIOLatencyBPF(s.logger, s.tracefs)
			p = ioLatency
		case ProbeMemAlloc:
			memAlloc = NewMemAllocBPF(s.logger, s.tracefs)
			p = memAlloc
		default:
			return fmt.Errorf("unknown probe set %q", name)
		}
		// 先加入列表，出错时由stopLocked统一清理
		s.probes = append(s.probes, p)
		if err := p.Config(filepath.Join(s.options.ObjectDir, objectFile(name))); err != nil {
			return fmt.Errorf("config %s: %w", name, err)
		}
		if err := p.Load(); err != nil {
			return fmt.Errorf("load %s objects: %w", name, err)
		}
		if err := p.Attach(); err != nil {
			return fmt.Errorf("attach %s: %w", name, err)
		}
		_ = level.Info(s.logger).Log("msg", "probe set attached", "probes", name, "hooks", p.Attached())
	}
	if len(s.probes) == 0 {
		return errors.New("no probe sets configured")
	}

	btf.FlushKernelSpec() // save some memory

	if memAlloc != nil {
		// 用户态对内核map的视图，复用与内核相同的表语义
		stacks := correlate.NewStackTable(correlate.NewMapTable[uint32, correlate.StackTrace](memAlloc.Stacks()))
		pageSize := uint64(os.Getpagesize())
		s.views = &views{
			stacks: stacks,
			owners: correlate.NewCorrelator(
				correlate.NewMapTable[correlate.OwnerKey, correlate.OwnedAllocation](memAlloc.SlabInfo()),
				correlate.NewMapTable[correlate.TaskID, correlate.PendingSlabName](memAlloc.TgidPidSlab()),
				stacks, nil),
			slab: correlate.NewTracker(correlate.SlabAlloc,
				correlate.NewMapTable[uint64, correlate.TrackedAddress](memAlloc.AddrInfo(correlate.SlabAlloc)),
				correlate.NewMapTable[uint32, uint64](memAlloc.Stats(correlate.SlabAlloc)),
				stacks, pageSize, nil),
			page: correlate.NewTracker(correlate.PageAlloc,
				correlate.NewMapTable[uint64, correlate.TrackedAddress](memAlloc.AddrInfo(correlate.PageAlloc)),
				correlate.NewMapTable[uint32, uint64](memAlloc.Stats(correlate.PageAlloc)),
				stacks, pageSize, nil),
		}
	}

	if ioLatency != nil {
		eventsReader, err := ringbuf.NewReader(ioLatency.Events())
		if err != nil {
			return fmt.Errorf("ringbuf new reader for events map: %w", err)
		}
		s.eventsReader = eventsReader
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.readEvents(eventsReader)
		}()
	}
	return nil
}

func (s *session) startReplayLocked() error {
	var src io.ReadCloser
	if s.options.TraceFile != "" {
		f, err := os.Open(s.options.TraceFile)
		if err != nil {
			return fmt.Errorf("open trace: %w", err)
		}
		src = f
	} else {
		enabled, err := s.tracefs.Enable(tracefs.Events)
		if err != nil {
			return fmt.Errorf("enable trace events: %w", err)
		}
		s.tracingEnabled = true
		_ = level.Info(s.logger).Log("msg", "trace events enabled", "events", len(enabled))
		if src, err = s.tracefs.OpenPipe(); err != nil {
			return fmt.Errorf("open trace pipe: %w", err)
		}
	}
	s.replaySource = src
	s.latencyMutex.Lock()
	s.replayStats = tracefs.ReplayStats{}
	s.latencyMutex.Unlock()

	opts := s.options.EngineOptions
	opts.Sink = s.options.Metrics.Correlate
	s.engine = correlate.NewEngine(opts)
	s.views = engineViews(s.engine)

	replayOptions := tracefs.ReplayOptions{Symbols: s.kallsyms.Addr}
	if fs, err := blockdevice.NewFS(procfs.DefaultMountPoint, "/sys"); err == nil {
		if replayOptions.DiskNames, err = tracefs.DiskNames(fs); err != nil {
			_ = level.Warn(s.logger).Log("msg", "disk names unavailable", "err", err)
		}
	}
	replayer := tracefs.NewReplayer(s.logger, s.engine, replayOptions)

	ctx, cancel := context.WithCancel(context.Background())
	s.replayCancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		stats, err := replayer.Replay(ctx, src)
		// closing the source on stop ends the replay with a read error
		if err != nil && ctx.Err() == nil {
			s.options.Metrics.UnexpectedErrors.Inc()
			_ = level.Error(s.logger).Log("msg", "replaying trace", "err", err)
		}
		_ = level.Info(s.logger).Log("msg", "replay done", "lines", stats.Lines,
			"dispatched", stats.Dispatched, "ignored", stats.Ignored, "malformed", stats.Malformed)
		s.latencyMutex.Lock()
		s.replayStats = stats
		s.latencyMutex.Unlock()
	}()
	return nil
}

func (s *session) Stop() {
	s.stopAndWait()
}

func (s *session) stopAndWait() {
	s.mutex.Lock()
	s.stopLocked()
	s.mutex.Unlock()

	s.wg.Wait()
}

func (s *session) stopLocked() {
	for _, p := range s.probes {
		p.Detach()
	}
	if s.eventsReader != nil {
		if err := s.eventsReader.Close(); err != nil {
			_ = level.Error(s.logger).Log("err", err, "msg", "closing events map reader")
		}
		s.eventsReader = nil
	}
	for _, p := range s.probes {
		p.Remove()
	}
	s.probes = nil

	if s.replayCancel != nil {
		s.replayCancel()
		s.replayCancel = nil
	}
	if s.replaySource != nil {
		_ = s.replaySource.Close()
		s.replaySource = nil
	}
	if s.tracingEnabled {
		if err := s.tracefs.Disable(); err != nil {
			_ = level.Error(s.logger).Log("err", err, "msg", "disabling trace events")
		}
		s.tracingEnabled = false
	}
	s.engine = nil
	s.lastLost = 0
	s.views = nil
	s.tables = make(map[string]int)
	s.started = false

	s.latencyMutex.Lock()
	s.latency = nil
	s.latencyMutex.Unlock()
}

func (s *session) Update(options SessionOptions) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if options.Metrics == nil {
		options.Metrics = s.options.Metrics
	}
	if options.SymbolOptions != s.options.SymbolOptions && s.kallsyms != nil {
		resolver, err := symtab.NewStackResolver(s.kallsyms, options.SymbolOptions)
		if err != nil {
			return err
		}
		s.resolver = resolver
	}
	// mode, probes and sources take effect on the next Start
	s.options = options
	return nil
}

func (s *session) readEvents(events *ringbuf.Reader) {
	for {
		record, err := events.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return
			}
			_ = level.Error(s.logger).Log("msg", "reading from ring buffer", "err", err)
			continue
		}
		ev, err := correlate.DecodeLatencyEvent(record.RawSample)
		if err != nil {
			_ = level.Error(s.logger).Log("msg", "decoding latency event", "err", err)
			continue
		}
		s.pushLatency(ev)
	}
}

func (s *session) pushLatency(ev correlate.LatencyEvent) {
	s.latencyMutex.Lock()
	defer s.latencyMutex.Unlock()
	if len(s.latency) >= maxPendingLatency {
		s.options.Metrics.Session.LostEvents.Inc()
		return
	}
	s.latency = append(s.latency, ev)
}

func (s *session) takeLatency() []correlate.LatencyEvent {
	s.latencyMutex.Lock()
	defer s.latencyMutex.Unlock()
	res := s.latency
	s.latency = nil
	return res
}

// CollectLatency hands over every latency sample received since the last call.
func (s *session) CollectLatency(cb CollectLatencyCallback) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.started {
		return errNotStarted
	}

	m := s.options.Metrics.Session
	if s.engine != nil {
		s.engine.DrainEvents(s.pushLatency)
		lost := s.engine.Events.Lost()
		m.LostEvents.Add(float64(lost - s.lastLost))
		s.lastLost = lost
	}
	for _, ev := range s.takeLatency() {
		op := iolat.DecodeOp(ev.CmdFlags).Op
		m.IOLatency.WithLabelValues(ev.Disk(), string(op)).Observe(float64(ev.LatencyUs))
		cb(ev)
	}
	return nil
}

func (s *session) stackResolver() *stackResolver {
	return &stackResolver{stacks: s.views.stacks, resolver: s.resolver}
}

func (s *session) recordResolveStats(r *stackResolver) {
	unknown := r.stats.UnknownSymbols + r.stats.UnknownModules
	s.options.Metrics.Session.UnknownSymbols.Add(float64(unknown))
}

// CollectAllocations reports live allocations of kind grouped by owner and
// stack. Nothing is reported unless the allocation probes are running.
func (s *session) CollectAllocations(kind correlate.AllocKind, cb CollectAllocationsCallback) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.started {
		return errNotStarted
	}
	if s.views == nil {
		return nil
	}

	r := s.stackResolver()
	var outstanding uint64
	seen := make(map[uint32]struct{})
	n, err := collectAllocations(s.views, r, kind, func(a Allocation) {
		if _, ok := seen[a.StackID]; !ok {
			seen[a.StackID] = struct{}{}
			outstanding += a.StackTotal
		}
		cb(a)
	})
	if err != nil {
		s.options.Metrics.UnexpectedErrors.Inc()
		return fmt.Errorf("collect %s allocations: %w", kind, err)
	}
	s.recordResolveStats(r)
	s.options.Metrics.Session.OutstandingMem.WithLabelValues(kind.String()).Set(float64(outstanding))
	s.tables[kind.String()+"_addr_info"] = n
	s.updateTableGauges()
	return nil
}

// CollectOwned reports live allocations grouped by cache, owner and stack.
func (s *session) CollectOwned(cb CollectOwnedCallback) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if !s.started {
		return errNotStarted
	}
	if s.views == nil {
		return nil
	}

	r := s.stackResolver()
	n, err := collectOwned(s.views, r, cb)
	if err != nil {
		s.options.Metrics.UnexpectedErrors.Inc()
		return fmt.Errorf("collect owned allocations: %w", err)
	}
	s.recordResolveStats(r)
	s.tables["slab_info"] = n
	s.updateTableGauges()
	return nil
}

func (s *session) updateTableGauges() {
	if s.engine != nil {
		for name, n := range s.engine.TableLen() {
			s.tables[name] = n
		}
	}
	for name, n := range s.tables {
		s.options.Metrics.Session.TableEntries.WithLabelValues(name).Set(float64(n))
	}
}

func (s *session) DebugInfo() interface{} {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	res := SessionDebugInfo{
		Mode:   s.options.Mode,
		Tables: make(map[string]int, len(s.tables)),
	}
	for name, n := range s.tables {
		res.Tables[name] = n
	}
	if len(s.probes) > 0 {
		res.Probes = make(map[string]int, len(s.probes))
		for _, p := range s.probes {
			res.Probes[p.Name()] = p.Attached()
		}
	}
	if s.resolver != nil {
		res.StackCache = s.resolver.CacheLen()
	}
	s.latencyMutex.Lock()
	res.Replay = s.replayStats
	s.latencyMutex.Unlock()
	return res
}
