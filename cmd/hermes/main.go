//go:build linux

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	commonconfig "github.com/prometheus/common/config"
	"github.com/prometheus/common/model"
	"github.com/prometheus/procfs"
	"github.com/prometheus/prometheus/model/labels"

	pushv1 "github.com/grafana/pyroscope/api/gen/proto/go/push/v1"
	"github.com/grafana/pyroscope/api/gen/proto/go/push/v1/pushv1connect"
	typesv1 "github.com/grafana/pyroscope/api/gen/proto/go/types/v1"

	ebpfspy "github.com/canonical/hermes"
	"github.com/canonical/hermes/correlate"
	"github.com/canonical/hermes/iolat"
	hmetrics "github.com/canonical/hermes/metrics"
	"github.com/canonical/hermes/pprof"
	"github.com/canonical/hermes/symtab"
)

var configFile = flag.String("config", "", "config file path") // -config 参数解析单元，配置文件为json格式
var server = flag.String("server", "http://localhost:4040", "profile push endpoint, empty disables pushing")

var (
	config  *Config
	logger  log.Logger
	metrics *hmetrics.Metrics
	session ebpfspy.Session
)

func main() {
	config = getConfig()

	// 创建记录器并将输出流设定到标准错误
	logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, levelFilter(config.LogLevel))
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)

	metrics = hmetrics.New(prometheus.DefaultRegisterer)

	var err error
	session, err = ebpfspy.NewSession(logger, convertSessionOptions())
	if err != nil {
		exit(errors.Wrap(err, "create session"))
	}
	if err = session.Start(); err != nil {
		exit(errors.Wrap(err, "start session"))
	}

	err = runGroup().Run()
	session.Stop()

	var sigErr run.SignalError
	if err != nil && !errors.As(err, &sigErr) {
		exit(err)
	}
	_ = level.Info(logger).Log("msg", "stopped", "reason", err)
}

func exit(err error) {
	if logger != nil {
		_ = level.Error(logger).Log("err", err)
	} else {
		fmt.Fprintln(os.Stderr, err)
	}
	os.Exit(1)
}

func runGroup() *run.Group {
	var g run.Group

	profiles := make(chan *pushv1.PushRequest, 128)
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return collectLoop(ctx, profiles)
		}, func(error) {
			cancel()
		})
	}
	if *server != "" {
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return ingest(ctx, profiles)
		}, func(error) {
			cancel()
		})
	}
	if config.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/debug/session", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(session.DebugInfo())
		})
		srv := &http.Server{Addr: config.MetricsAddr, Handler: mux}
		g.Add(func() error {
			if err := srv.ListenAndServe(); err != http.ErrServerClosed {
				return errors.Wrap(err, "metrics server")
			}
			return nil
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(ctx)
		})
	}
	g.Add(run.SignalHandler(context.Background(), os.Interrupt, syscall.SIGTERM))
	return &g
}

func collectLoop(ctx context.Context, profiles chan<- *pushv1.PushRequest) error {
	labeler, err := newProfileLabeler(config.ServiceName, config.RelabelConfig)
	if err != nil {
		return errors.Wrap(err, "relabel config")
	}
	ticker := time.NewTicker(time.Duration(config.CollectInterval))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if err := collectLatency(); err != nil {
			return err
		}
		// 收集画像数据传送给数据信道
		if err := collectProfiles(labeler, profiles); err != nil {
			return err
		}
	}
}

// 汇总本轮的IO延迟样本并以json格式输出
func collectLatency() error {
	rollup := iolat.NewRollup()
	err := session.CollectLatency(func(ev correlate.LatencyEvent) {
		rollup.Add(iolat.FromEvent(ev))
	})
	if err != nil {
		return errors.Wrap(err, "collect latency")
	}
	if rollup.All.TotalIos == 0 {
		return nil
	}
	return errors.Wrap(json.NewEncoder(os.Stdout).Encode(rollup), "write latency rollup")
}

func collectProfiles(labeler *profileLabeler, profiles chan<- *pushv1.PushRequest) error {
	builders := pprof.NewProfileBuilders()

	var groups []ebpfspy.OwnedGroup
	if err := session.CollectOwned(func(g ebpfspy.OwnedGroup) {
		groups = append(groups, g)
	}); err != nil {
		return errors.Wrap(err, "collect owned allocations")
	}
	var usage map[string]int64
	if len(groups) > 0 {
		fs, err := procfs.NewFS(config.ProcfsDir)
		if err == nil {
			usage, err = pprof.ReadSlabUsage(fs)
		}
		if err != nil {
			// 没有slabinfo时只输出已记录部分
			_ = level.Warn(logger).Log("msg", "slab usage unavailable", "err", err)
		}
	}
	addOwnedGroups(builders, labeler, groups, usage)

	for _, kind := range []correlate.AllocKind{correlate.SlabAlloc, correlate.PageAlloc} {
		if err := session.CollectAllocations(kind, func(a ebpfspy.Allocation) {
			addAllocation(builders, labeler, a)
		}); err != nil {
			return errors.Wrapf(err, "collect %s allocations", kind)
		}
	}
	_ = level.Debug(logger).Log("msg", "collectProfiles done", "profiles", len(builders.Builders))

	for _, builder := range builders.Builders {
		// 将标签组转换为标准类型组
		protoLabels := make([]*typesv1.LabelPair, 0, builder.Labels.Len())
		builder.Labels.Range(func(l labels.Label) {
			protoLabels = append(protoLabels, &typesv1.LabelPair{Name: l.Name, Value: l.Value})
		})

		buf := bytes.NewBuffer(nil)
		if _, err := builder.Write(buf); err != nil {
			return errors.Wrap(err, "write profile")
		}
		req := &pushv1.PushRequest{Series: []*pushv1.RawProfileSeries{{
			Labels: protoLabels,
			Samples: []*pushv1.RawSample{{
				RawProfile: buf.Bytes(),
			}},
		}}}
		select {
		case profiles <- req:
		default:
			_ = level.Error(logger).Log("err", "dropping profile", "target", builder.Labels.String())
		}
	}
	return nil
}

// 接收信道数据并发送
func ingest(ctx context.Context, profiles <-chan *pushv1.PushRequest) error {
	httpClient, err := commonconfig.NewClientFromConfig(commonconfig.DefaultHTTPClientConfig, "hermes")
	if err != nil {
		return errors.Wrap(err, "push client")
	}
	client := pushv1connect.NewPusherServiceClient(httpClient, *server)

	for {
		select {
		case <-ctx.Done():
			return nil
		case it := <-profiles:
			if _, err := client.Push(ctx, connect.NewRequest(it)); err != nil {
				_ = level.Error(logger).Log("msg", "pushing profile", "err", err)
			}
		}
	}
}

func convertSessionOptions() ebpfspy.SessionOptions {
	return ebpfspy.SessionOptions{
		Mode:       config.Mode,
		Probes:     config.Probes,
		ObjectDir:  config.ObjectDir,
		TracefsDir: config.TracefsDir,
		TraceFile:  config.TraceFile,
		EngineOptions: correlate.Options{
			PendingRequests: config.Tables.PendingRequests,
			RingSize:        config.Tables.RingSize,
			OwnedEntries:    config.Tables.OwnedEntries,
			PendingNames:    config.Tables.PendingNames,
			TrackedEntries:  config.Tables.TrackedEntries,
			StackEntries:    config.Tables.StackEntries,
		},
		SymbolOptions: symtab.Options{
			UnknownSymbolModuleOffset: config.UnknownSymbolModuleOffset,
			UnknownSymbolAddress:      config.UnknownSymbolAddress,
			CacheSize:                 config.StackCacheSize,
		},
		Metrics: metrics,
	}
}

func levelFilter(l string) level.Option {
	switch l {
	case "debug":
		return level.AllowDebug()
	case "info":
		return level.AllowInfo()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowAll()
	}
}

func getConfig() *Config {
	flag.Parse()

	var config = new(Config)
	*config = defaultConfig // 未指定配置文件时使用默认值
	if *configFile == "" {
		return config
	}
	configBytes, err := os.ReadFile(*configFile)
	if err != nil {
		exit(errors.Wrap(err, "read config"))
	}
	if err = json.Unmarshal(configBytes, config); err != nil {
		exit(errors.Wrap(err, "parse config"))
	}
	return config
}

var defaultConfig = Config{
	Mode:                      ebpfspy.ModeKernel,
	Probes:                    []string{ebpfspy.ProbeIOLatency, ebpfspy.ProbeMemAlloc},
	ObjectDir:                 "/usr/lib/hermes/bpf",
	ServiceName:               "hermes",
	CollectInterval:           model.Duration(5 * time.Second),
	MetricsAddr:               ":9464",
	LogLevel:                  "info",
	ProcfsDir:                 procfs.DefaultMountPoint,
	UnknownSymbolModuleOffset: true,
	UnknownSymbolAddress:      true,
	StackCacheSize:            4096,
}

type Config struct {
	Mode       string
	Probes     []string
	ObjectDir  string
	TracefsDir string
	TraceFile  string

	ServiceName     string
	CollectInterval model.Duration
	MetricsAddr     string
	LogLevel        string
	ProcfsDir       string

	UnknownSymbolModuleOffset bool
	UnknownSymbolAddress      bool
	StackCacheSize            int

	Tables        TablesConfig
	RelabelConfig []*RelabelConfig
}

// TablesConfig sizes the in-process tables of replay mode. Zero keeps the
// kernel map sizes.
type TablesConfig struct {
	PendingRequests uint32
	RingSize        int
	OwnedEntries    uint32
	PendingNames    uint32
	TrackedEntries  uint32
	StackEntries    uint32
}
