//go:build linux

package ebpfspy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/hermes/correlate"
	"github.com/canonical/hermes/metrics"
)

const slowWrites = `           mysqld-200   (  200) [001] ..... 100.000000: block_rq_issue: 8,0 WS 4096 () 5000 + 8 [mysqld]
           mysqld-200   (  200) [001] ..... 100.000000: block_rq_issue: 8,0 WS 4096 () 6000 + 8 [mysqld]
          <idle>-0      (-------) [001] d.h1. 100.000080: block_rq_complete: 8,0 WS () 5000 + 8 [0]
          <idle>-0      (-------) [001] d.h1. 100.000090: block_rq_complete: 8,0 WS () 6000 + 8 [0]
`

const pendingWrites = `           mysqld-200   (  200) [001] ..... 200.000000: block_rq_issue: 8,0 WS 4096 () 7000 + 8 [mysqld]
           mysqld-200   (  200) [001] ..... 200.000000: block_rq_issue: 8,0 WS 4096 () 8000 + 8 [mysqld]
`

func writeTrace(t *testing.T, name, trace string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(trace), 0o644))
	return path
}

func waitReplayed(t *testing.T, s Session, lines int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.DebugInfo().(SessionDebugInfo).Replay.Lines == lines
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReplaySessionRestart(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	options := SessionOptions{
		Mode:      ModeReplay,
		TraceFile: writeTrace(t, "slow", slowWrites),
		// room for a single latency record
		EngineOptions: correlate.Options{RingSize: 80},
		Metrics:       m,
	}
	s, err := NewSession(log.NewNopLogger(), options)
	require.NoError(t, err)

	require.NoError(t, s.Start())
	waitReplayed(t, s, 4)

	var got []uint64
	require.NoError(t, s.CollectLatency(func(ev correlate.LatencyEvent) {
		got = append(got, ev.LatencyUs)
	}))
	assert.Equal(t, []uint64{80}, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Session.LostEvents))

	s.Stop()
	assert.Error(t, s.CollectLatency(func(correlate.LatencyEvent) {}))

	options.TraceFile = writeTrace(t, "pending", pendingWrites)
	require.NoError(t, s.Update(options))
	require.NoError(t, s.Start())
	defer s.Stop()
	waitReplayed(t, s, 2)

	got = nil
	require.NoError(t, s.CollectLatency(func(ev correlate.LatencyEvent) {
		got = append(got, ev.LatencyUs)
	}))
	assert.Empty(t, got)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Session.LostEvents), "a restart starts counting from a fresh engine")

	require.NoError(t, s.CollectOwned(func(OwnedGroup) {}))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Session.TableEntries.WithLabelValues("blk_req_start_times")))
	assert.Equal(t, 2, s.DebugInfo().(SessionDebugInfo).Tables["blk_req_start_times"])
}

func TestSessionUnknownMode(t *testing.T) {
	_, err := NewSession(log.NewNopLogger(), SessionOptions{Mode: "sampling"})
	assert.Error(t, err)
}
