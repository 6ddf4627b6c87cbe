//go:build linux

package ebpfspy

import (
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/canonical/hermes/tracefs"
)

// hook is a tracepoint when group is set, a kprobe on symbol otherwise.
type hook struct {
	group    string
	name     string
	prog     *ebpf.Program
	required bool
}

func (h hook) String() string {
	if h.group != "" {
		return h.group + "/" + h.name
	}
	return "kprobe/" + h.name
}

// attachHooks attaches what it can. Missing tracepoints and failing optional
// kprobes are logged and skipped; attaching nothing at all is an error.
func attachHooks(logger log.Logger, tfs *tracefs.Tracefs, hooks []hook) ([]link.Link, error) {
	var links []link.Link
	fail := func(err error) ([]link.Link, error) {
		for _, l := range links {
			_ = l.Close()
		}
		return nil, err
	}
	for _, it := range hooks {
		var (
			l   link.Link
			err error
		)
		if it.group != "" {
			exists, statErr := tfs.EventExists(it.group, it.name)
			if statErr != nil {
				_ = level.Error(logger).Log("msg", "check tracepoint", "hook", it, "err", statErr)
			}
			if !exists {
				if it.required {
					return fail(fmt.Errorf("tracepoint %s does not exist", it))
				}
				_ = level.Warn(logger).Log("msg", "tracepoint does not exist, skipping", "hook", it)
				continue
			}
			l, err = link.Tracepoint(it.group, it.name, it.prog, nil)
		} else {
			l, err = link.Kprobe(it.name, it.prog, nil)
		}
		if err != nil {
			if it.required {
				return fail(fmt.Errorf("link %s: %w", it, err))
			}
			_ = level.Error(logger).Log("msg", "link hook", "hook", it, "err", err)
			continue
		}
		links = append(links, l)
	}
	if len(links) == 0 {
		return nil, fmt.Errorf("no hooks attached out of %d", len(hooks))
	}
	return links, nil
}

func detachHooks(links []link.Link) {
	for _, l := range links {
		_ = l.Close()
	}
}
