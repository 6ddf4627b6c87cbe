// Package tracefs drives the kernel's text tracing interface: it enables the
// allocation and block events and replays their trace_pipe output through the
// in-process correlation engine.
package tracefs

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultDir = "/sys/kernel/tracing"

	traceOptions = "trace_options"
	setEvent     = "set_event"
	tracingOn    = "tracing_on"
	tracePipe    = "trace_pipe"
)

// Events replayed by Replayer, as group:name.
var Events = []string{
	"kmem:kmalloc",
	"kmem:kmalloc_node",
	"kmem:kfree",
	"kmem:kmem_cache_alloc",
	"kmem:kmem_cache_alloc_node",
	"kmem:kmem_cache_free",
	"kmem:mm_page_alloc",
	"kmem:mm_page_free",
	"block:block_rq_issue",
	"block:block_rq_complete",
}

type Tracefs struct {
	dir string
}

func New(dir string) *Tracefs {
	if dir == "" {
		dir = DefaultDir
	}
	return &Tracefs{dir: dir}
}

func (t *Tracefs) Dir() string {
	return t.dir
}

// EventExists reports whether the tracepoint group/name is known to the kernel.
func (t *Tracefs) EventExists(group, name string) (bool, error) {
	_, err := os.Stat(filepath.Join(t.dir, "events", group, name))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

func (t *Tracefs) writeEntry(entry string, data string) error {
	if err := os.WriteFile(filepath.Join(t.dir, entry), []byte(data), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", entry, err)
	}
	return nil
}

// Enable turns on the existing subset of events and returns the ones enabled.
func (t *Tracefs) Enable(events []string) ([]string, error) {
	var enabled []string
	for _, ev := range events {
		group, name, ok := strings.Cut(ev, ":")
		if !ok {
			return nil, fmt.Errorf("malformed event %q", ev)
		}
		exists, err := t.EventExists(group, name)
		if err != nil {
			return nil, err
		}
		if exists {
			enabled = append(enabled, ev)
		}
	}
	if len(enabled) == 0 {
		return nil, errors.New("none of the trace events exist")
	}
	if err := t.writeEntry(traceOptions, "record-tgid"); err != nil {
		return nil, err
	}
	if err := t.writeEntry(setEvent, strings.Join(enabled, " ")); err != nil {
		return nil, err
	}
	return enabled, t.writeEntry(tracingOn, "1")
}

// Disable stops tracing and clears the event set. Every step is attempted;
// the first error is returned.
func (t *Tracefs) Disable() error {
	err := t.writeEntry(tracingOn, "0")
	if e := t.writeEntry(setEvent, ""); err == nil {
		err = e
	}
	if e := t.writeEntry(traceOptions, "norecord-tgid"); err == nil {
		err = e
	}
	return err
}

func (t *Tracefs) OpenPipe() (io.ReadCloser, error) {
	return os.Open(filepath.Join(t.dir, tracePipe))
}
