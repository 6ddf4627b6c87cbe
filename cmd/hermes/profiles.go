package main

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/prometheus/common/model"
	"github.com/prometheus/prometheus/model/labels"
	"github.com/prometheus/prometheus/model/relabel"
	"github.com/samber/lo"

	ebpfspy "github.com/canonical/hermes"
	"github.com/canonical/hermes/pprof"
)

const (
	leakProfileName        = "kmem_leak"
	outstandingProfileName = "kmem_outstanding"

	metaComm = model.MetaLabelPrefix + "comm"
	metaPid  = model.MetaLabelPrefix + "pid"
)

type RelabelConfig struct {
	SourceLabels []string

	Separator string

	Regex string

	TargetLabel string `yaml:"target_label,omitempty"`

	Replacement string `yaml:"replacement,omitempty"`

	Action string
}

// profileLabeler picks the label set a group of allocations is pushed under.
// Rules see the owner as __meta_comm and __meta_pid; meta labels are dropped
// after relabelling.
type profileLabeler struct {
	serviceName string
	rules       []*relabel.Config
}

func newProfileLabeler(serviceName string, cfg []*RelabelConfig) (*profileLabeler, error) {
	res := &profileLabeler{serviceName: serviceName}
	for _, c := range cfg {
		rule := relabel.DefaultRelabelConfig
		for _, label := range c.SourceLabels {
			rule.SourceLabels = append(rule.SourceLabels, model.LabelName(label))
		}
		if c.Separator != "" {
			rule.Separator = c.Separator
		}
		if c.Regex != "" {
			re, err := relabel.NewRegexp(c.Regex)
			if err != nil {
				return nil, fmt.Errorf("relabel regex %q: %w", c.Regex, err)
			}
			rule.Regex = re
		}
		rule.TargetLabel = c.TargetLabel
		if c.Replacement != "" {
			rule.Replacement = c.Replacement
		}
		if c.Action != "" {
			rule.Action = relabel.Action(strings.ToLower(c.Action))
		}
		if err := rule.Validate(); err != nil {
			return nil, err
		}
		res.rules = append(res.rules, &rule)
	}
	return res, nil
}

func (l *profileLabeler) labels(profile, kind, comm string, pid uint32) (labels.Labels, bool) {
	lbls := labels.FromStrings(
		labels.MetricName, profile,
		"service_name", l.serviceName,
		"kind", kind,
		metaComm, comm,
		metaPid, strconv.FormatUint(uint64(pid), 10),
	)
	lbls, keep := relabel.Process(lbls, l.rules...)
	if !keep {
		return labels.EmptyLabels(), false
	}
	var res []labels.Label
	lbls.Range(func(lbl labels.Label) {
		if !strings.HasPrefix(lbl.Name, model.MetaLabelPrefix) {
			res = append(res, lbl)
		}
	})
	return labels.New(res...), true
}

// addOwnedGroups builds the leak profiles: one sample per cache, owner and
// stack. When usage is known the unrecorded remainder of each cache is added
// once, under the labels of an owner with no command and pid 0.
func addOwnedGroups(builders *pprof.ProfileBuilders, l *profileLabeler, groups []ebpfspy.OwnedGroup, usage map[string]int64) {
	all := make([]pprof.LeakEntry, 0, len(groups))
	entries := make(map[*pprof.ProfileBuilder][]pprof.LeakEntry)
	for _, g := range groups {
		e := pprof.LeakEntry{
			Slab:    g.Slab,
			Comm:    g.Comm,
			Pid:     g.Owner.Tgid(),
			Frames:  g.Stack,
			Objects: int64(g.Objects),
			Bytes:   clampInt64(g.Bytes),
		}
		all = append(all, e)
		lbls, keep := l.labels(leakProfileName, "slab", g.Comm, g.Owner.Tgid())
		if !keep {
			continue
		}
		b := builders.BuilderForTarget(lbls)
		entries[b] = append(entries[b], e)
	}
	for b, e := range entries {
		b.AddLeaks(e)
	}
	if usage == nil {
		return
	}
	rest := pprof.Unrecorded(all, usage)
	if len(rest) == 0 {
		return
	}
	if lbls, keep := l.labels(leakProfileName, "slab", "", 0); keep {
		builders.BuilderForTarget(lbls).AddUnrecorded(rest)
	}
}

func clampInt64(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

// addAllocation adds the live memory of one owner and stack to the
// outstanding profile of its allocator.
func addAllocation(builders *pprof.ProfileBuilders, l *profileLabeler, a ebpfspy.Allocation) {
	pid := a.Owner.Tgid()
	lbls, keep := l.labels(outstandingProfileName, a.Kind.String(), "", pid)
	if !keep {
		return
	}
	stack := make([]string, 0, len(a.Stack)+1)
	stack = append(stack, a.Stack...)
	lo.Reverse(stack)
	stack = append(stack, fmt.Sprintf("pid %d", pid))
	builders.BuilderForTarget(lbls).CreateSampleOrAddValue(stack, int64(a.Objects), clampInt64(a.Bytes))
}
