// Package symtab resolves captured kernel stacks to symbol names.
package symtab

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strconv"

	pyrosymtab "github.com/grafana/pyroscope/ebpf/symtab"
)

const KallsymsPath = "/proc/kallsyms"

type Symbol = pyrosymtab.Symbol

// Kallsyms is the kernel symbol table. Address lookups are served by the
// pyroscope table; names are indexed here for resolving symbolic call sites.
type Kallsyms struct {
	tab    *pyrosymtab.SymbolTab
	byName map[string]uint64
}

// LoadKallsyms reads and parses the kernel symbol table at path.
func LoadKallsyms(path string) (*Kallsyms, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read kallsyms: %w", err)
	}
	return NewKallsyms(data)
}

type kallsymsLine struct {
	addr uint64
	line []byte
}

func isDataSymbol(typ byte) bool {
	switch typ {
	case 'b', 'B', 'd', 'D', 'r', 'R':
		return true
	}
	return false
}

// NewKallsyms parses a kallsyms dump. Module symbols are listed in load order,
// so lines are sorted by address before the table is built.
func NewKallsyms(data []byte) (*Kallsyms, error) {
	var lines []kallsymsLine
	byName := make(map[string]uint64)
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		if len(line) == 0 {
			continue
		}
		fields := bytes.Fields(line)
		if len(fields) < 3 {
			return nil, fmt.Errorf("kallsyms: malformed line %q", line)
		}
		addr, err := strconv.ParseUint(string(fields[0]), 16, 64)
		if err != nil {
			return nil, fmt.Errorf("kallsyms: %w", err)
		}
		lines = append(lines, kallsymsLine{addr: addr, line: line})
		if addr == 0 || isDataSymbol(fields[1][0]) {
			continue
		}
		if _, ok := byName[string(fields[2])]; !ok {
			byName[string(fields[2])] = addr
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].addr < lines[j].addr
	})
	var sorted bytes.Buffer
	for _, l := range lines {
		sorted.Write(l.line)
		sorted.WriteByte('\n')
	}
	tab, err := pyrosymtab.NewKallsymsFromData(sorted.Bytes())
	if err != nil {
		return nil, fmt.Errorf("kallsyms: %w", err)
	}
	return &Kallsyms{tab: tab, byName: byName}, nil
}

// Resolve returns the symbol covering addr, or the zero Symbol.
func (k *Kallsyms) Resolve(addr uint64) Symbol {
	return k.tab.Resolve(addr)
}

// Addr returns the start address of the first text symbol called name.
func (k *Kallsyms) Addr(name string) (uint64, bool) {
	addr, ok := k.byName[name]
	return addr, ok
}
