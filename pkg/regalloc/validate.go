package regalloc

import (
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// Validate checks an allocation result against the function it was made
// for, recomputing liveness and interference from the instructions:
//
//   - every virtual register is either colored or spilled, never both;
//   - colors are allocatable registers of the right class;
//   - interfering registers never share a color;
//   - spill slots have non-negative offsets and interfering spills never
//     overlap.
//
// Violations are reported as *InvariantError.
func Validate(fn *lir.Function, stat *FuncAllocStat, m *reg.Machine) error {
	live := AnalyzeLiveness(fn)
	gs, err := BuildGraphs(fn, live, m)
	if err != nil {
		return err
	}
	regs := fn.VirtualRegs()
	byID := make(map[int]reg.Reg, len(regs))
	for _, r := range regs {
		byID[r.ID()] = r
		_, colored := stat.Dstr[r.ID()]
		spilled := stat.Spillings.Contains(r.ID())
		switch {
		case colored && spilled:
			return invariantf(fn.Name, "%s is both colored and spilled", r)
		case !colored && !spilled:
			return invariantf(fn.Name, "%s is neither colored nor spilled", r)
		}
	}
	for id := range stat.Dstr {
		if _, ok := byID[id]; !ok {
			return invariantf(fn.Name, "colored register r%d does not occur in the function", id)
		}
	}

	for _, g := range gs {
		if err := g.CheckSymmetric(); err != nil {
			return invariantf(fn.Name, "%s graph: %v", g.Class, err)
		}
		for _, r := range reg.Sorted(g.Nodes) {
			col, ok := stat.Color(r)
			if !ok {
				continue
			}
			switch {
			case col.Class() != r.Class():
				return invariantf(fn.Name, "%s colored with %s of another class", r, col)
			case col.Reserved() || !m.Allocatable(col):
				return invariantf(fn.Name, "%s colored with non-allocatable %s", r, col)
			case g.Forbidden[r].Test(uint(col.ID())):
				return invariantf(fn.Name, "%s colored %s but interferes with it", r, col)
			}
			for _, n := range g.Neighbors(r) {
				if nc, ok := stat.Color(n); ok && nc == col {
					return invariantf(fn.Name, "interfering %s and %s share %s", r, n, col)
				}
			}
		}
	}

	spilled := reg.NewSet()
	for _, id := range stat.Spillings.ToSlice() {
		if r, ok := byID[id]; ok {
			spilled.Add(r)
		}
		if s, ok := stat.SpillSlots[id]; ok && s.Offset < 0 {
			return invariantf(fn.Name, "r%d has negative slot offset %d", id, s.Offset)
		}
	}
	if len(stat.SpillSlots) == 0 {
		return nil
	}
	inter, err := SlotInterference(fn, live, spilled)
	if err != nil {
		return err
	}
	for _, r := range reg.Sorted(spilled) {
		a, ok := stat.SpillSlots[r.ID()]
		if !ok {
			return invariantf(fn.Name, "spilled %s has no slot", r)
		}
		for _, n := range reg.Sorted(inter[r]) {
			b := stat.SpillSlots[n.ID()]
			if overlaps(a.Offset, a.Size, b.Offset, b.Size) {
				return invariantf(fn.Name, "interfering spills %s and %s overlap at %d", r, n, a.Offset)
			}
		}
	}
	return nil
}
