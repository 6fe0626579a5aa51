package regalloc

import (
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// overfull is an instruction that reads or writes more spilled registers
// of a class than spill code has scratch registers for.
type overfull struct {
	block, index int
	in           *lir.Instr
	// uses and defs are indexed by class.
	uses, defs [2]bool
}

// spilledOperands counts the distinct spilled registers of class c in regs.
func spilledOperands(regs []reg.Reg, c reg.Class, spilled reg.Set) int {
	seen := reg.NewSet()
	for _, r := range regs {
		if r.IsVirtual() && r.Class() == c && spilled.Contains(r) {
			seen.Add(r)
		}
	}
	return seen.Cardinality()
}

// findOverfull lists the instructions InsertSpillCode could not rewrite
// under the given spills. Uses and defs are counted apart since a def may
// take the scratch register of a use.
func findOverfull(fn *lir.Function, spilled reg.Set) []overfull {
	var out []overfull
	fn.EachInstr(func(b, i int, in *lir.Instr) {
		o := overfull{block: b, index: i, in: in}
		bad := false
		for _, c := range reg.Classes {
			limit := len(reg.Scratch(c))
			if spilledOperands(in.Uses, c, spilled) > limit {
				o.uses[c], bad = true, true
			}
			if spilledOperands(in.Defs, c, spilled) > limit {
				o.defs[c], bad = true, true
			}
		}
		if bad {
			out = append(out, o)
		}
	})
	return out
}

// splittable reports whether o still has an operand in an overfull class
// that is not already a copy made by splitOperands.
func (o overfull) splittable(pinned reg.Set) bool {
	check := func(regs []reg.Reg, classes [2]bool) bool {
		for _, r := range regs {
			if r.IsVirtual() && classes[r.Class()] && !pinned.Contains(r) {
				return true
			}
		}
		return false
	}
	return check(o.in.Uses, o.uses) || check(o.in.Defs, o.defs)
}

// splitOperands gives every virtual operand of an overfull class its own
// register, live only between a copy and the instruction: uses are copied
// in just before it, defs copied out just after. The new registers join
// pinned; the result is the number of copies inserted.
func splitOperands(fn *lir.Function, over []overfull, pinned reg.Set) int {
	byBlock := make(map[int]map[int]overfull)
	for _, o := range over {
		if byBlock[o.block] == nil {
			byBlock[o.block] = make(map[int]overfull)
		}
		byBlock[o.block][o.index] = o
	}

	copies := 0
	fresh := func(r reg.Reg, made map[reg.Reg]reg.Reg) (reg.Reg, bool) {
		if t, ok := made[r]; ok {
			return t, false
		}
		t := fn.NewVirtual(r.Class())
		made[r] = t
		pinned.Add(t)
		copies++
		return t, true
	}

	for bi, b := range fn.Blocks {
		sites, ok := byBlock[bi]
		if !ok {
			continue
		}
		var out []*lir.Instr
		for ii, in := range b.Instrs {
			o, ok := sites[ii]
			if !ok {
				out = append(out, in)
				continue
			}
			made := make(map[reg.Reg]reg.Reg)
			for k, u := range in.Uses {
				if !u.IsVirtual() || !o.uses[u.Class()] || pinned.Contains(u) {
					continue
				}
				t, isNew := fresh(u, made)
				if isNew {
					out = append(out, lir.NewMove(t, u))
				}
				in.Uses[k] = t
			}
			out = append(out, in)

			made = make(map[reg.Reg]reg.Reg)
			for k, d := range in.Defs {
				if !d.IsVirtual() || !o.defs[d.Class()] || pinned.Contains(d) {
					continue
				}
				t, isNew := fresh(d, made)
				if isNew {
					out = append(out, lir.NewMove(d, t))
				}
				in.Defs[k] = t
			}
		}
		b.Instrs = out
	}
	fn.InvalidateLiveness()
	return copies
}
