package regalloc

import (
	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// InsertSpillCode rewrites every spilled register of fn into a scratch
// register, loading it from its slot before each use and storing it back
// after each def.
func InsertSpillCode(fn *lir.Function, stat *FuncAllocStat) error {
	for bi, b := range fn.Blocks {
		var out []*lir.Instr
		for ii, in := range b.Instrs {
			loads, stores, err := spillOperands(in, stat)
			if err != nil {
				return errors.Wrapf(err, "%s: block %s, instruction %d (%s)", fn.Name, b.Label, ii, in)
			}
			out = append(out, loads...)
			out = append(out, in)
			out = append(out, stores...)
		}
		fn.Blocks[bi].Instrs = out
	}
	fn.InvalidateLiveness()
	return nil
}

func spillOperands(in *lir.Instr, stat *FuncAllocStat) (loads, stores []*lir.Instr, err error) {
	scratch := make(map[reg.Reg]reg.Reg)
	var taken [2]int

	for _, u := range in.Uses {
		if !stat.Spilled(u) {
			continue
		}
		if _, ok := scratch[u]; ok {
			continue
		}
		c := u.Class()
		regs := reg.Scratch(c)
		if taken[c] == len(regs) {
			return nil, nil, ErrTooManySpilledOperands
		}
		sc := regs[taken[c]]
		taken[c]++
		scratch[u] = sc
		loads = append(loads, lir.NewLoadStack(sc, slotOf(u, stat)))
	}

	// Defs may reuse the scratch registers of the uses: the uses are read
	// before the defs are written.
	defTaken := [2]map[reg.Reg]bool{{}, {}}
	stored := reg.NewSet()
	for _, d := range in.Defs {
		if sc, ok := scratch[d]; ok && stat.Spilled(d) {
			defTaken[d.Class()][sc] = true
		}
	}
	for _, d := range in.Defs {
		if !stat.Spilled(d) || stored.Contains(d) {
			continue
		}
		stored.Add(d)
		c := d.Class()
		sc, ok := scratch[d]
		if !ok {
			found := false
			for _, cand := range reg.Scratch(c) {
				if !defTaken[c][cand] {
					sc, found = cand, true
					break
				}
			}
			if !found {
				return nil, nil, ErrTooManySpilledOperands
			}
			defTaken[c][sc] = true
			scratch[d] = sc
		}
		stores = append(stores, lir.NewStoreStack(sc, slotOf(d, stat)))
	}

	// Uses are rewritten before defs so an operand that is both keeps one
	// scratch register.
	for i, u := range in.Uses {
		if sc, ok := scratch[u]; ok {
			in.Uses[i] = sc
		}
	}
	for i, d := range in.Defs {
		if sc, ok := scratch[d]; ok {
			in.Defs[i] = sc
		}
	}
	return loads, stores, nil
}

func slotOf(r reg.Reg, stat *FuncAllocStat) lir.StackRef {
	s := stat.SpillSlots[r.ID()]
	s.Size = lir.SlotSize(r.Class())
	return s
}
