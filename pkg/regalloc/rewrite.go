package regalloc

import (
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// Rewrite turns fn into physical-register code using stat: spilled
// registers go through scratch registers and their slots, colored ones are
// replaced by their color, and copies that became self copies are deleted.
// With opts.RearrangeStack the spill area is compacted afterwards.
func Rewrite(fn *lir.Function, stat *FuncAllocStat, opts Options) error {
	if err := InsertSpillCode(fn, stat); err != nil {
		return err
	}

	var missing reg.Reg
	found := false
	fn.EachInstr(func(_, _ int, in *lir.Instr) {
		in.MapRegs(func(r reg.Reg) reg.Reg {
			if !r.IsVirtual() {
				return r
			}
			if col, ok := stat.Color(r); ok {
				return col
			}
			if !found {
				missing, found = r, true
			}
			return r
		})
	})
	if found {
		return invariantf(fn.Name, "%s has no location after allocation", missing)
	}
	fn.RemoveInstrs((*lir.Instr).IsSelfCopy)

	if opts.RearrangeStack {
		weight := opts.LoopWeight
		if weight < 1 {
			weight = 1
		}
		if err := RearrangeStack(fn, stat, weight); err != nil {
			return err
		}
	}
	fn.InvalidateLiveness()
	return nil
}

// RewriteProgram rewrites every function of prog with its result.
func RewriteProgram(prog *lir.Program, stats map[string]*FuncAllocStat, opts Options) error {
	for _, fn := range prog.Functions {
		stat, ok := stats[fn.Name]
		if !ok {
			return invariantf(fn.Name, "no allocation result")
		}
		if err := Rewrite(fn, stat, opts); err != nil {
			return err
		}
	}
	return nil
}
