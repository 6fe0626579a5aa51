package regalloc

import (
	"sort"

	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/diag"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// relax colors gs under cons. An infeasible constraint set, or one whose
// coloring spills more than baseline, is cut in half and retried; when no
// constraint is left the baseline is returned. The second result is the
// number of constraints honored.
func relax(gs Graphs, opts *Options, costs SpillCosts, cons []Constraint, baseline *assignment, sink *diag.Sink) (*assignment, int) {
	cons = sortConstraints(cons, costs)
	for len(cons) > 0 {
		a, err := colorGraphs(gs, opts, costs, cons, sink)
		switch {
		case errors.Is(err, ErrInfeasible):
			sink.Tracef("constraints: %d infeasible, halving", len(cons))
		case err != nil:
			// colorGraphs fails only on constraints
			sink.Tracef("constraints: %v", err)
		case a.spilled.Cardinality() > baseline.spilled.Cardinality():
			sink.Tracef("constraints: %d spill %d > %d, halving",
				len(cons), a.spilled.Cardinality(), baseline.spilled.Cardinality())
		default:
			return a, len(cons)
		}
		cons = cons[:len(cons)/2]
	}
	return baseline, 0
}

// sortConstraints orders constraints by descending spill cost of their
// register, then by register, so halving keeps the most valuable ones.
func sortConstraints(cons []Constraint, costs SpillCosts) []Constraint {
	out := append([]Constraint(nil), cons...)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := costs[out[i].Reg], costs[out[j].Reg]
		if ci != cj {
			return ci > cj
		}
		return out[i].Reg.Less(out[j].Reg)
	})
	return out
}

// callerSavedConstraints bans caller-saved colors for the registers that
// live across a call but were given a caller-saved color.
func callerSavedConstraints(gs Graphs, a *assignment, m *reg.Machine) []Constraint {
	var cons []Constraint
	for _, g := range gs {
		var banned []reg.Reg
		for _, col := range m.Colors(g.Class) {
			if col.CallerSaved() {
				banned = append(banned, col)
			}
		}
		for _, r := range reg.Sorted(g.LiveAcrossCalls) {
			if col, ok := a.colors[r]; ok && col.CallerSaved() {
				cons = append(cons, Constraint{Reg: r, Banned: banned})
			}
		}
	}
	return cons
}

// AllocateConstrained colors fn with the given constraints, relaxing them
// as needed, and returns the result together with how many constraints
// survived. fn is not modified apart from its liveness sets, so a result
// that leaves an instruction short of scratch registers is an error here.
func AllocateConstrained(fn *lir.Function, cons []Constraint, opts Options) (*FuncAllocStat, int, error) {
	opts.normalize()
	sink := opts.Diag.Sink(fn.Name)
	live := AnalyzeLiveness(fn)
	gs, err := BuildGraphs(fn, live, opts.Machine)
	if err != nil {
		return nil, 0, err
	}
	costs := ComputeSpillCosts(fn, opts.LoopWeight)
	baseline, err := colorGraphs(gs, &opts, costs, nil, sink)
	if err != nil {
		return nil, 0, err
	}
	a, kept := relax(gs, &opts, costs, cons, baseline, sink)
	if over := findOverfull(fn, a.spilled); len(over) > 0 {
		o := over[0]
		return nil, 0, errors.Wrapf(ErrTooManySpilledOperands, "%s: block %s, instruction %d (%s)",
			fn.Name, fn.Blocks[o.block].Label, o.index, o.in)
	}
	stat := a.stat()
	if err := AssignSpillSlots(fn, live, stat); err != nil {
		return nil, 0, err
	}
	return stat, kept, nil
}
