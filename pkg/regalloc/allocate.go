// Package regalloc assigns physical registers to the virtual registers of
// a lir function by iterative graph coloring, then coalesces copies,
// assigns spill slots and rewrites the code.
//
// The entry points are AllocateFunction, which only decides, and Rewrite,
// which applies a decision to the instructions.
package regalloc

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/diag"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// AllocateFunction allocates registers for fn. Coalescing, when enabled,
// rewrites fn in place: merged registers are renamed and their copies
// deleted. An instruction left with more spilled operands of a class than
// there are scratch registers has those operands copied through fresh
// registers that may not spill, and allocation starts over. Everything else
// is left to Rewrite.
func AllocateFunction(fn *lir.Function, opts Options) (*FuncAllocStat, error) {
	opts.normalize()
	sink := opts.Diag.Sink(fn.Name)

	if err := fn.BuildCFG(); err != nil {
		return nil, err
	}

	pinned := reg.NewSet()
	var (
		live  *Liveness
		gs    Graphs
		a     *assignment
		costs SpillCosts
	)
	for {
		var err error
		live, gs, a, costs, err = colorFunction(fn, &opts, pinned, sink)
		if err != nil {
			return nil, err
		}
		over := findOverfull(fn, a.spilled)
		if len(over) == 0 {
			break
		}
		for _, o := range over {
			if !o.splittable(pinned) {
				return nil, errors.Wrapf(ErrTooManySpilledOperands, "%s: block %s, instruction %d (%s)",
					fn.Name, fn.Blocks[o.block].Label, o.index, o.in)
			}
		}
		n := splitOperands(fn, over, pinned)
		sink.Tracef("%d instructions short of scratch registers: %d operand copies, starting over", len(over), n)
		sink.Count("split", n)
	}

	if opts.Coalesce {
		if coalesce(fn, &gs, a, costs, &opts, sink) > 0 {
			live = AnalyzeLiveness(fn)
		}
	}
	for _, g := range gs {
		if err := g.CheckSymmetric(); err != nil {
			return nil, invariantf(fn.Name, "%s graph after coalescing: %v", g.Class, err)
		}
	}

	stat := a.stat()
	if err := AssignSpillSlots(fn, live, stat); err != nil {
		return nil, err
	}
	if err := Validate(fn, stat, opts.Machine); err != nil {
		return nil, err
	}
	sink.Dump("result", stat)
	sink.Count("spills", stat.NumSpills())
	sink.Infof("allocated: %d colored, %d spilled, stack %d",
		len(stat.Dstr), stat.NumSpills(), stat.StackSize)
	return stat, nil
}

// colorFunction builds the graphs of fn and colors them, honoring the
// caller-saved preference when asked to. Registers in pinned never spill
// while anything else can.
func colorFunction(fn *lir.Function, opts *Options, pinned reg.Set, sink *diag.Sink) (*Liveness, Graphs, *assignment, SpillCosts, error) {
	live := AnalyzeLiveness(fn)
	gs, err := BuildGraphs(fn, live, opts.Machine)
	if err != nil {
		return nil, gs, nil, nil, err
	}
	for _, r := range reg.Sorted(pinned) {
		if g := gs[r.Class()]; g.Nodes.Contains(r) {
			g.Unspillable.Add(r)
		}
	}
	costs := ComputeSpillCosts(fn, opts.LoopWeight)
	for _, g := range gs {
		sink.Tracef("%s graph: %d nodes, %d live across calls",
			g.Class, g.Nodes.Cardinality(), g.LiveAcrossCalls.Cardinality())
	}

	a, err := colorGraphs(gs, opts, costs, nil, sink)
	if err != nil {
		return nil, gs, nil, nil, errors.Wrapf(err, "%s", fn.Name)
	}
	sink.Tracef("baseline: %d colored, %d spilled", len(a.colors), a.spilled.Cardinality())

	if opts.AvoidCallerSaved {
		if cons := callerSavedConstraints(gs, a, opts.Machine); len(cons) > 0 {
			var kept int
			a, kept = relax(gs, opts, costs, cons, a, sink)
			sink.Tracef("caller-saved constraints: %d of %d kept", kept, len(cons))
		}
	}
	return live, gs, a, costs, nil
}

// AllocateProgram allocates every function of prog, up to opts.Jobs at a
// time. Functions share no state, so the result does not depend on the
// order they finish in. Cancelling ctx stops allocation between functions.
func AllocateProgram(ctx context.Context, prog *lir.Program, opts Options) (map[string]*FuncAllocStat, error) {
	opts.normalize()
	stats := make([]*FuncAllocStat, len(prog.Functions))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Jobs)
	for i, fn := range prog.Functions {
		if gctx.Err() != nil {
			break
		}
		i, fn := i, fn
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			stat, err := AllocateFunction(fn, opts)
			if err != nil {
				return errors.Wrapf(err, "allocating %s", fn.Name)
			}
			stats[i] = stat
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make(map[string]*FuncAllocStat, len(stats))
	for i, fn := range prog.Functions {
		out[fn.Name] = stats[i]
	}
	return out, nil
}
