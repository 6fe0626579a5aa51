package regalloc

import (
	"github.com/CompilerHIT/SysYRust-sub001/pkg/depq"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/diag"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

type copyPair struct {
	dst, src reg.Reg
}

// coalescer merges the two sides of copy instructions after coloring.
type coalescer struct {
	fn    *lir.Function
	gs    *Graphs
	a     *assignment
	costs SpillCosts
	opts  *Options
	sink  *diag.Sink
}

// coalesce runs up to MaxCoalesceRounds rounds and returns the number of
// merges. gs, a and costs are updated in place; every merge rewrites fn.
func coalesce(fn *lir.Function, gs *Graphs, a *assignment, costs SpillCosts, opts *Options, sink *diag.Sink) int {
	c := &coalescer{fn: fn, gs: gs, a: a, costs: costs, opts: opts, sink: sink}
	total := 0
	for round := 0; round < opts.MaxCoalesceRounds; round++ {
		n := c.round()
		sink.Tracef("coalesce round %d: %d merged", round, n)
		total += n
		if n == 0 {
			break
		}
	}
	sink.Count("coalesced", total)
	return total
}

func (c *coalescer) round() int {
	cands := depq.New[copyPair]()
	seq := 0
	c.fn.EachInstr(func(_, _ int, in *lir.Instr) {
		if !in.IsCopy() {
			return
		}
		p := copyPair{dst: in.Defs[0], src: in.Uses[0]}
		if !c.eligible(p) {
			return
		}
		cands.Push(p, int64(c.mergedDegree(p)), seq)
		seq++
	})

	merged := 0
	for cands.Len() > 0 {
		p, _, _ := cands.PopMin()
		if !c.eligible(p) {
			continue
		}
		var ok bool
		switch {
		case p.dst.IsVirtual() && p.src.IsVirtual():
			ok = c.mergeVirtual(p.dst, p.src)
		case p.dst.IsVirtual():
			ok = c.mergePhysical(p.dst, p.src)
		default:
			ok = c.mergePhysical(p.src, p.dst)
		}
		if ok {
			merged++
		}
	}
	return merged
}

// eligible reports whether the pair can still be merged: both sides are
// distinct, present, colored or allocatable, and do not interfere.
func (c *coalescer) eligible(p copyPair) bool {
	if p.dst == p.src {
		return false
	}
	g := c.gs[p.dst.Class()]
	for _, r := range []reg.Reg{p.dst, p.src} {
		if r.IsPhysical() {
			if !c.opts.Machine.Allocatable(r) {
				return false
			}
			continue
		}
		if !g.Nodes.Contains(r) || c.a.spilled.Contains(r) {
			return false
		}
	}
	if p.dst.IsPhysical() && p.src.IsPhysical() {
		return false
	}
	return !g.Interferes(p.dst, p.src)
}

func (c *coalescer) mergedDegree(p copyPair) int {
	g := c.gs[p.dst.Class()]
	switch {
	case p.dst.IsVirtual() && p.src.IsVirtual():
		return g.Edges[p.dst].Union(g.Edges[p.src]).Cardinality()
	case p.dst.IsVirtual():
		return g.Degree(p.dst)
	default:
		return g.Degree(p.src)
	}
}

func (c *coalescer) prefs(g *Graph, regs ...reg.Reg) []reg.Reg {
	colors := c.opts.Machine.Colors(g.Class)
	for _, r := range regs {
		if g.LiveAcrossCalls.Contains(r) {
			var out []reg.Reg
			for _, col := range colors {
				if col.CalleeSaved() {
					out = append(out, col)
				}
			}
			for _, col := range colors {
				if !col.CalleeSaved() {
					out = append(out, col)
				}
			}
			return out
		}
	}
	return colors
}

// mergeVirtual merges two virtual registers into the one with the smaller
// id. The merged register keeps a color that is free for both; failing
// that, the class is recolored with the merge applied and the merge is
// kept only if that coloring spills nothing.
func (c *coalescer) mergeVirtual(x, y reg.Reg) bool {
	keep, drop := x, y
	if drop.Less(keep) {
		keep, drop = drop, keep
	}
	g := c.gs[keep.Class()]

	forb := g.ColorsInUse(keep, c.a.colors)
	forb.InPlaceUnion(g.ColorsInUse(drop, c.a.colors))
	if col, ok := firstFree(c.prefs(g, keep, drop), forb); ok {
		g.Merge(keep, drop)
		c.a.colors[keep] = col
		c.commit(keep, drop, "direct")
		return true
	}

	trial := g.Clone()
	trial.Merge(keep, drop)
	costs := c.costs.Clone()
	costs.Merge(keep, drop)
	na, err := colorClass(trial, c.opts, costs, nil, nil)
	if err != nil || na.spills(g.Class) > 0 {
		c.sink.Tracef("coalesce %s <- %s rejected", keep, drop)
		return false
	}
	c.gs[g.Class] = trial
	c.a.replaceClass(g.Class, na)
	c.commit(keep, drop, "recolored")
	return true
}

// mergePhysical replaces virtual register v by physical register p. When
// a neighbor holds p, the class is recolored with v pinned to p and the
// merge is kept only if that coloring spills nothing.
func (c *coalescer) mergePhysical(v, p reg.Reg) bool {
	g := c.gs[v.Class()]
	if !g.ColorsInUse(v, c.a.colors).Test(uint(p.ID())) {
		g.MergePhysical(v, p)
		c.commit(p, v, "direct")
		return true
	}

	pin := []Constraint{{Reg: v, Pin: p, Pinned: true}}
	na, err := colorClass(g, c.opts, c.costs, pin, nil)
	if err != nil || na.colors[v] != p || na.spills(g.Class) > 0 {
		c.sink.Tracef("coalesce %s <- %s rejected", p, v)
		return false
	}
	c.a.replaceClass(g.Class, na)
	g.MergePhysical(v, p)
	c.commit(p, v, "pinned")
	return true
}

// commit rewrites drop into keep across the function and deletes the copies
// that became self copies.
func (c *coalescer) commit(keep, drop reg.Reg, how string) {
	c.a.forget(drop)
	if keep.IsVirtual() {
		c.costs.Merge(keep, drop)
	} else {
		delete(c.costs, drop)
	}
	c.fn.ReplaceReg(drop, keep)
	removed := c.fn.RemoveInstrs((*lir.Instr).IsSelfCopy)
	c.sink.Tracef("coalesce %s <- %s (%s, %d copies removed)", keep, drop, how, removed)
}
