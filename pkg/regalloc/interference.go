package regalloc

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// Graph is the interference graph of one register class. Nodes are the
// virtual registers of that class. Interference with an allocatable
// physical register is not an edge: it is recorded as a forbidden color of
// the virtual register instead.
type Graph struct {
	Class reg.Class
	// Nodes are the virtual registers of the class.
	Nodes reg.Set
	// Edges maps each node to its interfering neighbors.
	Edges map[reg.Reg]reg.Set
	// Forbidden holds, per node, the physical colors it interferes with.
	Forbidden map[reg.Reg]*bitset.BitSet
	// LiveAcrossCalls tracks nodes live across a call instruction.
	// They prefer callee-saved colors.
	LiveAcrossCalls reg.Set
	// Unspillable holds the operand copies that must get a color.
	Unspillable reg.Set
}

// Graphs holds one graph per register class, indexed by reg.Class.
type Graphs [2]*Graph

// NewGraph creates an empty graph for a class.
func NewGraph(c reg.Class) *Graph {
	return &Graph{
		Class:           c,
		Nodes:           reg.NewSet(),
		Edges:           make(map[reg.Reg]reg.Set),
		Forbidden:       make(map[reg.Reg]*bitset.BitSet),
		LiveAcrossCalls: reg.NewSet(),
		Unspillable:     reg.NewSet(),
	}
}

// AddNode adds a virtual register to the graph.
func (g *Graph) AddNode(r reg.Reg) {
	if g.Nodes.Contains(r) {
		return
	}
	g.Nodes.Add(r)
	g.Edges[r] = reg.NewSet()
	g.Forbidden[r] = bitset.New(reg.NumPhysical)
}

// AddEdge records that a and b interfere. Self edges are ignored; a
// physical endpoint becomes a forbidden color of the virtual one.
func (g *Graph) AddEdge(a, b reg.Reg) {
	if a == b {
		return
	}
	switch {
	case a.IsVirtual() && b.IsVirtual():
		g.AddNode(a)
		g.AddNode(b)
		g.Edges[a].Add(b)
		g.Edges[b].Add(a)
	case a.IsVirtual():
		g.Forbid(a, b)
	case b.IsVirtual():
		g.Forbid(b, a)
	}
}

// Forbid records that virtual register r may not be colored p.
func (g *Graph) Forbid(r, p reg.Reg) {
	g.AddNode(r)
	g.Forbidden[r].Set(uint(p.ID()))
}

// HasEdge reports whether two virtual registers interfere.
func (g *Graph) HasEdge(a, b reg.Reg) bool {
	if e, ok := g.Edges[a]; ok {
		return e.Contains(b)
	}
	return false
}

// Interferes reports whether a and b interfere, whichever of them is
// physical.
func (g *Graph) Interferes(a, b reg.Reg) bool {
	switch {
	case a.IsVirtual() && b.IsVirtual():
		return g.HasEdge(a, b)
	case a.IsVirtual():
		f, ok := g.Forbidden[a]
		return ok && f.Test(uint(b.ID()))
	case b.IsVirtual():
		f, ok := g.Forbidden[b]
		return ok && f.Test(uint(a.ID()))
	}
	return false
}

// Degree returns the number of virtual neighbors of r.
func (g *Graph) Degree(r reg.Reg) int {
	if e, ok := g.Edges[r]; ok {
		return e.Cardinality()
	}
	return 0
}

// Neighbors returns the virtual neighbors of r in sorted order.
func (g *Graph) Neighbors(r reg.Reg) []reg.Reg {
	return reg.Sorted(g.Edges[r])
}

// RemoveNode removes r and every edge touching it.
func (g *Graph) RemoveNode(r reg.Reg) {
	if e, ok := g.Edges[r]; ok {
		for _, n := range e.ToSlice() {
			g.Edges[n].Remove(r)
		}
	}
	g.Nodes.Remove(r)
	g.LiveAcrossCalls.Remove(r)
	g.Unspillable.Remove(r)
	delete(g.Edges, r)
	delete(g.Forbidden, r)
}

// Merge folds drop into keep: keep inherits drop's neighbors, forbidden
// colors and call crossing, and drop leaves the graph.
func (g *Graph) Merge(keep, drop reg.Reg) {
	for _, n := range g.Neighbors(drop) {
		if n != keep {
			g.AddEdge(keep, n)
		}
	}
	g.AddNode(keep)
	g.Forbidden[keep].InPlaceUnion(g.Forbidden[drop])
	if g.LiveAcrossCalls.Contains(drop) {
		g.LiveAcrossCalls.Add(keep)
	}
	g.RemoveNode(drop)
}

// MergePhysical folds virtual register v into physical register p: every
// neighbor of v now interferes with p.
func (g *Graph) MergePhysical(v, p reg.Reg) {
	for _, n := range g.Neighbors(v) {
		g.Forbid(n, p)
	}
	g.RemoveNode(v)
}

// Clone returns a deep copy of the graph.
func (g *Graph) Clone() *Graph {
	c := NewGraph(g.Class)
	for _, r := range reg.Sorted(g.Nodes) {
		c.Nodes.Add(r)
		c.Edges[r] = g.Edges[r].Clone()
		c.Forbidden[r] = g.Forbidden[r].Clone()
	}
	c.LiveAcrossCalls = g.LiveAcrossCalls.Clone()
	c.Unspillable = g.Unspillable.Clone()
	return c
}

// CheckSymmetric reports the first edge whose reverse is missing, a self
// loop, or an edge leaving the node set.
func (g *Graph) CheckSymmetric() error {
	for _, r := range reg.Sorted(g.Nodes) {
		for _, n := range g.Neighbors(r) {
			switch {
			case n == r:
				return errors.Errorf("%s interferes with itself", r)
			case !g.Nodes.Contains(n):
				return errors.Errorf("%s has neighbor %s outside the graph", r, n)
			case !g.HasEdge(n, r):
				return errors.Errorf("edge %s-%s is not symmetric", r, n)
			}
		}
	}
	return nil
}

// BuildGraphs builds the interference graph of each register class. Every
// virtual register of fn becomes a node, even if it interferes with nothing.
// Physical registers that are not colors of m are ignored.
func BuildGraphs(fn *lir.Function, live *Liveness, m *reg.Machine) (Graphs, error) {
	gs := Graphs{NewGraph(reg.General), NewGraph(reg.Float)}
	for _, r := range fn.VirtualRegs() {
		gs[r.Class()].AddNode(r)
	}

	relevant := func(r reg.Reg) bool { return r.IsVirtual() || m.Allocatable(r) }
	addEdge := func(a, b reg.Reg) {
		if a.Class() != b.Class() || !relevant(a) || !relevant(b) {
			return
		}
		gs[a.Class()].AddEdge(a, b)
	}

	for bi := range fn.Blocks {
		err := live.Walk(bi, func(_ int, in *lir.Instr, liveAfter reg.Set) {
			if in.Kind == lir.Call {
				for _, r := range reg.Sorted(LiveAcross(in, liveAfter)) {
					if r.IsVirtual() {
						gs[r.Class()].LiveAcrossCalls.Add(r)
					}
				}
			}
			for i, d := range in.Defs {
				for _, l := range reg.Sorted(liveAfter) {
					// A copy's destination may share a register with its source.
					if in.IsCopy() && l == in.Uses[0] {
						continue
					}
					addEdge(d, l)
				}
				for _, d2 := range in.Defs[i+1:] {
					addEdge(d, d2)
				}
			}
		})
		if err != nil {
			return gs, err
		}
	}

	// Registers live into the entry block have no defining instruction, so
	// they interfere with each other here.
	if len(fn.Blocks) > 0 {
		entry := reg.Sorted(fn.Blocks[0].LiveIn)
		for i, a := range entry {
			for _, b := range entry[i+1:] {
				addEdge(a, b)
			}
		}
	}
	return gs, nil
}

// ColorsInUse returns the forbidden colors of r given the current coloring:
// the colors of its physical neighbors and of its colored virtual neighbors.
func (g *Graph) ColorsInUse(r reg.Reg, colors map[reg.Reg]reg.Reg) *bitset.BitSet {
	used := g.Forbidden[r].Clone()
	for _, n := range g.Edges[r].ToSlice() {
		if c, ok := colors[n]; ok {
			used.Set(uint(c.ID()))
		}
	}
	return used
}
