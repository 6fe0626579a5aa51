package regalloc

import (
	"sort"

	"github.com/bits-and-blooms/bitset"
	"github.com/oleiade/lane"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/depq"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/diag"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// spillScale turns the spill metric cost/(neighbors+1) into an integer.
const spillScale = 1 << 10

// assignment is a coloring of virtual registers: each is either colored or
// spilled.
type assignment struct {
	colors  map[reg.Reg]reg.Reg
	spilled reg.Set
}

func newAssignment() *assignment {
	return &assignment{colors: make(map[reg.Reg]reg.Reg), spilled: reg.NewSet()}
}

func (a *assignment) clone() *assignment {
	c := newAssignment()
	for r, p := range a.colors {
		c.colors[r] = p
	}
	c.spilled = a.spilled.Clone()
	return c
}

// spills returns the number of spilled registers of a class.
func (a *assignment) spills(c reg.Class) int {
	n := 0
	for _, r := range a.spilled.ToSlice() {
		if r.Class() == c {
			n++
		}
	}
	return n
}

// replaceClass swaps in the coloring of one class from other.
func (a *assignment) replaceClass(c reg.Class, other *assignment) {
	for r := range a.colors {
		if r.Class() == c {
			delete(a.colors, r)
		}
	}
	for _, r := range a.spilled.ToSlice() {
		if r.Class() == c {
			a.spilled.Remove(r)
		}
	}
	for r, p := range other.colors {
		if r.Class() == c {
			a.colors[r] = p
		}
	}
	for _, r := range other.spilled.ToSlice() {
		if r.Class() == c {
			a.spilled.Add(r)
		}
	}
}

// forget drops every trace of r.
func (a *assignment) forget(r reg.Reg) {
	delete(a.colors, r)
	a.spilled.Remove(r)
}

// Constraint restricts the colors one virtual register may take: either a
// set of banned colors or a single pinned color.
type Constraint struct {
	Reg    reg.Reg
	Banned []reg.Reg
	Pin    reg.Reg
	Pinned bool
}

type queued struct {
	r       reg.Reg
	version int
}

// colorer runs the color/recolor/spill loop on the graph of one class.
type colorer struct {
	g          *Graph
	mask       *bitset.BitSet
	order      []reg.Reg
	calleeOrd  []reg.Reg
	costs      SpillCosts
	maxRecolor int
	sink       *diag.Sink

	base    map[reg.Reg]*bitset.BitSet
	forbid  map[reg.Reg]*bitset.BitSet
	colors  map[reg.Reg]reg.Reg
	spilled reg.Set
	lcount  map[reg.Reg]int

	// pending holds the uncolored, unspilled registers of the core.
	pending reg.Set
	stuck   reg.Set
	queue   *depq.Queue[queued]
	version map[reg.Reg]int
}

func newColorer(g *Graph, opts *Options, costs SpillCosts, cons []Constraint, sink *diag.Sink) (*colorer, error) {
	m := opts.Machine
	c := &colorer{
		g:          g,
		mask:       m.ColorMask(g.Class),
		order:      m.Colors(g.Class),
		costs:      costs,
		maxRecolor: opts.MaxRecolorNeighbors,
		sink:       sink,
		base:       make(map[reg.Reg]*bitset.BitSet),
		forbid:     make(map[reg.Reg]*bitset.BitSet),
		colors:     make(map[reg.Reg]reg.Reg),
		spilled:    reg.NewSet(),
		lcount:     make(map[reg.Reg]int),
		pending:    reg.NewSet(),
		stuck:      reg.NewSet(),
		queue:      depq.New[queued](),
		version:    make(map[reg.Reg]int),
	}
	for _, r := range c.order {
		if r.CalleeSaved() {
			c.calleeOrd = append(c.calleeOrd, r)
		}
	}
	for _, r := range c.order {
		if !r.CalleeSaved() {
			c.calleeOrd = append(c.calleeOrd, r)
		}
	}

	for _, r := range reg.Sorted(g.Nodes) {
		c.base[r] = g.Forbidden[r].Clone()
		c.lcount[r] = g.Degree(r)
	}
	for _, k := range cons {
		b, ok := c.base[k.Reg]
		if !ok {
			continue
		}
		before := c.mask.Difference(b).Count()
		if k.Pinned {
			pin := k.Pin.ID()
			for _, col := range c.order {
				if col.ID() != pin {
					b.Set(uint(col.ID()))
				}
			}
		}
		for _, col := range k.Banned {
			b.Set(uint(col.ID()))
		}
		if before > 0 && c.mask.Difference(b).Count() == 0 {
			return nil, ErrInfeasible
		}
	}
	for r, b := range c.base {
		c.forbid[r] = b.Clone()
	}
	return c, nil
}

// colorClass colors one graph and returns the result.
func colorClass(g *Graph, opts *Options, costs SpillCosts, cons []Constraint, sink *diag.Sink) (*assignment, error) {
	c, err := newColorer(g, opts, costs, cons, sink)
	if err != nil {
		return nil, err
	}
	c.run()
	a := newAssignment()
	for r, p := range c.colors {
		a.colors[r] = p
	}
	a.spilled = c.spilled
	return a, nil
}

// colorGraphs colors both classes.
func colorGraphs(gs Graphs, opts *Options, costs SpillCosts, cons []Constraint, sink *diag.Sink) (*assignment, error) {
	out := newAssignment()
	for _, g := range gs {
		a, err := colorClass(g, opts, costs, cons, sink)
		if err != nil {
			return nil, err
		}
		out.replaceClass(g.Class, a)
	}
	return out, nil
}

func (c *colorer) run() {
	peeled := c.peel()
	for _, r := range reg.Sorted(c.g.Nodes) {
		if !c.pending.Contains(r) {
			continue
		}
		c.push(r)
	}

	for c.pending.Cardinality() > 0 {
		if r, ok := c.nextColorable(); ok {
			c.setColor(r, c.pick(r))
			c.sink.Count("colored", 1)
			continue
		}
		s := c.pickStuck()
		if c.recolor(s) {
			continue
		}
		c.spillAround(s)
	}

	// Peeled registers always find a color: fewer of their neighbors were
	// left in the graph than they had free colors.
	for i := len(peeled) - 1; i >= 0; i-- {
		r := peeled[i]
		if c.free(r) == 0 {
			c.spill(r)
			continue
		}
		c.setColor(r, c.pick(r))
		c.sink.Count("colored", 1)
	}
}

// peel removes, cascading, every register with fewer remaining neighbors
// than free colors and returns them in removal order. The rest form the
// core and go to pending.
func (c *colorer) peel() []reg.Reg {
	nodes := reg.Sorted(c.g.Nodes)
	deg := make(map[reg.Reg]int, len(nodes))
	avail := make(map[reg.Reg]int, len(nodes))
	removed := make(map[reg.Reg]bool, len(nodes))
	for _, r := range nodes {
		deg[r] = c.g.Degree(r)
		avail[r] = c.free(r)
	}

	var order []reg.Reg
	work := lane.NewQueue()
	for _, r := range nodes {
		if deg[r] < avail[r] {
			removed[r] = true
			order = append(order, r)
			work.Enqueue(r)
		}
	}
	for !work.Empty() {
		r := work.Dequeue().(reg.Reg)
		for _, n := range c.g.Neighbors(r) {
			if removed[n] {
				continue
			}
			deg[n]--
			if deg[n] < avail[n] {
				removed[n] = true
				order = append(order, n)
				work.Enqueue(n)
			}
		}
	}
	for _, r := range nodes {
		if !removed[r] {
			c.pending.Add(r)
		}
	}
	c.sink.Tracef("%s: %d peeled, %d in core", c.g.Class, len(order), c.pending.Cardinality())
	return order
}

func (c *colorer) free(r reg.Reg) int {
	return int(c.mask.Difference(c.forbid[r]).Count())
}

func (c *colorer) prefs(r reg.Reg) []reg.Reg {
	if c.g.LiveAcrossCalls.Contains(r) {
		return c.calleeOrd
	}
	return c.order
}

// pick returns the first free color of r in preference order.
func (c *colorer) pick(r reg.Reg) reg.Reg {
	col, _ := firstFree(c.prefs(r), c.forbid[r])
	return col
}

func firstFree(order []reg.Reg, forbid *bitset.BitSet) (reg.Reg, bool) {
	for _, col := range order {
		if !forbid.Test(uint(col.ID())) {
			return col, true
		}
	}
	return reg.Reg{}, false
}

func (c *colorer) push(r reg.Reg) {
	c.version[r]++
	c.stuck.Remove(r)
	c.queue.Push(queued{r: r, version: c.version[r]}, int64(c.lcount[r]), r.ID())
}

// nextColorable pops registers by fewest live neighbors until one with a
// free color turns up. Registers without one are parked in stuck.
func (c *colorer) nextColorable() (reg.Reg, bool) {
	for c.queue.Len() > 0 {
		q, _, _ := c.queue.PopMin()
		if q.version != c.version[q.r] || !c.pending.Contains(q.r) {
			continue
		}
		if c.free(q.r) > 0 {
			return q.r, true
		}
		c.stuck.Add(q.r)
	}
	return reg.Reg{}, false
}

func (c *colorer) pickStuck() reg.Reg {
	var best reg.Reg
	first := true
	for _, r := range reg.Sorted(c.stuck) {
		if first || c.lcount[r] < c.lcount[best] {
			best, first = r, false
		}
	}
	return best
}

// setColor colors r and updates the forbidden colors of its neighbors.
func (c *colorer) setColor(r, col reg.Reg) {
	_, had := c.colors[r]
	c.colors[r] = col
	c.pending.Remove(r)
	c.stuck.Remove(r)
	for _, n := range c.g.Neighbors(r) {
		if had {
			c.recompute(n)
		} else {
			c.forbid[n].Set(uint(col.ID()))
		}
	}
	c.sink.Tracef("color %s -> %s", r, col)
}

func (c *colorer) recompute(r reg.Reg) {
	f := c.base[r].Clone()
	for _, n := range c.g.Edges[r].ToSlice() {
		if col, ok := c.colors[n]; ok {
			f.Set(uint(col.ID()))
		}
	}
	c.forbid[r] = f
}

// wake requeues the stuck neighbors of r after r gave up a color.
func (c *colorer) wake(r reg.Reg) {
	for _, n := range c.g.Neighbors(r) {
		if c.stuck.Contains(n) {
			c.push(n)
		}
	}
}

// recolor tries to free a color for the stuck register s by moving the
// few colored neighbors holding it to other legal colors. Moves are undone
// when one of them fails or when they cost more than spilling s.
func (c *colorer) recolor(s reg.Reg) bool {
	if c.maxRecolor <= 0 {
		return false
	}
	nbrs := c.g.Neighbors(s)
	for _, col := range c.prefs(s) {
		if c.base[s].Test(uint(col.ID())) {
			continue
		}
		var holders []reg.Reg
		var cost int64
		for _, n := range nbrs {
			if p, ok := c.colors[n]; ok && p == col {
				holders = append(holders, n)
				cost += c.costs[n]
			}
		}
		if len(holders) == 0 || len(holders) > c.maxRecolor {
			continue
		}
		if cost > c.costs[s] && !c.g.Unspillable.Contains(s) {
			continue
		}

		type move struct{ r, old reg.Reg }
		var moved []move
		ok := true
		for _, h := range holders {
			f := c.forbid[h].Clone()
			f.Set(uint(col.ID()))
			to, found := firstFree(c.prefs(h), f)
			if !found {
				ok = false
				break
			}
			moved = append(moved, move{h, c.colors[h]})
			c.setColor(h, to)
		}
		if ok && !c.forbid[s].Test(uint(col.ID())) {
			c.setColor(s, col)
			for _, mv := range moved {
				c.wake(mv.r)
			}
			c.sink.Count("recolored", len(moved))
			c.sink.Count("colored", 1)
			return true
		}
		for i := len(moved) - 1; i >= 0; i-- {
			c.setColor(moved[i].r, moved[i].old)
		}
	}
	return false
}

// spillAround spills the cheapest of s and the neighbors whose removal
// would hand s a color, by cost per live neighbor. Unspillable registers
// are never chosen while anything else around them can go; an unspillable
// s with no such neighbor is spilled anyway and caught by the operand
// check of the caller.
func (c *colorer) spillAround(s reg.Reg) {
	holders := make(map[reg.Reg]int)
	nbrs := c.g.Neighbors(s)
	for _, n := range nbrs {
		if p, ok := c.colors[n]; ok {
			holders[p]++
		}
	}

	cands := depq.New[reg.Reg]()
	push := func(r reg.Reg) {
		if !c.g.Unspillable.Contains(r) {
			cands.Push(r, c.metric(r), r.ID())
		}
	}
	push(s)
	for _, n := range nbrs {
		switch {
		case c.spilled.Contains(n):
		case c.pending.Contains(n):
			push(n)
		default:
			if p, ok := c.colors[n]; ok && holders[p] == 1 && !c.base[s].Test(uint(p.ID())) {
				push(n)
			}
		}
	}
	if cands.Len() == 0 {
		// Free up room one neighbor at a time, even where its color stays
		// taken by another.
		for _, n := range nbrs {
			if _, ok := c.colors[n]; ok {
				push(n)
			}
		}
	}
	if cands.Len() == 0 {
		c.spill(s)
		return
	}
	r, _, _ := cands.PopMin()
	c.spill(r)
}

func (c *colorer) metric(r reg.Reg) int64 {
	return c.costs[r] * spillScale / int64(c.lcount[r]+1)
}

func (c *colorer) spill(r reg.Reg) {
	if _, ok := c.colors[r]; ok {
		delete(c.colors, r)
		for _, n := range c.g.Neighbors(r) {
			c.recompute(n)
		}
	}
	c.spilled.Add(r)
	c.pending.Remove(r)
	c.stuck.Remove(r)
	for _, n := range c.g.Neighbors(r) {
		if c.spilled.Contains(n) {
			continue
		}
		c.lcount[n]--
		if c.pending.Contains(n) {
			c.push(n)
		}
	}
	c.sink.Tracef("spill %s (cost %d)", r, c.costs[r])
	c.sink.Count("spilled", 1)
}

// sortedColors returns the colored registers of a in order; used for
// deterministic traces.
func sortedColors(a *assignment) []reg.Reg {
	out := make([]reg.Reg, 0, len(a.colors))
	for r := range a.colors {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}
