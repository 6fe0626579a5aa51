package regalloc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

const acrossSrc = `func f
entry:
  li vi1, 7
  li vi2, 8
  li a0, 1
  call g(a0) -> a0
  add vi3, vi1, vi2
  add vi3, vi3, a0
  ret vi3
end
`

func TestAllocateConstrainedPin(t *testing.T) {
	fn := mustFunc(t, acrossSrc)
	cons := []Constraint{{Reg: vi(1), Pin: reg.S2, Pinned: true}}
	stat, kept, err := AllocateConstrained(fn, cons, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 1, kept)
	col, ok := stat.Color(vi(1))
	require.True(t, ok)
	assert.Equal(t, reg.S2, col)
}

func TestAllocateConstrainedDropsInfeasible(t *testing.T) {
	fn := mustFunc(t, acrossSrc)
	opts := DefaultOptions()
	cons := []Constraint{{Reg: vi(1), Banned: opts.Machine.Colors(reg.General)}}
	stat, kept, err := AllocateConstrained(fn, cons, opts)
	require.NoError(t, err)
	assert.Equal(t, 0, kept)
	_, ok := stat.Color(vi(1))
	assert.True(t, ok, "the unconstrained coloring is used")
}

func TestRelaxKeepsCostlyConstraints(t *testing.T) {
	// vi1 and vi2 interfere and only s1 is callee-saved: both bans cannot
	// hold without a spill, so the cheaper one is dropped.
	g := NewGraph(reg.General)
	g.AddEdge(vi(1), vi(2))
	gs := Graphs{g, NewGraph(reg.Float)}
	opts := testOptions(mustMachine(t, []reg.Reg{reg.A0, reg.S1}, nil))
	costs := SpillCosts{vi(1): 1, vi(2): 50}

	baseline, err := colorGraphs(gs, &opts, costs, nil, nil)
	require.NoError(t, err)
	require.Equal(t, 0, baseline.spilled.Cardinality())

	ban := []reg.Reg{reg.A0}
	cons := []Constraint{{Reg: vi(1), Banned: ban}, {Reg: vi(2), Banned: ban}}
	a, kept := relax(gs, &opts, costs, cons, baseline, nil)
	assert.Equal(t, 1, kept)
	assert.Equal(t, reg.S1, a.colors[vi(2)])
	assert.Equal(t, reg.A0, a.colors[vi(1)])
}

func TestCallerSavedConstraints(t *testing.T) {
	g := NewGraph(reg.General)
	g.AddEdge(vi(1), vi(2))
	g.LiveAcrossCalls.Add(vi(1))
	g.LiveAcrossCalls.Add(vi(2))
	m := mustMachine(t, []reg.Reg{reg.A0, reg.S1}, nil)

	a := newAssignment()
	a.colors[vi(1)] = reg.S1
	a.colors[vi(2)] = reg.A0
	cons := callerSavedConstraints(Graphs{g, NewGraph(reg.Float)}, a, m)
	require.Len(t, cons, 1)
	assert.Equal(t, vi(2), cons[0].Reg)
	assert.Equal(t, []reg.Reg{reg.A0}, cons[0].Banned)
}

func TestSortConstraints(t *testing.T) {
	cons := []Constraint{{Reg: vi(3)}, {Reg: vi(1)}, {Reg: vi(2)}}
	got := sortConstraints(cons, SpillCosts{vi(1): 5, vi(2): 9, vi(3): 5})
	assert.Equal(t, []reg.Reg{vi(2), vi(1), vi(3)}, []reg.Reg{got[0].Reg, got[1].Reg, got[2].Reg})
	assert.Equal(t, vi(3), cons[0].Reg, "the input is not reordered")
}
