package callconv

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/regalloc"
)

func mustProgram(t *testing.T, src string) *lir.Program {
	t.Helper()
	prog, err := lir.ParseString(src)
	require.NoError(t, err)
	return prog
}

func mustAnalyze(t *testing.T, prog *lir.Program) *Analysis {
	t.Helper()
	an, err := Analyze(prog)
	require.NoError(t, err)
	return an
}

func instrStrings(fn *lir.Function) []string {
	var out []string
	fn.EachInstr(func(_, _ int, in *lir.Instr) {
		out = append(out, in.String())
	})
	return out
}

const clobberSrc = `func f
entry:
  li a1, 7
  call g() -> a0
  add a0, a0, a1
  ret a0
end
func g
entry:
  li a1, 3
  li a0, 1
  ret a0
end
`

func TestAnalyzeCallerSaveAcrossClobber(t *testing.T) {
	an := mustAnalyze(t, mustProgram(t, clobberSrc))

	assert.True(t, an.CallerRegsToSave["g"].Contains(reg.A1))
	assert.Equal(t, 1, an.CallerRegsToSave["g"].Cardinality())
	require.Len(t, an.Sites["f"], 1)
	assert.Equal(t, CallSite{Block: 0, Index: 1, Callee: "g", Save: []reg.Reg{reg.A1}}, an.Sites["f"][0])

	assert.True(t, an.Leaf["g"])
	assert.False(t, an.Leaf["f"])
	assert.True(t, an.Clobbers["f"].Contains(reg.A0, reg.A1))
	assert.Equal(t, 0, an.CalleeRegsToSave["f"].Cardinality())
}

func TestAnalyzeAfterAllocation(t *testing.T) {
	prog := mustProgram(t, `func f
entry:
  li vi1, 7
  call g() -> a0
  add a0, a0, vi1
  ret a0
end
func g
entry:
  li a1, 3
  li a0, 1
  ret a0
end
`)
	m, err := reg.NewMachine([]reg.Reg{reg.A0, reg.A1}, nil)
	require.NoError(t, err)
	opts := regalloc.DefaultOptions()
	opts.Machine = m

	stats, err := regalloc.AllocateProgram(context.Background(), prog, opts)
	require.NoError(t, err)
	col, ok := stats["f"].Color(reg.NewVirtual(reg.General, 1))
	require.True(t, ok)
	assert.Equal(t, reg.A1, col, "a0 is written by the call")
	require.NoError(t, regalloc.RewriteProgram(prog, stats, opts))

	an := mustAnalyze(t, prog)
	assert.True(t, an.CallerRegsToSave["g"].Contains(reg.A1))
}

func TestAnalyzeOnlySavesWhatCalleeClobbers(t *testing.T) {
	an := mustAnalyze(t, mustProgram(t, `func f
entry:
  li a1, 7
  call g() -> a0
  add a0, a0, a1
  ret a0
end
func g
entry:
  li a0, 1
  ret a0
end
`))
	require.Len(t, an.Sites["f"], 1)
	assert.Empty(t, an.Sites["f"][0].Save)
	assert.Equal(t, 0, an.CallerRegsToSave["g"].Cardinality())
}

func TestAnalyzeExternClobbersEverything(t *testing.T) {
	an := mustAnalyze(t, mustProgram(t, `extern putint
func f
entry:
  li a1, 7
  call putint(a0)
  mv a0, a1
  ret a0
end
`))
	assert.Equal(t, []reg.Reg{reg.A1}, an.Sites["f"][0].Save)
	assert.True(t, an.CallerRegsToSave["putint"].Contains(reg.A1))
	for _, r := range reg.CallerSavedRegs(reg.General) {
		assert.True(t, an.Clobbers["f"].Contains(r), "%s", r)
	}
	for _, r := range reg.CallerSavedRegs(reg.Float) {
		assert.True(t, an.Clobbers["f"].Contains(r), "%s", r)
	}
	assert.False(t, an.Clobbers["f"].Contains(reg.T0), "scratch registers are reserved")
}

func TestAnalyzeTransitive(t *testing.T) {
	an := mustAnalyze(t, mustProgram(t, `func f
entry:
  li s2, 1
  call g()
  ret
end
func g
entry:
  call h()
  ret
end
func h
entry:
  li s1, 1
  li a7, 2
  ret
end
`))
	for _, name := range []string{"f", "g", "h"} {
		assert.True(t, an.CalleeRegsToSave[name].Contains(reg.S1), name)
		assert.True(t, an.Clobbers[name].Contains(reg.A7), name)
	}
	assert.True(t, an.CalleeRegsToSave["f"].Contains(reg.S2))
	assert.False(t, an.CalleeRegsToSave["g"].Contains(reg.S2))
	assert.True(t, an.Leaf["h"])
	assert.False(t, an.Leaf["g"])
}

func TestAnalyzeRecursion(t *testing.T) {
	an := mustAnalyze(t, mustProgram(t, `func even
entry:
  li s1, 1
  call odd(a0) -> a0
  ret a0
end
func odd
entry:
  li s2, 1
  li a1, 1
  call even(a0) -> a0
  ret a0
end
`))
	for _, name := range []string{"even", "odd"} {
		assert.Equal(t, "{s1, s2}", reg.FormatSet(an.CalleeRegsToSave[name]), name)
		assert.True(t, an.Clobbers[name].Contains(reg.A0, reg.A1), name)
	}
}

func TestAnalyzeRejectsVirtual(t *testing.T) {
	_, err := Analyze(mustProgram(t, `func f
entry:
  li vi1, 1
  ret vi1
end
`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotAllocated))
	assert.Contains(t, err.Error(), "f: vi1")
}

func TestAnalyzeString(t *testing.T) {
	an := mustAnalyze(t, mustProgram(t, clobberSrc))
	want := `func f
  callee-save: {}
  clobbers: {a0, a1}
  call g at 0:1 saves {a1}
func g (leaf)
  callee-save: {}
  clobbers: {a0, a1}
caller-save for g: {a1}
`
	assert.Equal(t, want, an.String())
}
