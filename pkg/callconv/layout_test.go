package callconv

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

const frameSrc = `func f locals=12
entry:
  li s1, 2
  li a1, 7
  call g() -> a0
  add a0, a0, a1
  add a0, a0, s1
  ret a0
end
func g
entry:
  li a1, 3
  li a0, 1
  ret a0
end
`

func TestAlignUp(t *testing.T) {
	tests := []struct {
		n, align, want int
	}{
		{0, 8, 0},
		{1, 8, 8},
		{8, 8, 8},
		{9, 8, 16},
		{17, 16, 32},
		{3, 4, 4},
	}
	for _, tt := range tests {
		if got := alignUp(tt.n, tt.align); got != tt.want {
			t.Errorf("alignUp(%d, %d) = %d, want %d", tt.n, tt.align, got, tt.want)
		}
	}
}

func TestComputeLayoutLeaf(t *testing.T) {
	prog := mustProgram(t, frameSrc)
	an := mustAnalyze(t, prog)
	g, err := prog.Func("g")
	require.NoError(t, err)

	l := ComputeLayout(g, 0, an)
	assert.Empty(t, l.CalleeSaved)
	assert.Equal(t, 0, l.TotalSize)
}

func TestComputeLayout(t *testing.T) {
	prog := mustProgram(t, frameSrc)
	an := mustAnalyze(t, prog)
	f, err := prog.Func("f")
	require.NoError(t, err)

	l := ComputeLayout(f, 12, an)
	assert.Equal(t, 16, l.LocalSize)
	assert.Equal(t, 16, l.SpillSize)
	assert.Equal(t, 8, l.CallerSaveSize)
	assert.Equal(t, 16, l.CalleeSaveSize)
	assert.Equal(t, 0, l.LocalOffset)
	assert.Equal(t, 16, l.SpillOffset)
	assert.Equal(t, 32, l.CallerSaveOffset)
	assert.Equal(t, 40, l.CalleeSaveOffset)
	assert.Equal(t, 64, l.TotalSize)
	assert.Equal(t, 0, l.TotalSize%stackAlignment)
	assert.Equal(t, []reg.Reg{reg.RA, reg.S1}, l.CalleeSaved)

	ra, ok := l.CalleeSlot(reg.RA)
	require.True(t, ok)
	assert.Equal(t, 40, l.Offset(ra))
	s1, ok := l.CalleeSlot(reg.S1)
	require.True(t, ok)
	assert.Equal(t, 48, l.Offset(s1))
	_, ok = l.CalleeSlot(reg.S2)
	assert.False(t, ok)

	assert.Equal(t, 20, l.Offset(lir.StackRef{Area: lir.AreaSpill, Offset: 4, Size: 4}))
	assert.Equal(t, 8, l.Offset(lir.StackRef{Area: lir.AreaLocal, Offset: 8, Size: 8}))
	assert.Equal(t, 32, l.Offset(lir.StackRef{Area: lir.AreaCallerSave, Size: 8}))
}

func TestSaveSlotsPacksClasses(t *testing.T) {
	slots, size := saveSlots([]reg.Reg{reg.FA0, reg.A0, reg.FS0})
	assert.Equal(t, map[reg.Reg]int{reg.FA0: 0, reg.A0: 8, reg.FS0: 16}, slots)
	assert.Equal(t, 24, size)
}

func TestInsertSaveRestore(t *testing.T) {
	prog := mustProgram(t, frameSrc)
	an := mustAnalyze(t, prog)
	layouts, err := InsertProgram(prog, an, nil)
	require.NoError(t, err)
	assert.Equal(t, 48, layouts["f"].TotalSize)

	f, err := prog.Func("f")
	require.NoError(t, err)
	want := []string{
		"addi sp, sp, -48",
		"sd.cs ra, 0",
		"sd.cs s1, 8",
		"li s1, 2",
		"li a1, 7",
		"sd.cr a1, 0",
		"call g() -> a0",
		"ld.cr a1, 0",
		"add a0, a0, a1",
		"add a0, a0, s1",
		"ld.cs s1, 8",
		"ld.cs ra, 0",
		"addi sp, sp, 48",
		"ret a0",
	}
	assert.Equal(t, want, instrStrings(f))
	assert.Nil(t, f.Blocks[0].LiveIn)

	g, err := prog.Func("g")
	require.NoError(t, err)
	assert.Equal(t, []string{"li a1, 3", "li a0, 1", "ret a0"}, instrStrings(g))
}

func TestInsertSaveRestoreEveryReturn(t *testing.T) {
	prog := mustProgram(t, `func f
entry:
  li s1, 1
  beqz a0, other
next:
  ret a0
other:
  mv a0, s1
  ret a0
end
`)
	an := mustAnalyze(t, prog)
	f := prog.Functions[0]
	l := ComputeLayout(f, 0, an)
	require.NoError(t, InsertSaveRestore(f, an, l))

	assert.Equal(t, []reg.Reg{reg.S1}, l.CalleeSaved)
	assert.Equal(t, "addi sp, sp, -16", f.Blocks[0].Instrs[0].String())
	assert.Equal(t, "sd.cs s1, 0", f.Blocks[0].Instrs[1].String())
	for _, b := range f.Blocks[1:] {
		n := len(b.Instrs)
		assert.Equal(t, "ld.cs s1, 0", b.Instrs[n-3].String(), b.Label)
		assert.Equal(t, "addi sp, sp, 16", b.Instrs[n-2].String(), b.Label)
		assert.Equal(t, lir.Return, b.Instrs[n-1].Kind, b.Label)
	}
}

func TestInsertSaveRestoreStaleSites(t *testing.T) {
	prog := mustProgram(t, clobberSrc)
	an := mustAnalyze(t, prog)
	f := prog.Functions[0]
	an.Sites["f"][0].Index = 7
	err := InsertSaveRestore(f, an, ComputeLayout(f, 0, an))
	require.Error(t, err)
	assert.True(t, errors.Is(err, lir.ErrBlockOutOfRange))

	an.Sites["f"][0].Index = 0
	err = InsertSaveRestore(f, an, ComputeLayout(f, 0, an))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "want a call to g")
}
