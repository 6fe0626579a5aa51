package regalloc

import (
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/diag"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

func printFunc(fn *lir.Function) string {
	var sb strings.Builder
	lir.NewPrinter(&sb).PrintFunction(fn)
	return sb.String()
}

func TestAllocateProperties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fn := genFunction(t)
		m := smallMachine(t)
		opts := testOptions(m)
		opts.Coalesce = rapid.Bool().Draw(t, "coalesce")
		opts.AvoidCallerSaved = rapid.Bool().Draw(t, "avoidCallerSaved")

		stat, err := AllocateFunction(fn, opts)
		if err != nil {
			t.Fatalf("allocate: %v", err)
		}
		for _, r := range fn.VirtualRegs() {
			_, colored := stat.Color(r)
			if colored == stat.Spilled(r) {
				t.Fatalf("%s: colored=%v spilled=%v", r, colored, stat.Spilled(r))
			}
		}
		for id, col := range stat.Dstr {
			if !m.Allocatable(reg.Phys(col)) {
				t.Fatalf("r%d got non-allocatable %s", id, reg.Phys(col))
			}
		}

		if err := Rewrite(fn, stat, opts); err != nil {
			t.Fatalf("rewrite: %v", err)
		}
		scratch := reg.NewSet(append(reg.Scratch(reg.General), reg.Scratch(reg.Float)...)...)
		fn.EachInstr(func(_, _ int, in *lir.Instr) {
			for _, r := range append(append([]reg.Reg{}, in.Defs...), in.Uses...) {
				switch {
				case r.IsVirtual():
					t.Fatalf("%s: virtual register left", in)
				case r.Reserved() && !scratch.Contains(r):
					t.Fatalf("%s: reserved %s handed out", in, r)
				}
			}
			if in.Slot != nil && in.Slot.Offset+in.Slot.Size > stat.StackSize {
				t.Fatalf("%s: slot outside the %d-byte spill area", in, stat.StackSize)
			}
		})
	})
}

func TestAllocateDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		fn := genFunction(t)
		opts := testOptions(smallMachine(t))
		a, b := fn.Clone(), fn.Clone()
		sa, err := AllocateFunction(a, opts)
		if err != nil {
			t.Fatal(err)
		}
		sb, err := AllocateFunction(b, opts)
		if err != nil {
			t.Fatal(err)
		}
		if diff := cmp.Diff(sa.String(), sb.String()); diff != "" {
			t.Fatalf("results differ (-first +second):\n%s", diff)
		}
		if diff := cmp.Diff(printFunc(a), printFunc(b)); diff != "" {
			t.Fatalf("coalesced code differs:\n%s", diff)
		}
	})
}

func TestAllocatePhysicalOnlyIsIdentity(t *testing.T) {
	fn := mustFunc(t, `func f
entry:
  li a0, 1
  mv a1, a0
  call g(a0, a1) -> a0
  ret a0
end
`)
	before := printFunc(fn)
	opts := DefaultOptions()
	stat, err := AllocateFunction(fn, opts)
	require.NoError(t, err)
	assert.Empty(t, stat.Dstr)
	assert.Equal(t, 0, stat.NumSpills())
	assert.Equal(t, 0, stat.StackSize)

	require.NoError(t, Rewrite(fn, stat, opts))
	assert.Equal(t, before, printFunc(fn))
}

func TestAllocateProgram(t *testing.T) {
	prog, err := lir.ParseString(`extern putint
func a
entry:
  li vi1, 1
  mv a0, vi1
  call putint(a0)
  ret
end
func b
entry:
  li vi1, 2
  li vi2, 3
  add vi3, vi1, vi2
  mv a0, vi3
  ret a0
end
func c
entry:
  call b() -> a0
  ret a0
end
`)
	require.NoError(t, err)
	opts := DefaultOptions()
	opts.Jobs = 2
	opts.Diag = diag.NewCollector(nil)

	stats, err := AllocateProgram(context.Background(), prog, opts)
	require.NoError(t, err)
	assert.Len(t, stats, 3)
	for _, name := range []string{"a", "b", "c"} {
		require.Contains(t, stats, name)
		assert.Equal(t, 0, stats[name].NumSpills())
	}
	assert.Equal(t, 0, opts.Diag.Total("spills"))

	require.NoError(t, RewriteProgram(prog, stats, opts))
	for _, fn := range prog.Functions {
		assert.Empty(t, fn.VirtualRegs(), fn.Name)
	}
}

func TestAllocateProgramCancelled(t *testing.T) {
	prog, err := lir.ParseString(chainSrc)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = AllocateProgram(ctx, prog, DefaultOptions())
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAllocateProgramReportsFunction(t *testing.T) {
	bad := lir.NewFunction("bad")
	bad.AddBlock("entry", &lir.Instr{Op: "j", Kind: lir.Jump, Targets: []string{"nowhere"}})
	prog := &lir.Program{Functions: []*lir.Function{bad}}

	_, err := AllocateProgram(context.Background(), prog, DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allocating bad")
	assert.True(t, errors.Is(err, lir.ErrUnknownLabel))
}

func TestRewriteProgramMissingResult(t *testing.T) {
	prog, err := lir.ParseString(chainSrc)
	require.NoError(t, err)
	err = RewriteProgram(prog, map[string]*FuncAllocStat{}, DefaultOptions())
	var ie *InvariantError
	assert.True(t, errors.As(err, &ie))
}

func TestAllocateTrace(t *testing.T) {
	fn := mustFunc(t, loopSrc)
	opts := DefaultOptions()
	opts.Diag = diag.NewCollector(nil)
	_, err := AllocateFunction(fn, opts)
	require.NoError(t, err)

	sink := opts.Diag.Lookup("sum")
	require.NotNil(t, sink)
	text := sink.Text()
	assert.Contains(t, text, "general graph: 2 nodes")
	assert.Contains(t, text, "baseline: 2 colored, 0 spilled")
	assert.Contains(t, text, "spills: 0\n")
	assert.Nil(t, opts.Diag.Lookup("nope"))
}
