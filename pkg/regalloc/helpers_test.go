package regalloc

import (
	"fmt"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// tb is what the helpers need from either *testing.T or *rapid.T.
type tb interface {
	require.TestingT
	Helper()
}

func vi(n int) reg.Reg { return reg.NewVirtual(reg.General, n) }
func vf(n int) reg.Reg { return reg.NewVirtual(reg.Float, n) }

// mustFunc parses a program and returns its first function.
func mustFunc(t tb, src string) *lir.Function {
	t.Helper()
	prog, err := lir.ParseString(src)
	require.NoError(t, err)
	require.NotEmpty(t, prog.Functions)
	return prog.Functions[0]
}

func mustMachine(t tb, general, float []reg.Reg) *reg.Machine {
	t.Helper()
	m, err := reg.NewMachine(general, float)
	require.NoError(t, err)
	return m
}

// smallMachine has few enough colors that generated functions spill.
func smallMachine(t tb) *reg.Machine {
	return mustMachine(t,
		[]reg.Reg{reg.A0, reg.A1, reg.X(12), reg.S1, reg.S2},
		[]reg.Reg{reg.FA0, reg.F(11), reg.FS0})
}

func testOptions(m *reg.Machine) Options {
	opts := DefaultOptions()
	opts.Machine = m
	return opts
}

// genFunction draws a random three-block function with a loop: entry
// defines every register, the loop body reads and writes them, and exit
// returns one. Registers whose id is 4 mod 5 are float. Bodies mix copies,
// two-source ops, three-source float ops and calls passing virtual
// arguments of both classes.
func genFunction(t *rapid.T) *lir.Function {
	nregs := rapid.IntRange(2, 24).Draw(t, "nregs")
	regOf := func(id int) reg.Reg {
		if id%5 == 4 {
			return vf(id)
		}
		return vi(id)
	}
	var all []reg.Reg
	var byClass [2][]reg.Reg
	for id := 0; id < nregs; id++ {
		r := regOf(id)
		all = append(all, r)
		byClass[r.Class()] = append(byClass[r.Class()], r)
	}
	pick := func(label string, c reg.Class) reg.Reg {
		return rapid.SampledFrom(byClass[c]).Draw(t, label)
	}
	body := func(prefix string) []*lir.Instr {
		var out []*lir.Instr
		n := rapid.IntRange(0, 20).Draw(t, prefix+"len")
		for i := 0; i < n; i++ {
			label := fmt.Sprintf("%s%d", prefix, i)
			c := reg.General
			if nregs >= 5 && rapid.IntRange(0, 4).Draw(t, label+"class") == 0 {
				c = reg.Float
			}
			switch rapid.IntRange(0, 4).Draw(t, label+"kind") {
			case 0:
				out = append(out, lir.NewMove(pick(label+"d", c), pick(label+"s", c)))
			case 1:
				uses := []reg.Reg{reg.A0}
				nargs := rapid.IntRange(0, 3).Draw(t, label+"nargs")
				for j := 0; j < nargs; j++ {
					uses = append(uses, rapid.SampledFrom(all).Draw(t, fmt.Sprintf("%sarg%d", label, j)))
				}
				out = append(out,
					lir.NewMove(reg.A0, pick(label+"a0", reg.General)),
					&lir.Instr{Op: "call", Kind: lir.Call, Callee: "g", Uses: uses, Defs: []reg.Reg{reg.A0}},
					lir.NewMove(pick(label+"res", reg.General), reg.A0))
			case 2:
				if c == reg.Float {
					out = append(out, &lir.Instr{Op: "fmadd.s", Kind: lir.Ordinary,
						Defs: []reg.Reg{pick(label+"d", c)},
						Uses: []reg.Reg{pick(label+"a", c), pick(label+"b", c), pick(label+"c", c)}})
					continue
				}
				fallthrough
			default:
				op := "add"
				if c == reg.Float {
					op = "fadd.s"
				}
				out = append(out, &lir.Instr{Op: op, Kind: lir.Ordinary,
					Defs: []reg.Reg{pick(label+"d", c)},
					Uses: []reg.Reg{pick(label+"a", c), pick(label+"b", c)}})
			}
		}
		return out
	}

	fn := lir.NewFunction("gen")
	var entry []*lir.Instr
	for id := 0; id < nregs; id++ {
		r := regOf(id)
		op := "li"
		if r.Class() == reg.Float {
			op = "fcvt.s.w"
		}
		entry = append(entry, &lir.Instr{Op: op, Kind: lir.Ordinary, Defs: []reg.Reg{r}, Imm: int64(id), HasImm: true})
	}
	fn.AddBlock("entry", entry...)
	loop := body("loop")
	loop = append(loop, &lir.Instr{Op: "bnez", Kind: lir.Branch,
		Uses: []reg.Reg{pick("cond", reg.General)}, Targets: []string{"loop"}})
	fn.AddBlock("loop", loop...)
	exit := body("exit")
	exit = append(exit, &lir.Instr{Op: "ret", Kind: lir.Return, Uses: []reg.Reg{pick("ret", reg.General)}})
	fn.AddBlock("exit", exit...)
	if err := fn.BuildCFG(); err != nil {
		t.Fatalf("cfg: %v", err)
	}
	return fn
}

// instrStrings renders every instruction of fn in order.
func instrStrings(fn *lir.Function) []string {
	var out []string
	fn.EachInstr(func(_, _ int, in *lir.Instr) {
		out = append(out, in.String())
	})
	return out
}
