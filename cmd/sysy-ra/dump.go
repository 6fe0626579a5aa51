package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/callconv"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/regalloc"
)

// withoutReserved drops the registers liveness forces live everywhere.
func withoutReserved(s reg.Set) reg.Set {
	out := reg.NewSet()
	for _, r := range reg.Sorted(s) {
		if !r.Reserved() {
			out.Add(r)
		}
	}
	return out
}

func dumpLiveness(w io.Writer, prog *lir.Program) error {
	for _, fn := range prog.Functions {
		if err := fn.BuildCFG(); err != nil {
			return err
		}
		regalloc.AnalyzeLiveness(fn)
		fmt.Fprintf(w, "func %s\n", fn.Name)
		for _, b := range fn.Blocks {
			fmt.Fprintf(w, "  %s: in %s out %s\n", b.Label,
				reg.FormatSet(withoutReserved(b.LiveIn)), reg.FormatSet(withoutReserved(b.LiveOut)))
		}
	}
	return nil
}

func dumpInterference(w io.Writer, prog *lir.Program, opts regalloc.Options) error {
	for _, fn := range prog.Functions {
		if err := fn.BuildCFG(); err != nil {
			return err
		}
		gs, err := regalloc.BuildGraphs(fn, regalloc.AnalyzeLiveness(fn), opts.Machine)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "func %s\n", fn.Name)
		for _, g := range gs {
			if g.Nodes.Cardinality() == 0 {
				continue
			}
			fmt.Fprintf(w, "  %s:\n", g.Class)
			for _, n := range reg.Sorted(g.Nodes) {
				adj := g.Edges[n]
				if adj == nil {
					adj = reg.NewSet()
				}
				fmt.Fprintf(w, "    %s: %s", n, reg.FormatSet(adj))
				if g.LiveAcrossCalls.Contains(n) {
					fmt.Fprint(w, " (across call)")
				}
				fmt.Fprintln(w)
			}
		}
	}
	return nil
}

func dumpAlloc(w io.Writer, prog *lir.Program, stats map[string]*regalloc.FuncAllocStat) error {
	for _, fn := range prog.Functions {
		fmt.Fprintf(w, "func %s\n%s", fn.Name, stats[fn.Name])
	}
	return nil
}

func dumpSlots(w io.Writer, prog *lir.Program, stats map[string]*regalloc.FuncAllocStat) error {
	for _, fn := range prog.Functions {
		s := stats[fn.Name]
		fmt.Fprintf(w, "func %s: spill area %d\n", fn.Name, s.StackSize)
		ids := make([]int, 0, len(s.SpillSlots))
		for id := range s.SpillSlots {
			ids = append(ids, id)
		}
		sort.Ints(ids)
		for _, id := range ids {
			slot := s.SpillSlots[id]
			fmt.Fprintf(w, "  r%d: [%d, %d)\n", id, slot.Offset, slot.Offset+slot.Size)
		}
		blocks := make([]int, 0, len(s.BBStackSizes))
		for bi := range s.BBStackSizes {
			blocks = append(blocks, bi)
		}
		sort.Ints(blocks)
		for _, bi := range blocks {
			fmt.Fprintf(w, "  block %s: %d\n", fn.Blocks[bi].Label, s.BBStackSizes[bi])
		}
	}
	return nil
}

func dumpConv(w io.Writer, prog *lir.Program, an *callconv.Analysis, layouts map[string]*callconv.Layout) error {
	fmt.Fprint(w, an)
	for _, fn := range prog.Functions {
		fmt.Fprintf(w, "%s: %s\n", fn.Name, layouts[fn.Name])
	}
	return nil
}
