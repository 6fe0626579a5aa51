// Package callconv computes what an allocated program must save around
// calls and in prologues, lays out stack frames, and inserts the save and
// restore code. It runs after register allocation, on physical code.
package callconv

import (
	"fmt"
	"sort"
	"strings"

	"github.com/oleiade/lane"
	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/regalloc"
)

// ErrNotAllocated is returned when a function still names virtual registers.
var ErrNotAllocated = errors.New("function still has virtual registers")

// CallSite is one call instruction and the caller-saved registers that are
// live across it and may be clobbered by the callee.
type CallSite struct {
	Block  int
	Index  int
	Callee string
	Save   []reg.Reg
}

// Analysis is the save/restore convention of a whole program.
type Analysis struct {
	// CallerRegsToSave maps a callee to the caller-saved registers some
	// caller keeps live across a call to it.
	CallerRegsToSave map[string]reg.Set
	// CalleeRegsToSave maps a function to the callee-saved registers it
	// writes, itself or through the functions it calls.
	CalleeRegsToSave map[string]reg.Set
	// Clobbers maps a function to the caller-saved registers a call to it
	// may overwrite.
	Clobbers map[string]reg.Set
	// Sites lists the call sites of every function in program order.
	Sites map[string][]CallSite
	// Leaf records the functions that make no call.
	Leaf map[string]bool
}

// Analyze computes the convention of prog. Every function must be fully
// allocated. Externs, and callees that are not defined in prog, clobber
// every caller-saved register.
func Analyze(prog *lir.Program) (*Analysis, error) {
	an := &Analysis{
		CallerRegsToSave: make(map[string]reg.Set),
		CalleeRegsToSave: make(map[string]reg.Set),
		Clobbers:         make(map[string]reg.Set),
		Sites:            make(map[string][]CallSite),
		Leaf:             make(map[string]bool),
	}
	defined := make(map[string]bool, len(prog.Functions))
	for _, fn := range prog.Functions {
		defined[fn.Name] = true
	}
	allCallerSaved := reg.NewSet(append(reg.CallerSavedRegs(reg.General), reg.CallerSavedRegs(reg.Float)...)...)

	for _, fn := range prog.Functions {
		if vs := fn.VirtualRegs(); len(vs) > 0 {
			return nil, errors.Wrapf(ErrNotAllocated, "%s: %s", fn.Name, vs[0])
		}
		clob, callee := reg.NewSet(), reg.NewSet()
		leaf := true
		fn.EachInstr(func(_, _ int, in *lir.Instr) {
			for _, r := range in.Defs {
				switch {
				case r.Reserved():
				case r.CallerSaved():
					clob.Add(r)
				case r.CalleeSaved():
					callee.Add(r)
				}
			}
			if in.Kind == lir.Call {
				leaf = false
				if !defined[in.Callee] {
					clob = clob.Union(allCallerSaved)
				}
			}
		})
		an.Clobbers[fn.Name] = clob
		an.CalleeRegsToSave[fn.Name] = callee
		an.Leaf[fn.Name] = leaf
	}

	propagate(prog, an)

	for _, fn := range prog.Functions {
		if err := an.collectSites(fn, allCallerSaved); err != nil {
			return nil, err
		}
	}
	return an, nil
}

// propagate unions each function's clobber and callee-saved sets into its
// callers until nothing grows. Recursive call chains converge because the
// sets only grow and are bounded by the register file.
func propagate(prog *lir.Program, an *Analysis) {
	callers := make(map[string][]string)
	graph := prog.CallGraph()
	for _, fn := range prog.Functions {
		for _, callee := range lir.SortedNames(graph[fn.Name]) {
			callers[callee] = append(callers[callee], fn.Name)
		}
	}

	work := lane.NewQueue()
	queued := make(map[string]bool)
	for _, fn := range prog.Functions {
		work.Enqueue(fn.Name)
		queued[fn.Name] = true
	}
	for !work.Empty() {
		g := work.Dequeue().(string)
		queued[g] = false
		for _, f := range callers[g] {
			grew := false
			for _, sets := range []map[string]reg.Set{an.Clobbers, an.CalleeRegsToSave} {
				before := sets[f].Cardinality()
				sets[f] = sets[f].Union(sets[g])
				if sets[f].Cardinality() != before {
					grew = true
				}
			}
			if grew && !queued[f] {
				work.Enqueue(f)
				queued[f] = true
			}
		}
	}
}

func (an *Analysis) collectSites(fn *lir.Function, allCallerSaved reg.Set) error {
	if err := fn.BuildCFG(); err != nil {
		return err
	}
	live := regalloc.AnalyzeLiveness(fn)
	var sites []CallSite
	for bi := range fn.Blocks {
		var inBlock []CallSite
		err := live.Walk(bi, func(i int, in *lir.Instr, liveAfter reg.Set) {
			if in.Kind != lir.Call {
				return
			}
			clob, ok := an.Clobbers[in.Callee]
			if !ok {
				clob = allCallerSaved
			}
			var save []reg.Reg
			for _, r := range reg.Sorted(regalloc.LiveAcross(in, liveAfter)) {
				if r.IsPhysical() && r.CallerSaved() && !r.Reserved() && clob.Contains(r) {
					save = append(save, r)
				}
			}
			inBlock = append(inBlock, CallSite{Block: bi, Index: i, Callee: in.Callee, Save: save})
			s, ok := an.CallerRegsToSave[in.Callee]
			if !ok {
				s = reg.NewSet()
				an.CallerRegsToSave[in.Callee] = s
			}
			s.Append(save...)
		})
		if err != nil {
			return err
		}
		// Walk runs backward.
		for i, j := 0, len(inBlock)-1; i < j; i, j = i+1, j-1 {
			inBlock[i], inBlock[j] = inBlock[j], inBlock[i]
		}
		sites = append(sites, inBlock...)
	}
	an.Sites[fn.Name] = sites
	return nil
}

// String renders the analysis deterministically.
func (an *Analysis) String() string {
	var sb strings.Builder
	names := make([]string, 0, len(an.Clobbers))
	for n := range an.Clobbers {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&sb, "func %s", n)
		if an.Leaf[n] {
			sb.WriteString(" (leaf)")
		}
		sb.WriteByte('\n')
		fmt.Fprintf(&sb, "  callee-save: %s\n", reg.FormatSet(an.CalleeRegsToSave[n]))
		fmt.Fprintf(&sb, "  clobbers: %s\n", reg.FormatSet(an.Clobbers[n]))
		for _, s := range an.Sites[n] {
			fmt.Fprintf(&sb, "  call %s at %d:%d saves %s\n", s.Callee, s.Block, s.Index, reg.FormatSet(reg.NewSet(s.Save...)))
		}
	}
	callees := make([]string, 0, len(an.CallerRegsToSave))
	for n := range an.CallerRegsToSave {
		callees = append(callees, n)
	}
	sort.Strings(callees)
	for _, n := range callees {
		fmt.Fprintf(&sb, "caller-save for %s: %s\n", n, reg.FormatSet(an.CallerRegsToSave[n]))
	}
	return sb.String()
}
