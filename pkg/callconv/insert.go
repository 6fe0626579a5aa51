package callconv

import (
	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

type siteKey struct{ block, index int }

// InsertSaveRestore materializes the frame of fn: the prologue allocates the
// frame and stores ra and the callee-saved registers, every return restores
// them and releases the frame, and every call site stores the registers in
// its Save list before the call and reloads them after it.
//
// Call sites are matched by position, so fn must not have changed since an
// was computed.
func InsertSaveRestore(fn *lir.Function, an *Analysis, layout *Layout) error {
	if len(fn.Blocks) == 0 {
		return nil
	}
	sites := make(map[siteKey]CallSite)
	for _, s := range an.Sites[fn.Name] {
		if s.Block >= len(fn.Blocks) || s.Index >= len(fn.Blocks[s.Block].Instrs) {
			return errors.Wrapf(lir.ErrBlockOutOfRange, "%s: call site %d:%d", fn.Name, s.Block, s.Index)
		}
		if in := fn.Blocks[s.Block].Instrs[s.Index]; in.Kind != lir.Call || in.Callee != s.Callee {
			return errors.Errorf("%s: call site %d:%d is %q, want a call to %s", fn.Name, s.Block, s.Index, in, s.Callee)
		}
		sites[siteKey{s.Block, s.Index}] = s
	}

	for bi, b := range fn.Blocks {
		var out []*lir.Instr
		if bi == 0 {
			out = append(out, prologue(layout)...)
		}
		for i, in := range b.Instrs {
			s, isSite := sites[siteKey{bi, i}]
			switch {
			case isSite:
				slots, _ := saveSlots(s.Save)
				for _, r := range s.Save {
					out = append(out, lir.NewStoreStack(r, callerSlot(r, slots)))
				}
				out = append(out, in)
				for _, r := range s.Save {
					out = append(out, lir.NewLoadStack(r, callerSlot(r, slots)))
				}
			case in.Kind == lir.Return:
				out = append(out, epilogue(layout)...)
				out = append(out, in)
			default:
				out = append(out, in)
			}
		}
		b.Instrs = out
	}
	fn.InvalidateLiveness()
	return nil
}

func callerSlot(r reg.Reg, slots map[reg.Reg]int) lir.StackRef {
	return lir.StackRef{Area: lir.AreaCallerSave, Offset: slots[r], Size: lir.SlotSize(r.Class())}
}

func adjustSP(n int) *lir.Instr {
	return &lir.Instr{Op: "addi", Defs: []reg.Reg{reg.SP}, Uses: []reg.Reg{reg.SP}, Imm: int64(n), HasImm: true}
}

func prologue(l *Layout) []*lir.Instr {
	var out []*lir.Instr
	if l.TotalSize > 0 {
		out = append(out, adjustSP(-l.TotalSize))
	}
	for _, r := range l.CalleeSaved {
		slot, _ := l.CalleeSlot(r)
		out = append(out, lir.NewStoreStack(r, slot))
	}
	return out
}

// epilogue restores in the reverse order of the prologue.
func epilogue(l *Layout) []*lir.Instr {
	var out []*lir.Instr
	for i := len(l.CalleeSaved) - 1; i >= 0; i-- {
		r := l.CalleeSaved[i]
		slot, _ := l.CalleeSlot(r)
		out = append(out, lir.NewLoadStack(r, slot))
	}
	if l.TotalSize > 0 {
		out = append(out, adjustSP(l.TotalSize))
	}
	return out
}

// InsertProgram lays out and materializes the frame of every function of
// prog. spillSizes holds the spill-area size of each function.
func InsertProgram(prog *lir.Program, an *Analysis, spillSizes map[string]int) (map[string]*Layout, error) {
	layouts := make(map[string]*Layout, len(prog.Functions))
	for _, fn := range prog.Functions {
		l := ComputeLayout(fn, spillSizes[fn.Name], an)
		if err := InsertSaveRestore(fn, an, l); err != nil {
			return nil, errors.Wrapf(err, "frame of %s", fn.Name)
		}
		layouts[fn.Name] = l
	}
	return layouts, nil
}
