package callconv

import (
	"fmt"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

const stackAlignment = 16

// RISC-V frame layout, offsets from the new sp:
//
//	+---------------------------+  <- old sp
//	| ra, callee-saved regs     |  CalleeSaveOffset
//	| caller-save area          |  CallerSaveOffset
//	| spill area                |  SpillOffset
//	| locals                    |  LocalOffset = 0
//	+---------------------------+  <- sp (16-byte aligned)
//
// Stack instructions name an area and an offset inside it; Offset resolves
// them against the frame.

// Layout is the concrete frame of one function.
type Layout struct {
	LocalSize      int
	SpillSize      int
	CallerSaveSize int
	CalleeSaveSize int

	LocalOffset      int
	SpillOffset      int
	CallerSaveOffset int
	CalleeSaveOffset int

	// CalleeSaved lists the registers the prologue stores, ra first for
	// functions that make calls.
	CalleeSaved []reg.Reg
	calleeSlots map[reg.Reg]int

	// TotalSize is what the prologue subtracts from sp.
	TotalSize int
}

// ComputeLayout lays out the frame of fn. spillSize is the spill-area size
// from allocation.
func ComputeLayout(fn *lir.Function, spillSize int, an *Analysis) *Layout {
	l := &Layout{calleeSlots: make(map[reg.Reg]int)}
	l.LocalSize = alignUp(fn.LocalSize, 8)
	l.SpillSize = alignUp(spillSize, 8)
	for _, s := range an.Sites[fn.Name] {
		if _, size := saveSlots(s.Save); size > l.CallerSaveSize {
			l.CallerSaveSize = size
		}
	}

	if !an.Leaf[fn.Name] {
		l.CalleeSaved = append(l.CalleeSaved, reg.RA)
	}
	l.CalleeSaved = append(l.CalleeSaved, reg.Sorted(an.CalleeRegsToSave[fn.Name])...)
	var size int
	l.calleeSlots, size = saveSlots(l.CalleeSaved)
	l.CalleeSaveSize = alignUp(size, 8)

	l.LocalOffset = 0
	l.SpillOffset = l.LocalOffset + l.LocalSize
	l.CallerSaveOffset = l.SpillOffset + l.SpillSize
	l.CalleeSaveOffset = l.CallerSaveOffset + l.CallerSaveSize
	l.TotalSize = alignUp(l.CalleeSaveOffset+l.CalleeSaveSize, stackAlignment)
	return l
}

// saveSlots packs regs one after the other, each aligned to its own size,
// and returns their offsets and the packed size.
func saveSlots(regs []reg.Reg) (map[reg.Reg]int, int) {
	slots := make(map[reg.Reg]int, len(regs))
	off := 0
	for _, r := range regs {
		sz := lir.SlotSize(r.Class())
		off = alignUp(off, sz)
		slots[r] = off
		off += sz
	}
	return slots, alignUp(off, 8)
}

// CalleeSlot returns where the prologue keeps r.
func (l *Layout) CalleeSlot(r reg.Reg) (lir.StackRef, bool) {
	off, ok := l.calleeSlots[r]
	if !ok {
		return lir.StackRef{}, false
	}
	return lir.StackRef{Area: lir.AreaCalleeSave, Offset: off, Size: lir.SlotSize(r.Class())}, true
}

// Offset returns the sp-relative offset of a stack reference.
func (l *Layout) Offset(ref lir.StackRef) int {
	switch ref.Area {
	case lir.AreaSpill:
		return l.SpillOffset + ref.Offset
	case lir.AreaCallerSave:
		return l.CallerSaveOffset + ref.Offset
	case lir.AreaCalleeSave:
		return l.CalleeSaveOffset + ref.Offset
	default:
		return l.LocalOffset + ref.Offset
	}
}

func (l *Layout) String() string {
	return fmt.Sprintf("frame %d: locals %d@%d, spill %d@%d, caller-save %d@%d, callee-save %d@%d %s",
		l.TotalSize,
		l.LocalSize, l.LocalOffset,
		l.SpillSize, l.SpillOffset,
		l.CallerSaveSize, l.CallerSaveOffset,
		l.CalleeSaveSize, l.CalleeSaveOffset,
		reg.FormatSet(reg.NewSet(l.CalleeSaved...)))
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
