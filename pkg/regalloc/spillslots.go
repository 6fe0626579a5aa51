package regalloc

import (
	"math/bits"
	"sort"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// stat converts a coloring into an allocation result without slots.
func (a *assignment) stat() *FuncAllocStat {
	s := NewFuncAllocStat()
	for _, r := range sortedColors(a) {
		s.Dstr[r.ID()] = a.colors[r].ID()
	}
	for _, r := range a.spilled.ToSlice() {
		s.Spillings.Add(r.ID())
	}
	return s
}

// SlotInterference returns, for the registers in regs, which of them are
// live at the same time. Unlike the coloring graphs it spans both classes,
// since spills of either class share one stack area.
func SlotInterference(fn *lir.Function, live *Liveness, regs reg.Set) (map[reg.Reg]reg.Set, error) {
	edges := make(map[reg.Reg]reg.Set)
	for _, r := range regs.ToSlice() {
		edges[r] = reg.NewSet()
	}
	add := func(a, b reg.Reg) {
		if a == b || !regs.Contains(a) || !regs.Contains(b) {
			return
		}
		edges[a].Add(b)
		edges[b].Add(a)
	}
	for bi := range fn.Blocks {
		err := live.Walk(bi, func(_ int, in *lir.Instr, liveAfter reg.Set) {
			for i, d := range in.Defs {
				if !regs.Contains(d) {
					continue
				}
				for _, l := range liveAfter.ToSlice() {
					add(d, l)
				}
				for _, d2 := range in.Defs[i+1:] {
					add(d, d2)
				}
			}
		})
		if err != nil {
			return nil, err
		}
	}
	if len(fn.Blocks) > 0 {
		entry := reg.Sorted(fn.Blocks[0].LiveIn)
		for i, a := range entry {
			for _, b := range entry[i+1:] {
				add(a, b)
			}
		}
	}
	return edges, nil
}

type spillSlot struct {
	offset  int
	size    int
	members []reg.Reg
}

// AssignSpillSlots gives every spilled register of stat a slot in the spill
// area, sharing a slot between spills that are never live together. Spills
// are placed by occurrence count, in power-of-two buckets, most used
// first. live must describe fn as it is now.
func AssignSpillSlots(fn *lir.Function, live *Liveness, stat *FuncAllocStat) error {
	byID := make(map[int]reg.Reg)
	for _, r := range fn.VirtualRegs() {
		byID[r.ID()] = r
	}
	spilled := reg.NewSet()
	for _, id := range stat.Spillings.ToSlice() {
		if r, ok := byID[id]; ok {
			spilled.Add(r)
		}
	}

	inter, err := SlotInterference(fn, live, spilled)
	if err != nil {
		return err
	}

	occ := Occurrences(fn)
	buckets := make(map[int][]reg.Reg)
	var keys []int
	for _, r := range reg.Sorted(spilled) {
		k := bits.Len(uint(occ[r]))
		if _, ok := buckets[k]; !ok {
			keys = append(keys, k)
		}
		buckets[k] = append(buckets[k], r)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(keys)))

	var slots []*spillSlot
	top := 0
	for _, k := range keys {
		for _, r := range buckets[k] {
			need := lir.SlotSize(r.Class())
			s := reusable(slots, inter[r], need)
			if s == nil {
				off := alignUp(top, need)
				s = &spillSlot{offset: off, size: need}
				slots = append(slots, s)
				top = off + need
			}
			s.members = append(s.members, r)
			stat.SpillSlots[r.ID()] = lir.StackRef{Area: lir.AreaSpill, Offset: s.offset, Size: need}
		}
	}
	stat.StackSize = alignUp(top, 8)
	stat.BBStackSizes = blockStackSizes(fn, spilled, stat)
	return nil
}

func reusable(slots []*spillSlot, conflicts reg.Set, need int) *spillSlot {
	for _, s := range slots {
		if s.size < need {
			continue
		}
		clash := false
		for _, m := range s.members {
			if conflicts.Contains(m) {
				clash = true
				break
			}
		}
		if !clash {
			return s
		}
	}
	return nil
}

// blockStackSizes returns, per block, the end of the highest slot used by a
// spilled register referenced in or live through the block.
func blockStackSizes(fn *lir.Function, spilled reg.Set, stat *FuncAllocStat) map[int]int {
	out := make(map[int]int, len(fn.Blocks))
	for bi, b := range fn.Blocks {
		touched := reg.NewSet()
		if b.LiveIn != nil {
			touched = touched.Union(b.LiveIn).Union(b.LiveOut)
		}
		for _, in := range b.Instrs {
			touched.Append(in.Defs...)
			touched.Append(in.Uses...)
		}
		high := 0
		for _, r := range touched.Intersect(spilled).ToSlice() {
			s := stat.SpillSlots[r.ID()]
			if end := s.Offset + s.Size; end > high {
				high = end
			}
		}
		out[bi] = high
	}
	return out
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
