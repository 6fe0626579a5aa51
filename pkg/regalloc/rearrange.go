package regalloc

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/oleiade/lane"
	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/depq"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
)

// slotSet is a set of spill slots named by their offset.
type slotSet = mapset.Set[int]

func newSlotSet(offs ...int) slotSet { return mapset.NewThreadUnsafeSet(offs...) }

// slotLiveness is register liveness over spill slots: a load reads a slot,
// a store writes it.
type slotLiveness struct {
	in, out  []slotSet
	use, def []slotSet
}

func spillAccess(in *lir.Instr) (int, bool) {
	if in.Slot == nil || in.Slot.Area != lir.AreaSpill {
		return 0, false
	}
	return in.Slot.Offset, in.Kind == lir.LoadStack || in.Kind == lir.StoreStack
}

func analyzeSlots(fn *lir.Function) *slotLiveness {
	n := len(fn.Blocks)
	sl := &slotLiveness{
		in: make([]slotSet, n), out: make([]slotSet, n),
		use: make([]slotSet, n), def: make([]slotSet, n),
	}
	queue := lane.NewQueue()
	queued := make([]bool, n)
	for bi, b := range fn.Blocks {
		use, def := newSlotSet(), newSlotSet()
		for _, in := range b.Instrs {
			off, ok := spillAccess(in)
			if !ok {
				continue
			}
			if in.Kind == lir.LoadStack && !def.Contains(off) {
				use.Add(off)
			}
			if in.Kind == lir.StoreStack {
				def.Add(off)
			}
		}
		sl.use[bi], sl.def[bi] = use, def
		sl.in[bi], sl.out[bi] = use.Clone(), newSlotSet()
		if use.Cardinality() > 0 {
			queue.Enqueue(bi)
			queued[bi] = true
		}
	}
	for !queue.Empty() {
		bi := queue.Dequeue().(int)
		queued[bi] = false
		for _, p := range fn.Blocks[bi].Preds {
			before := sl.out[p].Cardinality()
			sl.out[p] = sl.out[p].Union(sl.in[bi])
			if sl.out[p].Cardinality() == before {
				continue
			}
			in := sl.use[p].Union(sl.out[p].Difference(sl.def[p]))
			if in.Cardinality() == sl.in[p].Cardinality() {
				continue
			}
			sl.in[p] = in
			if !queued[p] {
				queue.Enqueue(p)
				queued[p] = true
			}
		}
	}
	return sl
}

// conflicts returns which slots are live at the same time.
func (sl *slotLiveness) conflicts(fn *lir.Function) map[int]slotSet {
	edges := make(map[int]slotSet)
	touch := func(o int) slotSet {
		if edges[o] == nil {
			edges[o] = newSlotSet()
		}
		return edges[o]
	}
	for bi, b := range fn.Blocks {
		live := sl.out[bi].Clone()
		for i := len(b.Instrs) - 1; i >= 0; i-- {
			off, ok := spillAccess(b.Instrs[i])
			if !ok {
				continue
			}
			touch(off)
			if b.Instrs[i].Kind == lir.StoreStack {
				for _, l := range live.ToSlice() {
					if l != off {
						touch(off).Add(l)
						touch(l).Add(off)
					}
				}
				live.Remove(off)
			} else {
				live.Add(off)
			}
		}
	}
	if len(fn.Blocks) > 0 {
		entry := sl.in[0].ToSlice()
		sort.Ints(entry)
		for i, a := range entry {
			for _, b := range entry[i+1:] {
				touch(a).Add(b)
				touch(b).Add(a)
			}
		}
	}
	return edges
}

// RearrangeStack reassigns the spill-area offsets of a rewritten function:
// slots are placed by descending loop-weighted access count at the lowest
// offset that overlaps no interfering slot, so non-interfering slots fold
// together and hot slots get small offsets. Instructions, stat.SpillSlots,
// stat.StackSize and stat.BBStackSizes are updated.
func RearrangeStack(fn *lir.Function, stat *FuncAllocStat, loopWeight int) error {
	weights := BlockWeights(fn, loopWeight)
	freq := make(map[int]int64)
	size := make(map[int]int)
	fn.EachInstr(func(b, _ int, in *lir.Instr) {
		off, ok := spillAccess(in)
		if !ok {
			return
		}
		freq[off] += weights[b]
		if in.Slot.Size > size[off] {
			size[off] = in.Slot.Size
		}
	})
	if len(freq) == 0 {
		stat.StackSize = 0
		return nil
	}

	sl := analyzeSlots(fn)
	edges := sl.conflicts(fn)

	offs := make([]int, 0, len(freq))
	for o := range freq {
		offs = append(offs, o)
	}
	sort.Ints(offs)
	q := depq.New[int]()
	for i, o := range offs {
		q.Push(o, freq[o], i)
	}

	moved := make(map[int]int, len(offs))
	for q.Len() > 0 {
		old, _, _ := q.PopMax()
		moved[old] = lowestFree(old, size, edges[old], moved)
	}

	top := 0
	for old, o := range moved {
		if end := o + size[old]; end > top {
			top = end
		}
	}
	for old, nbrs := range edges {
		for _, n := range nbrs.ToSlice() {
			if overlaps(moved[old], size[old], moved[n], size[n]) {
				return errors.Wrapf(ErrSlotConflict, "%s: slots %d and %d", fn.Name, old, n)
			}
		}
	}

	// Block sizes are computed while live sets and instructions still name
	// slots by their old offsets.
	stat.BBStackSizes = make(map[int]int, len(fn.Blocks))
	for bi, b := range fn.Blocks {
		touched := sl.in[bi].Union(sl.out[bi])
		for _, in := range b.Instrs {
			if off, ok := spillAccess(in); ok {
				touched.Add(off)
			}
		}
		high := 0
		for _, o := range touched.ToSlice() {
			if end := moved[o] + size[o]; end > high {
				high = end
			}
		}
		stat.BBStackSizes[bi] = high
	}

	fn.EachInstr(func(_, _ int, in *lir.Instr) {
		if off, ok := spillAccess(in); ok {
			in.Slot.Offset = moved[off]
		}
	})
	for id, s := range stat.SpillSlots {
		if o, ok := moved[s.Offset]; ok {
			s.Offset = o
			stat.SpillSlots[id] = s
		}
	}
	stat.StackSize = alignUp(top, 8)
	return nil
}

// lowestFree returns the lowest offset aligned to the slot's size that
// overlaps none of the already placed slots it conflicts with.
func lowestFree(old int, size map[int]int, conflicts slotSet, placed map[int]int) int {
	sz := size[old]
	var taken [][2]int
	if conflicts != nil {
		for _, n := range conflicts.ToSlice() {
			if o, ok := placed[n]; ok {
				taken = append(taken, [2]int{o, o + size[n]})
			}
		}
	}
	sort.Slice(taken, func(i, j int) bool { return taken[i][0] < taken[j][0] })
	off := 0
	for {
		clash := false
		for _, t := range taken {
			if off < t[1] && t[0] < off+sz {
				off = alignUp(t[1], sz)
				clash = true
				break
			}
		}
		if !clash {
			return off
		}
	}
}

func overlaps(a, as, b, bs int) bool {
	return a < b+bs && b < a+as
}
