package regalloc

import (
	"github.com/oleiade/lane"
	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// Liveness is the result of AnalyzeLiveness. The per-block sets live on the
// blocks themselves; Liveness adds per-instruction queries on top of them.
type Liveness struct {
	fn *lir.Function
}

// AnalyzeLiveness computes LiveUse, LiveDef, LiveIn and LiveOut for every
// block of fn. The registers in reg.ForcedLive are added to every block's
// LiveIn and LiveOut so nothing downstream ever treats them as free.
func AnalyzeLiveness(fn *lir.Function) *Liveness {
	for _, b := range fn.Blocks {
		computeUseDef(b)
		b.LiveIn = b.LiveUse.Clone()
		b.LiveOut = reg.NewSet()
	}

	// Blocks with an upward-exposed use are the only ones that can make a
	// predecessor's live-out grow, so they seed the work list.
	queue := lane.NewQueue()
	queued := make([]bool, len(fn.Blocks))
	for i, b := range fn.Blocks {
		if b.LiveUse.Cardinality() > 0 {
			queue.Enqueue(i)
			queued[i] = true
		}
	}

	for !queue.Empty() {
		i := queue.Dequeue().(int)
		queued[i] = false
		b := fn.Blocks[i]
		for _, p := range b.Preds {
			pb := fn.Blocks[p]
			before := pb.LiveOut.Cardinality()
			pb.LiveOut = pb.LiveOut.Union(b.LiveIn)
			if pb.LiveOut.Cardinality() == before {
				continue
			}
			in := pb.LiveUse.Union(pb.LiveOut.Difference(pb.LiveDef))
			if in.Cardinality() == pb.LiveIn.Cardinality() {
				continue
			}
			pb.LiveIn = in
			if !queued[p] {
				queue.Enqueue(p)
				queued[p] = true
			}
		}
	}

	forced := reg.NewSet(reg.ForcedLive()...)
	for _, b := range fn.Blocks {
		b.LiveIn = b.LiveIn.Union(forced)
		b.LiveOut = b.LiveOut.Union(forced)
	}
	return &Liveness{fn: fn}
}

// computeUseDef fills in the registers a block reads before writing them
// and the registers it writes.
func computeUseDef(b *lir.Block) {
	use, def := reg.NewSet(), reg.NewSet()
	for _, in := range b.Instrs {
		for _, r := range in.Uses {
			if !def.Contains(r) {
				use.Add(r)
			}
		}
		for _, r := range in.Defs {
			def.Add(r)
		}
	}
	b.LiveUse, b.LiveDef = use, def
}

// Function returns the analyzed function.
func (l *Liveness) Function() *lir.Function { return l.fn }

// Walk visits the instructions of block bi from last to first. live holds
// the registers live right after the instruction; visit must not keep it.
func (l *Liveness) Walk(bi int, visit func(i int, in *lir.Instr, live reg.Set)) error {
	b, err := l.fn.Block(bi)
	if err != nil {
		return err
	}
	if b.LiveOut == nil {
		return errors.Errorf("%s: liveness of block %d was invalidated", l.fn.Name, bi)
	}
	live := b.LiveOut.Clone()
	for i := len(b.Instrs) - 1; i >= 0; i-- {
		in := b.Instrs[i]
		visit(i, in, live)
		for _, r := range in.Defs {
			live.Remove(r)
		}
		for _, r := range in.Uses {
			live.Add(r)
		}
	}
	return nil
}

// LiveAfter returns the registers live right after instruction i of block bi.
func (l *Liveness) LiveAfter(bi, i int) (reg.Set, error) {
	b, err := l.fn.Block(bi)
	if err != nil {
		return nil, err
	}
	if i < 0 || i >= len(b.Instrs) {
		return nil, errors.Wrapf(lir.ErrBlockOutOfRange, "%s: instruction %d of block %d", l.fn.Name, i, bi)
	}
	var out reg.Set
	err = l.Walk(bi, func(j int, _ *lir.Instr, live reg.Set) {
		if j == i {
			out = live.Clone()
		}
	})
	return out, err
}

// LiveAcross returns the registers that stay live across a call: live after
// it and not written by it.
func LiveAcross(in *lir.Instr, liveAfter reg.Set) reg.Set {
	out := liveAfter.Clone()
	for _, r := range in.Defs {
		out.Remove(r)
	}
	return out
}
