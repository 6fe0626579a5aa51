package regalloc

import (
	"github.com/oleiade/lane"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// maxLoopDepth caps the nesting depth used for weighting.
const maxLoopDepth = 6

// maxSpillCost keeps costs small enough for depq priorities.
const maxSpillCost = 1 << 30

// LoopDepths returns the loop nesting depth of every block. Loops are the
// natural loops of the back edges found by a depth-first walk from the
// entry; loops sharing a header count once.
func LoopDepths(fn *lir.Function) []int {
	n := len(fn.Blocks)
	depth := make([]int, n)
	if n == 0 {
		return depth
	}

	type frame struct {
		block int
		next  int
	}
	const (
		unvisited = iota
		onStack
		done
	)
	state := make([]int, n)
	// header -> sources of back edges into it
	latches := make(map[int][]int)
	var headers []int

	stack := lane.NewStack()
	stack.Push(&frame{block: 0})
	state[0] = onStack
	for !stack.Empty() {
		f := stack.Head().(*frame)
		succs := fn.Blocks[f.block].Succs
		if f.next == len(succs) {
			state[f.block] = done
			stack.Pop()
			continue
		}
		s := succs[f.next]
		f.next++
		switch state[s] {
		case unvisited:
			state[s] = onStack
			stack.Push(&frame{block: s})
		case onStack:
			if _, ok := latches[s]; !ok {
				headers = append(headers, s)
			}
			latches[s] = append(latches[s], f.block)
		}
	}

	for _, h := range headers {
		body := make([]bool, n)
		body[h] = true
		work := lane.NewStack()
		for _, l := range latches[h] {
			if !body[l] {
				body[l] = true
				work.Push(l)
			}
		}
		for !work.Empty() {
			b := work.Pop().(int)
			for _, p := range fn.Blocks[b].Preds {
				if !body[p] {
					body[p] = true
					work.Push(p)
				}
			}
		}
		for i, in := range body {
			if in {
				depth[i]++
			}
		}
	}
	return depth
}

// SpillCosts is the estimated cost of keeping each register in memory.
type SpillCosts map[reg.Reg]int64

// BlockWeights returns weight^depth for every block, depth capped.
func BlockWeights(fn *lir.Function, weight int) []int64 {
	depths := LoopDepths(fn)
	out := make([]int64, len(depths))
	for i, d := range depths {
		if d > maxLoopDepth {
			d = maxLoopDepth
		}
		w := int64(1)
		for j := 0; j < d; j++ {
			w *= int64(weight)
		}
		out[i] = w
	}
	return out
}

// ComputeSpillCosts sums, for each virtual register, the loop weight of
// every instruction that reads or writes it.
func ComputeSpillCosts(fn *lir.Function, weight int) SpillCosts {
	weights := BlockWeights(fn, weight)
	costs := make(SpillCosts)
	fn.EachInstr(func(b, _ int, in *lir.Instr) {
		for _, r := range in.Defs {
			if r.IsVirtual() {
				costs.add(r, weights[b])
			}
		}
		for _, r := range in.Uses {
			if r.IsVirtual() {
				costs.add(r, weights[b])
			}
		}
	})
	return costs
}

func (c SpillCosts) add(r reg.Reg, w int64) {
	v := c[r] + w
	if v > maxSpillCost {
		v = maxSpillCost
	}
	c[r] = v
}

// Merge adds drop's cost to keep's and forgets drop.
func (c SpillCosts) Merge(keep, drop reg.Reg) {
	c.add(keep, c[drop])
	delete(c, drop)
}

// Clone returns a copy of the cost table.
func (c SpillCosts) Clone() SpillCosts {
	out := make(SpillCosts, len(c))
	for r, v := range c {
		out[r] = v
	}
	return out
}

// Occurrences counts how many operands name each virtual register.
func Occurrences(fn *lir.Function) map[reg.Reg]int {
	out := make(map[reg.Reg]int)
	fn.EachInstr(func(_, _ int, in *lir.Instr) {
		for _, r := range in.Defs {
			if r.IsVirtual() {
				out[r]++
			}
		}
		for _, r := range in.Uses {
			if r.IsVirtual() {
				out[r]++
			}
		}
	})
	return out
}
