package lir

import (
	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

var (
	// ErrBlockOutOfRange is returned when a block index does not name a
	// block of the function.
	ErrBlockOutOfRange = errors.New("block index out of range")
	// ErrUnknownLabel is returned when a branch targets a label that no
	// block carries.
	ErrUnknownLabel = errors.New("unknown block label")
	// ErrUnknownFunction is returned when a program has no function of the
	// requested name.
	ErrUnknownFunction = errors.New("unknown function")
)

// Block is a basic block. The four liveness sets are written by the
// liveness analyzer and are nil until it has run.
type Block struct {
	Label  string
	Instrs []*Instr
	Preds  []int
	Succs  []int

	LiveIn  reg.Set
	LiveOut reg.Set
	LiveUse reg.Set
	LiveDef reg.Set
}

// Terminator returns the last instruction of the block, or nil.
func (b *Block) Terminator() *Instr {
	if len(b.Instrs) == 0 {
		return nil
	}
	return b.Instrs[len(b.Instrs)-1]
}

// Function is a list of basic blocks; block 0 is the entry.
type Function struct {
	Name   string
	Blocks []*Block
	// LocalSize is the size in bytes of the local-variable area the IR
	// builder reserved.
	LocalSize int

	nextVirtual int
}

// NewFunction returns an empty function.
func NewFunction(name string) *Function {
	return &Function{Name: name}
}

// NewVirtual creates a fresh virtual register of the given class. Ids are
// unique within the function across both classes.
func (f *Function) NewVirtual(c reg.Class) reg.Reg {
	r := reg.NewVirtual(c, f.nextVirtual)
	f.nextVirtual++
	return r
}

// NoteVirtual makes sure later NewVirtual calls never return r's id.
func (f *Function) NoteVirtual(r reg.Reg) {
	if r.IsVirtual() && r.ID() >= f.nextVirtual {
		f.nextVirtual = r.ID() + 1
	}
}

// AddBlock appends a block and returns its index.
func (f *Function) AddBlock(label string, instrs ...*Instr) int {
	f.Blocks = append(f.Blocks, &Block{Label: label, Instrs: instrs})
	for _, in := range instrs {
		for _, r := range in.Defs {
			f.NoteVirtual(r)
		}
		for _, r := range in.Uses {
			f.NoteVirtual(r)
		}
	}
	return len(f.Blocks) - 1
}

// Block returns block i.
func (f *Function) Block(i int) (*Block, error) {
	if i < 0 || i >= len(f.Blocks) {
		return nil, errors.Wrapf(ErrBlockOutOfRange, "%s: block %d of %d", f.Name, i, len(f.Blocks))
	}
	return f.Blocks[i], nil
}

// BlockIndex returns the index of the block with the given label.
func (f *Function) BlockIndex(label string) (int, error) {
	for i, b := range f.Blocks {
		if b.Label == label {
			return i, nil
		}
	}
	return -1, errors.Wrapf(ErrUnknownLabel, "%s: %q", f.Name, label)
}

// BuildCFG recomputes predecessor and successor edges from branch targets
// and fall-through.
func (f *Function) BuildCFG() error {
	for _, b := range f.Blocks {
		b.Preds, b.Succs = nil, nil
	}
	for i, b := range f.Blocks {
		seen := make(map[int]bool)
		addEdge := func(to int) {
			if seen[to] {
				return
			}
			seen[to] = true
			b.Succs = append(b.Succs, to)
			f.Blocks[to].Preds = append(f.Blocks[to].Preds, i)
		}
		for _, in := range b.Instrs {
			for _, l := range in.Targets {
				to, err := f.BlockIndex(l)
				if err != nil {
					return err
				}
				addEdge(to)
			}
		}
		term := b.Terminator()
		if (term == nil || !term.Kind.IsTerminator()) && i+1 < len(f.Blocks) {
			addEdge(i + 1)
		}
	}
	return nil
}

// Exits returns the indices of blocks ending in a return.
func (f *Function) Exits() []int {
	var out []int
	for i, b := range f.Blocks {
		if t := b.Terminator(); t != nil && t.Kind == Return {
			out = append(out, i)
		}
	}
	return out
}

// InvalidateLiveness drops every block's liveness sets. Passes that rewrite
// instructions call it so stale sets are never read.
func (f *Function) InvalidateLiveness() {
	for _, b := range f.Blocks {
		b.LiveIn, b.LiveOut, b.LiveUse, b.LiveDef = nil, nil, nil, nil
	}
}

// VirtualRegs returns every virtual register referenced by an instruction,
// sorted.
func (f *Function) VirtualRegs() []reg.Reg {
	s := reg.NewSet()
	f.EachInstr(func(_ int, _ int, in *Instr) {
		for _, r := range in.Defs {
			if r.IsVirtual() {
				s.Add(r)
			}
		}
		for _, r := range in.Uses {
			if r.IsVirtual() {
				s.Add(r)
			}
		}
	})
	return reg.Sorted(s)
}

// EachInstr calls fn for every instruction in block order.
func (f *Function) EachInstr(fn func(b, i int, in *Instr)) {
	for bi, b := range f.Blocks {
		for ii, in := range b.Instrs {
			fn(bi, ii, in)
		}
	}
}

// ReplaceReg rewrites every operand old into new across the function.
func (f *Function) ReplaceReg(old, new reg.Reg) {
	f.EachInstr(func(_, _ int, in *Instr) { in.ReplaceReg(old, new) })
	f.InvalidateLiveness()
}

// RemoveInstrs deletes the instructions for which drop returns true and
// reports how many were removed.
func (f *Function) RemoveInstrs(drop func(*Instr) bool) int {
	n := 0
	for _, b := range f.Blocks {
		kept := b.Instrs[:0]
		for _, in := range b.Instrs {
			if drop(in) {
				n++
				continue
			}
			kept = append(kept, in)
		}
		for i := len(kept); i < len(b.Instrs); i++ {
			b.Instrs[i] = nil
		}
		b.Instrs = kept
	}
	if n > 0 {
		f.InvalidateLiveness()
	}
	return n
}

// Clone returns a deep copy of the function without liveness sets.
func (f *Function) Clone() *Function {
	c := &Function{Name: f.Name, LocalSize: f.LocalSize, nextVirtual: f.nextVirtual}
	for _, b := range f.Blocks {
		nb := &Block{
			Label: b.Label,
			Preds: append([]int(nil), b.Preds...),
			Succs: append([]int(nil), b.Succs...),
		}
		for _, in := range b.Instrs {
			nb.Instrs = append(nb.Instrs, in.Clone())
		}
		c.Blocks = append(c.Blocks, nb)
	}
	return c
}
