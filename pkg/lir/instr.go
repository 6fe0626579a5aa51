// Package lir is the linear, RISC-V shaped IR the backend allocates registers
// for: instructions over virtual and physical registers, grouped into basic
// blocks, grouped into functions.
package lir

import (
	"fmt"
	"strings"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// Kind is the closed set of instruction shapes the backend distinguishes.
type Kind uint8

const (
	Ordinary Kind = iota
	Move
	Call
	LoadStack
	StoreStack
	Branch
	Jump
	Return
)

func (k Kind) String() string {
	switch k {
	case Ordinary:
		return "ordinary"
	case Move:
		return "move"
	case Call:
		return "call"
	case LoadStack:
		return "load-stack"
	case StoreStack:
		return "store-stack"
	case Branch:
		return "branch"
	case Jump:
		return "jump"
	case Return:
		return "return"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// IsTerminator reports whether control never falls through past k.
func (k Kind) IsTerminator() bool { return k == Jump || k == Return }

// Area is the region of the stack frame a stack access addresses.
type Area uint8

const (
	AreaSpill Area = iota
	AreaLocal
	AreaCalleeSave
	AreaCallerSave
)

var areaSuffix = [...]string{"s", "l", "cs", "cr"}

func (a Area) String() string {
	if int(a) < len(areaSuffix) {
		return areaSuffix[a]
	}
	return fmt.Sprintf("area(%d)", uint8(a))
}

// StackRef addresses Size bytes at Offset inside an Area of the frame.
type StackRef struct {
	Area   Area
	Offset int
	Size   int
}

// Instr is one instruction. The allocator only looks at Kind, the register
// operands, Callee and Slot; Op and Imm are carried through untouched.
type Instr struct {
	Op      string
	Kind    Kind
	Defs    []reg.Reg
	Uses    []reg.Reg
	Imm     int64
	HasImm  bool
	Sym     string
	Callee  string
	Slot    *StackRef
	Targets []string
}

// RegUse returns the set of registers read by the instruction.
func (in *Instr) RegUse() reg.Set { return reg.NewSet(in.Uses...) }

// RegDef returns the set of registers written by the instruction.
func (in *Instr) RegDef() reg.Set { return reg.NewSet(in.Defs...) }

// IsCopy reports whether the instruction is a register-to-register copy
// between two registers of the same class.
func (in *Instr) IsCopy() bool {
	return in.Kind == Move && len(in.Defs) == 1 && len(in.Uses) == 1 &&
		in.Defs[0].Class() == in.Uses[0].Class()
}

// IsSelfCopy reports whether the instruction copies a register onto itself.
func (in *Instr) IsSelfCopy() bool {
	return in.IsCopy() && in.Defs[0] == in.Uses[0]
}

// ReplaceReg rewrites every operand equal to old into new and reports
// whether anything changed.
func (in *Instr) ReplaceReg(old, new reg.Reg) bool {
	changed := false
	for i, r := range in.Defs {
		if r == old {
			in.Defs[i] = new
			changed = true
		}
	}
	for i, r := range in.Uses {
		if r == old {
			in.Uses[i] = new
			changed = true
		}
	}
	return changed
}

// MapRegs rewrites every operand through f.
func (in *Instr) MapRegs(f func(reg.Reg) reg.Reg) {
	for i, r := range in.Defs {
		in.Defs[i] = f(r)
	}
	for i, r := range in.Uses {
		in.Uses[i] = f(r)
	}
}

// Clone returns a deep copy of the instruction.
func (in *Instr) Clone() *Instr {
	c := *in
	c.Defs = append([]reg.Reg(nil), in.Defs...)
	c.Uses = append([]reg.Reg(nil), in.Uses...)
	c.Targets = append([]string(nil), in.Targets...)
	if in.Slot != nil {
		s := *in.Slot
		c.Slot = &s
	}
	return &c
}

func (in *Instr) String() string {
	var sb strings.Builder
	sb.WriteString(in.Op)
	switch in.Kind {
	case Call:
		fmt.Fprintf(&sb, " %s(%s)", in.Callee, joinRegs(in.Uses))
		if len(in.Defs) > 0 {
			fmt.Fprintf(&sb, " -> %s", joinRegs(in.Defs))
		}
		return sb.String()
	case LoadStack:
		fmt.Fprintf(&sb, " %s, %d", joinRegs(in.Defs), in.Slot.Offset)
		return sb.String()
	case StoreStack:
		fmt.Fprintf(&sb, " %s, %d", joinRegs(in.Uses), in.Slot.Offset)
		return sb.String()
	}

	var ops []string
	for _, r := range in.Defs {
		ops = append(ops, r.String())
	}
	for _, r := range in.Uses {
		ops = append(ops, r.String())
	}
	if in.HasImm {
		ops = append(ops, fmt.Sprintf("%d", in.Imm))
	}
	if in.Sym != "" {
		ops = append(ops, in.Sym)
	}
	ops = append(ops, in.Targets...)
	if len(ops) > 0 {
		sb.WriteByte(' ')
		sb.WriteString(strings.Join(ops, ", "))
	}
	return sb.String()
}

func joinRegs(regs []reg.Reg) string {
	parts := make([]string, len(regs))
	for i, r := range regs {
		parts[i] = r.String()
	}
	return strings.Join(parts, ", ")
}

// NewMove builds a copy dst <- src using the move mnemonic of the class.
func NewMove(dst, src reg.Reg) *Instr {
	op := "mv"
	if dst.Class() == reg.Float {
		op = "fmv.s"
	}
	return &Instr{Op: op, Kind: Move, Defs: []reg.Reg{dst}, Uses: []reg.Reg{src}}
}

// NewLoadStack builds a load of r from a frame slot.
func NewLoadStack(r reg.Reg, slot StackRef) *Instr {
	return &Instr{Op: stackOp(true, r.Class(), slot.Area), Kind: LoadStack, Defs: []reg.Reg{r}, Slot: &slot}
}

// NewStoreStack builds a store of r into a frame slot.
func NewStoreStack(r reg.Reg, slot StackRef) *Instr {
	return &Instr{Op: stackOp(false, r.Class(), slot.Area), Kind: StoreStack, Uses: []reg.Reg{r}, Slot: &slot}
}

// SlotSize is the number of bytes a spilled register of a class occupies.
func SlotSize(c reg.Class) int {
	if c == reg.Float {
		return 4
	}
	return 8
}

func stackOp(load bool, c reg.Class, a Area) string {
	var base string
	switch {
	case load && c == reg.Float:
		base = "flw"
	case load:
		base = "ld"
	case c == reg.Float:
		base = "fsw"
	default:
		base = "sd"
	}
	return base + "." + a.String()
}
