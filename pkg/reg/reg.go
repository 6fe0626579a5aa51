// Package reg defines the register model shared by every backend pass:
// virtual registers created during lowering and the fixed RISC-V register file.
package reg

import (
	"fmt"
	"math"
	"sort"
)

// Class is a register class. Registers of different classes never interfere.
type Class uint8

const (
	General Class = iota
	Float
)

// Classes lists every register class in a fixed order.
var Classes = []Class{General, Float}

func (c Class) String() string {
	switch c {
	case General:
		return "general"
	case Float:
		return "float"
	}
	return fmt.Sprintf("class(%d)", uint8(c))
}

// Kind tells virtual and physical registers apart.
type Kind uint8

const (
	Virtual Kind = iota
	Physical
)

// NumPhysical is the number of physical registers (x0-x31, f0-f31).
const NumPhysical = 64

// Reg identifies a register. It is a small comparable value and is used
// directly as a map key; adjacency and assignment maps are keyed by Reg
// rather than by pointers.
type Reg struct {
	id    int32
	kind  Kind
	class Class
}

// NewVirtual returns the virtual register with the given id and class.
// Callers normally go through lir.Function.NewVirtual so ids stay unique.
func NewVirtual(class Class, id int) Reg {
	if id < 0 || id > math.MaxInt32 {
		panic(fmt.Sprintf("reg: virtual id %d out of range", id))
	}
	return Reg{id: int32(id), kind: Virtual, class: class}
}

// Phys returns the physical register with the given id (0-63).
// Ids 0-31 are the integer registers, 32-63 the float registers.
func Phys(id int) Reg {
	if id < 0 || id >= NumPhysical {
		panic(fmt.Sprintf("reg: physical id %d out of range", id))
	}
	c := General
	if id >= 32 {
		c = Float
	}
	return Reg{id: int32(id), kind: Physical, class: c}
}

// X returns integer register xN.
func X(n int) Reg { return Phys(n) }

// F returns float register fN.
func F(n int) Reg { return Phys(32 + n) }

// ID returns the numeric id. For physical registers this is also the color.
func (r Reg) ID() int { return int(r.id) }

// Class returns the register class.
func (r Reg) Class() Class { return r.class }

// Kind returns whether r is virtual or physical.
func (r Reg) Kind() Kind { return r.kind }

// IsVirtual reports whether r is a virtual register.
func (r Reg) IsVirtual() bool { return r.kind == Virtual }

// IsPhysical reports whether r is a physical register.
func (r Reg) IsPhysical() bool { return r.kind == Physical }

// Color returns the color of a physical register, or -1 for virtual ones.
func (r Reg) Color() int {
	if r.kind != Physical {
		return -1
	}
	return int(r.id)
}

// CallerSaved reports whether r is a caller-saved physical register.
func (r Reg) CallerSaved() bool {
	return r.kind == Physical && attrs[r.id]&attrCallerSaved != 0
}

// CalleeSaved reports whether r is a callee-saved physical register.
func (r Reg) CalleeSaved() bool {
	return r.kind == Physical && attrs[r.id]&attrCalleeSaved != 0
}

// Reserved reports whether r is never handed out by the allocator
// (zero, ra, sp, gp, tp, fp and the spill scratch registers).
func (r Reg) Reserved() bool {
	return r.kind == Physical && attrs[r.id]&attrReserved != 0
}

func (r Reg) String() string {
	if r.kind == Physical {
		return abiNames[r.id]
	}
	if r.class == Float {
		return fmt.Sprintf("vf%d", r.id)
	}
	return fmt.Sprintf("vi%d", r.id)
}

// Less orders registers: physical before virtual, then by class and id.
func Less(a, b Reg) bool {
	if a.kind != b.kind {
		return a.kind == Physical
	}
	if a.class != b.class {
		return a.class < b.class
	}
	return a.id < b.id
}

// Less reports whether r orders before o; see the package-level Less.
func (r Reg) Less(o Reg) bool { return Less(r, o) }

// Sort sorts regs in place using Less.
func Sort(regs []Reg) {
	sort.Slice(regs, func(i, j int) bool { return Less(regs[i], regs[j]) })
}
