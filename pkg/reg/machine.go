package reg

import (
	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// Machine describes which physical registers the allocator may hand out.
// The order of each color list is the preference order used when a register
// has several free colors.
type Machine struct {
	colors [2][]Reg
	mask   [2]*bitset.BitSet
}

// NewMachine builds a Machine from per-class color lists. Reserved registers,
// duplicates and registers of the wrong class are rejected.
func NewMachine(general, float []Reg) (*Machine, error) {
	m := &Machine{}
	for ci, list := range [2][]Reg{general, float} {
		c := Class(ci)
		m.mask[ci] = bitset.New(NumPhysical)
		for _, r := range list {
			switch {
			case !r.IsPhysical():
				return nil, errors.Errorf("machine: %s is not a physical register", r)
			case r.Class() != c:
				return nil, errors.Errorf("machine: %s listed as %s color", r, c)
			case r.Reserved():
				return nil, errors.Errorf("machine: %s is reserved", r)
			case m.mask[ci].Test(uint(r.ID())):
				return nil, errors.Errorf("machine: %s listed twice", r)
			}
			m.mask[ci].Set(uint(r.ID()))
			m.colors[ci] = append(m.colors[ci], r)
		}
	}
	return m, nil
}

// DefaultMachine returns the RV64 register file with every non-reserved
// register allocatable: 24 general and 30 float colors.
func DefaultMachine() *Machine {
	var general, float []Reg
	for _, c := range Classes {
		for _, r := range CallerSavedRegs(c) {
			if c == General {
				general = append(general, r)
			} else {
				float = append(float, r)
			}
		}
		for _, r := range CalleeSavedRegs(c) {
			if c == General {
				general = append(general, r)
			} else {
				float = append(float, r)
			}
		}
	}
	// ra is caller-saved but reserved, so it never reaches the lists.
	m, err := NewMachine(general, float)
	if err != nil {
		panic(err)
	}
	return m
}

// Colors returns the allocatable registers of a class in preference order.
func (m *Machine) Colors(c Class) []Reg { return m.colors[c] }

// NumColors returns the number of allocatable registers of a class.
func (m *Machine) NumColors(c Class) int { return len(m.colors[c]) }

// Allocatable reports whether r is a color the allocator may assign.
func (m *Machine) Allocatable(r Reg) bool {
	return r.IsPhysical() && m.mask[r.Class()].Test(uint(r.ID()))
}

// ColorMask returns the set of allocatable color ids of a class.
// The returned bitset must not be modified.
func (m *Machine) ColorMask(c Class) *bitset.BitSet { return m.mask[c] }
