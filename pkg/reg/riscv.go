package reg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// RISC-V integer registers by ABI name.
var (
	Zero = X(0)
	RA   = X(1)
	SP   = X(2)
	GP   = X(3)
	TP   = X(4)
	T0   = X(5)
	T1   = X(6)
	T2   = X(7)
	FP   = X(8) // s0
	S1   = X(9)
	A0   = X(10)
	A1   = X(11)
	A7   = X(17)
	S2   = X(18)
	S11  = X(27)
	T3   = X(28)
	T6   = X(31)

	FT0 = F(0)
	FT1 = F(1)
	FS0 = F(8)
	FA0 = F(10)
	FA7 = F(17)
)

const (
	attrCallerSaved uint8 = 1 << iota
	attrCalleeSaved
	attrReserved
)

var (
	abiNames [NumPhysical]string
	attrs    [NumPhysical]uint8
	byName   = make(map[string]Reg, 2*NumPhysical)
)

func init() {
	intNames := []string{
		"zero", "ra", "sp", "gp", "tp", "t0", "t1", "t2",
		"s0", "s1", "a0", "a1", "a2", "a3", "a4", "a5",
		"a6", "a7", "s2", "s3", "s4", "s5", "s6", "s7",
		"s8", "s9", "s10", "s11", "t3", "t4", "t5", "t6",
	}
	for i, n := range intNames {
		abiNames[i] = n
		byName[n] = X(i)
		byName[fmt.Sprintf("x%d", i)] = X(i)
		abiNames[32+i] = floatName(i)
		byName[floatName(i)] = F(i)
		byName[fmt.Sprintf("f%d", i)] = F(i)
	}
	byName["fp"] = FP

	for i := 0; i < 32; i++ {
		switch {
		case i == 1, i >= 5 && i <= 7, i >= 10 && i <= 17, i >= 28:
			attrs[i] |= attrCallerSaved
		case i == 8 || i == 9 || (i >= 18 && i <= 27):
			attrs[i] |= attrCalleeSaved
		}
		switch {
		case i <= 7, i >= 10 && i <= 17, i >= 28:
			attrs[32+i] |= attrCallerSaved
		default:
			attrs[32+i] |= attrCalleeSaved
		}
	}
	for _, r := range []Reg{Zero, RA, SP, GP, TP, FP, T0, T1, FT0, FT1} {
		attrs[r.id] |= attrReserved
	}
}

func floatName(i int) string {
	switch {
	case i <= 7:
		return fmt.Sprintf("ft%d", i)
	case i <= 9:
		return fmt.Sprintf("fs%d", i-8)
	case i <= 17:
		return fmt.Sprintf("fa%d", i-10)
	case i <= 27:
		return fmt.Sprintf("fs%d", i-16)
	}
	return fmt.Sprintf("ft%d", i-20)
}

// Parse parses a register name: an ABI name (a0, fs1), a raw name (x5, f12)
// or a virtual register (vi3, vf7).
func Parse(s string) (Reg, error) {
	if r, ok := byName[s]; ok {
		return r, nil
	}
	var class Class
	switch {
	case strings.HasPrefix(s, "vi"):
		class = General
	case strings.HasPrefix(s, "vf"):
		class = Float
	default:
		return Reg{}, errors.Errorf("unknown register %q", s)
	}
	// Ids are stored in 32 bits; anything wider would alias a smaller id.
	n, err := strconv.ParseInt(s[2:], 10, 32)
	if err != nil || n < 0 {
		return Reg{}, errors.Errorf("bad virtual register %q", s)
	}
	return NewVirtual(class, int(n)), nil
}

// ForcedLive returns the reserved registers that liveness keeps live
// everywhere so nothing ever reassigns them.
func ForcedLive() []Reg {
	return []Reg{SP, FP, RA, GP, TP, T0, T1, FT0, FT1}
}

// Scratch returns the reserved scratch registers of a class used by
// spill code, in order.
func Scratch(c Class) []Reg {
	if c == Float {
		return []Reg{FT0, FT1}
	}
	return []Reg{T0, T1}
}

// CallerSavedRegs returns every caller-saved, non-reserved register of a class.
func CallerSavedRegs(c Class) []Reg {
	var out []Reg
	for id := 0; id < NumPhysical; id++ {
		r := Phys(id)
		if r.Class() == c && r.CallerSaved() && !r.Reserved() {
			out = append(out, r)
		}
	}
	return out
}

// CalleeSavedRegs returns every callee-saved, non-reserved register of a class.
func CalleeSavedRegs(c Class) []Reg {
	var out []Reg
	for id := 0; id < NumPhysical; id++ {
		r := Phys(id)
		if r.Class() == c && r.CalleeSaved() && !r.Reserved() {
			out = append(out, r)
		}
	}
	return out
}
