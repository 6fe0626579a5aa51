package reg

import (
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Set is a set of registers.
//
// Sets built by NewSet are not safe for concurrent use. Every function is
// allocated by a single goroutine and owns all of its sets.
type Set = mapset.Set[Reg]

// NewSet returns an unsynchronized set holding regs.
func NewSet(regs ...Reg) Set {
	return mapset.NewThreadUnsafeSet(regs...)
}

// Sorted returns the members of s ordered by Less.
func Sorted(s Set) []Reg {
	if s == nil {
		return nil
	}
	out := s.ToSlice()
	Sort(out)
	return out
}

// FormatSet renders a set as "{a0, vi3}" in sorted order.
func FormatSet(s Set) string {
	regs := Sorted(s)
	parts := make([]string, len(regs))
	for i, r := range regs {
		parts[i] = r.String()
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
