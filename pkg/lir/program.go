package lir

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"
)

// Program is a translation unit: defined functions plus the names of
// external functions (runtime library calls such as putint).
type Program struct {
	Functions []*Function
	Externs   []string
}

// Func returns the function with the given name.
func (p *Program) Func(name string) (*Function, error) {
	for _, f := range p.Functions {
		if f.Name == name {
			return f, nil
		}
	}
	return nil, errors.Wrapf(ErrUnknownFunction, "%q", name)
}

// IsExtern reports whether name is declared external.
func (p *Program) IsExtern(name string) bool {
	for _, e := range p.Externs {
		if e == name {
			return true
		}
	}
	return false
}

// CallGraph maps every defined function to the set of function names it
// calls directly. Externs appear only as callees.
func (p *Program) CallGraph() map[string]mapset.Set[string] {
	g := make(map[string]mapset.Set[string], len(p.Functions))
	for _, f := range p.Functions {
		callees := mapset.NewThreadUnsafeSet[string]()
		f.EachInstr(func(_, _ int, in *Instr) {
			if in.Kind == Call {
				callees.Add(in.Callee)
			}
		})
		g[f.Name] = callees
	}
	return g
}

// SortedNames returns the members of a name set in lexical order.
func SortedNames(s mapset.Set[string]) []string {
	out := s.ToSlice()
	sort.Strings(out)
	return out
}
