package regalloc

import (
	"fmt"
	"sort"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/config"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/diag"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

var (
	// ErrInfeasible is returned when a constraint leaves a register with
	// no legal color.
	ErrInfeasible = errors.New("constraint leaves no legal color")
	// ErrSlotConflict is returned when two interfering spill slots would
	// overlap.
	ErrSlotConflict = errors.New("interfering stack slots overlap")
	// ErrTooManySpilledOperands is returned when an instruction needs more
	// spilled operands of one class than there are scratch registers.
	ErrTooManySpilledOperands = errors.New("too many spilled operands")
)

// InvariantError reports an allocator bug: a result that breaks one of the
// guarantees of the allocation. It is never caused by the input program.
type InvariantError struct {
	Func   string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("regalloc: %s: invariant violated: %s", e.Func, e.Detail)
}

func invariantf(fn, format string, args ...interface{}) error {
	return errors.WithStack(&InvariantError{Func: fn, Detail: fmt.Sprintf(format, args...)})
}

// FuncAllocStat is the allocation result of one function.
type FuncAllocStat struct {
	// Dstr maps a virtual register id to the physical color it received.
	Dstr map[int]int
	// Spillings holds the ids of the virtual registers kept in memory.
	Spillings mapset.Set[int]
	// StackSize is the size in bytes of the spill area.
	StackSize int
	// BBStackSizes maps a block index to the spill-area high-water mark of
	// the slots touched or live in that block.
	BBStackSizes map[int]int
	// SpillSlots maps a spilled register id to its slot in the spill area.
	SpillSlots map[int]lir.StackRef
}

// NewFuncAllocStat returns an empty result.
func NewFuncAllocStat() *FuncAllocStat {
	return &FuncAllocStat{
		Dstr:         make(map[int]int),
		Spillings:    mapset.NewThreadUnsafeSet[int](),
		BBStackSizes: make(map[int]int),
		SpillSlots:   make(map[int]lir.StackRef),
	}
}

// Color returns the physical register assigned to virtual register r.
func (s *FuncAllocStat) Color(r reg.Reg) (reg.Reg, bool) {
	c, ok := s.Dstr[r.ID()]
	if !ok {
		return reg.Reg{}, false
	}
	return reg.Phys(c), true
}

// Spilled reports whether virtual register r lives in memory.
func (s *FuncAllocStat) Spilled(r reg.Reg) bool {
	return r.IsVirtual() && s.Spillings.Contains(r.ID())
}

// NumSpills returns the number of spilled registers.
func (s *FuncAllocStat) NumSpills() int { return s.Spillings.Cardinality() }

// String renders the result deterministically, one register per line.
func (s *FuncAllocStat) String() string {
	var sb strings.Builder
	ids := make([]int, 0, len(s.Dstr))
	for id := range s.Dstr {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fmt.Fprintf(&sb, "r%d -> %s\n", id, reg.Phys(s.Dstr[id]))
	}
	spilled := s.Spillings.ToSlice()
	sort.Ints(spilled)
	for _, id := range spilled {
		if slot, ok := s.SpillSlots[id]; ok {
			fmt.Fprintf(&sb, "r%d -> spill[%d:%d]\n", id, slot.Offset, slot.Offset+slot.Size)
		} else {
			fmt.Fprintf(&sb, "r%d -> spill\n", id)
		}
	}
	fmt.Fprintf(&sb, "stack %d\n", s.StackSize)
	return sb.String()
}

// Options controls an allocation run.
type Options struct {
	Machine *reg.Machine
	// MaxRecolorNeighbors bounds how many colored neighbors the recolor
	// step may move to free one color.
	MaxRecolorNeighbors int
	// MaxCoalesceRounds bounds the number of coalescing passes.
	MaxCoalesceRounds int
	// LoopWeight is the per-nesting-level multiplier of spill costs.
	LoopWeight       int
	Coalesce         bool
	AvoidCallerSaved bool
	RearrangeStack   bool
	// Jobs is the number of functions allocated concurrently.
	Jobs int
	// Diag receives per-function traces. It may be nil.
	Diag *diag.Collector
}

// DefaultOptions returns the options of config.Default.
func DefaultOptions() Options {
	opts, err := OptionsFromConfig(config.Default())
	if err != nil {
		panic(err)
	}
	return opts
}

// OptionsFromConfig builds options from a loaded configuration.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	m, err := cfg.BuildMachine()
	if err != nil {
		return Options{}, err
	}
	return Options{
		Machine:             m,
		MaxRecolorNeighbors: cfg.Alloc.MaxRecolorNeighbors,
		MaxCoalesceRounds:   cfg.Alloc.MaxCoalesceRounds,
		LoopWeight:          cfg.Alloc.LoopWeight,
		Coalesce:            cfg.Alloc.Coalesce,
		AvoidCallerSaved:    cfg.Alloc.AvoidCallerSaved,
		RearrangeStack:      cfg.Alloc.RearrangeStack,
		Jobs:                cfg.Alloc.Jobs,
	}, nil
}

func (o *Options) normalize() {
	if o.Machine == nil {
		o.Machine = reg.DefaultMachine()
	}
	if o.LoopWeight < 1 {
		o.LoopWeight = 1
	}
	if o.Jobs < 1 {
		o.Jobs = 1
	}
}
