package regalloc

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/lir"
	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

func TestValidateAcceptsAllocation(t *testing.T) {
	fn := mustFunc(t, chainSrc)
	stat, err := AllocateFunction(fn, DefaultOptions())
	require.NoError(t, err)
	assert.NoError(t, Validate(fn, stat, reg.DefaultMachine()))
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		stat   func() *FuncAllocStat
		detail string
	}{
		{
			name: "shared color",
			stat: func() *FuncAllocStat {
				return spillStat(map[int]reg.Reg{1: reg.A0, 2: reg.A0, 3: reg.A1, 4: reg.X(12), 5: reg.A1})
			},
			detail: "share",
		},
		{
			name: "missing register",
			stat: func() *FuncAllocStat {
				return spillStat(map[int]reg.Reg{1: reg.A0, 2: reg.A1, 3: reg.A1, 5: reg.A1})
			},
			detail: "neither colored nor spilled",
		},
		{
			name: "colored and spilled",
			stat: func() *FuncAllocStat {
				return spillStat(map[int]reg.Reg{1: reg.A0, 2: reg.A1, 3: reg.A1, 4: reg.A0, 5: reg.A1}, 4)
			},
			detail: "both colored and spilled",
		},
		{
			name: "reserved color",
			stat: func() *FuncAllocStat {
				return spillStat(map[int]reg.Reg{1: reg.SP, 2: reg.A1, 3: reg.A1, 4: reg.A0, 5: reg.A1})
			},
			detail: "non-allocatable",
		},
		{
			name: "wrong class",
			stat: func() *FuncAllocStat {
				return spillStat(map[int]reg.Reg{1: reg.FA0, 2: reg.A1, 3: reg.A1, 4: reg.A0, 5: reg.A1})
			},
			detail: "another class",
		},
		{
			name: "stray id",
			stat: func() *FuncAllocStat {
				return spillStat(map[int]reg.Reg{1: reg.A0, 2: reg.A1, 3: reg.A1, 4: reg.A0, 5: reg.A1, 99: reg.A0})
			},
			detail: "does not occur",
		},
		{
			name: "overlapping slots",
			stat: func() *FuncAllocStat {
				s := spillStat(map[int]reg.Reg{3: reg.A1, 4: reg.A0, 5: reg.A1}, 1, 2)
				s.SpillSlots[1] = lir.StackRef{Area: lir.AreaSpill, Offset: 0, Size: 8}
				s.SpillSlots[2] = lir.StackRef{Area: lir.AreaSpill, Offset: 4, Size: 8}
				return s
			},
			detail: "overlap",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn := mustFunc(t, chainSrc)
			err := Validate(fn, tt.stat(), reg.DefaultMachine())
			require.Error(t, err)
			var ie *InvariantError
			require.True(t, errors.As(err, &ie), "got %T", err)
			assert.Equal(t, "chain", ie.Func)
			assert.Contains(t, ie.Detail, tt.detail)
		})
	}
}
