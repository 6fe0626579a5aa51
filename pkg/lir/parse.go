package lir

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/CompilerHIT/SysYRust-sub001/pkg/reg"
)

// ParseError reports a syntax error in IR text.
type ParseError struct {
	Line int
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("line %d: %s", e.Line, e.Msg)
}

var (
	moveOps   = map[string]bool{"mv": true, "fmv.s": true, "fmv.d": true}
	noDefOps  = map[string]bool{"sw": true, "sd": true, "sh": true, "sb": true, "fsw": true, "fsd": true}
	branchOps = map[string]bool{
		"beq": true, "bne": true, "blt": true, "bge": true, "bltu": true, "bgeu": true,
		"bgt": true, "ble": true, "beqz": true, "bnez": true, "blez": true, "bgez": true,
		"bltz": true, "bgtz": true,
	}
	stackBases = map[string]struct {
		load  bool
		class reg.Class
	}{
		"ld":  {true, reg.General},
		"sd":  {false, reg.General},
		"flw": {true, reg.Float},
		"fsw": {false, reg.Float},
	}
	areas = map[string]Area{"s": AreaSpill, "l": AreaLocal, "cs": AreaCalleeSave, "cr": AreaCallerSave}
)

// ParseString parses a program from IR text.
func ParseString(src string) (*Program, error) {
	return Parse(strings.NewReader(src))
}

// Parse reads a program in the textual IR format:
//
//	extern putint
//	func main
//	entry:
//	  li vi1, 10
//	  mv a0, vi1
//	  call putint(a0) -> a0
//	  ret a0
//	end
//
// The CFG of every function is built before Parse returns.
func Parse(r io.Reader) (*Program, error) {
	prog := &Program{}
	var fn *Function
	var cur *Block

	sc := bufio.NewScanner(r)
	line := 0
	fail := func(format string, args ...interface{}) error {
		return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
	}

	for sc.Scan() {
		line++
		text := sc.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		fields := strings.Fields(text)

		switch {
		case fields[0] == "extern":
			if fn != nil {
				return nil, fail("extern inside function %s", fn.Name)
			}
			if len(fields) != 2 {
				return nil, fail("extern takes one name")
			}
			prog.Externs = append(prog.Externs, fields[1])
			continue
		case fields[0] == "func":
			if fn != nil {
				return nil, fail("func %s not closed before new func", fn.Name)
			}
			if len(fields) < 2 {
				return nil, fail("func needs a name")
			}
			fn = NewFunction(fields[1])
			cur = nil
			for _, opt := range fields[2:] {
				v, ok := strings.CutPrefix(opt, "locals=")
				if !ok {
					return nil, fail("unknown func option %q", opt)
				}
				n, err := strconv.Atoi(v)
				if err != nil || n < 0 {
					return nil, fail("bad locals size %q", v)
				}
				fn.LocalSize = n
			}
			continue
		case fields[0] == "end":
			if fn == nil {
				return nil, fail("end outside function")
			}
			if err := fn.BuildCFG(); err != nil {
				return nil, fail("%v", err)
			}
			prog.Functions = append(prog.Functions, fn)
			fn, cur = nil, nil
			continue
		}

		if fn == nil {
			return nil, fail("instruction outside function")
		}
		if strings.HasSuffix(text, ":") && len(fields) == 1 {
			label := strings.TrimSuffix(text, ":")
			if _, err := fn.BlockIndex(label); err == nil {
				return nil, fail("duplicate label %q", label)
			}
			fn.AddBlock(label)
			cur = fn.Blocks[len(fn.Blocks)-1]
			continue
		}
		if cur == nil {
			fn.AddBlock(fn.Name + ".entry")
			cur = fn.Blocks[0]
		}
		in, err := parseInstr(text)
		if err != nil {
			return nil, fail("%v", err)
		}
		cur.Instrs = append(cur.Instrs, in)
		for _, r := range in.Defs {
			fn.NoteVirtual(r)
		}
		for _, r := range in.Uses {
			fn.NoteVirtual(r)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "reading IR")
	}
	if fn != nil {
		return nil, fail("func %s missing end", fn.Name)
	}
	return prog, nil
}

// ParseInstr parses a single instruction.
func ParseInstr(text string) (*Instr, error) {
	return parseInstr(strings.TrimSpace(text))
}

func parseInstr(text string) (*Instr, error) {
	op, rest, _ := strings.Cut(text, " ")
	rest = strings.TrimSpace(rest)
	in := &Instr{Op: op}

	switch {
	case op == "call":
		return parseCall(in, rest)
	case op == "j":
		in.Kind = Jump
		if rest == "" {
			return nil, errors.New("j needs a label")
		}
		in.Targets = []string{rest}
		return in, nil
	case op == "ret":
		in.Kind = Return
		regs, err := parseRegList(rest)
		if err != nil {
			return nil, err
		}
		in.Uses = regs
		return in, nil
	}

	if base, area, ok := strings.Cut(op, "."); ok {
		if sb, isStack := stackBases[base]; isStack {
			if a, known := areas[area]; known {
				return parseStack(in, rest, sb.load, sb.class, a)
			}
		}
	}

	ops := splitOperands(rest)
	switch {
	case branchOps[op]:
		in.Kind = Branch
	case moveOps[op]:
		in.Kind = Move
	default:
		in.Kind = Ordinary
	}
	first := true
	for _, o := range ops {
		if r, err := reg.Parse(o); err == nil {
			if first && in.Kind != Branch && !noDefOps[op] {
				in.Defs = append(in.Defs, r)
			} else {
				in.Uses = append(in.Uses, r)
			}
			first = false
			continue
		}
		if n, err := strconv.ParseInt(o, 0, 64); err == nil {
			if in.HasImm {
				return nil, errors.Errorf("%s: more than one immediate", op)
			}
			in.Imm, in.HasImm = n, true
			continue
		}
		if in.Kind == Branch {
			in.Targets = append(in.Targets, o)
			continue
		}
		if in.Sym != "" {
			return nil, errors.Errorf("%s: unexpected operand %q", op, o)
		}
		in.Sym = o
	}
	if in.Kind == Move && (len(in.Defs) != 1 || len(in.Uses) != 1) {
		return nil, errors.Errorf("%s takes exactly two registers", op)
	}
	if in.Kind == Branch && len(in.Targets) == 0 {
		return nil, errors.Errorf("%s needs a target label", op)
	}
	return in, nil
}

func parseCall(in *Instr, rest string) (*Instr, error) {
	in.Kind = Call
	open := strings.IndexByte(rest, '(')
	closing := strings.LastIndexByte(rest, ')')
	if open <= 0 || closing < open {
		return nil, errors.Errorf("malformed call %q", rest)
	}
	in.Callee = strings.TrimSpace(rest[:open])
	uses, err := parseRegList(rest[open+1 : closing])
	if err != nil {
		return nil, err
	}
	in.Uses = uses
	tail := strings.TrimSpace(rest[closing+1:])
	if tail != "" {
		defs, ok := strings.CutPrefix(tail, "->")
		if !ok {
			return nil, errors.Errorf("malformed call result %q", tail)
		}
		if in.Defs, err = parseRegList(defs); err != nil {
			return nil, err
		}
	}
	return in, nil
}

func parseStack(in *Instr, rest string, load bool, class reg.Class, area Area) (*Instr, error) {
	ops := splitOperands(rest)
	if len(ops) != 2 {
		return nil, errors.Errorf("%s takes a register and an offset", in.Op)
	}
	r, err := reg.Parse(ops[0])
	if err != nil {
		return nil, err
	}
	if r.Class() != class {
		return nil, errors.Errorf("%s: %s has class %s", in.Op, r, r.Class())
	}
	off, err := strconv.Atoi(ops[1])
	if err != nil || off < 0 {
		return nil, errors.Errorf("%s: bad offset %q", in.Op, ops[1])
	}
	in.Slot = &StackRef{Area: area, Offset: off, Size: SlotSize(class)}
	if load {
		in.Kind = LoadStack
		in.Defs = []reg.Reg{r}
	} else {
		in.Kind = StoreStack
		in.Uses = []reg.Reg{r}
	}
	return in, nil
}

func parseRegList(s string) ([]reg.Reg, error) {
	var out []reg.Reg
	for _, o := range splitOperands(s) {
		r, err := reg.Parse(o)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func splitOperands(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
