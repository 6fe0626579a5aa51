package lir

import (
	"fmt"
	"io"
)

// Printer writes programs in the textual IR format read by Parse.
type Printer struct {
	w io.Writer
}

// NewPrinter creates a new IR printer
func NewPrinter(w io.Writer) *Printer {
	return &Printer{w: w}
}

// PrintProgram prints externs followed by every function
func (p *Printer) PrintProgram(prog *Program) {
	for _, e := range prog.Externs {
		fmt.Fprintf(p.w, "extern %s\n", e)
	}
	if len(prog.Externs) > 0 && len(prog.Functions) > 0 {
		fmt.Fprintln(p.w)
	}
	for i, fn := range prog.Functions {
		p.PrintFunction(fn)
		if i < len(prog.Functions)-1 {
			fmt.Fprintln(p.w)
		}
	}
}

// PrintFunction prints one function
func (p *Printer) PrintFunction(fn *Function) {
	if fn.LocalSize > 0 {
		fmt.Fprintf(p.w, "func %s locals=%d\n", fn.Name, fn.LocalSize)
	} else {
		fmt.Fprintf(p.w, "func %s\n", fn.Name)
	}
	for _, b := range fn.Blocks {
		fmt.Fprintf(p.w, "%s:\n", b.Label)
		for _, in := range b.Instrs {
			fmt.Fprintf(p.w, "  %s\n", in)
		}
	}
	fmt.Fprintln(p.w, "end")
}
