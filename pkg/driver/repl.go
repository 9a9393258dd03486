package driver

import (
	"fmt"
	"io"
	"strings"

	"github.com/peterh/liner"

	"lucoro/pkg/asm"
	"lucoro/pkg/vm"
)

// REPL is a liner-backed read-eval-print loop, grounded on the
// peterh/liner-based interactive loop shape used elsewhere in the pack
// (ozanh-ugo): read a line, print the result or error, repeat, with
// persistent line history for the session.
type REPL struct {
	engine *Engine
	liner  *liner.State
}

// NewREPL builds a REPL bound to engine.
func NewREPL(engine *Engine) *REPL {
	l := liner.NewLiner()
	l.SetCtrlCAborts(true)
	return &REPL{engine: engine, liner: l}
}

// Run drives the loop, writing results/errors to out, until EOF or Ctrl-D.
func (r *REPL) Run(out io.Writer) error {
	defer r.liner.Close()
	for {
		input, err := r.liner.Prompt("lucoro> ")
		if err == liner.ErrPromptAborted || err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		line := strings.TrimSpace(input)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		val, err := r.evalLine(line)
		if err != nil {
			fmt.Fprintf(out, "error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, val.ToString())
	}
}

// evalLine assembles one line ("return <expr>" or a bare expression) and
// runs it synchronously to completion.
func (r *REPL) evalLine(line string) (vm.Value, error) {
	expr := line
	if rest, ok := strings.CutPrefix(line, "return "); ok {
		expr = strings.TrimSpace(rest)
	}

	b := asm.New("repl")
	b.MaxStack(250)
	compiler, err := newExprCompiler(expr, b)
	if err != nil {
		return vm.NIL, err
	}
	reg, err := compiler.Compile()
	if err != nil {
		return vm.NIL, err
	}
	b.ABC(vm.OpReturn, reg, 2, 0)
	proto := b.Build()

	cl := r.engine.Load(proto)
	return r.engine.Call(cl)
}
