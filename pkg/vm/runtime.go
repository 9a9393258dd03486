package vm

import (
	"io"
	"os"

	"lucoro/pkg/luaerr"
)

// Runtime is the shared environment threaded through every invocation in a
// process: a globals table (closures resolve globals through their own Env,
// which callers normally bind to this same table), and the sink print()
// writes to. One Runtime is shared by every Closure loaded from
// the same chunk; it carries no per-call state of its own.
type Runtime struct {
	Globals *Table
	Stdout  io.Writer
}

// NewRuntime builds a Runtime with a fresh globals table (or the one given)
// and os.Stdout as the default print() sink.
func NewRuntime(globals *Table) *Runtime {
	if globals == nil {
		globals = NewTable()
	}
	return &Runtime{Globals: globals, Stdout: os.Stdout}
}

// Call is the metamethod-dispatch convenience wrapper used by Table's
// __index/__newindex/__len chasing and by the arith helpers.
func (rt *Runtime) Call(cl *Closure, args ...Value) (Value, error) {
	return cl.Call(rt, args...)
}

// luaErrorf builds a RuntimeError without yet knowing its source/line; the
// dispatch loop decorates both onto it before it leaves runFrame.
func luaErrorf(format string, args ...any) *luaerr.RuntimeError {
	return luaerr.New(format, args...)
}

// wrapHostError implements spec.md 7's HostException contract: any non-Lua
// error raised by a host callable is caught at the call boundary and
// re-wrapped into a HostError carrying the original as its cause, so it
// propagates through the dispatch loop like any other LuaError. An error a
// host callable already raised as a LuaError (e.g. one built via luaerr
// itself) passes through unchanged rather than being double-wrapped.
func wrapHostError(err error) error {
	if _, ok := err.(luaerr.LuaError); ok {
		return err
	}
	return &luaerr.HostError{Cause: err}
}
