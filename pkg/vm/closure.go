package vm

// TailcallVarargs is the trampoline sentinel returned internally when
// OP_TAILCALL fires: {callee, args}. The caller (Invoke/SuspendableInvoke,
// or the CALL opcode's nested-call helper) must eval-loop it until a
// non-trampoline result emerges (spec.md 4.4).
type TailcallVarargs struct {
	Callee Value
	Args   []Value
}

// invokeResult is the outcome of one call-entry invocation: either a
// concrete Varargs result, a tailcall trampoline to keep unwinding, or
// (suspendable path only) an indication that execution parked mid-call.
type invokeResult struct {
	values    Varargs
	trampo    *TailcallVarargs
	suspended bool
}

// HostFunc is a function implemented in Go rather than Lua bytecode. It may
// request suspension (the "host call boundary" of spec.md 4.6/6): returning
// suspended=true parks the whole call chain exactly as if a Lua frame had
// yielded, and the stored values are ignored until a later call supplies a
// replacement return value via ExecutionStack.ReturnValue. cl is the host
// closure itself, with ExecStack aliased to the calling ExecutionStack
// (dispatchCall sets this before invoking it) — a suspending callable whose
// purpose is to snapshot (spec.md 6) reads cl.ExecStack to capture it.
type HostFunc func(rt *Runtime, cl *Closure, args Varargs) (Varargs, bool, error)

// Closure pairs an immutable Prototype with a captured environment and
// upvalues, or — when Host is set — wraps a native Go function presented to
// Lua code as an ordinary callable value. When it is the root of a resumable
// invocation it also owns the ExecutionStack that the continuation is
// captured from (spec.md 3/4.4).
type Closure struct {
	Proto     *Prototype
	Env       *Table
	Upvalues  []*UpValue
	ExecStack *ExecutionStack
	Host      HostFunc
}

// NewClosure creates a closure over proto with env as its globals table and
// upvalues sized (but not yet filled) to proto's descriptor count.
func NewClosure(proto *Prototype, env *Table) *Closure {
	return &Closure{
		Proto:    proto,
		Env:      env,
		Upvalues: make([]*UpValue, len(proto.Upvalues)),
	}
}

// NewHostClosure wraps a Go function as a callable Lua value.
func NewHostClosure(fn HostFunc) *Closure {
	return &Closure{Host: fn}
}

// restoreOrCreateStack implements spec.md 4.4: decide whether this
// invocation reuses an already-pushed frame (RESUME) or must push a new one
// (FRESH).
func (cl *Closure) restoreOrCreateStack() (frame *Frame, frameIdx int, resuming bool) {
	if cl.ExecStack == nil {
		cl.ExecStack = NewExecutionStack()
	}
	stack := cl.ExecStack
	lvl := stack.CurrentLevel
	if lvl < len(stack.Frames) {
		return stack.Frames[lvl], lvl, true
	}
	f := newFrame(cl)
	idx := stack.push(f)
	return f, idx, false
}

// Call is the synchronous, arity-agnostic entry point (C7): it runs to
// completion or to a LuaError and can never yield mid-call.
func (cl *Closure) Call(rt *Runtime, args ...Value) (Value, error) {
	res, err := cl.Invoke(rt, NewVarargs(args...))
	return res.Arg(1), err
}

// Invoke is the general variadic synchronous entry (C7).
func (cl *Closure) Invoke(rt *Runtime, args Varargs) (Varargs, error) {
	res, err := invokeChain(rt, cl, args, false, true)
	if err != nil {
		return Varargs{}, err
	}
	if res.suspended {
		return Varargs{}, luaErrorf("cannot suspend from a synchronous call entry")
	}
	return res.values, nil
}

// SuspendableCall is the suspendable entry point (C8). It returns
// suspended=true, a zero Value and a nil error when execution parked at a
// host call boundary; the ExecutionStack (reachable via cl.ExecStack)
// retains every pushed frame so a later call with the same Closure
// re-descends and resumes (spec.md 4.6).
func (cl *Closure) SuspendableCall(rt *Runtime, args ...Value) (Value, bool, error) {
	res, suspended, err := cl.SuspendableInvoke(rt, NewVarargs(args...))
	return res.Arg(1), suspended, err
}

// SuspendableInvoke is the general variadic suspendable entry (C8).
func (cl *Closure) SuspendableInvoke(rt *Runtime, args Varargs) (Varargs, bool, error) {
	res, err := invokeChain(rt, cl, args, true, true)
	if err != nil {
		return Varargs{}, false, err
	}
	if res.suspended {
		return Varargs{}, true, nil
	}
	return res.values, false, nil
}

// invokeNested is used by the CALL opcode's dispatch handling (dispatch.go)
// to invoke a callee closure from within an already-running frame. It
// differs from the public entries only in topLevel=false: a nested
// invocation must never apply the stop()-triggered current_level reset,
// which is a one-shot action that belongs solely to the entry the host
// calls directly (spec.md 4.6 step 2).
func invokeNested(rt *Runtime, cl *Closure, args Varargs, suspendable bool) (invokeResult, error) {
	return invokeChain(rt, cl, args, suspendable, false)
}

// invokeChain resolves onInvoke, following tailcall trampolines until a
// concrete result (or a suspend) emerges. It is also where HostFunc
// callables are dispatched, since they never push a Frame of their own.
func invokeChain(rt *Runtime, cl *Closure, args Varargs, suspendable, topLevel bool) (invokeResult, error) {
	var execStack *ExecutionStack
	for {
		if execStack != nil {
			cl.ExecStack = execStack
		}
		if cl.Host != nil {
			vals, suspended, err := cl.Host(rt, cl, args)
			if err != nil {
				return invokeResult{}, wrapHostError(err)
			}
			if suspended && !suspendable {
				return invokeResult{}, luaErrorf("cannot suspend from a synchronous call entry")
			}
			return invokeResult{values: vals, suspended: suspended}, nil
		}
		res, err := cl.onInvoke(rt, args, suspendable, topLevel)
		if err != nil {
			return invokeResult{}, err
		}
		if res.suspended {
			return res, nil
		}
		if res.trampo != nil {
			if !res.trampo.Callee.IsFunction() {
				return invokeResult{}, luaErrorf("attempt to call a %s value", res.trampo.Callee.TypeName())
			}
			execStack = cl.ExecStack
			cl = res.trampo.Callee.Cl
			args = NewVarargs(res.trampo.Args...)
			topLevel = false // only the very first hop applies the stop reset
			continue
		}
		return res, nil
	}
}

// onInvoke implements spec.md 4.4's "on_invoke": restore-or-create the
// frame, then either drive a pending stop() unwind to completion (topLevel
// only) or run the dispatch loop over the frame.
func (cl *Closure) onInvoke(rt *Runtime, args Varargs, suspendable, topLevel bool) (invokeResult, error) {
	frame, frameIdx, resuming := cl.restoreOrCreateStack()
	stack := cl.ExecStack

	if topLevel && stack.UserEndCall {
		va, err := drainStop(rt, stack)
		if err != nil {
			return invokeResult{}, err
		}
		return invokeResult{values: va}, nil
	}

	if !resuming {
		frame.bindArgs(args.Slice())
	}
	res, err := runFrame(rt, stack, frameIdx, suspendable)
	if err != nil {
		for len(stack.Frames) > frameIdx {
			stack.pop()
		}
	}
	return res, err
}

// drainStop implements spec.md 4.8's stop protocol end to end: stop()
// already forced every pushed frame's pc to its OP_RETURN epilogue, so this
// just keeps running the current innermost frame until it returns and pops,
// repeating until the ExecutionStack is empty — one suspendable_call/call
// after stop() empties the whole chain (Testable Properties #5).
func drainStop(rt *Runtime, stack *ExecutionStack) (Varargs, error) {
	var last Varargs
	for len(stack.Frames) > 0 {
		idx := len(stack.Frames) - 1
		stack.CurrentLevel = idx
		out, err := runFrame(rt, stack, idx, true)
		if err != nil {
			return Varargs{}, err
		}
		if out.suspended {
			// pc was forced past every call instruction, so this should be
			// unreachable; bail out defensively rather than loop forever.
			return last, nil
		}
		last = out.values
	}
	return last, nil
}
