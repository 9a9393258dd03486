package vm_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lucoro/pkg/asm"
	"lucoro/pkg/luaerr"
	"lucoro/pkg/vm"
)

// TestBasicNumeric covers seed scenario S1: `return 1 + 2 * 3` should
// evaluate to 7, exercising LOADK/MUL/ADD/RETURN and constant-table RK
// resolution end to end.
func TestBasicNumeric(t *testing.T) {
	b := asm.New("s1")
	k1 := b.Const(vm.Int(1))
	k2 := b.Const(vm.Int(2))
	k3 := b.Const(vm.Int(3))

	b.ABx(vm.OpLoadK, 0, k2) // R0 = 2
	b.ABx(vm.OpLoadK, 1, k3) // R1 = 3
	b.ABC(vm.OpMul, 0, 0, 1) // R0 = R0*R1
	b.ABx(vm.OpLoadK, 1, k1) // R1 = 1
	b.ABC(vm.OpAdd, 0, 1, 0) // R0 = R1+R0
	b.ABC(vm.OpReturn, 0, 2, 0)

	proto := b.Build()
	rt := vm.NewRuntime(nil)
	cl := vm.NewClosure(proto, rt.Globals)

	res, err := cl.Call(rt)
	require.NoError(t, err)
	assert.Equal(t, vm.Int(7), res)
}

// TestClosureUpvalue covers seed scenario S2: a counter closure invoked three
// times should thread its captured local through GETUPVAL/SETUPVAL, summing
// to 6.
func TestClosureUpvalue(t *testing.T) {
	inner := asm.New("s2:inner")
	inner.Upvalue("x", true, 0)
	one := inner.Const(vm.Int(1))
	inner.ABC(vm.OpGetUpval, 0, 0, 0)  // R0 = x
	inner.ABx(vm.OpLoadK, 1, one)      // R1 = 1
	inner.ABC(vm.OpAdd, 0, 0, 1)       // R0 = x+1
	inner.ABC(vm.OpSetUpval, 0, 0, 0)  // x = R0
	inner.ABC(vm.OpReturn, 0, 2, 0)    // return R0
	innerProto := inner.Build()

	mk := asm.New("s2:mk")
	mk.MaxStack(2)
	zero := mk.Const(vm.Int(0))
	mk.ABx(vm.OpLoadK, 0, zero) // R0 = x = 0
	innerIdx := mk.ChildProto(innerProto)
	mk.ABx(vm.OpClosure, 1, innerIdx) // R1 = closure(inner)
	mk.ABC(vm.OpReturn, 1, 2, 0)      // return R1
	mkProto := mk.Build()

	main := asm.New("s2:main")
	main.MaxStack(4)
	mkIdx := main.ChildProto(mkProto)
	main.ABx(vm.OpClosure, 0, mkIdx)  // R0 = closure(mk)
	main.ABC(vm.OpCall, 0, 1, 2)      // R0 = mk()  (f)
	main.ABC(vm.OpMove, 1, 0, 0)      // R1 = f
	main.ABC(vm.OpMove, 2, 1, 0)      // R2 = f
	main.ABC(vm.OpCall, 2, 1, 2)      // R2 = f() #1
	main.ABC(vm.OpMove, 3, 1, 0)      // R3 = f
	main.ABC(vm.OpCall, 3, 1, 2)      // R3 = f() #2
	main.ABC(vm.OpAdd, 2, 2, 3)       // R2 = #1 + #2
	main.ABC(vm.OpMove, 3, 1, 0)      // R3 = f
	main.ABC(vm.OpCall, 3, 1, 2)      // R3 = f() #3
	main.ABC(vm.OpAdd, 2, 2, 3)       // R2 = sum
	main.ABC(vm.OpReturn, 2, 2, 0)
	proto := main.Build()

	rt := vm.NewRuntime(nil)
	cl := vm.NewClosure(proto, rt.Globals)

	res, err := cl.Call(rt)
	require.NoError(t, err)
	assert.Equal(t, vm.Int(6), res)
}

// TestTailCall covers seed scenario S6: `function a() return b() end; return a()`
// must return 42 via a trampoline that drops the `a` frame rather than
// recursing the Go call stack.
func TestTailCall(t *testing.T) {
	bFn := asm.New("s6:b")
	answer := bFn.Const(vm.Int(42))
	bFn.ABx(vm.OpLoadK, 0, answer)
	bFn.ABC(vm.OpReturn, 0, 2, 0)
	bProto := bFn.Build()

	aFn := asm.New("s6:a")
	aFn.Upvalue("b", true, 1) // captured from the enclosing (main) frame's R1
	aFn.ABC(vm.OpGetUpval, 0, 0, 0) // R0 = b
	aFn.ABC(vm.OpTailCall, 0, 1, 0) // return b()
	aFn.ABC(vm.OpReturn, 0, 0, 0)
	aProto := aFn.Build()

	main := asm.New("s6:main")
	main.MaxStack(2)
	bIdx := main.ChildProto(bProto)
	main.ABx(vm.OpClosure, 1, bIdx) // R1 = closure(b), captured by a as an upvalue
	aIdx := main.ChildProto(aProto)
	main.ABx(vm.OpClosure, 0, aIdx) // R0 = closure(a)
	main.ABC(vm.OpCall, 0, 1, 2)    // R0 = a()
	main.ABC(vm.OpReturn, 0, 2, 0)
	proto := main.Build()

	rt := vm.NewRuntime(nil)
	cl := vm.NewClosure(proto, rt.Globals)

	res, err := cl.Call(rt)
	require.NoError(t, err)
	assert.Equal(t, vm.Int(42), res)
}

// TestSuspendResume covers the core of seed scenario S3: a script that calls
// a suspending host function must park mid-CALL, and a later resume with a
// supplied return value must splice it in and continue to completion.
func TestSuspendResume(t *testing.T) {
	b := asm.New("s3")
	b.MaxStack(2)
	nameK := b.Const(vm.Str("coreFun"))
	b.ABC(vm.OpGetTabUp, 0, 0, b.K(nameK)) // R0 = Env["coreFun"] (B, the upvalue index, is ignored)
	b.ABC(vm.OpCall, 0, 1, 2)              // R0 = R0()
	b.ABC(vm.OpReturn, 0, 2, 0)            // return R0
	proto := b.Build()

	globals := vm.NewTable()
	var suspendedArgs vm.Varargs
	hostFn := vm.NewHostClosure(func(rt *vm.Runtime, cl *vm.Closure, args vm.Varargs) (vm.Varargs, bool, error) {
		suspendedArgs = args
		return vm.Varargs{}, true, nil
	})
	globals.Set(nil, vm.Str("coreFun"), vm.FuncV(hostFn))

	rt := vm.NewRuntime(globals)
	cl := vm.NewClosure(proto, globals)

	res, suspended, err := cl.SuspendableCall(rt)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Equal(t, vm.NIL, res)
	assert.Equal(t, 0, suspendedArgs.Len())
	require.NotNil(t, cl.ExecStack)
	assert.Equal(t, 1, cl.ExecStack.Depth())

	cl.ExecStack.PrepareForSnapshot()
	cl.ExecStack.ReturnValue = vm.Str("RESUMED")

	res, suspended, err = cl.SuspendableCall(rt)
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.Equal(t, vm.Str("RESUMED"), res)
	assert.Equal(t, 0, cl.ExecStack.Depth())
}

// TestRuntimeErrorTracebackAccumulatesPerFrame checks spec.md 7's traceback
// contract: a RuntimeError raised several calls deep must carry one Frame
// per enclosing call level, innermost first, as it unwinds back through
// each OP_CALL.
func TestRuntimeErrorTracebackAccumulatesPerFrame(t *testing.T) {
	inner := asm.New("s-err:inner")
	inner.MaxStack(1)
	inner.ABC(vm.OpNewTable, 0, 0, 0) // R0 = {}
	inner.ABC(vm.OpAdd, 0, 0, 0)      // R0 = R0 + R0, a table: raises a RuntimeError
	inner.ABC(vm.OpReturn, 0, 1, 0)
	innerProto := inner.Build()

	outer := asm.New("s-err:outer")
	outer.MaxStack(1)
	innerIdx := outer.ChildProto(innerProto)
	outer.ABx(vm.OpClosure, 0, innerIdx) // R0 = closure(inner)
	outer.ABC(vm.OpCall, 0, 1, 1)        // inner()
	outer.ABC(vm.OpReturn, 0, 1, 0)
	outerProto := outer.Build()

	rt := vm.NewRuntime(nil)
	cl := vm.NewClosure(outerProto, rt.Globals)

	_, err := cl.Call(rt)
	require.Error(t, err)
	re, ok := err.(*luaerr.RuntimeError)
	require.True(t, ok)
	require.GreaterOrEqual(t, len(re.Traceback), 2)
	assert.Equal(t, "s-err:inner", re.Traceback[0].Source)
	assert.Equal(t, "s-err:outer", re.Traceback[len(re.Traceback)-1].Source)
}

// TestHostCallableErrorWrappedAsHostError covers spec.md 7's HostException
// contract: a plain Go error returned by a host callable must be caught at
// the call boundary and re-wrapped into a HostError carrying it as Cause.
func TestHostCallableErrorWrappedAsHostError(t *testing.T) {
	b := asm.New("s-hosterr")
	b.MaxStack(1)
	nameK := b.Const(vm.Str("boom"))
	b.ABC(vm.OpGetTabUp, 0, 0, b.K(nameK))
	b.ABC(vm.OpCall, 0, 1, 1)
	b.ABC(vm.OpReturn, 0, 1, 0)
	proto := b.Build()

	globals := vm.NewTable()
	cause := errors.New("disk on fire")
	globals.Set(nil, vm.Str("boom"), vm.FuncV(vm.NewHostClosure(
		func(_ *vm.Runtime, _ *vm.Closure, _ vm.Varargs) (vm.Varargs, bool, error) {
			return vm.Varargs{}, false, cause
		})))

	rt := vm.NewRuntime(globals)
	cl := vm.NewClosure(proto, globals)

	_, err := cl.Call(rt)
	require.Error(t, err)
	he, ok := err.(*luaerr.HostError)
	require.True(t, ok)
	assert.Equal(t, cause, he.Cause)
	assert.ErrorIs(t, he, cause)
}

// TestConcatChainAndVarargSubargs covers OP_CONCAT's multi-register chain
// (exercising Buffer) and OP_VARARG's "fewer registers requested than
// supplied" case (exercising Varargs.Subargs).
func TestConcatChainAndVarargSubargs(t *testing.T) {
	inner := asm.New("s-concat:inner")
	inner.Params(0, true)
	inner.MaxStack(5)
	inner.ABC(vm.OpVararg, 0, 3, 0)   // R0,R1 = varargs (only first 2 requested)
	inner.ABC(vm.OpConcat, 2, 0, 1)   // R2 = R0..R1
	inner.ABC(vm.OpReturn, 2, 2, 0)   // return R2
	innerProto := inner.Build()

	main := asm.New("s-concat:main")
	main.MaxStack(5)
	k1 := main.Const(vm.Str("a"))
	k2 := main.Const(vm.Int(7))
	k3 := main.Const(vm.Str("unused"))
	innerIdx := main.ChildProto(innerProto)
	main.ABx(vm.OpClosure, 0, innerIdx) // R0 = closure(inner)
	main.ABx(vm.OpLoadK, 1, k1)         // R1 = "a"
	main.ABx(vm.OpLoadK, 2, k2)         // R2 = 7
	main.ABx(vm.OpLoadK, 3, k3)         // R3 = "unused" (a 3rd vararg inner never requests)
	main.ABC(vm.OpCall, 0, 4, 2)        // R0 = inner("a", 7, "unused")
	main.ABC(vm.OpReturn, 0, 2, 0)
	proto := main.Build()

	rt := vm.NewRuntime(nil)
	cl := vm.NewClosure(proto, rt.Globals)

	res, err := cl.Call(rt)
	require.NoError(t, err)
	assert.Equal(t, vm.Str("a7"), res)
}

// TestNestedSuspendResumeAcrossMultipleFrames covers seed scenario S5: a
// chain of four nested calls (test4 -> test3 -> test2 -> test -> coreFun)
// suspends several frames deep, then resume must re-descend through every
// enclosing frame (each re-executing its own still-pending OP_CALL) before
// the splice at the innermost frame fires exactly once, per spec.md 4.6's
// "splice singleton" invariant.
func TestNestedSuspendResumeAcrossMultipleFrames(t *testing.T) {
	// test: `return coreFun()`
	test := asm.New("s5:test")
	test.MaxStack(2)
	nameK := test.Const(vm.Str("coreFun"))
	test.ABC(vm.OpGetTabUp, 0, 0, test.K(nameK))
	test.ABC(vm.OpCall, 0, 1, 2)
	test.ABC(vm.OpReturn, 0, 2, 0)
	testProto := test.Build()

	// test2: `return test()`, test captured as an upvalue from main's R0.
	test2 := asm.New("s5:test2")
	test2.MaxStack(2)
	test2.Upvalue("test", true, 0)
	test2.ABC(vm.OpGetUpval, 0, 0, 0)
	test2.ABC(vm.OpCall, 0, 1, 2)
	test2.ABC(vm.OpReturn, 0, 2, 0)
	test2Proto := test2.Build()

	// test3: `return test2()`
	test3 := asm.New("s5:test3")
	test3.MaxStack(2)
	test3.Upvalue("test2", true, 1) // test2 sits in main's R1
	test3.ABC(vm.OpGetUpval, 0, 0, 0)
	test3.ABC(vm.OpCall, 0, 1, 2)
	test3.ABC(vm.OpReturn, 0, 2, 0)
	test3Proto := test3.Build()

	// test4: `return test3()`
	test4 := asm.New("s5:test4")
	test4.MaxStack(2)
	test4.Upvalue("test3", true, 2) // test3 sits in main's R2
	test4.ABC(vm.OpGetUpval, 0, 0, 0)
	test4.ABC(vm.OpCall, 0, 1, 2)
	test4.ABC(vm.OpReturn, 0, 2, 0)
	test4Proto := test4.Build()

	// main: builds the closure chain, each capturing the previous as an
	// upvalue out of its own register, then calls test4() and returns it.
	main := asm.New("s5:main")
	main.MaxStack(4)
	testIdx := main.ChildProto(testProto)
	main.ABx(vm.OpClosure, 0, testIdx) // R0 = closure(test)
	test2Idx := main.ChildProto(test2Proto)
	main.ABx(vm.OpClosure, 1, test2Idx) // R1 = closure(test2), captures R0
	test3Idx := main.ChildProto(test3Proto)
	main.ABx(vm.OpClosure, 2, test3Idx) // R2 = closure(test3), captures R1
	test4Idx := main.ChildProto(test4Proto)
	main.ABx(vm.OpClosure, 3, test4Idx) // R3 = closure(test4), captures R2
	main.ABC(vm.OpCall, 3, 1, 2)        // R3 = test4()
	main.ABC(vm.OpReturn, 3, 2, 0)
	proto := main.Build()

	globals := vm.NewTable()
	hostFn := vm.NewHostClosure(func(rt *vm.Runtime, cl *vm.Closure, args vm.Varargs) (vm.Varargs, bool, error) {
		return vm.Varargs{}, true, nil
	})
	globals.Set(nil, vm.Str("coreFun"), vm.FuncV(hostFn))

	rt := vm.NewRuntime(globals)
	cl := vm.NewClosure(proto, globals)

	res, suspended, err := cl.SuspendableCall(rt)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Equal(t, vm.NIL, res)
	require.NotNil(t, cl.ExecStack)
	assert.Equal(t, 5, cl.ExecStack.Depth(), "main/test4/test3/test2/test each push a Lua frame; coreFun is a host call and pushes none")

	cl.ExecStack.PrepareForSnapshot()
	cl.ExecStack.ReturnValue = vm.Str("RESUMED")

	res, suspended, err = cl.SuspendableCall(rt)
	require.NoError(t, err)
	assert.False(t, suspended, "resume must re-descend through every enclosing frame to completion")
	assert.Equal(t, vm.Str("RESUMED"), res)
	assert.Equal(t, 0, cl.ExecStack.Depth())
}
