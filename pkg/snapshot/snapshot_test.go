package snapshot_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lucoro/pkg/asm"
	"lucoro/pkg/snapshot"
	"lucoro/pkg/vm"
)

// buildSuspendingProto assembles `local t = {}; t.tag = "seen"; return
// coreFun()`-shaped bytecode: a table is built and stashed in an upvalue-
// free local before the suspending call, so the round trip exercises Table
// serialization as well as the bare continuation.
func buildSuspendingProto(t *testing.T) *vm.Prototype {
	t.Helper()
	b := asm.New("snap")
	b.MaxStack(4)

	tagK := b.Const(vm.Str("tag"))
	seenK := b.Const(vm.Str("seen"))
	b.ABC(vm.OpNewTable, 1, 0, 0)                        // R1 = {}
	b.ABx(vm.OpLoadK, 2, seenK)                           // R2 = "seen"
	b.ABC(vm.OpSetTable, 1, b.K(tagK), 2)                 // R1.tag = R2

	nameK := b.Const(vm.Str("coreFun"))
	b.ABC(vm.OpGetTabUp, 0, 0, b.K(nameK)) // R0 = Env["coreFun"]
	b.ABC(vm.OpCall, 0, 1, 2)              // R0 = R0()
	b.ABC(vm.OpReturn, 0, 2, 0)            // return R0
	return b.Build()
}

// TestSnapshotRoundTrip covers seed scenario S3's shape: a script
// suspends at a host call boundary, the continuation is serialized to bytes
// and thrown away in-process, a fresh Closure is reconstructed purely from
// those bytes, and resuming it with a supplied return value must complete
// exactly as an in-process resume would.
func TestSnapshotRoundTrip(t *testing.T) {
	proto := buildSuspendingProto(t)

	globals := vm.NewTable()
	globals.Set(nil, vm.Str("coreFun"), vm.FuncV(vm.NewHostClosure(
		func(rt *vm.Runtime, cl *vm.Closure, args vm.Varargs) (vm.Varargs, bool, error) {
			return vm.Varargs{}, true, nil
		})))

	rt := vm.NewRuntime(globals)
	cl := vm.NewClosure(proto, globals)

	res, suspended, err := cl.SuspendableCall(rt)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.Equal(t, vm.NIL, res)

	data, err := snapshot.Serialize(cl.ExecStack)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	// Deserialize into a brand new globals table and Runtime, as a separate
	// process resuming the snapshot would.
	newGlobals := vm.NewTable()
	restored, err := snapshot.Deserialize(data, newGlobals)
	require.NoError(t, err)
	require.NotNil(t, restored.ExecStack)
	assert.Equal(t, 1, restored.ExecStack.Depth())

	restored.ExecStack.ReturnValue = vm.Str("RESUMED")
	newRt := vm.NewRuntime(newGlobals)

	res, suspended, err = restored.SuspendableCall(newRt)
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.Equal(t, vm.Str("RESUMED"), res)
	assert.Equal(t, 0, restored.ExecStack.Depth())
}

// TestSnapshotStopDrainsOnResume covers seed scenario S4: calling Stop() on
// the closure deserialized from a snapshot, then resuming it, must drain the
// whole stack in one call rather than resuming normally.
func TestSnapshotStopDrainsOnResume(t *testing.T) {
	proto := buildSuspendingProto(t)

	globals := vm.NewTable()
	globals.Set(nil, vm.Str("coreFun"), vm.FuncV(vm.NewHostClosure(
		func(rt *vm.Runtime, cl *vm.Closure, args vm.Varargs) (vm.Varargs, bool, error) {
			return vm.Varargs{}, true, nil
		})))

	rt := vm.NewRuntime(globals)
	cl := vm.NewClosure(proto, globals)

	_, suspended, err := cl.SuspendableCall(rt)
	require.NoError(t, err)
	require.True(t, suspended)

	data, err := snapshot.Serialize(cl.ExecStack)
	require.NoError(t, err)

	newGlobals := vm.NewTable()
	restored, err := snapshot.Deserialize(data, newGlobals)
	require.NoError(t, err)

	restored.ExecStack.Stop()
	newRt := vm.NewRuntime(newGlobals)

	_, suspended, err = restored.SuspendableCall(newRt)
	require.NoError(t, err)
	assert.False(t, suspended)
	assert.Equal(t, 0, restored.ExecStack.Depth())
}
