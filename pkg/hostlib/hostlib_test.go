package hostlib_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lucoro/pkg/asm"
	"lucoro/pkg/hostlib"
	"lucoro/pkg/vm"
)

// stubSink is a bare hostlib.SnapshotSink recording the bytes it was handed,
// standing in for a host's real snapshot store.
type stubSink struct{ data []byte }

func (s *stubSink) SaveSnapshot(data []byte) error {
	s.data = append([]byte(nil), data...)
	return nil
}

func TestRegisterPrintWritesToRuntimeStdout(t *testing.T) {
	globals := vm.NewTable()
	var out bytes.Buffer
	rt := vm.NewRuntime(globals)
	rt.Stdout = &out
	hostlib.Register(globals, rt, nil)

	printVal, err := globals.Get(nil, vm.Str("print"))
	require.NoError(t, err)
	require.True(t, printVal.IsFunction())

	_, err = printVal.Cl.Call(rt, vm.Str("hello"), vm.Int(2), vm.Str("world"))
	require.NoError(t, err)
	assert.Equal(t, "hello 2 world\n", out.String())
}

func TestRegisterObjCoreDelaySuspendsUnconditionally(t *testing.T) {
	globals := vm.NewTable()
	rt := vm.NewRuntime(globals)
	hostlib.Register(globals, rt, nil)

	obj, err := globals.Get(nil, vm.Str("obj"))
	require.NoError(t, err)
	require.True(t, obj.IsTable())

	coreDelay, err := obj.Tbl.Get(nil, vm.Str("coreDelay"))
	require.NoError(t, err)
	require.True(t, coreDelay.IsFunction())

	_, suspended, err := coreDelay.Cl.SuspendableCall(rt)
	require.NoError(t, err)
	assert.True(t, suspended)
}

func TestRegisterObjCoreDelayRejectedFromSynchronousCall(t *testing.T) {
	globals := vm.NewTable()
	rt := vm.NewRuntime(globals)
	hostlib.Register(globals, rt, nil)

	obj, err := globals.Get(nil, vm.Str("obj"))
	require.NoError(t, err)
	coreDelay, err := obj.Tbl.Get(nil, vm.Str("coreDelay"))
	require.NoError(t, err)

	_, err = coreDelay.Cl.Call(rt)
	assert.Error(t, err)
}

// buildCoreFunCaller assembles `return obj.coreFun()`, the shape needed for
// obj.coreFun to see a real calling ExecutionStack (dispatchCall aliases
// it onto the host closure before invoking it; a direct Call on the bare
// host closure has none to capture).
func buildCoreFunCaller() *vm.Prototype {
	b := asm.New("hostlib-corefun-test")
	b.MaxStack(2)
	objK := b.Const(vm.Str("obj"))
	nameK := b.Const(vm.Str("coreFun"))
	b.ABC(vm.OpGetTabUp, 0, 0, b.K(objK))
	b.ABC(vm.OpGetTable, 0, 0, b.K(nameK))
	b.ABC(vm.OpCall, 0, 1, 2)
	b.ABC(vm.OpReturn, 0, 2, 0)
	return b.Build()
}

func TestObjCoreFunCapturesSerializesAndSinksSnapshot(t *testing.T) {
	globals := vm.NewTable()
	rt := vm.NewRuntime(globals)
	sink := &stubSink{}
	hostlib.Register(globals, rt, sink)

	cl := vm.NewClosure(buildCoreFunCaller(), globals)
	_, suspended, err := cl.SuspendableCall(rt)
	require.NoError(t, err)
	assert.True(t, suspended)
	assert.NotEmpty(t, sink.data, "coreFun should have handed a serialized continuation to the sink")
}

func TestObjCoreFunWithoutExecutionStackErrors(t *testing.T) {
	globals := vm.NewTable()
	rt := vm.NewRuntime(globals)
	hostlib.Register(globals, rt, nil)

	obj, err := globals.Get(nil, vm.Str("obj"))
	require.NoError(t, err)
	coreFun, err := obj.Tbl.Get(nil, vm.Str("coreFun"))
	require.NoError(t, err)

	// Calling the bare host closure directly, rather than through a CALL
	// instruction, leaves its ExecStack nil: there is nothing to capture.
	_, _, err = coreFun.Cl.SuspendableCall(rt)
	assert.Error(t, err)
}
