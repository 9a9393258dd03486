// Package driver wires pkg/vm, pkg/hostlib and pkg/snapshot into the session
// shape spec.md 6 calls External Interfaces, grounded on
// nooga-paserati/pkg/driver's persistent-session Paserati type: one long-
// lived Engine owning the Runtime and globals table that every Load'd
// Closure shares, plus the Load/Call/SuspendableCall/SetReturnValue entry
// points a host embedding the engine actually needs.
package driver

import (
	"fmt"

	"lucoro/pkg/hostlib"
	"lucoro/pkg/snapshot"
	"lucoro/pkg/vm"
)

// MemorySink is the default hostlib.SnapshotSink a standalone Engine
// installs itself with: it keeps the most recent continuation obj.coreFun
// captured in memory, for a host that has no external store of its own
// (cmd/lucoro does not read it: it calls SerializeExecutionContext itself
// and writes that to a .snap file; an embedder wanting persistence installs
// its own SnapshotSink via NewEngineWithSink instead).
type MemorySink struct {
	Last []byte
}

func (m *MemorySink) SaveSnapshot(data []byte) error {
	m.Last = append([]byte(nil), data...)
	return nil
}

// Engine is a persistent session: one Runtime (and its globals table, with
// the hostlib bindings installed) shared by every Closure it loads.
type Engine struct {
	Runtime *vm.Runtime
	Globals *vm.Table
	Sink    hostlib.SnapshotSink
}

// NewEngine creates a session with a fresh globals table and the hostlib
// bindings (print, obj.coreDelay, obj.coreFun) installed, backed by a
// MemorySink that records whatever obj.coreFun last captured.
func NewEngine() *Engine {
	return NewEngineWithSink(&MemorySink{})
}

// NewEngineWithSink is NewEngine with a caller-supplied SnapshotSink, for a
// host that wants obj.coreFun's captured bytes routed somewhere other than
// memory (disk, object storage, a message queue) as they're captured rather
// than only via an explicit SerializeExecutionContext call after the fact.
func NewEngineWithSink(sink hostlib.SnapshotSink) *Engine {
	globals := vm.NewTable()
	rt := vm.NewRuntime(globals)
	hostlib.Register(globals, rt, sink)
	return &Engine{Runtime: rt, Globals: globals, Sink: sink}
}

// Load instantiates a Closure over an already-assembled Prototype (pkg/asm's
// output, standing in for the out-of-scope bytecode loader/compiler), bound
// to this Engine's globals.
func (e *Engine) Load(proto *vm.Prototype) *vm.Closure {
	return vm.NewClosure(proto, e.Globals)
}

// Call runs cl to completion synchronously; it is an error for cl to reach a
// suspending host call (spec.md 4.4's C7 contract).
func (e *Engine) Call(cl *vm.Closure, args ...vm.Value) (vm.Value, error) {
	return cl.Call(e.Runtime, args...)
}

// SuspendableCall runs cl until it returns, errors, or parks at a host call
// boundary (spec.md 4.4's C8 contract). suspended reports which of the three
// happened.
func (e *Engine) SuspendableCall(cl *vm.Closure, args ...vm.Value) (vm.Value, bool, error) {
	return cl.SuspendableCall(e.Runtime, args...)
}

// SetReturnValue supplies the value a resumed host call boundary should
// splice in, per spec.md 4.6/4.7. It must be called on a suspended closure
// before the next SuspendableCall. Unlike spec.md 6's set_return_value(string)
// sugar, this takes a real vm.Value: the value the splice installs need not
// be a string (spec.md's own seed scenarios only ever resume with strings,
// but nothing about the splice mechanism restricts it). SetReturnValueString
// below is the literal string-sugar entry point spec.md names.
func (e *Engine) SetReturnValue(cl *vm.Closure, v vm.Value) error {
	if cl.ExecStack == nil {
		return fmt.Errorf("driver: closure has no suspended execution stack")
	}
	cl.ExecStack.ReturnValue = v
	return nil
}

// SetReturnValueString is spec.md 6's set_return_value(string) sugar.
func (e *Engine) SetReturnValueString(cl *vm.Closure, s string) error {
	return e.SetReturnValue(cl, vm.Str(s))
}

// Stop requests a graceful teardown of cl's suspended execution (spec.md
// 4.8): the next SuspendableCall unwinds every pushed frame instead of
// resuming normally.
func (e *Engine) Stop(cl *vm.Closure) error {
	if cl.ExecStack == nil {
		return fmt.Errorf("driver: closure has no suspended execution stack")
	}
	cl.ExecStack.Stop()
	return nil
}

// SerializeExecutionContext captures cl's suspended continuation to bytes
// (spec.md 6), for a host to park across a process boundary.
func (e *Engine) SerializeExecutionContext(cl *vm.Closure) ([]byte, error) {
	if cl.ExecStack == nil {
		return nil, fmt.Errorf("driver: closure has no execution stack to snapshot")
	}
	return snapshot.Serialize(cl.ExecStack)
}

// DeserializeExecutionContext rebuilds a Closure from a prior
// SerializeExecutionContext payload, rebinding it to this Engine's globals
// so its host calls resolve against the live hostlib bindings again.
func (e *Engine) DeserializeExecutionContext(data []byte) (*vm.Closure, error) {
	return snapshot.Deserialize(data, e.Globals)
}
