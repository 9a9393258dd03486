// Package hostlib implements the three Go-native callables the seed
// scenarios in spec.md 8 exercise, grounded on the per-builtin
// "Name/Priority/InitRuntime" registration pattern used by
// nooga-paserati/pkg/builtins, simplified to the one axis this engine cares
// about: whether a binding is synchronous or suspendable.
//
// Everything else a real Lua stdlib would provide (string/table/math/os) is
// an out-of-scope named contract per spec.md 1; this package is deliberately
// the entire surface.
package hostlib

import (
	"fmt"
	"strings"

	"lucoro/pkg/snapshot"
	"lucoro/pkg/vm"
)

// SnapshotSink receives the bytes of a continuation captured by
// obj.coreFun, per spec.md 6's "a suspending callable whose purpose is to
// snapshot must ... hand bytes to the host" contract. A host embedding the
// engine supplies one (pkg/driver's Engine installs a default).
type SnapshotSink interface {
	SaveSnapshot(data []byte) error
}

// Register installs print and the obj table (coreDelay, coreFun) into
// globals. rt supplies the io.Writer print() writes to; sink receives the
// bytes obj.coreFun captures on every call (may be nil, in which case
// coreFun still suspends but the bytes it captures are discarded).
func Register(globals *vm.Table, rt *vm.Runtime, sink SnapshotSink) {
	globals.Set(nil, vm.Str("print"), vm.FuncV(vm.NewHostClosure(printFn(rt))))

	obj := vm.NewTable()
	obj.Set(nil, vm.Str("coreDelay"), vm.FuncV(vm.NewHostClosure(suspendUnconditionally)))
	obj.Set(nil, vm.Str("coreFun"), vm.FuncV(vm.NewHostClosure(coreFun(sink))))
	globals.Set(nil, vm.Str("obj"), vm.TableV(obj))
}

// printFn matches Lua's print(): arguments joined with a single space, one
// trailing newline, written to the Runtime's configured sink.
func printFn(rt *vm.Runtime) vm.HostFunc {
	return func(_ *vm.Runtime, _ *vm.Closure, args vm.Varargs) (vm.Varargs, bool, error) {
		parts := make([]string, args.Len())
		for i := 1; i <= args.Len(); i++ {
			parts[i-1] = args.Arg(i).ToString()
		}
		fmt.Fprintln(rt.Stdout, strings.Join(parts, " "))
		return vm.Varargs{}, false, nil
	}
}

// suspendUnconditionally backs obj.coreDelay: this engine has no real
// cooperative scheduler (spec.md 1 Non-goals), so "the host will take a
// while" is modeled by parking the call chain every time it's invoked,
// without capturing anything. The calling frame's CALL instruction stays
// un-advanced; once the host has prepared the stack for resumption
// (ExecutionStack.PrepareForSnapshot, which snapshot.Serialize applies), a
// later SuspendableCall on the same closure re-executes it and splices in
// whatever ReturnValue the host supplied (spec.md 4.6/4.7). Nothing here
// prepares the stack itself.
func suspendUnconditionally(_ *vm.Runtime, _ *vm.Closure, _ vm.Varargs) (vm.Varargs, bool, error) {
	return vm.Varargs{}, true, nil
}

// coreFun backs obj.coreFun: the suspending callable whose purpose is to
// snapshot (spec.md 6). cl is the host closure itself; dispatchCall aliases
// its ExecStack to the calling ExecutionStack before invoking it, so this
// is the caller's live continuation, not the host closure's own (it has
// none). Per spec.md 6's four-step contract: (1) capture cl.ExecStack,
// (2) serialize it through pkg/snapshot, (3) hand the bytes to sink,
// (4) suspend and allow re-entry later — this implementation never calls
// Stop() itself, leaving that choice to the host (seed scenario S3 resumes
// normally; S4's Stop() is driven by the host after the fact).
func coreFun(sink SnapshotSink) vm.HostFunc {
	return func(_ *vm.Runtime, cl *vm.Closure, _ vm.Varargs) (vm.Varargs, bool, error) {
		if cl.ExecStack == nil {
			return vm.Varargs{}, false, fmt.Errorf("hostlib: coreFun has no execution stack to capture")
		}
		data, err := snapshot.Serialize(cl.ExecStack)
		if err != nil {
			return vm.Varargs{}, false, err
		}
		if sink != nil {
			if err := sink.SaveSnapshot(data); err != nil {
				return vm.Varargs{}, false, err
			}
		}
		return vm.Varargs{}, true, nil
	}
}
