package vm

import "time"

// hostLevelNone is the host_level sentinel meaning "no splice pending",
// spelled out as a concrete value (rather than an arbitrary "MAX") so it
// gob-encodes the same way on every platform.
const hostLevelNone = 1<<31 - 1

// ExecutionStack is the call chain of frames comprising one resumable Lua
// invocation, plus the resume bookkeeping described in spec.md 3 and 4.6.
type ExecutionStack struct {
	Frames       []*Frame
	CurrentLevel int
	HostLevel    int
	ReturnValue  Value
	UserEndCall  bool
	StartTime    int64

	openUpvalues []*UpValue
}

// NewExecutionStack creates an empty, fresh stack ready for a first call.
func NewExecutionStack() *ExecutionStack {
	return &ExecutionStack{HostLevel: hostLevelNone, StartTime: time.Now().Unix()}
}

// push appends a new frame and returns its index (its stable FrameID for as
// long as any upvalue references it — see upvalue.go).
func (s *ExecutionStack) push(f *Frame) int {
	s.Frames = append(s.Frames, f)
	return len(s.Frames) - 1
}

// pop closes every open upvalue the top frame owns, then removes it.
// This is the "loop's finally region" from spec.md 4.3/4.8/7: runFrame pops
// on RETURN/TAILCALL, and onInvoke pops when runFrame returns an error.
func (s *ExecutionStack) pop() {
	idx := len(s.Frames) - 1
	if idx < 0 {
		return
	}
	s.closeAllForFrame(idx)
	s.Frames = s.Frames[:idx]
}

// Depth reports how many frames are currently pushed.
func (s *ExecutionStack) Depth() int { return len(s.Frames) }

// Top returns the innermost pushed frame, or nil if the stack is empty.
func (s *ExecutionStack) Top() *Frame {
	if len(s.Frames) == 0 {
		return nil
	}
	return s.Frames[len(s.Frames)-1]
}

// Stop implements spec.md 4.8: request a graceful teardown. Every pushed
// frame's PC is rewritten to its penultimate instruction (the OP_RETURN
// epilogue two words before the end of its code, matching "code.len - 2"),
// so the next resume immediately unwinds frame by frame.
func (s *ExecutionStack) Stop() {
	s.UserEndCall = true
	for _, f := range s.Frames {
		if n := len(f.Proto.Code); n >= 2 {
			f.PC = n - 2
		} else {
			f.PC = 0
		}
	}
}

// ForceCloseAllUpvalues closes every still-open upvalue reachable from this
// stack, breaking the frame<->upvalue cycle (spec.md 9, "Cyclic graphs in the
// continuation") before pkg/snapshot walks the graph. Safe to call on an
// already-fully-closed stack.
func (s *ExecutionStack) ForceCloseAllUpvalues() {
	for _, uv := range s.openUpvalues {
		uv.Close()
	}
}

// PrepareForSnapshot implements the External Interfaces contract from
// spec.md 6: before writing a snapshot, host_level is set to current_level
// and current_level is reset to 0, so the splice machinery engages at the
// right depth on resume. Every path that parks an ExecutionStack across a
// process boundary (pkg/snapshot, and any in-process re-suspend) must call
// this first. Idempotent: a suspended stack may be prepared more than once
// (e.g. a suspending host callable that prepares eagerly, followed by the
// host separately serializing the same stack) without the second call
// clobbering host_level back to the already-reset current_level.
func (s *ExecutionStack) PrepareForSnapshot() {
	if s.HostLevel != hostLevelNone {
		return
	}
	s.HostLevel = s.CurrentLevel
	s.CurrentLevel = 0
}
