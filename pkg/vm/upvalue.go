package vm

// UpValue is a mutable slot shared among closures. It is either open (still
// aliasing a live register in some frame of the owning ExecutionStack) or
// closed (holding its own value). Open state is a (frame index, slot) pair
// rather than a raw pointer: this is what lets the continuation graph be
// serialized by a general-purpose encoder (see pkg/snapshot) without needing
// to chase, and re-point, live Go pointers on the way back in.
type UpValue struct {
	open      bool
	frameIdx  int
	slot      int
	closed    Value
	execStack *ExecutionStack // resolves frameIdx/slot while open; nil once closed
}

// newOpenUpValue creates an upvalue aliasing stack[slot] of the frame at
// frameIdx within the given ExecutionStack.
func newOpenUpValue(stack *ExecutionStack, frameIdx, slot int) *UpValue {
	return &UpValue{open: true, frameIdx: frameIdx, slot: slot, execStack: stack}
}

// newClosedUpValue creates an already-closed upvalue, used by
// NewClosedUpValue when pkg/snapshot rebuilds cells. (A closure capturing
// from its parent's upvalue array shares the parent's cell instead.)
func newClosedUpValue(v Value) *UpValue {
	return &UpValue{closed: v}
}

// Get reads the upvalue's current value.
func (u *UpValue) Get() Value {
	if !u.open {
		return u.closed
	}
	return u.execStack.Frames[u.frameIdx].Stack[u.slot]
}

// Set writes the upvalue's current value.
func (u *UpValue) Set(v Value) {
	if !u.open {
		u.closed = v
		return
	}
	u.execStack.Frames[u.frameIdx].Stack[u.slot] = v
}

// Close is idempotent: the first call snapshots the live register value and
// switches the cell to closed state; later calls are no-ops.
func (u *UpValue) Close() {
	if !u.open {
		return
	}
	u.closed = u.execStack.Frames[u.frameIdx].Stack[u.slot]
	u.open = false
	u.execStack = nil
}

// IsOpen reports whether the cell still aliases a live register.
func (u *UpValue) IsOpen() bool { return u.open }

// ClosedValue returns the snapshotted value of a closed upvalue. Callers must
// check IsOpen first; pkg/snapshot only ever walks upvalues after a forced
// close-all pass.
func (u *UpValue) ClosedValue() Value { return u.closed }

// NewClosedUpValue exposes newClosedUpValue to other packages (pkg/snapshot
// reconstructing a continuation from serialized, already-closed cells).
func NewClosedUpValue(v Value) *UpValue { return newClosedUpValue(v) }

// findOpenUpValue locates an existing open upvalue for (frameIdx, slot) in
// the stack's open list, enforcing the "at most one open UpValue per
// (frame, slot)" invariant; it returns nil if none exists yet.
func (stack *ExecutionStack) findOpenUpValue(frameIdx, slot int) *UpValue {
	for _, uv := range stack.openUpvalues {
		if uv.open && uv.frameIdx == frameIdx && uv.slot == slot {
			return uv
		}
	}
	return nil
}

// findOrCreateUpValue implements findupval(stack, idx, openups) from
// spec.md 4.5's OP_CLOSURE semantics.
func (stack *ExecutionStack) findOrCreateUpValue(frameIdx, slot int) *UpValue {
	if uv := stack.findOpenUpValue(frameIdx, slot); uv != nil {
		return uv
	}
	uv := newOpenUpValue(stack, frameIdx, slot)
	stack.openUpvalues = append(stack.openUpvalues, uv)
	return uv
}

// closeFrom closes every open upvalue for the given frame whose slot is >= minSlot,
// used by OP_JMP's "close all open upvalues with index >= A-1" and by frame teardown.
func (stack *ExecutionStack) closeFrom(frameIdx, minSlot int) {
	for _, uv := range stack.openUpvalues {
		if uv.open && uv.frameIdx == frameIdx && uv.slot >= minSlot {
			uv.Close()
		}
	}
}

// closeAllForFrame closes every open upvalue belonging to a frame that is
// about to be popped (spec.md 4.8's "all open upvalues encountered are
// closed by the loop's finally region").
func (stack *ExecutionStack) closeAllForFrame(frameIdx int) {
	stack.closeFrom(frameIdx, 0)
}
