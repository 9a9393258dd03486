// Package asm hand-assembles vm.Prototype values for use by tests and by any
// host embedding this engine without the (out-of-scope) Lua compiler: a
// thin fluent Builder emitting one Lua 5.2 instruction at a time, standing
// in for what a real front end would otherwise produce.
package asm

import "lucoro/pkg/vm"

// Builder accumulates one Prototype's code, constants and child prototypes.
type Builder struct {
	source       string
	code         []uint32
	lineInfo     []int
	constants    []vm.Value
	protos       []*vm.Prototype
	upvalues     []vm.UpvalDesc
	numParams    byte
	isVararg     bool
	maxStackSize byte
	line         int
}

// New starts a Builder for a chunk or function body named source.
func New(source string) *Builder {
	return &Builder{source: source, maxStackSize: 32}
}

// Params sets the parameter count and vararg flag.
func (b *Builder) Params(n byte, vararg bool) *Builder {
	b.numParams = n
	b.isVararg = vararg
	return b
}

// MaxStack sets the register file size; callers must size it to cover every
// register index used by the emitted code.
func (b *Builder) MaxStack(n byte) *Builder {
	b.maxStackSize = n
	return b
}

// Upvalue declares one upvalue descriptor, in capture order.
func (b *Builder) Upvalue(name string, inStack bool, index byte) *Builder {
	b.upvalues = append(b.upvalues, vm.UpvalDesc{Name: name, InStack: inStack, Index: index})
	return b
}

// Line sets the source line attributed to subsequently emitted instructions.
func (b *Builder) Line(n int) *Builder {
	b.line = n
	return b
}

// Const appends a constant and returns its index, for use with LoadK/RK
// operands built via K.
func (b *Builder) Const(v vm.Value) int {
	b.constants = append(b.constants, v)
	return len(b.constants) - 1
}

// K turns a constant index into an RK(x) operand.
func (b *Builder) K(idx int) int { return vm.EncodeConstRK(idx) }

// ChildProto registers an already-built child Prototype (for OP_CLOSURE) and
// returns its index.
func (b *Builder) ChildProto(p *vm.Prototype) int {
	b.protos = append(b.protos, p)
	return len(b.protos) - 1
}

func (b *Builder) emit(i uint32) int {
	b.code = append(b.code, i)
	b.lineInfo = append(b.lineInfo, b.line)
	return len(b.code) - 1
}

// ABC emits a generic ABC-form instruction and returns its index (useful for
// later patching jump targets).
func (b *Builder) ABC(op vm.OpCode, a, bOperand, c int) int {
	return b.emit(vm.Encode(op, a, bOperand, c))
}

// ABx emits an ABx-form instruction (LOADK, CLOSURE).
func (b *Builder) ABx(op vm.OpCode, a, bx int) int {
	return b.emit(vm.EncodeBx(op, a, bx))
}

// AsBx emits an AsBx-form instruction (JMP, FORPREP, FORLOOP, TFORLOOP).
func (b *Builder) AsBx(op vm.OpCode, a, sbx int) int {
	return b.emit(vm.EncodeSBx(op, a, sbx))
}

// PatchSBx rewrites a previously emitted AsBx instruction's offset, for
// forward jumps whose target wasn't known at emit time.
func (b *Builder) PatchSBx(pos int, sbx int) {
	op := vm.DecodeOp(b.code[pos])
	a := vm.DecodeA(b.code[pos])
	b.code[pos] = vm.EncodeSBx(op, a, sbx)
}

// Here returns the index the next emitted instruction will occupy, for
// jump-target bookkeeping.
func (b *Builder) Here() int { return len(b.code) }

// Build finalizes the Prototype. Matching the real Lua compiler, every
// function body gets an unconditional trailing `RETURN 0 1 0` appended after
// whatever the source emitted, so stop()'s "pc = code.len-2" always lands on
// the last real instruction of the body rather than running off the end.
func (b *Builder) Build() *vm.Prototype {
	b.ABC(vm.OpReturn, 0, 1, 0)
	return &vm.Prototype{
		Code:         b.code,
		Constants:    b.constants,
		Protos:       b.protos,
		Upvalues:     b.upvalues,
		NumParams:    b.numParams,
		IsVararg:     b.isVararg,
		MaxStackSize: b.maxStackSize,
		Source:       b.source,
		LineInfo:     b.lineInfo,
	}
}
