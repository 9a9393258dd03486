package vm

import "lucoro/pkg/luaerr"

// runFrame is the unified dispatch loop: one function drives both
// synchronous (suspendable=false) and suspendable (suspendable=true)
// execution rather than duplicating the ~30 opcode arms across two loops,
// per the alternative spec.md 9 itself sketches ("encode the loop as a step
// function..."). It runs stack.Frames[frameIdx] until that frame returns,
// tail-calls out (a trampoline result), or — suspendable path only — a
// HostFunc parks the call chain mid-CALL.
func runFrame(rt *Runtime, stack *ExecutionStack, frameIdx int, suspendable bool) (invokeResult, error) {
	frame := stack.Frames[frameIdx]
	proto := frame.Proto

	for {
		if frame.PC < 0 || frame.PC >= len(proto.Code) {
			return invokeResult{}, luaErrorf("%s: pc %d out of range", proto.Source, frame.PC)
		}
		instr := proto.Code[frame.PC]
		op := DecodeOp(instr)
		a := DecodeA(instr)

		switch op {
		case OpMove:
			b := DecodeB(instr)
			frame.Stack[a] = frame.Stack[b]
			frame.PC++

		case OpLoadK:
			bx := DecodeBx(instr)
			frame.Stack[a] = proto.Constants[bx]
			frame.PC++

		case OpLoadBool:
			b, c := DecodeB(instr), DecodeC(instr)
			frame.Stack[a] = Bool(b != 0)
			if c != 0 {
				frame.PC += 2
			} else {
				frame.PC++
			}

		case OpLoadNil:
			b := DecodeB(instr)
			for i := a; i <= a+b; i++ {
				frame.Stack[i] = NIL
			}
			frame.PC++

		case OpGetUpval:
			b := DecodeB(instr)
			frame.Stack[a] = frame.Closure.Upvalues[b].Get()
			frame.PC++

		case OpSetUpval:
			b := DecodeB(instr)
			frame.Closure.Upvalues[b].Set(frame.Stack[a])
			frame.PC++

		case OpGetTabUp:
			// B (the upvalue index) is not consulted: every closure in this
			// engine resolves globals through its own Env table directly
			// rather than modeling _ENV as a real upvalue slot.
			c := DecodeC(instr)
			key := rk(frame, c)
			v, err := frame.Closure.Env.Get(rt, key)
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.Stack[a] = v
			frame.PC++

		case OpSetTabUp:
			b, c := DecodeB(instr), DecodeC(instr)
			key := rk(frame, b)
			val := rk(frame, c)
			if err := frame.Closure.Env.Set(rt, key, val); err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.PC++

		case OpGetTable:
			b, c := DecodeB(instr), DecodeC(instr)
			tbl := frame.Stack[b]
			if !tbl.IsTable() {
				return invokeResult{}, decorate(luaErrorf("attempt to index a %s value", tbl.TypeName()), proto, frame.PC)
			}
			v, err := tbl.Tbl.Get(rt, rk(frame, c))
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.Stack[a] = v
			frame.PC++

		case OpSetTable:
			b, c := DecodeB(instr), DecodeC(instr)
			tbl := frame.Stack[a]
			if !tbl.IsTable() {
				return invokeResult{}, decorate(luaErrorf("attempt to index a %s value", tbl.TypeName()), proto, frame.PC)
			}
			if err := tbl.Tbl.Set(rt, rk(frame, b), rk(frame, c)); err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.PC++

		case OpNewTable:
			b := DecodeB(instr)
			frame.Stack[a] = TableV(NewTableSized(b))
			frame.PC++

		case OpSelf:
			b, c := DecodeB(instr), DecodeC(instr)
			obj := frame.Stack[b]
			if !obj.IsTable() {
				return invokeResult{}, decorate(luaErrorf("attempt to index a %s value", obj.TypeName()), proto, frame.PC)
			}
			method, err := obj.Tbl.Get(rt, rk(frame, c))
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.Stack[a+1] = obj
			frame.Stack[a] = method
			frame.PC++

		case OpAdd, OpSub, OpMul, OpDiv, OpMod, OpPow:
			b, c := DecodeB(instr), DecodeC(instr)
			res, err := Arith(arithOpFor(op), rk(frame, b), rk(frame, c))
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.Stack[a] = res
			frame.PC++

		case OpUnm:
			b := DecodeB(instr)
			res, err := Unm(frame.Stack[b])
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.Stack[a] = res
			frame.PC++

		case OpNot:
			b := DecodeB(instr)
			frame.Stack[a] = Not(frame.Stack[b])
			frame.PC++

		case OpLen:
			b := DecodeB(instr)
			res, err := Len(rt, frame.Stack[b])
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.Stack[a] = res
			frame.PC++

		case OpConcat:
			b, c := DecodeB(instr), DecodeC(instr)
			first := frame.Stack[b]
			if !first.IsString() && !first.IsNumber() {
				return invokeResult{}, decorate(luaErrorf("attempt to concatenate a %s value", first.TypeName()), proto, frame.PC)
			}
			buf := NewBuffer(first)
			for i := b + 1; i <= c; i++ {
				v := frame.Stack[i]
				if !v.IsString() && !v.IsNumber() {
					return invokeResult{}, decorate(luaErrorf("attempt to concatenate a %s value", v.TypeName()), proto, frame.PC)
				}
				buf.WriteValue(v)
			}
			frame.Stack[a] = buf.Value()
			frame.PC++

		case OpJmp:
			sbx := DecodeSBx(instr)
			if a > 0 {
				stack.closeFrom(frameIdx, a-1)
			}
			frame.PC += 1 + sbx

		case OpEq:
			b, c := DecodeB(instr), DecodeC(instr)
			eq := RawEqual(rk(frame, b), rk(frame, c))
			frame.PC += skipOrStep(eq, a)

		case OpLt:
			b, c := DecodeB(instr), DecodeC(instr)
			lt, err := Lt(rk(frame, b), rk(frame, c))
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.PC += skipOrStep(lt, a)

		case OpLe:
			b, c := DecodeB(instr), DecodeC(instr)
			le, err := Le(rk(frame, b), rk(frame, c))
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.PC += skipOrStep(le, a)

		case OpTest:
			c := DecodeC(instr)
			if frame.Stack[a].ToBoolean() != (c != 0) {
				frame.PC += 2
			} else {
				frame.PC++
			}

		case OpTestSet:
			b, c := DecodeB(instr), DecodeC(instr)
			if frame.Stack[b].ToBoolean() != (c != 0) {
				frame.PC += 2
			} else {
				frame.Stack[a] = frame.Stack[b]
				frame.PC++
			}

		case OpCall:
			b, c := DecodeB(instr), DecodeC(instr)
			res, err := dispatchCall(rt, stack, frameIdx, frame, a, b, c, suspendable)
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			if res.suspended {
				return res, nil
			}
			frame.PC++

		case OpTailCall:
			b := DecodeB(instr)
			calleeVal := frame.Stack[a]
			args := gatherVarArgs(frame, a+1, b)
			stack.pop()
			return invokeResult{trampo: &TailcallVarargs{Callee: calleeVal, Args: args}}, nil

		case OpReturn:
			b := DecodeB(instr)
			vals := NewVarargs(gatherVarArgs(frame, a, b)...)
			stack.pop()
			return invokeResult{values: vals}, nil

		case OpForPrep:
			sbx := DecodeSBx(instr)
			init, err := Arith(opSub, frame.Stack[a], frame.Stack[a+2])
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.Stack[a] = init
			frame.PC += 1 + sbx

		case OpForLoop:
			sbx := DecodeSBx(instr)
			step := frame.Stack[a+2]
			next, err := Arith(opAdd, frame.Stack[a], step)
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			frame.Stack[a] = next
			limit := frame.Stack[a+1]
			inBounds := false
			if step.AsFloat() >= 0 {
				inBounds = next.AsFloat() <= limit.AsFloat()
			} else {
				inBounds = next.AsFloat() >= limit.AsFloat()
			}
			if inBounds {
				frame.Stack[a+3] = next
				frame.PC += 1 + sbx
			} else {
				frame.PC++
			}

		case OpTForCall:
			c := DecodeC(instr)
			fn := frame.Stack[a]
			if !fn.IsFunction() {
				return invokeResult{}, decorate(luaErrorf("attempt to call a %s value", fn.TypeName()), proto, frame.PC)
			}
			callArgs := NewVarargs(frame.Stack[a+1], frame.Stack[a+2])
			res, err := invokeNested(rt, fn.Cl, callArgs, false)
			if err != nil {
				return invokeResult{}, decorate(err, proto, frame.PC)
			}
			for i := 0; i < c; i++ {
				frame.Stack[a+3+i] = res.values.Arg(i + 1)
			}
			frame.PC++

		case OpTForLoop:
			sbx := DecodeSBx(instr)
			if !frame.Stack[a+1].IsNil() {
				frame.Stack[a] = frame.Stack[a+1]
				frame.PC += 1 + sbx
			} else {
				frame.PC++
			}

		case OpSetList:
			b, c := DecodeB(instr), DecodeC(instr)
			if c == 0 {
				// Real C is stashed in the following EXTRAARG instruction.
				c = int(DecodeBx(proto.Code[frame.PC+1]))
			}
			tbl := frame.Stack[a]
			if !tbl.IsTable() {
				return invokeResult{}, decorate(luaErrorf("attempt to index a %s value", tbl.TypeName()), proto, frame.PC)
			}
			n := b
			if n == 0 {
				n = frame.Top - a - 1
			}
			base := (c - 1) * listItemsPerFlush
			for i := 1; i <= n; i++ {
				tbl.Tbl.rawSet(Int(int64(base+i)), frame.Stack[a+i])
			}
			if DecodeC(instr) == 0 {
				frame.PC += 2
			} else {
				frame.PC++
			}

		case OpClosure:
			bx := DecodeBx(instr)
			childProto := proto.Protos[bx]
			childCl := NewClosure(childProto, frame.Closure.Env)
			for i, desc := range childProto.Upvalues {
				if desc.InStack {
					childCl.Upvalues[i] = stack.findOrCreateUpValue(frameIdx, int(desc.Index))
				} else {
					childCl.Upvalues[i] = frame.Closure.Upvalues[desc.Index]
				}
			}
			frame.Stack[a] = FuncV(childCl)
			frame.PC++

		case OpVararg:
			b := DecodeB(instr)
			n := b - 1
			if b == 0 {
				n = frame.V.Len()
				frame.Top = a + n
			}
			ensureStackSize(frame, a+n)
			rest := frame.V.Subargs(1).Slice()
			for i := 0; i < n; i++ {
				if i < len(rest) {
					frame.Stack[a+i] = rest[i]
				} else {
					frame.Stack[a+i] = NIL
				}
			}
			frame.PC++

		case OpExtraArg:
			fallthrough

		default:
			return invokeResult{}, &luaerr.IllegalOpcodeError{Op: byte(op), Source: proto.Source, LineNo: proto.Line(frame.PC)}
		}
	}
}

const listItemsPerFlush = 50

// skipOrStep implements the comparison opcodes' "if (cond ~= A) then pc++"
// rule: the following instruction is always a JMP, executed only when the
// comparison matched what A expected.
func skipOrStep(cond bool, a int) int {
	if cond != (a != 0) {
		return 2
	}
	return 1
}

func arithOpFor(op OpCode) arithOp {
	switch op {
	case OpAdd:
		return opAdd
	case OpSub:
		return opSub
	case OpMul:
		return opMul
	case OpDiv:
		return opDiv
	case OpMod:
		return opMod
	case OpPow:
		return opPow
	}
	return opAdd
}

// rk resolves an RK(x) operand: a constant-table reference or a register.
func rk(frame *Frame, x int) Value {
	if IsConstRK(x) {
		return frame.Proto.Constants[RKConstIndex(x)]
	}
	return frame.Stack[x]
}

// gatherVarArgs reads a run of registers starting at base, honoring the
// B==0 "use everything up to frame.Top" convention shared by CALL, RETURN
// and SETLIST.
func gatherVarArgs(frame *Frame, base, countPlusOne int) []Value {
	var n int
	if countPlusOne == 0 {
		n = frame.Top - base
	} else {
		n = countPlusOne - 1
	}
	if n < 0 {
		n = 0
	}
	ensureStackSize(frame, base+n)
	out := make([]Value, n)
	copy(out, frame.Stack[base:base+n])
	return out
}

// storeResults writes a call's results back starting at base, honoring the
// C==0 "leave a variable count, update frame.Top" convention.
func storeResults(frame *Frame, base, countPlusOne int, vals Varargs) {
	var n int
	if countPlusOne == 0 {
		n = vals.Len()
	} else {
		n = countPlusOne - 1
	}
	ensureStackSize(frame, base+n)
	for i := 0; i < n; i++ {
		frame.Stack[base+i] = vals.Arg(i + 1)
	}
	if countPlusOne == 0 {
		frame.Top = base + n
	}
}

func ensureStackSize(frame *Frame, n int) {
	if n > len(frame.Stack) {
		grown := make([]Value, n)
		copy(grown, frame.Stack)
		frame.Stack = grown
	}
}

// dispatchCall implements OP_CALL, including the host_level splice check
// from spec.md 4.6/4.7: if this exact call site is the one a prior
// suspension parked at, its stored ExecutionStack.ReturnValue is consumed in
// place of invoking the callee again.
func dispatchCall(rt *Runtime, stack *ExecutionStack, frameIdx int, frame *Frame, a, b, c int, suspendable bool) (invokeResult, error) {
	nextLevel := frameIdx + 1
	if suspendable && nextLevel == stack.HostLevel {
		stack.HostLevel = hostLevelNone
		storeResults(frame, a, c, NewVarargs(stack.ReturnValue))
		return invokeResult{}, nil
	}

	calleeVal := frame.Stack[a]
	if !calleeVal.IsFunction() {
		return invokeResult{}, luaErrorf("attempt to call a %s value", calleeVal.TypeName())
	}
	args := NewVarargs(gatherVarArgs(frame, a+1, b)...)

	calleeVal.Cl.ExecStack = stack
	stack.CurrentLevel = nextLevel
	res, err := invokeNested(rt, calleeVal.Cl, args, suspendable)
	if err != nil {
		return invokeResult{}, err
	}
	if res.suspended {
		return res, nil
	}
	stack.CurrentLevel = frameIdx
	storeResults(frame, a, c, res.values)
	return invokeResult{}, nil
}

// decorate fills in the source/line of a bare RuntimeError or HostError
// raised by an opcode arm (arith.go, table.go and the luaErrorf call sites
// here all build RuntimeErrors without knowing their position) and appends
// this frame to its Traceback. decorate runs once per enclosing frame as an
// error unwinds back through OP_CALL's handler, so the Traceback accumulates
// one entry per call level, innermost first.
func decorate(err error, proto *Prototype, pc int) error {
	switch e := err.(type) {
	case *luaerr.RuntimeError:
		if e.Source == "" {
			e.Source = proto.Source
			e.LineNo = proto.Line(pc)
		}
		e.Traceback = append(e.Traceback, luaerr.Frame{Source: proto.Source, Line: proto.Line(pc)})
	case *luaerr.HostError:
		if e.Source == "" {
			e.Source = proto.Source
			e.LineNo = proto.Line(pc)
		}
	}
	return err
}
