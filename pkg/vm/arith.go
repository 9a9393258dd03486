package vm

import (
	"lucoro/pkg/luaerr"
	"math"
)

type arithOp byte

const (
	opAdd arithOp = iota
	opSub
	opMul
	opDiv
	opMod
	opPow
)

// Arith implements OP_ADD/SUB/MUL/DIV/MOD/POW with Lua's integer/float
// promotion rules: int op int stays int for +,-,* (wrapping per Go's
// int64 semantics, matching the reference's bit-exact integer arithmetic);
// / and ^ always produce a float; mixed int/float widens to float.
func Arith(op arithOp, a, b Value) (Value, error) {
	an, aok := a.ToNumber()
	bn, bok := b.ToNumber()
	if !aok || !bok {
		bad := a
		if aok {
			bad = b
		}
		return NIL, luaerr.New("attempt to perform arithmetic on a %s value", bad.TypeName())
	}
	if op == opDiv || op == opPow {
		af, bf := an.AsFloat(), bn.AsFloat()
		if op == opDiv {
			return Float(af / bf), nil
		}
		return Float(math.Pow(af, bf)), nil
	}
	if an.Tag == TInt && bn.Tag == TInt {
		switch op {
		case opAdd:
			return Int(an.I + bn.I), nil
		case opSub:
			return Int(an.I - bn.I), nil
		case opMul:
			return Int(an.I * bn.I), nil
		case opMod:
			if bn.I == 0 {
				return NIL, luaerr.New("attempt to perform 'n%%0'")
			}
			m := an.I % bn.I
			if m != 0 && (m^bn.I) < 0 {
				m += bn.I
			}
			return Int(m), nil
		}
	}
	af, bf := an.AsFloat(), bn.AsFloat()
	switch op {
	case opAdd:
		return Float(af + bf), nil
	case opSub:
		return Float(af - bf), nil
	case opMul:
		return Float(af * bf), nil
	case opMod:
		m := math.Mod(af, bf)
		if m != 0 && (m < 0) != (bf < 0) {
			m += bf
		}
		return Float(m), nil
	}
	return NIL, luaerr.New("unsupported arithmetic operator")
}

// Unm implements unary minus (OP_UNM).
func Unm(a Value) (Value, error) {
	n, ok := a.ToNumber()
	if !ok {
		return NIL, luaerr.New("attempt to perform arithmetic on a %s value", a.TypeName())
	}
	if n.Tag == TInt {
		return Int(-n.I), nil
	}
	return Float(-n.N), nil
}

// Not implements logical not (OP_NOT); always succeeds.
func Not(a Value) Value { return Bool(!a.ToBoolean()) }

// Len implements the '#' operator (OP_LEN): string byte-length or a table's
// sequence border, honoring __len.
func Len(rt *Runtime, a Value) (Value, error) {
	switch a.Tag {
	case TString:
		return Int(int64(len(a.S))), nil
	case TTable:
		if a.Tbl.Metatable != nil {
			if mm := a.Tbl.Metatable.rawGet(Str("__len")); mm.IsFunction() {
				return rt.Call(mm.Cl, a)
			}
		}
		return Int(a.Tbl.Len()), nil
	default:
		return NIL, luaerr.New("attempt to get length of a %s value", a.TypeName())
	}
}

// Lt implements '<'. Numbers compare numerically; strings byte-lexically;
// anything else is a type error (metamethod chasing for __lt is left to the
// out-of-scope stdlib layer since it is table-defined user code, not a core
// engine concern beyond dispatching to it the same way Get/Set do).
func Lt(a, b Value) (bool, error) {
	return compare(a, b, func(x, y float64) bool { return x < y }, func(x, y string) bool { return x < y })
}

// Le implements '<='.
func Le(a, b Value) (bool, error) {
	return compare(a, b, func(x, y float64) bool { return x <= y }, func(x, y string) bool { return x <= y })
}

func compare(a, b Value, numCmp func(float64, float64) bool, strCmp func(string, string) bool) (bool, error) {
	if a.IsNumber() && b.IsNumber() {
		return numCmp(a.AsFloat(), b.AsFloat()), nil
	}
	if a.IsString() && b.IsString() {
		return strCmp(a.S, b.S), nil
	}
	return false, luaerr.New("attempt to compare %s with %s", a.TypeName(), b.TypeName())
}
