// Package snapshot implements the continuation codec from spec.md 6 and 9:
// serializing a suspended ExecutionStack to bytes, and reconstructing a
// Closure able to resume it, via encoding/gob over a flattened object graph.
//
// gob dereferences every pointer field into the value it points to (it has
// no notion of shared or cyclic references), so a naive encode of the
// Table/Closure/Prototype/UpValue graph would either blow up on a cycle or
// silently duplicate shared state (two closures that captured the same
// upvalue would wake up with two independent cells). This package flattens
// that graph into pools of records addressed by integer ID instead, which is
// the standard way to push a pointer graph through a serializer that only
// understands trees.
package snapshot

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"lucoro/pkg/vm"
)

type sValue struct {
	Tag       byte
	B         bool
	N         float64
	I         int64
	S         string
	TableID   int
	ClosureID int
}

type protoRec struct {
	Code          []uint32
	Constants     []sValue
	ChildProtoIDs []int
	Upvalues      []vm.UpvalDesc
	NumParams     byte
	IsVararg      bool
	MaxStackSize  byte
	Source        string
	LineInfo      []int
}

type tableRec struct {
	ArrayVals   []sValue
	HashKeys    []sValue
	HashVals    []sValue
	MetatableID int
}

type upvalRec struct {
	Closed sValue
}

type closureRec struct {
	ProtoID    int
	UpvalueIDs []int
}

type frameRec struct {
	PC        int
	ProtoID   int
	Stack     []sValue
	Vararg    []sValue
	Top       int
	ClosureID int
}

type execStackRec struct {
	Frames       []frameRec
	CurrentLevel int
	HostLevel    int
	ReturnValue  sValue
	UserEndCall  bool
	StartTime    int64
}

// graph is the full gob payload: a pool per reference-typed kind, plus the
// single ExecutionStack record and the ID of its root (outermost) closure.
type graph struct {
	Prototypes    []protoRec
	Tables        []tableRec
	Closures      []closureRec
	Upvalues      []upvalRec
	Stack         execStackRec
	RootClosureID int
}

// Serialize implements spec.md 6's continuation capture: force-close every
// open upvalue reachable from stack, apply PrepareForSnapshot (host_level =
// current_level, current_level reset to 0), then gob-encode the flattened
// graph rooted at the outermost pushed frame's closure.
//
// A stack holding a register or upvalue that resolves to a live host
// function value cannot be serialized (a Go func value carries no portable
// representation); Serialize reports that case as an error rather than
// silently dropping the callable. The one exception is the callee register
// of a frame parked on a CALL to a host function (the suspension point
// itself): resume splices ReturnValue there instead of calling the callee
// again, so that register is recorded as nil.
func Serialize(stack *vm.ExecutionStack) ([]byte, error) {
	if stack.Depth() == 0 {
		return nil, fmt.Errorf("snapshot: cannot serialize an empty execution stack")
	}
	stack.ForceCloseAllUpvalues()
	stack.PrepareForSnapshot()

	b := newBuilder()
	frames := make([]frameRec, stack.Depth())
	for i, f := range stack.Frames {
		fr, err := b.encodeFrame(f)
		if err != nil {
			return nil, err
		}
		frames[i] = fr
	}
	rootCid, err := b.closureID(stack.Frames[0].Closure)
	if err != nil {
		return nil, err
	}
	rv, err := b.encodeValue(stack.ReturnValue)
	if err != nil {
		return nil, err
	}
	b.g.Stack = execStackRec{
		Frames:       frames,
		CurrentLevel: stack.CurrentLevel,
		HostLevel:    stack.HostLevel,
		ReturnValue:  rv,
		UserEndCall:  stack.UserEndCall,
		StartTime:    stack.StartTime,
	}
	b.g.RootClosureID = rootCid

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(b.g); err != nil {
		return nil, fmt.Errorf("snapshot: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Deserialize is the mirror of Serialize: it decodes the flattened graph and
// rebuilds the Table/Prototype/Closure/UpValue pools, then returns the root
// (outermost) Closure with its ExecutionStack restored, ready for
// SuspendableCall/SuspendableInvoke to resume.
//
// globals becomes the Env of every reconstructed Lua closure: the global
// table (and anything reachable only from it, such as host-callable
// bindings) is re-supplied by the host on restore rather than round-tripped
// through the snapshot, since a host function value cannot be serialized.
// This mirrors how a real embedding re-registers its stdlib after loading a
// snapshot rather than expecting the snapshot to carry it.
func Deserialize(data []byte, globals *vm.Table) (*vm.Closure, error) {
	var g graph
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&g); err != nil {
		return nil, fmt.Errorf("snapshot: decode: %w", err)
	}
	if g.RootClosureID == 0 {
		return nil, fmt.Errorf("snapshot: payload has no root closure")
	}

	d := &decoder{g: &g, globals: globals}
	d.protos = make([]*vm.Prototype, len(g.Prototypes))
	for i := range g.Prototypes {
		d.protos[i] = &vm.Prototype{}
	}
	d.tables = make([]*vm.Table, len(g.Tables))
	for i := range g.Tables {
		d.tables[i] = vm.NewTable()
	}
	d.closures = make([]*vm.Closure, len(g.Closures))
	for i := range g.Closures {
		d.closures[i] = &vm.Closure{}
	}
	d.upvals = make([]*vm.UpValue, len(g.Upvalues))
	for i, rec := range g.Upvalues {
		d.upvals[i] = vm.NewClosedUpValue(d.decodeValue(rec.Closed))
	}

	for i, rec := range g.Prototypes {
		d.fillProto(i, rec)
	}
	for i, rec := range g.Tables {
		d.fillTable(i, rec)
	}
	for i, rec := range g.Closures {
		d.fillClosure(i, rec)
	}

	root := d.closureAt(g.RootClosureID)

	stack := vm.NewExecutionStack()
	stack.CurrentLevel = g.Stack.CurrentLevel
	stack.HostLevel = g.Stack.HostLevel
	stack.UserEndCall = g.Stack.UserEndCall
	stack.StartTime = g.Stack.StartTime
	stack.ReturnValue = d.decodeValue(g.Stack.ReturnValue)
	for _, fr := range g.Stack.Frames {
		stack.Frames = append(stack.Frames, d.decodeFrame(fr))
	}
	root.ExecStack = stack
	return root, nil
}

// builder accumulates the flattened graph during Serialize, interning each
// pointer-identified value exactly once (IDs are 1-based; 0 means nil).
type builder struct {
	g          *graph
	protoIdx   map[*vm.Prototype]int
	tableIdx   map[*vm.Table]int
	closureIdx map[*vm.Closure]int
	upvalIdx   map[*vm.UpValue]int
}

func newBuilder() *builder {
	return &builder{
		g:          &graph{},
		protoIdx:   make(map[*vm.Prototype]int),
		tableIdx:   make(map[*vm.Table]int),
		closureIdx: make(map[*vm.Closure]int),
		upvalIdx:   make(map[*vm.UpValue]int),
	}
}

func (b *builder) encodeValue(v vm.Value) (sValue, error) {
	switch v.Tag {
	case vm.TNil:
		return sValue{Tag: byte(vm.TNil)}, nil
	case vm.TBool:
		return sValue{Tag: byte(vm.TBool), B: v.B}, nil
	case vm.TInt:
		return sValue{Tag: byte(vm.TInt), I: v.I}, nil
	case vm.TFloat:
		return sValue{Tag: byte(vm.TFloat), N: v.N}, nil
	case vm.TString:
		return sValue{Tag: byte(vm.TString), S: v.S}, nil
	case vm.TTable:
		return sValue{Tag: byte(vm.TTable), TableID: b.tableID(v.Tbl)}, nil
	case vm.TFunction:
		cid, err := b.closureID(v.Cl)
		if err != nil {
			return sValue{}, err
		}
		return sValue{Tag: byte(vm.TFunction), ClosureID: cid}, nil
	default:
		return sValue{}, fmt.Errorf("snapshot: cannot serialize a %s value", v.TypeName())
	}
}

func (b *builder) protoID(p *vm.Prototype) int {
	if p == nil {
		return 0
	}
	if id, ok := b.protoIdx[p]; ok {
		return id
	}
	id := len(b.g.Prototypes) + 1
	b.protoIdx[p] = id
	b.g.Prototypes = append(b.g.Prototypes, protoRec{})

	consts := make([]sValue, len(p.Constants))
	for i, c := range p.Constants {
		sv, err := b.encodeValue(c)
		if err != nil {
			// Constants are compiler-emitted literals; a host function can
			// never legally appear here, so this is unreachable in practice.
			sv = sValue{}
		}
		consts[i] = sv
	}
	children := make([]int, len(p.Protos))
	for i, cp := range p.Protos {
		children[i] = b.protoID(cp)
	}
	b.g.Prototypes[id-1] = protoRec{
		Code:          p.Code,
		Constants:     consts,
		ChildProtoIDs: children,
		Upvalues:      p.Upvalues,
		NumParams:     p.NumParams,
		IsVararg:      p.IsVararg,
		MaxStackSize:  p.MaxStackSize,
		Source:        p.Source,
		LineInfo:      p.LineInfo,
	}
	return id
}

func (b *builder) tableID(t *vm.Table) int {
	if t == nil {
		return 0
	}
	if id, ok := b.tableIdx[t]; ok {
		return id
	}
	id := len(b.g.Tables) + 1
	b.tableIdx[t] = id
	b.g.Tables = append(b.g.Tables, tableRec{})

	arr := t.ArrayPart()
	arrVals := make([]sValue, len(arr))
	for i, v := range arr {
		sv, _ := b.encodeValue(v)
		arrVals[i] = sv
	}
	hash := t.HashPart()
	keys := make([]sValue, 0, len(hash))
	vals := make([]sValue, 0, len(hash))
	for k, v := range hash {
		sk, _ := b.encodeValue(k)
		sv, _ := b.encodeValue(v)
		keys = append(keys, sk)
		vals = append(vals, sv)
	}
	b.g.Tables[id-1] = tableRec{
		ArrayVals:   arrVals,
		HashKeys:    keys,
		HashVals:    vals,
		MetatableID: b.tableID(t.Metatable),
	}
	return id
}

func (b *builder) closureID(c *vm.Closure) (int, error) {
	if c == nil {
		return 0, nil
	}
	if id, ok := b.closureIdx[c]; ok {
		return id, nil
	}
	if c.Host != nil {
		return 0, fmt.Errorf("snapshot: cannot serialize a host function value")
	}
	id := len(b.g.Closures) + 1
	b.closureIdx[c] = id
	b.g.Closures = append(b.g.Closures, closureRec{})

	upIDs := make([]int, len(c.Upvalues))
	for i, uv := range c.Upvalues {
		uid, err := b.upvalID(uv)
		if err != nil {
			return 0, err
		}
		upIDs[i] = uid
	}
	b.g.Closures[id-1] = closureRec{ProtoID: b.protoID(c.Proto), UpvalueIDs: upIDs}
	return id, nil
}

func (b *builder) upvalID(u *vm.UpValue) (int, error) {
	if u == nil {
		return 0, nil
	}
	if id, ok := b.upvalIdx[u]; ok {
		return id, nil
	}
	if u.IsOpen() {
		return 0, fmt.Errorf("snapshot: upvalue still open at snapshot time")
	}
	id := len(b.g.Upvalues) + 1
	b.upvalIdx[u] = id
	sv, err := b.encodeValue(u.ClosedValue())
	if err != nil {
		return 0, err
	}
	b.g.Upvalues = append(b.g.Upvalues, upvalRec{Closed: sv})
	return id, nil
}

func (b *builder) encodeFrame(f *vm.Frame) (frameRec, error) {
	parkedCallee := -1
	if f.PC >= 0 && f.PC < len(f.Proto.Code) && vm.DecodeOp(f.Proto.Code[f.PC]) == vm.OpCall {
		parkedCallee = vm.DecodeA(f.Proto.Code[f.PC])
	}
	stackVals := make([]sValue, len(f.Stack))
	for i, v := range f.Stack {
		if i == parkedCallee && v.IsFunction() && v.Cl.Host != nil {
			continue // left as the zero sValue, which decodes to nil
		}
		sv, err := b.encodeValue(v)
		if err != nil {
			return frameRec{}, err
		}
		stackVals[i] = sv
	}
	varVals := make([]sValue, f.V.Len())
	for i := 1; i <= f.V.Len(); i++ {
		sv, err := b.encodeValue(f.V.Arg(i))
		if err != nil {
			return frameRec{}, err
		}
		varVals[i-1] = sv
	}
	cid, err := b.closureID(f.Closure)
	if err != nil {
		return frameRec{}, err
	}
	return frameRec{
		PC:        f.PC,
		ProtoID:   b.protoID(f.Proto),
		Stack:     stackVals,
		Vararg:    varVals,
		Top:       f.Top,
		ClosureID: cid,
	}, nil
}

// decoder rebuilds Go objects from a decoded graph, in two passes: allocate
// every pooled object first, then fill in its fields (so forward and cyclic
// references resolve to the already-allocated pointer).
type decoder struct {
	g        *graph
	globals  *vm.Table
	protos   []*vm.Prototype
	tables   []*vm.Table
	closures []*vm.Closure
	upvals   []*vm.UpValue
}

func (d *decoder) protoAt(id int) *vm.Prototype {
	if id == 0 {
		return nil
	}
	return d.protos[id-1]
}

func (d *decoder) tableAt(id int) *vm.Table {
	if id == 0 {
		return nil
	}
	return d.tables[id-1]
}

func (d *decoder) closureAt(id int) *vm.Closure {
	if id == 0 {
		return nil
	}
	return d.closures[id-1]
}

func (d *decoder) upvalAt(id int) *vm.UpValue {
	if id == 0 {
		return nil
	}
	return d.upvals[id-1]
}

func (d *decoder) decodeValue(s sValue) vm.Value {
	switch vm.Tag(s.Tag) {
	case vm.TNil:
		return vm.NIL
	case vm.TBool:
		return vm.Bool(s.B)
	case vm.TInt:
		return vm.Int(s.I)
	case vm.TFloat:
		return vm.Float(s.N)
	case vm.TString:
		return vm.Str(s.S)
	case vm.TTable:
		return vm.TableV(d.tableAt(s.TableID))
	case vm.TFunction:
		return vm.FuncV(d.closureAt(s.ClosureID))
	default:
		return vm.NIL
	}
}

func (d *decoder) fillProto(i int, rec protoRec) {
	p := d.protos[i]
	p.Code = rec.Code
	p.NumParams = rec.NumParams
	p.IsVararg = rec.IsVararg
	p.MaxStackSize = rec.MaxStackSize
	p.Source = rec.Source
	p.LineInfo = rec.LineInfo
	p.Upvalues = rec.Upvalues

	p.Constants = make([]vm.Value, len(rec.Constants))
	for j, c := range rec.Constants {
		p.Constants[j] = d.decodeValue(c)
	}
	p.Protos = make([]*vm.Prototype, len(rec.ChildProtoIDs))
	for j, cid := range rec.ChildProtoIDs {
		p.Protos[j] = d.protoAt(cid)
	}
}

func (d *decoder) fillTable(i int, rec tableRec) {
	t := d.tables[i]
	arr := make([]vm.Value, len(rec.ArrayVals))
	for j, sv := range rec.ArrayVals {
		arr[j] = d.decodeValue(sv)
	}
	var hash map[vm.Value]vm.Value
	if len(rec.HashKeys) > 0 {
		hash = make(map[vm.Value]vm.Value, len(rec.HashKeys))
		for j := range rec.HashKeys {
			hash[d.decodeValue(rec.HashKeys[j])] = d.decodeValue(rec.HashVals[j])
		}
	}
	t.RestoreParts(arr, hash, d.tableAt(rec.MetatableID))
}

func (d *decoder) fillClosure(i int, rec closureRec) {
	c := d.closures[i]
	c.Proto = d.protoAt(rec.ProtoID)
	c.Env = d.globals
	c.Upvalues = make([]*vm.UpValue, len(rec.UpvalueIDs))
	for j, uid := range rec.UpvalueIDs {
		c.Upvalues[j] = d.upvalAt(uid)
	}
}

func (d *decoder) decodeFrame(rec frameRec) *vm.Frame {
	stackVals := make([]vm.Value, len(rec.Stack))
	for j, sv := range rec.Stack {
		stackVals[j] = d.decodeValue(sv)
	}
	varVals := make([]vm.Value, len(rec.Vararg))
	for j, sv := range rec.Vararg {
		varVals[j] = d.decodeValue(sv)
	}
	return &vm.Frame{
		PC:      rec.PC,
		Proto:   d.protoAt(rec.ProtoID),
		Stack:   stackVals,
		V:       vm.NewVarargs(varVals...),
		Top:     rec.Top,
		Closure: d.closureAt(rec.ClosureID),
	}
}
