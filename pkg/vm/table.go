package vm

// Table is a Lua table: a hybrid dense-array + hash map, with an optional
// metatable. The array part holds the dense 1..n integer-keyed run (the
// common case for list-like tables); everything else lives in the hash part.
type Table struct {
	array     []Value
	hash      map[Value]Value
	Metatable *Table
}

func NewTable() *Table {
	return &Table{}
}

// NewTableSized pre-sizes the array part, used by OP_NEWTABLE. OP_SETLIST
// stores into the table as it is and does not pre-size it.
func NewTableSized(arraySize int) *Table {
	t := &Table{}
	if arraySize > 0 {
		t.array = make([]Value, 0, arraySize)
	}
	return t
}

func arrayIndex(k Value) (int, bool) {
	switch k.Tag {
	case TInt:
		if k.I >= 1 {
			return int(k.I), true
		}
	case TFloat:
		if k.N == float64(int64(k.N)) && k.N >= 1 {
			return int(k.N), true
		}
	}
	return 0, false
}

// rawGet looks up a key without consulting metatables.
func (t *Table) rawGet(k Value) Value {
	if idx, ok := arrayIndex(k); ok && idx <= len(t.array) {
		return t.array[idx-1]
	}
	if t.hash == nil {
		return NIL
	}
	if v, ok := t.hash[normalizeKey(k)]; ok {
		return v
	}
	return NIL
}

// rawSet stores a key without consulting metatables. Setting nil deletes.
func (t *Table) rawSet(k, v Value) {
	if idx, ok := arrayIndex(k); ok {
		if idx <= len(t.array) {
			t.array[idx-1] = v
			if v.IsNil() && idx == len(t.array) {
				t.array = t.array[:idx-1]
			}
			return
		}
		if idx == len(t.array)+1 && !v.IsNil() {
			t.array = append(t.array, v)
			t.migrateFromHash()
			return
		}
	}
	if v.IsNil() {
		if t.hash != nil {
			delete(t.hash, normalizeKey(k))
		}
		return
	}
	if t.hash == nil {
		t.hash = make(map[Value]Value)
	}
	t.hash[normalizeKey(k)] = v
}

// migrateFromHash pulls any subsequent integer keys that were stashed in the
// hash part (because the array run had a hole) into the array once the hole
// is filled.
func (t *Table) migrateFromHash() {
	if t.hash == nil {
		return
	}
	for {
		next := Int(int64(len(t.array) + 1))
		v, ok := t.hash[next]
		if !ok {
			return
		}
		delete(t.hash, next)
		t.array = append(t.array, v)
	}
}

// normalizeKey canonicalizes integral floats to int keys so that t[1] and
// t[1.0] address the same slot, per Lua 5.2 semantics.
func normalizeKey(k Value) Value {
	if k.Tag == TFloat && k.N == float64(int64(k.N)) {
		return Int(int64(k.N))
	}
	return k
}

// ArrayPart exposes the dense array segment for pkg/snapshot's graph walk.
func (t *Table) ArrayPart() []Value { return t.array }

// HashPart exposes the hash segment for pkg/snapshot's graph walk.
func (t *Table) HashPart() map[Value]Value { return t.hash }

// RestoreParts rebuilds a Table's internal storage from serialized parts; used
// only by pkg/snapshot when reconstructing a Table from a continuation.
func (t *Table) RestoreParts(array []Value, hash map[Value]Value, meta *Table) {
	t.array = array
	t.hash = hash
	t.Metatable = meta
}

// Len implements the Lua '#' border operator for the common case of a table
// used purely as a sequence: the length of the dense array part.
func (t *Table) Len() int64 {
	return int64(len(t.array))
}

// Get performs indexing honoring __index chains (tables or callables).
func (t *Table) Get(rt *Runtime, k Value) (Value, error) {
	v := t.rawGet(k)
	if !v.IsNil() || t.Metatable == nil {
		return v, nil
	}
	idx := t.Metatable.rawGet(Str("__index"))
	switch idx.Tag {
	case TNil:
		return NIL, nil
	case TTable:
		return idx.Tbl.Get(rt, k)
	case TFunction:
		res, err := rt.Call(idx.Cl, TableV(t), k)
		return res, err
	default:
		return NIL, nil
	}
}

// Set performs indexing honoring __newindex chains.
func (t *Table) Set(rt *Runtime, k, v Value) error {
	existing := t.rawGet(k)
	if !existing.IsNil() || t.Metatable == nil {
		t.rawSet(k, v)
		return nil
	}
	ni := t.Metatable.rawGet(Str("__newindex"))
	switch ni.Tag {
	case TNil:
		t.rawSet(k, v)
		return nil
	case TTable:
		return ni.Tbl.Set(rt, k, v)
	case TFunction:
		_, err := rt.Call(ni.Cl, TableV(t), k, v)
		return err
	default:
		t.rawSet(k, v)
		return nil
	}
}
