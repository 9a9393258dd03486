package main

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"os"

	"lucoro/pkg/vm"
)

// loadPrototype and savePrototype stand in for the out-of-scope bytecode
// loader (spec.md 1 Non-goals): a .luac file is just a gob encoding of a
// *vm.Prototype. This only works because a Prototype's Constants never hold
// a Table or Closure value (those are always built at runtime by
// NEWTABLE/CLOSURE, never compile-time literals, in real Lua bytecode too),
// so every field gob needs to see is already exported.
func loadPrototype(path string) (*vm.Prototype, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var proto vm.Prototype
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&proto); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &proto, nil
}

func savePrototype(path string, proto *vm.Prototype) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(proto); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
