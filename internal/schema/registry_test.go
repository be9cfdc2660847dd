package schema

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestBuiltinTypes(t *testing.T) {
	reg, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	for _, want := range []string{"book", "member", "widget"} {
		if !reg.Has(want) {
			t.Errorf("missing builtin type %s", want)
		}
	}
}

func TestValidate(t *testing.T) {
	reg, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}

	msg, err := reg.Validate("widget", json.RawMessage(`{"name":"thing"}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if msg != "" {
		t.Fatalf("valid object rejected: %s", msg)
	}

	msg, err = reg.Validate("widget", json.RawMessage(`{"description":"no name"}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if msg == "" {
		t.Fatalf("expected violation for missing name")
	}

	if _, err := reg.Validate("gadget", json.RawMessage(`{}`)); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}

func TestLoadDirOverridesBuiltin(t *testing.T) {
	reg, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	dir := t.TempDir()
	custom := `{"type":"object","properties":{"sku":{"type":"string"}},"required":["sku"]}`
	if err := os.WriteFile(filepath.Join(dir, "widget.json"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write schema: %v", err)
	}
	if err := reg.LoadDir(dir); err != nil {
		t.Fatalf("load dir: %v", err)
	}
	msg, err := reg.Validate("widget", json.RawMessage(`{"name":"thing"}`))
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if msg == "" {
		t.Fatalf("override not applied: name-only object passed sku schema")
	}
}

func TestLoadDirMissingIsNoop(t *testing.T) {
	reg, err := Builtin()
	if err != nil {
		t.Fatalf("builtin: %v", err)
	}
	if err := reg.LoadDir(filepath.Join(t.TempDir(), "nope")); err != nil {
		t.Fatalf("missing dir should be a no-op: %v", err)
	}
}
