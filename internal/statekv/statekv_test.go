package statekv

import (
	"path/filepath"
	"testing"
)

func newTestKV(t *testing.T) *SQLiteKV {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "state.db")
	kv, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { kv.Close() })
	return kv
}

func TestOpenClose(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "state.db")

	kv1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := kv1.Set("session", `{"v":1}`); err != nil {
		t.Fatalf("Set: %v", err)
	}
	kv1.Close()

	// Reopen and verify the value survived.
	kv2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Reopen: %v", err)
	}
	defer kv2.Close()

	got, ok, err := kv2.Get("session")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok || got != `{"v":1}` {
		t.Fatalf("expected persisted value, got ok=%v value=%q", ok, got)
	}
}

func TestGetMissing(t *testing.T) {
	kv := newTestKV(t)

	_, ok, err := kv.Get("nope")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Error("expected ok=false for missing key")
	}
}

func TestSetOverwrite(t *testing.T) {
	kv := newTestKV(t)

	if err := kv.Set("k", "old"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := kv.Set("k", "new"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, ok, _ := kv.Get("k")
	if !ok || got != "new" {
		t.Errorf("expected 'new', got ok=%v value=%q", ok, got)
	}
}

func TestDelete(t *testing.T) {
	kv := newTestKV(t)

	_ = kv.Set("k", "v")
	if err := kv.Delete("k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	_, ok, _ := kv.Get("k")
	if ok {
		t.Error("expected key to be gone after Delete")
	}

	// Deleting an absent key is not an error.
	if err := kv.Delete("k"); err != nil {
		t.Errorf("Delete absent: %v", err)
	}
}

func TestKeys(t *testing.T) {
	kv := newTestKV(t)

	_ = kv.Set("b", "2")
	_ = kv.Set("a", "1")

	keys, err := kv.Keys()
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 2 || keys[0] != "a" || keys[1] != "b" {
		t.Errorf("unexpected keys: %v", keys)
	}
}

func TestLastModifiedAdvances(t *testing.T) {
	kv := newTestKV(t)

	before, err := kv.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if before != 0 {
		t.Fatalf("expected 0 before first write, got %d", before)
	}

	_ = kv.Set("k", "v")
	after, err := kv.LastModified()
	if err != nil {
		t.Fatalf("LastModified: %v", err)
	}
	if after == 0 {
		t.Error("expected non-zero timestamp after write")
	}
}

func TestMemKV(t *testing.T) {
	kv := NewMem()

	_ = kv.Set("k", "v")
	got, ok, _ := kv.Get("k")
	if !ok || got != "v" {
		t.Errorf("expected 'v', got ok=%v value=%q", ok, got)
	}

	_ = kv.Delete("k")
	_, ok, _ = kv.Get("k")
	if ok {
		t.Error("expected key gone")
	}
}
