package localstore

import (
	"errors"
	"testing"
)

func TestMemoryBackendCapacityEnforcement(t *testing.T) {
	backend := NewMemoryBackend(10)
	if err := backend.Set("ns", "a", []byte("12345678")); err != nil {
		t.Fatalf("write within capacity failed: %v", err)
	}
	if err := backend.Set("ns", "b", []byte("123")); !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	// Replacing an existing key only counts the delta.
	if err := backend.Set("ns", "a", []byte("1234567890")); err != nil {
		t.Fatalf("same-key replacement within capacity failed: %v", err)
	}
	if err := backend.Remove("ns", "a"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if err := backend.Set("ns", "b", []byte("123")); err != nil {
		t.Fatalf("write after remove failed: %v", err)
	}
}

func TestMemoryBackendUsageEstimate(t *testing.T) {
	unbounded := NewMemoryBackend(0)
	if _, _, ok := unbounded.UsageEstimate(); ok {
		t.Fatalf("capacity-less backend must not claim an estimate")
	}

	bounded := NewMemoryBackend(100)
	if err := bounded.Set("ns", "a", []byte("12345")); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	used, capacity, ok := bounded.UsageEstimate()
	if !ok || used != 5 || capacity != 100 {
		t.Fatalf("unexpected estimate: used=%d capacity=%d ok=%v", used, capacity, ok)
	}
}

func TestMemoryBackendListingAndSizes(t *testing.T) {
	backend := NewMemoryBackend(0)
	writes := map[KeyRef][]byte{
		{Namespace: "beta", Key: "k2"}:  []byte("22"),
		{Namespace: "alpha", Key: "k1"}: []byte("1"),
		{Namespace: "beta", Key: "k1"}:  []byte("333"),
	}
	for ref, data := range writes {
		if err := backend.Set(ref.Namespace, ref.Key, data); err != nil {
			t.Fatalf("set %v failed: %v", ref, err)
		}
	}

	namespaces, err := backend.Namespaces()
	if err != nil {
		t.Fatalf("namespaces failed: %v", err)
	}
	if len(namespaces) != 2 || namespaces[0] != "alpha" || namespaces[1] != "beta" {
		t.Fatalf("unexpected namespaces: %v", namespaces)
	}

	keys, err := backend.Keys("beta")
	if err != nil {
		t.Fatalf("keys failed: %v", err)
	}
	if len(keys) != 2 || keys[0] != "k1" || keys[1] != "k2" {
		t.Fatalf("unexpected keys: %v", keys)
	}

	sizes, err := backend.Sizes()
	if err != nil {
		t.Fatalf("sizes failed: %v", err)
	}
	if len(sizes) != 3 {
		t.Fatalf("expected 3 size entries, got %d", len(sizes))
	}
	if sizes[KeyRef{Namespace: "beta", Key: "k1"}] != 3 {
		t.Fatalf("unexpected size map: %v", sizes)
	}

	// Removing the last key of a namespace drops the namespace.
	if err := backend.Remove("alpha", "k1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	namespaces, err = backend.Namespaces()
	if err != nil {
		t.Fatalf("namespaces failed: %v", err)
	}
	if len(namespaces) != 1 || namespaces[0] != "beta" {
		t.Fatalf("expected alpha gone, got %v", namespaces)
	}
}

func TestMemoryBackendReturnsCopies(t *testing.T) {
	backend := NewMemoryBackend(0)
	original := []byte("hello")
	if err := backend.Set("ns", "k", original); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	original[0] = 'X'
	data, ok, err := backend.Get("ns", "k")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if string(data) != "hello" {
		t.Fatalf("stored value aliased the caller's slice: %s", data)
	}
	data[0] = 'Y'
	again, _, _ := backend.Get("ns", "k")
	if string(again) != "hello" {
		t.Fatalf("returned value aliased internal storage: %s", again)
	}
}

func TestBuildBackendFromDSN(t *testing.T) {
	dir := t.TempDir()

	backend, err := BuildBackendFromDSN("memory://", 0)
	if err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	if _, ok := backend.(*MemoryBackend); !ok {
		t.Fatalf("expected memory backend, got %T", backend)
	}

	backend, err = BuildBackendFromDSN("file://"+dir, 0)
	if err != nil {
		t.Fatalf("file dsn failed: %v", err)
	}
	fileBackend, ok := backend.(*FileBackend)
	if !ok {
		t.Fatalf("expected file backend, got %T", backend)
	}
	if fileBackend.Root() == "" {
		t.Fatalf("expected resolved root")
	}

	// Bare paths are treated as directories too.
	backend, err = BuildBackendFromDSN(dir, 0)
	if err != nil {
		t.Fatalf("bare path dsn failed: %v", err)
	}
	if _, ok := backend.(*FileBackend); !ok {
		t.Fatalf("expected file backend for bare path, got %T", backend)
	}

	if _, err := BuildBackendFromDSN("mysql://localhost/db", 0); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for mysql, got %v", err)
	}
	if _, err := BuildBackendFromDSN("sqlite://x.db", 0); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for sqlite, got %v", err)
	}
	if _, err := BuildBackendFromDSN("carrierpigeon://coop", 0); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
	if _, err := BuildBackendFromDSN("", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty dsn, got %v", err)
	}
}
