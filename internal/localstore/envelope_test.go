package localstore

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	written := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	data, err := EncodeEnvelope(Envelope{
		SchemaVersion: 2,
		Payload:       json.RawMessage(`{"city":"Lisbon"}`),
		WrittenAt:     written,
		Origin:        "ctx-a",
	})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if env.SchemaVersion != 2 {
		t.Fatalf("expected schema version 2, got %d", env.SchemaVersion)
	}
	if string(env.Payload) != `{"city":"Lisbon"}` {
		t.Fatalf("unexpected payload: %s", env.Payload)
	}
	if !env.WrittenAt.Equal(written) {
		t.Fatalf("expected writtenAt %s, got %s", written, env.WrittenAt)
	}
	if env.Origin != "ctx-a" {
		t.Fatalf("expected origin ctx-a, got %q", env.Origin)
	}
}

func TestEncodeEnvelopeRejectsInvalid(t *testing.T) {
	if _, err := EncodeEnvelope(Envelope{SchemaVersion: 0, Payload: json.RawMessage(`{}`)}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for version 0, got %v", err)
	}
	if _, err := EncodeEnvelope(Envelope{SchemaVersion: 1}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for empty payload, got %v", err)
	}
}

func TestDecodeEnvelopeRejectsCorruptBytes(t *testing.T) {
	cases := map[string]string{
		"empty":          "",
		"whitespace":     "   ",
		"truncated":      `{"schemaVersion":1,"payload":{"a"`,
		"not json":       "hello world",
		"unknown field":  `{"schemaVersion":1,"payload":{},"writtenAt":"2026-03-01T12:00:00Z","extra":true}`,
		"missing fields": `{"payload":{"a":1}}`,
		"zero version":   `{"schemaVersion":0,"payload":{"a":1},"writtenAt":"2026-03-01T12:00:00Z"}`,
	}
	for name, raw := range cases {
		if _, err := DecodeEnvelope([]byte(raw)); !errors.Is(err, ErrCorruptEnvelope) {
			t.Fatalf("%s: expected ErrCorruptEnvelope, got %v", name, err)
		}
	}
}

func TestStoreTreatsCorruptEnvelopeAsAbsent(t *testing.T) {
	backend := NewMemoryBackend(0)
	store := NewStoreWithOptions(StoreOptions{Backend: backend})
	if err := backend.Set("prefs", "broken", []byte("not an envelope")); err != nil {
		t.Fatalf("raw backend write failed: %v", err)
	}

	_, found, err := store.Get("prefs", "broken")
	if err != nil {
		t.Fatalf("get returned error for corrupt envelope: %v", err)
	}
	if found {
		t.Fatalf("expected corrupt envelope to read as absent")
	}

	// The key is still writable afterwards.
	if err := store.Set("prefs", "broken", []byte(`{"theme":"dark"}`)); err != nil {
		t.Fatalf("overwrite after corruption failed: %v", err)
	}
	env, found, err := store.Get("prefs", "broken")
	if err != nil || !found {
		t.Fatalf("expected readable value after overwrite, found=%v err=%v", found, err)
	}
	if string(env.Payload) != `{"theme":"dark"}` {
		t.Fatalf("unexpected payload after overwrite: %s", env.Payload)
	}
}
