package localstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrCorruptEnvelope   = errors.New("corrupt envelope")
	ErrUnsupportedSchema = errors.New("unsupported schema version")
	ErrQuotaExceeded     = errors.New("quota exceeded")
	ErrQuotaCritical     = errors.New("quota critical")
	ErrNotImplemented    = errors.New("not implemented")
)

// Envelope is the unit of data written to or read from a backend. Every
// persisted value is wrapped in one so that readers always know which schema
// version produced the payload and which execution context wrote it.
type Envelope struct {
	SchemaVersion int             `json:"schemaVersion"`
	Payload       json.RawMessage `json:"payload"`
	WrittenAt     time.Time       `json:"writtenAt"`
	Origin        string          `json:"origin,omitempty"`
}

func EncodeEnvelope(env Envelope) ([]byte, error) {
	if env.SchemaVersion < 1 {
		return nil, ErrInvalidInput
	}
	if len(env.Payload) == 0 {
		return nil, ErrInvalidInput
	}
	if env.WrittenAt.IsZero() {
		env.WrittenAt = time.Now().UTC()
	}
	return json.Marshal(env)
}

// DecodeEnvelope parses raw backend bytes. Bytes that do not parse into the
// envelope shape yield ErrCorruptEnvelope; callers treat that the same as an
// absent key.
func DecodeEnvelope(data []byte) (Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Envelope{}, ErrCorruptEnvelope
	}
	var env Envelope
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&env); err != nil {
		return Envelope{}, ErrCorruptEnvelope
	}
	if env.SchemaVersion < 1 || len(env.Payload) == 0 || env.WrittenAt.IsZero() {
		return Envelope{}, ErrCorruptEnvelope
	}
	return env, nil
}
