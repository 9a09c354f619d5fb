package syncengine

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"
)

// SyncState describes where an entity sits in the reconciliation cycle.
// Only Local and Synced are ever persisted; Syncing is an in-memory marker
// for an in-flight remote call, and a failed call simply leaves the entity
// in its pre-attempt state.
type SyncState string

const (
	StateLocal   SyncState = "local"
	StateSyncing SyncState = "syncing"
	StateSynced  SyncState = "synced"
)

// Entity is a domain record tracked by the engine. LocalID is assigned at
// creation and never reassigned; it is the join key for every local
// operation. RemoteID is assigned once, when the remote authority first
// acknowledges the entity, and is only ever used to correlate with the
// remote side. Dirty means local state carries mutations the remote has not
// confirmed.
type Entity struct {
	LocalID         string          `json:"localId"`
	RemoteID        string          `json:"remoteId,omitempty"`
	Kind            string          `json:"kind,omitempty"`
	Dirty           bool            `json:"dirty"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	RemoteUpdatedAt time.Time       `json:"remoteUpdatedAt,omitempty"`
	Fields          json.RawMessage `json:"fields,omitempty"`
}

// State derives the persisted reconciliation state. StateSyncing is never
// derived here; it exists only while a remote call is in flight.
func (e Entity) State() SyncState {
	if e.Dirty {
		return StateLocal
	}
	return StateSynced
}

func decodeEntity(payload []byte) (Entity, error) {
	var entity Entity
	if err := json.Unmarshal(payload, &entity); err != nil {
		return Entity{}, fmt.Errorf("decode entity: %w", err)
	}
	if entity.LocalID == "" {
		return Entity{}, fmt.Errorf("decode entity: missing localId")
	}
	return entity, nil
}

func encodeEntity(entity Entity) ([]byte, error) {
	return json.Marshal(entity)
}

// mergePatch applies a shallow JSON object merge: top-level keys in patch
// replace the corresponding keys in fields, and a JSON null removes the
// key.
func mergePatch(fields, patch json.RawMessage) (json.RawMessage, error) {
	base := map[string]json.RawMessage{}
	if len(fields) > 0 {
		if err := json.Unmarshal(fields, &base); err != nil {
			return nil, fmt.Errorf("merge patch: existing fields are not an object: %w", err)
		}
	}
	overlay := map[string]json.RawMessage{}
	if err := json.Unmarshal(patch, &overlay); err != nil {
		return nil, fmt.Errorf("merge patch: patch is not an object: %w", err)
	}
	for key, value := range overlay {
		if string(value) == "null" {
			delete(base, key)
			continue
		}
		base[key] = value
	}
	return json.Marshal(base)
}

// jsonEqual compares two JSON documents structurally, ignoring key order
// and whitespace.
func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var left, right any
	if err := json.Unmarshal(a, &left); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return false
	}
	return reflect.DeepEqual(left, right)
}
