package localstore

import (
	"fmt"
	"sync"
)

// MigrateFunc transforms a payload written at one schema version into the
// next version's shape.
type MigrateFunc func(payload []byte) ([]byte, error)

// Migrator holds per-namespace chains of version-to-version transforms.
// A chain for namespace "travel" with steps registered at versions 1 and 2
// can read envelopes at versions 1..3 and always hands callers version 3.
type Migrator struct {
	mu     sync.RWMutex
	chains map[string]map[int]MigrateFunc
	latest map[string]int
}

func NewMigrator() *Migrator {
	return &Migrator{
		chains: map[string]map[int]MigrateFunc{},
		latest: map[string]int{},
	}
}

// Register installs the transform from fromVersion to fromVersion+1 for the
// namespace. Steps may be registered in any order; the chain must be gapless
// by the time Migrate runs.
func (m *Migrator) Register(namespace string, fromVersion int, fn MigrateFunc) error {
	if m == nil || namespace == "" || fromVersion < 1 || fn == nil {
		return ErrInvalidInput
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	chain, ok := m.chains[namespace]
	if !ok {
		chain = map[int]MigrateFunc{}
		m.chains[namespace] = chain
	}
	chain[fromVersion] = fn
	if fromVersion+1 > m.latest[namespace] {
		m.latest[namespace] = fromVersion + 1
	}
	return nil
}

// LatestVersion reports the highest version the running code knows for the
// namespace. Namespaces with no registered steps are version 1.
func (m *Migrator) LatestVersion(namespace string) int {
	if m == nil {
		return 1
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.latest[namespace]; ok {
		return v
	}
	return 1
}

// Migrate walks the chain from fromVersion up to the latest known version.
// Versions newer than the running code's maximum fail with
// ErrUnsupportedSchema so the caller can treat the key as absent instead of
// guessing at an unknown shape.
func (m *Migrator) Migrate(namespace string, fromVersion int, payload []byte) (int, []byte, error) {
	if m == nil || fromVersion < 1 {
		return 0, nil, ErrInvalidInput
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	target := m.latest[namespace]
	if target == 0 {
		target = 1
	}
	if fromVersion > target {
		return 0, nil, ErrUnsupportedSchema
	}
	current := fromVersion
	out := payload
	for current < target {
		step, ok := m.chains[namespace][current]
		if !ok {
			return 0, nil, fmt.Errorf("%w: no migration from version %d for %s", ErrUnsupportedSchema, current, namespace)
		}
		migrated, err := step(out)
		if err != nil {
			return 0, nil, fmt.Errorf("migrate %s v%d: %w", namespace, current, err)
		}
		out = migrated
		current++
	}
	return current, out, nil
}
