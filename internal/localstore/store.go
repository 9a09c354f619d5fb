package localstore

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Logger is the minimal logging surface threaded through constructors.
// Binaries typically pass a charmbracelet logger; tests pass nil.
type Logger interface {
	Printf(format string, args ...any)
}

type StoreOptions struct {
	// Backend defaults to an in-memory backend with the default capacity.
	Backend Backend
	// OriginID identifies this execution context in envelopes and events.
	// Defaults to a fresh uuid per store.
	OriginID string
	Bus      *Bus
	Migrator *Migrator
	Logger   Logger
	// Now is the clock; defaults to time.Now. Tests override it to age
	// entries artificially.
	Now func() time.Time
}

// Store owns the read/write path to the backend. Every mutation, no matter
// which subsystem initiated it (user write, eviction, migration rewrite),
// goes through Set/Remove so quota accounting and change broadcasting stay
// correct. Writes are serialized: commit and broadcast happen under one
// lock, which is what gives listeners per-key commit ordering.
type Store struct {
	writeMu   sync.Mutex
	backend   Backend
	bus       *Bus
	migrator  *Migrator
	validator *payloadValidator
	origin    string
	logger    Logger
	now       func() time.Time
	quota     *QuotaMonitor
	watcher   *Watcher
}

func NewStore() *Store {
	return NewStoreWithOptions(StoreOptions{})
}

func NewStoreWithOptions(opts StoreOptions) *Store {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend(DefaultCapacityBytes)
	}
	bus := opts.Bus
	if bus == nil {
		bus = NewBus()
	}
	migrator := opts.Migrator
	if migrator == nil {
		migrator = NewMigrator()
	}
	origin := opts.OriginID
	if origin == "" {
		origin = uuid.NewString()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		backend:   backend,
		bus:       bus,
		migrator:  migrator,
		validator: newPayloadValidator(),
		origin:    origin,
		logger:    opts.Logger,
		now:       now,
	}
}

func (s *Store) OriginID() string { return s.origin }
func (s *Store) Bus() *Bus        { return s.bus }
func (s *Store) Backend() Backend { return s.backend }

// RegisterMigration installs the payload transform from fromVersion to
// fromVersion+1 for the namespace.
func (s *Store) RegisterMigration(namespace string, fromVersion int, fn MigrateFunc) error {
	return s.migrator.Register(namespace, fromVersion, fn)
}

// RegisterSchema attaches a JSON schema to the namespace. Payloads are
// validated against it on every decode and write.
func (s *Store) RegisterSchema(namespace string, schemaJSON []byte) error {
	return s.validator.register(namespace, schemaJSON)
}

// Get reads and decodes the envelope for the key. Corrupt envelopes and
// envelopes written by a newer schema than this code knows are reported as
// absent, never as errors: the caller must not crash on data it cannot
// interpret. A successfully migrated envelope is rewritten through the
// normal Set path so its stored shape catches up.
func (s *Store) Get(namespace, key string) (Envelope, bool, error) {
	if namespace == "" || key == "" {
		return Envelope{}, false, ErrInvalidInput
	}
	data, ok, err := s.backend.Get(namespace, key)
	if err != nil {
		return Envelope{}, false, err
	}
	if !ok {
		return Envelope{}, false, nil
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		s.logf("dropping unreadable envelope %s/%s: %v", namespace, key, err)
		return Envelope{}, false, nil
	}
	if err := s.validator.validate(namespace, env.Payload); err != nil {
		s.logf("dropping invalid payload %s/%s: %v", namespace, key, err)
		return Envelope{}, false, nil
	}
	version, payload, err := s.migrator.Migrate(namespace, env.SchemaVersion, env.Payload)
	if err != nil {
		if errors.Is(err, ErrUnsupportedSchema) {
			s.logf("envelope %s/%s has schema v%d newer than this code; treating as absent", namespace, key, env.SchemaVersion)
			return Envelope{}, false, nil
		}
		return Envelope{}, false, err
	}
	if version != env.SchemaVersion {
		if err := s.setVersion(namespace, key, version, payload); err != nil {
			// Keep serving the migrated value even when the rewrite
			// cannot be persisted yet (for example under quota
			// pressure).
			s.logf("migration rewrite for %s/%s failed: %v", namespace, key, err)
		}
		env.SchemaVersion = version
		env.Payload = payload
	}
	return env, true, nil
}

// Set persists payload under the namespace's latest known schema version.
// Exactly one ChangeEvent is published, synchronously, before Set returns.
// A backend quota rejection triggers one eviction pass and one retry before
// the error surfaces; the caller keeps the mutation and may retry after
// space is freed.
func (s *Store) Set(namespace, key string, payload []byte) error {
	return s.setVersion(namespace, key, s.migrator.LatestVersion(namespace), payload)
}

func (s *Store) setVersion(namespace, key string, version int, payload []byte) error {
	if namespace == "" || key == "" || len(payload) == 0 {
		return ErrInvalidInput
	}
	if err := s.validator.validate(namespace, payload); err != nil {
		return fmt.Errorf("%w: payload rejected for %s/%s", ErrInvalidInput, namespace, key)
	}
	err := s.commit(namespace, key, version, payload)
	if !errors.Is(err, ErrQuotaExceeded) {
		return err
	}
	// The backend refused the write for space. Eviction policy belongs to
	// the quota monitor; run one pass and retry once. The mutation is not
	// lost either way, only unpersisted until space is freed.
	if s.quota == nil {
		return ErrQuotaExceeded
	}
	s.quota.noteQuotaExceeded()
	if _, evictErr := s.quota.Evict(nil); evictErr != nil {
		s.logf("eviction after quota rejection failed: %v", evictErr)
	}
	err = s.commit(namespace, key, version, payload)
	if errors.Is(err, ErrQuotaExceeded) {
		s.quota.noteQuotaCritical()
	}
	return err
}

// commit performs one atomic write attempt and, on success, publishes the
// change before releasing the write lock. Holding the lock across both is
// what gives listeners per-key commit ordering.
func (s *Store) commit(namespace, key string, version int, payload []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var oldPayload []byte
	if data, ok, err := s.backend.Get(namespace, key); err == nil && ok {
		if existing, decErr := DecodeEnvelope(data); decErr == nil {
			if existing.SchemaVersion > version {
				return fmt.Errorf("%w: key %s/%s is at v%d, refusing to write v%d", ErrUnsupportedSchema, namespace, key, existing.SchemaVersion, version)
			}
			oldPayload = existing.Payload
		}
	}

	data, err := EncodeEnvelope(Envelope{
		SchemaVersion: version,
		Payload:       payload,
		WrittenAt:     s.now().UTC(),
		Origin:        s.origin,
	})
	if err != nil {
		return err
	}
	if err := s.backend.Set(namespace, key, data); err != nil {
		return err
	}
	s.watcher.noteLocalWrite(namespace, key, payload)

	s.bus.Publish(ChangeEvent{
		Namespace: namespace,
		Key:       key,
		OldValue:  oldPayload,
		NewValue:  payload,
		Origin:    s.origin,
	})
	return nil
}

// Remove deletes the key and publishes a deletion event. Removing an absent
// key is a no-op.
func (s *Store) Remove(namespace, key string) error {
	if namespace == "" || key == "" {
		return ErrInvalidInput
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	var oldPayload []byte
	existed := false
	if data, ok, err := s.backend.Get(namespace, key); err == nil && ok {
		existed = true
		if existing, decErr := DecodeEnvelope(data); decErr == nil {
			oldPayload = existing.Payload
		}
	}
	s.watcher.noteLocalRemove(namespace, key)
	if err := s.backend.Remove(namespace, key); err != nil {
		return err
	}
	if existed {
		s.bus.Publish(ChangeEvent{
			Namespace: namespace,
			Key:       key,
			OldValue:  oldPayload,
			Origin:    s.origin,
			Deleted:   true,
		})
	}
	return nil
}

// Reset removes every key under the namespace.
func (s *Store) Reset(namespace string) error {
	if namespace == "" {
		return ErrInvalidInput
	}
	keys, err := s.backend.Keys(namespace)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if err := s.Remove(namespace, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) Keys(namespace string) ([]string, error) {
	return s.backend.Keys(namespace)
}

func (s *Store) Namespaces() ([]string, error) {
	return s.backend.Namespaces()
}

// List decodes every readable envelope in the namespace. Unreadable entries
// are skipped, matching Get's absent-key semantics.
func (s *Store) List(namespace string) (map[string]Envelope, error) {
	keys, err := s.backend.Keys(namespace)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Envelope, len(keys))
	for _, key := range keys {
		env, ok, err := s.Get(namespace, key)
		if err != nil {
			return nil, err
		}
		if ok {
			out[key] = env
		}
	}
	return out, nil
}

func (s *Store) Close() error {
	if closer, ok := s.backend.(backendCloser); ok {
		return closer.Close()
	}
	return nil
}

func (s *Store) attachQuota(m *QuotaMonitor) {
	s.quota = m
}

func (s *Store) attachWatcher(w *Watcher) {
	s.watcher = w
}

func (s *Store) logf(format string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Printf(format, args...)
}
