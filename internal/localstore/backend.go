package localstore

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
)

// KeyRef addresses one stored value.
type KeyRef struct {
	Namespace string
	Key       string
}

// Backend is the host storage primitive: synchronous string-keyed blob
// storage with a fixed but not precisely known capacity. Set reports
// ErrQuotaExceeded when the underlying store refuses the write for space.
type Backend interface {
	Get(namespace, key string) ([]byte, bool, error)
	Set(namespace, key string, data []byte) error
	Remove(namespace, key string) error
	Keys(namespace string) ([]string, error)
	Namespaces() ([]string, error)
	Sizes() (map[KeyRef]int64, error)
	// UsageEstimate is best-effort; ok=false means the backend cannot
	// estimate its own capacity and the caller falls back to a default.
	UsageEstimate() (usedBytes, capacityBytes int64, ok bool)
}

type backendCloser interface {
	Close() error
}

type MemoryBackend struct {
	mu       sync.RWMutex
	data     map[string]map[string][]byte
	capacity int64
}

func NewMemoryBackend(capacityBytes int64) *MemoryBackend {
	return &MemoryBackend{
		data:     map[string]map[string][]byte{},
		capacity: capacityBytes,
	}
}

func (b *MemoryBackend) Get(namespace, key string) ([]byte, bool, error) {
	if b == nil || namespace == "" || key == "" {
		return nil, false, ErrInvalidInput
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ns, ok := b.data[namespace]
	if !ok {
		return nil, false, nil
	}
	data, ok := ns[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), data...), true, nil
}

func (b *MemoryBackend) Set(namespace, key string, data []byte) error {
	if b == nil || namespace == "" || key == "" || len(data) == 0 {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.capacity > 0 {
		total := b.totalLocked()
		if existing, ok := b.data[namespace][key]; ok {
			total -= int64(len(existing))
		}
		if total+int64(len(data)) > b.capacity {
			return ErrQuotaExceeded
		}
	}
	ns, ok := b.data[namespace]
	if !ok {
		ns = map[string][]byte{}
		b.data[namespace] = ns
	}
	ns[key] = append([]byte(nil), data...)
	return nil
}

func (b *MemoryBackend) Remove(namespace, key string) error {
	if b == nil || namespace == "" || key == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ns, ok := b.data[namespace]; ok {
		delete(ns, key)
		if len(ns) == 0 {
			delete(b.data, namespace)
		}
	}
	return nil
}

func (b *MemoryBackend) Keys(namespace string) ([]string, error) {
	if b == nil || namespace == "" {
		return nil, ErrInvalidInput
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	ns := b.data[namespace]
	keys := make([]string, 0, len(ns))
	for key := range ns {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *MemoryBackend) Namespaces() ([]string, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.data))
	for name := range b.data {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *MemoryBackend) Sizes() (map[KeyRef]int64, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	sizes := map[KeyRef]int64{}
	for namespace, ns := range b.data {
		for key, data := range ns {
			sizes[KeyRef{Namespace: namespace, Key: key}] = int64(len(data))
		}
	}
	return sizes, nil
}

func (b *MemoryBackend) UsageEstimate() (int64, int64, bool) {
	if b == nil {
		return 0, 0, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.capacity <= 0 {
		return b.totalLocked(), 0, false
	}
	return b.totalLocked(), b.capacity, true
}

func (b *MemoryBackend) totalLocked() int64 {
	var total int64
	for _, ns := range b.data {
		for _, data := range ns {
			total += int64(len(data))
		}
	}
	return total
}

// BuildBackendFromDSN maps a DSN to a backend implementation. Bare paths and
// file:// DSNs select the directory backend, memory:// the in-memory one,
// postgres:// the relational one. capacityBytes applies only to backends
// that enforce a byte budget themselves.
func BuildBackendFromDSN(dsn string, capacityBytes int64) (Backend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBackend(path, capacityBytes)
	case "memory", "mem", "inmem":
		return NewMemoryBackend(capacityBytes), nil
	case "postgres", "postgresql":
		return NewPostgresBackend(dsn)
	case "mysql", "sqlite":
		return nil, fmt.Errorf("%w: backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported backend scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed.Scheme == "" {
		return raw, nil
	}
	path := parsed.Path
	if parsed.Host != "" {
		path = parsed.Host + path
	}
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("file DSN missing path: %s", raw)
	}
	return path, nil
}
