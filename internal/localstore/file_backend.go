package localstore

import (
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// DefaultCapacityBytes is the conservative byte budget used when a backend
// cannot report a real capacity figure.
const DefaultCapacityBytes = 5 << 20

const envelopeFileSuffix = ".env.json"

// FileBackend stores one envelope per file under root/<namespace>/<key>.
// Writes are temp-file renames, so a concurrent reader in another process
// always observes either the old or the new value, never a partial write.
// The per-file layout is what makes cross-process change notification
// possible: every committed write is exactly one rename another process can
// watch for.
type FileBackend struct {
	root     string
	capacity int64
	mu       sync.Mutex
}

func NewFileBackend(root string, capacityBytes int64) (*FileBackend, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if capacityBytes <= 0 {
		capacityBytes = DefaultCapacityBytes
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileBackend{root: filepath.Clean(root), capacity: capacityBytes}, nil
}

// Root reports the directory other execution contexts watch for changes.
func (b *FileBackend) Root() string {
	if b == nil {
		return ""
	}
	return b.root
}

func (b *FileBackend) Get(namespace, key string) ([]byte, bool, error) {
	if b == nil || namespace == "" || key == "" {
		return nil, false, ErrInvalidInput
	}
	data, err := os.ReadFile(b.entryPath(namespace, key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, err
	}
	return data, true, nil
}

func (b *FileBackend) Set(namespace, key string, data []byte) error {
	if b == nil || namespace == "" || key == "" || len(data) == 0 {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	total, sizes, err := b.scan()
	if err != nil {
		return err
	}
	ref := KeyRef{Namespace: namespace, Key: key}
	projected := total - sizes[ref] + int64(len(data))
	if projected > b.capacity {
		return ErrQuotaExceeded
	}
	path := b.entryPath(namespace, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

func (b *FileBackend) Remove(namespace, key string) error {
	if b == nil || namespace == "" || key == "" {
		return ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	err := os.Remove(b.entryPath(namespace, key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (b *FileBackend) Keys(namespace string) ([]string, error) {
	if b == nil || namespace == "" {
		return nil, ErrInvalidInput
	}
	entries, err := os.ReadDir(filepath.Join(b.root, escapeSegment(namespace)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	keys := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		key, ok := keyFromFileName(entry.Name())
		if !ok {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (b *FileBackend) Namespaces() ([]string, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []string{}, nil
		}
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (b *FileBackend) Sizes() (map[KeyRef]int64, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	_, sizes, err := b.scan()
	return sizes, err
}

func (b *FileBackend) UsageEstimate() (int64, int64, bool) {
	if b == nil {
		return 0, 0, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	total, _, err := b.scan()
	if err != nil {
		return 0, 0, false
	}
	return total, b.capacity, true
}

// scan walks the root so that usage figures stay honest even when sibling
// processes write to the same directory between calls.
func (b *FileBackend) scan() (int64, map[KeyRef]int64, error) {
	sizes := map[KeyRef]int64{}
	var total int64
	entries, err := os.ReadDir(b.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, sizes, nil
		}
		return 0, nil, err
	}
	for _, nsEntry := range entries {
		if !nsEntry.IsDir() {
			continue
		}
		namespace, err := url.PathUnescape(nsEntry.Name())
		if err != nil {
			continue
		}
		files, err := os.ReadDir(filepath.Join(b.root, nsEntry.Name()))
		if err != nil {
			continue
		}
		for _, file := range files {
			if file.IsDir() {
				continue
			}
			key, ok := keyFromFileName(file.Name())
			if !ok {
				continue
			}
			info, err := file.Info()
			if err != nil {
				continue
			}
			sizes[KeyRef{Namespace: namespace, Key: key}] = info.Size()
			total += info.Size()
		}
	}
	return total, sizes, nil
}

func (b *FileBackend) entryPath(namespace, key string) string {
	return filepath.Join(b.root, escapeSegment(namespace), escapeSegment(key)+envelopeFileSuffix)
}

func escapeSegment(segment string) string {
	return url.PathEscape(segment)
}

func keyFromFileName(name string) (string, bool) {
	if !strings.HasSuffix(name, envelopeFileSuffix) {
		return "", false
	}
	escaped := strings.TrimSuffix(name, envelopeFileSuffix)
	key, err := url.PathUnescape(escaped)
	if err != nil || key == "" {
		return "", false
	}
	return key, true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
