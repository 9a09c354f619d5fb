package localstore

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const localRemoveSuppressWindow = 5 * time.Second

// Watcher is the cross-context delivery path: it watches a FileBackend's
// root for writes committed by other execution contexts sharing the same
// directory and publishes them through the same bus the store uses for its
// own writes. Events produced by this context are dropped here, since the
// store already delivered them synchronously; subscribers never see their
// own echo twice.
type Watcher struct {
	store   *Store
	backend *FileBackend
	logger  Logger
	fs      *fsnotify.Watcher

	mu        sync.Mutex
	lastSeen  map[KeyRef][]byte
	ownRemove map[KeyRef]time.Time

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewWatcher starts watching. Only the file backend has a cross-context
// signal to watch; stores on other backends simply run without one.
func NewWatcher(store *Store, backend *FileBackend, logger Logger) (*Watcher, error) {
	if store == nil || backend == nil {
		return nil, ErrInvalidInput
	}
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	w := &Watcher{
		store:     store,
		backend:   backend,
		logger:    logger,
		fs:        fs,
		lastSeen:  map[KeyRef][]byte{},
		ownRemove: map[KeyRef]time.Time{},
		done:      make(chan struct{}),
	}
	if err := fs.Add(backend.Root()); err != nil {
		_ = fs.Close()
		return nil, err
	}
	entries, err := os.ReadDir(backend.Root())
	if err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				_ = fs.Add(filepath.Join(backend.Root(), entry.Name()))
			}
		}
	}
	w.seed()
	store.attachWatcher(w)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run()
	}()
	return w, nil
}

// seed primes the cache with current contents so pre-existing entries do
// not replay as fresh changes when the watcher starts.
func (w *Watcher) seed() {
	namespaces, err := w.backend.Namespaces()
	if err != nil {
		return
	}
	for _, namespace := range namespaces {
		keys, err := w.backend.Keys(namespace)
		if err != nil {
			continue
		}
		for _, key := range keys {
			data, ok, err := w.backend.Get(namespace, key)
			if err != nil || !ok {
				continue
			}
			if env, decErr := DecodeEnvelope(data); decErr == nil {
				w.mu.Lock()
				w.lastSeen[KeyRef{Namespace: namespace, Key: key}] = env.Payload
				w.mu.Unlock()
			}
		}
	}
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logf("watch error: %v", err)
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fs.Add(event.Name)
			// Files renamed into the directory before the watch took
			// effect produced no events; pick them up by scanning.
			w.scanDir(event.Name)
			return
		}
	}
	ref, ok := w.refFromPath(event.Name)
	if !ok {
		return
	}
	switch {
	case event.Op.Has(fsnotify.Create) || event.Op.Has(fsnotify.Write):
		w.handleUpsert(ref)
	case event.Op.Has(fsnotify.Remove) || event.Op.Has(fsnotify.Rename):
		w.handleRemove(ref)
	}
}

func (w *Watcher) scanDir(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if ref, ok := w.refFromPath(filepath.Join(dir, entry.Name())); ok {
			w.handleUpsert(ref)
		}
	}
}

func (w *Watcher) handleUpsert(ref KeyRef) {
	data, ok, err := w.backend.Get(ref.Namespace, ref.Key)
	if err != nil || !ok {
		return
	}
	env, err := DecodeEnvelope(data)
	if err != nil {
		// A foreign context may run newer code; an envelope this
		// context cannot read is simply not delivered.
		return
	}
	w.mu.Lock()
	old := w.lastSeen[ref]
	w.lastSeen[ref] = env.Payload
	w.mu.Unlock()
	if env.Origin == w.store.OriginID() {
		return
	}
	// Duplicate native signals for the same rename collapse here: the
	// second delivery finds an identical cached payload and the bus
	// suppresses the no-op.
	w.store.Bus().Publish(ChangeEvent{
		Namespace: ref.Namespace,
		Key:       ref.Key,
		OldValue:  old,
		NewValue:  env.Payload,
		Origin:    env.Origin,
	})
}

func (w *Watcher) handleRemove(ref KeyRef) {
	// Renames fire for the temp file half of an atomic write too; only a
	// key that is actually gone counts as removed.
	if _, ok, err := w.backend.Get(ref.Namespace, ref.Key); err == nil && ok {
		return
	}
	w.mu.Lock()
	old, seen := w.lastSeen[ref]
	delete(w.lastSeen, ref)
	suppressedAt, suppressed := w.ownRemove[ref]
	delete(w.ownRemove, ref)
	w.mu.Unlock()
	if !seen {
		return
	}
	if suppressed && time.Since(suppressedAt) < localRemoveSuppressWindow {
		return
	}
	w.store.Bus().Publish(ChangeEvent{
		Namespace: ref.Namespace,
		Key:       ref.Key,
		OldValue:  old,
		Deleted:   true,
	})
}

// noteLocalRemove marks a deletion as same-context so the native signal for
// it is not replayed. Deleted files carry no origin tag, so the store tells
// the watcher directly before removing.
func (w *Watcher) noteLocalRemove(namespace, key string) {
	if w == nil {
		return
	}
	ref := KeyRef{Namespace: namespace, Key: key}
	now := time.Now()
	w.mu.Lock()
	w.ownRemove[ref] = now
	for pending, at := range w.ownRemove {
		if now.Sub(at) > localRemoveSuppressWindow {
			delete(w.ownRemove, pending)
		}
	}
	w.mu.Unlock()
}

// noteLocalWrite keeps the cache aligned with same-context writes so a
// foreign overwrite right after one still reports the correct old value.
func (w *Watcher) noteLocalWrite(namespace, key string, payload []byte) {
	if w == nil {
		return
	}
	w.mu.Lock()
	w.lastSeen[KeyRef{Namespace: namespace, Key: key}] = payload
	w.mu.Unlock()
}

func (w *Watcher) refFromPath(path string) (KeyRef, bool) {
	rel, err := filepath.Rel(w.backend.Root(), path)
	if err != nil {
		return KeyRef{}, false
	}
	rel = filepath.ToSlash(rel)
	parts := strings.Split(rel, "/")
	if len(parts) != 2 {
		return KeyRef{}, false
	}
	if strings.HasPrefix(parts[1], ".") {
		return KeyRef{}, false
	}
	namespace, err := url.PathUnescape(parts[0])
	if err != nil || namespace == "" {
		return KeyRef{}, false
	}
	key, ok := keyFromFileName(parts[1])
	if !ok {
		return KeyRef{}, false
	}
	return KeyRef{Namespace: namespace, Key: key}, true
}

func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fs.Close()
		w.wg.Wait()
	})
	return err
}

func (w *Watcher) logf(format string, args ...any) {
	if w.logger == nil {
		return
	}
	w.logger.Printf(format, args...)
}
