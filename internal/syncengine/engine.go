package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/offlinekit/localsync/internal/localstore"
)

var ErrUnknownCollection = errors.New("unknown collection")

// Logger is the minimal logging surface the engine needs. *log.Logger and
// charmbracelet/log's standard adapter both satisfy it.
type Logger interface {
	Printf(format string, args ...any)
}

// DeadLetter records a task that exhausted its attempts or was rejected
// outright by the remote.
type DeadLetter struct {
	TaskID       string    `json:"taskId"`
	Collection   string    `json:"collection"`
	LocalID      string    `json:"localId"`
	Action       Action    `json:"action"`
	RemoteID     string    `json:"remoteId,omitempty"`
	FailedAt     time.Time `json:"failedAt"`
	AttemptCount int       `json:"attemptCount"`
	LastError    string    `json:"lastError"`
}

// EngineStatus is a point-in-time view for status endpoints and CLIs.
type EngineStatus struct {
	Collections     []string `json:"collections"`
	QueueDepth      int      `json:"queueDepth"`
	QueueCapacity   int      `json:"queueCapacity"`
	DeadLetterCount int      `json:"deadLetterCount"`
	DirtyEntities   int      `json:"dirtyEntities"`
}

type EngineOptions struct {
	Store       *localstore.Store
	Remote      RemoteClient
	Queue       TaskQueue
	Collections []string
	// MaxAttempts bounds retries against an unavailable remote before a
	// task is dead-lettered. Rejections dead-letter immediately.
	MaxAttempts    int
	RetryDelay     time.Duration
	Workers        int
	DisableWorkers bool
	Logger         Logger
	Now            func() time.Time
}

// Engine applies writes locally first and reconciles them with the remote
// authority in the background. Local state is always readable; remote
// failures only delay convergence.
type Engine struct {
	store       *localstore.Store
	remote      RemoteClient
	queue       TaskQueue
	collections map[string]struct{}
	maxAttempts int
	retryDelay  time.Duration
	logger      Logger
	now         func() time.Time

	queueMu     sync.Mutex
	queuedTasks map[string]struct{}

	locksMu     sync.Mutex
	entityLocks map[string]*entityLock

	attemptMu sync.Mutex
	attempts  map[string]int

	deadMu      sync.Mutex
	deadLetters map[string]DeadLetter

	closed      chan struct{}
	closeOnce   sync.Once
	queueCtx    context.Context
	queueCancel context.CancelFunc
	wg          sync.WaitGroup
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil {
		return nil, errors.New("engine: nil store")
	}
	if opts.Remote == nil {
		return nil, errors.New("engine: nil remote client")
	}
	if len(opts.Collections) == 0 {
		return nil, errors.New("engine: no collections registered")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	retryDelay := opts.RetryDelay
	if retryDelay <= 0 {
		retryDelay = 50 * time.Millisecond
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryTaskQueue(1024)
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	collections := make(map[string]struct{}, len(opts.Collections))
	for _, name := range opts.Collections {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		collections[name] = struct{}{}
	}
	if len(collections) == 0 {
		return nil, errors.New("engine: no collections registered")
	}

	queueCtx, queueCancel := context.WithCancel(context.Background())
	e := &Engine{
		store:       opts.Store,
		remote:      opts.Remote,
		queue:       queue,
		collections: collections,
		maxAttempts: maxAttempts,
		retryDelay:  retryDelay,
		logger:      opts.Logger,
		now:         now,
		queuedTasks: map[string]struct{}{},
		entityLocks: map[string]*entityLock{},
		attempts:    map[string]int{},
		deadLetters: map[string]DeadLetter{},
		closed:      make(chan struct{}),
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
	}
	e.seedQueuedIndexFromQueue()
	if !opts.DisableWorkers {
		e.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer e.wg.Done()
				e.worker()
			}()
		}
		e.recoverPending()
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.initialRefresh()
		}()
	}
	return e, nil
}

// initialRefresh folds the remote view into local state once at startup, in
// the background. Local entries stay authoritative: the pull only adopts
// records the store has never seen and updates clean entities.
func (e *Engine) initialRefresh() {
	for _, name := range e.Collections() {
		select {
		case <-e.closed:
			return
		default:
		}
		if err := e.pull(e.queueCtx, name, false); err != nil {
			e.logf("initial refresh %s: %v", name, err)
		}
	}
}

func (e *Engine) seedQueuedIndexFromQueue() {
	snapshotter, ok := e.queue.(taskSnapshotter)
	if !ok {
		return
	}
	for _, task := range snapshotter.SnapshotTasks() {
		if strings.TrimSpace(task.TaskID) == "" {
			continue
		}
		e.queuedTasks[task.TaskID] = struct{}{}
	}
}

// recoverPending re-enqueues reconciliation work for entities that were
// written locally but never confirmed by the remote before the last
// shutdown.
func (e *Engine) recoverPending() {
	for name := range e.collections {
		entities, err := e.loadEntities(name)
		if err != nil {
			e.logf("recover %s: %v", name, err)
			continue
		}
		for _, entity := range entities {
			if !entity.Dirty {
				continue
			}
			if entity.RemoteID == "" {
				e.enqueueTask(SyncTask{
					TaskID:     taskID(ActionCreate, name, entity.LocalID),
					Collection: name,
					LocalID:    entity.LocalID,
					Action:     ActionCreate,
				})
				continue
			}
			e.enqueueTask(SyncTask{
				TaskID:     taskID(ActionUpdate, name, entity.LocalID),
				Collection: name,
				LocalID:    entity.LocalID,
				Action:     ActionUpdate,
				RemoteID:   entity.RemoteID,
			})
		}
	}
}

// Collection returns a handle bound to one registered collection.
func (e *Engine) Collection(name string) (*Collection, error) {
	if _, ok := e.collections[name]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, name)
	}
	return &Collection{engine: e, name: name}, nil
}

func (e *Engine) Collections() []string {
	names := make([]string, 0, len(e.collections))
	for name := range e.collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Create writes the entity locally and returns immediately; the matching
// remote create runs in the background. Quota errors from the local store
// surface to the caller.
func (e *Engine) Create(ctx context.Context, collection string, fields json.RawMessage) (Entity, error) {
	if _, ok := e.collections[collection]; !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	if len(fields) == 0 {
		fields = json.RawMessage(`{}`)
	}
	entity := Entity{
		LocalID:   uuid.NewString(),
		Kind:      collection,
		Dirty:     true,
		UpdatedAt: e.now().UTC(),
		Fields:    fields,
	}
	if err := e.saveEntity(collection, entity); err != nil {
		return Entity{}, err
	}
	e.enqueueTask(SyncTask{
		TaskID:     taskID(ActionCreate, collection, entity.LocalID),
		Collection: collection,
		LocalID:    entity.LocalID,
		Action:     ActionCreate,
	})
	return entity, nil
}

// Update applies patch as a shallow merge over the entity's fields, marks it
// dirty, and schedules reconciliation. A JSON null in the patch deletes the
// field.
func (e *Engine) Update(ctx context.Context, collection, localID string, patch json.RawMessage) (Entity, error) {
	if _, ok := e.collections[collection]; !ok {
		return Entity{}, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	release := e.lockEntity(collection, localID)
	defer release()
	entity, found, err := e.loadEntity(collection, localID)
	if err != nil {
		return Entity{}, err
	}
	if !found {
		return Entity{}, fmt.Errorf("%w: %s/%s", ErrNotFound, collection, localID)
	}
	merged, err := mergePatch(entity.Fields, patch)
	if err != nil {
		return Entity{}, err
	}
	entity.Fields = merged
	entity.Dirty = true
	entity.UpdatedAt = e.now().UTC()
	if err := e.saveEntity(collection, entity); err != nil {
		return Entity{}, err
	}
	if entity.RemoteID == "" {
		// Create not confirmed yet. The pending create task picks up the
		// merged fields when it runs.
		e.enqueueTask(SyncTask{
			TaskID:     taskID(ActionCreate, collection, entity.LocalID),
			Collection: collection,
			LocalID:    entity.LocalID,
			Action:     ActionCreate,
		})
		return entity, nil
	}
	e.enqueueTask(SyncTask{
		TaskID:     taskID(ActionUpdate, collection, entity.LocalID),
		Collection: collection,
		LocalID:    entity.LocalID,
		Action:     ActionUpdate,
		RemoteID:   entity.RemoteID,
	})
	return entity, nil
}

// Delete removes the entity locally at once. If the remote already knows the
// entity a background delete follows; an unconfirmed create is simply
// abandoned.
func (e *Engine) Delete(ctx context.Context, collection, localID string) error {
	if _, ok := e.collections[collection]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	release := e.lockEntity(collection, localID)
	defer release()
	entity, found, err := e.loadEntity(collection, localID)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s/%s", ErrNotFound, collection, localID)
	}
	if err := e.store.Remove(collection, localID); err != nil {
		return err
	}
	if entity.RemoteID != "" {
		e.enqueueTask(SyncTask{
			TaskID:     taskID(ActionDelete, collection, localID),
			Collection: collection,
			LocalID:    localID,
			Action:     ActionDelete,
			RemoteID:   entity.RemoteID,
		})
	}
	return nil
}

func (e *Engine) Get(collection, localID string) (Entity, bool, error) {
	if _, ok := e.collections[collection]; !ok {
		return Entity{}, false, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return e.loadEntity(collection, localID)
}

func (e *Engine) List(collection string) ([]Entity, error) {
	if _, ok := e.collections[collection]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return e.loadEntities(collection)
}

// Refresh pulls the remote view of a collection and folds it into local
// state. Dirty entities keep their local fields; refresh never deletes.
func (e *Engine) Refresh(ctx context.Context, collection string) error {
	if _, ok := e.collections[collection]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	return e.pull(ctx, collection, false)
}

// SyncNow runs a full synchronous reconcile of one collection: every dirty
// entity is pushed inline, then the remote listing is applied
// authoritatively. Unlike background reconciliation, remote errors surface
// directly to the caller.
func (e *Engine) SyncNow(ctx context.Context, collection string) error {
	if _, ok := e.collections[collection]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCollection, collection)
	}
	entities, err := e.loadEntities(collection)
	if err != nil {
		return err
	}
	for _, entity := range entities {
		if !entity.Dirty {
			continue
		}
		if err := e.pushEntity(ctx, collection, entity.LocalID); err != nil {
			return err
		}
	}
	return e.pull(ctx, collection, true)
}

// Status reports queue and dead-letter depth for operators.
func (e *Engine) Status() EngineStatus {
	dirty := 0
	for name := range e.collections {
		entities, err := e.loadEntities(name)
		if err != nil {
			continue
		}
		for _, entity := range entities {
			if entity.Dirty {
				dirty++
			}
		}
	}
	e.deadMu.Lock()
	deadCount := len(e.deadLetters)
	e.deadMu.Unlock()
	return EngineStatus{
		Collections:     e.Collections(),
		QueueDepth:      e.queue.Depth(),
		QueueCapacity:   e.queue.Capacity(),
		DeadLetterCount: deadCount,
		DirtyEntities:   dirty,
	}
}

func (e *Engine) ListDeadLetters() []DeadLetter {
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	items := make([]DeadLetter, 0, len(e.deadLetters))
	for _, dl := range e.deadLetters {
		items = append(items, dl)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].FailedAt.Equal(items[j].FailedAt) {
			return items[i].TaskID < items[j].TaskID
		}
		return items[i].FailedAt.Before(items[j].FailedAt)
	})
	return items
}

// ReplayDeadLetter puts a dead-lettered task back on the queue with a fresh
// attempt budget.
func (e *Engine) ReplayDeadLetter(taskID string) error {
	e.deadMu.Lock()
	dl, ok := e.deadLetters[taskID]
	if ok {
		delete(e.deadLetters, taskID)
	}
	e.deadMu.Unlock()
	if !ok {
		return fmt.Errorf("%w: dead letter %s", ErrNotFound, taskID)
	}
	e.attemptMu.Lock()
	delete(e.attempts, taskID)
	e.attemptMu.Unlock()
	e.enqueueTask(SyncTask{
		TaskID:     dl.TaskID,
		Collection: dl.Collection,
		LocalID:    dl.LocalID,
		Action:     dl.Action,
		RemoteID:   dl.RemoteID,
	})
	return nil
}

// AckDeadLetter discards a dead letter without replaying it.
func (e *Engine) AckDeadLetter(taskID string) error {
	e.deadMu.Lock()
	defer e.deadMu.Unlock()
	if _, ok := e.deadLetters[taskID]; !ok {
		return fmt.Errorf("%w: dead letter %s", ErrNotFound, taskID)
	}
	delete(e.deadLetters, taskID)
	return nil
}

func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.queueCancel()
		_ = e.queue.Close()
		e.wg.Wait()
	})
}

// Collection is a narrow handle over the engine, bound to one collection.
type Collection struct {
	engine *Engine
	name   string
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) Create(ctx context.Context, fields json.RawMessage) (Entity, error) {
	return c.engine.Create(ctx, c.name, fields)
}

func (c *Collection) Update(ctx context.Context, localID string, patch json.RawMessage) (Entity, error) {
	return c.engine.Update(ctx, c.name, localID, patch)
}

func (c *Collection) Delete(ctx context.Context, localID string) error {
	return c.engine.Delete(ctx, c.name, localID)
}

func (c *Collection) Get(localID string) (Entity, bool, error) {
	return c.engine.Get(c.name, localID)
}

func (c *Collection) List() ([]Entity, error) {
	return c.engine.List(c.name)
}

func (c *Collection) Refresh(ctx context.Context) error {
	return c.engine.Refresh(ctx, c.name)
}

func (c *Collection) SyncNow(ctx context.Context) error {
	return c.engine.SyncNow(ctx, c.name)
}

type entityLock struct {
	mu   sync.Mutex
	refs int
}

// lockEntity serializes load-mutate-save sequences for one entity, so a
// local mutation cannot land between a worker reading the entity and
// writing the merged remote result back. Remote calls themselves are never
// made under the lock. The returned release is single-use.
func (e *Engine) lockEntity(collection, localID string) (release func()) {
	key := collection + "/" + localID
	e.locksMu.Lock()
	l := e.entityLocks[key]
	if l == nil {
		l = &entityLock{}
		e.entityLocks[key] = l
	}
	l.refs++
	e.locksMu.Unlock()
	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		e.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(e.entityLocks, key)
		}
		e.locksMu.Unlock()
	}
}

func (e *Engine) loadEntity(collection, localID string) (Entity, bool, error) {
	env, found, err := e.store.Get(collection, localID)
	if err != nil || !found {
		return Entity{}, false, err
	}
	entity, err := decodeEntity(env.Payload)
	if err != nil {
		return Entity{}, false, err
	}
	return entity, true, nil
}

func (e *Engine) loadEntities(collection string) ([]Entity, error) {
	envs, err := e.store.List(collection)
	if err != nil {
		return nil, err
	}
	entities := make([]Entity, 0, len(envs))
	for _, env := range envs {
		entity, decodeErr := decodeEntity(env.Payload)
		if decodeErr != nil {
			continue
		}
		entities = append(entities, entity)
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].LocalID < entities[j].LocalID })
	return entities, nil
}

func (e *Engine) saveEntity(collection string, entity Entity) error {
	payload, err := encodeEntity(entity)
	if err != nil {
		return err
	}
	return e.store.Set(collection, entity.LocalID, payload)
}

func (e *Engine) enqueueTask(task SyncTask) {
	if task.TaskID == "" || e.queue == nil {
		return
	}
	select {
	case <-e.closed:
		return
	default:
	}
	e.queueMu.Lock()
	if _, exists := e.queuedTasks[task.TaskID]; exists {
		e.queueMu.Unlock()
		return
	}
	e.queuedTasks[task.TaskID] = struct{}{}
	e.queueMu.Unlock()
	if e.queue.TryEnqueue(task) {
		return
	}
	go func() {
		if !e.queue.Enqueue(e.queueCtx, task) {
			e.queueMu.Lock()
			delete(e.queuedTasks, task.TaskID)
			e.queueMu.Unlock()
		}
	}()
}

func (e *Engine) worker() {
	for {
		task, ok := e.queue.Dequeue(e.queueCtx)
		if !ok {
			return
		}
		e.queueMu.Lock()
		delete(e.queuedTasks, task.TaskID)
		e.queueMu.Unlock()
		e.process(task)
	}
}

func (e *Engine) process(task SyncTask) {
	var err error
	switch task.Action {
	case ActionCreate:
		err = e.processCreate(e.queueCtx, task)
	case ActionUpdate:
		err = e.processUpdate(e.queueCtx, task)
	case ActionDelete:
		err = e.processDelete(e.queueCtx, task)
	default:
		e.logf("task %s: unknown action %q", task.TaskID, task.Action)
		return
	}
	if err == nil {
		e.attemptMu.Lock()
		delete(e.attempts, task.TaskID)
		e.attemptMu.Unlock()
		return
	}
	if errors.Is(err, ErrRemoteRejected) {
		e.deadLetter(task, 1, err)
		return
	}
	e.attemptMu.Lock()
	e.attempts[task.TaskID]++
	attempts := e.attempts[task.TaskID]
	if attempts >= e.maxAttempts {
		delete(e.attempts, task.TaskID)
	}
	e.attemptMu.Unlock()
	if attempts >= e.maxAttempts {
		e.deadLetter(task, attempts, err)
		return
	}
	e.logf("task %s attempt %d/%d failed: %v", task.TaskID, attempts, e.maxAttempts, err)
	e.scheduleRetry(task)
}

func (e *Engine) scheduleRetry(task SyncTask) {
	time.AfterFunc(e.retryDelay, func() {
		select {
		case <-e.closed:
			return
		default:
			e.enqueueTask(task)
		}
	})
}

func (e *Engine) deadLetter(task SyncTask, attempts int, cause error) {
	e.logf("task %s dead-lettered after %d attempts: %v", task.TaskID, attempts, cause)
	e.deadMu.Lock()
	e.deadLetters[task.TaskID] = DeadLetter{
		TaskID:       task.TaskID,
		Collection:   task.Collection,
		LocalID:      task.LocalID,
		Action:       task.Action,
		RemoteID:     task.RemoteID,
		FailedAt:     e.now().UTC(),
		AttemptCount: attempts,
		LastError:    cause.Error(),
	}
	e.deadMu.Unlock()
}

// processCreate pushes an unconfirmed local entity to the remote. If the
// entity changed while the call was in flight the merged fields are pushed
// again; if it was deleted, the freshly created remote record is an orphan
// and a delete follows.
func (e *Engine) processCreate(ctx context.Context, task SyncTask) error {
	entity, found, err := e.loadEntity(task.Collection, task.LocalID)
	if err != nil {
		return nil
	}
	if !found {
		return nil
	}
	if entity.RemoteID != "" {
		if entity.Dirty {
			e.enqueueTask(SyncTask{
				TaskID:     taskID(ActionUpdate, task.Collection, task.LocalID),
				Collection: task.Collection,
				LocalID:    task.LocalID,
				Action:     ActionUpdate,
				RemoteID:   entity.RemoteID,
			})
		}
		return nil
	}
	sentAt := entity.UpdatedAt
	record, err := e.remote.Create(ctx, task.Collection, entity)
	if err != nil {
		return err
	}

	release := e.lockEntity(task.Collection, task.LocalID)
	defer release()
	current, found, loadErr := e.loadEntity(task.Collection, task.LocalID)
	if loadErr != nil || !found {
		// Deleted locally while the create was in flight; the remote record
		// is an orphan now.
		e.enqueueTask(SyncTask{
			TaskID:     taskID(ActionDelete, task.Collection, task.LocalID),
			Collection: task.Collection,
			LocalID:    task.LocalID,
			Action:     ActionDelete,
			RemoteID:   record.RemoteID,
		})
		return nil
	}
	current.RemoteID = record.RemoteID
	current.RemoteUpdatedAt = record.UpdatedAt
	changedSinceSend := current.UpdatedAt.After(sentAt)
	if !changedSinceSend {
		current.Dirty = false
	}
	if err := e.saveEntity(task.Collection, current); err != nil {
		e.logf("task %s: save after create: %v", task.TaskID, err)
		return nil
	}
	if changedSinceSend {
		e.enqueueTask(SyncTask{
			TaskID:     taskID(ActionUpdate, task.Collection, task.LocalID),
			Collection: task.Collection,
			LocalID:    task.LocalID,
			Action:     ActionUpdate,
			RemoteID:   record.RemoteID,
		})
	}
	return nil
}

func (e *Engine) processUpdate(ctx context.Context, task SyncTask) error {
	entity, found, err := e.loadEntity(task.Collection, task.LocalID)
	if err != nil || !found {
		return nil
	}
	if !entity.Dirty {
		return nil
	}
	if entity.RemoteID == "" {
		e.enqueueTask(SyncTask{
			TaskID:     taskID(ActionCreate, task.Collection, task.LocalID),
			Collection: task.Collection,
			LocalID:    task.LocalID,
			Action:     ActionCreate,
		})
		return nil
	}
	sentAt := entity.UpdatedAt
	record, err := e.remote.Update(ctx, task.Collection, entity.RemoteID, entity.Fields)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The remote dropped the entity; clear the stale correlation
			// and recreate it from local state.
			release := e.lockEntity(task.Collection, task.LocalID)
			current, found, loadErr := e.loadEntity(task.Collection, task.LocalID)
			if loadErr != nil || !found {
				release()
				return nil
			}
			current.RemoteID = ""
			current.RemoteUpdatedAt = time.Time{}
			saveErr := e.saveEntity(task.Collection, current)
			release()
			if saveErr != nil {
				e.logf("task %s: clear remote id: %v", task.TaskID, saveErr)
				return nil
			}
			e.enqueueTask(SyncTask{
				TaskID:     taskID(ActionCreate, task.Collection, task.LocalID),
				Collection: task.Collection,
				LocalID:    task.LocalID,
				Action:     ActionCreate,
			})
			return nil
		}
		return err
	}

	release := e.lockEntity(task.Collection, task.LocalID)
	defer release()
	current, found, loadErr := e.loadEntity(task.Collection, task.LocalID)
	if loadErr != nil || !found {
		return nil
	}
	current.RemoteUpdatedAt = record.UpdatedAt
	changedSinceSend := current.UpdatedAt.After(sentAt)
	if !changedSinceSend {
		current.Dirty = false
	}
	if err := e.saveEntity(task.Collection, current); err != nil {
		e.logf("task %s: save after update: %v", task.TaskID, err)
		return nil
	}
	if changedSinceSend {
		e.enqueueTask(SyncTask{
			TaskID:     taskID(ActionUpdate, task.Collection, task.LocalID),
			Collection: task.Collection,
			LocalID:    task.LocalID,
			Action:     ActionUpdate,
			RemoteID:   current.RemoteID,
		})
	}
	return nil
}

func (e *Engine) processDelete(ctx context.Context, task SyncTask) error {
	if task.RemoteID == "" {
		return nil
	}
	err := e.remote.Delete(ctx, task.Collection, task.RemoteID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// pushEntity runs the pending reconciliation for one entity synchronously,
// surfacing remote errors instead of dead-lettering.
func (e *Engine) pushEntity(ctx context.Context, collection, localID string) error {
	entity, found, err := e.loadEntity(collection, localID)
	if err != nil || !found {
		return err
	}
	if !entity.Dirty {
		return nil
	}
	if entity.RemoteID == "" {
		return e.processCreate(ctx, SyncTask{
			TaskID:     taskID(ActionCreate, collection, localID),
			Collection: collection,
			LocalID:    localID,
			Action:     ActionCreate,
		})
	}
	return e.processUpdate(ctx, SyncTask{
		TaskID:     taskID(ActionUpdate, collection, localID),
		Collection: collection,
		LocalID:    localID,
		Action:     ActionUpdate,
		RemoteID:   entity.RemoteID,
	})
}

// pull folds the remote listing into local state. Dirty entities keep their
// local fields (the local edit is newer by definition until it is pushed).
// Authoritative pulls additionally remove clean local entities whose remote
// counterpart is gone; background pulls never delete.
func (e *Engine) pull(ctx context.Context, collection string, authoritative bool) error {
	records, err := e.remote.List(ctx, collection)
	if err != nil {
		return err
	}
	entities, err := e.loadEntities(collection)
	if err != nil {
		return err
	}
	byRemoteID := make(map[string]Entity, len(entities))
	for _, entity := range entities {
		if entity.RemoteID != "" {
			byRemoteID[entity.RemoteID] = entity
		}
	}

	seen := make(map[string]struct{}, len(records))
	for _, record := range records {
		if record.RemoteID == "" {
			continue
		}
		seen[record.RemoteID] = struct{}{}
		local, ok := byRemoteID[record.RemoteID]
		if !ok {
			entity := Entity{
				LocalID:         uuid.NewString(),
				RemoteID:        record.RemoteID,
				Kind:            collection,
				UpdatedAt:       e.now().UTC(),
				RemoteUpdatedAt: record.UpdatedAt,
				Fields:          record.Fields,
			}
			if len(entity.Fields) == 0 {
				entity.Fields = json.RawMessage(`{}`)
			}
			if err := e.saveEntity(collection, entity); err != nil {
				return err
			}
			continue
		}
		if local.Dirty {
			// Local edits win; the pending push carries them out.
			if !record.UpdatedAt.Equal(local.RemoteUpdatedAt) {
				local.RemoteUpdatedAt = record.UpdatedAt
				if err := e.saveEntity(collection, local); err != nil {
					return err
				}
			}
			continue
		}
		if record.UpdatedAt.After(local.RemoteUpdatedAt) || !jsonEqual(local.Fields, record.Fields) {
			local.Fields = record.Fields
			if len(local.Fields) == 0 {
				local.Fields = json.RawMessage(`{}`)
			}
			local.RemoteUpdatedAt = record.UpdatedAt
			local.UpdatedAt = e.now().UTC()
			if err := e.saveEntity(collection, local); err != nil {
				return err
			}
		}
	}

	if !authoritative {
		return nil
	}
	for remoteID, local := range byRemoteID {
		if _, ok := seen[remoteID]; ok {
			continue
		}
		if local.Dirty {
			continue
		}
		if err := e.store.Remove(collection, local.LocalID); err != nil {
			e.logf("sync %s: remove %s: %v", collection, local.LocalID, err)
		}
	}
	return nil
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
