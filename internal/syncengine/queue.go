package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Action names the remote operation a task carries.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// SyncTask is one unit of reconciliation work. TaskID is deterministic
// (action, collection, local ID) so re-enqueueing the same pending work
// is idempotent across restarts.
type SyncTask struct {
	TaskID     string `json:"taskId"`
	Collection string `json:"collection"`
	LocalID    string `json:"localId"`
	Action     Action `json:"action"`
	RemoteID   string `json:"remoteId,omitempty"`
}

func taskID(action Action, collection, localID string) string {
	return string(action) + ":" + collection + ":" + localID
}

// TaskQueue is the engine's pending-work buffer. Implementations must be
// safe for concurrent use.
type TaskQueue interface {
	TryEnqueue(task SyncTask) bool
	Enqueue(ctx context.Context, task SyncTask) bool
	Dequeue(ctx context.Context) (SyncTask, bool)
	Depth() int
	Capacity() int
	Close() error
}

type taskSnapshotter interface {
	SnapshotTasks() []SyncTask
}

type inMemoryTaskQueue struct {
	ch    chan SyncTask
	items map[string]SyncTask
	mu    sync.Mutex
}

func NewInMemoryTaskQueue(capacity int) TaskQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemoryTaskQueue{
		ch:    make(chan SyncTask, capacity),
		items: make(map[string]SyncTask),
	}
}

func (q *inMemoryTaskQueue) TryEnqueue(task SyncTask) bool {
	if q == nil || task.TaskID == "" {
		return false
	}
	select {
	case q.ch <- task:
		q.mu.Lock()
		q.items[task.TaskID] = task
		q.mu.Unlock()
		return true
	default:
		return false
	}
}

func (q *inMemoryTaskQueue) Enqueue(ctx context.Context, task SyncTask) bool {
	if q == nil || task.TaskID == "" {
		return false
	}
	select {
	case q.ch <- task:
		q.mu.Lock()
		q.items[task.TaskID] = task
		q.mu.Unlock()
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemoryTaskQueue) Dequeue(ctx context.Context) (SyncTask, bool) {
	if q == nil {
		return SyncTask{}, false
	}
	select {
	case task := <-q.ch:
		q.mu.Lock()
		delete(q.items, task.TaskID)
		q.mu.Unlock()
		return task, true
	case <-ctx.Done():
		return SyncTask{}, false
	}
}

func (q *inMemoryTaskQueue) SnapshotTasks() []SyncTask {
	if q == nil {
		return []SyncTask{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]SyncTask, 0, len(q.items))
	for _, item := range q.items {
		result = append(result, item)
	}
	return result
}

func (q *inMemoryTaskQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemoryTaskQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemoryTaskQueue) Close() error {
	return nil
}

type fileTaskQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []SyncTask
}

type fileTaskQueueState struct {
	Items []SyncTask `json:"items"`
}

// NewFileTaskQueue persists queued tasks as a JSON snapshot at path, so
// pending work survives process restarts.
func NewFileTaskQueue(path string, capacity int) (TaskQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("file task queue: empty path")
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileTaskQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []SyncTask{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileTaskQueue) TryEnqueue(task SyncTask) bool {
	if strings.TrimSpace(task.TaskID) == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, task)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileTaskQueue) Enqueue(ctx context.Context, task SyncTask) bool {
	for {
		if q.TryEnqueue(task) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileTaskQueue) Dequeue(ctx context.Context) (SyncTask, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]SyncTask{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return SyncTask{}, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return SyncTask{}, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileTaskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileTaskQueue) Capacity() int {
	return q.capacity
}

func (q *fileTaskQueue) SnapshotTasks() []SyncTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SyncTask(nil), q.items...)
}

func (q *fileTaskQueue) Close() error {
	return nil
}

func (q *fileTaskQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileTaskQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]SyncTask(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]SyncTask(nil), snapshot.Items...)
	return nil
}

func (q *fileTaskQueue) saveLocked() error {
	snapshot := fileTaskQueueState{
		Items: append([]SyncTask(nil), q.items...),
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}

// BuildTaskQueueFromDSN maps a queue DSN to a backend. An empty DSN yields
// nil so callers can fall back to their own default.
func BuildTaskQueueFromDSN(dsn string, capacity int) (TaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := strings.ToLower(strings.TrimSpace(parsed.Scheme))
	switch scheme {
	case "", "file":
		path, pathErr := queueDSNPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileTaskQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryTaskQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresTaskQueue(dsn, capacity)
	case "redis", "rediss", "nats", "sqs", "kafka":
		return nil, fmt.Errorf("task queue backend %s: not implemented", scheme)
	default:
		return nil, fmt.Errorf("unsupported task queue scheme: %s", scheme)
	}
}

func queueDSNPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", errors.New("task queue: empty dsn")
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", errors.New("task queue: empty dsn")
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", errors.New("task queue: empty dsn path")
	}
	return path, nil
}
