package syncengine

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInMemoryTaskQueueRoundTrip(t *testing.T) {
	queue := NewInMemoryTaskQueue(4)
	defer queue.Close()

	task := SyncTask{TaskID: taskID(ActionCreate, "trips", "l1"), Collection: "trips", LocalID: "l1", Action: ActionCreate}
	if !queue.TryEnqueue(task) {
		t.Fatalf("enqueue failed")
	}
	if queue.Depth() != 1 {
		t.Fatalf("expected depth 1, got %d", queue.Depth())
	}
	if queue.Capacity() != 4 {
		t.Fatalf("expected capacity 4, got %d", queue.Capacity())
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := queue.Dequeue(ctx)
	if !ok {
		t.Fatalf("dequeue failed")
	}
	if got.TaskID != task.TaskID || got.Action != ActionCreate {
		t.Fatalf("unexpected task: %+v", got)
	}
}

func TestInMemoryTaskQueueRejectsWhenFull(t *testing.T) {
	queue := NewInMemoryTaskQueue(1)
	defer queue.Close()
	if !queue.TryEnqueue(SyncTask{TaskID: "a"}) {
		t.Fatalf("first enqueue failed")
	}
	if queue.TryEnqueue(SyncTask{TaskID: "b"}) {
		t.Fatalf("expected full queue to reject")
	}
	if queue.TryEnqueue(SyncTask{}) {
		t.Fatalf("expected empty task id to be rejected")
	}
}

func TestInMemoryTaskQueueSnapshot(t *testing.T) {
	queue := NewInMemoryTaskQueue(4)
	defer queue.Close()
	queue.TryEnqueue(SyncTask{TaskID: "a"})
	queue.TryEnqueue(SyncTask{TaskID: "b"})

	snapshotter, ok := queue.(taskSnapshotter)
	if !ok {
		t.Fatalf("memory queue must support snapshots")
	}
	tasks := snapshotter.SnapshotTasks()
	if len(tasks) != 2 {
		t.Fatalf("expected 2 queued tasks, got %d", len(tasks))
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	queue.Dequeue(ctx)
	if tasks := snapshotter.SnapshotTasks(); len(tasks) != 1 {
		t.Fatalf("expected 1 task after dequeue, got %d", len(tasks))
	}
}

func TestFileTaskQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileTaskQueue(path, 8)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	task := SyncTask{TaskID: taskID(ActionUpdate, "trips", "l1"), Collection: "trips", LocalID: "l1", Action: ActionUpdate, RemoteID: "r1"}
	if !queue.TryEnqueue(task) {
		t.Fatalf("enqueue failed")
	}
	if err := queue.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileTaskQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if reopened.Depth() != 1 {
		t.Fatalf("expected task to survive restart, depth=%d", reopened.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, ok := reopened.Dequeue(ctx)
	if !ok || got.TaskID != task.TaskID || got.RemoteID != "r1" {
		t.Fatalf("unexpected task after restart: ok=%v %+v", ok, got)
	}
}

func TestFileTaskQueueTrimsOverCapacitySnapshots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileTaskQueue(path, 8)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if !queue.TryEnqueue(SyncTask{TaskID: id}) {
			t.Fatalf("enqueue %s failed", id)
		}
	}

	// Reopening with a smaller capacity keeps the newest tasks.
	smaller, err := NewFileTaskQueue(path, 2)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if smaller.Depth() != 2 {
		t.Fatalf("expected trim to capacity, depth=%d", smaller.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, _ := smaller.Dequeue(ctx)
	second, _ := smaller.Dequeue(ctx)
	if first.TaskID != "c" || second.TaskID != "d" {
		t.Fatalf("expected newest tasks kept, got %s %s", first.TaskID, second.TaskID)
	}
}

func TestFileTaskQueueEnqueueWaitsForSpace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err := NewFileTaskQueue(path, 1)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	if !queue.TryEnqueue(SyncTask{TaskID: "a"}) {
		t.Fatalf("enqueue failed")
	}

	done := make(chan bool, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		done <- queue.Enqueue(ctx, SyncTask{TaskID: "b"})
	}()

	time.Sleep(50 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("dequeue failed")
	}
	if ok := <-done; !ok {
		t.Fatalf("blocked enqueue should succeed once space frees")
	}
}

func TestBuildTaskQueueFromDSN(t *testing.T) {
	queue, err := BuildTaskQueueFromDSN("", 8)
	if err != nil || queue != nil {
		t.Fatalf("empty dsn must yield nil queue, got %v %v", queue, err)
	}

	queue, err = BuildTaskQueueFromDSN("memory://", 8)
	if err != nil {
		t.Fatalf("memory dsn failed: %v", err)
	}
	if _, ok := queue.(*inMemoryTaskQueue); !ok {
		t.Fatalf("expected memory queue, got %T", queue)
	}

	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err = BuildTaskQueueFromDSN("file://"+path, 8)
	if err != nil {
		t.Fatalf("file dsn failed: %v", err)
	}
	if _, ok := queue.(*fileTaskQueue); !ok {
		t.Fatalf("expected file queue, got %T", queue)
	}

	if _, err := BuildTaskQueueFromDSN("redis://localhost:6379", 8); err == nil || !strings.Contains(err.Error(), "not implemented") {
		t.Fatalf("expected not-implemented error for redis, got %v", err)
	}
	if _, err := BuildTaskQueueFromDSN("smoke-signal://hill", 8); err == nil {
		t.Fatalf("expected error for unknown scheme")
	}
}

func TestTaskIDIsDeterministic(t *testing.T) {
	a := taskID(ActionCreate, "trips", "l1")
	b := taskID(ActionCreate, "trips", "l1")
	if a != b {
		t.Fatalf("expected identical ids, got %s and %s", a, b)
	}
	if a == taskID(ActionDelete, "trips", "l1") {
		t.Fatalf("action must distinguish ids")
	}
}
