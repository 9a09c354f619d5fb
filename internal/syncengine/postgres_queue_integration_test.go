package syncengine

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationTaskQueueFIFOAndCapacity(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	raw, err := NewPostgresTaskQueue(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres task queue: %v", err)
	}
	queue, ok := raw.(*PostgresTaskQueue)
	if !ok {
		t.Fatalf("expected *PostgresTaskQueue, got %T", raw)
	}
	queue.core.tableName = postgresIntegrationTableName("localsync_taskq_it")
	queue.core.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, queue.core.tableName)
	})

	taskA := SyncTask{TaskID: taskID(ActionCreate, "trips", "a"), Collection: "trips", LocalID: "a", Action: ActionCreate}
	taskB := SyncTask{TaskID: taskID(ActionUpdate, "trips", "b"), Collection: "trips", LocalID: "b", Action: ActionUpdate, RemoteID: "r-b"}
	if !queue.TryEnqueue(taskA) {
		t.Fatalf("expected enqueue a to succeed")
	}
	if !queue.TryEnqueue(taskB) {
		t.Fatalf("expected enqueue b to succeed")
	}
	if queue.TryEnqueue(SyncTask{TaskID: "c"}) {
		t.Fatalf("expected enqueue c to fail at capacity")
	}
	if got := queue.Depth(); got != 2 {
		t.Fatalf("expected depth 2, got %d", got)
	}

	snapshot := queue.SnapshotTasks()
	if len(snapshot) != 2 || snapshot[0].TaskID != taskA.TaskID || snapshot[1].TaskID != taskB.TaskID {
		t.Fatalf("unexpected snapshot order/content: %+v", snapshot)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first.TaskID != taskA.TaskID {
		t.Fatalf("expected first dequeue a, got ok=%v %+v", ok, first)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second.TaskID != taskB.TaskID || second.RemoteID != "r-b" {
		t.Fatalf("expected second dequeue b, got ok=%v %+v", ok, second)
	}
}

func TestPostgresIntegrationTaskQueueCapacityUnderConcurrentEnqueue(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	raw, err := NewPostgresTaskQueue(dsn, 1)
	if err != nil {
		t.Fatalf("new postgres task queue: %v", err)
	}
	queue, ok := raw.(*PostgresTaskQueue)
	if !ok {
		t.Fatalf("expected *PostgresTaskQueue, got %T", raw)
	}
	queue.core.tableName = postgresIntegrationTableName("localsync_taskq_race_it")
	queue.core.queueKey = postgresIntegrationTableName("qk")
	t.Cleanup(func() {
		_ = queue.Close()
		postgresIntegrationDropTable(t, dsn, queue.core.tableName)
	})

	const producers = 16
	var successCount atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			task := SyncTask{TaskID: fmt.Sprintf("task_%d", n), Collection: "trips", LocalID: fmt.Sprintf("l%d", n), Action: ActionCreate}
			if queue.TryEnqueue(task) {
				successCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	if got := successCount.Load(); got != 1 {
		t.Fatalf("expected exactly 1 successful enqueue at capacity=1, got %d", got)
	}
	if depth := queue.Depth(); depth != 1 {
		t.Fatalf("expected queue depth 1 after concurrent enqueue, got %d", depth)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LOCALSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set LOCALSYNC_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationTableName(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	if strings.TrimSpace(dsn) == "" || strings.TrimSpace(tableName) == "" {
		return
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", queueQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
