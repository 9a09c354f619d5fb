package syncengine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTaskQueueTableName = "localsync_task_queue"
	postgresTaskQueueKey       = "default"
	postgresOperationTimeout   = 5 * time.Second
	postgresQueuePollInterval  = 10 * time.Millisecond
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type postgresQueueCore struct {
	dsn          string
	tableName    string
	queueKey     string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newPostgresQueueCore(dsn, tableName, queueKey string, capacity int) (*postgresQueueCore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("postgres task queue: empty dsn")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("postgres task queue: empty table name")
	}
	if strings.TrimSpace(queueKey) == "" {
		queueKey = postgresTaskQueueKey
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &postgresQueueCore{
		dsn:          dsn,
		tableName:    tableName,
		queueKey:     queueKey,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *postgresQueueCore) ensureReady() error {
	if q == nil {
		return errors.New("postgres task queue: nil queue")
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		createTableQuery := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				queue_key TEXT NOT NULL,
				payload TEXT NOT NULL,
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, queueQuoteIdentifier(q.tableName))
		if _, err := db.ExecContext(ctx, createTableQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		indexName := q.tableName + "_queue_key_id_idx"
		createIndexQuery := fmt.Sprintf(
			"CREATE INDEX IF NOT EXISTS %s ON %s (queue_key, id)",
			queueQuoteIdentifier(indexName),
			queueQuoteIdentifier(q.tableName),
		)
		if _, err := db.ExecContext(ctx, createIndexQuery); err != nil {
			_ = db.Close()
			q.initErr = err
			return
		}
		q.db = db
	})
	return q.initErr
}

func (q *postgresQueueCore) tryEnqueuePayload(payload string) bool {
	if strings.TrimSpace(payload) == "" {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	lockKey := queueAdvisoryLockKey(q.tableName, q.queueKey)
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
		return false
	}
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", queueQuoteIdentifier(q.tableName))
	var depth int
	if err := tx.QueryRowContext(ctx, countQuery, q.queueKey).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insertQuery := fmt.Sprintf("INSERT INTO %s (queue_key, payload, created_at) VALUES ($1, $2, NOW())", queueQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, insertQuery, q.queueKey, payload); err != nil {
		return false
	}
	if err := tx.Commit(); err != nil {
		return false
	}
	committed = true
	return true
}

func (q *postgresQueueCore) enqueuePayload(ctx context.Context, payload string) bool {
	for {
		if q.tryEnqueuePayload(payload) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *postgresQueueCore) dequeuePayload(ctx context.Context) (string, bool) {
	for {
		payload, ok := q.tryDequeuePayload(ctx)
		if ok {
			return payload, true
		}
		select {
		case <-ctx.Done():
			return "", false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *postgresQueueCore) tryDequeuePayload(ctx context.Context) (string, bool) {
	if err := q.ensureReady(); err != nil {
		return "", false
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	query := fmt.Sprintf(`
		SELECT id, payload
		FROM %s
		WHERE queue_key = $1
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`, queueQuoteIdentifier(q.tableName))
	var id int64
	var payload string
	err = tx.QueryRowContext(ctx, query, q.queueKey).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false
	}
	if err != nil {
		return "", false
	}
	deleteQuery := fmt.Sprintf("DELETE FROM %s WHERE id = $1", queueQuoteIdentifier(q.tableName))
	if _, err := tx.ExecContext(ctx, deleteQuery, id); err != nil {
		return "", false
	}
	if err := tx.Commit(); err != nil {
		return "", false
	}
	committed = true
	return payload, true
}

func (q *postgresQueueCore) depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE queue_key = $1", queueQuoteIdentifier(q.tableName))
	var depth int
	if err := q.db.QueryRowContext(ctx, query, q.queueKey).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *postgresQueueCore) snapshotPayloads() []string {
	if err := q.ensureReady(); err != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s WHERE queue_key = $1 ORDER BY id ASC", queueQuoteIdentifier(q.tableName))
	rows, err := q.db.QueryContext(ctx, query, q.queueKey)
	if err != nil {
		return nil
	}
	defer rows.Close()

	items := make([]string, 0)
	for rows.Next() {
		var payload string
		if scanErr := rows.Scan(&payload); scanErr != nil {
			continue
		}
		items = append(items, payload)
	}
	return items
}

func (q *postgresQueueCore) close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// PostgresTaskQueue shares pending work between daemon instances through a
// single table guarded by SKIP LOCKED dequeues.
type PostgresTaskQueue struct {
	core *postgresQueueCore
}

func NewPostgresTaskQueue(dsn string, capacity int) (TaskQueue, error) {
	core, err := newPostgresQueueCore(dsn, postgresTaskQueueTableName, postgresTaskQueueKey, capacity)
	if err != nil {
		return nil, err
	}
	return &PostgresTaskQueue{core: core}, nil
}

func (q *PostgresTaskQueue) TryEnqueue(task SyncTask) bool {
	if q == nil || q.core == nil || strings.TrimSpace(task.TaskID) == "" {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	return q.core.tryEnqueuePayload(string(payload))
}

func (q *PostgresTaskQueue) Enqueue(ctx context.Context, task SyncTask) bool {
	if q == nil || q.core == nil || strings.TrimSpace(task.TaskID) == "" {
		return false
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return false
	}
	return q.core.enqueuePayload(ctx, string(payload))
}

func (q *PostgresTaskQueue) Dequeue(ctx context.Context) (SyncTask, bool) {
	if q == nil || q.core == nil {
		return SyncTask{}, false
	}
	for {
		payload, ok := q.core.dequeuePayload(ctx)
		if !ok {
			return SyncTask{}, false
		}
		var task SyncTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil || strings.TrimSpace(task.TaskID) == "" {
			continue
		}
		return task, true
	}
}

func (q *PostgresTaskQueue) Depth() int {
	if q == nil || q.core == nil {
		return 0
	}
	return q.core.depth()
}

func (q *PostgresTaskQueue) Capacity() int {
	if q == nil || q.core == nil {
		return 0
	}
	return q.core.capacity
}

func (q *PostgresTaskQueue) SnapshotTasks() []SyncTask {
	if q == nil || q.core == nil {
		return nil
	}
	payloads := q.core.snapshotPayloads()
	tasks := make([]SyncTask, 0, len(payloads))
	for _, payload := range payloads {
		var task SyncTask
		if err := json.Unmarshal([]byte(payload), &task); err != nil || strings.TrimSpace(task.TaskID) == "" {
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks
}

func (q *PostgresTaskQueue) Close() error {
	if q == nil || q.core == nil {
		return nil
	}
	return q.core.close()
}

func queueQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func queueAdvisoryLockKey(tableName, queueKey string) int64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(strings.TrimSpace(tableName)))
	_, _ = hasher.Write([]byte{0})
	_, _ = hasher.Write([]byte(strings.TrimSpace(queueKey)))
	return int64(hasher.Sum64())
}
