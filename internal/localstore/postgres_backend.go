package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresEntryTableName   = "localsync_entries"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresBackend keeps envelopes in a single key/value table. It is a
// durable single-context backend: writes are not observable through the
// cross-context file watcher, so it suits daemons that own their store
// exclusively.
type PostgresBackend struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresBackend(dsn string) (*PostgresBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresBackend{
		dsn:       dsn,
		tableName: postgresEntryTableName,
		openDB:    sql.Open,
	}, nil
}

func (b *PostgresBackend) Get(namespace, key string) ([]byte, bool, error) {
	if b == nil || namespace == "" || key == "" {
		return nil, false, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, false, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT envelope FROM %s WHERE namespace = $1 AND entry_key = $2", postgresQuoteIdentifier(b.tableName))
	var payload []byte
	err := b.db.QueryRowContext(ctx, query, namespace, key).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return payload, true, nil
}

func (b *PostgresBackend) Set(namespace, key string, data []byte) error {
	if b == nil || namespace == "" || key == "" || len(data) == 0 {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (namespace, entry_key, envelope, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (namespace, entry_key)
		DO UPDATE SET envelope = EXCLUDED.envelope, updated_at = NOW()`, postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, namespace, key, data)
	return err
}

func (b *PostgresBackend) Remove(namespace, key string) error {
	if b == nil || namespace == "" || key == "" {
		return ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE namespace = $1 AND entry_key = $2", postgresQuoteIdentifier(b.tableName))
	_, err := b.db.ExecContext(ctx, query, namespace, key)
	return err
}

func (b *PostgresBackend) Keys(namespace string) ([]string, error) {
	if b == nil || namespace == "" {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT entry_key FROM %s WHERE namespace = $1 ORDER BY entry_key ASC", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query, namespace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if scanErr := rows.Scan(&key); scanErr != nil {
			continue
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (b *PostgresBackend) Namespaces() ([]string, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT DISTINCT namespace FROM %s ORDER BY namespace ASC", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if scanErr := rows.Scan(&name); scanErr != nil {
			continue
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (b *PostgresBackend) Sizes() (map[KeyRef]int64, error) {
	if b == nil {
		return nil, ErrInvalidInput
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT namespace, entry_key, LENGTH(envelope) FROM %s", postgresQuoteIdentifier(b.tableName))
	rows, err := b.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sizes := map[KeyRef]int64{}
	for rows.Next() {
		var namespace, key string
		var size int64
		if scanErr := rows.Scan(&namespace, &key, &size); scanErr != nil {
			continue
		}
		sizes[KeyRef{Namespace: namespace, Key: key}] = size
	}
	return sizes, rows.Err()
}

func (b *PostgresBackend) UsageEstimate() (int64, int64, bool) {
	return 0, 0, false
}

func (b *PostgresBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				namespace TEXT NOT NULL,
				entry_key TEXT NOT NULL,
				envelope BYTEA NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				PRIMARY KEY (namespace, entry_key)
			)`, postgresQuoteIdentifier(b.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
