package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

var postgresIntegrationCounter uint64

func TestPostgresIntegrationBackendRoundTrip(t *testing.T) {
	dsn := postgresIntegrationDSN(t)

	backend, err := NewPostgresBackend(dsn)
	if err != nil {
		t.Fatalf("new postgres backend: %v", err)
	}
	backend.tableName = postgresIntegrationTableName("localsync_entries_it")
	t.Cleanup(func() {
		_ = backend.Close()
		postgresIntegrationDropTable(t, dsn, backend.tableName)
	})

	if _, ok, err := backend.Get("prefs", "theme"); err != nil || ok {
		t.Fatalf("expected empty backend, ok=%v err=%v", ok, err)
	}
	if err := backend.Set("prefs", "theme", []byte(`{"v":1}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	if err := backend.Set("prefs", "theme", []byte(`{"v":2}`)); err != nil {
		t.Fatalf("overwrite failed: %v", err)
	}
	data, ok, err := backend.Get("prefs", "theme")
	if err != nil || !ok {
		t.Fatalf("get failed: ok=%v err=%v", ok, err)
	}
	if string(data) != `{"v":2}` {
		t.Fatalf("unexpected data: %s", data)
	}

	if err := backend.Set("other", "k", []byte(`{}`)); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	namespaces, err := backend.Namespaces()
	if err != nil {
		t.Fatalf("namespaces failed: %v", err)
	}
	if len(namespaces) != 2 || namespaces[0] != "other" || namespaces[1] != "prefs" {
		t.Fatalf("unexpected namespaces: %v", namespaces)
	}
	sizes, err := backend.Sizes()
	if err != nil {
		t.Fatalf("sizes failed: %v", err)
	}
	if sizes[KeyRef{Namespace: "prefs", Key: "theme"}] != int64(len(`{"v":2}`)) {
		t.Fatalf("unexpected sizes: %v", sizes)
	}

	if err := backend.Remove("prefs", "theme"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok, _ := backend.Get("prefs", "theme"); ok {
		t.Fatalf("expected key removed")
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
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
