package commentqueue

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

func TestPostgresIntegrationStoreSuite(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	runStoreSuite(t, func(t *testing.T) Store {
		store, err := NewPostgresStore(dsn, Options{})
		if err != nil {
			t.Fatalf("new postgres store: %v", err)
		}
		store.tables = newPostgresTables(postgresIntegrationPrefix("rq_it"))
		tables := store.tables
		t.Cleanup(func() {
			_ = store.Close()
			postgresIntegrationDropTables(t, dsn, tables.task, tables.event, tables.setting)
		})
		if err := store.EnsureSchema(context.Background()); err != nil {
			t.Fatalf("ensure schema: %v", err)
		}
		return store
	})
}

func TestPostgresIntegrationSeedsDefaultMode(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	store, err := NewPostgresStore(dsn, Options{DefaultReplyMode: ReplyModeOff})
	if err != nil {
		t.Fatalf("new postgres store: %v", err)
	}
	store.tables = newPostgresTables(postgresIntegrationPrefix("rq_seed"))
	tables := store.tables
	t.Cleanup(func() {
		_ = store.Close()
		postgresIntegrationDropTables(t, dsn, tables.task, tables.event, tables.setting)
	})
	mode, err := store.GetReplyMode(context.Background())
	if err != nil {
		t.Fatalf("get reply mode: %v", err)
	}
	if mode != ReplyModeOff {
		t.Fatalf("expected seeded mode off, got %s", mode)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("REPLYQUEUE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set REPLYQUEUE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationPrefix(prefix string) string {
	n := atomic.AddUint64(&postgresIntegrationCounter, 1)
	return fmt.Sprintf("%s_%d_%d", prefix, time.Now().UnixNano(), n)
}

func postgresIntegrationDropTables(t *testing.T, dsn string, tableNames ...string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, tableName := range tableNames {
		query := fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", postgresQuoteIdentifier(tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
		}
	}
}
