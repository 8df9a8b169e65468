package kvstore

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

func TestPostgresIntegrationStore(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("TRIALSYNC_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("TRIALSYNC_TEST_POSTGRES_DSN is not set")
	}
	store, err := OpenPostgres(dsn)
	if err != nil {
		t.Fatalf("open postgres store: %v", err)
	}
	store.tableName = fmt.Sprintf("trialsync_kv_it_%d_%d", time.Now().UnixNano(), atomic.AddUint64(&postgresIntegrationCounter, 1))
	t.Cleanup(func() {
		_ = store.Close()
		db, err := sql.Open("postgres", dsn)
		if err != nil {
			return
		}
		defer db.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+quoteIdentifier(store.tableName))
	})
	exerciseStore(t, store)
}
