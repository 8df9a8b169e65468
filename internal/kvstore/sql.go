package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	defaultSQLTableName = "trialsync_kv"
	sqlOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type sqlDialect struct {
	driver    string
	valueType string
	bind      func(n int) string
}

var (
	postgresDialect = sqlDialect{
		driver:    "postgres",
		valueType: "BYTEA",
		bind:      func(n int) string { return fmt.Sprintf("$%d", n) },
	}
	sqliteDialect = sqlDialect{
		driver:    "sqlite",
		valueType: "BLOB",
		bind:      func(int) string { return "?" },
	}
)

// SQL stores keys in a two-column table. The table is created lazily on
// first use so that constructing a store never touches the network.
type SQL struct {
	dsn       string
	tableName string
	dialect   sqlDialect
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func OpenPostgres(dsn string) (*SQL, error) {
	return newSQL(dsn, defaultSQLTableName, postgresDialect)
}

func OpenSQLite(path string) (*SQL, error) {
	return newSQL(path, defaultSQLTableName, sqliteDialect)
}

func newSQL(dsn, tableName string, dialect sqlDialect) (*SQL, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &SQL{
		dsn:       dsn,
		tableName: tableName,
		dialect:   dialect,
		openDB:    sql.Open,
	}, nil
}

func (s *SQL) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT v FROM %s WHERE k = %s", quoteIdentifier(s.tableName), s.dialect.bind(1))
	var value []byte
	err := s.db.QueryRowContext(ctx, query, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return value, nil
}

func (s *SQL) Set(ctx context.Context, key string, value []byte) error {
	if err := validKey(key); err != nil {
		return err
	}
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	if value == nil {
		value = []byte{}
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (k, v)
		VALUES (%s, %s)
		ON CONFLICT (k)
		DO UPDATE SET v = excluded.v`, quoteIdentifier(s.tableName), s.dialect.bind(1), s.dialect.bind(2))
	_, err := s.db.ExecContext(ctx, query, key, value)
	return err
}

func (s *SQL) Delete(ctx context.Context, key string) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE k = %s", quoteIdentifier(s.tableName), s.dialect.bind(1))
	_, err := s.db.ExecContext(ctx, query, key)
	return err
}

func (s *SQL) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT k FROM %s WHERE substr(k, 1, %s) = %s",
		quoteIdentifier(s.tableName), s.dialect.bind(1), s.dialect.bind(2))
	rows, err := s.db.QueryContext(ctx, query, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// collations differ between engines; callers rely on byte order
	sort.Strings(keys)
	return keys, nil
}

func (s *SQL) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQL) ensureReady() error {
	if s == nil {
		return ErrInvalidInput
	}
	s.initOnce.Do(func() {
		db, err := s.openDB(s.dialect.driver, s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		if s.dialect.driver == sqliteDialect.driver {
			db.SetMaxOpenConns(1)
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqlOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				k TEXT PRIMARY KEY,
				v %s NOT NULL
			)`, quoteIdentifier(s.tableName), s.dialect.valueType)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func quoteIdentifier(identifier string) string {
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
