// Package kvstore is the local persistent key-value store behind every
// replicated table. Backends are picked by DSN scheme.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
)

var (
	ErrNotFound       = errors.New("key not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")
	ErrQuotaExceeded  = errors.New("storage quota exceeded")
	ErrClosed         = errors.New("store closed")
)

type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys returns every key with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

type Factory func(dsn string) (Store, error)

var factoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]Factory
}{
	factories: map[string]Factory{},
}

func Register(scheme string, factory Factory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	factoryRegistry.mu.Lock()
	defer factoryRegistry.mu.Unlock()
	factoryRegistry.factories[scheme] = factory
}

func lookupFactory(scheme string) (Factory, bool) {
	scheme = normalizeScheme(scheme)
	factoryRegistry.mu.RLock()
	defer factoryRegistry.mu.RUnlock()
	factory, ok := factoryRegistry.factories[scheme]
	return factory, ok
}

func BuildFromDSN(dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return NewMemory(0), nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenFile(path)
	case "memory", "mem", "inmem":
		return NewMemory(quotaFromQuery(parsed)), nil
	case "badger":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenBadger(path)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return OpenSQLite(path)
	case "postgres", "postgresql":
		return OpenPostgres(dsn)
	case "redis", "indexeddb":
		return nil, fmt.Errorf("%w: kv store %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported kv store scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Host + parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func quotaFromQuery(parsed *url.URL) int {
	raw := strings.TrimSpace(parsed.Query().Get("max_bytes"))
	if raw == "" {
		return 0
	}
	var quota int
	if _, err := fmt.Sscanf(raw, "%d", &quota); err != nil || quota < 0 {
		return 0
	}
	return quota
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

func validKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return fmt.Errorf("%w: empty key", ErrInvalidInput)
	}
	return nil
}
