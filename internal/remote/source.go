// Package remote talks to the server that owns the authoritative copy of
// every replicated table.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

var ErrConflict = errors.New("revision conflict")

// ConflictError is returned when the server rejects a push because its copy
// moved past the version the client based its edit on.
type ConflictError struct {
	Table    string
	RecordID string
}

func (e *ConflictError) Error() string {
	if e.RecordID == "" {
		return "revision conflict"
	}
	return fmt.Sprintf("revision conflict for %s/%s", e.Table, e.RecordID)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflict
}

// HTTPStatus lets the retry classifier treat a conflict as a 4xx.
func (e *ConflictError) HTTPStatus() int {
	return 409
}

type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
	// Wait is the server's Retry-After hint, zero when absent.
	Wait time.Duration
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("http %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Message)
}

func (e *HTTPError) HTTPStatus() int {
	return e.StatusCode
}

func (e *HTTPError) RetryAfter() time.Duration {
	return e.Wait
}

// Record is the wire form of one row. UpdatedAt is the server's monotonic
// timestamp for the row's latest version.
type Record struct {
	ID        string          `json:"id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	UpdatedAt int64           `json:"updatedAt"`
	Deleted   bool            `json:"deleted,omitempty"`
}

// Push is a local change sent to the server. BaseUpdatedAt is the server
// timestamp the edit was made against, zero for a row the server never
// acknowledged.
type Push struct {
	ID            string          `json:"id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Deleted       bool            `json:"deleted,omitempty"`
	BaseUpdatedAt int64           `json:"baseUpdatedAt,omitempty"`
}

type Ack struct {
	UpdatedAt int64 `json:"updatedAt"`
}

// Source is the remote side of replication. Every call is idempotent, so
// retrying one with the same arguments is safe.
type Source interface {
	// FetchDelta returns up to limit rows of table changed after since,
	// ordered by UpdatedAt.
	FetchDelta(ctx context.Context, table string, since int64, limit int) ([]Record, error)
	FetchOne(ctx context.Context, table, id string) (Record, error)
	Push(ctx context.Context, table string, change Push) (Ack, error)
}

// BuildFromURL picks a Source implementation from rawURL. "memory://" gives
// an in-process source, http(s) URLs an HTTPSource.
func BuildFromURL(rawURL, token string, opts HTTPOptions) (Source, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" || strings.HasPrefix(rawURL, "memory://") {
		return NewMemory(nil), nil
	}
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse remote url: %w", err)
	}
	switch parsed.Scheme {
	case "http", "https":
		return NewHTTPSource(rawURL, token, opts), nil
	default:
		return nil, fmt.Errorf("unsupported remote scheme %q", parsed.Scheme)
	}
}
