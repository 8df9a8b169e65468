package replica

import (
	"bytes"
	"encoding/json"
	"time"
)

// Record is the envelope a Table stores around each payload.
//
// UpdatedAtRemote is the server timestamp of the last version this copy was
// synced from; zero means the record has never been acknowledged. Base holds
// the payload as of that version and is what a three-way merge diffs against.
type Record[T any] struct {
	ID              string          `json:"id"`
	Scope           string          `json:"scope,omitempty"`
	Payload         T               `json:"payload"`
	Version         int64           `json:"version"`
	UpdatedAtLocal  time.Time       `json:"updatedAtLocal"`
	UpdatedAtRemote int64           `json:"updatedAtRemote,omitempty"`
	Dirty           bool            `json:"dirty"`
	Deleted         bool            `json:"deleted,omitempty"`
	Base            json.RawMessage `json:"base,omitempty"`
	SyncError       string          `json:"syncError,omitempty"`
}

func (r Record[T]) Synced() bool {
	return r.UpdatedAtRemote > 0
}

// Source says where a write came from. Use Local or Remote(ts).
type Source struct {
	Remote    bool
	Timestamp int64
}

var Local = Source{}

func Remote(timestamp int64) Source {
	return Source{Remote: true, Timestamp: timestamp}
}

func (s Source) String() string {
	if s.Remote {
		return "remote"
	}
	return "local"
}

// SamePayload compares payloads by their JSON encoding.
func SamePayload[T any](a, b T) bool {
	left, err := json.Marshal(a)
	if err != nil {
		return false
	}
	right, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return EqualJSON(left, right)
}

// EqualJSON reports whether two documents are equal after normalisation, so
// key order and whitespace do not matter.
func EqualJSON(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var left, right any
	if err := json.Unmarshal(a, &left); err != nil {
		return false
	}
	if err := json.Unmarshal(b, &right); err != nil {
		return false
	}
	normLeft, err := json.Marshal(left)
	if err != nil {
		return false
	}
	normRight, err := json.Marshal(right)
	if err != nil {
		return false
	}
	return bytes.Equal(normLeft, normRight)
}
