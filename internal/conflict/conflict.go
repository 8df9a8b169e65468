package conflict

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/agentworkforce/trialsync/internal/replica"
)

type Status string

const (
	StatusPending  Status = "pending"
	StatusResolved Status = "resolved"
	StatusIgnored  Status = "ignored"
)

type DecisionKind string

const (
	DecisionLocal  DecisionKind = "local"
	DecisionRemote DecisionKind = "remote"
	DecisionMerged DecisionKind = "merged"
)

type Decision[T any] struct {
	Kind    DecisionKind `json:"kind"`
	Payload *T           `json:"payload,omitempty"`
}

func KeepLocal[T any]() Decision[T] {
	return Decision[T]{Kind: DecisionLocal}
}

func KeepRemote[T any]() Decision[T] {
	return Decision[T]{Kind: DecisionRemote}
}

func Merged[T any](payload T) Decision[T] {
	return Decision[T]{Kind: DecisionMerged, Payload: &payload}
}

func (d Decision[T]) validate() error {
	switch d.Kind {
	case DecisionLocal, DecisionRemote:
		return nil
	case DecisionMerged:
		if d.Payload == nil {
			return fmt.Errorf("merged decision requires a payload")
		}
		return nil
	default:
		return fmt.Errorf("unknown decision %q", d.Kind)
	}
}

// ParseDecision builds a decision from its wire form.
func ParseDecision[T any](kind string, payload json.RawMessage) (Decision[T], error) {
	switch DecisionKind(kind) {
	case DecisionLocal:
		return KeepLocal[T](), nil
	case DecisionRemote:
		return KeepRemote[T](), nil
	case DecisionMerged:
		if len(payload) == 0 {
			return Decision[T]{}, fmt.Errorf("merged decision requires a payload")
		}
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			return Decision[T]{}, fmt.Errorf("decode merged payload: %w", err)
		}
		return Merged(value), nil
	default:
		return Decision[T]{}, fmt.Errorf("unknown decision %q", kind)
	}
}

// Conflict captures a local dirty record and the remote version that moved
// underneath it.
type Conflict[T any] struct {
	ID              string            `json:"id"`
	EntityKind      string            `json:"entityKind"`
	RecordID        string            `json:"recordId"`
	Local           replica.Record[T] `json:"local"`
	Remote          replica.Record[T] `json:"remote"`
	LocalTimestamp  time.Time         `json:"localTimestamp"`
	RemoteTimestamp int64             `json:"remoteTimestamp"`
	Status          Status            `json:"status"`
	Decision        *Decision[T]      `json:"decision,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	ClosedAt        *time.Time        `json:"closedAt,omitempty"`
	Released        bool              `json:"released,omitempty"`
}

// Diverged is the detection predicate: the local copy has unpushed changes,
// the remote copy differs from it, and the remote copy is newer than the
// version the local copy was last synced from.
func Diverged[T any](local, remote replica.Record[T]) bool {
	if !local.Dirty {
		return false
	}
	if remote.UpdatedAtRemote <= local.UpdatedAtRemote {
		return false
	}
	if local.Deleted != remote.Deleted {
		return true
	}
	if local.Deleted {
		return false
	}
	return !replica.SamePayload(local.Payload, remote.Payload)
}
