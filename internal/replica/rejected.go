package replica

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/trialsync/internal/kvstore"
	"github.com/agentworkforce/trialsync/internal/syncerr"
)

// Rejection is a server version of a record that could not be stored. It
// stays until a newer server version is applied or it is dismissed.
type Rejection struct {
	ID              string    `json:"id"`
	UpdatedAtRemote int64     `json:"updatedAtRemote"`
	Reason          string    `json:"reason"`
	RejectedAt      time.Time `json:"rejectedAt"`
}

// Reject records that the server version of id at remoteTS was refused.
func (t *Table[T]) Reject(ctx context.Context, id string, remoteTS int64, cause error) error {
	if err := validID(id); err != nil {
		return err
	}
	reason := "rejected"
	if cause != nil {
		reason = cause.Error()
	}
	encoded, err := json.Marshal(Rejection{
		ID:              id,
		UpdatedAtRemote: remoteTS,
		Reason:          reason,
		RejectedAt:      t.now(),
	})
	if err != nil {
		return syncerr.New(syncerr.KindInvalidInput, "reject "+t.name+"/"+id, err)
	}
	if err := t.store.Set(ctx, t.rejectedKey(id), encoded); err != nil {
		return syncerr.Storage("reject "+t.name+"/"+id, err)
	}
	t.logger.Warn("remote record rejected", "id", id, "updated_at_remote", remoteTS, "reason", reason)
	return nil
}

// Rejections lists the refused server versions ordered by id.
func (t *Table[T]) Rejections(ctx context.Context) ([]Rejection, error) {
	keys, err := t.store.Keys(ctx, t.rejectedPrefix())
	if err != nil {
		return nil, syncerr.Storage("list rejected "+t.name, err)
	}
	out := make([]Rejection, 0, len(keys))
	for _, key := range keys {
		rej, err := t.rejection(ctx, strings.TrimPrefix(key, t.rejectedPrefix()))
		if err != nil {
			return nil, err
		}
		if rej != nil {
			out = append(out, *rej)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ClearRejection drops the rejection of id when it is for a server version
// at or before through, and reports whether one was dropped.
func (t *Table[T]) ClearRejection(ctx context.Context, id string, through int64) (bool, error) {
	rej, err := t.rejection(ctx, id)
	if err != nil || rej == nil || rej.UpdatedAtRemote > through {
		return false, err
	}
	if err := t.store.Delete(ctx, t.rejectedKey(id)); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return false, syncerr.Storage("clear rejected "+t.name+"/"+id, err)
	}
	return true, nil
}

func (t *Table[T]) rejection(ctx context.Context, id string) (*Rejection, error) {
	raw, err := t.store.Get(ctx, t.rejectedKey(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, syncerr.Storage("read rejected "+t.name+"/"+id, err)
	}
	var rej Rejection
	if err := json.Unmarshal(raw, &rej); err != nil {
		t.logger.Warn("ignoring unreadable rejection", "id", id, "error", err)
		return nil, nil
	}
	return &rej, nil
}

func (t *Table[T]) rejectedPrefix() string {
	return "rejected/" + t.name + "/"
}

func (t *Table[T]) rejectedKey(id string) string {
	return t.rejectedPrefix() + id
}
