// Package trial defines the payloads of the replicated trial tables and
// opens them with their conflict engines.
package trial

import (
	"context"
	"embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/agentworkforce/trialsync/internal/conflict"
	"github.com/agentworkforce/trialsync/internal/coordinator"
	"github.com/agentworkforce/trialsync/internal/kvstore"
	"github.com/agentworkforce/trialsync/internal/replica"
)

const (
	ClassesTable = "classes"
	EntriesTable = "entries"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// Class is one judged class of a show, e.g. "Agility 2 Jumping".
type Class struct {
	ShowID     string `json:"showId"`
	Name       string `json:"name"`
	Discipline string `json:"discipline,omitempty"`
	Level      string `json:"level,omitempty"`
	Judge      string `json:"judge,omitempty"`
	Ring       int    `json:"ring,omitempty"`
	StartsAt   string `json:"startsAt,omitempty"`
	Status     string `json:"status,omitempty"`
}

// Entry is a dog and handler entered into a class.
type Entry struct {
	ShowID    string  `json:"showId"`
	ClassID   string  `json:"classId"`
	DogName   string  `json:"dogName"`
	Handler   string  `json:"handler,omitempty"`
	Breed     string  `json:"breed,omitempty"`
	RunOrder  int     `json:"runOrder,omitempty"`
	Scratched bool    `json:"scratched,omitempty"`
	Result    *Result `json:"result,omitempty"`
}

type Result struct {
	TimeSeconds float64 `json:"timeSeconds,omitempty"`
	Faults      int     `json:"faults,omitempty"`
	Placement   int     `json:"placement,omitempty"`
	Qualified   bool    `json:"qualified,omitempty"`
}

type Options struct {
	Now          func() time.Time
	Logger       *slog.Logger
	OnTransition func(table string, status conflict.Status)
}

// Tables holds the replicated tables of one local database.
type Tables struct {
	Classes          *replica.Table[Class]
	ClassConflicts   *conflict.Engine[Class]
	Entries          *replica.Table[Entry]
	EntriesConflicts *conflict.Engine[Entry]
}

func Open(ctx context.Context, store kvstore.Store, opts Options) (*Tables, error) {
	classes, classConflicts, err := openTable(ctx, store, ClassesTable, func(c Class) string { return c.ShowID }, opts)
	if err != nil {
		return nil, err
	}
	entries, entryConflicts, err := openTable(ctx, store, EntriesTable, func(e Entry) string { return e.ShowID }, opts)
	if err != nil {
		return nil, err
	}
	return &Tables{
		Classes:          classes,
		ClassConflicts:   classConflicts,
		Entries:          entries,
		EntriesConflicts: entryConflicts,
	}, nil
}

func openTable[T any](ctx context.Context, store kvstore.Store, name string, scopeOf func(T) string, opts Options) (*replica.Table[T], *conflict.Engine[T], error) {
	document, err := schemaFS.ReadFile("schemas/" + name + ".json")
	if err != nil {
		return nil, nil, fmt.Errorf("read %s schema: %w", name, err)
	}
	schema, err := replica.CompileSchema(name, string(document))
	if err != nil {
		return nil, nil, err
	}
	table, err := replica.NewTable(store, replica.Options[T]{
		Name:    name,
		ScopeOf: scopeOf,
		Schema:  schema,
		Now:     opts.Now,
		Logger:  opts.Logger,
	})
	if err != nil {
		return nil, nil, err
	}
	engine, err := conflict.NewEngine(ctx, table, store, conflict.Options{
		Now:          opts.Now,
		Logger:       opts.Logger,
		OnTransition: opts.OnTransition,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("open %s conflicts: %w", name, err)
	}
	return table, engine, nil
}

// Bindings returns the type-erased handles the coordinator and the prefetch
// manager drive, classes first.
func (t *Tables) Bindings() []coordinator.Binding {
	return []coordinator.Binding{
		coordinator.Bind(t.ClassConflicts),
		coordinator.Bind(t.EntriesConflicts),
	}
}
