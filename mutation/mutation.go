// Package mutation holds the concrete committed changes of a catalog and of
// the engine, and how each of them projects into capture events.
package mutation

import (
	"github.com/maxpert/changefeed/capture"
)

// Transaction opens a version in the committed stream. It is always the first
// mutation of a version and is followed by MutationCount mutations.
type Transaction struct {
	Version       int64  `msgpack:"v" json:"version"`
	TxnID         uint64 `msgpack:"txn" json:"txn_id"`
	MutationCount int32  `msgpack:"n" json:"mutation_count"`
	CommitTS      int64  `msgpack:"ts" json:"commit_ts"` // unix ms
}

// TransactionVersion implements capture.Boundary
func (m *Transaction) TransactionVersion() int64 {
	return m.Version
}

// Project restarts the cursor at the transaction version and emits the
// transaction itself as the first event of the version.
func (m *Transaction) Project(c *capture.Cursor, f capture.Filter, mode capture.ContentMode) []capture.Event {
	c.BeginVersion(m.Version)
	return c.Emit(nil, f, mode, capture.Event{
		Area:      capture.AreaInfrastructure,
		Operation: capture.OpTransaction,
		Container: capture.ContainerTransaction,
		Body:      m,
	})
}

// LocalChange is a change of a single part of an entity
type LocalChange struct {
	Container capture.Container `msgpack:"c" json:"container"`
	Name      string            `msgpack:"n" json:"name"`
	Remove    bool              `msgpack:"r,omitempty" json:"remove,omitempty"`
	Value     []byte            `msgpack:"val,omitempty" json:"value,omitempty"`
}

// EntityUpsert creates or updates an entity together with its local changes
type EntityUpsert struct {
	EntityType string        `msgpack:"type" json:"entity_type"`
	PrimaryKey int32         `msgpack:"pk" json:"primary_key"`
	Changes    []LocalChange `msgpack:"chg,omitempty" json:"changes,omitempty"`
}

// Project emits the entity event followed by one event per local change
func (m *EntityUpsert) Project(c *capture.Cursor, f capture.Filter, mode capture.ContentMode) []capture.Event {
	events := c.Emit(nil, f, mode, capture.Event{
		Area:       capture.AreaData,
		Classifier: m.EntityType,
		Operation:  capture.OpUpsert,
		Container:  capture.ContainerEntity,
		PrimaryKey: m.PrimaryKey,
		Body:       m,
	})
	for _, change := range m.Changes {
		op := capture.OpUpsert
		if change.Remove {
			op = capture.OpRemove
		}
		events = c.Emit(events, f, mode, capture.Event{
			Area:       capture.AreaData,
			Classifier: m.EntityType,
			Operation:  op,
			Container:  change.Container,
			Name:       change.Name,
			PrimaryKey: m.PrimaryKey,
			Body:       m,
		})
	}
	return events
}

// EntityRemove deletes an entity
type EntityRemove struct {
	EntityType string `msgpack:"type" json:"entity_type"`
	PrimaryKey int32  `msgpack:"pk" json:"primary_key"`
}

func (m *EntityRemove) Project(c *capture.Cursor, f capture.Filter, mode capture.ContentMode) []capture.Event {
	return c.Emit(nil, f, mode, capture.Event{
		Area:       capture.AreaData,
		Classifier: m.EntityType,
		Operation:  capture.OpRemove,
		Container:  capture.ContainerEntity,
		PrimaryKey: m.PrimaryKey,
		Body:       m,
	})
}

// EntitySchema creates, alters or drops the schema of an entity collection
type EntitySchema struct {
	EntityType  string `msgpack:"type" json:"entity_type"`
	Remove      bool   `msgpack:"r,omitempty" json:"remove,omitempty"`
	Description string `msgpack:"d,omitempty" json:"description,omitempty"`
}

func (m *EntitySchema) Project(c *capture.Cursor, f capture.Filter, mode capture.ContentMode) []capture.Event {
	op := capture.OpUpsert
	if m.Remove {
		op = capture.OpRemove
	}
	return c.Emit(nil, f, mode, capture.Event{
		Area:       capture.AreaSchema,
		Classifier: m.EntityType,
		Operation:  op,
		Container:  capture.ContainerEntity,
		Body:       m,
	})
}
