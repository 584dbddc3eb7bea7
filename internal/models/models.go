package models

import (
	"time"
)

// Op is the kind of change a mutation records.
type Op string

const (
	OpCreate Op = "create"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether op is one of the known mutation kinds.
func (op Op) Valid() bool {
	switch op {
	case OpCreate, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Mutation is a recorded intent to change one entity, queued for remote delivery.
type Mutation struct {
	Seq        int64     `json:"seq"`
	ID         string    `json:"mutation_id"`
	Op         Op        `json:"op"`
	Collection string    `json:"collection"`
	EntityID   string    `json:"entity_id"`
	Payload    Entity    `json:"payload,omitempty"`
	DeviceID   string    `json:"device_id"`
	CreatedAt  time.Time `json:"created_at"`
	Attempts   int       `json:"attempts,omitempty"`
	LastError  string    `json:"last_error,omitempty"`
}

// Tombstone marks a remote delete.
type Tombstone struct {
	ID        string    `json:"id"`
	DeletedAt time.Time `json:"deleted_at"`
}

// Change is one delivery from the remote store for a single collection.
// Full is set when Entities is a complete snapshot of the collection.
type Change struct {
	Collection string      `json:"collection"`
	Full       bool        `json:"full"`
	Entities   []Entity    `json:"entities,omitempty"`
	Deleted    []Tombstone `json:"deleted,omitempty"`
}

// ChangeSource identifies what caused a local collection change.
type ChangeSource string

const (
	SourceLocal  ChangeSource = "local"
	SourceRemote ChangeSource = "remote"
	SourceImport ChangeSource = "import"
	SourceWipe   ChangeSource = "wipe"
)

// ChangeEvent is delivered to collection listeners after a committed change.
type ChangeEvent struct {
	Collection string
	IDs        []string
	Source     ChangeSource
}

// SyncStatus summarises replication health.
type SyncStatus struct {
	LastSync    *time.Time `json:"last_sync"`
	IsOnline    bool       `json:"is_online"`
	QueueLength int        `json:"queue_length"`
}
