package entity

import (
	"context"
	"errors"
	"time"
)

var (
	// errors
	ErrNotFound     = errors.New("record not found")
	ErrAccessDenied = errors.New("record belongs to another school")
	ErrUnknownKind  = errors.New("unknown entity kind")
	ErrNoSchool     = errors.New("school id is required")
)

// Store is the durable, tenant-partitioned local store.
type Store interface {
	// Get returns the record regardless of its tombstone flag.
	Get(ctx context.Context, kind Kind, localID string) (Record, error)
	GetByServerID(ctx context.Context, kind Kind, id string) (Record, error)
	// Query never returns records of another school. schoolID is mandatory.
	Query(ctx context.Context, kind Kind, schoolID string, filter QueryFilter) ([]Record, error)
	// Put upserts by (kind, localID).
	Put(ctx context.Context, rec Record) error
	// Delete is a no-op if the record does not exist.
	Delete(ctx context.Context, kind Kind, localID string) error
	// PutIfUnchanged overwrites the record only while it still carries updatedAt, ie. nobody wrote it since it was read.
	// It reports whether rec was written. A missing record is never written.
	PutIfUnchanged(ctx context.Context, rec Record, updatedAt time.Time) (bool, error)
	// DeleteIfUnchanged is the Delete counterpart of PutIfUnchanged.
	DeleteIfUnchanged(ctx context.Context, kind Kind, localID string, updatedAt time.Time) (bool, error)
	// Subscribe delivers a fresh snapshot of the query every time the collection changes for this school.
	Subscribe(ctx context.Context, kind Kind, schoolID string, filter QueryFilter) (*Subscription, error)
}

// CheckScope validates the school scope of a query.
func CheckScope(kind Kind, schoolID string) error {
	if schoolID == "" {
		return ErrNoSchool
	}
	if !kind.Valid() {
		return ErrUnknownKind
	}
	return nil
}
