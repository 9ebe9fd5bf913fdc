package remote

import (
	"context"
	"time"

	"github.com/trezcool/masomo-offline/core/entity"
)

// Request carries one mutation to the remote service.
type Request struct {
	Kind      entity.Kind    `json:"kind"`
	SchoolID  string         `json:"schoolId"`
	LocalID   string         `json:"localId"` // client reference, makes CREATE idempotent
	ServerID  string         `json:"id,omitempty"`
	Payload   entity.Payload `json:"data,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
	// Force overrides the server's last-write-wins check. Set when the local edit is known to be newer.
	Force bool `json:"force,omitempty"`
}

// ServerRecord is the server's version of a record.
type ServerRecord struct {
	ID        string         `json:"id"`
	LocalID   string         `json:"localId,omitempty"`
	Kind      entity.Kind    `json:"kind"`
	SchoolID  string         `json:"schoolId"`
	Data      entity.Payload `json:"data"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Deleted   bool           `json:"deleted,omitempty"`
}

// ChangeSet is a page of server-side changes of one school, oldest first.
type ChangeSet struct {
	Changes []ServerRecord `json:"changes"`
	Cursor  string         `json:"cursor"`
	HasMore bool           `json:"hasMore"`
}

// Service is the central server the sync engine applies queued actions to.
// Failures are returned as *Error; anything else is treated as transient.
type Service interface {
	Create(ctx context.Context, req Request) (ServerRecord, error)
	Update(ctx context.Context, req Request) (ServerRecord, error)
	Delete(ctx context.Context, req Request) error
	// Changes returns the school's changes since cursor ("" for the beginning).
	Changes(ctx context.Context, schoolID, cursor string) (ChangeSet, error)
}
