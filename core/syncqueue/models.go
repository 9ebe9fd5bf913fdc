package syncqueue

import (
	"time"

	"github.com/google/uuid"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-offline/core/entity"
)

type Operation string

// Operations
const (
	OpCreate Operation = "CREATE"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

func (op Operation) Valid() bool {
	return op == OpCreate || op == OpUpdate || op == OpDelete
}

// Action is a pending mutation waiting to be applied on the remote service.
type Action struct {
	ActionID        string         `json:"actionId" yaml:"actionId"`
	Seq             int64          `json:"seq" yaml:"seq"` // enqueue order, assigned by the queue
	Operation       Operation      `json:"operation" yaml:"operation"`
	Kind            entity.Kind    `json:"kind" yaml:"kind"`
	LocalID         string         `json:"localId" yaml:"localId"`
	SchoolID        string         `json:"schoolId" yaml:"schoolId"`
	Payload         entity.Payload `json:"payload" yaml:"payload"` // nil for DELETE
	RecordUpdatedAt time.Time      `json:"recordUpdatedAt" yaml:"recordUpdatedAt"`
	Attempts        int            `json:"attempts" yaml:"attempts"`
	LastError       null.String    `json:"lastError" yaml:"lastError"`
	Permanent       bool           `json:"permanent" yaml:"permanent"` // needs attention, not retried automatically
	NextAttemptAt   time.Time      `json:"nextAttemptAt" yaml:"nextAttemptAt"`
	EnqueuedAt      time.Time      `json:"enqueuedAt" yaml:"enqueuedAt"`
}

// NewAction builds the action applying `op` to rec.
func NewAction(op Operation, rec entity.Record, now time.Time) Action {
	act := Action{
		ActionID:        uuid.NewString(),
		Operation:       op,
		Kind:            rec.Kind,
		LocalID:         rec.LocalID,
		SchoolID:        rec.SchoolID,
		RecordUpdatedAt: rec.UpdatedAt,
		EnqueuedAt:      now,
	}
	if op != OpDelete {
		act.Payload = rec.Data.Clone()
	}
	return act
}

// RecordKey identifies the record an action applies to.
type RecordKey struct {
	Kind    entity.Kind
	LocalID string
}

func (act Action) Record() RecordKey {
	return RecordKey{Kind: act.Kind, LocalID: act.LocalID}
}

// Ready reports whether the action may be attempted automatically at `now`.
func (act Action) Ready(now time.Time) bool {
	return !act.Permanent && !now.Before(act.NextAttemptAt)
}

// Failure describes a failed attempt.
type Failure struct {
	Err           error
	Permanent     bool
	NextAttemptAt time.Time
}
