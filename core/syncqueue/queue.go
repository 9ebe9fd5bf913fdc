package syncqueue

import (
	"context"
	"errors"
	"iter"
)

var (
	// errors
	ErrNotFound  = errors.New("queue entry not found")
	ErrEmpty     = errors.New("queue is empty")
	ErrNotMapped = errors.New("no server id mapped")
)

type (
	// Queue is the durable, append-only log of pending actions.
	Queue interface {
		// Enqueue appends act and returns it with its Seq set. Pending entries of the same record are kept.
		Enqueue(ctx context.Context, act Action) (Action, error)
		Get(ctx context.Context, actionID string) (Action, error)
		// Next returns the oldest entry of the school with Seq > afterSeq, or ErrEmpty.
		Next(ctx context.Context, schoolID string, afterSeq int64) (Action, error)
		// List returns the entries of the school in FIFO order. An empty schoolID lists every school.
		List(ctx context.Context, schoolID string) ([]Action, error)
		Acknowledge(ctx context.Context, actionID string) error
		// MarkFailed increments Attempts and records the failure. The entry stays in place.
		MarkFailed(ctx context.Context, actionID string, failure Failure) error
		// Reset clears the failure state so the entry is retried on the next sync.
		Reset(ctx context.Context, actionID string) error
		PendingCount(ctx context.Context, schoolID string) (int, error)
		CountForRecord(ctx context.Context, key RecordKey) (int, error)
		// DropRecord removes every entry of the record and returns how many were removed.
		DropRecord(ctx context.Context, key RecordKey) (int, error)
		// Tenants returns the schools having at least one entry.
		Tenants(ctx context.Context) ([]string, error)
	}

	// IDMapper maps local ids onto server-assigned ids. Mappings survive local deletes.
	IDMapper interface {
		MapID(ctx context.Context, key RecordKey, serverID string) error
		ServerID(ctx context.Context, key RecordKey) (string, error)
	}

	// CursorStore keeps the pull position of each school.
	CursorStore interface {
		Cursor(ctx context.Context, schoolID string) (string, error)
		SetCursor(ctx context.Context, schoolID, cursor string) error
	}

	// Ledger is all the sync bookkeeping the engine persists.
	Ledger interface {
		Queue
		IDMapper
		CursorStore
	}
)

// Drain lazily yields the school's entries in FIFO order.
// The queue is re-read after each entry, so entries acknowledged meanwhile are not yielded and a new
// Drain resumes from the remaining ones.
func Drain(ctx context.Context, q Queue, schoolID string) iter.Seq2[Action, error] {
	return func(yield func(Action, error) bool) {
		var seq int64
		for {
			if err := ctx.Err(); err != nil {
				yield(Action{}, err)
				return
			}
			act, err := q.Next(ctx, schoolID, seq)
			if errors.Is(err, ErrEmpty) {
				return
			}
			if err != nil {
				yield(Action{}, err)
				return
			}
			if !yield(act, nil) {
				return
			}
			seq = act.Seq
		}
	}
}

// NeedsAttention returns the entries of the school that failed permanently.
func NeedsAttention(ctx context.Context, q Queue, schoolID string) ([]Action, error) {
	actions, err := q.List(ctx, schoolID)
	if err != nil {
		return nil, err
	}
	var flagged []Action
	for _, act := range actions {
		if act.Permanent {
			flagged = append(flagged, act)
		}
	}
	return flagged, nil
}
