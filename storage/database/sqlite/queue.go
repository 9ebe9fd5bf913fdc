package sqliterepos

import (
	"context"
	"database/sql"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

const actionColumns = "seq, action_id, operation, kind, local_id, school_id, payload, record_updated_at, attempts, last_error, permanent, next_attempt_at, enqueued_at"

// actionRow is the sync_queue table layout. Times are unix millis, 0 meaning unset.
type actionRow struct {
	Seq             int64          `db:"seq"`
	ActionID        string         `db:"action_id"`
	Operation       string         `db:"operation"`
	Kind            string         `db:"kind"`
	LocalID         string         `db:"local_id"`
	SchoolID        string         `db:"school_id"`
	Payload         entity.Payload `db:"payload"`
	RecordUpdatedAt int64          `db:"record_updated_at"`
	Attempts        int            `db:"attempts"`
	LastError       null.String    `db:"last_error"`
	Permanent       bool           `db:"permanent"`
	NextAttemptAt   int64          `db:"next_attempt_at"`
	EnqueuedAt      int64          `db:"enqueued_at"`
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func newActionRow(act syncqueue.Action) actionRow {
	return actionRow{
		ActionID:        act.ActionID,
		Operation:       string(act.Operation),
		Kind:            string(act.Kind),
		LocalID:         act.LocalID,
		SchoolID:        act.SchoolID,
		Payload:         act.Payload,
		RecordUpdatedAt: toMillis(act.RecordUpdatedAt),
		Attempts:        act.Attempts,
		LastError:       act.LastError,
		Permanent:       act.Permanent,
		NextAttemptAt:   toMillis(act.NextAttemptAt),
		EnqueuedAt:      toMillis(act.EnqueuedAt),
	}
}

func (row actionRow) action() syncqueue.Action {
	return syncqueue.Action{
		ActionID:        row.ActionID,
		Seq:             row.Seq,
		Operation:       syncqueue.Operation(row.Operation),
		Kind:            entity.Kind(row.Kind),
		LocalID:         row.LocalID,
		SchoolID:        row.SchoolID,
		Payload:         row.Payload,
		RecordUpdatedAt: fromMillis(row.RecordUpdatedAt),
		Attempts:        row.Attempts,
		LastError:       row.LastError,
		Permanent:       row.Permanent,
		NextAttemptAt:   fromMillis(row.NextAttemptAt),
		EnqueuedAt:      fromMillis(row.EnqueuedAt),
	}
}

type queueRepository struct {
	db *sqlx.DB
}

var _ syncqueue.Ledger = (*queueRepository)(nil) // interface compliance check

func NewQueueRepository(db *sqlx.DB) syncqueue.Ledger {
	return &queueRepository{db: db}
}

func (repo *queueRepository) Enqueue(ctx context.Context, act syncqueue.Action) (syncqueue.Action, error) {
	q := `INSERT INTO sync_queue (action_id, operation, kind, local_id, school_id, payload, record_updated_at,
			attempts, last_error, permanent, next_attempt_at, enqueued_at)
		VALUES (:action_id, :operation, :kind, :local_id, :school_id, :payload, :record_updated_at,
			:attempts, :last_error, :permanent, :next_attempt_at, :enqueued_at)`
	res, err := repo.db.NamedExecContext(ctx, q, newActionRow(act))
	if err != nil {
		return syncqueue.Action{}, errors.Wrap(err, "enqueuing action")
	}
	if act.Seq, err = res.LastInsertId(); err != nil {
		return syncqueue.Action{}, errors.Wrap(err, "enqueuing action")
	}
	return act, nil
}

func (repo *queueRepository) get(ctx context.Context, where string, args ...interface{}) (syncqueue.Action, error) {
	var row actionRow
	q := "SELECT " + actionColumns + " FROM sync_queue WHERE " + where
	if err := repo.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return syncqueue.Action{}, syncqueue.ErrNotFound
		}
		return syncqueue.Action{}, errors.Wrap(err, "getting action")
	}
	return row.action(), nil
}

func (repo *queueRepository) Get(ctx context.Context, actionID string) (syncqueue.Action, error) {
	return repo.get(ctx, "action_id = ?", actionID)
}

func (repo *queueRepository) Next(ctx context.Context, schoolID string, afterSeq int64) (syncqueue.Action, error) {
	act, err := repo.get(ctx, "school_id = ? AND seq > ? ORDER BY seq LIMIT 1", schoolID, afterSeq)
	if errors.Is(err, syncqueue.ErrNotFound) {
		return syncqueue.Action{}, syncqueue.ErrEmpty
	}
	return act, err
}

func (repo *queueRepository) List(ctx context.Context, schoolID string) ([]syncqueue.Action, error) {
	q := "SELECT " + actionColumns + " FROM sync_queue"
	var args []interface{}
	if schoolID != "" {
		q += " WHERE school_id = ?"
		args = append(args, schoolID)
	}
	q += " ORDER BY seq"

	var rows []actionRow
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "listing actions")
	}
	actions := make([]syncqueue.Action, 0, len(rows))
	for _, row := range rows {
		actions = append(actions, row.action())
	}
	return actions, nil
}

// exec runs a statement touching a single entry, ErrNotFound if there is none.
func (repo *queueRepository) exec(ctx context.Context, msg, q string, args ...interface{}) error {
	res, err := repo.db.ExecContext(ctx, q, args...)
	if err != nil {
		return errors.Wrap(err, msg)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, msg)
	}
	if n == 0 {
		return syncqueue.ErrNotFound
	}
	return nil
}

func (repo *queueRepository) Acknowledge(ctx context.Context, actionID string) error {
	return repo.exec(ctx, "acknowledging action", "DELETE FROM sync_queue WHERE action_id = ?", actionID)
}

func (repo *queueRepository) MarkFailed(ctx context.Context, actionID string, failure syncqueue.Failure) error {
	var lastErr null.String
	if failure.Err != nil {
		lastErr = null.StringFrom(failure.Err.Error())
	}
	return repo.exec(ctx, "marking action as failed",
		`UPDATE sync_queue SET attempts = attempts + 1, last_error = COALESCE(?, last_error), permanent = ?, next_attempt_at = ?
		WHERE action_id = ?`,
		lastErr, failure.Permanent, toMillis(failure.NextAttemptAt), actionID)
}

func (repo *queueRepository) Reset(ctx context.Context, actionID string) error {
	return repo.exec(ctx, "resetting action",
		"UPDATE sync_queue SET permanent = 0, next_attempt_at = 0 WHERE action_id = ?", actionID)
}

func (repo *queueRepository) PendingCount(ctx context.Context, schoolID string) (int, error) {
	var n int
	if err := repo.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sync_queue WHERE school_id = ?", schoolID); err != nil {
		return 0, errors.Wrap(err, "counting actions")
	}
	return n, nil
}

func (repo *queueRepository) CountForRecord(ctx context.Context, key syncqueue.RecordKey) (int, error) {
	var n int
	err := repo.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM sync_queue WHERE kind = ? AND local_id = ?", key.Kind, key.LocalID)
	if err != nil {
		return 0, errors.Wrap(err, "counting actions")
	}
	return n, nil
}

func (repo *queueRepository) DropRecord(ctx context.Context, key syncqueue.RecordKey) (int, error) {
	res, err := repo.db.ExecContext(ctx, "DELETE FROM sync_queue WHERE kind = ? AND local_id = ?", key.Kind, key.LocalID)
	if err != nil {
		return 0, errors.Wrap(err, "dropping actions")
	}
	n, err := res.RowsAffected()
	return int(n), errors.Wrap(err, "dropping actions")
}

func (repo *queueRepository) Tenants(ctx context.Context) ([]string, error) {
	var schools []string
	if err := repo.db.SelectContext(ctx, &schools, "SELECT DISTINCT school_id FROM sync_queue ORDER BY school_id"); err != nil {
		return nil, errors.Wrap(err, "listing tenants")
	}
	return schools, nil
}

func (repo *queueRepository) MapID(ctx context.Context, key syncqueue.RecordKey, serverID string) error {
	_, err := repo.db.ExecContext(ctx,
		`INSERT INTO id_map (kind, local_id, server_id) VALUES (?, ?, ?)
		ON CONFLICT (kind, local_id) DO UPDATE SET server_id = excluded.server_id`,
		key.Kind, key.LocalID, serverID)
	return errors.Wrap(err, "mapping id")
}

func (repo *queueRepository) ServerID(ctx context.Context, key syncqueue.RecordKey) (string, error) {
	var id string
	err := repo.db.GetContext(ctx, &id, "SELECT server_id FROM id_map WHERE kind = ? AND local_id = ?", key.Kind, key.LocalID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", syncqueue.ErrNotMapped
	}
	if err != nil {
		return "", errors.Wrap(err, "getting server id")
	}
	return id, nil
}

func (repo *queueRepository) Cursor(ctx context.Context, schoolID string) (string, error) {
	var cursor string
	err := repo.db.GetContext(ctx, &cursor, "SELECT position FROM sync_cursors WHERE school_id = ?", schoolID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return cursor, errors.Wrap(err, "getting cursor")
}

func (repo *queueRepository) SetCursor(ctx context.Context, schoolID, cursor string) error {
	_, err := repo.db.ExecContext(ctx,
		`INSERT INTO sync_cursors (school_id, position) VALUES (?, ?)
		ON CONFLICT (school_id) DO UPDATE SET position = excluded.position`,
		schoolID, cursor)
	return errors.Wrap(err, "saving cursor")
}
