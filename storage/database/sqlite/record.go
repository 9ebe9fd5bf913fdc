package sqliterepos

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-offline/core/entity"
)

const recordColumns = "kind, local_id, server_id, school_id, class_id, date, data, sync_status, deleted, created_at, updated_at"

// recordRow is the records table layout. Times are unix millis.
type recordRow struct {
	Kind       string         `db:"kind"`
	LocalID    string         `db:"local_id"`
	ServerID   null.String    `db:"server_id"`
	SchoolID   string         `db:"school_id"`
	ClassID    string         `db:"class_id"`
	Date       string         `db:"date"`
	Data       entity.Payload `db:"data"`
	SyncStatus string         `db:"sync_status"`
	Deleted    bool           `db:"deleted"`
	CreatedAt  int64          `db:"created_at"`
	UpdatedAt  int64          `db:"updated_at"`
}

func newRecordRow(rec entity.Record) recordRow {
	return recordRow{
		Kind:       string(rec.Kind),
		LocalID:    rec.LocalID,
		ServerID:   rec.ID,
		SchoolID:   rec.SchoolID,
		ClassID:    rec.ClassID(),
		Date:       rec.Date(),
		Data:       rec.Data,
		SyncStatus: string(rec.SyncStatus),
		Deleted:    rec.Deleted,
		CreatedAt:  rec.CreatedAt.UnixMilli(),
		UpdatedAt:  rec.UpdatedAt.UnixMilli(),
	}
}

func (row recordRow) record() entity.Record {
	return entity.Record{
		LocalID:    row.LocalID,
		ID:         row.ServerID,
		SchoolID:   row.SchoolID,
		Kind:       entity.Kind(row.Kind),
		Data:       row.Data,
		SyncStatus: entity.SyncStatus(row.SyncStatus),
		Deleted:    row.Deleted,
		CreatedAt:  time.UnixMilli(row.CreatedAt).UTC(),
		UpdatedAt:  time.UnixMilli(row.UpdatedAt).UTC(),
	}
}

type recordRepository struct {
	db  *sqlx.DB
	hub *entity.Hub
}

var _ entity.Store = (*recordRepository)(nil) // interface compliance check

func NewRecordRepository(db *sqlx.DB) entity.Store {
	repo := &recordRepository{db: db}
	repo.hub = entity.NewHub(repo.Query)
	return repo
}

func (repo *recordRepository) get(ctx context.Context, where string, args ...interface{}) (entity.Record, error) {
	var row recordRow
	q := "SELECT " + recordColumns + " FROM records WHERE " + where
	if err := repo.db.GetContext(ctx, &row, q, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return entity.Record{}, entity.ErrNotFound
		}
		return entity.Record{}, errors.Wrap(err, "getting record")
	}
	return row.record(), nil
}

func (repo *recordRepository) Get(ctx context.Context, kind entity.Kind, localID string) (entity.Record, error) {
	return repo.get(ctx, "kind = ? AND local_id = ?", kind, localID)
}

func (repo *recordRepository) GetByServerID(ctx context.Context, kind entity.Kind, id string) (entity.Record, error) {
	return repo.get(ctx, "kind = ? AND server_id = ?", kind, id)
}

// Query narrows with the indexed columns in SQL, then applies the remaining criteria in memory.
func (repo *recordRepository) Query(ctx context.Context, kind entity.Kind, schoolID string, filter entity.QueryFilter) ([]entity.Record, error) {
	if err := entity.CheckScope(kind, schoolID); err != nil {
		return nil, err
	}

	conds := []string{"kind = ?", "school_id = ?"}
	args := []interface{}{kind, schoolID}
	if !filter.IncludeDeleted {
		conds = append(conds, "deleted = 0")
	}
	if filter.ClassID != "" {
		conds = append(conds, "class_id = ?")
		args = append(args, filter.ClassID)
	}
	if filter.Date != "" {
		conds = append(conds, "date = ?")
		args = append(args, filter.Date)
	}
	if filter.DateFrom != "" {
		conds = append(conds, "date >= ?")
		args = append(args, filter.DateFrom)
	}
	if filter.DateTo != "" {
		conds = append(conds, "date <> '' AND date <= ?")
		args = append(args, filter.DateTo)
	}
	if filter.SyncStatus != "" {
		conds = append(conds, "sync_status = ?")
		args = append(args, filter.SyncStatus)
	}

	var rows []recordRow
	q := "SELECT " + recordColumns + " FROM records WHERE " + strings.Join(conds, " AND ")
	if err := repo.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errors.Wrap(err, "querying records")
	}

	records := make([]entity.Record, 0, len(rows))
	for _, row := range rows {
		if rec := row.record(); filter.Match(rec) {
			records = append(records, rec)
		}
	}
	return filter.Apply(records), nil
}

func (repo *recordRepository) Put(ctx context.Context, rec entity.Record) error {
	if err := entity.CheckScope(rec.Kind, rec.SchoolID); err != nil {
		return err
	}

	q := `INSERT INTO records (` + recordColumns + `)
		VALUES (:kind, :local_id, :server_id, :school_id, :class_id, :date, :data, :sync_status, :deleted, :created_at, :updated_at)
		ON CONFLICT (kind, local_id) DO UPDATE SET
			server_id = excluded.server_id,
			school_id = excluded.school_id,
			class_id = excluded.class_id,
			date = excluded.date,
			data = excluded.data,
			sync_status = excluded.sync_status,
			deleted = excluded.deleted,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at`
	if _, err := repo.db.NamedExecContext(ctx, q, newRecordRow(rec)); err != nil {
		return errors.Wrap(err, "saving record")
	}

	repo.hub.Publish(ctx, rec.Kind, rec.SchoolID)
	return nil
}

func (repo *recordRepository) Delete(ctx context.Context, kind entity.Kind, localID string) error {
	var schoolID string
	err := repo.db.GetContext(ctx, &schoolID,
		"DELETE FROM records WHERE kind = ? AND local_id = ? RETURNING school_id", kind, localID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "deleting record")
	}

	repo.hub.Publish(ctx, kind, schoolID)
	return nil
}

func (repo *recordRepository) PutIfUnchanged(ctx context.Context, rec entity.Record, updatedAt time.Time) (bool, error) {
	if err := entity.CheckScope(rec.Kind, rec.SchoolID); err != nil {
		return false, err
	}

	q := `UPDATE records SET
			server_id = :server_id,
			school_id = :school_id,
			class_id = :class_id,
			date = :date,
			data = :data,
			sync_status = :sync_status,
			deleted = :deleted,
			created_at = :created_at,
			updated_at = :updated_at
		WHERE kind = :kind AND local_id = :local_id AND updated_at = :expected_updated_at`
	arg := struct {
		recordRow
		ExpectedUpdatedAt int64 `db:"expected_updated_at"`
	}{newRecordRow(rec), updatedAt.UnixMilli()}

	res, err := repo.db.NamedExecContext(ctx, q, arg)
	if err != nil {
		return false, errors.Wrap(err, "saving record")
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, errors.Wrap(err, "saving record")
	}

	repo.hub.Publish(ctx, rec.Kind, rec.SchoolID)
	return true, nil
}

func (repo *recordRepository) DeleteIfUnchanged(ctx context.Context, kind entity.Kind, localID string, updatedAt time.Time) (bool, error) {
	var schoolID string
	err := repo.db.GetContext(ctx, &schoolID,
		"DELETE FROM records WHERE kind = ? AND local_id = ? AND updated_at = ? RETURNING school_id",
		kind, localID, updatedAt.UnixMilli())
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "deleting record")
	}

	repo.hub.Publish(ctx, kind, schoolID)
	return true, nil
}

func (repo *recordRepository) Subscribe(ctx context.Context, kind entity.Kind, schoolID string, filter entity.QueryFilter) (*entity.Subscription, error) {
	return repo.hub.Subscribe(ctx, kind, schoolID, filter)
}
