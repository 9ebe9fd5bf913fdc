package dummydb

import (
	"context"
	"time"

	"github.com/trezcool/masomo-offline/core/entity"
)

type recordRepository struct {
	db  *recordTable
	hub *entity.Hub
}

var _ entity.Store = (*recordRepository)(nil) // interface compliance check

func NewRecordRepository(db *DB) entity.Store {
	repo := &recordRepository{db: db.records}
	repo.hub = entity.NewHub(repo.Query)
	return repo
}

func (repo *recordRepository) Get(_ context.Context, kind entity.Kind, localID string) (entity.Record, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if rec, ok := repo.db.table[recordKey{kind, localID}]; ok {
		return rec.Copy(), nil
	}
	return entity.Record{}, entity.ErrNotFound
}

func (repo *recordRepository) GetByServerID(_ context.Context, kind entity.Kind, id string) (entity.Record, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for key, rec := range repo.db.table {
		if key.kind == kind && rec.ID.Valid && rec.ID.String == id {
			return rec.Copy(), nil
		}
	}
	return entity.Record{}, entity.ErrNotFound
}

func (repo *recordRepository) Query(_ context.Context, kind entity.Kind, schoolID string, filter entity.QueryFilter) ([]entity.Record, error) {
	if err := entity.CheckScope(kind, schoolID); err != nil {
		return nil, err
	}

	repo.db.RLock()
	defer repo.db.RUnlock()

	records := make([]entity.Record, 0)
	for key, rec := range repo.db.table {
		if key.kind != kind || rec.SchoolID != schoolID {
			continue
		}
		if filter.Match(*rec) {
			records = append(records, rec.Copy())
		}
	}
	return filter.Apply(records), nil
}

func (repo *recordRepository) Put(ctx context.Context, rec entity.Record) error {
	if err := entity.CheckScope(rec.Kind, rec.SchoolID); err != nil {
		return err
	}

	repo.db.Lock()
	rec = rec.Copy()
	repo.db.table[recordKey{rec.Kind, rec.LocalID}] = &rec
	repo.db.Unlock()

	repo.hub.Publish(ctx, rec.Kind, rec.SchoolID)
	return nil
}

func (repo *recordRepository) Delete(ctx context.Context, kind entity.Kind, localID string) error {
	key := recordKey{kind, localID}

	repo.db.Lock()
	rec, ok := repo.db.table[key]
	delete(repo.db.table, key)
	repo.db.Unlock()

	if ok {
		repo.hub.Publish(ctx, kind, rec.SchoolID)
	}
	return nil
}

func (repo *recordRepository) PutIfUnchanged(ctx context.Context, rec entity.Record, updatedAt time.Time) (bool, error) {
	if err := entity.CheckScope(rec.Kind, rec.SchoolID); err != nil {
		return false, err
	}
	key := recordKey{rec.Kind, rec.LocalID}

	repo.db.Lock()
	cur, ok := repo.db.table[key]
	if !ok || !cur.UpdatedAt.Equal(updatedAt) {
		repo.db.Unlock()
		return false, nil
	}
	rec = rec.Copy()
	repo.db.table[key] = &rec
	repo.db.Unlock()

	repo.hub.Publish(ctx, rec.Kind, rec.SchoolID)
	return true, nil
}

func (repo *recordRepository) DeleteIfUnchanged(ctx context.Context, kind entity.Kind, localID string, updatedAt time.Time) (bool, error) {
	key := recordKey{kind, localID}

	repo.db.Lock()
	rec, ok := repo.db.table[key]
	if !ok || !rec.UpdatedAt.Equal(updatedAt) {
		repo.db.Unlock()
		return false, nil
	}
	delete(repo.db.table, key)
	repo.db.Unlock()

	repo.hub.Publish(ctx, kind, rec.SchoolID)
	return true, nil
}

func (repo *recordRepository) Subscribe(ctx context.Context, kind entity.Kind, schoolID string, filter entity.QueryFilter) (*entity.Subscription, error) {
	return repo.hub.Subscribe(ctx, kind, schoolID, filter)
}
