package dummydb

import (
	"context"
	"sort"
	"time"

	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-offline/core/syncqueue"
)

type queueRepository struct {
	db *queueTable
}

var _ syncqueue.Ledger = (*queueRepository)(nil) // interface compliance check

func NewQueueRepository(db *DB) syncqueue.Ledger {
	return &queueRepository{db: db.queue}
}

// find returns the index of the entry, or -1. Must be called with the table locked.
func (repo *queueRepository) find(actionID string) int {
	for i, act := range repo.db.table {
		if act.ActionID == actionID {
			return i
		}
	}
	return -1
}

func (repo *queueRepository) Enqueue(_ context.Context, act syncqueue.Action) (syncqueue.Action, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	repo.db.seq++
	act.Seq = repo.db.seq
	act.Payload = act.Payload.Clone()
	repo.db.table = append(repo.db.table, &act)
	return act, nil
}

func (repo *queueRepository) Get(_ context.Context, actionID string) (syncqueue.Action, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if i := repo.find(actionID); i >= 0 {
		return copyAction(repo.db.table[i]), nil
	}
	return syncqueue.Action{}, syncqueue.ErrNotFound
}

func (repo *queueRepository) Next(_ context.Context, schoolID string, afterSeq int64) (syncqueue.Action, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	for _, act := range repo.db.table {
		if act.SchoolID == schoolID && act.Seq > afterSeq {
			return copyAction(act), nil
		}
	}
	return syncqueue.Action{}, syncqueue.ErrEmpty
}

func (repo *queueRepository) List(_ context.Context, schoolID string) ([]syncqueue.Action, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	actions := make([]syncqueue.Action, 0)
	for _, act := range repo.db.table {
		if schoolID == "" || act.SchoolID == schoolID {
			actions = append(actions, copyAction(act))
		}
	}
	return actions, nil
}

func (repo *queueRepository) Acknowledge(_ context.Context, actionID string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	i := repo.find(actionID)
	if i < 0 {
		return syncqueue.ErrNotFound
	}
	repo.db.table = append(repo.db.table[:i], repo.db.table[i+1:]...)
	return nil
}

func (repo *queueRepository) MarkFailed(_ context.Context, actionID string, failure syncqueue.Failure) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	i := repo.find(actionID)
	if i < 0 {
		return syncqueue.ErrNotFound
	}
	act := repo.db.table[i]
	act.Attempts++
	act.Permanent = failure.Permanent
	act.NextAttemptAt = failure.NextAttemptAt
	if failure.Err != nil {
		act.LastError = null.StringFrom(failure.Err.Error())
	}
	return nil
}

func (repo *queueRepository) Reset(_ context.Context, actionID string) error {
	repo.db.Lock()
	defer repo.db.Unlock()

	i := repo.find(actionID)
	if i < 0 {
		return syncqueue.ErrNotFound
	}
	act := repo.db.table[i]
	act.Permanent = false
	act.NextAttemptAt = time.Time{}
	return nil
}

func (repo *queueRepository) PendingCount(_ context.Context, schoolID string) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var n int
	for _, act := range repo.db.table {
		if act.SchoolID == schoolID {
			n++
		}
	}
	return n, nil
}

func (repo *queueRepository) CountForRecord(_ context.Context, key syncqueue.RecordKey) (int, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	var n int
	for _, act := range repo.db.table {
		if act.Record() == key {
			n++
		}
	}
	return n, nil
}

func (repo *queueRepository) DropRecord(_ context.Context, key syncqueue.RecordKey) (int, error) {
	repo.db.Lock()
	defer repo.db.Unlock()

	kept := repo.db.table[:0]
	for _, act := range repo.db.table {
		if act.Record() != key {
			kept = append(kept, act)
		}
	}
	n := len(repo.db.table) - len(kept)
	repo.db.table = kept
	return n, nil
}

func (repo *queueRepository) Tenants(_ context.Context) ([]string, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	seen := make(map[string]struct{})
	var schools []string
	for _, act := range repo.db.table {
		if _, ok := seen[act.SchoolID]; !ok {
			seen[act.SchoolID] = struct{}{}
			schools = append(schools, act.SchoolID)
		}
	}
	sort.Strings(schools)
	return schools, nil
}

func (repo *queueRepository) MapID(_ context.Context, key syncqueue.RecordKey, serverID string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	repo.db.idMap[key] = serverID
	return nil
}

func (repo *queueRepository) ServerID(_ context.Context, key syncqueue.RecordKey) (string, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()

	if id, ok := repo.db.idMap[key]; ok {
		return id, nil
	}
	return "", syncqueue.ErrNotMapped
}

func (repo *queueRepository) Cursor(_ context.Context, schoolID string) (string, error) {
	repo.db.RLock()
	defer repo.db.RUnlock()
	return repo.db.cursors[schoolID], nil
}

func (repo *queueRepository) SetCursor(_ context.Context, schoolID, cursor string) error {
	repo.db.Lock()
	defer repo.db.Unlock()
	repo.db.cursors[schoolID] = cursor
	return nil
}

func copyAction(act *syncqueue.Action) syncqueue.Action {
	cp := *act
	cp.Payload = act.Payload.Clone()
	return cp
}
