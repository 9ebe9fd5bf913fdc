package sqliterepos

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncqueue"
	"github.com/trezcool/masomo-offline/tests"
)

func TestRecordRepository(t *testing.T) {
	testutil.RunStoreTests(t, func(t *testing.T) entity.Store {
		return NewRecordRepository(testutil.PrepareDB(t))
	})
}

func TestQueueRepository(t *testing.T) {
	testutil.RunLedgerTests(t, func(t *testing.T) syncqueue.Ledger {
		return NewQueueRepository(testutil.PrepareDB(t))
	})
}

func TestDurability(t *testing.T) {
	ctx := context.Background()
	conf := testutil.TestConfig(t)

	// first run: a record and its queued CREATE, then the app is killed
	db := testutil.OpenDB(t, conf)
	rec := testutil.NewRecord("s1", entity.KindStudent, "l1", testutil.StudentPayload("Awe", "Some", "c1"), 0)
	require.NoError(t, NewRecordRepository(db).Put(ctx, rec))
	act, err := NewQueueRepository(db).Enqueue(ctx, syncqueue.NewAction(syncqueue.OpCreate, rec, testutil.Epoch))
	require.NoError(t, err)
	require.NoError(t, NewQueueRepository(db).SetCursor(ctx, "s1", "3"))
	require.NoError(t, db.Close())

	// second run
	db = testutil.OpenDB(t, conf)
	store, ledger := NewRecordRepository(db), NewQueueRepository(db)

	got, err := store.Get(ctx, entity.KindStudent, "l1")
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	actions, err := ledger.List(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, actions, 1)
	assert.Equal(t, act, actions[0])

	cursor, err := ledger.Cursor(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "3", cursor)

	// seq keeps increasing across runs
	next, err := ledger.Enqueue(ctx, syncqueue.NewAction(syncqueue.OpUpdate, rec, testutil.Epoch))
	require.NoError(t, err)
	assert.Greater(t, next.Seq, act.Seq)
}

func TestServerIDIsUnique(t *testing.T) {
	ctx := context.Background()
	store := NewRecordRepository(testutil.PrepareDB(t))

	a := testutil.NewRecord("s1", entity.KindStudent, "a", testutil.StudentPayload("A", "A", "c1"), 0)
	a.ID.SetValid("1")
	b := testutil.NewRecord("s1", entity.KindStudent, "b", testutil.StudentPayload("B", "B", "c1"), 0)
	b.ID.SetValid("1")

	require.NoError(t, store.Put(ctx, a))
	assert.Error(t, store.Put(ctx, b), "two records of a kind cannot share a server id")

	c := testutil.NewRecord("s1", entity.KindTeacher, "c", entity.Payload{"firstName": "C", "lastName": "C"}, 0)
	c.ID.SetValid("1")
	assert.NoError(t, store.Put(ctx, c), "server ids are per kind")
}
