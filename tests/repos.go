package testutil

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

// Epoch is a fixed UTC time at millisecond precision, the resolution stores keep.
var Epoch = time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

// NewRecord builds a record of schoolID created `offset` after Epoch.
func NewRecord(schoolID string, kind entity.Kind, localID string, data entity.Payload, offset time.Duration) entity.Record {
	return entity.Record{
		LocalID:    localID,
		SchoolID:   schoolID,
		Kind:       kind,
		Data:       data,
		SyncStatus: entity.StatusPending,
		CreatedAt:  Epoch.Add(offset),
		UpdatedAt:  Epoch.Add(offset),
	}
}

func putRecords(t *testing.T, store entity.Store, records ...entity.Record) {
	t.Helper()
	for _, rec := range records {
		if err := store.Put(context.Background(), rec); err != nil {
			t.Fatalf("Put() failed: %v", err)
		}
	}
}

func localIDs(records []entity.Record) []string {
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.LocalID)
	}
	return ids
}

// RunStoreTests checks an entity.Store implementation. newStore must return an empty store.
func RunStoreTests(t *testing.T, newStore func(t *testing.T) entity.Store) {
	ctx := context.Background()

	t.Run("put and get", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("s1", entity.KindStudent, "l1", StudentPayload("Awe", "Some", "c1"), 0)
		rec.ID = null.StringFrom("42")
		putRecords(t, store, rec)

		got, err := store.Get(ctx, entity.KindStudent, "l1")
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		got, err = store.GetByServerID(ctx, entity.KindStudent, "42")
		require.NoError(t, err)
		assert.Equal(t, "l1", got.LocalID)

		_, err = store.Get(ctx, entity.KindTeacher, "l1")
		assert.True(t, errors.Is(err, entity.ErrNotFound), "Get() of another kind error = %v", err)
		_, err = store.GetByServerID(ctx, entity.KindStudent, "43")
		assert.True(t, errors.Is(err, entity.ErrNotFound), "GetByServerID() error = %v", err)
	})

	t.Run("put upserts", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("s1", entity.KindStudent, "l1", StudentPayload("Awe", "Some", "c1"), 0)
		putRecords(t, store, rec)

		rec.Data = rec.Data.Merge(entity.Payload{"lastName": "Sum"})
		rec.SyncStatus = entity.StatusSynced
		rec.UpdatedAt = rec.UpdatedAt.Add(time.Minute)
		putRecords(t, store, rec)

		got, err := store.Get(ctx, entity.KindStudent, "l1")
		require.NoError(t, err)
		assert.Equal(t, rec, got)

		all, err := store.Query(ctx, entity.KindStudent, "s1", entity.QueryFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("returned records are copies", func(t *testing.T) {
		store := newStore(t)
		putRecords(t, store, NewRecord("s1", entity.KindStudent, "l1", StudentPayload("Awe", "Some", "c1"), 0))

		got, err := store.Get(ctx, entity.KindStudent, "l1")
		require.NoError(t, err)
		got.Data["firstName"] = "Changed"

		again, err := store.Get(ctx, entity.KindStudent, "l1")
		require.NoError(t, err)
		assert.Equal(t, "Awe", again.Data.String("firstName"))
	})

	t.Run("scope", func(t *testing.T) {
		store := newStore(t)
		putRecords(t, store,
			NewRecord("s1", entity.KindStudent, "a", StudentPayload("A", "A", "c1"), 0),
			NewRecord("s2", entity.KindStudent, "b", StudentPayload("B", "B", "c1"), time.Second),
		)

		got, err := store.Query(ctx, entity.KindStudent, "s1", entity.QueryFilter{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a"}, localIDs(got))

		got, err = store.Query(ctx, entity.KindStudent, "s3", entity.QueryFilter{})
		require.NoError(t, err)
		assert.Empty(t, got)

		_, err = store.Query(ctx, entity.KindStudent, "", entity.QueryFilter{})
		assert.True(t, errors.Is(err, entity.ErrNoSchool), "Query() error = %v, wantErr %v", err, entity.ErrNoSchool)
		_, err = store.Query(ctx, "lol", "s1", entity.QueryFilter{})
		assert.True(t, errors.Is(err, entity.ErrUnknownKind), "Query() error = %v, wantErr %v", err, entity.ErrUnknownKind)
		err = store.Put(ctx, NewRecord("", entity.KindStudent, "c", StudentPayload("C", "C", "c1"), 0))
		assert.True(t, errors.Is(err, entity.ErrNoSchool), "Put() error = %v, wantErr %v", err, entity.ErrNoSchool)
	})

	t.Run("query filters", func(t *testing.T) {
		store := newStore(t)
		synced := NewRecord("s1", entity.KindAttendance, "a2", AttendancePayload("st2", "c1", "2024-05-02", "absent"), 2*time.Second)
		synced.SyncStatus = entity.StatusSynced
		tombstone := NewRecord("s1", entity.KindAttendance, "a5", AttendancePayload("st5", "c1", "2024-05-02", "present"), 5*time.Second)
		tombstone.Deleted = true
		putRecords(t, store,
			NewRecord("s1", entity.KindAttendance, "a1", AttendancePayload("st1", "c1", "2024-05-01", "present"), time.Second),
			synced,
			NewRecord("s1", entity.KindAttendance, "a3", AttendancePayload("st3", "c2", "2024-05-02", "late"), 3*time.Second),
			NewRecord("s1", entity.KindAttendance, "a4", AttendancePayload("st4", "c1", "2024-05-04", "present"), 4*time.Second),
			tombstone,
		)

		tests := []struct {
			name   string
			filter entity.QueryFilter
			want   []string
		}{
			{name: "all, created_at order", want: []string{"a1", "a2", "a3", "a4"}},
			{name: "class", filter: entity.QueryFilter{ClassID: "c1"}, want: []string{"a1", "a2", "a4"}},
			{name: "class and date", filter: entity.QueryFilter{ClassID: "c1", Date: "2024-05-02"}, want: []string{"a2"}},
			{name: "date range", filter: entity.QueryFilter{DateFrom: "2024-05-02", DateTo: "2024-05-03"}, want: []string{"a2", "a3"}},
			{name: "sync status", filter: entity.QueryFilter{SyncStatus: entity.StatusSynced}, want: []string{"a2"}},
			{name: "fields", filter: entity.QueryFilter{Fields: map[string]interface{}{"status": "present"}}, want: []string{"a1", "a4"}},
			{name: "tombstones", filter: entity.QueryFilter{IncludeDeleted: true, Date: "2024-05-02"}, want: []string{"a2", "a3", "a5"}},
			{name: "where", filter: entity.QueryFilter{Where: func(rec entity.Record) bool { return rec.Data.String("studentId") != "st1" }}, want: []string{"a2", "a3", "a4"}},
			{name: "ordering", filter: entity.QueryFilter{Ordering: core.ParseOrdering("-date,studentId")}, want: []string{"a4", "a2", "a3", "a1"}},
			{name: "limit", filter: entity.QueryFilter{Ordering: core.ParseOrdering("-created_at"), Limit: 2}, want: []string{"a4", "a3"}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				got, err := store.Query(ctx, entity.KindAttendance, "s1", tt.filter)
				if err != nil {
					t.Fatalf("Query() error = %v", err)
				}
				assert.Equal(t, tt.want, localIDs(got))
			})
		}
	})

	t.Run("delete", func(t *testing.T) {
		store := newStore(t)
		putRecords(t, store, NewRecord("s1", entity.KindStudent, "l1", StudentPayload("Awe", "Some", "c1"), 0))

		require.NoError(t, store.Delete(ctx, entity.KindStudent, "l1"))
		_, err := store.Get(ctx, entity.KindStudent, "l1")
		assert.True(t, errors.Is(err, entity.ErrNotFound), "Get() after Delete() error = %v", err)

		assert.NoError(t, store.Delete(ctx, entity.KindStudent, "l1"), "Delete() of a missing record")
	})

	t.Run("conditional writes", func(t *testing.T) {
		store := newStore(t)
		rec := NewRecord("s1", entity.KindStudent, "l1", StudentPayload("Awe", "Some", "c1"), 0)
		putRecords(t, store, rec)

		edited := rec.Copy()
		edited.Data["classId"] = "c2"
		edited.UpdatedAt = rec.UpdatedAt.Add(time.Second)
		putRecords(t, store, edited)

		// written against the version read before the edit
		stale := rec.Copy()
		stale.SyncStatus = entity.StatusSynced
		ok, err := store.PutIfUnchanged(ctx, stale, rec.UpdatedAt)
		require.NoError(t, err)
		assert.False(t, ok)
		ok, err = store.DeleteIfUnchanged(ctx, entity.KindStudent, "l1", rec.UpdatedAt)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := store.Get(ctx, entity.KindStudent, "l1")
		require.NoError(t, err)
		assert.Equal(t, "c2", got.ClassID())
		assert.Equal(t, entity.StatusPending, got.SyncStatus)

		synced := got.Copy()
		synced.SyncStatus = entity.StatusSynced
		ok, err = store.PutIfUnchanged(ctx, synced, got.UpdatedAt)
		require.NoError(t, err)
		assert.True(t, ok)
		got, err = store.Get(ctx, entity.KindStudent, "l1")
		require.NoError(t, err)
		assert.Equal(t, entity.StatusSynced, got.SyncStatus)

		ok, err = store.DeleteIfUnchanged(ctx, entity.KindStudent, "l1", got.UpdatedAt)
		require.NoError(t, err)
		assert.True(t, ok)
		_, err = store.Get(ctx, entity.KindStudent, "l1")
		assert.True(t, errors.Is(err, entity.ErrNotFound), "Get() after DeleteIfUnchanged() error = %v", err)

		ok, err = store.PutIfUnchanged(ctx, synced, got.UpdatedAt)
		require.NoError(t, err)
		assert.False(t, ok, "a missing record is never written")
	})

	t.Run("subscribe", func(t *testing.T) {
		store := newStore(t)
		putRecords(t, store, NewRecord("s1", entity.KindStudent, "a", StudentPayload("A", "A", "c1"), 0))

		sub, err := store.Subscribe(ctx, entity.KindStudent, "s1", entity.QueryFilter{ClassID: "c1"})
		require.NoError(t, err)

		assert.Equal(t, []string{"a"}, localIDs(receive(t, sub)), "initial snapshot")

		putRecords(t, store, NewRecord("s1", entity.KindStudent, "b", StudentPayload("B", "B", "c1"), time.Second))
		assert.Equal(t, []string{"a", "b"}, localIDs(receive(t, sub)))

		// other schools do not notify
		putRecords(t, store, NewRecord("s2", entity.KindStudent, "c", StudentPayload("C", "C", "c1"), 2*time.Second))
		select {
		case snapshot := <-sub.C:
			t.Errorf("unexpected snapshot %v", localIDs(snapshot))
		default:
		}

		// only the latest snapshot is kept
		putRecords(t, store, NewRecord("s1", entity.KindStudent, "d", StudentPayload("D", "D", "c1"), 3*time.Second))
		require.NoError(t, store.Delete(ctx, entity.KindStudent, "a"))
		assert.Equal(t, []string{"b", "d"}, localIDs(receive(t, sub)))

		sub.Unsubscribe()
		_, open := <-sub.C
		assert.False(t, open, "channel closed by Unsubscribe()")
		sub.Unsubscribe() // idempotent

		_, err = store.Subscribe(ctx, entity.KindStudent, "", entity.QueryFilter{})
		assert.True(t, errors.Is(err, entity.ErrNoSchool), "Subscribe() error = %v", err)
	})
}

func receive(t *testing.T, sub *entity.Subscription) []entity.Record {
	t.Helper()
	select {
	case snapshot := <-sub.C:
		return snapshot
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
		return nil
	}
}

func enqueue(t *testing.T, q syncqueue.Queue, op syncqueue.Operation, rec entity.Record) syncqueue.Action {
	t.Helper()
	act, err := q.Enqueue(context.Background(), syncqueue.NewAction(op, rec, Epoch))
	if err != nil {
		t.Fatalf("Enqueue() failed: %v", err)
	}
	return act
}

func actionIDs(actions []syncqueue.Action) []string {
	ids := make([]string, 0, len(actions))
	for _, act := range actions {
		ids = append(ids, act.ActionID)
	}
	return ids
}

// RunLedgerTests checks a syncqueue.Ledger implementation. newLedger must return an empty ledger.
func RunLedgerTests(t *testing.T, newLedger func(t *testing.T) syncqueue.Ledger) {
	ctx := context.Background()
	student := func(schoolID, localID string) entity.Record {
		return NewRecord(schoolID, entity.KindStudent, localID, StudentPayload("Awe", "Some", "c1"), 0)
	}

	t.Run("fifo per school", func(t *testing.T) {
		q := newLedger(t)
		a1 := enqueue(t, q, syncqueue.OpCreate, student("s1", "l1"))
		b1 := enqueue(t, q, syncqueue.OpCreate, student("s2", "l2"))
		a2 := enqueue(t, q, syncqueue.OpUpdate, student("s1", "l1"))
		a3 := enqueue(t, q, syncqueue.OpDelete, student("s1", "l1"))
		assert.Less(t, a1.Seq, b1.Seq)
		assert.Less(t, b1.Seq, a2.Seq)

		var got []string
		for act, err := range syncqueue.Drain(ctx, q, "s1") {
			require.NoError(t, err)
			got = append(got, act.ActionID)
		}
		assert.Equal(t, []string{a1.ActionID, a2.ActionID, a3.ActionID}, got)

		_, err := q.Next(ctx, "s1", a3.Seq)
		assert.True(t, errors.Is(err, syncqueue.ErrEmpty), "Next() error = %v, wantErr %v", err, syncqueue.ErrEmpty)

		list, err := q.List(ctx, "s2")
		require.NoError(t, err)
		assert.Equal(t, []string{b1.ActionID}, actionIDs(list))
		list, err = q.List(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, []string{a1.ActionID, b1.ActionID, a2.ActionID, a3.ActionID}, actionIDs(list))

		tenants, err := q.Tenants(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"s1", "s2"}, tenants)
	})

	t.Run("entries keep their content", func(t *testing.T) {
		q := newLedger(t)
		rec := student("s1", "l1")
		rec.UpdatedAt = Epoch.Add(1500 * time.Millisecond)
		created := enqueue(t, q, syncqueue.OpCreate, rec)
		deleted := enqueue(t, q, syncqueue.OpDelete, rec)

		got, err := q.Get(ctx, created.ActionID)
		require.NoError(t, err)
		assert.Equal(t, created, got)
		assert.Equal(t, rec.Data, got.Payload)
		assert.Equal(t, rec.UpdatedAt, got.RecordUpdatedAt)

		got, err = q.Get(ctx, deleted.ActionID)
		require.NoError(t, err)
		assert.Nil(t, got.Payload)

		_, err = q.Get(ctx, "lol")
		assert.True(t, errors.Is(err, syncqueue.ErrNotFound), "Get() error = %v", err)
	})

	t.Run("failures", func(t *testing.T) {
		q := newLedger(t)
		act := enqueue(t, q, syncqueue.OpCreate, student("s1", "l1"))
		next := Epoch.Add(time.Minute)

		require.NoError(t, q.MarkFailed(ctx, act.ActionID, syncqueue.Failure{Err: errors.New("timeout"), NextAttemptAt: next}))
		got, err := q.Get(ctx, act.ActionID)
		require.NoError(t, err)
		assert.Equal(t, 1, got.Attempts)
		assert.Equal(t, null.StringFrom("timeout"), got.LastError)
		assert.False(t, got.Permanent)
		assert.Equal(t, next, got.NextAttemptAt)
		assert.False(t, got.Ready(Epoch))
		assert.True(t, got.Ready(next))

		require.NoError(t, q.MarkFailed(ctx, act.ActionID, syncqueue.Failure{Err: errors.New("rejected"), Permanent: true}))
		got, err = q.Get(ctx, act.ActionID)
		require.NoError(t, err)
		assert.Equal(t, 2, got.Attempts)
		assert.Equal(t, "rejected", got.LastError.String)
		assert.True(t, got.Permanent)
		assert.False(t, got.Ready(next))

		flagged, err := syncqueue.NeedsAttention(ctx, q, "s1")
		require.NoError(t, err)
		assert.Equal(t, []string{act.ActionID}, actionIDs(flagged))

		require.NoError(t, q.Reset(ctx, act.ActionID))
		got, err = q.Get(ctx, act.ActionID)
		require.NoError(t, err)
		assert.False(t, got.Permanent)
		assert.True(t, got.NextAttemptAt.IsZero())
		assert.True(t, got.Ready(Epoch))
		assert.Equal(t, 2, got.Attempts, "attempts are kept")

		err = q.MarkFailed(ctx, "lol", syncqueue.Failure{})
		assert.True(t, errors.Is(err, syncqueue.ErrNotFound), "MarkFailed() error = %v", err)
		err = q.Reset(ctx, "lol")
		assert.True(t, errors.Is(err, syncqueue.ErrNotFound), "Reset() error = %v", err)
	})

	t.Run("acknowledge and counts", func(t *testing.T) {
		q := newLedger(t)
		a1 := enqueue(t, q, syncqueue.OpCreate, student("s1", "l1"))
		enqueue(t, q, syncqueue.OpUpdate, student("s1", "l1"))
		enqueue(t, q, syncqueue.OpCreate, student("s1", "l2"))
		enqueue(t, q, syncqueue.OpCreate, student("s2", "l3"))

		n, err := q.PendingCount(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 3, n)

		key := syncqueue.RecordKey{Kind: entity.KindStudent, LocalID: "l1"}
		n, err = q.CountForRecord(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		require.NoError(t, q.Acknowledge(ctx, a1.ActionID))
		err = q.Acknowledge(ctx, a1.ActionID)
		assert.True(t, errors.Is(err, syncqueue.ErrNotFound), "Acknowledge() twice error = %v", err)

		n, err = q.DropRecord(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		n, err = q.PendingCount(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
		n, err = q.PendingCount(ctx, "s2")
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	})

	t.Run("id mapping", func(t *testing.T) {
		q := newLedger(t)
		key := syncqueue.RecordKey{Kind: entity.KindStudent, LocalID: "l1"}

		_, err := q.ServerID(ctx, key)
		assert.True(t, errors.Is(err, syncqueue.ErrNotMapped), "ServerID() error = %v", err)

		require.NoError(t, q.MapID(ctx, key, "1"))
		require.NoError(t, q.MapID(ctx, key, "2"))
		id, err := q.ServerID(ctx, key)
		require.NoError(t, err)
		assert.Equal(t, "2", id)

		_, err = q.ServerID(ctx, syncqueue.RecordKey{Kind: entity.KindTeacher, LocalID: "l1"})
		assert.True(t, errors.Is(err, syncqueue.ErrNotMapped), "ServerID() of another kind error = %v", err)
	})

	t.Run("cursors", func(t *testing.T) {
		q := newLedger(t)
		cursor, err := q.Cursor(ctx, "s1")
		require.NoError(t, err)
		assert.Empty(t, cursor)

		require.NoError(t, q.SetCursor(ctx, "s1", "7"))
		require.NoError(t, q.SetCursor(ctx, "s1", "9"))
		cursor, err = q.Cursor(ctx, "s1")
		require.NoError(t, err)
		assert.Equal(t, "9", cursor)

		cursor, err = q.Cursor(ctx, "s2")
		require.NoError(t, err)
		assert.Empty(t, cursor)
	})
}
