package accessor

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncqueue"
	dummydb "github.com/trezcool/masomo-offline/storage/database/dummy"
	"github.com/trezcool/masomo-offline/tests"
)

var errQueueDown = errors.New("queue unavailable")

// failingQueue rejects every enqueue while down is set.
type failingQueue struct {
	syncqueue.Queue
	down bool
}

func (q *failingQueue) Enqueue(ctx context.Context, act syncqueue.Action) (syncqueue.Action, error) {
	if q.down {
		return syncqueue.Action{}, errQueueDown
	}
	return q.Queue.Enqueue(ctx, act)
}

type testEnv struct {
	svc   *Service
	store entity.Store
	queue *failingQueue
}

func setup(t *testing.T, policy entity.DeletePolicy) testEnv {
	t.Helper()
	db, err := dummydb.Open()
	require.NoError(t, err)

	store := dummydb.NewRecordRepository(db)
	queue := &failingQueue{Queue: dummydb.NewQueueRepository(db)}
	validate, translator := core.NewValidator()
	return testEnv{
		svc:   NewService(store, queue, validate, translator, policy),
		store: store,
		queue: queue,
	}
}

// freezeClock pins the accessor clock to `at` for the rest of the test.
func freezeClock(t *testing.T, at time.Time) {
	t.Helper()
	orig := nowFunc
	nowFunc = func() time.Time { return at }
	t.Cleanup(func() { nowFunc = orig })
}

func (env testEnv) queued(t *testing.T, schoolID string) []syncqueue.Action {
	t.Helper()
	actions, err := env.queue.List(context.Background(), schoolID)
	require.NoError(t, err)
	return actions
}

func operations(actions []syncqueue.Action) []syncqueue.Operation {
	ops := make([]syncqueue.Operation, 0, len(actions))
	for _, act := range actions {
		ops = append(ops, act.Operation)
	}
	return ops
}

func TestService_lifecycle(t *testing.T) {
	env := setup(t, entity.DeleteImmediately)
	ctx := context.Background()
	freezeClock(t, testutil.Epoch)

	// create offline
	rec, err := env.svc.Create(ctx, "school_A", entity.KindStudent, testutil.StudentPayload("Ahmed", "K.", "4B"))
	require.NoError(t, err)
	assert.NotEmpty(t, rec.LocalID)
	assert.False(t, rec.ID.Valid, "no server id before sync")
	assert.Equal(t, entity.StatusPending, rec.SyncStatus)
	assert.Equal(t, testutil.Epoch, rec.CreatedAt)
	assert.Equal(t, rec.CreatedAt, rec.UpdatedAt)

	actions := env.queued(t, "school_A")
	require.Len(t, actions, 1)
	assert.Equal(t, syncqueue.OpCreate, actions[0].Operation)
	assert.Equal(t, rec.LocalID, actions[0].LocalID)
	assert.Equal(t, "4B", actions[0].Payload["classId"])

	stored, err := env.store.Get(ctx, entity.KindStudent, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, rec, stored)

	// update offline, within the same clock tick
	updated, err := env.svc.Update(ctx, "school_A", entity.KindStudent, rec.LocalID, entity.Payload{"classId": "5A"})
	require.NoError(t, err)
	assert.Equal(t, entity.StatusPending, updated.SyncStatus)
	assert.True(t, updated.UpdatedAt.After(rec.UpdatedAt), "updatedAt must strictly increase")
	assert.Equal(t, "Ahmed", updated.Data["firstName"], "partial update keeps other fields")
	assert.Equal(t, "5A", updated.ClassID())

	actions = env.queued(t, "school_A")
	require.Len(t, actions, 2)
	assert.Equal(t, []syncqueue.Operation{syncqueue.OpCreate, syncqueue.OpUpdate}, operations(actions))
	assert.Equal(t, rec.LocalID, actions[1].LocalID)
	assert.True(t, updated.Data.Equal(actions[1].Payload), "UPDATE carries the merged payload")
	assert.Equal(t, updated.UpdatedAt, actions[1].RecordUpdatedAt)

	// delete offline
	require.NoError(t, env.svc.Remove(ctx, "school_A", entity.KindStudent, rec.LocalID))

	students, err := env.svc.StudentsInClass(ctx, "school_A", "5A")
	require.NoError(t, err)
	assert.Empty(t, students)
	_, err = env.svc.Get(ctx, "school_A", entity.KindStudent, rec.LocalID)
	assert.ErrorIs(t, err, entity.ErrNotFound)
	_, err = env.store.Get(ctx, entity.KindStudent, rec.LocalID)
	assert.ErrorIs(t, err, entity.ErrNotFound, "immediate policy removes the record")

	actions = env.queued(t, "school_A")
	require.Len(t, actions, 3)
	assert.Equal(t, syncqueue.OpDelete, actions[2].Operation)
	assert.Nil(t, actions[2].Payload)
}

func TestService_Create(t *testing.T) {
	env := setup(t, "")
	ctx := context.Background()

	tests := []struct {
		name      string
		schoolID  string
		kind      entity.Kind
		payload   entity.Payload
		wantErr   error
		wantField string
	}{
		{
			name:    "missing school",
			kind:    entity.KindStudent,
			payload: testutil.StudentPayload("Ahmed", "K.", "4B"),
			wantErr: entity.ErrNoSchool,
		},
		{
			name:     "unknown kind",
			schoolID: "school_A",
			kind:     "pets",
			payload:  entity.Payload{"name": "Rex"},
			wantErr:  entity.ErrUnknownKind,
		},
		{
			name:      "missing required field",
			schoolID:  "school_A",
			kind:      entity.KindStudent,
			payload:   entity.Payload{"firstName": "Ahmed", "classId": "4B"},
			wantField: "lastName",
		},
		{
			name:      "invalid attendance status",
			schoolID:  "school_A",
			kind:      entity.KindAttendance,
			payload:   testutil.AttendancePayload("s1", "4B", "2024-05-02", "asleep"),
			wantField: "status",
		},
		{
			name:      "score above max",
			schoolID:  "school_A",
			kind:      entity.KindGrade,
			payload:   testutil.GradePayload("s1", "maths", 21, 20, "2024-05-02"),
			wantField: "score",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.svc.Create(ctx, tc.schoolID, tc.kind, tc.payload)
			require.Error(t, err)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
			}
			if tc.wantField != "" {
				var vErr *core.ValidationError
				require.True(t, errors.As(err, &vErr), "want a validation error, got %v", err)
				assert.Contains(t, vErr.FieldMap(), tc.wantField)
			}
		})
	}

	// nothing was written nor queued
	recs, err := env.store.Query(ctx, entity.KindStudent, "school_A", entity.QueryFilter{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Empty(t, recs)
	assert.Empty(t, env.queued(t, ""))
}

func TestService_payloadIsCopied(t *testing.T) {
	env := setup(t, "")
	ctx := context.Background()

	payload := testutil.StudentPayload("Ahmed", "K.", "4B")
	rec, err := env.svc.Create(ctx, "school_A", entity.KindStudent, payload)
	require.NoError(t, err)

	payload["classId"] = "9Z"
	stored, err := env.svc.Get(ctx, "school_A", entity.KindStudent, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "4B", stored.ClassID())
	assert.Equal(t, "4B", env.queued(t, "school_A")[0].Payload["classId"])
}

func TestService_Update(t *testing.T) {
	env := setup(t, "")
	ctx := context.Background()

	rec, err := env.svc.Create(ctx, "school_A", entity.KindStudent, testutil.StudentPayload("Ahmed", "K.", "4B"))
	require.NoError(t, err)

	t.Run("not found", func(t *testing.T) {
		_, err := env.svc.Update(ctx, "school_A", entity.KindStudent, "missing", entity.Payload{"classId": "5A"})
		assert.ErrorIs(t, err, entity.ErrNotFound)
	})

	t.Run("other school", func(t *testing.T) {
		_, err := env.svc.Update(ctx, "school_B", entity.KindStudent, rec.LocalID, entity.Payload{"classId": "5A"})
		assert.ErrorIs(t, err, entity.ErrAccessDenied)
	})

	t.Run("invalid merge", func(t *testing.T) {
		_, err := env.svc.Update(ctx, "school_A", entity.KindStudent, rec.LocalID, entity.Payload{"lastName": nil})
		assert.True(t, core.IsValidationError(err), "want a validation error, got %v", err)

		stored, err := env.store.Get(ctx, entity.KindStudent, rec.LocalID)
		require.NoError(t, err)
		assert.Equal(t, "K.", stored.Data["lastName"], "record left untouched")
	})

	t.Run("by server id", func(t *testing.T) {
		synced, err := env.store.Get(ctx, entity.KindStudent, rec.LocalID)
		require.NoError(t, err)
		synced.ID.SetValid("42")
		synced.SyncStatus = entity.StatusSynced
		require.NoError(t, env.store.Put(ctx, synced))

		updated, err := env.svc.Update(ctx, "school_A", entity.KindStudent, "42", entity.Payload{"classId": "5A"})
		require.NoError(t, err)
		assert.Equal(t, rec.LocalID, updated.LocalID)
		assert.Equal(t, "42", updated.ID.String)
		assert.Equal(t, entity.StatusPending, updated.SyncStatus)
	})

	// only the CREATE and the successful update were queued
	assert.Equal(t, []syncqueue.Operation{syncqueue.OpCreate, syncqueue.OpUpdate}, operations(env.queued(t, "school_A")))
	assert.Empty(t, env.queued(t, "school_B"))
}

func TestService_Remove(t *testing.T) {
	ctx := context.Background()

	t.Run("missing record is a no-op", func(t *testing.T) {
		env := setup(t, entity.DeleteImmediately)
		require.NoError(t, env.svc.Remove(ctx, "school_A", entity.KindStudent, "missing"))
		assert.Empty(t, env.queued(t, ""))
	})

	t.Run("other school", func(t *testing.T) {
		env := setup(t, entity.DeleteImmediately)
		rec, err := env.svc.Create(ctx, "school_A", entity.KindClass, entity.Payload{"name": "6A"})
		require.NoError(t, err)

		err = env.svc.Remove(ctx, "school_B", entity.KindClass, rec.LocalID)
		assert.ErrorIs(t, err, entity.ErrAccessDenied)
		_, err = env.svc.Get(ctx, "school_A", entity.KindClass, rec.LocalID)
		assert.NoError(t, err)
	})

	t.Run("tombstone", func(t *testing.T) {
		env := setup(t, entity.DeleteTombstone)
		rec, err := env.svc.Create(ctx, "school_A", entity.KindClass, entity.Payload{"name": "6A"})
		require.NoError(t, err)

		require.NoError(t, env.svc.Remove(ctx, "school_A", entity.KindClass, rec.LocalID))

		classes, err := env.svc.Query(ctx, "school_A", entity.KindClass, entity.QueryFilter{})
		require.NoError(t, err)
		assert.Empty(t, classes, "tombstones are hidden from queries")

		_, err = env.svc.Get(ctx, "school_A", entity.KindClass, rec.LocalID)
		assert.ErrorIs(t, err, entity.ErrNotFound)

		stored, err := env.store.Get(ctx, entity.KindClass, rec.LocalID)
		require.NoError(t, err)
		assert.True(t, stored.Deleted)
		assert.Equal(t, entity.StatusPending, stored.SyncStatus)

		// a second remove finds nothing live
		require.NoError(t, env.svc.Remove(ctx, "school_A", entity.KindClass, rec.LocalID))
		assert.Equal(t, []syncqueue.Operation{syncqueue.OpCreate, syncqueue.OpDelete}, operations(env.queued(t, "school_A")))
	})
}

func TestService_rollback(t *testing.T) {
	ctx := context.Background()

	for _, policy := range []entity.DeletePolicy{entity.DeleteImmediately, entity.DeleteTombstone} {
		t.Run(string(policy), func(t *testing.T) {
			env := setup(t, policy)
			rec, err := env.svc.Create(ctx, "school_A", entity.KindStudent, testutil.StudentPayload("Ahmed", "K.", "4B"))
			require.NoError(t, err)

			env.queue.down = true

			_, err = env.svc.Create(ctx, "school_A", entity.KindStudent, testutil.StudentPayload("Zawadi", "M.", "4B"))
			assert.ErrorIs(t, err, errQueueDown)

			_, err = env.svc.Update(ctx, "school_A", entity.KindStudent, rec.LocalID, entity.Payload{"classId": "5A"})
			assert.ErrorIs(t, err, errQueueDown)

			err = env.svc.Remove(ctx, "school_A", entity.KindStudent, rec.LocalID)
			assert.ErrorIs(t, err, errQueueDown)

			students, err := env.svc.Query(ctx, "school_A", entity.KindStudent, entity.QueryFilter{IncludeDeleted: true})
			require.NoError(t, err)
			require.Len(t, students, 1, "the failed create left no record")
			assert.Equal(t, rec, students[0], "failed update and remove were rolled back")
			assert.Len(t, env.queued(t, "school_A"), 1)
		})
	}
}

func TestService_queries(t *testing.T) {
	env := setup(t, "")
	ctx := context.Background()

	mustCreate := func(schoolID string, kind entity.Kind, payload entity.Payload) entity.Record {
		t.Helper()
		rec, err := env.svc.Create(ctx, schoolID, kind, payload)
		require.NoError(t, err)
		return rec
	}

	zawadi := mustCreate("school_A", entity.KindStudent, testutil.StudentPayload("Zawadi", "Mbeki", "4B"))
	ahmed := mustCreate("school_A", entity.KindStudent, testutil.StudentPayload("Ahmed", "Kamau", "4B"))
	mustCreate("school_A", entity.KindStudent, testutil.StudentPayload("Baraka", "Otieno", "5A"))
	mustCreate("school_B", entity.KindStudent, testutil.StudentPayload("Amina", "Abdi", "4B"))

	t.Run("StudentsInClass", func(t *testing.T) {
		students, err := env.svc.StudentsInClass(ctx, "school_A", "4B")
		require.NoError(t, err)
		require.Len(t, students, 2)
		assert.Equal(t, []string{ahmed.LocalID, zawadi.LocalID}, []string{students[0].LocalID, students[1].LocalID})
	})

	mustCreate("school_A", entity.KindAttendance, testutil.AttendancePayload(ahmed.LocalID, "4B", "2024-05-02", "present"))
	mustCreate("school_A", entity.KindAttendance, testutil.AttendancePayload(zawadi.LocalID, "4B", "2024-05-02", "late"))
	mustCreate("school_A", entity.KindAttendance, testutil.AttendancePayload(ahmed.LocalID, "4B", "2024-05-03", "absent"))

	t.Run("AttendanceOn", func(t *testing.T) {
		sheet, err := env.svc.AttendanceOn(ctx, "school_A", "4B", "2024-05-02")
		require.NoError(t, err)
		assert.Len(t, sheet, 2)

		sheet, err = env.svc.AttendanceOn(ctx, "school_B", "4B", "2024-05-02")
		require.NoError(t, err)
		assert.Empty(t, sheet)
	})

	mustCreate("school_A", entity.KindGrade, testutil.GradePayload(ahmed.LocalID, "maths", 15, 20, "2024-05-10"))
	mustCreate("school_A", entity.KindGrade, testutil.GradePayload(ahmed.LocalID, "english", 12, 20, "2024-05-03"))
	mustCreate("school_A", entity.KindGrade, testutil.GradePayload(zawadi.LocalID, "maths", 18, 20, "2024-05-03"))

	t.Run("GradesForStudent", func(t *testing.T) {
		grades, err := env.svc.GradesForStudent(ctx, "school_A", ahmed.LocalID)
		require.NoError(t, err)
		require.Len(t, grades, 2)
		assert.Equal(t, "english", grades[0].Data["subject"], "ordered by date")
		assert.Equal(t, "maths", grades[1].Data["subject"])
	})

	t.Run("PendingRecords", func(t *testing.T) {
		synced := ahmed.Copy()
		synced.SyncStatus = entity.StatusSynced
		require.NoError(t, env.store.Put(ctx, synced))

		pending, err := env.svc.PendingRecords(ctx, "school_A", entity.KindStudent)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
		for _, rec := range pending {
			assert.NotEqual(t, ahmed.LocalID, rec.LocalID)
		}
	})

	t.Run("requires a school", func(t *testing.T) {
		_, err := env.svc.Query(ctx, "", entity.KindStudent, entity.QueryFilter{})
		assert.ErrorIs(t, err, entity.ErrNoSchool)
	})
}

func TestService_Subscribe(t *testing.T) {
	env := setup(t, "")
	ctx := context.Background()

	sub, err := env.svc.Subscribe(ctx, "school_A", entity.KindClass, entity.QueryFilter{})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	assert.Empty(t, <-sub.C, "initial snapshot")

	_, err = env.svc.Create(ctx, "school_A", entity.KindClass, entity.Payload{"name": "6A"})
	require.NoError(t, err)

	select {
	case snapshot := <-sub.C:
		require.Len(t, snapshot, 1)
		assert.Equal(t, "6A", snapshot[0].Data["name"])
	case <-time.After(time.Second):
		t.Fatal("no snapshot after create")
	}
}

// Random interleavings of mutations across tenants never leak a record into another tenant's queries
// nor into its queue.
func TestService_tenantIsolation(t *testing.T) {
	env := setup(t, "")
	ctx := context.Background()
	schools := []string{"school_A", "school_B", "school_C"}
	rnd := rand.New(rand.NewSource(20240501))

	owned := make(map[string][]string) // school -> live local ids
	for i := 0; i < 300; i++ {
		school := schools[rnd.Intn(len(schools))]
		ids := owned[school]

		switch op := rnd.Intn(3); {
		case op == 0 || len(ids) == 0:
			rec, err := env.svc.Create(ctx, school, entity.KindClass, entity.Payload{"name": fmt.Sprintf("class-%d", i)})
			require.NoError(t, err)
			owned[school] = append(ids, rec.LocalID)
		case op == 1:
			_, err := env.svc.Update(ctx, school, entity.KindClass, ids[rnd.Intn(len(ids))], entity.Payload{"level": fmt.Sprint(i)})
			require.NoError(t, err)
		default:
			j := rnd.Intn(len(ids))
			require.NoError(t, env.svc.Remove(ctx, school, entity.KindClass, ids[j]))
			owned[school] = append(ids[:j:j], ids[j+1:]...)
		}

		// a tenant trying to touch another tenant's record is denied
		other := schools[(rnd.Intn(len(schools)-1)+1+indexOf(schools, school))%len(schools)]
		if len(owned[school]) > 0 {
			_, err := env.svc.Update(ctx, other, entity.KindClass, owned[school][0], entity.Payload{"level": "x"})
			require.ErrorIs(t, err, entity.ErrAccessDenied)
		}
	}

	for _, school := range schools {
		classes, err := env.svc.Query(ctx, school, entity.KindClass, entity.QueryFilter{})
		require.NoError(t, err)

		got := make([]string, 0, len(classes))
		for _, rec := range classes {
			assert.Equal(t, school, rec.SchoolID)
			got = append(got, rec.LocalID)
		}
		assert.ElementsMatch(t, owned[school], got, school)

		for _, act := range env.queued(t, school) {
			assert.Equal(t, school, act.SchoolID)
		}
	}
}

func indexOf(values []string, v string) int {
	for i, val := range values {
		if val == v {
			return i
		}
	}
	return -1
}
