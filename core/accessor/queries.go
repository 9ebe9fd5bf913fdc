package accessor

import (
	"context"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/entity"
)

var byName = []core.DBOrdering{{Field: "lastName", Ascending: true}, {Field: "firstName", Ascending: true}}

func (svc *Service) StudentsInClass(ctx context.Context, schoolID, classID string) ([]entity.Record, error) {
	return svc.store.Query(ctx, entity.KindStudent, schoolID, entity.QueryFilter{ClassID: classID, Ordering: byName})
}

// AttendanceOn returns the attendance sheet of a class for one day (YYYY-MM-DD).
func (svc *Service) AttendanceOn(ctx context.Context, schoolID, classID, date string) ([]entity.Record, error) {
	return svc.store.Query(ctx, entity.KindAttendance, schoolID, entity.QueryFilter{ClassID: classID, Date: date})
}

func (svc *Service) GradesForStudent(ctx context.Context, schoolID, studentID string) ([]entity.Record, error) {
	return svc.store.Query(ctx, entity.KindGrade, schoolID, entity.QueryFilter{
		Fields:   map[string]interface{}{"studentId": studentID},
		Ordering: []core.DBOrdering{{Field: "date", Ascending: true}, {Field: entity.OrderCreatedAt, Ascending: true}},
	})
}

// PendingRecords returns the records of a kind holding unsynced or failed changes.
func (svc *Service) PendingRecords(ctx context.Context, schoolID string, kind entity.Kind) ([]entity.Record, error) {
	return svc.store.Query(ctx, kind, schoolID, entity.QueryFilter{
		Where: func(rec entity.Record) bool { return rec.SyncStatus != entity.StatusSynced },
	})
}
