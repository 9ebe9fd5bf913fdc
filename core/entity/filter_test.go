package entity

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/masomo-offline/core"
)

func grade(localID, studentID, date string, score float64, created time.Duration) Record {
	t0 := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	return Record{
		LocalID:    localID,
		SchoolID:   "s1",
		Kind:       KindGrade,
		Data:       Payload{"studentId": studentID, "subject": "math", "score": score, "maxScore": 20.0, "date": date},
		SyncStatus: StatusSynced,
		CreatedAt:  t0.Add(created),
		UpdatedAt:  t0.Add(created),
	}
}

func TestQueryFilter_Match(t *testing.T) {
	rec := grade("g1", "st1", "2024-05-03", 12, 0)
	rec.Data["classId"] = "c1"
	deleted := rec.Copy()
	deleted.Deleted = true

	tests := []struct {
		name   string
		filter QueryFilter
		rec    Record
		want   bool
	}{
		{name: "empty filter", rec: rec, want: true},
		{name: "tombstone hidden", rec: deleted, want: false},
		{name: "tombstone included", filter: QueryFilter{IncludeDeleted: true}, rec: deleted, want: true},
		{name: "class", filter: QueryFilter{ClassID: "c1"}, rec: rec, want: true},
		{name: "other class", filter: QueryFilter{ClassID: "c2"}, rec: rec, want: false},
		{name: "date", filter: QueryFilter{Date: "2024-05-03"}, rec: rec, want: true},
		{name: "other date", filter: QueryFilter{Date: "2024-05-04"}, rec: rec, want: false},
		{name: "in range", filter: QueryFilter{DateFrom: "2024-05-01", DateTo: "2024-05-03"}, rec: rec, want: true},
		{name: "before range", filter: QueryFilter{DateFrom: "2024-05-04"}, rec: rec, want: false},
		{name: "after range", filter: QueryFilter{DateTo: "2024-05-02"}, rec: rec, want: false},
		{name: "undated with upper bound", filter: QueryFilter{DateTo: "2024-05-02"}, rec: Record{Data: Payload{}}, want: false},
		{name: "status", filter: QueryFilter{SyncStatus: StatusSynced}, rec: rec, want: true},
		{name: "other status", filter: QueryFilter{SyncStatus: StatusPending}, rec: rec, want: false},
		{name: "fields", filter: QueryFilter{Fields: map[string]interface{}{"studentId": "st1", "score": 12}}, rec: rec, want: true},
		{name: "other fields", filter: QueryFilter{Fields: map[string]interface{}{"studentId": "st2"}}, rec: rec, want: false},
		{name: "missing field", filter: QueryFilter{Fields: map[string]interface{}{"term": "T1"}}, rec: rec, want: false},
		{name: "where", filter: QueryFilter{Where: func(r Record) bool { return r.LocalID == "g1" }}, rec: rec, want: true},
		{name: "where rejects", filter: QueryFilter{Where: func(Record) bool { return false }}, rec: rec, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.filter.Match(tt.rec); got != tt.want {
				t.Errorf("Match() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestQueryFilter_Apply(t *testing.T) {
	records := func() []Record {
		return []Record{
			grade("g3", "st1", "2024-05-02", 15, 2*time.Second),
			grade("g1", "st2", "2024-05-01", 12, 0),
			grade("g2", "st1", "2024-05-01", 9, time.Second),
			grade("g0", "st3", "2024-05-03", 18, time.Second), // same created_at as g2
		}
	}
	ids := func(recs []Record) []string {
		out := make([]string, 0, len(recs))
		for _, r := range recs {
			out = append(out, r.LocalID)
		}
		return out
	}

	tests := []struct {
		name   string
		filter QueryFilter
		want   []string
	}{
		{name: "created_at by default, local id tiebreak", want: []string{"g1", "g0", "g2", "g3"}},
		{name: "descending", filter: QueryFilter{Ordering: core.ParseOrdering("-created_at")}, want: []string{"g3", "g0", "g2", "g1"}},
		{name: "payload field", filter: QueryFilter{Ordering: core.ParseOrdering("studentId,-date")}, want: []string{"g3", "g2", "g1", "g0"}},
		{name: "local id", filter: QueryFilter{Ordering: core.ParseOrdering("local_id")}, want: []string{"g0", "g1", "g2", "g3"}},
		{name: "limit", filter: QueryFilter{Ordering: core.ParseOrdering("-updated_at"), Limit: 1}, want: []string{"g3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ids(tt.filter.Apply(records())))
		})
	}
}
