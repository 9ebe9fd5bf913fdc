package entity

import (
	"fmt"
	"sort"

	"github.com/trezcool/masomo-offline/core"
)

// Orderable fields
const (
	OrderCreatedAt = "created_at"
	OrderUpdatedAt = "updated_at"
	OrderLocalID   = "local_id"
)

// QueryFilter applies AND operation on its non-zero fields.
type QueryFilter struct {
	ClassID        string
	Date           string // YYYY-MM-DD
	DateFrom       string // inclusive
	DateTo         string // inclusive
	SyncStatus     SyncStatus
	Fields         map[string]interface{} // payload equality
	IncludeDeleted bool
	Where          func(Record) bool
	Ordering       []core.DBOrdering
	Limit          int
}

// Match reports whether rec satisfies every criterion of the filter except ordering and limit.
func (qf QueryFilter) Match(rec Record) bool {
	if rec.Deleted && !qf.IncludeDeleted {
		return false
	}
	if qf.ClassID != "" && rec.ClassID() != qf.ClassID {
		return false
	}
	if qf.Date != "" && rec.Date() != qf.Date {
		return false
	}
	if qf.DateFrom != "" && rec.Date() < qf.DateFrom {
		return false
	}
	if qf.DateTo != "" && (rec.Date() == "" || rec.Date() > qf.DateTo) {
		return false
	}
	if qf.SyncStatus != "" && rec.SyncStatus != qf.SyncStatus {
		return false
	}
	for field, want := range qf.Fields {
		got, ok := rec.Data[field]
		if !ok || fmt.Sprint(got) != fmt.Sprint(want) {
			return false
		}
	}
	if qf.Where != nil && !qf.Where(rec) {
		return false
	}
	return true
}

// Apply sorts records per the filter's ordering (created_at ASC by default) and truncates them to its limit.
func (qf QueryFilter) Apply(records []Record) []Record {
	ordering := qf.Ordering
	if len(ordering) == 0 {
		ordering = []core.DBOrdering{{Field: OrderCreatedAt, Ascending: true}}
	}
	sort.SliceStable(records, func(i, j int) bool {
		for _, ord := range ordering {
			c := compareField(records[i], records[j], ord.Field)
			if c == 0 {
				continue
			}
			if ord.Ascending {
				return c < 0
			}
			return c > 0
		}
		return records[i].LocalID < records[j].LocalID
	})
	if qf.Limit > 0 && len(records) > qf.Limit {
		records = records[:qf.Limit]
	}
	return records
}

func compareField(a, b Record, field string) int {
	switch field {
	case OrderCreatedAt:
		return a.CreatedAt.Compare(b.CreatedAt)
	case OrderUpdatedAt:
		return a.UpdatedAt.Compare(b.UpdatedAt)
	case OrderLocalID:
		return compareStrings(a.LocalID, b.LocalID)
	default:
		return compareStrings(a.Data.String(field), b.Data.String(field))
	}
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
