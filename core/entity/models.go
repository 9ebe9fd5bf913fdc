package entity

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"
)

// Kind names a collection of records sharing one payload schema.
type Kind string

// Kinds
const (
	KindStudent       Kind = "students"
	KindTeacher       Kind = "teachers"
	KindClass         Kind = "classes"
	KindAttendance    Kind = "attendance"
	KindGrade         Kind = "grades"
	KindAlert         Kind = "alerts"
	KindTimetable     Kind = "timetable"
	KindMessage       Kind = "messages"
	KindExam          Kind = "exams"
	KindDocument      Kind = "documents"
	KindInvoice       Kind = "invoices"
	KindSchoolProfile Kind = "school_profile"
)

var Kinds = []Kind{
	KindStudent, KindTeacher, KindClass, KindAttendance, KindGrade, KindAlert,
	KindTimetable, KindMessage, KindExam, KindDocument, KindInvoice, KindSchoolProfile,
}

func (k Kind) Valid() bool {
	_, ok := schemas[k]
	return ok
}

func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", errors.Wrap(ErrUnknownKind, s)
	}
	return k, nil
}

type SyncStatus string

// Sync statuses
const (
	StatusPending SyncStatus = "pending" // locally mutated, not yet confirmed
	StatusSynced  SyncStatus = "synced"  // matches the server as of the last successful sync
	StatusError   SyncStatus = "error"   // last sync attempt failed
)

// Payload is the domain data of a record, as exchanged with the remote service.
type Payload map[string]interface{}

// Clone returns a deep copy of p.
func (p Payload) Clone() Payload {
	if p == nil {
		return nil
	}
	return cloneValue(map[string]interface{}(p)).(map[string]interface{})
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(val))
		for k, sub := range val {
			m[k] = cloneValue(sub)
		}
		return m
	case Payload:
		return Payload(cloneValue(map[string]interface{}(val)).(map[string]interface{}))
	case []interface{}:
		s := make([]interface{}, len(val))
		for i, sub := range val {
			s[i] = cloneValue(sub)
		}
		return s
	case []string:
		return append([]string(nil), val...)
	default:
		return val
	}
}

// Merge returns a copy of p with the fields of partial applied on top.
// A nil value in partial clears the field.
func (p Payload) Merge(partial Payload) Payload {
	merged := p.Clone()
	if merged == nil {
		merged = make(Payload, len(partial))
	}
	for k, v := range partial {
		if v == nil {
			delete(merged, k)
			continue
		}
		merged[k] = cloneValue(v)
	}
	return merged
}

// String returns the field `key` formatted as a string, or "" if absent.
func (p Payload) String(key string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Equal reports whether both payloads hold the same JSON representation.
func (p Payload) Equal(other Payload) bool {
	a, errA := json.Marshal(p)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(p, other)
	}
	return string(a) == string(b)
}

func (p Payload) Value() (driver.Value, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, errors.Wrap(err, "encoding payload")
	}
	return string(b), nil
}

func (p *Payload) Scan(src interface{}) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*p = nil
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return errors.Errorf("payload: unsupported scan type %T", src)
	}
	if len(data) == 0 {
		*p = nil
		return nil
	}
	return errors.Wrap(json.Unmarshal(data, p), "decoding payload")
}

// Record is the envelope shared by every persisted entity.
type Record struct {
	LocalID    string      `json:"localId" yaml:"localId"`
	ID         null.String `json:"id" yaml:"id"` // server-assigned, set once the CREATE is confirmed
	SchoolID   string      `json:"schoolId" yaml:"schoolId"`
	Kind       Kind        `json:"kind" yaml:"kind"`
	Data       Payload     `json:"data" yaml:"data"`
	SyncStatus SyncStatus  `json:"syncStatus" yaml:"syncStatus"`
	Deleted    bool        `json:"deleted,omitempty" yaml:"deleted,omitempty"` // tombstone, see DeleteTombstone
	CreatedAt  time.Time   `json:"createdAt" yaml:"createdAt"`                 // UTC
	UpdatedAt  time.Time   `json:"updatedAt" yaml:"updatedAt"`                 // UTC
}

// Copy returns r with its payload deep copied.
func (r Record) Copy() Record {
	r.Data = r.Data.Clone()
	return r
}

// ClassID is the secondary index field shared by class-scoped kinds.
func (r Record) ClassID() string { return r.Data.String("classId") }

// Date is the secondary index field of dated kinds (YYYY-MM-DD).
func (r Record) Date() string { return r.Data.String("date") }

// DeletePolicy decides what happens to a locally removed record until its DELETE is confirmed.
type DeletePolicy string

const (
	// DeleteImmediately removes the record from the store right away.
	// A DELETE that fails permanently is not rolled back.
	DeleteImmediately DeletePolicy = "immediate"

	// DeleteTombstone keeps the record flagged as deleted (hidden from queries) until the server confirms;
	// it is restored if the DELETE fails permanently.
	DeleteTombstone DeletePolicy = "tombstone"
)

func ParseDeletePolicy(s string) (DeletePolicy, error) {
	switch DeletePolicy(s) {
	case "", DeleteImmediately:
		return DeleteImmediately, nil
	case DeleteTombstone:
		return DeleteTombstone, nil
	}
	return "", errors.Errorf("unknown delete policy %q", s)
}
