package memremote

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	ut "github.com/go-playground/universal-translator"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/remote"
)

// Operations, as recorded in calls and passed to hooks.
const (
	OpCreate  = "create"
	OpUpdate  = "update"
	OpDelete  = "delete"
	OpChanges = "changes"
)

const defaultPageSize = 100

type refKey struct {
	kind     entity.Kind
	schoolID string
	localID  string
}

type change struct {
	seq    int64
	record remote.ServerRecord
}

// Call is a request received by the server.
type Call struct {
	Op  string
	Req remote.Request
}

// Hook runs before each operation. A non-nil error is returned to the caller instead of processing it.
type Hook func(ctx context.Context, op string, req remote.Request) error

type Option func(*Server)

// WithValidation rejects payloads not matching their kind's schema, as a permanent error.
func WithValidation(validate *validator.Validate, translator ut.Translator) Option {
	return func(srv *Server) {
		srv.validate = validate
		srv.translator = translator
	}
}

// WithPageSize sets the maximum number of changes returned per page.
func WithPageSize(n int) Option {
	return func(srv *Server) { srv.pageSize = n }
}

// Server is an in-memory remote service: the state of the reference server and a test double.
// Creates are idempotent on (kind, school, localId). Writes older than the stored version are rejected as
// conflicts carrying the server version, unless forced.
type Server struct {
	mu       sync.Mutex
	nextID   int64
	seq      int64
	records  map[string]*remote.ServerRecord // by server id
	refs     map[refKey]string
	changes  []change
	calls    []Call
	hook     Hook
	pageSize int

	validate   *validator.Validate
	translator ut.Translator
}

var _ remote.Service = (*Server)(nil) // interface compliance check

func NewServer(opts ...Option) *Server {
	srv := &Server{
		records:  make(map[string]*remote.ServerRecord),
		refs:     make(map[refKey]string),
		pageSize: defaultPageSize,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// SetHook installs fn before every operation; nil removes it.
func (srv *Server) SetHook(fn Hook) {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	srv.hook = fn
}

// FailNext makes the next `times` calls of `op` fail with err.
func (srv *Server) FailNext(op string, err error, times int) {
	var mu sync.Mutex
	left := times
	srv.SetHook(func(_ context.Context, o string, _ remote.Request) error {
		mu.Lock()
		defer mu.Unlock()
		if o != op || left <= 0 {
			return nil
		}
		left--
		return err
	})
}

// Calls returns the requests received so far, in order.
func (srv *Server) Calls() []Call {
	srv.mu.Lock()
	defer srv.mu.Unlock()
	return append([]Call(nil), srv.calls...)
}

func (srv *Server) begin(ctx context.Context, op string, req remote.Request) error {
	srv.mu.Lock()
	srv.calls = append(srv.calls, Call{Op: op, Req: req})
	hook := srv.hook
	srv.mu.Unlock()

	if hook != nil {
		if err := hook(ctx, op, req); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.SchoolID == "" {
		return remote.NewError(remote.Permanent, entity.ErrNoSchool.Error())
	}
	if op != OpChanges && !req.Kind.Valid() {
		return remote.NewError(remote.Permanent, entity.ErrUnknownKind.Error())
	}
	return nil
}

func (srv *Server) check(req remote.Request) error {
	if srv.validate == nil {
		return nil
	}
	err := entity.Validate(srv.validate, srv.translator, req.Kind, req.Payload)
	if err == nil {
		return nil
	}
	rErr := remote.NewError(remote.Permanent, err.Error())
	var vErr *core.ValidationError
	if errors.As(err, &vErr) {
		rErr.Fields = vErr.Fields
	}
	return rErr
}

// log appends a change. Must be called locked.
func (srv *Server) log(rec remote.ServerRecord) {
	srv.seq++
	rec.Data = rec.Data.Clone()
	srv.changes = append(srv.changes, change{seq: srv.seq, record: rec})
}

func copyRecord(rec *remote.ServerRecord) remote.ServerRecord {
	cp := *rec
	cp.Data = rec.Data.Clone()
	return cp
}

func (srv *Server) Create(ctx context.Context, req remote.Request) (remote.ServerRecord, error) {
	if err := srv.begin(ctx, OpCreate, req); err != nil {
		return remote.ServerRecord{}, err
	}
	if err := srv.check(req); err != nil {
		return remote.ServerRecord{}, err
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	ref := refKey{req.Kind, req.SchoolID, req.LocalID}
	if id, ok := srv.refs[ref]; ok && req.LocalID != "" {
		return copyRecord(srv.records[id]), nil // replay
	}

	srv.nextID++
	rec := &remote.ServerRecord{
		ID:        strconv.FormatInt(srv.nextID, 10),
		LocalID:   req.LocalID,
		Kind:      req.Kind,
		SchoolID:  req.SchoolID,
		Data:      req.Payload.Clone(),
		UpdatedAt: req.UpdatedAt,
	}
	srv.records[rec.ID] = rec
	if req.LocalID != "" {
		srv.refs[ref] = rec.ID
	}
	srv.log(*rec)
	return copyRecord(rec), nil
}

// lookup returns the live record targeted by req. Must be called locked.
func (srv *Server) lookup(req remote.Request) (*remote.ServerRecord, error) {
	rec, ok := srv.records[req.ServerID]
	if !ok || rec.Deleted || rec.Kind != req.Kind || rec.SchoolID != req.SchoolID {
		return nil, remote.NewError(remote.NotFound, "record "+req.ServerID+" not found")
	}
	if !req.Force && rec.UpdatedAt.After(req.UpdatedAt) {
		cp := copyRecord(rec)
		rErr := remote.NewError(remote.Conflict, "record was modified on the server")
		rErr.Server = &cp
		return nil, rErr
	}
	return rec, nil
}

func (srv *Server) Update(ctx context.Context, req remote.Request) (remote.ServerRecord, error) {
	if err := srv.begin(ctx, OpUpdate, req); err != nil {
		return remote.ServerRecord{}, err
	}
	if err := srv.check(req); err != nil {
		return remote.ServerRecord{}, err
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	rec, err := srv.lookup(req)
	if err != nil {
		return remote.ServerRecord{}, err
	}
	rec.Data = req.Payload.Clone()
	rec.UpdatedAt = req.UpdatedAt
	srv.log(*rec)
	return copyRecord(rec), nil
}

func (srv *Server) Delete(ctx context.Context, req remote.Request) error {
	if err := srv.begin(ctx, OpDelete, req); err != nil {
		return err
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	rec, err := srv.lookup(req)
	if err != nil {
		return err
	}
	rec.Deleted = true
	rec.UpdatedAt = req.UpdatedAt
	srv.log(*rec)
	return nil
}

func (srv *Server) Changes(ctx context.Context, schoolID, cursor string) (remote.ChangeSet, error) {
	if err := srv.begin(ctx, OpChanges, remote.Request{SchoolID: schoolID}); err != nil {
		return remote.ChangeSet{}, err
	}

	var after int64
	if cursor != "" {
		var err error
		if after, err = strconv.ParseInt(cursor, 10, 64); err != nil {
			return remote.ChangeSet{}, remote.NewError(remote.Permanent, "invalid cursor "+cursor)
		}
	}

	srv.mu.Lock()
	defer srv.mu.Unlock()

	cs := remote.ChangeSet{Changes: make([]remote.ServerRecord, 0), Cursor: cursor}
	for _, chg := range srv.changes {
		if chg.seq <= after || chg.record.SchoolID != schoolID {
			continue
		}
		if len(cs.Changes) == srv.pageSize {
			cs.HasMore = true
			break
		}
		rec := chg.record
		rec.Data = rec.Data.Clone()
		cs.Changes = append(cs.Changes, rec)
		cs.Cursor = strconv.FormatInt(chg.seq, 10)
	}
	return cs, nil
}

// Put writes a record as if edited by another client, and returns it. A new record gets an id.
func (srv *Server) Put(rec remote.ServerRecord) remote.ServerRecord {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	if rec.ID == "" {
		srv.nextID++
		rec.ID = strconv.FormatInt(srv.nextID, 10)
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	rec.Data = rec.Data.Clone()
	srv.records[rec.ID] = &rec
	if rec.LocalID != "" {
		srv.refs[refKey{rec.Kind, rec.SchoolID, rec.LocalID}] = rec.ID
	}
	srv.log(rec)
	return copyRecord(&rec)
}

// Get returns a record by server id, deleted ones included.
func (srv *Server) Get(id string) (remote.ServerRecord, bool) {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	rec, ok := srv.records[id]
	if !ok {
		return remote.ServerRecord{}, false
	}
	return copyRecord(rec), true
}

// Records returns the live records of a school and kind, by server id.
func (srv *Server) Records(schoolID string, kind entity.Kind) []remote.ServerRecord {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	records := make([]remote.ServerRecord, 0)
	for _, rec := range srv.records {
		if rec.SchoolID == schoolID && rec.Kind == kind && !rec.Deleted {
			records = append(records, copyRecord(rec))
		}
	}
	sort.Slice(records, func(i, j int) bool {
		a, _ := strconv.ParseInt(records[i].ID, 10, 64)
		b, _ := strconv.ParseInt(records[j].ID, 10, 64)
		return a < b
	})
	return records
}
