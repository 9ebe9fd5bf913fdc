package syncengine

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/volatiletech/null/v8"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/remote"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

var errNoServerVersion = errors.New("conflict reported without the server version")

const maxPatchAttempts = 5

// push drains the school's queue in FIFO order. It reports whether the queue was fully processed,
// ie. no entry was left behind for a later cycle.
func (e *Engine) push(ctx context.Context, schoolID string, forced bool, res *Result) bool {
	blocked := make(map[syncqueue.RecordKey]struct{}) // records behind a permanent failure

	for act, err := range syncqueue.Drain(ctx, e.ledger, schoolID) {
		if err != nil {
			res.Errors = append(res.Errors, systemError(schoolID, errors.Wrap(err, "reading queue")))
			return false
		}

		key := act.Record()
		if act.Permanent {
			// needs attention: re-reported every cycle until retried or discarded
			blocked[key] = struct{}{}
			res.FailedCount++
			res.Errors = append(res.Errors, actionError(act, remote.Permanent, act.LastError.String))
			continue
		}
		if _, ok := blocked[key]; ok {
			res.HeldCount++
			continue
		}
		if !forced && !act.Ready(now()) {
			return false // in backoff, later entries wait behind it
		}

		err = e.apply(ctx, act)
		if err == nil {
			res.SyncedCount++
			continue
		}

		res.FailedCount++
		class := remote.Classify(err)
		res.Errors = append(res.Errors, actionError(act, class, err.Error()))

		if class == remote.Transient {
			e.markFailed(ctx, act, syncqueue.Failure{Err: err, NextAttemptAt: now().Add(e.backoff(act.Attempts + 1))})
			e.setRecordStatus(ctx, act, entity.StatusError)
			e.log.Warn("transient sync failure", core.LogFields{"school": schoolID, "action": act.ActionID, "error": err.Error()})
			return false
		}

		e.markFailed(ctx, act, syncqueue.Failure{Err: err, Permanent: true})
		blocked[key] = struct{}{}
		if act.Operation == syncqueue.OpDelete && e.opts.DeletePolicy == entity.DeleteTombstone {
			e.restore(ctx, act, entity.StatusError)
		} else {
			e.setRecordStatus(ctx, act, entity.StatusError)
		}
		e.log.Error("permanent sync failure", err, core.LogFields{
			"school": schoolID, "action": act.ActionID, "operation": act.Operation, "kind": act.Kind, "localId": act.LocalID,
		})
	}
	return true
}

// backoff is the delay before the n-th retry: BackoffMin doubled on every attempt, capped at BackoffMax.
func (e *Engine) backoff(attempts int) time.Duration {
	d := e.opts.BackoffMin
	for i := 1; i < attempts && d < e.opts.BackoffMax; i++ {
		d *= 2
	}
	return min(d, e.opts.BackoffMax)
}

func (e *Engine) markFailed(ctx context.Context, act syncqueue.Action, failure syncqueue.Failure) {
	if err := e.ledger.MarkFailed(context.WithoutCancel(ctx), act.ActionID, failure); err != nil {
		e.log.Error("marking queue entry as failed", errors.Wrap(err, act.ActionID))
	}
}

// call runs a remote call under the call timeout. A call ignoring its context is abandoned when the timeout expires.
func call[T any](ctx context.Context, timeout time.Duration, fn func(context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		val, err := fn(cctx)
		ch <- result{val, err}
	}()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-cctx.Done():
		var zero T
		return zero, errors.Wrap(cctx.Err(), "remote call")
	}
}

func (e *Engine) request(ctx context.Context, act syncqueue.Action) (remote.Request, error) {
	req := remote.Request{
		Kind:      act.Kind,
		SchoolID:  act.SchoolID,
		LocalID:   act.LocalID,
		Payload:   act.Payload,
		UpdatedAt: act.RecordUpdatedAt,
	}

	rec, err := e.store.Get(ctx, act.Kind, act.LocalID)
	switch {
	case err == nil:
		if rec.SchoolID != act.SchoolID {
			return req, remote.NewError(remote.Permanent, errors.Wrapf(entity.ErrAccessDenied, "%s/%s", act.Kind, act.LocalID).Error())
		}
	case !errors.Is(err, entity.ErrNotFound):
		return req, errors.Wrap(err, "loading record")
	}

	if act.Operation == syncqueue.OpCreate {
		return req, nil
	}
	serverID, err := e.ledger.ServerID(ctx, act.Record())
	if errors.Is(err, syncqueue.ErrNotMapped) && rec.ID.Valid {
		serverID, err = rec.ID.String, nil // pulled record
	}
	if err != nil && !errors.Is(err, syncqueue.ErrNotMapped) {
		return req, errors.Wrap(err, "resolving server id")
	}
	req.ServerID = serverID
	return req, nil
}

// apply dispatches one entry and resolves its outcome locally. A nil error means the entry is acknowledged.
func (e *Engine) apply(ctx context.Context, act syncqueue.Action) error {
	req, err := e.request(ctx, act)
	if err != nil {
		return err
	}

	var srv remote.ServerRecord
	switch act.Operation {
	case syncqueue.OpCreate:
		srv, err = call(ctx, e.opts.CallTimeout, func(ctx context.Context) (remote.ServerRecord, error) {
			return e.remote.Create(ctx, req)
		})
	case syncqueue.OpUpdate:
		if req.ServerID == "" {
			return remote.NewError(remote.Permanent, errors.Wrap(syncqueue.ErrNotMapped, "update before create").Error())
		}
		srv, err = call(ctx, e.opts.CallTimeout, func(ctx context.Context) (remote.ServerRecord, error) {
			return e.remote.Update(ctx, req)
		})
	case syncqueue.OpDelete:
		if req.ServerID == "" {
			// never reached the server
			return e.confirm(ctx, act, remote.ServerRecord{})
		}
		_, err = call(ctx, e.opts.CallTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.remote.Delete(ctx, req)
		})
		if remote.Classify(err) == remote.NotFound {
			err = nil // already gone
		}
		srv.ID = req.ServerID
	default:
		return remote.NewError(remote.Permanent, "unknown operation "+string(act.Operation))
	}

	if err != nil {
		return e.resolveConflict(ctx, act, req, err)
	}
	return e.confirm(ctx, act, srv)
}

// resolveConflict applies last-write-wins to a conflict: a newer local edit is resent once with Force,
// otherwise the server version is kept. Other failures are returned untouched.
func (e *Engine) resolveConflict(ctx context.Context, act syncqueue.Action, req remote.Request, err error) error {
	if remote.Classify(err) != remote.Conflict {
		return err
	}
	srv, ok := remote.ServerVersion(err)
	if !ok {
		return remote.NewError(remote.Permanent, errNoServerVersion.Error())
	}
	if srv.SchoolID != "" && srv.SchoolID != act.SchoolID {
		return remote.NewError(remote.Permanent, errors.Wrap(entity.ErrAccessDenied, "conflicting server version").Error())
	}

	if !act.RecordUpdatedAt.After(srv.UpdatedAt) {
		e.log.Warn("sync conflict, server version kept", core.LogFields{
			"school": act.SchoolID, "kind": act.Kind, "localId": act.LocalID,
			"local": act.RecordUpdatedAt, "server": srv.UpdatedAt,
		})
		return e.adopt(ctx, act, srv)
	}
	if req.Force {
		return remote.NewError(remote.Permanent, "conflict persisted after overriding: "+err.Error())
	}

	req.Force = true
	var forced remote.ServerRecord
	switch act.Operation {
	case syncqueue.OpCreate:
		forced, err = call(ctx, e.opts.CallTimeout, func(ctx context.Context) (remote.ServerRecord, error) {
			return e.remote.Create(ctx, req)
		})
	case syncqueue.OpUpdate:
		forced, err = call(ctx, e.opts.CallTimeout, func(ctx context.Context) (remote.ServerRecord, error) {
			return e.remote.Update(ctx, req)
		})
	case syncqueue.OpDelete:
		_, err = call(ctx, e.opts.CallTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, e.remote.Delete(ctx, req)
		})
		if remote.Classify(err) == remote.NotFound {
			err = nil
		}
		forced.ID = req.ServerID
	}
	if err != nil {
		return e.resolveConflict(ctx, act, req, err)
	}
	return e.confirm(ctx, act, forced)
}

// confirm records a successful remote application: id mapping, local record state, then acknowledgment.
func (e *Engine) confirm(ctx context.Context, act syncqueue.Action, srv remote.ServerRecord) error {
	ctx = context.WithoutCancel(ctx) // the server already applied it
	key := act.Record()

	if srv.SchoolID != "" && srv.SchoolID != act.SchoolID {
		return remote.NewError(remote.Permanent, errors.Wrap(entity.ErrAccessDenied, "server record").Error())
	}
	if srv.ID != "" {
		if err := e.ledger.MapID(ctx, key, srv.ID); err != nil {
			return errors.Wrap(err, "mapping server id")
		}
	}

	if act.Operation == syncqueue.OpDelete {
		// a tombstone, or a record restored then retried
		if err := e.store.Delete(ctx, act.Kind, act.LocalID); err != nil {
			return errors.Wrap(err, "purging record")
		}
	} else {
		err := e.patch(ctx, act, func(rec *entity.Record) (bool, error) {
			if srv.ID != "" {
				rec.ID = null.StringFrom(srv.ID)
			}
			remaining, err := e.ledger.CountForRecord(ctx, key)
			if err != nil {
				return false, errors.Wrap(err, "counting queue entries")
			}
			if remaining <= 1 {
				rec.SyncStatus = entity.StatusSynced
			} else if rec.SyncStatus == entity.StatusError {
				rec.SyncStatus = entity.StatusPending
			}
			return true, nil
		})
		if err != nil {
			return errors.Wrap(err, "updating record")
		}
	}

	if err := e.ledger.Acknowledge(ctx, act.ActionID); err != nil && !errors.Is(err, syncqueue.ErrNotFound) {
		return errors.Wrap(err, "acknowledging entry")
	}
	return nil
}

// adopt overwrites the local record with the server version and drops the entry.
// When later entries of the record are still queued, they are left to be replayed over the server version.
func (e *Engine) adopt(ctx context.Context, act syncqueue.Action, srv remote.ServerRecord) error {
	ctx = context.WithoutCancel(ctx)
	key := act.Record()

	if srv.ID != "" {
		if err := e.ledger.MapID(ctx, key, srv.ID); err != nil {
			return errors.Wrap(err, "mapping server id")
		}
	}
	var prev *entity.Record // read before counting, so that an edit queued meanwhile is not overwritten
	rec, err := e.store.Get(ctx, act.Kind, act.LocalID)
	switch {
	case err == nil:
		prev = &rec
	case !errors.Is(err, entity.ErrNotFound):
		return errors.Wrap(err, "loading record")
	}
	remaining, err := e.ledger.CountForRecord(ctx, key)
	if err != nil {
		return errors.Wrap(err, "counting queue entries")
	}

	if remaining <= 1 {
		if _, err = e.overwrite(ctx, act.Kind, act.LocalID, act.SchoolID, srv, prev); err != nil {
			return errors.Wrap(err, "applying server version")
		}
	}

	if err = e.ledger.Acknowledge(ctx, act.ActionID); err != nil && !errors.Is(err, syncqueue.ErrNotFound) {
		return errors.Wrap(err, "acknowledging entry")
	}
	return nil
}

// overwrite replaces the local record with a server version. prev is the local version the decision was
// based on, nil when there was none. A local edit landing after it wins: it is queued and newer, so nothing is written.
// It reports whether the local store changed.
func (e *Engine) overwrite(ctx context.Context, kind entity.Kind, localID, schoolID string, srv remote.ServerRecord, prev *entity.Record) (bool, error) {
	switch {
	case prev == nil && srv.Deleted:
		return false, nil
	case prev == nil:
		return true, e.store.Put(ctx, fromServer(kind, localID, schoolID, srv, nil))
	case srv.Deleted:
		return e.store.DeleteIfUnchanged(ctx, kind, localID, prev.UpdatedAt)
	default:
		return e.store.PutIfUnchanged(ctx, fromServer(kind, localID, schoolID, srv, prev), prev.UpdatedAt)
	}
}

// fromServer builds the synced local record of a server version, keeping the local creation time if any.
func fromServer(kind entity.Kind, localID, schoolID string, srv remote.ServerRecord, prev *entity.Record) entity.Record {
	rec := entity.Record{
		LocalID:    localID,
		SchoolID:   schoolID,
		Kind:       kind,
		Data:       srv.Data.Clone(),
		SyncStatus: entity.StatusSynced,
		CreatedAt:  srv.UpdatedAt,
		UpdatedAt:  srv.UpdatedAt,
	}
	if srv.ID != "" {
		rec.ID = null.StringFrom(srv.ID)
	}
	if prev != nil {
		rec.CreatedAt = prev.CreatedAt
		if !rec.ID.Valid {
			rec.ID = prev.ID
		}
	}
	return rec
}

// patch rewrites the sync metadata of the record of act, if it still exists. A local edit landing between
// the read and the write is never overwritten: fn runs again on the newer version.
// fn returns false to leave the record as is.
func (e *Engine) patch(ctx context.Context, act syncqueue.Action, fn func(rec *entity.Record) (bool, error)) error {
	for i := 0; i < maxPatchAttempts; i++ {
		rec, err := e.store.Get(ctx, act.Kind, act.LocalID)
		if errors.Is(err, entity.ErrNotFound) {
			return nil // removed locally meanwhile
		}
		if err != nil {
			return errors.Wrap(err, "loading record")
		}
		if rec.SchoolID != act.SchoolID {
			return nil
		}

		read := rec.UpdatedAt
		if ok, err := fn(&rec); err != nil || !ok {
			return err
		}
		written, err := e.store.PutIfUnchanged(ctx, rec, read)
		if err != nil || written {
			return err
		}
		e.log.Info("record edited during sync, reloading", core.LogFields{"kind": act.Kind, "localId": act.LocalID})
	}
	return errors.Errorf("record %s/%s kept changing", act.Kind, act.LocalID)
}

// setRecordStatus flags the record of act, if it still exists.
func (e *Engine) setRecordStatus(ctx context.Context, act syncqueue.Action, status entity.SyncStatus) {
	err := e.patch(context.WithoutCancel(ctx), act, func(rec *entity.Record) (bool, error) {
		if rec.SyncStatus == status {
			return false, nil
		}
		rec.SyncStatus = status
		return true, nil
	})
	if err != nil {
		e.log.Error("updating record status", errors.Wrap(err, act.LocalID))
	}
}

// restore brings a tombstoned record back after its DELETE was abandoned.
func (e *Engine) restore(ctx context.Context, act syncqueue.Action, status entity.SyncStatus) {
	err := e.patch(context.WithoutCancel(ctx), act, func(rec *entity.Record) (bool, error) {
		if !rec.Deleted {
			return false, nil
		}
		rec.Deleted = false
		rec.SyncStatus = status
		return true, nil
	})
	if err != nil {
		e.log.Error("restoring record", errors.Wrap(err, act.LocalID))
	}
}

// bury flags the record of a retried DELETE as a pending tombstone again.
func (e *Engine) bury(ctx context.Context, act syncqueue.Action) {
	err := e.patch(context.WithoutCancel(ctx), act, func(rec *entity.Record) (bool, error) {
		rec.Deleted = true
		rec.SyncStatus = entity.StatusPending
		return true, nil
	})
	if err != nil {
		e.log.Error("burying record", errors.Wrap(err, act.LocalID))
	}
}
