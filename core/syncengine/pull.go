package syncengine

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/remote"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

// pull folds the school's server-side changes since its cursor into the local store.
func (e *Engine) pull(ctx context.Context, schoolID string, res *Result) {
	cursor, err := e.ledger.Cursor(ctx, schoolID)
	if err != nil {
		res.Errors = append(res.Errors, systemError(schoolID, errors.Wrap(err, "reading pull cursor")))
		return
	}

	for {
		cs, err := call(ctx, e.opts.CallTimeout, func(ctx context.Context) (remote.ChangeSet, error) {
			return e.remote.Changes(ctx, schoolID, cursor)
		})
		if err != nil {
			res.Errors = append(res.Errors, systemError(schoolID, errors.Wrap(err, "pulling changes")))
			return
		}

		for _, srv := range cs.Changes {
			applied, err := e.reconcile(ctx, schoolID, srv)
			if err != nil {
				res.Errors = append(res.Errors, systemError(schoolID, errors.Wrapf(err, "reconciling %s/%s", srv.Kind, srv.ID)))
				return // cursor left before this change
			}
			if applied {
				res.PulledCount++
			}
		}

		if cs.Cursor != "" && cs.Cursor != cursor {
			if err = e.ledger.SetCursor(context.WithoutCancel(ctx), schoolID, cs.Cursor); err != nil {
				res.Errors = append(res.Errors, systemError(schoolID, errors.Wrap(err, "saving pull cursor")))
				return
			}
			cursor = cs.Cursor
		}
		if !cs.HasMore || len(cs.Changes) == 0 {
			return
		}
	}
}

// reconcile applies one server change with last-write-wins against pending local edits.
// It reports whether the local store changed.
func (e *Engine) reconcile(ctx context.Context, schoolID string, srv remote.ServerRecord) (bool, error) {
	ctx = context.WithoutCancel(ctx)

	if srv.SchoolID != schoolID {
		return false, errors.Wrapf(entity.ErrAccessDenied, "change of school %q", srv.SchoolID)
	}
	if !srv.Kind.Valid() {
		e.log.Warn("skipping change of unknown kind", core.LogFields{"school": schoolID, "kind": srv.Kind, "id": srv.ID})
		return false, nil
	}

	rec, err := e.store.GetByServerID(ctx, srv.Kind, srv.ID)
	if errors.Is(err, entity.ErrNotFound) && srv.LocalID != "" {
		rec, err = e.store.Get(ctx, srv.Kind, srv.LocalID)
	}
	found := err == nil
	if err != nil && !errors.Is(err, entity.ErrNotFound) {
		return false, err
	}
	if found && rec.SchoolID != schoolID {
		return false, errors.Wrapf(entity.ErrAccessDenied, "%s/%s", srv.Kind, rec.LocalID)
	}

	localID := rec.LocalID
	if !found {
		localID = srv.LocalID
		if localID == "" {
			localID = uuid.NewString()
		}
	}
	key := syncqueue.RecordKey{Kind: srv.Kind, LocalID: localID}

	pending, err := e.ledger.CountForRecord(ctx, key)
	if err != nil {
		return false, err
	}
	if pending == 0 && found && rec.SyncStatus == entity.StatusSynced && !rec.Deleted && !srv.Deleted &&
		rec.UpdatedAt.Equal(srv.UpdatedAt) && rec.Data.Equal(srv.Data) {
		return false, nil // echo of our own write
	}
	if pending > 0 && (!found || !srv.UpdatedAt.After(rec.UpdatedAt)) {
		return false, nil // the queued local write is newer and will be pushed
	}

	if !srv.Deleted {
		if err = e.ledger.MapID(ctx, key, srv.ID); err != nil {
			return false, err
		}
	}
	var prev *entity.Record
	if found {
		prev = &rec
	}
	applied, err := e.overwrite(ctx, srv.Kind, localID, schoolID, srv, prev)
	if err != nil || !applied {
		return false, err // nothing to delete, or an edit made meanwhile wins
	}

	if pending > 0 {
		n, err := e.ledger.DropRecord(ctx, key)
		if err != nil {
			return false, err
		}
		e.log.Warn("local changes overridden by newer server version", core.LogFields{
			"school": schoolID, "kind": srv.Kind, "localId": localID, "dropped": n,
		})
	}
	return true, nil
}
