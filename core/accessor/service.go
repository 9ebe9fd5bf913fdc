package accessor

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	ut "github.com/go-playground/universal-translator"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

var nowFunc = time.Now // mockable

// now returns the current UTC time at millisecond precision, the resolution records are persisted with.
func now() time.Time {
	return nowFunc().UTC().Truncate(time.Millisecond)
}

// Service writes every mutation to the local store first, flagged as pending, then queues it for sync.
type Service struct {
	store      entity.Store
	queue      syncqueue.Queue
	validate   *validator.Validate
	translator ut.Translator
	policy     entity.DeletePolicy
}

func NewService(
	store entity.Store,
	queue syncqueue.Queue,
	validate *validator.Validate,
	translator ut.Translator,
	policy entity.DeletePolicy,
) *Service {
	if policy == "" {
		policy = entity.DeleteImmediately
	}
	return &Service{store: store, queue: queue, validate: validate, translator: translator, policy: policy}
}

// find loads a live record by local id, then by server id, and checks it belongs to schoolID.
func (svc *Service) find(ctx context.Context, schoolID string, kind entity.Kind, idOrLocalID string) (entity.Record, error) {
	if err := entity.CheckScope(kind, schoolID); err != nil {
		return entity.Record{}, err
	}

	rec, err := svc.store.Get(ctx, kind, idOrLocalID)
	if errors.Is(err, entity.ErrNotFound) {
		rec, err = svc.store.GetByServerID(ctx, kind, idOrLocalID)
	}
	if err != nil {
		return entity.Record{}, err
	}
	if rec.Deleted {
		return entity.Record{}, entity.ErrNotFound
	}
	if rec.SchoolID != schoolID {
		return entity.Record{}, errors.Wrapf(entity.ErrAccessDenied, "%s/%s", kind, idOrLocalID)
	}
	return rec, nil
}

// enqueue queues `op` for rec, restoring `restore` locally if the queue rejects it.
// restore is nil when the record did not exist before the write.
func (svc *Service) enqueue(ctx context.Context, op syncqueue.Operation, rec entity.Record, restore *entity.Record) error {
	if _, err := svc.queue.Enqueue(ctx, syncqueue.NewAction(op, rec, now())); err != nil {
		var rbErr error
		if restore != nil {
			rbErr = svc.store.Put(context.WithoutCancel(ctx), *restore)
		} else {
			rbErr = svc.store.Delete(context.WithoutCancel(ctx), rec.Kind, rec.LocalID)
		}
		if rbErr != nil {
			return errors.Wrapf(err, "enqueuing %s (rollback failed: %v)", op, rbErr)
		}
		return errors.Wrapf(err, "enqueuing %s", op)
	}
	return nil
}

// Create validates the payload, stores a new pending record and queues its CREATE.
func (svc *Service) Create(ctx context.Context, schoolID string, kind entity.Kind, payload entity.Payload) (entity.Record, error) {
	if err := entity.CheckScope(kind, schoolID); err != nil {
		return entity.Record{}, err
	}
	if err := entity.Validate(svc.validate, svc.translator, kind, payload); err != nil {
		return entity.Record{}, err
	}

	ts := now()
	rec := entity.Record{
		LocalID:    uuid.NewString(),
		SchoolID:   schoolID,
		Kind:       kind,
		Data:       payload.Clone(),
		SyncStatus: entity.StatusPending,
		CreatedAt:  ts,
		UpdatedAt:  ts,
	}
	if err := svc.store.Put(ctx, rec); err != nil {
		return entity.Record{}, errors.Wrap(err, "storing record")
	}
	if err := svc.enqueue(ctx, syncqueue.OpCreate, rec, nil); err != nil {
		return entity.Record{}, err
	}
	return rec, nil
}

// Update merges partial into the record, flags it pending again and queues an UPDATE carrying the merged payload.
func (svc *Service) Update(ctx context.Context, schoolID string, kind entity.Kind, idOrLocalID string, partial entity.Payload) (entity.Record, error) {
	orig, err := svc.find(ctx, schoolID, kind, idOrLocalID)
	if err != nil {
		return entity.Record{}, err
	}

	merged := orig.Data.Merge(partial)
	if err = entity.Validate(svc.validate, svc.translator, kind, merged); err != nil {
		return entity.Record{}, err
	}

	rec := orig.Copy()
	rec.Data = merged
	rec.SyncStatus = entity.StatusPending
	rec.UpdatedAt = now()
	if !rec.UpdatedAt.After(orig.UpdatedAt) {
		// keep updatedAt strictly increasing for last-write-wins, even within one clock tick
		rec.UpdatedAt = orig.UpdatedAt.Add(time.Millisecond)
	}

	if err = svc.store.Put(ctx, rec); err != nil {
		return entity.Record{}, errors.Wrap(err, "storing record")
	}
	if err = svc.enqueue(ctx, syncqueue.OpUpdate, rec, &orig); err != nil {
		return entity.Record{}, err
	}
	return rec, nil
}

// Remove deletes the record locally (per the delete policy) and queues its DELETE.
// Removing a missing record is a no-op.
func (svc *Service) Remove(ctx context.Context, schoolID string, kind entity.Kind, idOrLocalID string) error {
	orig, err := svc.find(ctx, schoolID, kind, idOrLocalID)
	if errors.Is(err, entity.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	rec := orig.Copy()
	rec.UpdatedAt = now()
	if !rec.UpdatedAt.After(orig.UpdatedAt) {
		rec.UpdatedAt = orig.UpdatedAt.Add(time.Millisecond)
	}

	switch svc.policy {
	case entity.DeleteTombstone:
		rec.Deleted = true
		rec.SyncStatus = entity.StatusPending
		err = svc.store.Put(ctx, rec)
	default:
		err = svc.store.Delete(ctx, kind, rec.LocalID)
	}
	if err != nil {
		return errors.Wrap(err, "deleting record")
	}
	return svc.enqueue(ctx, syncqueue.OpDelete, rec, &orig)
}

// Get returns a live record of the school by local or server id.
func (svc *Service) Get(ctx context.Context, schoolID string, kind entity.Kind, idOrLocalID string) (entity.Record, error) {
	return svc.find(ctx, schoolID, kind, idOrLocalID)
}

func (svc *Service) Query(ctx context.Context, schoolID string, kind entity.Kind, filter entity.QueryFilter) ([]entity.Record, error) {
	return svc.store.Query(ctx, kind, schoolID, filter)
}

// Subscribe follows a query of the school. Callers must Unsubscribe.
func (svc *Service) Subscribe(ctx context.Context, schoolID string, kind entity.Kind, filter entity.QueryFilter) (*entity.Subscription, error) {
	return svc.store.Subscribe(ctx, kind, schoolID, filter)
}
