package main

import (
	"context"
	"errors"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/entity"
)

type listFilter struct {
	classID, date, from, to, status, ordering string
	limit                                     int
	deleted                                   bool
}

func (f listFilter) queryFilter() (entity.QueryFilter, error) {
	qf := entity.QueryFilter{
		ClassID:        core.CleanString(f.classID),
		Date:           core.CleanString(f.date),
		DateFrom:       core.CleanString(f.from),
		DateTo:         core.CleanString(f.to),
		IncludeDeleted: f.deleted,
		Ordering:       core.ParseOrdering(f.ordering),
		Limit:          f.limit,
	}
	switch status := entity.SyncStatus(core.CleanString(f.status, true /* lower */)); status {
	case "", entity.StatusPending, entity.StatusSynced, entity.StatusError:
		qf.SyncStatus = status
	default:
		return qf, errors.New("invalid -status: " + f.status)
	}
	return qf, nil
}

func (cli *commandLine) create(ctx context.Context, schoolID, kind, data, format string) error {
	k, err := entity.ParseKind(kind)
	if err != nil {
		return err
	}
	payload, err := decodePayload(data)
	if err != nil {
		return err
	}
	rec, err := cli.accessor.Create(ctx, schoolID, k, payload)
	if err != nil {
		return errors.New(errorText(err))
	}
	return cli.render(rec, format)
}

func (cli *commandLine) update(ctx context.Context, schoolID, kind, id, data, format string) error {
	k, err := entity.ParseKind(kind)
	if err != nil {
		return err
	}
	partial, err := decodePayload(data)
	if err != nil {
		return err
	}
	rec, err := cli.accessor.Update(ctx, schoolID, k, id, partial)
	if err != nil {
		if errors.Is(err, entity.ErrNotFound) {
			return err
		}
		return errors.New(errorText(err))
	}
	return cli.render(rec, format)
}

func (cli *commandLine) remove(ctx context.Context, schoolID, kind, id string) error {
	k, err := entity.ParseKind(kind)
	if err != nil {
		return err
	}
	return cli.accessor.Remove(ctx, schoolID, k, id)
}

func (cli *commandLine) get(ctx context.Context, schoolID, kind, id, format string) error {
	k, err := entity.ParseKind(kind)
	if err != nil {
		return err
	}
	rec, err := cli.accessor.Get(ctx, schoolID, k, id)
	if err != nil {
		return err
	}
	return cli.render(rec, format)
}

func (cli *commandLine) list(ctx context.Context, schoolID, kind string, filter listFilter, format string) error {
	k, err := entity.ParseKind(kind)
	if err != nil {
		return err
	}
	qf, err := filter.queryFilter()
	if err != nil {
		return err
	}
	records, err := cli.accessor.Query(ctx, schoolID, k, qf)
	if err != nil {
		return err
	}
	if records == nil {
		records = []entity.Record{}
	}
	return cli.render(records, format)
}
