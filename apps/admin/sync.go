package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/trezcool/masomo-offline/core/syncengine"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

var errOffline = errors.New("remote service unreachable: sync skipped")

type schoolStatus struct {
	syncengine.State `yaml:",inline"`
	Pending          int                `json:"pending" yaml:"pending"`
	NeedsAttention   []syncqueue.Action `json:"needsAttention" yaml:"needsAttention"`
}

func (cli *commandLine) sync(ctx context.Context, schoolID, format string) error {
	cli.monitor.Check(ctx)

	var schools []string
	if schoolID != "" {
		schools = append(schools, schoolID)
	}
	res := cli.engine.SyncNow(ctx, schools...)
	if err := cli.render(res, format); err != nil {
		return err
	}

	switch {
	case res.Skipped:
		return errOffline
	case !res.Success:
		return fmt.Errorf("sync finished with %d error(s)", len(res.Errors))
	}
	return nil
}

func (cli *commandLine) pending(ctx context.Context, schoolID string, attention bool, format string) error {
	var (
		actions []syncqueue.Action
		err     error
	)
	if attention {
		actions, err = syncqueue.NeedsAttention(ctx, cli.ledger, schoolID)
	} else {
		actions, err = cli.ledger.List(ctx, schoolID)
	}
	if err != nil {
		return err
	}
	if actions == nil {
		actions = []syncqueue.Action{}
	}
	return cli.render(actions, format)
}

func (cli *commandLine) retry(ctx context.Context, actionID string) error {
	return cli.engine.Retry(ctx, actionID)
}

func (cli *commandLine) discard(ctx context.Context, actionID string) error {
	return cli.engine.Discard(ctx, actionID)
}

func (cli *commandLine) status(ctx context.Context, schoolID, format string) error {
	pending, err := cli.engine.PendingCount(ctx, schoolID)
	if err != nil {
		return err
	}
	flagged, err := cli.engine.NeedsAttention(ctx, schoolID)
	if err != nil {
		return err
	}
	if flagged == nil {
		flagged = []syncqueue.Action{}
	}
	return cli.render(schoolStatus{
		State:          cli.engine.Status(schoolID),
		Pending:        pending,
		NeedsAttention: flagged,
	}, format)
}
