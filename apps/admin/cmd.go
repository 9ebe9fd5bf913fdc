package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/jmoiron/sqlx"
	"gopkg.in/yaml.v3"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/accessor"
	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/syncengine"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

var errHelp = errors.New("help provided")

// connectivityChecker probes the remote service once.
type connectivityChecker interface {
	Check(ctx context.Context) bool
}

type commandLine struct {
	db       *sqlx.DB
	out      io.Writer
	accessor *accessor.Service
	engine   *syncengine.Engine
	ledger   syncqueue.Queue
	monitor  connectivityChecker
}

func (cli *commandLine) printUsage() {
	fmt.Fprintln(cli.out, "Usage:")
	fmt.Fprintln(cli.out, "  migrate COMMAND [ARGS]                              - run a goose command on the local store")
	fmt.Fprintln(cli.out, "  create -school ID -kind KIND -data JSON             - create a record and queue it")
	fmt.Fprintln(cli.out, "  update -school ID -kind KIND -id ID -data JSON      - merge JSON into a record and queue it")
	fmt.Fprintln(cli.out, "  remove -school ID -kind KIND -id ID                 - delete a record and queue it")
	fmt.Fprintln(cli.out, "  get -school ID -kind KIND -id ID                    - show a record")
	fmt.Fprintln(cli.out, "  list -school ID -kind KIND [filters]                - list records")
	fmt.Fprintln(cli.out, "  sync [-school ID]                                   - sync now (every school by default)")
	fmt.Fprintln(cli.out, "  pending [-school ID] [-attention]                   - list queued actions")
	fmt.Fprintln(cli.out, "  retry -action ID                                    - retry a failed action on the next sync")
	fmt.Fprintln(cli.out, "  discard -action ID                                  - drop a queued action for good")
	fmt.Fprintln(cli.out, "  status -school ID                                   - show the sync status of a school")
	fmt.Fprintln(cli.out, "Every command but migrate accepts -format json|yaml.")
}

// newFlagSet returns a flag set writing to the CLI output, with the shared -format flag.
func (cli *commandLine) newFlagSet(name string) (*flag.FlagSet, *string) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(cli.out)
	format := fs.String("format", "json", "Output format: json or yaml.")
	return fs, format
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errHelp
		}
		return err
	}
	return nil
}

// required prints the usage of fs and returns errHelp if any value is empty.
func required(fs *flag.FlagSet, values ...string) error {
	for _, v := range values {
		if v == "" {
			fs.Usage()
			return errHelp
		}
	}
	return nil
}

func (cli *commandLine) run(ctx context.Context, args []string) error {
	if len(args) < 2 {
		cli.printUsage()
		return errHelp
	}

	cmd, args := args[1], args[2:]
	switch cmd {
	case "migrate":
		if len(args) == 0 {
			cli.printUsage()
			return errHelp
		}
		return cli.migrate(ctx, args)

	case "create":
		fs, format := cli.newFlagSet(cmd)
		school := fs.String("school", "", "The school (tenant) id.")
		kind := fs.String("kind", "", "The record kind, eg. students.")
		data := fs.String("data", "", "The record payload, as a JSON object.")
		if err := parse(fs, args); err != nil {
			return err
		}
		if err := required(fs, *school, *kind, *data); err != nil {
			return err
		}
		return cli.create(ctx, *school, *kind, *data, *format)

	case "update":
		fs, format := cli.newFlagSet(cmd)
		school := fs.String("school", "", "The school (tenant) id.")
		kind := fs.String("kind", "", "The record kind, eg. students.")
		id := fs.String("id", "", "The record's local or server id.")
		data := fs.String("data", "", "The fields to change, as a JSON object. A null value removes the field.")
		if err := parse(fs, args); err != nil {
			return err
		}
		if err := required(fs, *school, *kind, *id, *data); err != nil {
			return err
		}
		return cli.update(ctx, *school, *kind, *id, *data, *format)

	case "remove", "get":
		fs, format := cli.newFlagSet(cmd)
		school := fs.String("school", "", "The school (tenant) id.")
		kind := fs.String("kind", "", "The record kind, eg. students.")
		id := fs.String("id", "", "The record's local or server id.")
		if err := parse(fs, args); err != nil {
			return err
		}
		if err := required(fs, *school, *kind, *id); err != nil {
			return err
		}
		if cmd == "remove" {
			return cli.remove(ctx, *school, *kind, *id)
		}
		return cli.get(ctx, *school, *kind, *id, *format)

	case "list":
		fs, format := cli.newFlagSet(cmd)
		school := fs.String("school", "", "The school (tenant) id.")
		kind := fs.String("kind", "", "The record kind, eg. students.")
		filter := listFilter{}
		fs.StringVar(&filter.classID, "class", "", "Only records of this class.")
		fs.StringVar(&filter.date, "date", "", "Only records of this day (YYYY-MM-DD).")
		fs.StringVar(&filter.from, "from", "", "Only records from this day on (YYYY-MM-DD).")
		fs.StringVar(&filter.to, "to", "", "Only records up to this day (YYYY-MM-DD).")
		fs.StringVar(&filter.status, "status", "", "Only records with this sync status: pending, synced or error.")
		fs.StringVar(&filter.ordering, "ordering", "", "Comma-separated fields, prefixed with '-' for descending order.")
		fs.IntVar(&filter.limit, "limit", 0, "Maximum number of records.")
		fs.BoolVar(&filter.deleted, "deleted", false, "Include records deleted locally but not yet synced.")
		if err := parse(fs, args); err != nil {
			return err
		}
		if err := required(fs, *school, *kind); err != nil {
			return err
		}
		return cli.list(ctx, *school, *kind, filter, *format)

	case "sync":
		fs, format := cli.newFlagSet(cmd)
		school := fs.String("school", "", "The school (tenant) id. Every school with queued actions by default.")
		if err := parse(fs, args); err != nil {
			return err
		}
		return cli.sync(ctx, *school, *format)

	case "pending":
		fs, format := cli.newFlagSet(cmd)
		school := fs.String("school", "", "The school (tenant) id. Every school by default.")
		attention := fs.Bool("attention", false, "Only actions that failed permanently.")
		if err := parse(fs, args); err != nil {
			return err
		}
		return cli.pending(ctx, *school, *attention, *format)

	case "retry", "discard":
		fs, _ := cli.newFlagSet(cmd)
		actionID := fs.String("action", "", "The queued action id.")
		if err := parse(fs, args); err != nil {
			return err
		}
		if err := required(fs, *actionID); err != nil {
			return err
		}
		if cmd == "retry" {
			return cli.retry(ctx, *actionID)
		}
		return cli.discard(ctx, *actionID)

	case "status":
		fs, format := cli.newFlagSet(cmd)
		school := fs.String("school", "", "The school (tenant) id.")
		if err := parse(fs, args); err != nil {
			return err
		}
		if err := required(fs, *school); err != nil {
			return err
		}
		return cli.status(ctx, *school, *format)

	default:
		cli.printUsage()
		return errHelp
	}
}

// render writes v to the CLI output as JSON or YAML.
func (cli *commandLine) render(v interface{}, format string) error {
	switch strings.ToLower(format) {
	case "", "json":
		enc := json.NewEncoder(cli.out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml", "yml":
		enc := yaml.NewEncoder(cli.out)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	return fmt.Errorf("unknown format %q", format)
}

// decodePayload reads a JSON object given on the command line.
func decodePayload(data string) (entity.Payload, error) {
	var payload entity.Payload
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("invalid -data: %w", err)
	}
	if payload == nil {
		return nil, errors.New("invalid -data: expected a JSON object")
	}
	return payload, nil
}

// errorText formats validation errors one field per line.
func errorText(err error) string {
	var verr *core.ValidationError
	if !errors.As(err, &verr) {
		return err.Error()
	}
	var sb strings.Builder
	sb.WriteString(verr.Error())
	for _, fe := range verr.Fields {
		sb.WriteString(fmt.Sprintf("\n  %s: %s", fe.Field, fe.Error))
	}
	return sb.String()
}
