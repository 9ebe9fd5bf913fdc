package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/trezcool/masomo-offline/core"
	"github.com/trezcool/masomo-offline/core/entity"
	"github.com/trezcool/masomo-offline/core/remote"
	"github.com/trezcool/masomo-offline/core/syncqueue"
)

var nowFunc = time.Now // mockable

func now() time.Time { return nowFunc().UTC() }

type (
	// Connectivity reports whether the remote service is reachable.
	Connectivity interface {
		Online() bool
	}

	// Observer is notified around every school's sync cycle.
	Observer interface {
		SyncStarted(schoolID string)
		SyncFinished(schoolID string, res Result, elapsed time.Duration)
	}

	Options struct {
		CallTimeout  time.Duration // per remote call, expiry takes the transient path
		Concurrency  int           // schools synced in parallel
		BackoffMin   time.Duration
		BackoffMax   time.Duration
		DeletePolicy entity.DeletePolicy
		Pull         bool // fold server-side changes back after a clean push
	}
)

func (opts Options) withDefaults() Options {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 15 * time.Second
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 2 * time.Second
	}
	if opts.BackoffMax < opts.BackoffMin {
		opts.BackoffMax = opts.BackoffMin
	}
	if opts.DeletePolicy == "" {
		opts.DeletePolicy = entity.DeleteImmediately
	}
	return opts
}

// Engine moves queued local mutations to the remote service and folds server changes back.
// At most one cycle runs per school, concurrent callers share its result.
type Engine struct {
	store  entity.Store
	ledger syncqueue.Ledger
	remote remote.Service
	conn   Connectivity
	log    core.Logger
	opts   Options

	group singleflight.Group

	// cycles run on the engine's lifetime, not on the caller that started them
	lifetime context.Context
	stop     context.CancelFunc

	mu     sync.Mutex
	states map[string]*State

	obsMu     sync.RWMutex
	observers []Observer
}

func New(
	store entity.Store,
	ledger syncqueue.Ledger,
	rmt remote.Service,
	conn Connectivity,
	logger core.Logger,
	opts Options,
) *Engine {
	lifetime, stop := context.WithCancel(context.Background())
	return &Engine{
		store:    store,
		ledger:   ledger,
		remote:   rmt,
		conn:     conn,
		log:      logger,
		opts:     opts.withDefaults(),
		lifetime: lifetime,
		stop:     stop,
		states:   make(map[string]*State),
	}
}

// Close aborts the running cycles at their next step. Entries they did not send stay queued.
func (e *Engine) Close() {
	e.stop()
}

func (e *Engine) AddObserver(obs Observer) {
	e.obsMu.Lock()
	defer e.obsMu.Unlock()
	e.observers = append(e.observers, obs)
}

// SyncNow syncs the given schools, or every school with queued work if none is given.
// Entries waiting for their backoff are attempted right away.
// It returns immediately with a skipped result when offline.
func (e *Engine) SyncNow(ctx context.Context, schoolIDs ...string) Result {
	return e.sync(ctx, true, schoolIDs)
}

// AutoSync syncs every school with queued work, leaving entries in backoff for a later cycle.
// Used on reconnect and by the periodic schedule.
func (e *Engine) AutoSync(ctx context.Context) Result {
	return e.sync(ctx, false, nil)
}

// Trigger runs SyncNow in the background. The channel receives the result then is closed.
func (e *Engine) Trigger(ctx context.Context, schoolIDs ...string) <-chan Result {
	ch := make(chan Result, 1)
	go func() {
		defer close(ch)
		ch <- e.SyncNow(ctx, schoolIDs...)
	}()
	return ch
}

func (e *Engine) sync(ctx context.Context, forced bool, schoolIDs []string) Result {
	if !e.conn.Online() {
		return Result{Skipped: true}
	}

	if len(schoolIDs) == 0 {
		tenants, err := e.ledger.Tenants(ctx)
		if err != nil {
			e.log.Error("listing tenants", errors.Wrap(err, "sync"))
			return Result{FailedCount: 1, Errors: []ItemError{systemError("", err)}}
		}
		schoolIDs = tenants
	}

	results := make([]Result, len(schoolIDs))
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, schoolID := range schoolIDs {
		g.Go(func() error {
			results[i] = e.syncSchool(ctx, schoolID, forced)
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Schools: make([]string, 0, len(schoolIDs))}
	for _, r := range results {
		res.add(r)
	}
	res.Success = len(res.Errors) == 0
	return res
}

// syncSchool coalesces concurrent cycles of one school. A caller giving up leaves the cycle running
// for the others; only Close aborts it.
func (e *Engine) syncSchool(ctx context.Context, schoolID string, forced bool) Result {
	ch := e.group.DoChan(schoolID, func() (interface{}, error) {
		cctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		defer cancel()
		defer context.AfterFunc(e.lifetime, cancel)()
		return e.runCycle(cctx, schoolID, forced), nil
	})
	select {
	case r := <-ch:
		return r.Val.(Result)
	case <-ctx.Done():
		return Result{
			Schools: []string{schoolID},
			Errors:  []ItemError{systemError(schoolID, errors.Wrap(ctx.Err(), "waiting for sync"))},
		}
	}
}

func (e *Engine) runCycle(ctx context.Context, schoolID string, forced bool) Result {
	start := time.Now()
	e.setPhase(schoolID, PhaseSyncing, nil)
	e.notifyStarted(schoolID)

	res := Result{Schools: []string{schoolID}}
	if clean := e.push(ctx, schoolID, forced, &res); clean && e.opts.Pull {
		e.pull(ctx, schoolID, &res)
	}

	pending, err := e.ledger.PendingCount(context.WithoutCancel(ctx), schoolID)
	if err != nil {
		res.Errors = append(res.Errors, systemError(schoolID, err))
	}
	res.PendingCount = pending
	res.Success = len(res.Errors) == 0

	elapsed := time.Since(start)
	e.setPhase(schoolID, PhaseIdle, &res)
	e.notifyFinished(schoolID, res, elapsed)

	fields := core.LogFields{
		"school":  schoolID,
		"synced":  res.SyncedCount,
		"failed":  res.FailedCount,
		"held":    res.HeldCount,
		"pulled":  res.PulledCount,
		"pending": res.PendingCount,
		"elapsed": elapsed.String(),
	}
	if res.Success {
		e.log.Info("sync finished", fields)
	} else {
		fields["errors"] = len(res.Errors)
		e.log.Warn("sync finished with errors", fields)
	}
	return res
}

func (e *Engine) setPhase(schoolID string, phase Phase, res *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	st, ok := e.states[schoolID]
	if !ok {
		st = &State{SchoolID: schoolID}
		e.states[schoolID] = st
	}
	st.Phase = phase
	if res != nil {
		st.LastSyncAt = now()
		st.LastResult = res
		st.LastOutcome = OutcomeSuccess
		if !res.Success {
			st.LastOutcome = OutcomeError
		}
	}
}

// Status returns the sync state of a school.
func (e *Engine) Status(schoolID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.states[schoolID]; ok {
		cp := *st
		return cp
	}
	return State{SchoolID: schoolID, Phase: PhaseIdle}
}

// PendingCount is the number of queued entries of a school, as shown on pending badges.
func (e *Engine) PendingCount(ctx context.Context, schoolID string) (int, error) {
	return e.ledger.PendingCount(ctx, schoolID)
}

// NeedsAttention returns the school's entries that failed permanently.
func (e *Engine) NeedsAttention(ctx context.Context, schoolID string) ([]syncqueue.Action, error) {
	return syncqueue.NeedsAttention(ctx, e.ledger, schoolID)
}

// Retry clears the failure state of an entry so the next cycle attempts it again.
func (e *Engine) Retry(ctx context.Context, actionID string) error {
	act, err := e.ledger.Get(ctx, actionID)
	if err != nil {
		return err
	}
	if err = e.ledger.Reset(ctx, actionID); err != nil {
		return err
	}
	if act.Operation == syncqueue.OpDelete && e.opts.DeletePolicy == entity.DeleteTombstone {
		e.bury(ctx, act) // hidden again until the DELETE is confirmed
		return nil
	}
	e.setRecordStatus(ctx, act, entity.StatusPending)
	return nil
}

// Discard drops an entry for good. A discarded DELETE leaves its tombstone restored.
func (e *Engine) Discard(ctx context.Context, actionID string) error {
	act, err := e.ledger.Get(ctx, actionID)
	if err != nil {
		return err
	}
	if err = e.ledger.Acknowledge(ctx, actionID); err != nil {
		return err
	}
	e.log.Warn("queue entry discarded", core.LogFields{
		"action": act.ActionID, "operation": act.Operation, "kind": act.Kind, "localId": act.LocalID,
	})
	if act.Operation == syncqueue.OpDelete {
		e.restore(ctx, act, entity.StatusError)
	}
	return nil
}

func (e *Engine) notifyStarted(schoolID string) {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for _, obs := range e.observers {
		obs.SyncStarted(schoolID)
	}
}

func (e *Engine) notifyFinished(schoolID string, res Result, elapsed time.Duration) {
	e.obsMu.RLock()
	defer e.obsMu.RUnlock()
	for _, obs := range e.observers {
		obs.SyncFinished(schoolID, res, elapsed)
	}
}
