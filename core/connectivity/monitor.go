package connectivity

import (
	"context"
	"sync"
	"time"

	"github.com/trezcool/masomo-offline/core"
)

var nowFunc = time.Now // mockable

// Prober checks whether the remote service is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) error

func (f ProberFunc) Probe(ctx context.Context) error { return f(ctx) }

// Event is an online/offline transition.
type Event struct {
	Online bool
	At     time.Time
}

type Options struct {
	ProbeInterval time.Duration
	ProbeTimeout  time.Duration
	// MinSyncInterval is the minimum delay between two syncs triggered by reconnects.
	MinSyncInterval time.Duration
	// OnReconnect is called on offline → online transitions, debounced by MinSyncInterval.
	OnReconnect func(ctx context.Context)
}

// Monitor tracks the online state and triggers a sync when connectivity comes back.
// It starts offline until told otherwise by Set or a probe.
type Monitor struct {
	prober Prober
	log    core.Logger
	opts   Options

	mu          sync.Mutex
	online      bool
	lastTrigger time.Time
	scheduled   *time.Timer
	nextSubID   int
	subs        map[int]func(Event)
	ctx         context.Context // passed to OnReconnect
}

func NewMonitor(prober Prober, logger core.Logger, opts Options) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 10 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Monitor{
		prober: prober,
		log:    logger,
		opts:   opts,
		subs:   make(map[int]func(Event)),
		ctx:    context.Background(),
	}
}

func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Subscribe registers fn for transitions. The returned function unsubscribes it.
func (m *Monitor) Subscribe(fn func(Event)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subs, id)
	}
}

// Set records the platform's connectivity signal.
func (m *Monitor) Set(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	evt := Event{Online: online, At: nowFunc()}
	subs := make([]func(Event), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	var trigger bool
	if online {
		trigger = m.debounce(evt.At)
	}
	ctx := m.ctx
	m.mu.Unlock()

	if online {
		m.log.Info("connectivity restored")
	} else {
		m.log.Warn("connectivity lost")
	}
	for _, fn := range subs {
		fn(evt)
	}
	if trigger {
		m.reconnected(ctx)
	}
}

// debounce decides whether a reconnect at `at` triggers right away. Otherwise, a single delayed trigger is
// scheduled for when MinSyncInterval has elapsed, fired only if still online by then. Must be called locked.
func (m *Monitor) debounce(at time.Time) bool {
	if m.opts.OnReconnect == nil {
		return false
	}
	elapsed := at.Sub(m.lastTrigger)
	if m.lastTrigger.IsZero() || elapsed >= m.opts.MinSyncInterval {
		m.lastTrigger = at
		return true
	}
	if m.scheduled != nil {
		return false
	}
	m.scheduled = time.AfterFunc(m.opts.MinSyncInterval-elapsed, func() {
		m.mu.Lock()
		m.scheduled = nil
		fire := m.online
		if fire {
			m.lastTrigger = nowFunc()
		}
		ctx := m.ctx
		m.mu.Unlock()

		if fire {
			m.reconnected(ctx)
		}
	})
	return false
}

func (m *Monitor) reconnected(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	go m.opts.OnReconnect(ctx)
}

// Check probes the remote service once and updates the state.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.opts.ProbeTimeout)
	defer cancel()

	err := m.prober.Probe(pctx)
	if err != nil && m.Online() {
		m.log.Debug("probe failed", err)
	}
	m.Set(err == nil)
	return err == nil
}

// Run probes the remote service every ProbeInterval until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		if m.scheduled != nil {
			m.scheduled.Stop()
			m.scheduled = nil
		}
		m.mu.Unlock()
	}()

	ticker := time.NewTicker(m.opts.ProbeInterval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
