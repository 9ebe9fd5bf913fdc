package connectivity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/trezcool/masomo-offline/tests"
)

type counter struct {
	n atomic.Int32
}

func (c *counter) onReconnect(context.Context) { c.n.Add(1) }

func (c *counter) eventually(t *testing.T, want int32) {
	t.Helper()
	assert.Eventually(t, func() bool { return c.n.Load() == want }, time.Second, 5*time.Millisecond,
		"reconnect triggers = %d, want %d", c.n.Load(), want)
}

func (c *counter) stays(t *testing.T, want int32, d time.Duration) {
	t.Helper()
	assert.Never(t, func() bool { return c.n.Load() != want }, d, 5*time.Millisecond,
		"reconnect triggers = %d, want %d", c.n.Load(), want)
}

func newTestMonitor(prober Prober, minInterval time.Duration, c *counter) *Monitor {
	return NewMonitor(prober, testutil.NewLogger(), Options{
		ProbeInterval:   10 * time.Millisecond,
		ProbeTimeout:    50 * time.Millisecond,
		MinSyncInterval: minInterval,
		OnReconnect:     c.onReconnect,
	})
}

func TestMonitor_transitions(t *testing.T) {
	c := &counter{}
	m := newTestMonitor(nil, 0, c)

	var (
		mu     sync.Mutex
		events []bool
	)
	unsubscribe := m.Subscribe(func(evt Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, evt.Online)
	})

	assert.False(t, m.Online(), "starts offline")
	m.Set(false) // no transition
	m.Set(true)
	m.Set(true) // no transition
	assert.True(t, m.Online())
	m.Set(false)
	assert.False(t, m.Online())

	unsubscribe()
	m.Set(true)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, events)
	mu.Unlock()
	c.eventually(t, 2)
}

func TestMonitor_debounce(t *testing.T) {
	t.Run("flaps within the interval trigger once more, when it elapses", func(t *testing.T) {
		c := &counter{}
		m := newTestMonitor(nil, 100*time.Millisecond, c)

		m.Set(true)
		c.eventually(t, 1)

		for i := 0; i < 5; i++ {
			m.Set(false)
			m.Set(true)
		}
		c.stays(t, 1, 50*time.Millisecond)
		c.eventually(t, 2)
		c.stays(t, 2, 150*time.Millisecond)
	})

	t.Run("delayed trigger dropped when offline again", func(t *testing.T) {
		c := &counter{}
		m := newTestMonitor(nil, 50*time.Millisecond, c)

		m.Set(true)
		c.eventually(t, 1)
		m.Set(false)
		m.Set(true)
		m.Set(false)
		c.stays(t, 1, 150*time.Millisecond)
	})

	t.Run("reconnect after the interval triggers right away", func(t *testing.T) {
		c := &counter{}
		m := newTestMonitor(nil, 20*time.Millisecond, c)

		m.Set(true)
		c.eventually(t, 1)
		m.Set(false)
		time.Sleep(30 * time.Millisecond)
		m.Set(true)
		c.eventually(t, 2)
	})
}

func TestMonitor_Check(t *testing.T) {
	var down atomic.Bool
	prober := ProberFunc(func(ctx context.Context) error {
		if down.Load() {
			return errors.New("unreachable")
		}
		return nil
	})
	c := &counter{}
	m := newTestMonitor(prober, 0, c)

	assert.True(t, m.Check(context.Background()))
	assert.True(t, m.Online())

	down.Store(true)
	assert.False(t, m.Check(context.Background()))
	assert.False(t, m.Online())
	c.eventually(t, 1)
}

func TestMonitor_CheckTimeout(t *testing.T) {
	prober := ProberFunc(func(ctx context.Context) error {
		<-ctx.Done() // hangs until the probe timeout
		return ctx.Err()
	})
	m := newTestMonitor(prober, 0, &counter{})

	start := time.Now()
	assert.False(t, m.Check(context.Background()))
	assert.Less(t, time.Since(start), time.Second)
}

func TestMonitor_Run(t *testing.T) {
	var down atomic.Bool
	down.Store(true)
	prober := ProberFunc(func(context.Context) error {
		if down.Load() {
			return errors.New("unreachable")
		}
		return nil
	})
	c := &counter{}
	m := newTestMonitor(prober, 0, c)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Run(ctx)
	}()

	c.stays(t, 0, 30*time.Millisecond)
	down.Store(false)
	c.eventually(t, 1)
	assert.True(t, m.Online())

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run() did not return on cancel")
	}
}
