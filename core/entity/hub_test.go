package entity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memQuery is a minimal QueryFunc over a slice.
type memQuery struct {
	mu      sync.Mutex
	records []Record
}

func (m *memQuery) add(rec Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)
}

func (m *memQuery) query(_ context.Context, kind Kind, schoolID string, filter QueryFilter) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for _, rec := range m.records {
		if rec.Kind == kind && rec.SchoolID == schoolID && filter.Match(rec) {
			out = append(out, rec.Copy())
		}
	}
	return filter.Apply(out), nil
}

func next(t *testing.T, sub *Subscription) []Record {
	t.Helper()
	select {
	case snapshot, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return snapshot
	case <-time.After(time.Second):
		t.Fatal("no snapshot received")
		return nil
	}
}

func TestHub(t *testing.T) {
	ctx := context.Background()
	m := &memQuery{}
	hub := NewHub(m.query)

	m.add(Record{LocalID: "a", SchoolID: "s1", Kind: KindClass, Data: Payload{"name": "6A"}})

	sub, err := hub.Subscribe(ctx, KindClass, "s1", QueryFilter{})
	require.NoError(t, err)
	other, err := hub.Subscribe(ctx, KindClass, "s2", QueryFilter{})
	require.NoError(t, err)

	assert.Len(t, next(t, sub), 1, "initial snapshot")
	assert.Len(t, next(t, other), 0, "initial snapshot of another school")

	m.add(Record{LocalID: "b", SchoolID: "s1", Kind: KindClass, Data: Payload{"name": "6B"}})
	hub.Publish(ctx, KindClass, "s1")
	assert.Len(t, next(t, sub), 2)

	select {
	case <-other.C:
		t.Error("another school's subscription was notified")
	default:
	}

	// latest wins when the subscriber lags behind
	m.add(Record{LocalID: "c", SchoolID: "s1", Kind: KindClass, Data: Payload{"name": "6C"}})
	hub.Publish(ctx, KindClass, "s1")
	m.add(Record{LocalID: "d", SchoolID: "s1", Kind: KindClass, Data: Payload{"name": "6D"}})
	hub.Publish(ctx, KindClass, "s1")
	assert.Len(t, next(t, sub), 4)

	sub.Unsubscribe()
	sub.Unsubscribe()
	hub.Publish(ctx, KindClass, "s1") // no send on a closed channel
	_, ok := <-sub.C
	assert.False(t, ok)

	_, err = hub.Subscribe(ctx, KindClass, "", QueryFilter{})
	assert.ErrorIs(t, err, ErrNoSchool)
	_, err = hub.Subscribe(ctx, "lol", "s1", QueryFilter{})
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestHub_concurrentPublish(t *testing.T) {
	ctx := context.Background()
	m := &memQuery{}
	hub := NewHub(m.query)

	sub, err := hub.Subscribe(ctx, KindClass, "s1", QueryFilter{})
	require.NoError(t, err)
	defer sub.Unsubscribe()
	next(t, sub)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.add(Record{LocalID: time.Now().String(), SchoolID: "s1", Kind: KindClass})
			hub.Publish(ctx, KindClass, "s1")
		}()
	}
	wg.Wait()

	// the last delivered snapshot reflects every write
	assert.Len(t, next(t, sub), 20)
}
