package entity

import (
	"context"
	"sync"
)

// QueryFunc evaluates a subscription's query.
type QueryFunc func(ctx context.Context, kind Kind, schoolID string, filter QueryFilter) ([]Record, error)

type hubKey struct {
	kind     Kind
	schoolID string
}

// Hub fans change notifications out to subscriptions. Stores embed one and Publish after each write.
type Hub struct {
	mu    sync.Mutex
	pubMu sync.Mutex // snapshots are delivered in publish order
	query QueryFunc
	subs  map[hubKey]map[*Subscription]struct{}
}

func NewHub(query QueryFunc) *Hub {
	return &Hub{query: query, subs: make(map[hubKey]map[*Subscription]struct{})}
}

// Subscription receives query snapshots on C. Only the latest undelivered snapshot is kept.
// C is closed by Unsubscribe.
type Subscription struct {
	C <-chan []Record

	c      chan []Record
	hub    *Hub
	key    hubKey
	filter QueryFilter
	closed bool
}

// Subscribe registers a subscription and delivers the current snapshot right away.
func (hub *Hub) Subscribe(ctx context.Context, kind Kind, schoolID string, filter QueryFilter) (*Subscription, error) {
	if err := CheckScope(kind, schoolID); err != nil {
		return nil, err
	}
	hub.pubMu.Lock()
	defer hub.pubMu.Unlock()

	snapshot, err := hub.query(ctx, kind, schoolID, filter)
	if err != nil {
		return nil, err
	}

	c := make(chan []Record, 1)
	sub := &Subscription{C: c, c: c, hub: hub, key: hubKey{kind, schoolID}, filter: filter}
	c <- snapshot

	hub.mu.Lock()
	defer hub.mu.Unlock()
	if hub.subs[sub.key] == nil {
		hub.subs[sub.key] = make(map[*Subscription]struct{})
	}
	hub.subs[sub.key][sub] = struct{}{}
	return sub, nil
}

// Publish re-evaluates every subscription on (kind, schoolID).
func (hub *Hub) Publish(ctx context.Context, kind Kind, schoolID string) {
	key := hubKey{kind, schoolID}
	hub.pubMu.Lock()
	defer hub.pubMu.Unlock()

	hub.mu.Lock()
	subs := make([]*Subscription, 0, len(hub.subs[key]))
	for sub := range hub.subs[key] {
		subs = append(subs, sub)
	}
	hub.mu.Unlock()

	for _, sub := range subs {
		snapshot, err := hub.query(ctx, kind, schoolID, sub.filter)
		if err != nil {
			continue
		}
		hub.deliver(sub, snapshot)
	}
}

func (hub *Hub) deliver(sub *Subscription, snapshot []Record) {
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if sub.closed {
		return
	}
	select {
	case sub.c <- snapshot:
	default:
		// replace the stale snapshot
		select {
		case <-sub.c:
		default:
		}
		sub.c <- snapshot
	}
}

func (sub *Subscription) Unsubscribe() {
	hub := sub.hub
	hub.mu.Lock()
	defer hub.mu.Unlock()
	if sub.closed {
		return
	}
	sub.closed = true
	delete(hub.subs[sub.key], sub)
	if len(hub.subs[sub.key]) == 0 {
		delete(hub.subs, sub.key)
	}
	close(sub.c)
}
