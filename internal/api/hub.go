package api

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// subscriberBuffer is how many undelivered messages a subscriber may lag
// behind before it is disconnected.
const subscriberBuffer = 64

type topic struct {
	tenant     string
	collection string
}

// subscriber is one open realtime feed.
type subscriber struct {
	msgs chan []byte
	// kicked is closed when the hub drops the subscriber.
	kicked chan struct{}
	once   sync.Once
	slow   bool
}

func (s *subscriber) kick(slow bool) {
	s.once.Do(func() {
		s.slow = slow
		close(s.kicked)
	})
}

// Hub fans change messages out to the subscribers of a tenant's collection.
// A subscriber that falls behind is dropped rather than allowed to block
// publishers; the client reconnects and receives a fresh snapshot.
type Hub struct {
	mu      sync.Mutex
	topics  map[topic]map[*subscriber]struct{}
	metrics *Metrics
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(m *Metrics) *Hub {
	return &Hub{topics: make(map[topic]map[*subscriber]struct{}), metrics: m}
}

// Subscribe registers a subscriber. The returned func unregisters it.
func (h *Hub) Subscribe(tenant, collection string) (*subscriber, func()) {
	sub := &subscriber{msgs: make(chan []byte, subscriberBuffer), kicked: make(chan struct{})}
	t := topic{tenant, collection}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.kick(false)
		return sub, func() {}
	}
	if h.topics[t] == nil {
		h.topics[t] = make(map[*subscriber]struct{})
	}
	h.topics[t][sub] = struct{}{}
	h.mu.Unlock()
	h.metrics.subscribers.Inc()

	return sub, func() {
		h.mu.Lock()
		if subs, ok := h.topics[t]; ok {
			if _, ok := subs[sub]; ok {
				delete(subs, sub)
				h.metrics.subscribers.Dec()
			}
			if len(subs) == 0 {
				delete(h.topics, t)
			}
		}
		h.mu.Unlock()
	}
}

// Publish sends msg to every subscriber of the tenant's collection.
func (h *Hub) Publish(tenant string, msg ChangeMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal change message", "err", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.topics[topic{tenant, msg.Collection}] {
		select {
		case sub.msgs <- data:
		default:
			sub.kick(true)
			h.metrics.slowDisconnects.Inc()
		}
	}
}

// Count returns the number of subscribers of a tenant's collection.
func (h *Hub) Count(tenant, collection string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic{tenant, collection}])
}

// Close disconnects every subscriber and refuses new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, subs := range h.topics {
		for sub := range subs {
			sub.kick(false)
		}
	}
}
