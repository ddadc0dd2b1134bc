package backend

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"transactor-client/internal/domain"
)

// DefaultBroadcastCapacity is the per-receiver buffer size.
const DefaultBroadcastCapacity = 128

// Hub fans out server-pushed transactions to every Receiver. Publish never
// blocks: when a receiver's buffer is full its oldest item is dropped and
// counted as lag.
type Hub struct {
	mu        sync.RWMutex
	receivers map[uint64]*Receiver
	nextID    uint64
	capacity  int
	closed    bool
}

// NewHub creates a hub whose receivers buffer capacity items each.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultBroadcastCapacity
	}
	return &Hub{
		receivers: make(map[uint64]*Receiver),
		capacity:  capacity,
	}
}

// Subscribe registers a new receiver. A receiver subscribed after Close
// reports ErrSubscriptionClosed right away.
func (h *Hub) Subscribe() *Receiver {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := &Receiver{hub: h, ch: make(chan json.RawMessage, h.capacity)}
	if h.closed {
		r.done = true
		close(r.ch)
		return r
	}
	h.nextID++
	r.id = h.nextID
	h.receivers[r.id] = r
	return r
}

// Publish delivers item to every receiver without blocking.
func (h *Hub) Publish(item json.RawMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for _, r := range h.receivers {
		r.push(item)
	}
}

// Len returns the number of live receivers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.receivers)
}

// Close ends every receiver's stream once its buffer drains. Idempotent.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, r := range h.receivers {
		r.done = true
		close(r.ch)
		delete(h.receivers, id)
	}
}

func (h *Hub) remove(r *Receiver) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r.done {
		return
	}
	r.done = true
	delete(h.receivers, r.id)
	close(r.ch)
}

// Receiver is one subscriber's view of the hub.
type Receiver struct {
	hub    *Hub
	id     uint64
	ch     chan json.RawMessage
	lagged atomic.Uint64
	done   bool // guarded by hub.mu
}

// push evicts from the front until item fits.
func (r *Receiver) push(item json.RawMessage) {
	for {
		select {
		case r.ch <- item:
			return
		default:
		}
		select {
		case <-r.ch:
			r.lagged.Add(1)
		default:
		}
	}
}

// Recv returns the next item. If items were dropped since the last call it
// first returns a *domain.LaggedError carrying the count, once. Dropped items
// are always the oldest, so everything still buffered after a lag is newer
// than the gap. After the hub closes and the buffer is drained it returns
// domain.ErrSubscriptionClosed.
func (r *Receiver) Recv(ctx context.Context) (json.RawMessage, error) {
	if n := r.lagged.Swap(0); n > 0 {
		return nil, &domain.LaggedError{Skipped: n}
	}
	select {
	case item, ok := <-r.ch:
		if !ok {
			return nil, domain.ErrSubscriptionClosed
		}
		return item, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes the receiver. Idempotent.
func (r *Receiver) Close() {
	r.hub.remove(r)
}
