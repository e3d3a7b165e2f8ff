// Package registry deduplicates upstream candle-stream subscriptions: any
// number of client evaluators referencing the same stream identifier share
// one physical upstream connection and its pump goroutine.
package registry

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"candlexpr/internal/apperr"
	"candlexpr/internal/metrics"
)

// entry is one upstream subscription: a reference count of attached
// evaluators and a copy-on-write subscriber list read lock-free by the pump's
// fan-out loop. Writers (Subscribe/Release) hold mu while replacing the
// slice; the pump never needs mu to read it.
type entry struct {
	mu       sync.Mutex
	refcount int
	subs     atomic.Pointer[[]*SubscriberChannel]
	cancel   func()
	closed   bool
}

// markTornDown reports whether this call is the one that transitions the
// entry from live to torn down. Both Release (voluntary last-subscriber
// release) and the pump's own deferred cleanup (upstream read error or a
// close caused by Release's e.cancel()) reach this for the same entry, in
// either order; whichever runs first performs the once-only gauge/health
// bookkeeping, and the other is a no-op.
func (e *entry) markTornDown() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.closed = true
	return true
}

func (e *entry) loadSubs() []*SubscriberChannel {
	p := e.subs.Load()
	if p == nil {
		return nil
	}
	return *p
}

func (e *entry) addSub(s *SubscriberChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.loadSubs()
	next := make([]*SubscriberChannel, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, s)
	e.subs.Store(&next)
}

func (e *entry) removeSub(s *SubscriberChannel) {
	e.mu.Lock()
	defer e.mu.Unlock()
	cur := e.loadSubs()
	next := make([]*SubscriberChannel, 0, len(cur))
	for _, existing := range cur {
		if existing != s {
			next = append(next, existing)
		}
	}
	e.subs.Store(&next)
}

// Registry is the process-wide stream-identifier -> upstream-subscription
// map. Concurrent access is serialized by one reader/writer lock; the
// critical section under the write lock is strictly short — map mutation
// and refcount bookkeeping only, never upstream I/O.
type Registry struct {
	upstreamURL    string
	connectTimeout time.Duration
	metrics        *metrics.Metrics
	health         *metrics.HealthStatus

	mu      sync.RWMutex
	entries map[string]*entry
}

func New(upstreamURL string, connectTimeout time.Duration, m *metrics.Metrics, health *metrics.HealthStatus) *Registry {
	return &Registry{
		upstreamURL:    upstreamURL,
		connectTimeout: connectTimeout,
		metrics:        m,
		health:         health,
		entries:        make(map[string]*entry),
	}
}

// Subscribe returns a fresh SubscriberChannel delivering candles for stream
// id. If no upstream subscription exists yet for id, one is dialed and a
// pump goroutine is spawned; otherwise the existing subscription's refcount
// is incremented and the new channel attaches to its fan-out. reqID and
// method are the triggering client request's id/method, carried verbatim
// into the upstream SUBSCRIBE frame when a fresh dial is needed.
func (r *Registry) Subscribe(id string, reqID uint32, method string) (*SubscriberChannel, error) {
	sub := newSubscriberChannel()

	r.mu.Lock()
	e, exists := r.entries[id]
	if exists {
		e.mu.Lock()
		e.refcount++
		e.mu.Unlock()
	} else {
		// The entry is published before dialing, so a concurrent Subscribe
		// for the same id attaches here instead of opening a second upstream.
		e = &entry{refcount: 1}
		r.entries[id] = e
	}
	e.addSub(sub)
	r.mu.Unlock()

	if exists {
		return sub, nil
	}

	conn, err := dialUpstream(r.upstreamURL, id, reqID, method, r.connectTimeout)
	if err != nil {
		err = fmt.Errorf("registry: subscribe %s: %w", id, err)
		r.mu.Lock()
		if r.entries[id] == e {
			delete(r.entries, id)
		}
		r.mu.Unlock()
		failAll(e, err)
		if r.health != nil {
			r.health.SetUpstreamReachable(false)
		}
		return nil, err
	}

	if r.metrics != nil {
		r.metrics.UpstreamConnectsTotal.Inc()
		r.metrics.ActiveUpstreamsGauge.Inc()
	}
	if r.health != nil {
		r.health.SetUpstreamReachable(true)
		r.health.IncActiveUpstreams()
	}

	go r.runPump(id, e, conn)

	return sub, nil
}

// Release detaches sub from stream id. When the last subscriber releases,
// the entry is removed immediately — so a concurrent Subscribe for the same
// id dials a fresh upstream instead of racing the dying one — and the
// upstream connection is canceled. The pump's own deferred teardown (see
// runPump) also attempts the same map removal, idempotently, to cover the
// case where the upstream itself failed rather than being released; either
// path performs the once-only gauge/health bookkeeping via
// entry.markTornDown.
func (r *Registry) Release(id string, sub *SubscriberChannel) error {
	r.mu.Lock()
	e, exists := r.entries[id]
	if !exists {
		r.mu.Unlock()
		return fmt.Errorf("registry: release %s: %w", id, apperr.ErrKeyNotFound)
	}

	e.removeSub(sub)

	e.mu.Lock()
	e.refcount--
	last := e.refcount <= 0
	e.mu.Unlock()

	if !last {
		r.mu.Unlock()
		return nil
	}

	delete(r.entries, id)
	r.mu.Unlock()

	if e.cancel != nil {
		e.cancel()
	}
	if e.markTornDown() {
		if r.metrics != nil {
			r.metrics.ActiveUpstreamsGauge.Dec()
		}
		if r.health != nil {
			r.health.DecActiveUpstreams()
		}
	}
	slog.Info("registry: stream released, upstream closed", "stream", id)
	return nil
}
