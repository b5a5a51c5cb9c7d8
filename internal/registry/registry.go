// Package registry owns the set of live back-channel connections and the
// request_id -> event queue mapping.
//
// DESIGN: In practice exactly one logical bridge connection is active at a
// time; the registry stores a set for forward compatibility. Inbound frames
// are demultiplexed by request_id into per-request event queues. A
// disconnect arms a grace timer: if a new connection registers inside the
// window the disconnect is treated as continuity, otherwise every
// outstanding queue is closed and the confirmed-lost hook fires.
package registry

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/relayforge/webrelay/internal/eventqueue"
	"github.com/relayforge/webrelay/internal/wire"
)

// ErrNoChannel is returned when a forward is attempted with no bridge
// connection registered.
var ErrNoChannel = errors.New("registry: no active back-channel")

// Channel is one back-channel connection. Implemented by the WebSocket
// bridge endpoint; tests supply fakes.
type Channel interface {
	// Send writes one JSON frame to the worker.
	Send(ctx context.Context, payload any) error
	// Close tears the connection down.
	Close() error
}

// Registry demultiplexes inbound events and tracks live channels.
type Registry struct {
	graceWindow time.Duration

	mu         sync.Mutex
	channels   []Channel
	generation uint64
	queues     map[string]*eventqueue.Queue
	graceTimer *time.Timer

	// onConfirmedLost runs after the grace window elapses with no
	// replacement connection. Set once before use.
	onConfirmedLost func()
}

// New creates a registry with the given reconnect grace window.
func New(graceWindow time.Duration) *Registry {
	return &Registry{
		graceWindow: graceWindow,
		queues:      make(map[string]*eventqueue.Queue),
	}
}

// OnConfirmedLost registers the hook invoked when a disconnect outlives the
// grace window.
func (r *Registry) OnConfirmedLost(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onConfirmedLost = fn
}

// Add registers a new back-channel connection and cancels any pending
// grace timer.
func (r *Registry) Add(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.graceTimer != nil {
		r.graceTimer.Stop()
		r.graceTimer = nil
		log.Info().Msg("bridge reconnected within grace window")
	}
	r.channels = append(r.channels, ch)
	r.generation++
	log.Info().Int("channels", len(r.channels)).Uint64("generation", r.generation).
		Msg("back-channel registered")
}

// Remove deregisters a connection (normally from its read loop on close)
// and arms the grace timer if no channels remain.
func (r *Registry) Remove(ch Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, cand := range r.channels {
		if cand == ch {
			r.channels = append(r.channels[:i], r.channels[i+1:]...)
			break
		}
	}
	if len(r.channels) > 0 || r.graceTimer != nil {
		return
	}
	log.Warn().Dur("grace_window", r.graceWindow).Msg("back-channel lost, starting grace timer")
	r.graceTimer = time.AfterFunc(r.graceWindow, r.confirmLost)
}

// confirmLost runs when the grace window elapses: all outstanding queues
// are closed exactly once and the hook is notified.
func (r *Registry) confirmLost() {
	r.mu.Lock()
	if r.graceTimer == nil {
		r.mu.Unlock()
		return
	}
	r.graceTimer = nil
	queues := make([]*eventqueue.Queue, 0, len(r.queues))
	for id, q := range r.queues {
		queues = append(queues, q)
		delete(r.queues, id)
	}
	hook := r.onConfirmedLost
	r.mu.Unlock()

	log.Error().Int("orphaned_requests", len(queues)).Msg("back-channel confirmed lost")
	for _, q := range queues {
		q.Close()
	}
	if hook != nil {
		hook()
	}
}

// HasActiveChannel reports whether a bridge connection is registered.
func (r *Registry) HasActiveChannel() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels) > 0
}

// Generation returns a counter incremented on every connection
// registration. Rebind logic snapshots it before killing a worker so the
// dying predecessor connection is never mistaken for the replacement.
func (r *Registry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// HasChannelSince reports whether a connection newer than the generation
// snapshot is currently registered.
func (r *Registry) HasChannelSince(gen uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels) > 0 && r.generation > gen
}

// first returns the single meaningful channel under the cardinality<=1
// assumption.
func (r *Registry) first() Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.channels) == 0 {
		return nil
	}
	return r.channels[0]
}

// CreateQueue registers a fresh queue for a request id. A request id maps
// to at most one queue.
func (r *Registry) CreateQueue(requestID string) *eventqueue.Queue {
	q := eventqueue.New()
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.queues[requestID]; ok {
		// Should not happen with uuid request ids; never leak the old queue.
		old.Close()
	}
	r.queues[requestID] = q
	return q
}

// RemoveQueue closes and unregisters the queue for a request id. Safe to
// call after confirmLost already removed it.
func (r *Registry) RemoveQueue(requestID string) {
	r.mu.Lock()
	q, ok := r.queues[requestID]
	delete(r.queues, requestID)
	r.mu.Unlock()
	if ok {
		q.Close()
	}
}

// PendingRequests reports the number of requests awaiting events.
func (r *Registry) PendingRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queues)
}

// Route decodes a raw inbound frame and enqueues it to the owning queue.
// Unroutable frames are dropped with a warning; during the reconnect grace
// window that race is expected.
func (r *Registry) Route(frame []byte) {
	ev, err := wire.Decode(frame)
	if err != nil {
		log.Warn().Err(err).Int("frame_bytes", len(frame)).Msg("dropping unroutable bridge frame")
		return
	}

	r.mu.Lock()
	q, ok := r.queues[ev.RequestID]
	r.mu.Unlock()
	if !ok {
		log.Warn().Str("request_id", ev.RequestID).Str("event_type", string(ev.Type)).
			Msg("dropping event for unknown request")
		return
	}
	q.Enqueue(ev)
}

// Forward sends a unit of work over the active back-channel.
func (r *Registry) Forward(ctx context.Context, uow wire.UnitOfWork) error {
	ch := r.first()
	if ch == nil {
		return ErrNoChannel
	}
	return ch.Send(ctx, uow)
}

// Cancel sends a best-effort cancellation for a request id. Errors are
// logged only; the worker is not required to honor cancellation.
func (r *Registry) Cancel(ctx context.Context, requestID string) {
	ch := r.first()
	if ch == nil {
		return
	}
	if err := ch.Send(ctx, wire.NewCancelRequest(requestID)); err != nil {
		log.Debug().Err(err).Str("request_id", requestID).Msg("cancel_request not delivered")
	}
}
