// Package registry implements the Pending-Request Registry (spec.md §4.2,
// component C2): an in-memory, correlation-id-keyed table of waiters that
// the routing engine blocks on while a request is in flight across the bus,
// with a timeout sweeper and mutually exclusive terminal transitions.
//
// Grounded on asya-gateway/internal/envelopestore/store.go: a
// mutex-protected map plus per-id listener channels and
// time.AfterFunc-based timeout timers. Adapted from that package's
// long-lived, multi-field envelope record into a single-purpose waiter
// whose only job is to hand one reply (or an ordered run of stream chunks)
// back to the HTTP handler that is blocked waiting for it.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/asya/a2a-proxy/internal/envelope"
)

// Kind distinguishes a single-shot waiter from a stream waiter.
type Kind int

const (
	Single Kind = iota
	Stream
)

// ErrAlreadySettled is returned by Complete/Cancel when a waiter has
// already reached a terminal state.
var ErrAlreadySettled = fmt.Errorf("registry: waiter already settled")

// ErrNotFound is returned when the correlation id has no registered waiter
// (it already completed, was cancelled, or was never registered).
var ErrNotFound = fmt.Errorf("registry: no waiter for correlation id")

// ErrDuplicateChunk is returned by Complete for a Stream waiter when a sequence
// number has already been delivered for this correlation id; callers treat
// it as a no-op, not an error to surface to the client (spec.md §3's
// bus-level dedup note).
var ErrDuplicateChunk = fmt.Errorf("registry: duplicate sequence")

// ErrKindMismatch is returned by Complete when the incoming envelope's shape
// (stream or non-stream) doesn't match the kind the waiter was registered
// as. spec.md §4.2's tie-break rule: the envelope is dropped and the waiter
// is left open until its own deadline, rather than settled with the wrong
// kind of reply.
var ErrKindMismatch = fmt.Errorf("registry: reply kind does not match registered waiter")

// waiter holds the state for one in-flight correlation id.
type waiter struct {
	correlationID string
	kind          Kind

	mu       sync.Mutex
	settled  bool
	resultCh chan *envelope.Envelope // Single: capacity 1, closed after one send
	streamCh chan *envelope.Envelope // Stream: bounded, closed on final chunk or cancel
	errCh    chan error              // capacity 1; set on Cancel

	seenSeq map[int64]bool // dedup of stream chunk sequences already delivered

	timer *time.Timer
}

// Registry is the Pending-Request Registry.
type Registry struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// New builds an empty Registry.
func New() *Registry {
	return &Registry{waiters: make(map[string]*waiter)}
}

// RegisterSingle registers a waiter expecting exactly one reply envelope,
// correlated on correlationID, and arms a timeout that cancels the waiter
// with jsonrpcerr-classifiable context after d if no reply arrives.
// Registration happens before the request is published, so a reply that
// races ahead of the registration call is never missed (spec.md §4.2).
func (r *Registry) RegisterSingle(correlationID string, d time.Duration) (<-chan *envelope.Envelope, <-chan error, error) {
	w := &waiter{
		correlationID: correlationID,
		kind:          Single,
		resultCh:      make(chan *envelope.Envelope, 1),
		errCh:         make(chan error, 1),
	}
	if err := r.register(w, d); err != nil {
		return nil, nil, err
	}
	return w.resultCh, w.errCh, nil
}

// RegisterStream registers a waiter expecting an ordered run of stream
// chunks, delivered on a bounded channel with back-pressure: a slow reader
// blocks the deliverer rather than dropping chunks (spec.md §5).
func (r *Registry) RegisterStream(correlationID string, d time.Duration, bufferSize int) (<-chan *envelope.Envelope, <-chan error, error) {
	w := &waiter{
		correlationID: correlationID,
		kind:          Stream,
		streamCh:      make(chan *envelope.Envelope, bufferSize),
		errCh:         make(chan error, 1),
		seenSeq:       make(map[int64]bool),
	}
	if err := r.register(w, d); err != nil {
		return nil, nil, err
	}
	return w.streamCh, w.errCh, nil
}

func (r *Registry) register(w *waiter, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.waiters[w.correlationID]; exists {
		return fmt.Errorf("registry: correlation id %q already registered", w.correlationID)
	}

	if d > 0 {
		w.timer = time.AfterFunc(d, func() { r.timeout(w.correlationID) })
	}
	r.waiters[w.correlationID] = w
	return nil
}

// Complete delivers a non-stream reply and removes the waiter. Calling
// Complete on a Stream waiter delivers one chunk; pass final=true on the
// chunk that ends the stream to close the channel and remove the waiter.
//
// If env's shape disagrees with the waiter's registered kind (a non-stream
// reply for an id registered as Stream, or vice versa), the envelope is
// dropped: ErrKindMismatch is returned without settling or removing the
// waiter, so it stays open until its own timeout fires (spec.md §4.2).
func (r *Registry) Complete(correlationID string, env *envelope.Envelope, final bool) error {
	w, err := r.get(correlationID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return ErrAlreadySettled
	}
	if env.IsStream != (w.kind == Stream) {
		return ErrKindMismatch
	}

	switch w.kind {
	case Single:
		w.resultCh <- env
		close(w.resultCh)
		w.settled = true
		r.remove(correlationID, w)
	case Stream:
		if w.seenSeq[env.Sequence] {
			return ErrDuplicateChunk
		}
		w.seenSeq[env.Sequence] = true
		w.streamCh <- env
		if final {
			close(w.streamCh)
			w.settled = true
			r.remove(correlationID, w)
		}
	}
	return nil
}

// Cancel settles the waiter with a terminal error (timeout, bus failure,
// stream break) instead of a reply, closing whichever channel the caller
// is reading from.
func (r *Registry) Cancel(correlationID string, cause error) error {
	w, err := r.get(correlationID)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.settled {
		return ErrAlreadySettled
	}
	w.settled = true
	w.errCh <- cause
	close(w.errCh)
	switch w.kind {
	case Single:
		close(w.resultCh)
	case Stream:
		close(w.streamCh)
	}
	r.remove(correlationID, w)
	return nil
}

func (r *Registry) get(correlationID string) (*waiter, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.waiters[correlationID]
	if !ok {
		return nil, ErrNotFound
	}
	return w, nil
}

// remove deletes the waiter from the table and stops its timer. Caller
// must hold w.mu; remove separately takes r.mu.
func (r *Registry) remove(correlationID string, w *waiter) {
	if w.timer != nil {
		w.timer.Stop()
	}
	r.mu.Lock()
	delete(r.waiters, correlationID)
	r.mu.Unlock()
}

func (r *Registry) timeout(correlationID string) {
	_ = r.Cancel(correlationID, context.DeadlineExceeded)
}

// Len reports the number of in-flight waiters, for internal/metrics'
// in-flight gauge.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.waiters)
}

// IsPending reports whether a correlation id still has a registered
// waiter.
func (r *Registry) IsPending(correlationID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.waiters[correlationID]
	return ok
}
