// ============================================================================
// Heartbeat Channel
// ============================================================================
//
// Package: internal/heartbeat
// File: channel.go
// Purpose: Addressed request/response messaging between the scheduler and
//          each worker, with at most one outstanding request per worker
//
// Roles:
//   Scheduler side  Channel.Exchange(ctx, id)  -> send request, wait for reply
//   Worker side     Link.Await / Link.Reply    -> receive request, answer it
//
// Transports:
//   MemoryChannel  in-process mailboxes for goroutine workers
//   GRPCChannel    bidirectional gRPC stream for child-process workers
//
// Both transports share the session registry in this file, so the in-flight
// rule and the gone/reply race are handled in one place:
//   - inflight is set when a request is accepted and cleared only when the
//     matching reply arrives, even if the caller stopped waiting
//   - when a worker detaches, a reply that was already delivered still wins
//
// ============================================================================

package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// ============================================================================
// Error Definitions
// ============================================================================

var (
	// ErrWorkerGone means the target is not attached or detached before replying
	ErrWorkerGone = errors.New("heartbeat: worker gone")

	// ErrInFlight means a previous request to the same worker is still unanswered
	ErrInFlight = errors.New("heartbeat: request already in flight")

	// ErrChannelClosed means the channel has been shut down
	ErrChannelClosed = errors.New("heartbeat: channel closed")

	// ErrDuplicateWorker means a worker with the same identity is already attached
	ErrDuplicateWorker = errors.New("heartbeat: duplicate worker identity")

	// ErrNoRequest means Reply was called without a pending request
	ErrNoRequest = errors.New("heartbeat: no pending request")
)

// ============================================================================
// Interfaces
// ============================================================================

// Channel is the scheduler-side view of the heartbeat transport.
type Channel interface {
	// Exchange sends one heartbeat request to id and waits for its reply.
	// The returned bool is the worker's continue-running answer.
	Exchange(ctx context.Context, id types.WorkerID) (bool, error)

	// AwaitAttach blocks until id has attached or ctx is done.
	AwaitAttach(ctx context.Context, id types.WorkerID) error

	Close() error
}

// Link is the worker-side view of the heartbeat transport.
type Link interface {
	// Await blocks until the scheduler sends the next request.
	Await(ctx context.Context) error

	// Now reads the shared logical clock.
	Now(ctx context.Context) (types.ClockTime, error)

	// Reply answers the pending request.
	Reply(ctx context.Context, continueRunning bool) error

	// Close detaches the worker from the channel.
	Close() error
}

// ============================================================================
// Sessions
// ============================================================================

// exchange is one request/response pair. reply has capacity 1 so the worker
// never blocks on a scheduler that stopped waiting.
type exchange struct {
	reply chan bool
}

// session is the per-worker mailbox shared by both transports.
type session struct {
	id       types.WorkerID
	requests chan *exchange
	gone     chan struct{}
	goneOnce sync.Once
	inflight atomic.Bool
}

func newSession(id types.WorkerID) *session {
	return &session{
		id:       id,
		requests: make(chan *exchange),
		gone:     make(chan struct{}),
	}
}

func (s *session) close() {
	s.goneOnce.Do(func() { close(s.gone) })
}

// answer delivers a reply and clears the in-flight flag.
func (s *session) answer(ex *exchange, continueRunning bool) {
	s.inflight.Store(false)
	ex.reply <- continueRunning
}

// ============================================================================
// Registry
// ============================================================================

// registry maps worker identities to sessions and wakes up AwaitAttach callers.
type registry struct {
	mu       sync.Mutex
	sessions map[types.WorkerID]*session
	waiters  map[types.WorkerID][]chan struct{}
	closed   bool
}

func newRegistry() *registry {
	return &registry{
		sessions: make(map[types.WorkerID]*session),
		waiters:  make(map[types.WorkerID][]chan struct{}),
	}
}

func (r *registry) attach(id types.WorkerID) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrChannelClosed
	}
	if _, exists := r.sessions[id]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateWorker, id)
	}

	s := newSession(id)
	r.sessions[id] = s
	for _, w := range r.waiters[id] {
		close(w)
	}
	delete(r.waiters, id)
	return s, nil
}

// detach removes s if it is still the registered session for its id.
func (r *registry) detach(s *session) {
	r.mu.Lock()
	if cur, ok := r.sessions[s.id]; ok && cur == s {
		delete(r.sessions, s.id)
	}
	r.mu.Unlock()
	s.close()
}

func (r *registry) lookup(id types.WorkerID) (*session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrChannelClosed
	}
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkerGone, id)
	}
	return s, nil
}

func (r *registry) awaitAttach(ctx context.Context, id types.WorkerID) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrChannelClosed
	}
	if _, ok := r.sessions[id]; ok {
		r.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	r.waiters[id] = append(r.waiters[id], ready)
	r.mu.Unlock()

	select {
	case <-ready:
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return ErrChannelClosed
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// exchange implements Channel.Exchange on top of the registry.
func (r *registry) exchange(ctx context.Context, id types.WorkerID) (bool, error) {
	s, err := r.lookup(id)
	if err != nil {
		return false, err
	}
	if !s.inflight.CompareAndSwap(false, true) {
		return false, fmt.Errorf("%w: %s", ErrInFlight, id)
	}

	ex := &exchange{reply: make(chan bool, 1)}

	// 請求尚未送達時可以安全地清除 inflight
	select {
	case s.requests <- ex:
	case <-s.gone:
		s.inflight.Store(false)
		return false, fmt.Errorf("%w: %s", ErrWorkerGone, id)
	case <-ctx.Done():
		s.inflight.Store(false)
		return false, ctx.Err()
	}

	select {
	case v := <-ex.reply:
		return v, nil
	case <-s.gone:
		select {
		case v := <-ex.reply:
			return v, nil
		default:
			return false, fmt.Errorf("%w: %s", ErrWorkerGone, id)
		}
	case <-ctx.Done():
		// inflight stays set until the worker answers
		return false, ctx.Err()
	}
}

func (r *registry) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for id, s := range r.sessions {
		s.close()
		delete(r.sessions, id)
	}
	for id, ws := range r.waiters {
		for _, w := range ws {
			close(w)
		}
		delete(r.waiters, id)
	}
}

func (r *registry) attached() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
