package heartbeat

import (
	"context"
	"sync"

	"github.com/ChuLiYu/beaver-oss/internal/clock"
	"github.com/ChuLiYu/beaver-oss/pkg/types"
)

// MemoryChannel is the in-process transport used by goroutine workers.
type MemoryChannel struct {
	reg   *registry
	clock clock.Reader
}

// NewMemoryChannel creates an empty channel. Workers read clk through their Mailbox.
func NewMemoryChannel(clk clock.Reader) *MemoryChannel {
	return &MemoryChannel{
		reg:   newRegistry(),
		clock: clk,
	}
}

// Attach registers id and returns its worker-side mailbox.
func (c *MemoryChannel) Attach(id types.WorkerID) (*Mailbox, error) {
	s, err := c.reg.attach(id)
	if err != nil {
		return nil, err
	}
	return &Mailbox{reg: c.reg, session: s, clock: c.clock}, nil
}

func (c *MemoryChannel) Exchange(ctx context.Context, id types.WorkerID) (bool, error) {
	return c.reg.exchange(ctx, id)
}

func (c *MemoryChannel) AwaitAttach(ctx context.Context, id types.WorkerID) error {
	return c.reg.awaitAttach(ctx, id)
}

// Attached returns the number of currently attached workers.
func (c *MemoryChannel) Attached() int {
	return c.reg.attached()
}

func (c *MemoryChannel) Close() error {
	c.reg.close()
	return nil
}

// Mailbox is the worker side of a MemoryChannel session.
type Mailbox struct {
	reg     *registry
	session *session
	clock   clock.Reader

	mu      sync.Mutex
	pending *exchange
}

func (m *Mailbox) Await(ctx context.Context) error {
	select {
	case ex := <-m.session.requests:
		m.mu.Lock()
		m.pending = ex
		m.mu.Unlock()
		return nil
	case <-m.session.gone:
		return ErrChannelClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Mailbox) Now(ctx context.Context) (types.ClockTime, error) {
	if err := ctx.Err(); err != nil {
		return types.ClockTime{}, err
	}
	return m.clock.Now(), nil
}

func (m *Mailbox) Reply(ctx context.Context, continueRunning bool) error {
	m.mu.Lock()
	ex := m.pending
	m.pending = nil
	m.mu.Unlock()

	if ex == nil {
		return ErrNoRequest
	}
	m.session.answer(ex, continueRunning)
	return nil
}

// Close detaches the worker. A scheduler waiting on it sees ErrWorkerGone.
func (m *Mailbox) Close() error {
	m.reg.detach(m.session)
	return nil
}
