package client

import (
	"context"
	"sync"

	"github.com/luma/aredis/protocol"
)

// Pipeline holds one connection across several sends so that their replies
// come back in order on the same stream. It is released in one step by Exec
// or Close.
type Pipeline struct {
	pool *Pool
	conn *Conn

	mu       sync.Mutex
	waiters  []*Waiter
	released bool
}

// Send writes cmd on the pipeline's connection without waiting.
func (p *Pipeline) Send(cmd protocol.Command) (*Waiter, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil, ErrClosed
	}

	w, err := p.conn.Send(cmd)
	if err != nil {
		return nil, err
	}

	p.waiters = append(p.waiters, w)
	return w, nil
}

// Exec waits for every reply sent so far, in send order, and then releases
// the connection. Error replies are returned as values. The first transport
// or context failure stops the wait and is returned with the replies
// gathered until then.
func (p *Pipeline) Exec(ctx context.Context) ([]protocol.Value, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.released {
		return nil, ErrClosed
	}

	waiters := p.waiters
	p.waiters = nil
	defer p.releaseLocked()

	values := make([]protocol.Value, 0, len(waiters))
	for i, w := range waiters {
		v, err := w.Wait(ctx)
		if err != nil {
			for _, rest := range waiters[i+1:] {
				rest.Abandon()
			}

			return values, err
		}

		values = append(values, v)
	}

	return values, nil
}

// Close releases the connection without waiting for outstanding replies,
// which are abandoned.
func (p *Pipeline) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, w := range p.waiters {
		w.Abandon()
	}
	p.waiters = nil

	p.releaseLocked()
}

func (p *Pipeline) releaseLocked() {
	if p.released {
		return
	}

	p.released = true
	p.pool.Release(p.conn)
}
