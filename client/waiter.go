package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/luma/aredis/protocol"
)

// Waiter is a single-assignment slot for the reply to one command.
//
// It is resolved exactly once, by the connection's read loop or by the
// connection failing. A caller that stops waiting early leaves the waiter
// orphaned in its connection's queue so that the reply, when it arrives, is
// still matched to it and dropped.
type Waiter struct {
	cmd string

	// pubsub waiters are resolved by (un)subscribe confirmations and pongs
	// while the connection is subscribed
	pubsub bool

	// remaining confirmations before a pubsub waiter resolves. -1 for an
	// argument-less unsubscribe, fixed when its first confirmation arrives
	remaining int

	// transition is set when issuing the command switched the
	// connection's mode, so a rejection can switch it back
	transition bool

	// selectDB is the db a SELECT command switches to, -1 otherwise.
	// prevDB is restored if the server rejects it.
	selectDB int
	prevDB   int

	once     sync.Once
	done     chan struct{}
	value    protocol.Value
	err      error
	orphaned int32
}

func newWaiter(cmd protocol.Command) *Waiter {
	w := &Waiter{
		cmd:      cmd.Name(),
		selectDB: -1,
		done:     make(chan struct{}),
	}

	switch w.cmd {
	case "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE":
		w.pubsub = true
		w.remaining = len(cmd.Args())
		if w.remaining == 0 {
			w.remaining = -1
		}

	case "SELECT":
		if args := cmd.Args(); len(args) == 1 {
			if db, err := parseDB(args[0]); err == nil {
				w.selectDB = db
			}
		}
	}

	return w
}

// Command returns the upper cased name of the command this waiter is for.
func (w *Waiter) Command() string {
	return w.cmd
}

// Done is closed once the waiter is resolved.
func (w *Waiter) Done() <-chan struct{} {
	return w.done
}

// Wait blocks until the reply arrives or ctx is done. Server error replies
// are returned as values, err is only set for transport, protocol or
// cancellation failures. Giving up on ctx orphans the waiter.
func (w *Waiter) Wait(ctx context.Context) (protocol.Value, error) {
	select {
	case <-w.done:
		return w.value, w.err

	default:
	}

	select {
	case <-w.done:
		return w.value, w.err

	case <-ctx.Done():
		w.Abandon()
		return protocol.Value{}, ctx.Err()
	}
}

// Result returns the reply of a resolved waiter. It must only be called
// after Done is closed.
func (w *Waiter) Result() (protocol.Value, error) {
	return w.value, w.err
}

// Abandon marks the waiter as orphaned. Its reply will be consumed and
// discarded when it arrives.
func (w *Waiter) Abandon() {
	atomic.StoreInt32(&w.orphaned, 1)
}

// Orphaned reports whether the caller gave up on this waiter.
func (w *Waiter) Orphaned() bool {
	return atomic.LoadInt32(&w.orphaned) == 1
}

func (w *Waiter) resolve(v protocol.Value, err error) bool {
	resolved := false

	w.once.Do(func() {
		w.value = v
		w.err = err
		close(w.done)
		resolved = true
	})

	return resolved
}
