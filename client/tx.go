package client

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/luma/aredis/protocol"
)

type TxState int

const (
	// TxIdle holds the connection, optionally watching keys, commands
	// execute immediately.
	TxIdle TxState = iota
	// TxQueueing is between MULTI and EXEC/DISCARD, commands are queued by
	// the server.
	TxQueueing
	// TxExecuted means EXEC ran the queued commands.
	TxExecuted
	// TxDiscarded means DISCARD dropped the queue, or EXEC refused to run
	// it because queueing a command failed.
	TxDiscarded
	// TxAborted means EXEC did nothing because a watched key changed.
	TxAborted
	// TxFailed means the connection failed before the outcome was known.
	TxFailed
)

func (s TxState) String() string {
	switch s {
	case TxIdle:
		return "idle"
	case TxQueueing:
		return "queueing"
	case TxExecuted:
		return "executed"
	case TxDiscarded:
		return "discarded"
	case TxAborted:
		return "aborted"
	case TxFailed:
		return "failed"
	default:
		return "state(" + strconv.Itoa(int(s)) + ")"
	}
}

// TxResult is the outcome of EXEC.
type TxResult struct {
	// Replies holds one reply per queued command in issue order. Individual
	// replies may be Error values, EXEC itself still succeeded.
	Replies []protocol.Value

	// Aborted is set when a watched key changed and nothing ran.
	Aborted bool
}

// Tx is a MULTI/EXEC transaction on a connection held exclusively for its
// duration. A Tx is not safe for concurrent use.
type Tx struct {
	pool  *Pool
	conn  *Conn
	state TxState

	releaseOnce sync.Once
}

func newTx(pool *Pool, conn *Conn) *Tx {
	return &Tx{pool: pool, conn: conn}
}

func (t *Tx) State() TxState {
	return t.state
}

// Multi starts queueing.
func (t *Tx) Multi(ctx context.Context) error {
	if t.state != TxIdle {
		return fmt.Errorf("%w: MULTI while %s", ErrTxState, t.state)
	}

	v, err := t.conn.Do(ctx, protocol.Strings("MULTI"))
	if err != nil {
		t.fail()
		return err
	}

	if err := v.Err(); err != nil {
		return err
	}

	t.state = TxQueueing
	return nil
}

// Watch watches keys for changes until EXEC or DISCARD. Only legal before
// Multi.
func (t *Tx) Watch(ctx context.Context, keys ...string) error {
	if t.state != TxIdle {
		return fmt.Errorf("%w: WATCH while %s", ErrTxState, t.state)
	}

	v, err := t.conn.Do(ctx, protocol.Strings(append([]string{"WATCH"}, keys...)...))
	if err != nil {
		t.fail()
		return err
	}

	return v.Err()
}

// Send writes cmd without waiting. While queueing its waiter resolves with
// the QUEUED acknowledgement, the command's result comes from Exec.
func (t *Tx) Send(cmd protocol.Command) (*Waiter, error) {
	if t.state != TxIdle && t.state != TxQueueing {
		return nil, fmt.Errorf("%w: command after %s", ErrTxState, t.state)
	}

	switch cmd.Name() {
	case "MULTI", "EXEC", "DISCARD", "WATCH":
		return nil, fmt.Errorf("%w: got %s", ErrTxCommand, cmd.Name())
	}

	w, err := t.conn.Send(cmd)
	if err != nil {
		t.fail()
	}

	return w, err
}

// Do sends cmd and waits for its reply. Before Multi that is the command's
// result, while queueing it is the QUEUED acknowledgement.
func (t *Tx) Do(ctx context.Context, cmd protocol.Command) (protocol.Value, error) {
	w, err := t.Send(cmd)
	if err != nil {
		return protocol.Value{}, err
	}

	v, err := w.Wait(ctx)
	if err != nil {
		return v, err
	}

	return v, v.Err()
}

// Exec runs the queued commands and releases the connection.
func (t *Tx) Exec(ctx context.Context) (*TxResult, error) {
	if t.state != TxQueueing {
		return nil, fmt.Errorf("%w: EXEC while %s", ErrTxState, t.state)
	}

	defer t.release()

	v, err := t.conn.Do(ctx, protocol.Strings("EXEC"))
	if err != nil {
		t.state = TxFailed
		return nil, err
	}

	switch {
	case v.Kind == protocol.KindError:
		t.state = TxDiscarded
		return nil, v.Err()

	case v.Kind != protocol.KindArray:
		t.state = TxFailed
		return nil, fmt.Errorf("%w: EXEC answered with %s", ErrUnexpectedReply, v.Kind)

	case v.Null:
		t.state = TxAborted
		return &TxResult{Aborted: true}, nil

	default:
		t.state = TxExecuted
		return &TxResult{Replies: v.Elems}, nil
	}
}

// Discard drops the queued commands, or the watched keys before Multi, and
// releases the connection.
func (t *Tx) Discard(ctx context.Context) error {
	cmd := "DISCARD"

	switch t.state {
	case TxQueueing:
	case TxIdle:
		cmd = "UNWATCH"
	default:
		return fmt.Errorf("%w: DISCARD while %s", ErrTxState, t.state)
	}

	defer t.release()

	v, err := t.conn.Do(ctx, protocol.Strings(cmd))
	if err != nil {
		t.state = TxFailed
		return err
	}

	t.state = TxDiscarded
	return v.Err()
}

// Close releases the connection if the transaction is still open. A
// connection released mid-transaction is closed rather than reused.
func (t *Tx) Close() {
	t.release()
}

func (t *Tx) fail() {
	if t.conn.Err() != nil {
		t.state = TxFailed
		t.release()
	}
}

func (t *Tx) release() {
	t.releaseOnce.Do(func() {
		t.pool.Release(t.conn)
	})
}
