package client

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/aredis/protocol"
)

// Client is the entry point for the command layer. It executes commands on
// pooled connections, and hands out pipelines, transactions and pub/sub
// listeners that hold a connection for longer.
type Client struct {
	pool *Pool
	log  *zap.Logger

	// subMu guards subConn, the connection every listener lives on
	subMu   sync.Mutex
	subConn *Conn
}

// New creates a client and its pool.
func New(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()

	pool, err := NewPool(ctx, opts)
	if err != nil {
		return nil, err
	}

	return &Client{
		pool: pool,
		log:  opts.Log.Named("client"),
	}, nil
}

func (c *Client) Pool() *Pool {
	return c.pool
}

// Execute borrows a connection, sends cmd, waits for the reply and then
// releases the connection. A command that leaves the connection in another
// state, such as SELECT or QUIT, still returns its reply and the connection
// is closed on release.
//
// An Error reply is returned as the value together with its
// *protocol.ServerError.
func (c *Client) Execute(ctx context.Context, cmd protocol.Command) (protocol.Value, error) {
	switch cmd.Name() {
	case "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE":
		return protocol.Value{}, fmt.Errorf("%w: use Subscribe for %s", ErrSubscribed, cmd.Name())

	case "MULTI", "EXEC", "DISCARD", "WATCH":
		return protocol.Value{}, fmt.Errorf("%w: use Transaction for %s", ErrTxCommand, cmd.Name())
	}

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return protocol.Value{}, err
	}

	defer c.pool.Release(conn)

	v, err := conn.Do(ctx, cmd)
	if err != nil {
		return v, err
	}

	return v, v.Err()
}

// Do is Execute for string arguments.
func (c *Client) Do(ctx context.Context, args ...string) (protocol.Value, error) {
	return c.Execute(ctx, protocol.Strings(args...))
}

// Pipeline borrows a connection for several sends.
func (c *Client) Pipeline(ctx context.Context) (*Pipeline, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	return &Pipeline{pool: c.pool, conn: conn}, nil
}

// Transaction borrows a connection and sends MULTI on it.
func (c *Client) Transaction(ctx context.Context) (*Tx, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx := newTx(c.pool, conn)
	if err := tx.Multi(ctx); err != nil {
		tx.Close()
		return nil, err
	}

	return tx, nil
}

// Watch borrows a connection and watches keys on it. The returned Tx
// executes commands immediately until Multi is called.
func (c *Client) Watch(ctx context.Context, keys ...string) (*Tx, error) {
	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	tx := newTx(c.pool, conn)
	if err := tx.Watch(ctx, keys...); err != nil {
		tx.Close()
		return nil, err
	}

	return tx, nil
}

// Subscribe returns a listener for a channel.
func (c *Client) Subscribe(ctx context.Context, channel string) (*Listener, error) {
	return c.listen(ctx, channel, false)
}

// PSubscribe returns a listener for a glob-style pattern.
func (c *Client) PSubscribe(ctx context.Context, pattern string) (*Listener, error) {
	return c.listen(ctx, pattern, true)
}

// Resubscribe subscribes again to the channel or pattern of a listener whose
// connection dropped. Subscriptions are never carried over by the server.
func (c *Client) Resubscribe(ctx context.Context, l *Listener) (*Listener, error) {
	return c.listen(ctx, l.name, l.pattern)
}

func (c *Client) listen(ctx context.Context, name string, pattern bool) (*Listener, error) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	if c.subConn != nil && c.subConn.Err() != nil {
		c.pool.Release(c.subConn)
		c.subConn = nil
	}

	if c.subConn == nil {
		conn, err := c.pool.Acquire(ctx)
		if err != nil {
			return nil, err
		}

		c.subConn = conn
	}

	conn := c.subConn

	l, err := conn.Listen(ctx, name, pattern)
	if err != nil {
		c.releaseSubConnLocked(conn)
		return nil, err
	}

	l.onClose = func() { c.releaseSubConn(conn) }

	return l, nil
}

func (c *Client) releaseSubConn(conn *Conn) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.releaseSubConnLocked(conn)
}

// releaseSubConnLocked gives the pub/sub connection back to the pool once it
// has no listeners left and the server confirmed the last unsubscribe.
func (c *Client) releaseSubConnLocked(conn *Conn) {
	if c.subConn != conn {
		return
	}

	if conn.Err() == nil && (conn.Listeners() > 0 || conn.Mode() != ModeNormal) {
		return
	}

	c.subConn = nil
	c.pool.Release(conn)
}

// Close unsubscribes every listener and closes the pool.
func (c *Client) Close(ctx context.Context) error {
	var err error

	c.subMu.Lock()
	if conn := c.subConn; conn != nil {
		c.subConn = nil

		if conn.Err() == nil {
			err = multierr.Append(err, conn.UnsubscribeAll(ctx))
		}

		c.pool.Release(conn)
	}
	c.subMu.Unlock()

	return multierr.Append(err, c.pool.Close())
}
