package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/aredis/protocol"
	"github.com/luma/aredis/transport"
)

// Mode is the protocol mode a connection is in.
type Mode int32

const (
	ModeNormal Mode = iota
	ModeSubscribing
	ModeSubscribed
	ModeQueueing
)

func (m Mode) String() string {
	switch m {
	case ModeNormal:
		return "normal"
	case ModeSubscribing:
		return "subscribing"
	case ModeSubscribed:
		return "subscribed"
	case ModeQueueing:
		return "queueing"
	default:
		return "mode(" + strconv.Itoa(int(m)) + ")"
	}
}

// Conn multiplexes commands from any number of goroutines over one stream.
//
// Replies are matched to commands purely by order: the server answers
// commands on a connection in the order it received them, and Send enqueues
// each waiter under the same lock that serializes the write.
type Conn struct {
	stream transport.Stream
	log    *zap.Logger

	// writeMu serializes writes. It is held across enqueueing the waiter
	// and writing its command so that queue order equals wire order.
	writeMu sync.Mutex

	mu       sync.Mutex
	pending  []*Waiter
	mode     Mode
	watching bool
	quitting bool
	db       int
	err      error
	closeErr error

	// channels and patterns the server has confirmed
	subscribed  map[string]struct{}
	psubscribed map[string]struct{}

	// subMu serializes listener registration with the (un)subscribe
	// command it triggers
	subMu          sync.Mutex
	registry       *registry
	listenerBuffer int

	closed   chan struct{}
	readDone chan struct{}
}

// NewConn wraps an established stream and starts its read loop.
func NewConn(stream transport.Stream, log *zap.Logger) *Conn {
	return newConn(stream, log, 0)
}

func newConn(stream transport.Stream, log *zap.Logger, listenerBuffer int) *Conn {
	if log == nil {
		log = zap.NewNop()
	}

	if listenerBuffer < 1 {
		listenerBuffer = 64
	}

	c := &Conn{
		stream:         stream,
		log:            log,
		subscribed:     make(map[string]struct{}),
		psubscribed:    make(map[string]struct{}),
		registry:       newRegistry(),
		listenerBuffer: listenerBuffer,
		closed:         make(chan struct{}),
		readDone:       make(chan struct{}),
	}

	go c.readLoop()

	return c
}

// Dial establishes a connection to opts.Addr and authenticates and selects
// the configured db before returning it.
func Dial(ctx context.Context, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	ctx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()

	stream, err := opts.Dial(ctx, opts.Addr)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}

	c := newConn(stream, opts.Log.Named("conn").With(zap.String("addr", opts.Addr)), opts.ListenerBuffer)

	if opts.Password != "" {
		if err := c.handshake(ctx, protocol.Strings("AUTH", opts.Password)); err != nil {
			return nil, err
		}
	}

	if opts.DB != 0 {
		if err := c.handshake(ctx, protocol.Strings("SELECT", strconv.Itoa(opts.DB))); err != nil {
			return nil, err
		}
	}

	c.log.Debug("Connection established", zap.Int("db", opts.DB))

	return c, nil
}

func (c *Conn) handshake(ctx context.Context, cmd protocol.Command) error {
	v, err := c.Do(ctx, cmd)
	if err == nil {
		err = v.Err()
	}

	if err != nil {
		c.Close()
		return fmt.Errorf("Failed to %s: %w", cmd.Name(), err)
	}

	return nil
}

// Send writes cmd and returns the waiter its reply will resolve. It never
// waits for the reply.
func (c *Conn) Send(cmd protocol.Command) (*Waiter, error) {
	if len(cmd) == 0 {
		return nil, protocol.ErrEmptyCommand
	}

	buf := protocol.AppendCommand(nil, cmd)
	w := newWaiter(cmd)

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}

	if err := c.issueLocked(w); err != nil {
		c.mu.Unlock()
		return nil, err
	}

	c.pending = append(c.pending, w)
	c.mu.Unlock()

	if _, err := c.stream.Write(buf); err != nil {
		terr := &TransportError{Op: "write", Err: err}
		if c.fail(terr) {
			c.log.Warn("Failed to write command", zap.String("cmd", w.cmd), zap.Error(err))
		}

		return nil, terr
	}

	return w, nil
}

// Do sends cmd and waits for its reply.
func (c *Conn) Do(ctx context.Context, cmd protocol.Command) (protocol.Value, error) {
	w, err := c.Send(cmd)
	if err != nil {
		return protocol.Value{}, err
	}

	return w.Wait(ctx)
}

// issueLocked validates w against the current mode and applies the mode
// transitions that take effect as soon as a command is written.
func (c *Conn) issueLocked(w *Waiter) error {
	switch c.mode {
	case ModeSubscribing, ModeSubscribed:
		switch w.cmd {
		case "SUBSCRIBE", "PSUBSCRIBE", "UNSUBSCRIBE", "PUNSUBSCRIBE", "QUIT":

		case "PING":
			// answered with ["pong", <arg>] once subscribed
			w.pubsub = true
			w.remaining = 1

		default:
			return fmt.Errorf("%w: got %s", ErrSubscribed, w.cmd)
		}

	case ModeQueueing:
		// everything is queued by the server and acknowledged with QUEUED
		w.pubsub = false
	}

	switch w.cmd {
	case "SUBSCRIBE", "PSUBSCRIBE":
		if c.mode == ModeNormal {
			c.mode = ModeSubscribing
			w.transition = true
		}

	case "MULTI":
		if c.mode == ModeNormal {
			c.mode = ModeQueueing
			w.transition = true
		}

	case "EXEC", "DISCARD":
		if c.mode == ModeQueueing {
			c.mode = ModeNormal
		}
		c.watching = false

	case "WATCH":
		if c.mode == ModeNormal {
			c.watching = true
		}

	case "UNWATCH":
		c.watching = false

	case "QUIT":
		// the server closes the stream after replying
		c.quitting = true

	case "SELECT":
		if c.mode == ModeNormal {
			w.prevDB = c.db
			c.db = w.selectDB
		}
	}

	return nil
}

func (c *Conn) readLoop() {
	defer close(c.readDone)

	log := c.log.Named("readLoop")
	r := protocol.NewReader(c.stream)

	for {
		v, err := r.ReadValue()
		if err != nil {
			if !errors.Is(err, protocol.ErrProtocol) {
				err = &TransportError{Op: "read", Err: err}
			}

			if c.fail(err) {
				log.Warn("Failed to read server reply", zap.Error(err))
			}

			return
		}

		if err := c.dispatch(v); err != nil {
			if c.fail(err) {
				log.Error("Reply stream out of sync, closing", zap.Error(err))
			}

			return
		}
	}
}

// dispatch routes one decoded top-level value: to the oldest waiter, or to
// the pub/sub listeners when it is a message pushed to a subscribed
// connection.
func (c *Conn) dispatch(v protocol.Value) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var head *Waiter
	if len(c.pending) > 0 {
		head = c.pending[0]
	}

	if head != nil && !head.pubsub {
		c.popLocked()
		c.replyLocked(head, v)
		head.resolve(v, nil)
		return nil
	}

	if c.mode == ModeSubscribing || c.mode == ModeSubscribed {
		if msg, ok := parseMessage(v); ok {
			if n := c.registry.deliver(msg); n == 0 {
				c.log.Debug("Dropped message without listeners",
					zap.String("channel", msg.Channel),
					zap.String("pattern", msg.Pattern))
			}
			return nil
		}
	}

	if head == nil {
		return &protocol.ProtocolError{Reason: fmt.Sprintf("reply %s with no pending command", v)}
	}

	kind, name, count, ok := parseConfirmation(v)
	if !ok {
		// error replies (or anything we don't recognise) answer the
		// command outright
		c.popLocked()
		c.rejectedLocked(head)
		head.resolve(v, nil)
		return nil
	}

	if kind == "pong" {
		c.popLocked()
		head.resolve(v, nil)
		return nil
	}

	if head.remaining < 0 {
		// argument-less unsubscribe, the server confirms each name it
		// drops or sends a single confirmation when there was none
		head.remaining = len(c.subscribed)
		if kind == "punsubscribe" {
			head.remaining = len(c.psubscribed)
		}

		if head.remaining == 0 {
			head.remaining = 1
		}
	}

	c.confirmLocked(kind, name, count)

	head.remaining--
	if head.remaining <= 0 {
		c.popLocked()
		head.resolve(v, nil)
	}

	return nil
}

func (c *Conn) popLocked() {
	c.pending[0] = nil
	c.pending = c.pending[1:]
}

// replyLocked applies the side effects of an ordinary reply.
func (c *Conn) replyLocked(w *Waiter, v protocol.Value) {
	if v.Kind != protocol.KindError {
		return
	}

	switch w.cmd {
	case "MULTI":
		if w.transition && c.mode == ModeQueueing {
			c.mode = ModeNormal
		}

	case "SELECT":
		if c.db == w.selectDB {
			c.db = w.prevDB
		}

	case "WATCH":
		c.watching = false
	}
}

// rejectedLocked undoes the optimistic transition of a (p)subscribe the
// server refused.
func (c *Conn) rejectedLocked(w *Waiter) {
	if !w.transition || c.mode != ModeSubscribing {
		return
	}

	if len(c.subscribed)+len(c.psubscribed) == 0 && !c.pendingSubscribeLocked() {
		c.mode = ModeNormal
	}
}

func (c *Conn) confirmLocked(kind string, name []byte, count int64) {
	switch kind {
	case "subscribe":
		c.subscribed[string(name)] = struct{}{}
		c.mode = ModeSubscribed

	case "psubscribe":
		c.psubscribed[string(name)] = struct{}{}
		c.mode = ModeSubscribed

	case "unsubscribe":
		if name != nil {
			delete(c.subscribed, string(name))
		}

	case "punsubscribe":
		if name != nil {
			delete(c.psubscribed, string(name))
		}
	}

	if (kind == "unsubscribe" || kind == "punsubscribe") && count == 0 {
		c.subscribed = make(map[string]struct{})
		c.psubscribed = make(map[string]struct{})

		if c.pendingSubscribeLocked() {
			c.mode = ModeSubscribing
		} else {
			c.mode = ModeNormal
		}
	}
}

func (c *Conn) pendingSubscribeLocked() bool {
	for _, w := range c.pending {
		if w.cmd == "SUBSCRIBE" || w.cmd == "PSUBSCRIBE" {
			return true
		}
	}

	return false
}

// fail closes the connection with err. Every pending waiter, orphaned or
// not, is resolved with err in the order the commands were sent, and every
// listener is shut down. It reports whether this call was the one that
// closed the connection.
func (c *Conn) fail(err error) bool {
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return false
	}

	c.err = err
	pending := c.pending
	c.pending = nil
	listeners := c.registry.drain()
	close(c.closed)
	c.mu.Unlock()

	c.closeErr = c.stream.Close()

	for _, w := range pending {
		w.resolve(protocol.Value{}, err)
	}

	for _, l := range listeners {
		l.shutdown(err)
	}

	return true
}

// Close stops the read loop and fails every pending waiter with ErrClosed.
func (c *Conn) Close() error {
	first := c.fail(ErrClosed)
	<-c.readDone

	if !first {
		return nil
	}

	c.log.Debug("Connection closed")

	return c.closeErr
}

// Err returns the error the connection failed with, or nil while it is open.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err
}

// Closed is closed once the connection has failed or been closed.
func (c *Conn) Closed() <-chan struct{} {
	return c.closed
}

func (c *Conn) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mode
}

// DB returns the db selected on this connection.
func (c *Conn) DB() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.db
}

// Pending returns the number of commands awaiting a reply.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// Healthy reports whether the connection can be handed to another caller:
// open, in normal mode, not watching keys and not quitting.
func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.err == nil && c.mode == ModeNormal && !c.watching && !c.quitting
}

func parseDB(b []byte) (int, error) {
	return strconv.Atoi(string(b))
}

// parseConfirmation recognises [kind, name, count] (un)subscribe
// confirmations and ["pong", payload] replies.
func parseConfirmation(v protocol.Value) (kind string, name []byte, count int64, ok bool) {
	if v.Kind != protocol.KindArray || v.Null || len(v.Elems) < 2 {
		return "", nil, 0, false
	}

	kind = string(bytes.ToLower(v.Elems[0].Bytes))

	switch kind {
	case "pong":
		return kind, nil, 0, true

	case "subscribe", "psubscribe", "unsubscribe", "punsubscribe":
		if len(v.Elems) != 3 || v.Elems[2].Kind != protocol.KindInteger {
			return "", nil, 0, false
		}

		if !v.Elems[1].IsNull() {
			name = v.Elems[1].Bytes
		}

		return kind, name, v.Elems[2].Int, true

	default:
		return "", nil, 0, false
	}
}
