package client

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/luma/aredis/protocol"
)

// Message is a payload published to a channel. Pattern is set when it was
// delivered through a pattern subscription.
type Message struct {
	Channel string
	Pattern string
	Payload []byte
}

// Listener receives the messages of one channel or pattern subscription.
//
// Messages are queued without bound in arrival order and drained with Next.
// A listener does not survive its connection: once the connection drops Next
// returns the connection's error after the queued messages, and the
// subscription has to be made again (see Client.Resubscribe).
type Listener struct {
	name    string
	pattern bool
	conn    *Conn

	// onClose runs after the listener has been unsubscribed
	onClose func()

	mu     sync.Mutex
	queue  []Message
	err    error
	notify chan struct{}
	done   chan struct{}
}

func newListener(conn *Conn, name string, pattern bool, buffer int) *Listener {
	return &Listener{
		name:    name,
		pattern: pattern,
		conn:    conn,
		queue:   make([]Message, 0, buffer),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Name returns the channel or pattern this listener is subscribed to.
func (l *Listener) Name() string {
	return l.name
}

func (l *Listener) IsPattern() bool {
	return l.pattern
}

// Done is closed once the listener stops receiving, either because it was
// closed or because its connection dropped.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Err returns why the listener stopped, nil while it is live.
func (l *Listener) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.err
}

// Next returns the oldest queued message, blocking until one arrives, ctx is
// done or the listener stops.
func (l *Listener) Next(ctx context.Context) (Message, error) {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			msg := l.queue[0]
			l.queue[0] = Message{}
			l.queue = l.queue[1:]
			l.mu.Unlock()
			return msg, nil
		}

		if l.err != nil {
			err := l.err
			l.mu.Unlock()
			return Message{}, err
		}
		l.mu.Unlock()

		select {
		case <-l.notify:
		case <-ctx.Done():
			return Message{}, ctx.Err()
		}
	}
}

// Close unsubscribes the listener. The server is only told to unsubscribe
// once the last listener for a channel or pattern closes.
func (l *Listener) Close(ctx context.Context) error {
	err := l.conn.unlisten(ctx, l)

	if l.onClose != nil {
		l.onClose()
	}

	return err
}

func (l *Listener) push(msg Message) {
	l.mu.Lock()
	if l.err == nil {
		l.queue = append(l.queue, msg)
	}
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

func (l *Listener) shutdown(err error) {
	l.mu.Lock()
	if l.err != nil {
		l.mu.Unlock()
		return
	}

	l.err = err
	close(l.done)
	l.mu.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
}

// registry maps channels and patterns to their listeners in registration
// order. It is guarded by the owning Conn's mu.
type registry struct {
	channels map[string][]*Listener
	patterns map[string][]*Listener
}

func newRegistry() *registry {
	return &registry{
		channels: make(map[string][]*Listener),
		patterns: make(map[string][]*Listener),
	}
}

func (r *registry) table(pattern bool) map[string][]*Listener {
	if pattern {
		return r.patterns
	}

	return r.channels
}

// add registers l and reports whether it is the first listener for its name.
func (r *registry) add(l *Listener) bool {
	t := r.table(l.pattern)
	t[l.name] = append(t[l.name], l)

	return len(t[l.name]) == 1
}

// remove unregisters l and reports whether it was the last listener for its
// name. found is false if l was not registered.
func (r *registry) remove(l *Listener) (last, found bool) {
	t := r.table(l.pattern)
	listeners := t[l.name]

	for i, candidate := range listeners {
		if candidate != l {
			continue
		}

		listeners = append(listeners[:i:i], listeners[i+1:]...)
		if len(listeners) == 0 {
			delete(t, l.name)
			return true, true
		}

		t[l.name] = listeners
		return false, true
	}

	return false, false
}

// deliver fans msg out and returns how many listeners received it.
func (r *registry) deliver(msg Message) int {
	var listeners []*Listener
	if msg.Pattern != "" {
		listeners = r.patterns[msg.Pattern]
	} else {
		listeners = r.channels[msg.Channel]
	}

	for _, l := range listeners {
		l.push(msg)
	}

	return len(listeners)
}

func (r *registry) len() int {
	n := 0
	for _, ls := range r.channels {
		n += len(ls)
	}

	for _, ls := range r.patterns {
		n += len(ls)
	}

	return n
}

// drain empties the registry and returns every listener it held.
func (r *registry) drain() []*Listener {
	var all []*Listener

	for _, ls := range r.channels {
		all = append(all, ls...)
	}

	for _, ls := range r.patterns {
		all = append(all, ls...)
	}

	r.channels = make(map[string][]*Listener)
	r.patterns = make(map[string][]*Listener)

	return all
}

// parseMessage recognises ["message", channel, payload] and
// ["pmessage", pattern, channel, payload] pushes.
func parseMessage(v protocol.Value) (Message, bool) {
	if v.Kind != protocol.KindArray || v.Null || len(v.Elems) < 3 {
		return Message{}, false
	}

	kind := v.Elems[0].Bytes

	switch {
	case len(v.Elems) == 3 && bytes.EqualFold(kind, []byte("message")):
		return Message{
			Channel: string(v.Elems[1].Bytes),
			Payload: v.Elems[2].Bytes,
		}, true

	case len(v.Elems) == 4 && bytes.EqualFold(kind, []byte("pmessage")):
		return Message{
			Pattern: string(v.Elems[1].Bytes),
			Channel: string(v.Elems[2].Bytes),
			Payload: v.Elems[3].Bytes,
		}, true

	default:
		return Message{}, false
	}
}

// Listen registers a listener for a channel, or a pattern when pattern is
// set. The server is only sent SUBSCRIBE / PSUBSCRIBE, and only waited for,
// when this is the first listener for that name on the connection.
func (c *Conn) Listen(ctx context.Context, name string, pattern bool) (*Listener, error) {
	c.subMu.Lock()

	l := newListener(c, name, pattern, c.listenerBuffer)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		c.subMu.Unlock()
		return nil, err
	}

	first := c.registry.add(l)
	c.mu.Unlock()

	if !first {
		c.subMu.Unlock()
		return l, nil
	}

	cmd := "SUBSCRIBE"
	if pattern {
		cmd = "PSUBSCRIBE"
	}

	w, err := c.Send(protocol.Strings(cmd, name))
	c.subMu.Unlock()

	if err != nil {
		c.dropListener(l, err)
		return nil, err
	}

	v, err := w.Wait(ctx)
	if err == nil {
		err = v.Err()
	}

	if err != nil {
		c.dropListener(l, err)
		return nil, fmt.Errorf("Failed to %s %s: %w", cmd, name, err)
	}

	c.log.Debug("Subscribed", zap.String("name", name), zap.Bool("pattern", pattern))

	return l, nil
}

func (c *Conn) dropListener(l *Listener, err error) {
	c.mu.Lock()
	c.registry.remove(l)
	c.mu.Unlock()

	l.shutdown(err)
}

func (c *Conn) unlisten(ctx context.Context, l *Listener) error {
	c.subMu.Lock()

	c.mu.Lock()
	last, found := c.registry.remove(l)
	open := c.err == nil
	c.mu.Unlock()

	l.shutdown(ErrListenerClosed)

	if !found || !last || !open {
		c.subMu.Unlock()
		return nil
	}

	cmd := "UNSUBSCRIBE"
	if l.pattern {
		cmd = "PUNSUBSCRIBE"
	}

	w, err := c.Send(protocol.Strings(cmd, l.name))
	c.subMu.Unlock()

	if err != nil {
		return err
	}

	v, err := w.Wait(ctx)
	if err == nil {
		err = v.Err()
	}

	if err != nil {
		return fmt.Errorf("Failed to %s %s: %w", cmd, l.name, err)
	}

	return nil
}

// UnsubscribeAll closes every listener and unsubscribes from every channel
// and pattern. The connection is back in normal mode once it returns nil.
func (c *Conn) UnsubscribeAll(ctx context.Context) error {
	c.subMu.Lock()

	c.mu.Lock()
	listeners := c.registry.drain()
	channels := len(c.subscribed)
	patterns := len(c.psubscribed)
	c.mu.Unlock()

	for _, l := range listeners {
		l.shutdown(ErrListenerClosed)
	}

	var waiters []*Waiter

	if channels > 0 {
		w, err := c.Send(protocol.Strings("UNSUBSCRIBE"))
		if err != nil {
			c.subMu.Unlock()
			return err
		}
		waiters = append(waiters, w)
	}

	if patterns > 0 {
		w, err := c.Send(protocol.Strings("PUNSUBSCRIBE"))
		if err != nil {
			c.subMu.Unlock()
			return err
		}
		waiters = append(waiters, w)
	}
	c.subMu.Unlock()

	for _, w := range waiters {
		v, err := w.Wait(ctx)
		if err == nil {
			err = v.Err()
		}

		if err != nil {
			return fmt.Errorf("Failed to %s: %w", w.Command(), err)
		}
	}

	return nil
}

// Listeners returns the number of live listeners on the connection.
func (c *Conn) Listeners() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.registry.len()
}
