package client

import (
	"container/list"
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/aredis/protocol"
)

// Pool lends connections to one server address.
//
// At most MaxSize connections are open at once. Callers that find none idle
// and the pool full wait in arrival order, each released connection goes to
// the longest waiting caller.
type Pool struct {
	opts Options
	log  *zap.Logger

	mu sync.Mutex
	// idle is a stack, the most recently released connection is on top so
	// the ones at the bottom age out to the sweeper
	idle []idleConn
	// size counts open connections, idle, lent and being dialled
	size    int
	lent    int
	db      int
	waiters list.List
	closed  bool

	stop        chan struct{}
	sweeperDone chan struct{}
}

type idleConn struct {
	conn  *Conn
	since time.Time
}

// grant hands a waiting caller either a connection or, when conn is nil, a
// reserved slot to dial a new one.
type grant struct {
	conn *Conn
	err  error
}

type poolWaiter struct {
	ready chan grant
}

// PoolStats is a snapshot of the pool's bookkeeping.
type PoolStats struct {
	Size    int
	Idle    int
	Lent    int
	Waiting int
	MinSize int
	MaxSize int
	DB      int
}

// NewPool creates a pool and opens MinSize connections.
func NewPool(ctx context.Context, opts Options) (*Pool, error) {
	opts = opts.withDefaults()

	p := &Pool{
		opts:        opts,
		log:         opts.Log.Named("pool"),
		db:          opts.DB,
		stop:        make(chan struct{}),
		sweeperDone: make(chan struct{}),
	}

	if opts.IdleTimeout > 0 {
		go p.sweeper()
	} else {
		close(p.sweeperDone)
	}

	if err := p.fill(ctx); err != nil {
		p.Close()
		return nil, err
	}

	return p, nil
}

// Acquire lends a connection: an idle one if there is one, a new one if the
// pool is below MaxSize, otherwise the next one released. It fails with
// ErrPoolExhausted if PoolTimeout elapses first.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	p.mu.Lock()

	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}

	if conn := p.popIdleLocked(); conn != nil {
		p.lent++
		p.mu.Unlock()
		return conn, nil
	}

	if p.size < p.opts.MaxSize && p.waiters.Len() == 0 {
		p.size++
		p.lent++
		db := p.db
		p.mu.Unlock()
		return p.dialLent(ctx, db)
	}

	w := &poolWaiter{ready: make(chan grant, 1)}
	elem := p.waiters.PushBack(w)
	p.mu.Unlock()

	timer := time.NewTimer(p.opts.PoolTimeout)
	defer timer.Stop()

	var err error

	select {
	case g := <-w.ready:
		return p.accept(ctx, g)

	case <-ctx.Done():
		err = ctx.Err()

	case <-timer.C:
		err = fmt.Errorf("%w: no connection within %s", ErrPoolExhausted, p.opts.PoolTimeout)
	}

	p.mu.Lock()
	select {
	case g := <-w.ready:
		// granted while we were giving up
		p.mu.Unlock()
		p.giveBack(g)

	default:
		p.waiters.Remove(elem)
		p.mu.Unlock()
	}

	return nil, err
}

// Release returns a lent connection. Healthy connections go to the longest
// waiting caller or back to the idle set. Closed connections, connections
// mid-transaction, subscribed or watching keys, and connections on another
// db are closed and the pool shrinks.
func (p *Pool) Release(conn *Conn) {
	p.mu.Lock()
	p.lent--

	if p.closed || !conn.Healthy() || conn.DB() != p.db {
		p.size--
		p.grantSlotLocked()
		p.mu.Unlock()

		p.log.Debug("Discarding connection",
			zap.Stringer("mode", conn.Mode()),
			zap.NamedError("connErr", conn.Err()))

		conn.Close()
		return
	}

	p.putLocked(conn)
	p.mu.Unlock()
}

func (p *Pool) accept(ctx context.Context, g grant) (*Conn, error) {
	if g.err != nil {
		return nil, g.err
	}

	if g.conn != nil {
		return g.conn, nil
	}

	p.mu.Lock()
	db := p.db
	p.mu.Unlock()

	return p.dialLent(ctx, db)
}

func (p *Pool) giveBack(g grant) {
	if g.err != nil {
		return
	}

	if g.conn != nil {
		p.Release(g.conn)
		return
	}

	p.mu.Lock()
	p.lent--
	p.size--
	p.grantSlotLocked()
	p.mu.Unlock()
}

// dialLent dials a connection for a slot already counted in size and lent.
func (p *Pool) dialLent(ctx context.Context, db int) (*Conn, error) {
	conn, err := p.dial(ctx, db)
	if err != nil {
		p.mu.Lock()
		p.lent--
		p.size--
		p.grantSlotLocked()
		p.mu.Unlock()
		return nil, err
	}

	return conn, nil
}

func (p *Pool) dial(ctx context.Context, db int) (*Conn, error) {
	opts := p.opts
	opts.DB = db

	conn, err := Dial(ctx, opts)
	if err != nil {
		p.log.Warn("Failed to open connection", zap.Error(err))
		return nil, err
	}

	p.log.Debug("Opened connection", zap.Int("db", db))

	return conn, nil
}

// fill opens connections until the pool holds MinSize.
func (p *Pool) fill(ctx context.Context) error {
	for {
		p.mu.Lock()
		if p.closed || p.size >= p.opts.MinSize {
			p.mu.Unlock()
			return nil
		}

		p.size++
		db := p.db
		p.mu.Unlock()

		conn, err := p.dial(ctx, db)

		p.mu.Lock()
		if err != nil {
			p.size--
			p.grantSlotLocked()
			p.mu.Unlock()
			return err
		}

		if p.closed {
			p.size--
			p.mu.Unlock()
			conn.Close()
			return nil
		}

		p.putLocked(conn)
		p.mu.Unlock()
	}
}

// putLocked hands conn to the longest waiting caller or makes it idle.
func (p *Pool) putLocked(conn *Conn) {
	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*poolWaiter)
		p.lent++
		w.ready <- grant{conn: conn}
		return
	}

	p.idle = append(p.idle, idleConn{conn: conn, since: time.Now()})
}

// grantSlotLocked lets the longest waiting caller dial a new connection if
// the pool has room.
func (p *Pool) grantSlotLocked() {
	if p.closed || p.size >= p.opts.MaxSize {
		return
	}

	front := p.waiters.Front()
	if front == nil {
		return
	}

	w := p.waiters.Remove(front).(*poolWaiter)
	p.size++
	p.lent++
	w.ready <- grant{}
}

func (p *Pool) popIdleLocked() *Conn {
	for len(p.idle) > 0 {
		last := len(p.idle) - 1
		ic := p.idle[last]
		p.idle[last] = idleConn{}
		p.idle = p.idle[:last]

		if ic.conn.Err() == nil {
			return ic.conn
		}

		// broken while idle, the server went away or the read loop failed
		p.size--
		go ic.conn.Close()
	}

	return nil
}

// Select switches every idle connection, and every connection opened from
// now on, to db. Lent connections on another db are closed when released.
func (p *Pool) Select(ctx context.Context, db int) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolClosed
	}

	idle := p.idle
	p.idle = nil
	p.lent += len(idle)
	p.db = db
	p.mu.Unlock()

	var err error

	for _, ic := range idle {
		v, serr := ic.conn.Do(ctx, protocol.Strings("SELECT", strconv.Itoa(db)))
		if serr == nil {
			serr = v.Err()
		}

		if serr != nil {
			err = multierr.Append(err, serr)
			ic.conn.Close()
		}

		p.Release(ic.conn)
	}

	return err
}

// Clear closes every idle connection that has no reply outstanding.
func (p *Pool) Clear() error {
	p.mu.Lock()

	var idle []idleConn
	kept := p.idle[:0]

	for _, ic := range p.idle {
		if ic.conn.Pending() > 0 {
			kept = append(kept, ic)
			continue
		}

		idle = append(idle, ic)
		p.size--
		p.grantSlotLocked()
	}

	p.idle = compactIdle(p.idle, kept)
	p.mu.Unlock()

	return closeIdle(idle)
}

// Close closes the idle connections, fails every waiting caller with
// ErrPoolClosed and makes lent connections close on release.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}

	p.closed = true
	idle := p.idle
	p.idle = nil
	p.size -= len(idle)

	for e := p.waiters.Front(); e != nil; e = p.waiters.Front() {
		w := p.waiters.Remove(e).(*poolWaiter)
		w.ready <- grant{err: ErrPoolClosed}
	}
	p.mu.Unlock()

	close(p.stop)
	<-p.sweeperDone

	return closeIdle(idle)
}

// compactIdle zeroes the tail of idle that kept, a prefix filtered in place,
// no longer covers.
func compactIdle(idle, kept []idleConn) []idleConn {
	for i := len(kept); i < len(idle); i++ {
		idle[i] = idleConn{}
	}

	return kept
}

func closeIdle(idle []idleConn) (err error) {
	for _, ic := range idle {
		err = multierr.Append(err, ic.conn.Close())
	}

	return err
}

func (p *Pool) sweeper() {
	defer close(p.sweeperDone)

	log := p.log.Named("sweeper")
	ticker := time.NewTicker(p.opts.IdleCheckFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return

		case now := <-ticker.C:
			if n := p.sweep(now); n > 0 {
				log.Debug("Closed idle connections", zap.Int("count", n))
			}

			// top back up to MinSize after broken connections were dropped
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.DialTimeout)
			if err := p.fill(ctx); err != nil {
				log.Warn("Failed to refill pool", zap.Error(err))
			}
			cancel()
		}
	}
}

// sweep closes connections idle since before now-IdleTimeout, and broken
// idle connections, while keeping MinSize open. A connection still owed a
// reply is not idle yet and is left alone unless broken. It returns how many
// it closed.
func (p *Pool) sweep(now time.Time) int {
	p.mu.Lock()

	var stale []idleConn
	kept := p.idle[:0]

	for _, ic := range p.idle {
		expired := now.Sub(ic.since) >= p.opts.IdleTimeout && p.size > p.opts.MinSize
		if expired && ic.conn.Pending() > 0 {
			expired = false
		}

		if expired || ic.conn.Err() != nil {
			stale = append(stale, ic)
			p.size--
			continue
		}

		kept = append(kept, ic)
	}

	p.idle = compactIdle(p.idle, kept)
	p.mu.Unlock()

	if err := closeIdle(stale); err != nil {
		p.log.Debug("Idle connections did not close cleanly", zap.Error(err))
	}

	return len(stale)
}

// Stats returns a snapshot of the pool's counters.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return PoolStats{
		Size:    p.size,
		Idle:    len(p.idle),
		Lent:    p.lent,
		Waiting: p.waiters.Len(),
		MinSize: p.opts.MinSize,
		MaxSize: p.opts.MaxSize,
		DB:      p.db,
	}
}
