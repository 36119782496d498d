package redistest

import (
	"errors"
	"net"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/aredis/protocol"
)

type Options struct {
	// Host to listen on, defaults to 127.0.0.1
	Host string

	// Port to listen on, 0 picks a free one
	Port int

	// Password makes every connection AUTH before anything else
	Password string

	Log *zap.Logger
}

// Server speaks enough of the Redis protocol to drive a client through
// plain commands, transactions and pub/sub, and lets tests hold back
// replies or drop connections.
type Server struct {
	listener net.Listener
	store    *Store
	password string

	loopWaiter sync.WaitGroup

	mu       sync.Mutex
	conns    map[*serverConn]struct{}
	paused   bool
	received []protocol.Command
	accepted int

	log *zap.Logger
}

// Start listens and serves until Close.
func Start(options Options) (*Server, error) {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	host := options.Host
	if host == "" {
		host = "127.0.0.1"
	}

	listener, err := reuseport.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(options.Port)))
	if err != nil {
		return nil, err
	}

	s := &Server{
		listener: listener,
		store:    NewStore(),
		password: options.Password,
		conns:    make(map[*serverConn]struct{}),
		log:      log.Named("redistest"),
	}

	s.loopWaiter.Add(1)
	go func() {
		defer s.loopWaiter.Done()
		s.acceptLoop()
	}()

	return s, nil
}

func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

func (s *Server) Store() *Store {
	return s.store
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("Failed to accept", zap.Error(err))
			}

			return
		}

		c := newServerConn(s, conn)

		s.mu.Lock()
		s.conns[c] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.loopWaiter.Add(1)
		go func() {
			defer s.loopWaiter.Done()
			c.readLoop()
			s.removeConn(c)
		}()
	}
}

func (s *Server) removeConn(c *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.conns, c)
}

func (s *Server) record(cmd protocol.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.received = append(s.received, cmd)
}

// Received returns every command the server has read, in order.
func (s *Server) Received() []protocol.Command {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]protocol.Command(nil), s.received...)
}

// Connections returns the number of open client connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

// Accepted returns the number of connections accepted since Start.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.accepted
}

// Pause holds back every reply and push until Resume, which then writes
// each connection's backlog in a single write.
func (s *Server) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.paused = true
}

func (s *Server) Resume() {
	s.mu.Lock()
	s.paused = false
	conns := s.snapshot()
	s.mu.Unlock()

	for _, c := range conns {
		c.flush()
	}
}

func (s *Server) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.paused
}

// DropConnections closes every client connection from the server side and
// returns how many there were.
func (s *Server) DropConnections() int {
	s.mu.Lock()
	conns := s.snapshot()
	s.mu.Unlock()

	for _, c := range conns {
		c.close()
	}

	return len(conns)
}

// Inject writes raw bytes to every client connection, bypassing the
// protocol. Used to feed clients malformed frames.
func (s *Server) Inject(raw []byte) {
	s.mu.Lock()
	conns := s.snapshot()
	s.mu.Unlock()

	for _, c := range conns {
		c.write(raw)
	}
}

func (s *Server) snapshot() []*serverConn {
	conns := make([]*serverConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}

	return conns
}

// Close stops accepting, drops every connection and waits for the
// connection loops to exit.
func (s *Server) Close() error {
	err := s.listener.Close()

	s.mu.Lock()
	conns := s.snapshot()
	s.mu.Unlock()

	for _, c := range conns {
		err = multierr.Append(err, c.close())
	}

	s.loopWaiter.Wait()

	if errors.Is(err, net.ErrClosed) {
		return nil
	}

	return err
}

type serverConn struct {
	srv  *Server
	conn net.Conn
	log  *zap.Logger

	wmu    sync.Mutex
	out    []byte
	closed bool

	// only touched by the read loop
	db       int
	authed   bool
	multi    bool
	dirty    bool
	queued   []protocol.Command
	watched  map[string]uint64
	channels map[string]struct{}
	patterns map[string]struct{}
}

func newServerConn(s *Server, conn net.Conn) *serverConn {
	return &serverConn{
		srv:      s,
		conn:     conn,
		log:      s.log.Named("conn").With(zap.String("remote", conn.RemoteAddr().String())),
		authed:   s.password == "",
		channels: make(map[string]struct{}),
		patterns: make(map[string]struct{}),
	}
}

func (c *serverConn) readLoop() {
	defer func() {
		c.close()
		c.unsubscribeAll()
	}()

	r := protocol.NewReader(c.conn)

	for {
		v, err := r.ReadValue()
		if err != nil {
			return
		}

		cmd, ok := toCommand(v)
		if !ok {
			c.reply(protocol.Error("ERR Protocol error: expected an array of bulk strings"))
			return
		}

		c.srv.record(cmd)

		if quit := c.handle(cmd); quit {
			return
		}
	}
}

func toCommand(v protocol.Value) (protocol.Command, bool) {
	if v.Kind != protocol.KindArray || v.Null || len(v.Elems) == 0 {
		return nil, false
	}

	cmd := make(protocol.Command, len(v.Elems))
	for i, e := range v.Elems {
		if e.Kind != protocol.KindBulk || e.Null {
			return nil, false
		}

		cmd[i] = e.Bytes
	}

	return cmd, true
}

func (c *serverConn) reply(v protocol.Value) {
	c.write(protocol.AppendValue(nil, v))
}

func (c *serverConn) deliver(kind, pattern, channel string, payload []byte) {
	elems := []protocol.Value{protocol.BulkString(kind)}
	if pattern != "" {
		elems = append(elems, protocol.BulkString(pattern))
	}
	elems = append(elems, protocol.BulkString(channel), protocol.Bulk(payload))

	c.reply(protocol.Array(elems...))
}

func (c *serverConn) write(b []byte) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed {
		return
	}

	c.out = append(c.out, b...)
	if c.srv.isPaused() {
		return
	}

	c.flushLocked()
}

func (c *serverConn) flush() {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if !c.closed {
		c.flushLocked()
	}
}

func (c *serverConn) flushLocked() {
	if len(c.out) == 0 {
		return
	}

	if _, err := c.conn.Write(c.out); err != nil {
		c.log.Debug("Failed to write", zap.Error(err))
	}

	c.out = c.out[:0]
}

func (c *serverConn) close() error {
	c.wmu.Lock()
	if c.closed {
		c.wmu.Unlock()
		return nil
	}
	c.closed = true
	c.wmu.Unlock()

	return c.conn.Close()
}

func (c *serverConn) unsubscribeAll() {
	for name := range c.channels {
		c.srv.store.unsubscribe(c, name, false)
	}

	for name := range c.patterns {
		c.srv.store.unsubscribe(c, name, true)
	}
}
