package client

import (
	"time"

	"go.uber.org/zap"

	"github.com/luma/aredis/transport"
)

type Options struct {
	// Addr of the server, host:port
	Addr string

	// DB is selected on every new connection when non-zero
	DB int

	// Password is sent with AUTH on every new connection when set
	Password string

	// MinSize connections are kept open even when idle
	MinSize int

	// MaxSize bounds the number of open connections
	MaxSize int

	// PoolTimeout bounds how long Acquire waits for a connection
	PoolTimeout time.Duration

	// IdleTimeout is how long a connection above MinSize may sit idle before
	// the sweeper closes it. Negative disables sweeping.
	IdleTimeout time.Duration

	// IdleCheckFrequency is how often the sweeper runs
	IdleCheckFrequency time.Duration

	// DialTimeout bounds establishing a new connection, handshake included
	DialTimeout time.Duration

	// ListenerBuffer is the initial capacity of each pub/sub listener's queue
	ListenerBuffer int

	// Dial overrides how streams are established, mainly for tests
	Dial transport.DialFunc

	Log *zap.Logger
}

func (o Options) withDefaults() Options {
	if o.Addr == "" {
		o.Addr = "localhost:6379"
	}

	if o.MaxSize < 1 {
		o.MaxSize = 10
	}

	if o.MinSize < 0 {
		o.MinSize = 0
	}

	if o.MinSize > o.MaxSize {
		o.MinSize = o.MaxSize
	}

	if o.PoolTimeout == 0 {
		o.PoolTimeout = 5 * time.Second
	}

	if o.IdleTimeout == 0 {
		o.IdleTimeout = 5 * time.Minute
	}

	if o.IdleCheckFrequency == 0 {
		o.IdleCheckFrequency = time.Minute
	}

	if o.DialTimeout == 0 {
		o.DialTimeout = 5 * time.Second
	}

	if o.ListenerBuffer < 1 {
		o.ListenerBuffer = 64
	}

	if o.Log == nil {
		o.Log = zap.NewNop()
	}

	if o.Dial == nil {
		o.Dial = transport.NewTCP(transport.Options{
			Timeout: o.DialTimeout,
			Log:     o.Log,
		}).Dial
	}

	return o
}
