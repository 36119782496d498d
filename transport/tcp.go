package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"
)

// Stream is the duplex byte stream a client connection runs over.
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// DialFunc establishes a Stream to addr.
type DialFunc func(ctx context.Context, addr string) (Stream, error)

type TCP struct {
	dialer net.Dialer
	log    *zap.Logger
}

func NewTCP(options Options) *TCP {
	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	return &TCP{
		dialer: net.Dialer{
			Timeout:   options.Timeout,
			KeepAlive: options.KeepAlive,
		},
		log: log.Named("tcp"),
	}
}

// Dial connects to addr. It satisfies DialFunc.
func (t *TCP) Dial(ctx context.Context, addr string) (Stream, error) {
	start := time.Now()

	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("Failed to dial %s: %w", addr, err)
	}

	t.log.Debug("Connected",
		zap.String("addr", addr),
		zap.String("local", conn.LocalAddr().String()),
		zap.Duration("took", time.Since(start)))

	return conn, nil
}

var _ DialFunc = (*TCP)(nil).Dial
