package transport

import (
	"time"

	"go.uber.org/zap"
)

type Options struct {
	// Timeout bounds establishing the connection
	Timeout time.Duration

	// KeepAlive is the TCP keep-alive period. Zero uses the OS default,
	// a negative value disables keep-alives.
	KeepAlive time.Duration

	Log *zap.Logger
}
