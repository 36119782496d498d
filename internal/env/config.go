package env

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"go.uber.org/zap"

	"github.com/luma/aredis/client"
)

type Config struct {
	Addr     string `env:"AREDIS_ADDR,default=localhost:6379"`
	DB       int    `env:"AREDIS_DB"`
	Password string `env:"AREDIS_PASSWORD"`

	PoolMinSize int           `env:"AREDIS_POOL_MIN_SIZE"`
	PoolMaxSize int           `env:"AREDIS_POOL_MAX_SIZE,default=10"`
	PoolTimeout time.Duration `env:"AREDIS_POOL_TIMEOUT,default=5s"`
	IdleTimeout time.Duration `env:"AREDIS_IDLE_TIMEOUT,default=5m"`
	DialTimeout time.Duration `env:"AREDIS_DIAL_TIMEOUT,default=5s"`

	LogLevel  string `env:"AREDIS_LOG_LEVEL,default=info"`
	DebugHTTP bool   `env:"AREDIS_DEBUG_HTTP"`
}

func LoadConfig(ctx context.Context) (*Config, error) {
	config := Config{}

	if err := godotenv.Load(".env.local"); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := envconfig.Process(ctx, &config); err != nil {
		return nil, err
	}

	return &config, nil
}

// Options maps the config onto client options.
func (c *Config) Options(log *zap.Logger) client.Options {
	return client.Options{
		Addr:        c.Addr,
		DB:          c.DB,
		Password:    c.Password,
		MinSize:     c.PoolMinSize,
		MaxSize:     c.PoolMaxSize,
		PoolTimeout: c.PoolTimeout,
		IdleTimeout: c.IdleTimeout,
		DialTimeout: c.DialTimeout,
		Log:         log,
	}
}
