package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/aredis/client"
	"github.com/luma/aredis/cmd/gen"
	"github.com/luma/aredis/internal/env"
)

var (
	// Overrides for AREDIS_ADDR and AREDIS_DB
	addr string
	db   int
)

var RootCmd = &cobra.Command{
	Use:   "aredis",
	Short: "Redis client and HTTP gateway",
	Long: `Redis client and HTTP gateway

Connection settings come from AREDIS_* environment variables, or a
.env.local file in the working directory, and can be overridden with
flags.`,
	SilenceUsage: true,
}

func init() {
	flags := RootCmd.PersistentFlags()

	flags.StringVar(&addr, "addr", "", "Server address, overrides AREDIS_ADDR")
	flags.IntVar(&db, "db", -1, "Database to select, overrides AREDIS_DB")

	RootCmd.AddCommand(ExecCmd)
	RootCmd.AddCommand(SubscribeCmd)
	RootCmd.AddCommand(ServeCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setup loads the config, applies the flag overrides and builds the logger.
func setup(ctx context.Context) (*env.Config, *zap.Logger, error) {
	conf, err := env.LoadConfig(ctx)
	if err != nil {
		return nil, nil, err
	}

	if addr != "" {
		conf.Addr = addr
	}

	if db >= 0 {
		conf.DB = db
	}

	log, err := env.MakeLogger(conf.LogLevel)
	if err != nil {
		return nil, nil, err
	}

	return conf, log, nil
}

func connect(ctx context.Context) (*client.Client, *env.Config, *zap.Logger, error) {
	conf, log, err := setup(ctx)
	if err != nil {
		return nil, nil, nil, err
	}

	c, err := client.New(ctx, conf.Options(log))
	if err != nil {
		return nil, nil, nil, err
	}

	return c, conf, log, nil
}
