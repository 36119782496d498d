package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/luma/aredis/protocol"
)

var (
	// Print replies as JSON
	asJSON bool
)

func init() {
	flags := ExecCmd.Flags()

	flags.BoolVar(&asJSON, "json", false, "Print the reply as JSON")
}

var ExecCmd = &cobra.Command{
	Use:   "exec COMMAND [ARG...]",
	Short: "Run one command and print its reply",
	Long: `Run one command and print its reply

Usage
	aredis exec SET greeting hello
	aredis exec --json GET greeting

`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		c, _, _, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		v, err := c.Execute(ctx, protocol.Strings(args...))

		var serverErr *protocol.ServerError
		if err != nil && !errors.As(err, &serverErr) {
			return err
		}

		out := v.String()
		if asJSON {
			if out, err = ValueJSON(v); err != nil {
				return err
			}
		}

		fmt.Fprintln(cmd.OutOrStdout(), out)

		if serverErr != nil {
			return serverErr
		}

		return nil
	},
}
