package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luma/aredis/client"
)

var (
	// Treat the names as glob patterns
	patterns bool
)

func init() {
	flags := SubscribeCmd.Flags()

	flags.BoolVarP(&patterns, "pattern", "p", false, "Subscribe to glob-style patterns instead of channels")
}

var SubscribeCmd = &cobra.Command{
	Use:   "subscribe NAME...",
	Short: "Print messages published to channels until interrupted",
	Long: `Print messages published to channels until interrupted

Usage
	aredis subscribe news alerts
	aredis subscribe --pattern 'news.*'

`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer signalStop()

		c, _, log, err := connect(ctx)
		if err != nil {
			return err
		}
		defer c.Close(context.Background())

		messages := make(chan client.Message)
		errs := make(chan error, len(args))

		for _, name := range args {
			var l *client.Listener
			if patterns {
				l, err = c.PSubscribe(ctx, name)
			} else {
				l, err = c.Subscribe(ctx, name)
			}

			if err != nil {
				return err
			}

			log.Info("Subscribed", zap.String("name", name), zap.Bool("pattern", patterns))

			go func(l *client.Listener) {
				for {
					msg, err := l.Next(ctx)
					if err != nil {
						errs <- err
						return
					}

					select {
					case messages <- msg:
					case <-ctx.Done():
						return
					}
				}
			}(l)
		}

		out := cmd.OutOrStdout()

		for {
			select {
			case msg := <-messages:
				if msg.Pattern != "" {
					fmt.Fprintf(out, "%s %s %s\n", msg.Pattern, msg.Channel, msg.Payload)
				} else {
					fmt.Fprintf(out, "%s %s\n", msg.Channel, msg.Payload)
				}

			case err := <-errs:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err

			case <-ctx.Done():
				return nil
			}
		}
	},
}
