package cmd

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"go.uber.org/zap"

	"github.com/luma/aredis/client"
	"github.com/luma/aredis/protocol"
)

var (
	// The host to listen on
	host string

	// The port to listen for http requests on
	httpPort string
)

func init() {
	flags := ServeCmd.PersistentFlags()

	flags.StringVar(&httpPort, "http-port", "7362", "The port to listen to HTTP requests on")
	flags.StringVarP(&host, "host", "a", "0.0.0.0", "The host to listen on")
}

var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the connection pool over HTTP",
	Long: `Expose the connection pool over HTTP

Endpoints
	GET  /ping    round trips a PING to the server
	GET  /stats   pool counters
	POST /exec    runs {"args": ["SET", "k", "v"]} and returns the reply

Usage
	aredis serve --http-port 7362

`,
	RunE: func(cmd *cobra.Command, args []string) (err error) {
		ctx, signalStop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer signalStop()

		c, conf, log, err := connect(ctx)
		if err != nil {
			return err
		}

		fileLimit, err := setFileLimit()
		if err != nil {
			return err
		}

		log.Info("Set file limit", zap.Uint64("fileLimit", fileLimit))

		s := &http.Server{
			Addr:    net.JoinHostPort(host, httpPort),
			Handler: setupRouter(c, conf.DebugHTTP, log),
		}

		// Initializing the server in a goroutine so that
		// it won't block the graceful shutdown handling below
		go func() {
			if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Http server errored", zap.Error(err))
			}
		}()

		log.Info("Listening",
			zap.String("addr", conf.Addr),
			zap.Int("db", conf.DB),
			zap.String("host", host),
			zap.String("httpPort", httpPort))

		// Listen for the interrupt signal.
		<-ctx.Done()

		// Restore default behavior on the interrupt signal and notify user of shutdown.
		signalStop()
		log.Info("Shutting down gracefully, press Ctrl+C again to force")

		// The context is used to inform the server it has 5 seconds to finish
		// the request it is currently handling
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.SetKeepAlivesEnabled(false)

		if err := s.Shutdown(ctx); err != nil {
			log.Error("Http server forced to shutdown", zap.Error(err))
		}

		if err := c.Close(ctx); err != nil {
			log.Error("Client did not close cleanly", zap.Error(err))
		}

		log.Info("Exiting")
		return nil
	},
}

func setupRouter(c *client.Client, debugHTTP bool, log *zap.Logger) *gin.Engine {
	gin.DisableConsoleColor()
	if !debugHTTP {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()

	// Logs all requests, like a combined access and error log, with
	// RFC3339 UTC timestamps.
	r.Use(ginzap.GinzapWithConfig(log, &ginzap.Config{
		TimeFormat: time.RFC3339,
		UTC:        true,
		SkipPaths:  []string{"/ping"},
	}))

	// Logs all panic to error log
	//   - stack means whether output the stack info.
	r.Use(ginzap.RecoveryWithZap(log, true))

	r.GET("/ping", func(ctx *gin.Context) {
		v, err := c.Do(ctx.Request.Context(), "PING")
		if err != nil {
			ctx.String(http.StatusBadGateway, err.Error())
			return
		}

		ctx.String(http.StatusOK, v.Text())
	})

	r.GET("/stats", func(ctx *gin.Context) {
		body, err := statsJSON(c.Pool().Stats())
		if err != nil {
			ctx.String(http.StatusInternalServerError, err.Error())
			return
		}

		ctx.Data(http.StatusOK, "application/json", []byte(body))
	})

	r.POST("/exec", func(ctx *gin.Context) {
		raw, err := ctx.GetRawData()
		if err != nil {
			ctx.String(http.StatusBadRequest, err.Error())
			return
		}

		cmd, err := parseExecBody(raw)
		if err != nil {
			ctx.String(http.StatusBadRequest, err.Error())
			return
		}

		v, err := c.Execute(ctx.Request.Context(), cmd)

		var serverErr *protocol.ServerError
		if err != nil && !errors.As(err, &serverErr) {
			ctx.String(http.StatusBadGateway, err.Error())
			return
		}

		body, err := ValueJSON(v)
		if err != nil {
			ctx.String(http.StatusInternalServerError, err.Error())
			return
		}

		ctx.Data(http.StatusOK, "application/json", []byte(body))
	})

	return r
}

var errBadExecBody = errors.New(`body must be {"args": ["COMMAND", "arg", ...]}`)

// parseExecBody reads the command out of an /exec request body.
func parseExecBody(raw []byte) (protocol.Command, error) {
	if !gjson.ValidBytes(raw) {
		return nil, errBadExecBody
	}

	args := gjson.GetBytes(raw, "args")
	if !args.IsArray() {
		return nil, errBadExecBody
	}

	var cmd protocol.Command
	for _, arg := range args.Array() {
		if arg.Type != gjson.String && arg.Type != gjson.Number {
			return nil, errBadExecBody
		}

		cmd = append(cmd, []byte(arg.String()))
	}

	if len(cmd) == 0 {
		return nil, errBadExecBody
	}

	return cmd, nil
}

func statsJSON(stats client.PoolStats) (string, error) {
	doc := "{}"

	for _, field := range []struct {
		path  string
		value int
	}{
		{"size", stats.Size},
		{"idle", stats.Idle},
		{"lent", stats.Lent},
		{"waiting", stats.Waiting},
		{"minSize", stats.MinSize},
		{"maxSize", stats.MaxSize},
		{"db", stats.DB},
	} {
		var err error
		if doc, err = sjson.Set(doc, field.path, field.value); err != nil {
			return "", err
		}
	}

	return doc, nil
}

func setFileLimit() (uint64, error) {
	var rLimit syscall.Rlimit

	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	rLimit.Cur = rLimit.Max
	if err := syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return 0, err
	}

	return rLimit.Cur, nil
}
