package client_test

import (
	"context"
	"errors"
	"sync"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/aredis/client"
	"github.com/luma/aredis/internal/redistest"
	"github.com/luma/aredis/protocol"
)

var _ = Describe("client / Client", func() {
	var (
		srv *redistest.Server
		c   *client.Client
		ctx context.Context

		cancel context.CancelFunc
	)

	BeforeEach(func() {
		srv = startServer(redistest.Options{})
		ctx, cancel = withTimeout()

		var err error
		c, err = client.New(ctx, client.Options{Addr: srv.Addr(), MaxSize: 1})
		Expect(err).To(Succeed())
	})

	AfterEach(func() {
		Expect(c.Close(ctx)).To(Succeed())
		cancel()
		Expect(srv.Close()).To(Succeed())
	})

	Describe("Execute()", func() {
		It("returns the reply", func() {
			v, err := c.Execute(ctx, protocol.Strings("SET", "k", "v"))
			Expect(err).To(Succeed())
			Expect(v.Equal(protocol.Status("OK"))).To(BeTrue())

			v, err = c.Do(ctx, "GET", "k")
			Expect(err).To(Succeed())
			Expect(v.Text()).To(Equal("v"))
		})

		It("returns error replies together with a ServerError", func() {
			v, err := c.Do(ctx, "NOPE")
			Expect(v.Kind).To(Equal(protocol.KindError))

			var serverErr *protocol.ServerError
			Expect(errors.As(err, &serverErr)).To(BeTrue())
			Expect(serverErr.Message).To(Equal("ERR unknown command 'nope'"))

			// still usable
			_, err = c.Do(ctx, "PING")
			Expect(err).To(Succeed())
		})

		It("serves concurrent callers in turn on one connection", func() {
			srv.Pause()

			var (
				wg      sync.WaitGroup
				mu      sync.Mutex
				results []int64
			)

			for i := 0; i < 3; i++ {
				wg.Add(1)
				go func() {
					defer GinkgoRecover()
					defer wg.Done()

					v, err := c.Do(ctx, "INCR", "n")
					Expect(err).To(Succeed())

					mu.Lock()
					results = append(results, v.Int)
					mu.Unlock()
				}()
			}

			// the connection stays lent until its reply arrives
			Eventually(func() int { return c.Pool().Stats().Waiting }).Should(Equal(2))
			Expect(srv.Received()).To(HaveLen(1))

			srv.Resume()
			wg.Wait()

			Expect(results).To(ConsistOf(int64(1), int64(2), int64(3)))
			Expect(srv.Accepted()).To(Equal(1))
		})

		It("returns the reply of SELECT and keeps later commands on the pool db", func() {
			v, err := c.Execute(ctx, protocol.Strings("SELECT", "1"))
			Expect(err).To(Succeed())
			Expect(v.Equal(protocol.Status("OK"))).To(BeTrue())

			// left on db 1, so it was not reused
			Expect(c.Pool().Stats().Size).To(BeZero())

			_, err = c.Do(ctx, "SET", "k", "v")
			Expect(err).To(Succeed())

			_, found := srv.Store().Get(0, "k")
			Expect(found).To(BeTrue())
			_, found = srv.Store().Get(1, "k")
			Expect(found).To(BeFalse())
		})

		It("does not reuse a connection after QUIT", func() {
			v, err := c.Do(ctx, "QUIT")
			Expect(err).To(Succeed())
			Expect(v.Text()).To(Equal("OK"))
			Expect(c.Pool().Stats().Size).To(BeZero())

			_, err = c.Do(ctx, "PING")
			Expect(err).To(Succeed())
			Expect(srv.Accepted()).To(Equal(2))
		})

		It("keeps a reply in flight across Clear and Close", func() {
			srv.Pause()

			done := make(chan error, 1)
			go func() {
				_, err := c.Do(ctx, "PING")
				done <- err
			}()

			Eventually(func() int { return len(srv.Received()) }).Should(Equal(1))

			Expect(c.Pool().Clear()).To(Succeed())
			Expect(c.Pool().Close()).To(Succeed())
			Consistently(done, 50*time.Millisecond).ShouldNot(Receive())

			srv.Resume()

			var err error
			Eventually(done).Should(Receive(&err))
			Expect(err).To(Succeed())
			Expect(c.Pool().Stats().Size).To(BeZero())
		})

		It("reports transport failures", func() {
			_, err := c.Do(ctx, "PING")
			Expect(err).To(Succeed())

			srv.Pause()

			done := make(chan error, 1)
			go func() {
				_, err := c.Do(ctx, "GET", "k")
				done <- err
			}()

			Eventually(func() int { return len(srv.Received()) }).Should(Equal(2))
			srv.DropConnections()

			var err2 error
			Eventually(done).Should(Receive(&err2))
			Expect(errors.Is(err2, client.ErrTransport)).To(BeTrue())

			srv.Resume()

			// the broken connection is replaced
			Eventually(func() error {
				_, err := c.Do(ctx, "PING")
				return err
			}).Should(Succeed())
		})

		It("keeps a reply in flight across an idle sweep", func() {
			sweeping, err := client.New(ctx, client.Options{
				Addr:               srv.Addr(),
				MaxSize:            1,
				IdleTimeout:        50 * time.Millisecond,
				IdleCheckFrequency: 10 * time.Millisecond,
			})
			Expect(err).To(Succeed())
			defer sweeping.Close(ctx)

			srv.Pause()

			done := make(chan error, 1)
			go func() {
				_, err := sweeping.Do(ctx, "PING")
				done <- err
			}()

			Consistently(done, 300*time.Millisecond).ShouldNot(Receive())
			srv.Resume()

			Eventually(done).Should(Receive(&err))
			Expect(err).To(Succeed())
		})
	})

	Describe("Pipeline()", func() {
		It("returns replies in send order", func() {
			p, err := c.Pipeline(ctx)
			Expect(err).To(Succeed())

			for _, cmd := range []protocol.Command{
				protocol.Strings("SET", "k", "1"),
				protocol.Strings("INCR", "k"),
				protocol.Strings("NOPE"),
				protocol.Strings("GET", "k"),
			} {
				_, err := p.Send(cmd)
				Expect(err).To(Succeed())
			}

			values, err := p.Exec(ctx)
			Expect(err).To(Succeed())
			Expect(values).To(HaveLen(4))
			Expect(values[0].Text()).To(Equal("OK"))
			Expect(values[1].Int).To(Equal(int64(2)))
			Expect(values[2].Kind).To(Equal(protocol.KindError))
			Expect(values[3].Text()).To(Equal("2"))

			_, err = p.Send(protocol.Strings("PING"))
			Expect(err).To(MatchError(client.ErrClosed))
			Expect(c.Pool().Stats().Lent).To(BeZero())
		})

		It("keeps every reply when the pipeline switches db", func() {
			p, err := c.Pipeline(ctx)
			Expect(err).To(Succeed())

			for _, cmd := range []protocol.Command{
				protocol.Strings("SET", "k", "v"),
				protocol.Strings("SELECT", "1"),
				protocol.Strings("GET", "k"),
			} {
				_, err := p.Send(cmd)
				Expect(err).To(Succeed())
			}

			values, err := p.Exec(ctx)
			Expect(err).To(Succeed())
			Expect(values).To(HaveLen(3))
			Expect(values[0].Text()).To(Equal("OK"))
			Expect(values[1].Text()).To(Equal("OK"))
			Expect(values[2].IsNull()).To(BeTrue())

			stats := c.Pool().Stats()
			Expect(stats.Lent).To(BeZero())
			Expect(stats.Size).To(BeZero())
		})
	})

	Describe("Close()", func() {
		It("unsubscribes listeners and closes the pool", func() {
			l, err := c.Subscribe(ctx, "ch")
			Expect(err).To(Succeed())

			Expect(c.Close(ctx)).To(Succeed())

			Eventually(l.Done()).Should(BeClosed())
			_, err = l.Next(ctx)
			Expect(err).To(MatchError(client.ErrListenerClosed))

			_, err = c.Do(ctx, "PING")
			Expect(err).To(MatchError(client.ErrPoolClosed))
		})
	})
})
