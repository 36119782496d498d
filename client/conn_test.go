package client_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/aredis/client"
	"github.com/luma/aredis/internal/redistest"
	"github.com/luma/aredis/protocol"
	"github.com/luma/aredis/transport"
)

var _ = Describe("client / Conn", func() {
	Describe("over a pipe", func() {
		var (
			conn *client.Conn
			srv  *pipeServer
		)

		BeforeEach(func() {
			conn, srv = newPipeConn()
		})

		AfterEach(func() {
			conn.Close()
			srv.close()
		})

		It("matches replies to commands in send order", func() {
			w1, err := conn.Send(protocol.Strings("GET", "a"))
			Expect(err).To(Succeed())
			w2, err := conn.Send(protocol.Strings("GET", "b"))
			Expect(err).To(Succeed())

			Expect(srv.next().String()).To(Equal("GET a"))
			Expect(srv.next().String()).To(Equal("GET b"))
			Expect(conn.Pending()).To(Equal(2))

			srv.write("$1\r\nA\r\n$1\r\nB\r\n")

			ctx, cancel := withTimeout()
			defer cancel()

			v, err := w1.Wait(ctx)
			Expect(err).To(Succeed())
			Expect(v.Text()).To(Equal("A"))

			v, err = w2.Wait(ctx)
			Expect(err).To(Succeed())
			Expect(v.Text()).To(Equal("B"))

			Expect(conn.Pending()).To(BeZero())
		})

		It("keeps an orphaned waiter queued so the next reply still lines up", func() {
			w1, err := conn.Send(protocol.Strings("GET", "a"))
			Expect(err).To(Succeed())
			srv.next()

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			_, err = w1.Wait(ctx)
			cancel()
			Expect(err).To(MatchError(context.DeadlineExceeded))
			Expect(w1.Orphaned()).To(BeTrue())

			w2, err := conn.Send(protocol.Strings("GET", "b"))
			Expect(err).To(Succeed())
			srv.next()

			srv.write("$1\r\nA\r\n$1\r\nB\r\n")

			ctx, cancel = withTimeout()
			defer cancel()

			v, err := w2.Wait(ctx)
			Expect(err).To(Succeed())
			Expect(v.Text()).To(Equal("B"))

			Eventually(w1.Done()).Should(BeClosed())
			v, _ = w1.Result()
			Expect(v.Text()).To(Equal("A"))
		})

		It("returns error replies as values and stays usable", func() {
			ctx, cancel := withTimeout()
			defer cancel()

			w, err := conn.Send(protocol.Strings("NOPE"))
			Expect(err).To(Succeed())
			srv.next()
			srv.write("-ERR unknown command 'nope'\r\n")

			v, err := w.Wait(ctx)
			Expect(err).To(Succeed())
			Expect(v.Kind).To(Equal(protocol.KindError))

			var serverErr *protocol.ServerError
			Expect(errors.As(v.Err(), &serverErr)).To(BeTrue())
			Expect(serverErr.Prefix()).To(Equal("ERR"))

			Expect(conn.Err()).To(Succeed())
		})

		It("fails every waiter on a malformed frame", func() {
			w1, err := conn.Send(protocol.Strings("GET", "a"))
			Expect(err).To(Succeed())
			w2, err := conn.Send(protocol.Strings("GET", "b"))
			Expect(err).To(Succeed())
			srv.next()
			srv.next()

			srv.write("?oops\r\n")

			ctx, cancel := withTimeout()
			defer cancel()

			for _, w := range []*client.Waiter{w1, w2} {
				_, err := w.Wait(ctx)
				Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
			}

			Eventually(conn.Closed()).Should(BeClosed())

			_, err = conn.Send(protocol.Strings("PING"))
			Expect(errors.Is(err, protocol.ErrProtocol)).To(BeTrue())
		})

		It("treats a reply nobody asked for as a protocol error", func() {
			srv.write("+OK\r\n")

			Eventually(conn.Closed()).Should(BeClosed())
			Expect(errors.Is(conn.Err(), protocol.ErrProtocol)).To(BeTrue())
		})

		It("fails pending waiters with ErrClosed on Close", func() {
			w, err := conn.Send(protocol.Strings("GET", "a"))
			Expect(err).To(Succeed())
			srv.next()

			conn.Close()

			ctx, cancel := withTimeout()
			defer cancel()

			_, err = w.Wait(ctx)
			Expect(err).To(MatchError(client.ErrClosed))

			_, err = conn.Send(protocol.Strings("PING"))
			Expect(err).To(MatchError(client.ErrClosed))
		})

		It("rejects an empty command without writing", func() {
			_, err := conn.Send(protocol.Command{})
			Expect(err).To(MatchError(protocol.ErrEmptyCommand))
			Consistently(srv.cmds, 50*time.Millisecond).ShouldNot(Receive())
		})

		Describe("modes", func() {
			It("reports ErrSubscribed locally while subscribed", func() {
				w, err := conn.Send(protocol.Strings("SUBSCRIBE", "ch"))
				Expect(err).To(Succeed())
				Expect(conn.Mode()).To(Equal(client.ModeSubscribing))

				srv.next()
				srv.write("*3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n")
				Eventually(w.Done()).Should(BeClosed())
				Expect(conn.Mode()).To(Equal(client.ModeSubscribed))

				_, err = conn.Send(protocol.Strings("GET", "k"))
				Expect(err).To(MatchError(client.ErrSubscribed))
				Consistently(srv.cmds, 50*time.Millisecond).ShouldNot(Receive())

				ping, err := conn.Send(protocol.Strings("PING"))
				Expect(err).To(Succeed())
				srv.next()
				srv.write("*2\r\n$4\r\npong\r\n$0\r\n\r\n")
				Eventually(ping.Done()).Should(BeClosed())

				v, err := ping.Result()
				Expect(err).To(Succeed())
				Expect(v.Elems[0].Text()).To(Equal("pong"))
			})

			It("answers commands sent before SUBSCRIBE normally", func() {
				get, err := conn.Send(protocol.Strings("GET", "k"))
				Expect(err).To(Succeed())
				sub, err := conn.Send(protocol.Strings("SUBSCRIBE", "ch"))
				Expect(err).To(Succeed())
				srv.next()
				srv.next()

				// an array reply shaped like a message still belongs to GET
				srv.write("*3\r\n$7\r\nmessage\r\n$2\r\nch\r\n$1\r\nx\r\n")
				srv.write("*3\r\n$9\r\nsubscribe\r\n$2\r\nch\r\n:1\r\n")

				Eventually(get.Done()).Should(BeClosed())
				v, _ := get.Result()
				Expect(v.Kind).To(Equal(protocol.KindArray))
				Expect(v.Elems).To(HaveLen(3))

				Eventually(sub.Done()).Should(BeClosed())
				Expect(conn.Mode()).To(Equal(client.ModeSubscribed))
			})

			It("resolves a multi-channel subscribe after every confirmation", func() {
				w, err := conn.Send(protocol.Strings("SUBSCRIBE", "a", "b"))
				Expect(err).To(Succeed())
				srv.next()

				srv.write("*3\r\n$9\r\nsubscribe\r\n$1\r\na\r\n:1\r\n")
				Consistently(w.Done(), 50*time.Millisecond).ShouldNot(BeClosed())

				srv.write("*3\r\n$9\r\nsubscribe\r\n$1\r\nb\r\n:2\r\n")
				Eventually(w.Done()).Should(BeClosed())

				v, _ := w.Result()
				Expect(v.Elems[1].Text()).To(Equal("b"))
			})

			It("goes back to normal after the last unsubscribe", func() {
				sub, _ := conn.Send(protocol.Strings("SUBSCRIBE", "a"))
				srv.next()
				srv.write("*3\r\n$9\r\nsubscribe\r\n$1\r\na\r\n:1\r\n")
				Eventually(sub.Done()).Should(BeClosed())

				unsub, err := conn.Send(protocol.Strings("UNSUBSCRIBE"))
				Expect(err).To(Succeed())
				srv.next()
				srv.write("*3\r\n$11\r\nunsubscribe\r\n$1\r\na\r\n:0\r\n")

				Eventually(unsub.Done()).Should(BeClosed())
				Expect(conn.Mode()).To(Equal(client.ModeNormal))
				Expect(conn.Healthy()).To(BeTrue())
			})

			It("enters and leaves queueing around MULTI and EXEC", func() {
				multi, _ := conn.Send(protocol.Strings("MULTI"))
				Expect(conn.Mode()).To(Equal(client.ModeQueueing))
				Expect(conn.Healthy()).To(BeFalse())

				exec, _ := conn.Send(protocol.Strings("EXEC"))
				Expect(conn.Mode()).To(Equal(client.ModeNormal))

				srv.next()
				srv.next()
				srv.write("+OK\r\n*0\r\n")
				Eventually(multi.Done()).Should(BeClosed())
				Eventually(exec.Done()).Should(BeClosed())
			})

			It("reverts a rejected MULTI", func() {
				multi, _ := conn.Send(protocol.Strings("MULTI"))
				srv.next()
				srv.write("-ERR MULTI calls can not be nested\r\n")

				Eventually(multi.Done()).Should(BeClosed())
				Expect(conn.Mode()).To(Equal(client.ModeNormal))
			})

			It("tracks the selected db and restores it on rejection", func() {
				ok, _ := conn.Send(protocol.Strings("SELECT", "3"))
				Expect(conn.DB()).To(Equal(3))
				srv.next()
				srv.write("+OK\r\n")
				Eventually(ok.Done()).Should(BeClosed())

				bad, _ := conn.Send(protocol.Strings("SELECT", "99"))
				srv.next()
				srv.write("-ERR DB index is out of range\r\n")
				Eventually(bad.Done()).Should(BeClosed())
				Expect(conn.DB()).To(Equal(3))
			})

			It("is unhealthy while watching", func() {
				conn.Send(protocol.Strings("WATCH", "k"))
				Expect(conn.Healthy()).To(BeFalse())

				conn.Send(protocol.Strings("UNWATCH"))
				Expect(conn.Healthy()).To(BeTrue())
			})
		})
	})

	Describe("over TCP", func() {
		var srv *redistest.Server

		BeforeEach(func() {
			srv = startServer(redistest.Options{})
		})

		AfterEach(func() {
			Expect(srv.Close()).To(Succeed())
		})

		It("pipelines commands and resolves them in order", func() {
			ctx, cancel := withTimeout()
			defer cancel()

			conn, err := client.Dial(ctx, client.Options{Addr: srv.Addr()})
			Expect(err).To(Succeed())
			defer conn.Close()

			srv.Pause()

			var waiters []*client.Waiter
			for i := 0; i < 3; i++ {
				w, err := conn.Send(protocol.Strings("INCR", "n"))
				Expect(err).To(Succeed())
				waiters = append(waiters, w)
			}

			Eventually(func() int { return len(srv.Received()) }).Should(Equal(3))
			Consistently(waiters[0].Done(), 50*time.Millisecond).ShouldNot(BeClosed())

			srv.Resume()

			for i, w := range waiters {
				v, err := w.Wait(ctx)
				Expect(err).To(Succeed())
				Expect(v.Int).To(Equal(int64(i + 1)))
			}
		})

		It("fails every pending waiter when the server drops the connection", func() {
			ctx, cancel := withTimeout()
			defer cancel()

			conn, err := client.Dial(ctx, client.Options{Addr: srv.Addr()})
			Expect(err).To(Succeed())
			defer conn.Close()

			srv.Pause()

			var waiters []*client.Waiter
			for i := 0; i < 3; i++ {
				w, err := conn.Send(protocol.Strings("GET", "k"))
				Expect(err).To(Succeed())
				waiters = append(waiters, w)
			}

			Eventually(func() int { return len(srv.Received()) }).Should(Equal(3))
			Expect(srv.DropConnections()).To(Equal(1))

			for _, w := range waiters {
				_, err := w.Wait(ctx)
				Expect(errors.Is(err, client.ErrTransport)).To(BeTrue())

				var terr *client.TransportError
				Expect(errors.As(err, &terr)).To(BeTrue())
				Expect(terr.Op).To(Equal("read"))
			}

			_, err = conn.Send(protocol.Strings("PING"))
			Expect(errors.Is(err, client.ErrTransport)).To(BeTrue())
			Expect(conn.Healthy()).To(BeFalse())
		})

		It("closes on a malformed frame from the server", func() {
			ctx, cancel := withTimeout()
			defer cancel()

			conn, err := client.Dial(ctx, client.Options{Addr: srv.Addr()})
			Expect(err).To(Succeed())
			defer conn.Close()

			Eventually(srv.Connections).Should(Equal(1))
			srv.Inject([]byte(":12a\r\n"))

			Eventually(conn.Closed()).Should(BeClosed())
			Expect(errors.Is(conn.Err(), protocol.ErrProtocol)).To(BeTrue())

			var perr *protocol.ProtocolError
			Expect(errors.As(conn.Err(), &perr)).To(BeTrue())
		})

		It("authenticates and selects the db while dialling", func() {
			locked := startServer(redistest.Options{Password: "secret"})
			defer locked.Close()

			ctx, cancel := withTimeout()
			defer cancel()

			conn, err := client.Dial(ctx, client.Options{Addr: locked.Addr(), Password: "secret", DB: 2})
			Expect(err).To(Succeed())
			defer conn.Close()

			Expect(conn.DB()).To(Equal(2))

			received := locked.Received()
			Expect(received).To(HaveLen(2))
			Expect(received[0].Name()).To(Equal("AUTH"))
			Expect(received[1].String()).To(Equal("SELECT 2"))

			_, err = conn.Do(ctx, protocol.Strings("SET", "k", "v"))
			Expect(err).To(Succeed())

			value, found := locked.Store().Get(2, "k")
			Expect(found).To(BeTrue())
			Expect(string(value)).To(Equal("v"))
		})

		It("fails the dial on a rejected password", func() {
			locked := startServer(redistest.Options{Password: "secret"})
			defer locked.Close()

			ctx, cancel := withTimeout()
			defer cancel()

			_, err := client.Dial(ctx, client.Options{Addr: locked.Addr(), Password: "wrong"})

			var serverErr *protocol.ServerError
			Expect(errors.As(err, &serverErr)).To(BeTrue())
			Expect(serverErr.Prefix()).To(Equal("WRONGPASS"))

			Eventually(locked.Connections).Should(BeZero())
		})

		It("wraps dial failures as transport errors", func() {
			ctx, cancel := withTimeout()
			defer cancel()

			refused := errors.New("connection refused")

			_, err := client.Dial(ctx, client.Options{
				Addr: srv.Addr(),
				Dial: func(context.Context, string) (transport.Stream, error) {
					return nil, refused
				},
			})
			Expect(errors.Is(err, client.ErrTransport)).To(BeTrue())
			Expect(errors.Is(err, refused)).To(BeTrue())
		})
	})
})
