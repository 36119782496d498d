package transport_test

import (
	"context"
	"io"
	"net"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/aredis/transport"
)

var _ = Describe("transport", func() {
	Describe("TCP", func() {
		It("dials a listening address", func() {
			listener, err := reuseport.Listen("tcp", "127.0.0.1:0")
			Expect(err).To(Succeed())
			defer listener.Close()

			accepted := make(chan net.Conn, 1)
			go func() {
				conn, err := listener.Accept()
				if err == nil {
					accepted <- conn
				}
			}()

			tcp := transport.NewTCP(transport.Options{Timeout: time.Second, Log: zap.NewNop()})

			stream, err := tcp.Dial(context.Background(), listener.Addr().String())
			Expect(err).To(Succeed())
			defer stream.Close()

			var server net.Conn
			Eventually(accepted).Should(Receive(&server))
			defer server.Close()

			_, err = stream.Write([]byte("PING\r\n"))
			Expect(err).To(Succeed())

			buf := make([]byte, 6)
			_, err = io.ReadFull(server, buf)
			Expect(err).To(Succeed())
			Expect(string(buf)).To(Equal("PING\r\n"))
		})

		It("wraps dial failures with the address", func() {
			listener, err := reuseport.Listen("tcp", "127.0.0.1:0")
			Expect(err).To(Succeed())
			addr := listener.Addr().String()
			Expect(listener.Close()).To(Succeed())

			tcp := transport.NewTCP(transport.Options{Timeout: time.Second})

			_, err = tcp.Dial(context.Background(), addr)
			Expect(err).To(HaveOccurred())
			Expect(err.Error()).To(ContainSubstring(addr))
		})

		It("gives up when the context is done", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()

			_, err := transport.NewTCP(transport.Options{}).Dial(ctx, "127.0.0.1:1")
			Expect(err).To(HaveOccurred())
		})
	})
})
