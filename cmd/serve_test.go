package cmd

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/luma/aredis/client"
	"github.com/luma/aredis/internal/redistest"
)

var _ = Describe("cmd / serve router", func() {
	var (
		srv    *redistest.Server
		c      *client.Client
		router http.Handler
	)

	BeforeEach(func() {
		var err error
		srv, err = redistest.Start(redistest.Options{})
		Expect(err).To(Succeed())

		c, err = client.New(context.Background(), client.Options{Addr: srv.Addr(), MaxSize: 2})
		Expect(err).To(Succeed())

		router = setupRouter(c, false, zap.NewNop())
	})

	AfterEach(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		Expect(c.Close(ctx)).To(Succeed())
		Expect(srv.Close()).To(Succeed())
	})

	serve := func(method, path, body string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(method, path, strings.NewReader(body)))
		return rec
	}

	It("pings the server", func() {
		rec := serve(http.MethodGet, "/ping", "")
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(rec.Body.String()).To(Equal("PONG"))
	})

	It("runs commands from /exec", func() {
		rec := serve(http.MethodPost, "/exec", `{"args": ["SET", "k", "v"]}`)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(gjson.Get(rec.Body.String(), "value").String()).To(Equal("OK"))

		rec = serve(http.MethodPost, "/exec", `{"args": ["INCRBY", "n", 5]}`)
		Expect(rec.Code).To(Equal(http.StatusOK))
		Expect(gjson.Get(rec.Body.String(), "type").String()).To(Equal("error"))

		rec = serve(http.MethodPost, "/exec", `{"args": ["GET", "k"]}`)
		Expect(gjson.Get(rec.Body.String(), "value").String()).To(Equal("v"))
	})

	It("rejects malformed /exec bodies", func() {
		for _, body := range []string{`nope`, `{}`, `{"args": []}`, `{"args": [["GET"]]}`} {
			Expect(serve(http.MethodPost, "/exec", body).Code).To(Equal(http.StatusBadRequest), body)
		}
	})

	It("reports pool stats", func() {
		serve(http.MethodGet, "/ping", "")

		rec := serve(http.MethodGet, "/stats", "")
		Expect(rec.Code).To(Equal(http.StatusOK))

		stats := gjson.Parse(rec.Body.String())
		Expect(stats.Get("size").Int()).To(Equal(int64(1)))
		Expect(stats.Get("idle").Int()).To(Equal(int64(1)))
		Expect(stats.Get("maxSize").Int()).To(Equal(int64(2)))
	})
})
