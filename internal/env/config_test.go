package env_test

import (
	"context"
	"os"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/aredis/internal/env"
)

var _ = Describe("env / LoadConfig", func() {
	var keys []string

	setenv := func(key, value string) {
		Expect(os.Setenv(key, value)).To(Succeed())
		keys = append(keys, key)
	}

	AfterEach(func() {
		for _, key := range keys {
			os.Unsetenv(key)
		}
		keys = nil
	})

	It("falls back to the defaults", func() {
		config, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		Expect(config.Addr).To(Equal("localhost:6379"))
		Expect(config.PoolMaxSize).To(Equal(10))
		Expect(config.PoolTimeout).To(Equal(5 * time.Second))
		Expect(config.IdleTimeout).To(Equal(5 * time.Minute))
		Expect(config.LogLevel).To(Equal("info"))
	})

	It("reads the environment and maps it onto client options", func() {
		setenv("AREDIS_ADDR", "10.0.0.1:7000")
		setenv("AREDIS_DB", "4")
		setenv("AREDIS_POOL_MAX_SIZE", "3")
		setenv("AREDIS_POOL_TIMEOUT", "250ms")

		config, err := env.LoadConfig(context.Background())
		Expect(err).To(Succeed())

		log := zap.NewNop()
		opts := config.Options(log)
		Expect(opts.Addr).To(Equal("10.0.0.1:7000"))
		Expect(opts.DB).To(Equal(4))
		Expect(opts.MaxSize).To(Equal(3))
		Expect(opts.PoolTimeout).To(Equal(250 * time.Millisecond))
		Expect(opts.Log).To(BeIdenticalTo(log))
	})

	It("rejects malformed values", func() {
		setenv("AREDIS_POOL_MAX_SIZE", "lots")

		_, err := env.LoadConfig(context.Background())
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("env / MakeLogger", func() {
	It("accepts the zap level names", func() {
		log, err := env.MakeLogger("debug")
		Expect(err).To(Succeed())
		Expect(log.Core().Enabled(zap.DebugLevel)).To(BeTrue())

		log, err = env.MakeLogger("")
		Expect(err).To(Succeed())
		Expect(log.Core().Enabled(zap.DebugLevel)).To(BeFalse())
	})

	It("rejects unknown levels", func() {
		_, err := env.MakeLogger("chatty")
		Expect(err).To(HaveOccurred())
	})
})
