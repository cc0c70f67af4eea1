package client_test

import (
	"errors"
	"fmt"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/luma/kvwire/client"
	"github.com/luma/kvwire/devserver"
	"github.com/luma/kvwire/protocol"
	"github.com/luma/kvwire/transport"
)

var _ = Describe("Metrics", func() {
	DescribeTable("FailureKind",
		func(err error, kind string) {
			Expect(client.FailureKind(err)).To(Equal(kind))
		},
		Entry("contention", fmt.Errorf("GET: %w", transport.ErrContention), "contention"),
		Entry("server", &client.ServerError{Message: "ERR nope"}, "server"),
		Entry("aborted", client.ErrTxAborted, "aborted"),
		Entry("timeout", client.ErrTimeout, "timeout"),
		Entry("protocol", client.ErrUnexpectedReply, "protocol"),
		Entry("usage", transport.ErrNotOpen, "usage"),
		Entry("transport", errors.New("broken pipe"), "transport"),
	)

	It("counts commands, failures, messages and aborts", func() {
		server := startServer(devserver.Options{})
		defer server.Close()

		reg := prometheus.NewRegistry()
		metrics, err := client.NewMetrics(reg)
		Expect(err).To(Succeed())

		conn := connect(configFor(server), metrics)
		other := connect(configFor(server), nil)
		defer other.Close()

		Expect(conn.Ping()).To(Succeed())
		Expect(conn.Ping()).To(Succeed())
		Expect(testutil.ToFloat64(metrics.Commands.WithLabelValues(string(protocol.PING)))).To(Equal(2.0))

		Expect(conn.Watch("k")).To(Succeed())
		Expect(conn.Multi()).To(Succeed())
		Expect(other.Set("k", "v")).To(Succeed())
		_, err = conn.Exec()
		Expect(err).To(MatchError(client.ErrTxAborted))
		Expect(testutil.ToFloat64(metrics.TxAborts)).To(Equal(1.0))
		Expect(testutil.ToFloat64(metrics.Failures.WithLabelValues("aborted"))).To(Equal(1.0))

		pubsub := client.NewPubSub(conn)
		Expect(pubsub.Subscribe("a")).To(Succeed())
		Expect(conn.Ping()).To(MatchError(transport.ErrContention))
		Expect(testutil.ToFloat64(metrics.Failures.WithLabelValues("contention"))).To(Equal(1.0))

		Expect(other.Publish("a", "hi")).To(Equal(int64(1)))
		Eventually(func() float64 { return testutil.ToFloat64(metrics.Messages) }).Should(Equal(1.0))

		Expect(conn.Close()).To(Succeed())
	})

	It("refuses to register twice on one registry", func() {
		reg := prometheus.NewRegistry()

		_, err := client.NewMetrics(reg)
		Expect(err).To(Succeed())

		_, err = client.NewMetrics(reg)
		Expect(err).To(HaveOccurred())
	})

	It("is optional", func() {
		var metrics *client.Metrics
		Expect(func() { client.New(nil, metrics) }).NotTo(Panic())
	})
})
