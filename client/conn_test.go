package client_test

import (
	"bufio"
	"context"
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/kvwire/client"
	"github.com/luma/kvwire/devserver"
	"github.com/luma/kvwire/internal/testcert"
	"github.com/luma/kvwire/protocol"
	"github.com/luma/kvwire/transport"
)

var _ = Describe("Conn", func() {
	var (
		server *devserver.Server
		conn   *client.Conn
	)

	BeforeEach(func() {
		server = startServer(devserver.Options{})
		conn = connect(configFor(server), nil)
	})

	AfterEach(func() {
		Expect(conn.Close()).To(Succeed())
		Expect(server.Close()).To(Succeed())
	})

	It("pings", func() {
		Expect(conn.Ping()).To(Succeed())
	})

	It("sets and gets values", func() {
		_, ok, err := conn.Get("foo")
		Expect(err).To(Succeed())
		Expect(ok).To(BeFalse())

		Expect(conn.Set("foo", "bar baz")).To(Succeed())

		value, ok, err := conn.Get("foo")
		Expect(err).To(Succeed())
		Expect(ok).To(BeTrue())
		Expect(value).To(Equal("bar baz"))

		Expect(conn.Del("foo", "other")).To(Equal(int64(1)))
	})

	It("increments counters", func() {
		Expect(conn.Incr("n")).To(Equal(int64(1)))
		Expect(conn.Incr("n")).To(Equal(int64(2)))
	})

	It("returns raw replies from Send", func() {
		reply, err := conn.Send(protocol.NewCommand(protocol.ECHO, "hello"))
		Expect(err).To(Succeed())
		Expect(reply).To(Equal(protocol.Bulk("hello")))
	})

	It("surfaces server errors as a ServerError", func() {
		Expect(conn.Set("s", "abc")).To(Succeed())

		_, err := conn.Incr("s")
		Expect(err).To(MatchError(client.ErrServer))

		var serverErr *client.ServerError
		Expect(errors.As(err, &serverErr)).To(BeTrue())
		Expect(serverErr.Code()).To(Equal("ERR"))
		Expect(serverErr.Message).To(ContainSubstring("not an integer"))

		Expect(conn.Ping()).To(Succeed())
	})

	It("returns the server's reply alongside a ServerError", func() {
		reply, err := conn.Send(protocol.NewCommand("NOPE"))
		Expect(err).To(MatchError(client.ErrServer))
		Expect(reply).To(Equal(protocol.Error("ERR unknown command 'nope'")))
	})

	It("rejects blank keys before sending", func() {
		Expect(conn.Set(" ", "v")).To(MatchError(client.ErrInvalidArgument))

		_, err := conn.Del()
		Expect(err).To(MatchError(client.ErrInvalidArgument))
	})

	It("fails fast while another operation holds the session", func() {
		guard := conn.Session().Guard()
		Expect(guard.Obtain()).To(Succeed())

		Expect(conn.Ping()).To(MatchError(transport.ErrContention))

		Expect(guard.Release()).To(Succeed())
		Expect(conn.Ping()).To(Succeed())
	})

	It("cannot be used once closed", func() {
		Expect(conn.Close()).To(Succeed())
		Expect(conn.IsOpen()).To(BeFalse())

		Expect(conn.Ping()).To(MatchError(transport.ErrNotOpen))
		Expect(conn.Connect(context.Background(), configFor(server))).To(MatchError(transport.ErrDisposed))
	})

	It("cannot connect twice", func() {
		Expect(conn.Connect(context.Background(), configFor(server))).To(MatchError(transport.ErrAlreadyOpen))
	})

	It("refuses commands before connecting", func() {
		fresh := client.New(nil, nil)
		Expect(fresh.Ping()).To(MatchError(transport.ErrNotOpen))
	})
})

var _ = Describe("Connect handshake", func() {
	It("authenticates and names the connection", func() {
		server := startServer(devserver.Options{Password: "s3cret"})
		defer server.Close()

		conf := configFor(server)
		conf.Password = "s3cret"
		conf.Name = "worker-1"

		conn := connect(conf, nil)
		defer conn.Close()

		reply, err := conn.Send(protocol.NewCommand("CLIENT_GETNAME"))
		Expect(err).To(Succeed())
		Expect(reply).To(Equal(protocol.Bulk("worker-1")))
	})

	It("disposes the session when authentication fails", func() {
		server := startServer(devserver.Options{Password: "s3cret"})
		defer server.Close()

		conf := configFor(server)
		conf.Password = "wrong"

		conn := client.New(makeLogger(), nil)
		err := conn.Connect(context.Background(), conf)
		Expect(err).To(MatchError(client.ErrServer))
		Expect(err.Error()).To(ContainSubstring("authenticate"))
		Expect(conn.IsOpen()).To(BeFalse())
	})

	It("is rejected by a password protected server without AUTH", func() {
		server := startServer(devserver.Options{Password: "s3cret"})
		defer server.Close()

		conn := connect(configFor(server), nil)
		defer conn.Close()

		var serverErr *client.ServerError
		Expect(errors.As(conn.Ping(), &serverErr)).To(BeTrue())
		Expect(serverErr.Code()).To(Equal("NOAUTH"))
	})

	It("connects over TLS", func() {
		pair, err := testcert.New()
		Expect(err).To(Succeed())

		server := startServer(devserver.Options{TLSConfig: pair.ServerConfig()})
		defer server.Close()

		conf := configFor(server)
		conf.TLS = true
		conf.TLSConfig = pair.ClientConfig()

		conn := connect(conf, nil)
		defer conn.Close()

		Expect(conn.Ping()).To(Succeed())
	})

	It("reports a refused connection", func() {
		server := startServer(devserver.Options{})
		conf := configFor(server)
		Expect(server.Close()).To(Succeed())

		conn := client.New(makeLogger(), nil)
		Expect(conn.Connect(context.Background(), conf)).To(MatchError(transport.ErrConnRefused))
	})
})

var _ = Describe("Conn against a scripted server", func() {
	It("gives up on the session when a reply arrives after the timeout", func() {
		listener := scriptedServer(func(conn net.Conn, r *bufio.Reader) {
			Expect(protocol.ReadCommand(r)).To(Equal([]string{"GET", "a"}))
			time.Sleep(300 * time.Millisecond)
			_ = protocol.WriteReply(conn, protocol.Bulk("A-VAL!"))

			// A second command must never be answered with the first reply.
			if _, err := protocol.ReadCommand(r); err == nil {
				_ = protocol.WriteReply(conn, protocol.Bulk("B-VAL!"))
			}
		})
		defer listener.Close()

		conn := connect(client.Config{
			Address: "127.0.0.1",
			Port:    listener.Addr().(*net.TCPAddr).Port,
			Timeout: 100 * time.Millisecond,
		}, nil)
		defer conn.Close()

		_, _, err := conn.Get("a")
		var netErr net.Error
		Expect(errors.As(err, &netErr)).To(BeTrue())
		Expect(netErr.Timeout()).To(BeTrue())
		Expect(conn.IsOpen()).To(BeFalse())

		time.Sleep(300 * time.Millisecond)

		value, _, err := conn.Get("b")
		Expect(err).To(MatchError(transport.ErrNotOpen))
		Expect(value).To(BeEmpty())
	})

	It("gives up on the session after a malformed reply", func() {
		listener := scriptedServer(func(conn net.Conn, r *bufio.Reader) {
			_, err := protocol.ReadCommand(r)
			Expect(err).To(Succeed())
			_, _ = conn.Write([]byte("$3\r\nabcdef\r\n+OK\r\n"))
			_, _ = r.ReadString('\n')
		})
		defer listener.Close()

		conn := connectTo(listener)
		defer conn.Close()

		_, _, err := conn.Get("a")
		Expect(err).To(MatchError(protocol.ErrProtocol))
		Expect(conn.IsOpen()).To(BeFalse())

		Expect(conn.Ping()).To(MatchError(transport.ErrNotOpen))
	})
})
