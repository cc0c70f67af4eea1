package transport_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/kvwire/internal/testcert"
	"github.com/luma/kvwire/transport"
)

// echoServer answers every line it reads with "+<line>\r\n". Connections
// are handed to onAccept instead when it is set.
type echoServer struct {
	listener net.Listener
	onAccept func(net.Conn)
}

func startEchoServer(listener net.Listener, onAccept func(net.Conn)) *echoServer {
	s := &echoServer{listener: listener, onAccept: onAccept}

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}

			if s.onAccept != nil {
				go s.onAccept(conn)
				continue
			}

			go func() {
				defer conn.Close()

				r := bufio.NewReader(conn)
				for {
					line, err := r.ReadString('\n')
					if err != nil {
						return
					}

					if _, err := conn.Write([]byte("+" + line)); err != nil {
						return
					}
				}
			}()
		}
	}()

	return s
}

func (s *echoServer) port() int {
	return s.listener.Addr().(*net.TCPAddr).Port
}

func (s *echoServer) Close() error {
	return s.listener.Close()
}

func listenLocal() net.Listener {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	Expect(err).To(Succeed())
	return listener
}

func makeLogger() *zap.Logger {
	log, err := zap.NewDevelopment()
	Expect(err).To(Succeed())
	return log
}

func openSession(port int, opts transport.Options) *transport.Session {
	opts.Address = "127.0.0.1"
	opts.Port = port

	session := transport.NewSession(makeLogger())
	Expect(session.Open(context.Background(), opts)).To(Succeed())

	return session
}

var _ = Describe("Session", func() {
	var server *echoServer

	BeforeEach(func() {
		server = startEchoServer(listenLocal(), nil)
	})

	AfterEach(func() {
		Expect(server.Close()).To(Succeed())
	})

	It("reads and writes lines over the stream", func() {
		session := openSession(server.port(), transport.Options{})
		defer session.Dispose()

		Expect(session.IsOpen()).To(BeTrue())

		w, err := session.Writer()
		Expect(err).To(Succeed())
		_, err = w.WriteString("hello\r\n")
		Expect(err).To(Succeed())
		Expect(w.Flush()).To(Succeed())

		r, err := session.Reader()
		Expect(err).To(Succeed())
		Expect(r.ReadString('\n')).To(Equal("+hello\r\n"))
	})

	It("fails to open twice", func() {
		session := openSession(server.port(), transport.Options{})
		defer session.Dispose()

		err := session.Open(context.Background(), transport.Options{Address: "127.0.0.1", Port: server.port()})
		Expect(err).To(MatchError(transport.ErrAlreadyOpen))
	})

	It("refuses the reader and writer before Open", func() {
		session := transport.NewSession(nil)

		_, err := session.Reader()
		Expect(err).To(MatchError(transport.ErrNotOpen))

		_, err = session.Writer()
		Expect(err).To(MatchError(transport.ErrNotOpen))

		Expect(session.SetInfiniteReadTimeout()).To(MatchError(transport.ErrNotOpen))
	})

	Describe("Dispose()", func() {
		It("is idempotent", func() {
			session := openSession(server.port(), transport.Options{})

			Expect(session.Dispose()).To(Succeed())
			Expect(session.Dispose()).To(Succeed())
			Expect(session.IsOpen()).To(BeFalse())
			Expect(session.Done()).To(BeClosed())
		})

		It("makes later operations fail with ErrNotOpen", func() {
			session := openSession(server.port(), transport.Options{})
			Expect(session.Dispose()).To(Succeed())

			_, err := session.Reader()
			Expect(err).To(MatchError(transport.ErrNotOpen))

			_, err = session.Writer()
			Expect(err).To(MatchError(transport.ErrNotOpen))
		})

		It("never reopens", func() {
			session := openSession(server.port(), transport.Options{})
			Expect(session.Dispose()).To(Succeed())

			err := session.Open(context.Background(), transport.Options{Address: "127.0.0.1", Port: server.port()})
			Expect(err).To(MatchError(transport.ErrDisposed))
		})

		It("can be called on a session that never opened", func() {
			session := transport.NewSession(nil)
			Expect(session.Dispose()).To(Succeed())
			Expect(session.Done()).To(BeClosed())
		})

		It("releases a read blocked in another goroutine", func() {
			session := openSession(server.port(), transport.Options{})
			Expect(session.SetInfiniteReadTimeout()).To(Succeed())

			r, err := session.Reader()
			Expect(err).To(Succeed())

			readErr := make(chan error, 1)
			go func() {
				_, err := r.ReadString('\n')
				readErr <- err
			}()

			Consistently(readErr, 200*time.Millisecond).ShouldNot(Receive())

			Expect(session.Dispose()).To(Succeed())
			Eventually(readErr, time.Second).Should(Receive(HaveOccurred()))
			Expect(session.IsOpen()).To(BeFalse())
		})
	})

	It("breaks the session when a read times out", func() {
		silent := startEchoServer(listenLocal(), func(conn net.Conn) {
			time.Sleep(2 * time.Second)
			conn.Close()
		})
		defer silent.Close()

		session := openSession(silent.port(), transport.Options{Timeout: 100 * time.Millisecond})
		defer session.Dispose()

		r, err := session.Reader()
		Expect(err).To(Succeed())

		_, err = r.ReadString('\n')

		var netErr net.Error
		Expect(errors.As(err, &netErr)).To(BeTrue())
		Expect(netErr.Timeout()).To(BeTrue())
		Expect(session.IsOpen()).To(BeFalse())

		_, err = session.Reader()
		Expect(err).To(MatchError(transport.ErrNotOpen))
	})

	It("closes the stream when invalidated", func() {
		session := openSession(server.port(), transport.Options{})
		defer session.Dispose()

		session.Invalidate(errors.New("half a reply"))
		Expect(session.IsOpen()).To(BeFalse())

		_, err := session.Writer()
		Expect(err).To(MatchError(transport.ErrNotOpen))
		Expect(session.Dispose()).To(Succeed())
	})

	It("notices when the server closes the stream", func() {
		closing := startEchoServer(listenLocal(), func(conn net.Conn) {
			conn.Close()
		})
		defer closing.Close()

		session := openSession(closing.port(), transport.Options{})
		defer session.Dispose()

		r, err := session.Reader()
		Expect(err).To(Succeed())

		_, err = r.ReadString('\n')
		Expect(err).To(HaveOccurred())
		Expect(session.IsOpen()).To(BeFalse())
	})

	Describe("connection failures", func() {
		It("reports a refused connection", func() {
			listener := listenLocal()
			port := listener.Addr().(*net.TCPAddr).Port
			Expect(listener.Close()).To(Succeed())

			session := transport.NewSession(nil)
			err := session.Open(context.Background(), transport.Options{Address: "127.0.0.1", Port: port})
			Expect(err).To(MatchError(transport.ErrConnRefused))
			Expect(session.IsOpen()).To(BeFalse())
		})

		It("reports a name that does not resolve", func() {
			session := transport.NewSession(nil)
			err := session.Open(context.Background(), transport.Options{
				Address: "kvwire.invalid",
				Port:    6379,
				Timeout: 2 * time.Second,
			})
			Expect(err).To(MatchError(transport.ErrResolve))
		})
	})

	Describe("TLS", func() {
		var pair *testcert.Pair

		BeforeEach(func() {
			var err error
			pair, err = testcert.New()
			Expect(err).To(Succeed())
		})

		It("verifies the server against the connection address by default", func() {
			secure := startEchoServer(tls.NewListener(listenLocal(), pair.ServerConfig()), nil)
			defer secure.Close()

			session := openSession(secure.port(), transport.Options{
				TLS:       true,
				TLSConfig: pair.ClientConfig(),
			})
			defer session.Dispose()

			w, err := session.Writer()
			Expect(err).To(Succeed())
			_, err = w.WriteString("secret\r\n")
			Expect(err).To(Succeed())
			Expect(w.Flush()).To(Succeed())

			r, err := session.Reader()
			Expect(err).To(Succeed())
			Expect(r.ReadString('\n')).To(Equal("+secret\r\n"))
		})

		It("uses the explicit server name when one is given", func() {
			secure := startEchoServer(tls.NewListener(listenLocal(), pair.ServerConfig()), nil)
			defer secure.Close()

			session := transport.NewSession(nil)
			err := session.Open(context.Background(), transport.Options{
				Address:    "127.0.0.1",
				Port:       secure.port(),
				TLS:        true,
				ServerName: "not-the-cert.example",
				TLSConfig:  pair.ClientConfig(),
			})
			Expect(err).To(MatchError(transport.ErrHandshake))
		})

		It("reports a handshake against a plain server", func() {
			plain := startEchoServer(listenLocal(), func(conn net.Conn) {
				defer conn.Close()
				_, _ = conn.Write([]byte("-ERR not tls\r\n"))
				time.Sleep(time.Second)
			})
			defer plain.Close()

			session := transport.NewSession(nil)
			err := session.Open(context.Background(), transport.Options{
				Address:   "127.0.0.1",
				Port:      plain.port(),
				TLS:       true,
				TLSConfig: pair.ClientConfig(),
				Timeout:   time.Second,
			})
			Expect(err).To(MatchError(transport.ErrHandshake))
			Expect(session.IsOpen()).To(BeFalse())
		})
	})
})
