package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

var (
	ErrAlreadyOpen = errors.New("session is already open")
	ErrNotOpen     = errors.New("session is not open")

	// ErrDisposed is returned by Open on a session that has been disposed.
	// Sessions are never reopened, create a new one instead.
	ErrDisposed = errors.New("session has been disposed")

	ErrResolve     = errors.New("cannot resolve server address")
	ErrConnRefused = errors.New("connection refused")
	ErrHandshake   = errors.New("tls handshake failed")
	ErrConnect     = errors.New("cannot connect to server")
)

// Session owns one stream to a server along with its timeouts, its open
// state and the Guard that serialises access to the stream.
type Session struct {
	mu     sync.Mutex
	conn   net.Conn
	stream *deadlineConn
	reader *bufio.Reader
	writer *bufio.Writer
	addr   string

	open     atomic.Bool
	disposed atomic.Bool

	disposeOnce sync.Once
	done        chan struct{}

	guard Guard

	log *zap.Logger
}

func NewSession(log *zap.Logger) *Session {
	if log == nil {
		log = zap.NewNop()
	}

	return &Session{
		done: make(chan struct{}),
		log:  log,
	}
}

// Open connects to the server described by opts. Nagle's algorithm is
// disabled and opts.Timeout is applied to every read and write.
func (s *Session) Open(ctx context.Context, opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.disposed.Load() {
		return ErrDisposed
	}

	if s.conn != nil {
		return ErrAlreadyOpen
	}

	timeout := opts.timeout()
	addr := net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port))

	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return classifyDialError(addr, err)
	}

	if tcpConn, ok := conn.(*net.TCPConn); ok {
		if err := tcpConn.SetNoDelay(true); err != nil {
			s.log.Warn("Failed to disable send delay", zap.String("addr", addr), zap.Error(err))
		}
	}

	if opts.TLS {
		tlsConn := tls.Client(conn, opts.tlsConfig())

		handshakeCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := tlsConn.HandshakeContext(handshakeCtx); err != nil {
			_ = conn.Close()
			return fmt.Errorf("%w: %s: %w", ErrHandshake, addr, err)
		}

		conn = tlsConn
	}

	stream := &deadlineConn{Conn: conn, session: s}
	stream.readTimeout.Store(int64(timeout))
	stream.writeTimeout.Store(int64(timeout))

	s.conn = conn
	s.stream = stream
	s.addr = addr
	s.reader = bufio.NewReader(stream)
	s.writer = bufio.NewWriter(stream)
	s.open.Store(true)

	s.log.Info("Session opened",
		zap.String("addr", addr),
		zap.Bool("tls", opts.TLS),
		zap.Duration("timeout", timeout))

	return nil
}

// IsOpen reports whether the stream is usable. It turns false once the
// session is disposed or a read or write finds the stream broken.
func (s *Session) IsOpen() bool {
	return s.open.Load()
}

func (s *Session) Reader() (*bufio.Reader, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}

	return s.reader, nil
}

func (s *Session) Writer() (*bufio.Writer, error) {
	if !s.IsOpen() {
		return nil, ErrNotOpen
	}

	return s.writer, nil
}

func (s *Session) Guard() *Guard {
	return &s.guard
}

// Done is closed when the session is disposed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.addr
}

// SetInfiniteReadTimeout removes the read timeout, reads then block until
// data arrives or the session is disposed. Used when a subscription takes
// over the stream.
func (s *Session) SetInfiniteReadTimeout() error {
	if !s.IsOpen() {
		return ErrNotOpen
	}

	s.stream.readTimeout.Store(0)
	return s.stream.Conn.SetReadDeadline(time.Time{})
}

// Dispose closes the stream. It is idempotent and may be called from any
// goroutine, a read blocked in another goroutine returns with an error.
func (s *Session) Dispose() error {
	var err error

	s.disposeOnce.Do(func() {
		s.disposed.Store(true)
		close(s.done)

		s.mu.Lock()
		defer s.mu.Unlock()

		s.open.Store(false)

		if s.conn == nil {
			return
		}

		if err = s.conn.Close(); err != nil && errors.Is(err, net.ErrClosed) {
			err = nil
		}

		s.log.Info("Session disposed", zap.String("addr", s.addr))
	})

	return err
}

// Invalidate marks the session broken and closes the stream, e.g. after a
// reply could only be read in part. Dispose must still be called.
func (s *Session) Invalidate(err error) {
	s.markBroken(err)

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()

	if conn == nil {
		return
	}

	if cerr := conn.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		s.log.Warn("Failed to close broken stream", zap.String("addr", s.addr), zap.Error(cerr))
	}
}

func (s *Session) markBroken(err error) {
	if s.open.CompareAndSwap(true, false) {
		s.log.Warn("Session stream broken", zap.String("addr", s.addr), zap.Error(err))
	}
}

func classifyDialError(addr string, err error) error {
	var dnsErr *net.DNSError

	switch {
	case errors.As(err, &dnsErr):
		return fmt.Errorf("%w: %s: %w", ErrResolve, addr, err)

	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %s: %w", ErrConnRefused, addr, err)

	default:
		return fmt.Errorf("%w: %s: %w", ErrConnect, addr, err)
	}
}

// deadlineConn turns the session timeouts into per call deadlines and
// reports broken streams back to the session.
type deadlineConn struct {
	net.Conn

	session      *Session
	readTimeout  atomic.Int64
	writeTimeout atomic.Int64
}

func (c *deadlineConn) Read(p []byte) (int, error) {
	if timeout := time.Duration(c.readTimeout.Load()); timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			c.check(err)
			return 0, err
		}
	}

	n, err := c.Conn.Read(p)
	if err != nil {
		c.check(err)
	}

	return n, err
}

func (c *deadlineConn) Write(p []byte) (int, error) {
	if timeout := time.Duration(c.writeTimeout.Load()); timeout > 0 {
		if err := c.Conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			c.check(err)
			return 0, err
		}
	}

	n, err := c.Conn.Write(p)
	if err != nil {
		c.check(err)
	}

	return n, err
}

// check marks the session broken on any failed read or write, timeouts
// included. Once a call has timed out the stream position is unknown and a
// late reply would be taken for the next command's.
func (c *deadlineConn) check(err error) {
	c.session.markBroken(err)
}
