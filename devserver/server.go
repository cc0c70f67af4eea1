package devserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/kvwire/storage"
)

var ErrNotStarted = errors.New("server has not been started")

// Server is an in-memory server speaking the inline command / RESP reply
// protocol. It supports strings, pub/sub and optimistic transactions, which
// is enough to exercise the client end to end.
type Server struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	host         string
	port         int
	reuseport    bool
	numListeners int
	tlsConfig    *tls.Config
	password     string
	keyspace     bool

	listeners []net.Listener
	addr      net.Addr

	store     storage.Store
	ownsStore bool

	// execMu makes every command, and EXEC as a whole, atomic with respect
	// to the other connections.
	execMu sync.Mutex
	broker *broker

	mu          sync.Mutex
	activeConns map[*serverConn]struct{}

	metrics *Metrics
	log     *zap.Logger
}

func New(options Options) *Server {
	numListeners := options.NumListeners
	if numListeners < 1 {
		numListeners = runtime.NumCPU()
	}

	if !options.Reuseport {
		numListeners = 1
	}

	log := options.Log
	if log == nil {
		log = zap.NewNop()
	}

	store := options.Store
	ownsStore := store == nil
	if ownsStore {
		store = storage.NewInmemoryStore()
	}

	return &Server{
		host:         options.Host,
		port:         options.Port,
		reuseport:    options.Reuseport,
		numListeners: numListeners,
		tlsConfig:    options.TLSConfig,
		password:     options.Password,
		keyspace:     options.KeyspaceEvents,
		store:        store,
		ownsStore:    ownsStore,
		broker:       newBroker(options.Metrics),
		activeConns:  make(map[*serverConn]struct{}),
		metrics:      options.Metrics,
		log:          log,
	}
}

// Start binds the listeners and accepts connections in the background. The
// server is listening once Start returns.
func (s *Server) Start(parentCtx context.Context) error {
	ctx, cancel := context.WithCancel(parentCtx)
	s.cancel = cancel

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))

	for i := 0; i < s.numListeners; i++ {
		listener, err := s.listen(addr)
		if err != nil {
			cancel()
			return multierr.Append(fmt.Errorf("listen on %s: %w", addr, err), s.closeListeners())
		}

		if i == 0 {
			// Later listeners share the port picked for the first one.
			s.addr = listener.Addr()
			addr = s.addr.String()
		}

		s.listeners = append(s.listeners, listener)
	}

	s.log.Info("Starting tcp listeners",
		zap.Int("count", len(s.listeners)),
		zap.Stringer("addr", s.addr),
		zap.Bool("tls", s.tlsConfig != nil))

	for i, listener := range s.listeners {
		s.stopWaiter.Add(1)

		go func(log *zap.Logger, listener net.Listener) {
			defer s.stopWaiter.Done()

			if err := s.accept(ctx, listener, log); err != nil {
				log.Error("Failed to accept", zap.Error(err))
			}
		}(s.log.Named("listener").With(zap.Int("listener", i)), listener)
	}

	if s.keyspace {
		go s.publishKeyspaceEvents(ctx, s.store.ListenToUpdates())
	}

	return nil
}

func (s *Server) listen(addr string) (net.Listener, error) {
	var (
		listener net.Listener
		err      error
	)

	if s.reuseport {
		listener, err = reuseport.Listen("tcp", addr)
	} else {
		listener, err = net.Listen("tcp", addr)
	}

	if err != nil {
		return nil, err
	}

	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
	}

	return listener, nil
}

// Addr is the address the server is listening on, nil before Start.
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Port is the port the server is listening on.
func (s *Server) Port() int {
	if tcpAddr, ok := s.addr.(*net.TCPAddr); ok {
		return tcpAddr.Port
	}

	return 0
}

func (s *Server) Store() storage.Store {
	return s.store
}

// Close immediately closes all listeners and connections.
func (s *Server) Close() error {
	if s.cancel == nil {
		return ErrNotStarted
	}

	s.log.Info("Stopping TCP server")
	s.cancel()

	err := s.closeListeners()

	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.activeConns))
	for conn := range s.activeConns {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		err = multierr.Append(err, conn.Close())
	}

	s.stopWaiter.Wait()
	s.log.Info("Listeners stopped")

	if s.ownsStore {
		err = multierr.Append(err, s.store.Close())
	}

	return err
}

func (s *Server) closeListeners() (err error) {
	for _, listener := range s.listeners {
		if cerr := listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, cerr)
		}
	}

	return err
}

func (s *Server) accept(ctx context.Context, listener net.Listener, log *zap.Logger) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				// The listener was closed while we were waiting for new connections,
				// that's fine.
				return nil
			}

			return err
		}

		c := newServerConn(ctx, conn, s, log.Named("conn"))
		s.addConn(c)

		s.stopWaiter.Add(1)
		go func() {
			defer s.stopWaiter.Done()
			defer s.removeConn(c)

			c.Start()
		}()
	}
}

func (s *Server) addConn(conn *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activeConns[conn] = struct{}{}
	s.metrics.connOpened()
}

func (s *Server) removeConn(conn *serverConn) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.activeConns, conn)
	s.metrics.connClosed()
}

// publishKeyspaceEvents drains the store's update feed until the store is
// closed. Updates that arrive after the server stopped are dropped.
func (s *Server) publishKeyspaceEvents(ctx context.Context, updates <-chan *storage.Update) {
	for update := range updates {
		if ctx.Err() != nil {
			continue
		}

		channel := KeyspaceChannel(update.Key)
		if _, err := s.broker.publish(channel, string(update.Op)); err != nil {
			s.log.Warn("Failed to publish keyspace event",
				zap.String("channel", channel),
				zap.Error(err))
		}
	}
}

// KeyspaceChannel is the channel that carries events for key.
func KeyspaceChannel(key string) string {
	return "__keyspace@0__:" + key
}
