package devserver

import (
	"bufio"
	"context"
	"errors"
	"net"
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/luma/kvwire/protocol"
)

const writeQueueSize = 127

var (
	errConnClosing = errors.New("connection is closing")

	// errSlowSubscriber is returned when a pushed message finds the write
	// queue full. The subscriber is disconnected.
	errSlowSubscriber = errors.New("subscriber is not keeping up, disconnected")
)

type serverConn struct {
	id ulid.ULID

	ctx    context.Context
	cancel context.CancelFunc

	conn   net.Conn
	server *Server

	mu         sync.Mutex
	closing    bool
	writeQueue chan []byte

	// Owned by the read loop.
	authenticated bool
	name          string
	subscriptions []string
	watched       map[string]uint64
	multi         bool
	queued        [][]string
	queueFailed   bool

	log *zap.Logger
}

func newServerConn(parentCtx context.Context, conn net.Conn, server *Server, log *zap.Logger) *serverConn {
	ctx, cancel := context.WithCancel(parentCtx)
	id := ulid.Make()

	return &serverConn{
		id:            id,
		ctx:           ctx,
		cancel:        cancel,
		conn:          conn,
		server:        server,
		writeQueue:    make(chan []byte, writeQueueSize),
		authenticated: server.password == "",
		watched:       make(map[string]uint64),
		log: log.With(
			zap.Stringer("conn", id),
			zap.Stringer("remote", conn.RemoteAddr())),
	}
}

// Start runs the read and write loops and returns once both have exited and
// the connection is closed.
func (c *serverConn) Start() {
	c.log.Debug("Connection accepted")

	var loopWaiter sync.WaitGroup
	loopWaiter.Add(1)

	go func() {
		defer loopWaiter.Done()
		c.writeLoop()
	}()

	c.readLoop()

	// Stop pushes, then let the write loop drain what is queued.
	c.closeQueue()
	loopWaiter.Wait()

	c.server.broker.unsubscribeAll(c, c.subscriptions)
	c.cancel()

	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.log.Warn("Connection did not close cleanly", zap.Error(err))
	}

	c.log.Debug("Connection closed")
}

// Close aborts the connection, Start returns shortly after.
func (c *serverConn) Close() error {
	c.cancel()

	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

func (c *serverConn) readLoop() {
	log := c.log.Named("readLoop")
	r := bufio.NewReader(c.conn)

	for {
		select {
		case <-c.ctx.Done():
			return

		default:
		}

		args, err := protocol.ReadCommand(r)
		if err != nil {
			if errors.Is(err, protocol.ErrProtocol) {
				if perr := c.push(protocol.Error("ERR Protocol error: " + err.Error())); perr != nil {
					return
				}
				continue
			}

			if !errors.Is(err, protocol.ErrConnClosed) && c.ctx.Err() == nil {
				log.Warn("Failed to read client command", zap.Error(err))
			}

			return
		}

		if len(args) == 0 {
			continue
		}

		if quit := c.handle(args); quit {
			log.Debug("Client QUIT")
			return
		}
	}
}

func (c *serverConn) writeLoop() {
	log := c.log.Named("writeLoop")
	failed := false

	for data := range c.writeQueue {
		if failed {
			// Keep draining so that pushes never block on a dead connection.
			continue
		}

		if _, err := c.conn.Write(data); err != nil {
			if c.ctx.Err() == nil {
				log.Warn("Failed to write from write queue", zap.Error(err))
			}
			failed = true
		}
	}
}

// push queues reply for the write loop.
func (c *serverConn) push(reply protocol.Reply) error {
	data := protocol.AppendReply(nil, reply)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing {
		return errConnClosing
	}

	select {
	case c.writeQueue <- data:
		return nil

	case <-c.ctx.Done():
		return errConnClosing
	}
}

// pushMessage queues a pub/sub frame without waiting. A subscriber whose
// write queue is full is disconnected rather than stalling the publisher.
func (c *serverConn) pushMessage(reply protocol.Reply) error {
	data := protocol.AppendReply(nil, reply)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closing || c.ctx.Err() != nil {
		return errConnClosing
	}

	select {
	case c.writeQueue <- data:
		return nil

	default:
		c.log.Warn("Disconnecting slow subscriber", zap.Int("queued", len(c.writeQueue)))
		c.cancel()

		if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			c.log.Warn("Connection did not close cleanly", zap.Error(err))
		}

		return errSlowSubscriber
	}
}

func (c *serverConn) closeQueue() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closing {
		c.closing = true
		close(c.writeQueue)
	}
}
