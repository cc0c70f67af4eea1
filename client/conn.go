package client

import (
	"bufio"
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/luma/kvwire/protocol"
	"github.com/luma/kvwire/transport"
)

// Conn sends commands over one session and decodes their replies.
//
// Only one operation may use the session at a time. A caller that finds the
// session busy gets transport.ErrContention immediately rather than
// waiting, and while a PubSub is subscribed every Send fails that way.
type Conn struct {
	session *transport.Session
	metrics *Metrics

	log *zap.Logger
}

// New returns an unconnected Conn. metrics may be nil.
func New(log *zap.Logger, metrics *Metrics) *Conn {
	if log == nil {
		log = zap.NewNop()
	}

	return &Conn{
		session: transport.NewSession(log.Named("session")),
		metrics: metrics,
		log:     log,
	}
}

// Connect opens the session and runs the AUTH and CLIENT SETNAME handshakes
// the config asks for. On a failed handshake the session is disposed, and
// like any disposed session it cannot be reconnected.
func (c *Conn) Connect(ctx context.Context, conf Config) error {
	if err := c.session.Open(ctx, conf.transportOptions(c.log.Named("session"))); err != nil {
		c.metrics.failed(err)
		return err
	}

	if conf.Password != "" {
		if err := c.expectOK(c.Send(protocol.NewCommand(protocol.AUTH, conf.Password))); err != nil {
			return multierr.Append(fmt.Errorf("authenticate: %w", err), c.session.Dispose())
		}
	}

	if conf.Name != "" {
		if err := c.expectOK(c.Send(protocol.NewCommand(protocol.CLIENT_SETNAME, conf.Name))); err != nil {
			return multierr.Append(fmt.Errorf("set client name: %w", err), c.session.Dispose())
		}
	}

	return nil
}

// Close sends QUIT when the session is idle and then disposes it. A failed
// QUIT is logged, only the dispose error is returned.
func (c *Conn) Close() error {
	if c.session.IsOpen() && !c.session.Guard().Held() {
		if _, err := c.Send(protocol.NewCommand(protocol.QUIT)); err != nil {
			c.log.Debug("QUIT failed", zap.Error(err))
		}
	}

	return c.session.Dispose()
}

func (c *Conn) Session() *transport.Session {
	return c.session
}

func (c *Conn) IsOpen() bool {
	return c.session.IsOpen()
}

// Send writes cmd and decodes exactly one reply. A `-` reply is returned
// together with a *ServerError. Nothing is retried.
func (c *Conn) Send(cmd protocol.Command) (protocol.Reply, error) {
	reply, err := c.send(cmd)
	if err != nil {
		c.metrics.failed(err)
	}

	return reply, err
}

func (c *Conn) send(cmd protocol.Command) (protocol.Reply, error) {
	guard := c.session.Guard()
	if err := guard.Obtain(); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Verb, err)
	}

	defer func() {
		if err := guard.Release(); err != nil {
			c.log.Error("Failed to release session guard", zap.Error(err))
		}
	}()

	w, err := c.session.Writer()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Verb, err)
	}

	if err := writeCommand(c.session, w, cmd); err != nil {
		return nil, err
	}

	r, err := c.session.Reader()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Verb, err)
	}

	reply, err := protocol.ReadReply(r)
	if err != nil {
		// The rest of the reply may still arrive and would be read as the
		// reply to the next command.
		c.session.Invalidate(err)
		return nil, fmt.Errorf("read %s reply: %w", cmd.Verb, err)
	}

	c.metrics.commandReplied(cmd.Verb)

	if e, ok := reply.(protocol.Error); ok {
		return reply, &ServerError{Message: string(e)}
	}

	return reply, nil
}

func (c *Conn) Ping() error {
	reply, err := c.Send(protocol.NewCommand(protocol.PING))
	if err != nil {
		return err
	}

	if s, ok := reply.(protocol.SimpleString); !ok || s != "PONG" {
		return unexpectedReply(protocol.PING, reply)
	}

	return nil
}

// Get returns the value of key, ok is false when the key does not exist.
func (c *Conn) Get(key string) (value string, ok bool, err error) {
	cmd, err := protocol.NewKeyCommand(protocol.GET, key)
	if err != nil {
		return "", false, err
	}

	reply, err := c.Send(cmd)
	if err != nil {
		return "", false, err
	}

	bulk, isBulk := reply.(protocol.BulkString)
	if !isBulk {
		return "", false, unexpectedReply(protocol.GET, reply)
	}

	return bulk.Value, !bulk.Null, nil
}

func (c *Conn) Set(key, value string) error {
	cmd, err := protocol.NewKeyCommand(protocol.SET, key, value)
	if err != nil {
		return err
	}

	return c.expectOK(c.Send(cmd))
}

func (c *Conn) Del(keys ...string) (int64, error) {
	cmd, err := protocol.NewNamesCommand(protocol.DEL, keys...)
	if err != nil {
		return 0, err
	}

	return c.expectInteger(cmd)
}

func (c *Conn) Incr(key string) (int64, error) {
	cmd, err := protocol.NewKeyCommand(protocol.INCR, key)
	if err != nil {
		return 0, err
	}

	return c.expectInteger(cmd)
}

// Publish posts message on channel and returns how many subscribers got it.
func (c *Conn) Publish(channel, message string) (int64, error) {
	cmd, err := protocol.NewKeyCommand(protocol.PUBLISH, channel, message)
	if err != nil {
		return 0, err
	}

	return c.expectInteger(cmd)
}

func (c *Conn) expectOK(reply protocol.Reply, err error) error {
	if err != nil {
		return err
	}

	if s, ok := reply.(protocol.SimpleString); !ok || s != protocol.OK {
		return fmt.Errorf("%w: expected OK, got %s", ErrUnexpectedReply, reply)
	}

	return nil
}

func (c *Conn) expectInteger(cmd protocol.Command) (int64, error) {
	reply, err := c.Send(cmd)
	if err != nil {
		return 0, err
	}

	n, ok := reply.(protocol.Integer)
	if !ok {
		return 0, unexpectedReply(cmd.Verb, reply)
	}

	return int64(n), nil
}

// writeCommand writes and flushes cmd. A failed write leaves an unknown
// part of cmd on the stream, so the session is invalidated.
func writeCommand(session *transport.Session, w *bufio.Writer, cmd protocol.Command) error {
	err := protocol.WriteCommand(w, cmd)
	if err == nil {
		err = w.Flush()
	}

	if err != nil {
		session.Invalidate(err)
		return fmt.Errorf("write %s: %w", cmd.Verb, err)
	}

	return nil
}
