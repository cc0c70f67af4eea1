package client

import (
	"bufio"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"

	"github.com/luma/kvwire/protocol"
	"github.com/luma/kvwire/transport"
)

const DefaultUnsubscribeTimeout = 5 * time.Second

type subscriptionState int

const (
	stateIdle subscriptionState = iota
	stateSubscribing
	stateSubscribed
)

// PubSub subscribes a Conn to channels and relays published messages to
// registered listeners.
//
// A successful Subscribe hands the session's stream to a background loop
// that keeps the session guard until the session is closed. From then on
// the Conn only serves Unsubscribe, everything else fails with
// transport.ErrContention. Closing the Conn is the only way to stop the
// loop.
type PubSub struct {
	conn    *Conn
	session *transport.Session

	mu                 sync.Mutex
	state              subscriptionState
	channels           []string
	pending            map[string][]chan struct{}
	unsubscribeTimeout time.Duration

	// writeMu serialises UNSUBSCRIBE writes, the stream guard belongs to the loop.
	writeMu sync.Mutex

	listeners listenerList
	loopDone  chan struct{}

	log *zap.Logger
}

func NewPubSub(conn *Conn) *PubSub {
	log := conn.log.Named("pubsub")

	return &PubSub{
		conn:               conn,
		session:            conn.session,
		pending:            make(map[string][]chan struct{}),
		unsubscribeTimeout: DefaultUnsubscribeTimeout,
		listeners:          listenerList{log: log},
		loopDone:           make(chan struct{}),
		log:                log,
	}
}

// AddListener registers handler for every message on a subscribed channel.
// The returned id removes it again.
func (p *PubSub) AddListener(handler MessageHandler) ulid.ULID {
	return p.listeners.add(handler)
}

func (p *PubSub) RemoveListener(id ulid.ULID) bool {
	return p.listeners.remove(id)
}

// SetUnsubscribeTimeout bounds how long Unsubscribe waits for the
// confirmations of a call.
func (p *PubSub) SetUnsubscribeTimeout(timeout time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.unsubscribeTimeout = timeout
}

// Channels returns the channels currently subscribed to.
func (p *PubSub) Channels() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Clone(p.channels)
}

// Done is closed once the background loop has exited and released the
// session guard.
func (p *PubSub) Done() <-chan struct{} {
	return p.loopDone
}

// Subscribe subscribes to channels and starts delivering their messages.
// The server must confirm each channel, in the order given, before the
// subscription is considered established.
func (p *PubSub) Subscribe(channels ...string) error {
	cmd, err := protocol.NewNamesCommand(protocol.SUBSCRIBE, channels...)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.state != stateIdle {
		p.mu.Unlock()
		return ErrAlreadySubscribed
	}
	p.state = stateSubscribing
	p.mu.Unlock()

	r, err := p.handshake(cmd)
	if err != nil {
		p.mu.Lock()
		p.state = stateIdle
		p.mu.Unlock()

		p.conn.metrics.failed(err)
		return err
	}

	p.mu.Lock()
	for _, channel := range channels {
		if !slices.Contains(p.channels, channel) {
			p.channels = append(p.channels, channel)
		}
	}
	p.state = stateSubscribed
	p.mu.Unlock()

	p.log.Info("Subscribed", zap.Strings("channels", channels))

	go p.loop(r)

	return nil
}

// handshake obtains the guard and keeps it on success.
func (p *PubSub) handshake(cmd protocol.Command) (*bufio.Reader, error) {
	guard := p.session.Guard()
	if err := guard.Obtain(); err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Verb, err)
	}

	r, err := p.confirmSubscribe(cmd)
	if err != nil {
		if releaseErr := guard.Release(); releaseErr != nil {
			p.log.Error("Failed to release session guard", zap.Error(releaseErr))
		}
		return nil, err
	}

	return r, nil
}

func (p *PubSub) confirmSubscribe(cmd protocol.Command) (*bufio.Reader, error) {
	w, err := p.session.Writer()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Verb, err)
	}

	if err := writeCommand(p.session, w, cmd); err != nil {
		return nil, err
	}

	r, err := p.session.Reader()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", cmd.Verb, err)
	}

	for _, channel := range cmd.Args {
		reply, err := protocol.ReadReply(r)
		if err != nil {
			p.session.Invalidate(err)
			return nil, fmt.Errorf("read %s confirmation: %w", cmd.Verb, err)
		}

		if e, ok := reply.(protocol.Error); ok {
			return nil, &ServerError{Message: string(e)}
		}

		if !isConfirmation(reply, "subscribe", channel) {
			// The server may consider us subscribed and keep pushing.
			err := fmt.Errorf("%w: expected subscribe confirmation for %q, got %s",
				ErrUnexpectedReply, channel, reply)
			p.session.Invalidate(err)
			return nil, err
		}
	}

	if err := p.session.SetInfiniteReadTimeout(); err != nil {
		return nil, err
	}

	return r, nil
}

// Unsubscribe removes channels from the subscription. UNSUBSCRIBE is written
// straight to the stream and the background loop reports each confirmation.
// If a channel is not confirmed within the unsubscribe timeout, ErrTimeout
// is returned.
func (p *PubSub) Unsubscribe(channels ...string) error {
	cmd, err := protocol.NewNamesCommand(protocol.UNSUBSCRIBE, channels...)
	if err != nil {
		return err
	}

	p.mu.Lock()
	if p.state != stateSubscribed {
		p.mu.Unlock()
		return ErrNotSubscribed
	}

	waiters := make([]chan struct{}, len(channels))
	for i, channel := range channels {
		waiters[i] = make(chan struct{})
		p.pending[channel] = append(p.pending[channel], waiters[i])
	}
	timeout := p.unsubscribeTimeout
	p.mu.Unlock()

	if err := p.write(cmd); err != nil {
		p.dropWaiters(channels, waiters)
		p.conn.metrics.failed(err)
		return err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for i, waiter := range waiters {
		select {
		case <-waiter:

		case <-p.loopDone:
			p.dropWaiters(channels[i:], waiters[i:])
			err := fmt.Errorf("unsubscribe %q: %w", channels[i], transport.ErrNotOpen)
			p.conn.metrics.failed(err)
			return err

		case <-timer.C:
			p.dropWaiters(channels[i:], waiters[i:])
			err := fmt.Errorf("%w: unsubscribe from %q not confirmed within %s", ErrTimeout, channels[i], timeout)
			p.conn.metrics.failed(err)
			return err
		}
	}

	p.log.Info("Unsubscribed", zap.Strings("channels", channels))

	return nil
}

func (p *PubSub) write(cmd protocol.Command) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	w, err := p.session.Writer()
	if err != nil {
		return fmt.Errorf("%s: %w", cmd.Verb, err)
	}

	return writeCommand(p.session, w, cmd)
}

// loop owns the stream until the session closes or the stream breaks.
func (p *PubSub) loop(r *bufio.Reader) {
	log := p.log.Named("loop")

	defer func() {
		if err := p.session.Guard().Release(); err != nil {
			log.Error("Failed to release session guard", zap.Error(err))
		}

		p.mu.Lock()
		p.state = stateIdle
		p.channels = nil
		p.mu.Unlock()

		close(p.loopDone)
		log.Info("Subscription loop exited")
	}()

	for {
		select {
		case <-p.session.Done():
			return

		default:
		}

		reply, err := protocol.ReadReply(r)
		if err != nil {
			// A framing error leaves the reader inside a frame, nothing after
			// it can be trusted.
			if p.session.IsOpen() {
				log.Warn("Failed to read pushed frame", zap.Error(err))
				p.session.Invalidate(err)
			}

			return
		}

		p.dispatch(reply)
	}
}

func (p *PubSub) dispatch(reply protocol.Reply) {
	frame, ok := reply.(protocol.Array)
	if !ok || frame.Null || frame.Len() == 0 {
		return
	}

	kind, _ := protocol.Text(frame.Elems[0])

	switch strings.ToLower(kind) {
	case "message":
		if frame.Len() != 3 {
			return
		}

		channel, ok := protocol.Text(frame.Elems[1])
		if !ok || !p.isSubscribed(channel) {
			return
		}

		payload, ok := protocol.Text(frame.Elems[2])
		if !ok {
			return
		}

		p.listeners.deliver(Message{Channel: channel, Payload: payload})
		p.conn.metrics.messageDelivered()

	case "unsubscribe":
		if frame.Len() < 2 {
			return
		}

		if channel, ok := protocol.Text(frame.Elems[1]); ok {
			p.confirmUnsubscribe(channel)
		}
	}
}

func (p *PubSub) isSubscribed(channel string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return slices.Contains(p.channels, channel)
}

// confirmUnsubscribe drops channel from the subscription and wakes the
// oldest Unsubscribe call waiting for it.
func (p *PubSub) confirmUnsubscribe(channel string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.channels = slices.DeleteFunc(p.channels, func(c string) bool { return c == channel })
	if len(p.channels) == 0 && p.state == stateSubscribed {
		p.state = stateIdle
	}

	waiters := p.pending[channel]
	if len(waiters) == 0 {
		return
	}

	close(waiters[0])

	if len(waiters) == 1 {
		delete(p.pending, channel)
	} else {
		p.pending[channel] = waiters[1:]
	}
}

func (p *PubSub) dropWaiters(channels []string, waiters []chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, channel := range channels {
		remaining := slices.DeleteFunc(p.pending[channel], func(w chan struct{}) bool { return w == waiters[i] })
		if len(remaining) == 0 {
			delete(p.pending, channel)
		} else {
			p.pending[channel] = remaining
		}
	}
}

func isConfirmation(reply protocol.Reply, kind, channel string) bool {
	frame, ok := reply.(protocol.Array)
	if !ok || frame.Null || frame.Len() != 3 {
		return false
	}

	gotKind, ok := protocol.Text(frame.Elems[0])
	if !ok || !strings.EqualFold(gotKind, kind) {
		return false
	}

	gotChannel, ok := protocol.Text(frame.Elems[1])
	if !ok || gotChannel != channel {
		return false
	}

	_, ok = frame.Elems[2].(protocol.Integer)
	return ok
}
