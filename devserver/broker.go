package devserver

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"

	"github.com/luma/kvwire/protocol"
)

// broker tracks which connections are subscribed to which channels.
type broker struct {
	mu       sync.RWMutex
	channels map[string]map[*serverConn]struct{}

	metrics *Metrics
}

func newBroker(metrics *Metrics) *broker {
	return &broker{
		channels: make(map[string]map[*serverConn]struct{}),
		metrics:  metrics,
	}
}

func (b *broker) subscribe(conn *serverConn, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subscribers, ok := b.channels[channel]
	if !ok {
		subscribers = make(map[*serverConn]struct{})
		b.channels[channel] = subscribers
	}

	subscribers[conn] = struct{}{}
}

func (b *broker) unsubscribe(conn *serverConn, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.remove(conn, channel)
}

func (b *broker) unsubscribeAll(conn *serverConn, channels []string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, channel := range channels {
		b.remove(conn, channel)
	}
}

// remove must be called with mu held.
func (b *broker) remove(conn *serverConn, channel string) {
	subscribers, ok := b.channels[channel]
	if !ok {
		return
	}

	delete(subscribers, conn)

	if len(subscribers) == 0 {
		delete(b.channels, channel)
	}
}

// publish queues a message frame for every subscriber of channel and
// returns how many of them took it. It never waits on a subscriber.
func (b *broker) publish(channel, payload string) (int, error) {
	frame := protocol.Arr(protocol.Bulk("message"), protocol.Bulk(channel), protocol.Bulk(payload))

	b.mu.RLock()
	defer b.mu.RUnlock()

	var (
		delivered int
		err       error
	)

	for conn := range b.channels[channel] {
		if perr := conn.pushMessage(frame); perr != nil {
			err = multierr.Append(err, fmt.Errorf("push to %s: %w", conn.id, perr))
			continue
		}

		delivered++
	}

	b.metrics.published(delivered)

	return delivered, err
}
