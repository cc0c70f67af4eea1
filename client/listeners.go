package client

import (
	"sync"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
	"golang.org/x/exp/slices"
)

// Message is a published payload relayed to listeners.
type Message struct {
	Channel string
	Payload string
}

type MessageHandler func(Message)

type listener struct {
	id      ulid.ULID
	handler MessageHandler
}

// listenerList keeps handlers in registration order.
type listenerList struct {
	mu    sync.RWMutex
	items []listener

	log *zap.Logger
}

func (l *listenerList) add(handler MessageHandler) ulid.ULID {
	id := ulid.Make()

	l.mu.Lock()
	l.items = append(l.items, listener{id: id, handler: handler})
	l.mu.Unlock()

	return id
}

func (l *listenerList) remove(id ulid.ULID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := slices.IndexFunc(l.items, func(item listener) bool { return item.id == id })
	if idx < 0 {
		return false
	}

	l.items = slices.Delete(l.items, idx, idx+1)

	return true
}

// deliver calls every handler in order. A panicking handler is logged and
// does not stop delivery to the others.
func (l *listenerList) deliver(msg Message) {
	l.mu.RLock()
	items := slices.Clone(l.items)
	l.mu.RUnlock()

	for _, item := range items {
		l.call(item, msg)
	}
}

func (l *listenerList) call(item listener, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("Message listener panicked",
				zap.Stringer("listener", item.id),
				zap.String("channel", msg.Channel),
				zap.Any("panic", r))
		}
	}()

	item.handler(msg)
}
