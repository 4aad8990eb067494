package client

import (
	"sync"

	"github.com/ksinghal/mqtt-nio/topic"
	"github.com/ksinghal/mqtt-nio/types/message"
)

// MessageHandler receives inbound application messages. Each handler gets
// its own copy of the message.
type MessageHandler func(msg *message.Message)

// CloseHandler is notified once when the connection closes; err carries the
// cause, nil for a clean client-initiated disconnect.
type CloseHandler func(err error)

type publishListener struct {
	name    string
	filter  string
	handler MessageHandler
}

type closeListener struct {
	name    string
	handler CloseHandler
}

// listenerRegistry holds named publish and close listeners in insertion
// order. The slices are rebuilt copy-on-write on every mutation so a
// delivery in progress always observes a stable, fully initialised
// snapshot.
type listenerRegistry struct {
	mu      sync.Mutex
	publish []publishListener
	closed  []closeListener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{}
}

// addPublish registers a named publish listener. An empty filter receives
// every message; otherwise the message topic must match the filter.
// Re-adding a name replaces its handler in place, keeping its position.
func (lr *listenerRegistry) addPublish(name, filter string, handler MessageHandler) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	next := make([]publishListener, len(lr.publish), len(lr.publish)+1)
	copy(next, lr.publish)

	for i := range next {
		if next[i].name == name {
			next[i].filter = filter
			next[i].handler = handler
			lr.publish = next
			return
		}
	}

	lr.publish = append(next, publishListener{name: name, filter: filter, handler: handler})
}

// removePublish drops the named publish listener, if present.
func (lr *listenerRegistry) removePublish(name string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	next := make([]publishListener, 0, len(lr.publish))
	for _, l := range lr.publish {
		if l.name != name {
			next = append(next, l)
		}
	}
	lr.publish = next
}

// addClose registers a named close listener.
func (lr *listenerRegistry) addClose(name string, handler CloseHandler) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	next := make([]closeListener, len(lr.closed), len(lr.closed)+1)
	copy(next, lr.closed)

	for i := range next {
		if next[i].name == name {
			next[i].handler = handler
			lr.closed = next
			return
		}
	}

	lr.closed = append(next, closeListener{name: name, handler: handler})
}

// removeClose drops the named close listener, if present.
func (lr *listenerRegistry) removeClose(name string) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	next := make([]closeListener, 0, len(lr.closed))
	for _, l := range lr.closed {
		if l.name != name {
			next = append(next, l)
		}
	}
	lr.closed = next
}

// deliver hands a copy of the message to every listener whose filter
// matches, in insertion order.
func (lr *listenerRegistry) deliver(msg *message.Message) {
	lr.mu.Lock()
	snapshot := lr.publish
	lr.mu.Unlock()

	for _, l := range snapshot {
		if l.filter != "" && !topic.Match(l.filter, msg.Topic) {
			continue
		}
		l.handler(msg.Clone())
	}
}

// notifyClose informs every close listener, in insertion order.
func (lr *listenerRegistry) notifyClose(err error) {
	lr.mu.Lock()
	snapshot := lr.closed
	lr.mu.Unlock()

	for _, l := range snapshot {
		l.handler(err)
	}
}
