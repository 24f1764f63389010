// Package eventbus fans lifecycle events from every Session Manager and
// Iterative Controller into a single stream. Backed by NATS when a URL is
// configured, or an in-memory pub/sub when not.
package eventbus

import (
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/ralphctl/ralphctl/internal/common/logger"
)

// Message is an envelope published onto the bus.
type Message struct {
	Subject string
	Payload []byte
}

// Handler observes published messages.
type Handler func(Message)

// Bus is the publish/subscribe contract used throughout the orchestrator.
type Bus interface {
	Publish(subject string, payload []byte) error
	Subscribe(subject string, h Handler) (unsubscribe func(), err error)
	Close()
}

// New constructs a NATS-backed bus when url is non-empty, otherwise an
// in-memory bus.
func New(url, namespace string, log *logger.Logger) (Bus, error) {
	if url == "" {
		return newMemoryBus(), nil
	}
	return newNatsBus(url, namespace, log)
}

// memoryBus is a simple in-process pub/sub keyed by exact subject match.
type memoryBus struct {
	mu       sync.Mutex
	handlers map[string][]*subscription
}

type subscription struct {
	h      Handler
	closed bool
}

func newMemoryBus() *memoryBus {
	return &memoryBus{handlers: make(map[string][]*subscription)}
}

func (b *memoryBus) Publish(subject string, payload []byte) error {
	b.mu.Lock()
	subs := append([]*subscription(nil), b.handlers[subject]...)
	b.mu.Unlock()

	msg := Message{Subject: subject, Payload: payload}
	for _, s := range subs {
		if !s.closed {
			s.h(msg)
		}
	}
	return nil
}

func (b *memoryBus) Subscribe(subject string, h Handler) (func(), error) {
	sub := &subscription{h: h}
	b.mu.Lock()
	b.handlers[subject] = append(b.handlers[subject], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		sub.closed = true
	}, nil
}

func (b *memoryBus) Close() {}

// natsBus wraps a NATS connection, namespacing subjects so multiple
// deployments/instances can share a cluster without cross-talk.
type natsBus struct {
	conn      *nats.Conn
	namespace string
	logger    *logger.Logger
}

func newNatsBus(url, namespace string, log *logger.Logger) (*natsBus, error) {
	conn, err := nats.Connect(url, nats.MaxReconnects(10))
	if err != nil {
		return nil, err
	}
	return &natsBus{conn: conn, namespace: namespace, logger: log.WithFields(zap.String("component", "eventbus-nats"))}, nil
}

func (b *natsBus) qualify(subject string) string {
	if b.namespace == "" {
		return subject
	}
	return b.namespace + "." + subject
}

func (b *natsBus) Publish(subject string, payload []byte) error {
	return b.conn.Publish(b.qualify(subject), payload)
}

func (b *natsBus) Subscribe(subject string, h Handler) (func(), error) {
	sub, err := b.conn.Subscribe(b.qualify(subject), func(msg *nats.Msg) {
		h(Message{Subject: subject, Payload: msg.Data})
	})
	if err != nil {
		return nil, err
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil {
			b.logger.Debug("unsubscribe failed", zap.Error(err))
		}
	}, nil
}

func (b *natsBus) Close() {
	b.conn.Close()
}
