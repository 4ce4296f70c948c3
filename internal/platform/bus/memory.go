package bus

import (
	"context"
	"fmt"
	"sync"

	"agroflow/internal/platform/observability"

	"go.uber.org/zap"
)

const memoryQueueSize = 1024

type memoryMessage struct {
	headers map[string]string
	body    []byte
}

type memoryQueue struct {
	name      string
	keys      []string
	ch        chan memoryMessage
	redeliver []memoryMessage
	dead      []Envelope
	pending   int
}

func (q *memoryQueue) bound(routingKey string) bool {
	for _, k := range q.keys {
		if Match(k, routingKey) {
			return true
		}
	}
	return false
}

// Memory is an in-process topic exchange. Each queue is consumed by one
// goroutine at a time, so deliveries on a queue are handled sequentially.
type Memory struct {
	logger observability.Logger

	mu     sync.Mutex
	idle   *sync.Cond
	queues map[string]*memoryQueue
	closed bool
}

// NewMemory creates an empty in-process exchange.
func NewMemory(logger observability.Logger) *Memory {
	m := &Memory{
		logger: logger,
		queues: make(map[string]*memoryQueue),
	}
	m.idle = sync.NewCond(&m.mu)
	return m
}

// Declare creates the queue if needed and adds the binding's routing keys.
// Messages published before a queue is declared are not retained for it.
func (m *Memory) Declare(binding Binding) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declareLocked(binding)
}

func (m *Memory) declareLocked(binding Binding) *memoryQueue {
	q, ok := m.queues[binding.Queue]
	if !ok {
		q = &memoryQueue{name: binding.Queue, ch: make(chan memoryMessage, memoryQueueSize)}
		m.queues[binding.Queue] = q
	}
	for _, key := range binding.RoutingKeys {
		if !contains(q.keys, key) {
			q.keys = append(q.keys, key)
		}
	}
	return q
}

// Publish delivers the event to every queue bound to routingKey.
func (m *Memory) Publish(ctx context.Context, routingKey string, payload any) error {
	env, body, err := encode(routingKey, payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	var targets []*memoryQueue
	for _, q := range m.queues {
		if q.bound(routingKey) {
			q.pending++
			targets = append(targets, q)
		}
	}
	m.mu.Unlock()

	msg := memoryMessage{headers: injectHeaders(ctx), body: body}
	for i, q := range targets {
		select {
		case q.ch <- msg:
		case <-ctx.Done():
			m.settle(targets[i:]...)
			return fmt.Errorf("failed to publish %s: %w", routingKey, ctx.Err())
		}
	}

	m.logger.Debug("📤 Event published",
		zap.String("routing_key", routingKey),
		zap.String("event_id", env.EventID),
		zap.Int("queues", len(targets)),
	)
	return nil
}

// Subscribe consumes binding.Queue until ctx is done.
func (m *Memory) Subscribe(ctx context.Context, binding Binding, handler Handler) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	q := m.declareLocked(binding)
	m.mu.Unlock()

	m.logger.Info("In-memory consumer started", zap.String("queue", binding.Queue))
	for {
		if ctx.Err() != nil {
			return nil
		}
		if msg, ok := m.takeRedelivery(q); ok {
			m.deliver(ctx, q, handler, msg)
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.ch:
			m.deliver(ctx, q, handler, msg)
		}
	}
}

func (m *Memory) takeRedelivery(q *memoryQueue) (memoryMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(q.redeliver) == 0 {
		return memoryMessage{}, false
	}
	msg := q.redeliver[0]
	q.redeliver = q.redeliver[1:]
	return msg, true
}

func (m *Memory) deliver(ctx context.Context, q *memoryQueue, handler Handler, msg memoryMessage) {
	msgCtx := extractHeaders(ctx, msg.headers)
	env, err := dispatch(msgCtx, handler, msg.body)
	if interrupted(ctx, err) {
		// Still pending: the next consumer of the queue handles it first.
		m.logger.Warn("⚠️ Handling interrupted by shutdown, message kept for redelivery",
			zap.String("queue", q.name),
			zap.String("event_id", env.EventID),
			zap.Error(err),
		)
		m.mu.Lock()
		q.redeliver = append(q.redeliver, msg)
		m.mu.Unlock()
		return
	}

	defer m.settle(q)
	if err == nil {
		return
	}

	m.logger.Error("❌ Message rejected, dead-lettered",
		zap.String("queue", q.name),
		zap.String("event_type", env.EventType),
		zap.String("event_id", env.EventID),
		zap.Error(err),
	)
	m.mu.Lock()
	q.dead = append(q.dead, env)
	m.mu.Unlock()
}

// DeadLetters returns the envelopes rejected on queue.
func (m *Memory) DeadLetters(queue string) []Envelope {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	return append([]Envelope(nil), q.dead...)
}

func (m *Memory) settle(queues ...*memoryQueue) {
	m.mu.Lock()
	for _, q := range queues {
		q.pending--
	}
	m.idle.Broadcast()
	m.mu.Unlock()
}

// WaitIdle blocks until no queue holds an unhandled message. A handler that
// publishes counts as pending until it returns, so a chain of events settles
// as a whole.
func (m *Memory) WaitIdle(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		m.mu.Lock()
		m.idle.Broadcast()
		m.mu.Unlock()
	})
	defer stop()

	m.mu.Lock()
	defer m.mu.Unlock()
	for m.busyLocked() {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.idle.Wait()
	}
	return nil
}

func (m *Memory) busyLocked() bool {
	for _, q := range m.queues {
		if q.pending > 0 {
			return true
		}
	}
	return false
}

// Close rejects further publishes and subscriptions.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
