package bus

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/reeloly/sandboxd/internal/common/logger"
)

// ErrClosed is returned by a closed MemoryEventBus.
var ErrClosed = errors.New("event bus is closed")

// MemoryEventBus delivers events in-process. Each delivery runs on its own
// goroutine, so handlers never block the publisher.
type MemoryEventBus struct {
	mu     sync.RWMutex
	subs   []*memorySubscription
	queues map[string]*queueGroup
	closed bool
	wg     sync.WaitGroup
	logger *logger.Logger
}

type memorySubscription struct {
	bus     *MemoryEventBus
	subject string
	queue   string
	handler EventHandler

	mu     sync.Mutex
	active bool
}

type queueGroup struct {
	mu   sync.Mutex
	subs []*memorySubscription
	next int
}

// NewMemoryEventBus creates an empty in-memory bus.
func NewMemoryEventBus(log *logger.Logger) *MemoryEventBus {
	return &MemoryEventBus{
		queues: make(map[string]*queueGroup),
		logger: log.WithFields(zap.String("component", "memory-bus")),
	}
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	s.bus.remove(s)
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

func (b *MemoryEventBus) remove(s *memorySubscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	if s.queue == "" {
		return
	}
	if qg, ok := b.queues[queueKey(s.queue, s.subject)]; ok {
		qg.mu.Lock()
		for i, sub := range qg.subs {
			if sub == s {
				qg.subs = append(qg.subs[:i], qg.subs[i+1:]...)
				break
			}
		}
		qg.mu.Unlock()
	}
}

// Publish delivers event to every matching subscription and to one member of
// each matching queue group.
func (b *MemoryEventBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	delivered := make(map[string]bool)
	for _, sub := range b.subs {
		if !sub.IsValid() || !MatchSubject(sub.subject, subject) {
			continue
		}
		if sub.queue != "" {
			key := queueKey(sub.queue, sub.subject)
			if !delivered[key] {
				delivered[key] = true
				if next := b.queues[key].pick(); next != nil {
					b.dispatch(ctx, next, subject, event)
				}
			}
			continue
		}
		b.dispatch(ctx, sub, subject, event)
	}

	b.logger.Debug("published event",
		zap.String("subject", subject),
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type))
	return nil
}

func (b *MemoryEventBus) dispatch(ctx context.Context, sub *memorySubscription, subject string, event *Event) {
	// Handlers run after Publish returns, so they must not inherit the
	// publisher's cancellation.
	hctx := context.WithoutCancel(ctx)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := sub.handler(hctx, event); err != nil {
			b.logger.Error("event handler failed",
				zap.String("subject", subject),
				zap.String("event_type", event.Type),
				zap.Error(err))
		}
	}()
}

// pick returns the next active member, round-robin.
func (q *queueGroup) pick() *memorySubscription {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := 0; i < len(q.subs); i++ {
		idx := (q.next + i) % len(q.subs)
		if q.subs[idx].IsValid() {
			q.next = (idx + 1) % len(q.subs)
			return q.subs[idx]
		}
	}
	return nil
}

func (b *MemoryEventBus) Subscribe(subject string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, "", handler)
}

func (b *MemoryEventBus) QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	return b.subscribe(subject, queue, handler)
}

func (b *MemoryEventBus) subscribe(subject, queue string, handler EventHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	sub := &memorySubscription{bus: b, subject: subject, queue: queue, handler: handler, active: true}
	b.subs = append(b.subs, sub)
	if queue != "" {
		key := queueKey(queue, subject)
		qg, ok := b.queues[key]
		if !ok {
			qg = &queueGroup{}
			b.queues[key] = qg
		}
		qg.mu.Lock()
		qg.subs = append(qg.subs, sub)
		qg.mu.Unlock()
	}
	b.logger.Debug("subscribed", zap.String("subject", subject), zap.String("queue", queue))
	return sub, nil
}

// Wait blocks until every delivery started so far has returned.
func (b *MemoryEventBus) Wait() {
	b.wg.Wait()
}

// Close deactivates all subscriptions and waits for in-flight deliveries.
func (b *MemoryEventBus) Close() {
	b.mu.Lock()
	b.closed = true
	for _, sub := range b.subs {
		sub.mu.Lock()
		sub.active = false
		sub.mu.Unlock()
	}
	b.subs = nil
	b.queues = make(map[string]*queueGroup)
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *MemoryEventBus) IsConnected() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return !b.closed
}

func queueKey(queue, subject string) string {
	return queue + ":" + subject
}

// MatchSubject reports whether subject matches pattern using NATS wildcard rules.
func MatchSubject(pattern, subject string) bool {
	if pattern == subject {
		return true
	}
	pt := strings.Split(pattern, ".")
	st := strings.Split(subject, ".")
	for i, tok := range pt {
		if tok == ">" {
			return i < len(st)
		}
		if i >= len(st) {
			return false
		}
		if tok != "*" && tok != st[i] {
			return false
		}
	}
	return len(pt) == len(st)
}
