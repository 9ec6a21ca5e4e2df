package eventbus

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/metrics"
)

const memoryBufferSize = 256

// MemoryBus is an in-process Bus for single-node runs and tests. It keeps
// the wire contract of the Redis bus, events round-trip through JSON and
// delivery is at-most-once, so code exercised against it behaves the same
// against Redis.
type MemoryBus struct {
	instanceID    string
	log           zerolog.Logger
	metrics       *metrics.Metrics
	subscriptions map[string]map[string]*memorySubscription
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       bool
}

type memorySubscription struct {
	id        string
	pattern   string
	handler   Handler
	events    chan Event
	done      chan struct{}
	cancelled bool
	mu        sync.Mutex
}

// ID returns the unique identifier for the subscription.
func (s *memorySubscription) ID() string { return s.id }

// Pattern returns the channel name or pattern subscribed to.
func (s *memorySubscription) Pattern() string { return s.pattern }

// Cancel stops delivery for this subscription.
func (s *memorySubscription) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return nil
	}
	s.cancelled = true
	close(s.done)
	return nil
}

// NewMemoryBus builds an unstarted in-process bus.
func NewMemoryBus(instanceID string, log zerolog.Logger, m *metrics.Metrics) *MemoryBus {
	return &MemoryBus{
		instanceID:    instanceID,
		log:           log.With().Str("component", "eventbus").Logger(),
		metrics:       m,
		subscriptions: make(map[string]map[string]*memorySubscription),
	}
}

// Start arms the bus.
func (m *MemoryBus) Start(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return nil
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	m.started = true
	return nil
}

// Stop cancels every subscription and waits for the pumps to drain.
func (m *MemoryBus) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return nil
	}
	m.started = false
	if m.cancel != nil {
		m.cancel()
	}
	for _, subs := range m.subscriptions {
		for _, sub := range subs {
			_ = sub.Cancel()
		}
	}
	m.subscriptions = make(map[string]map[string]*memorySubscription)
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrBusShutdownTimedOut
	}
}

// Publish delivers the event to every subscription whose pattern matches
// the quiz's channel. A subscription whose buffer is full loses the event.
func (m *MemoryBus) Publish(ctx context.Context, event Event) error {
	m.mu.RLock()
	if !m.started {
		m.mu.RUnlock()
		return ErrBusNotStarted
	}

	m.stamp(&event)
	// Round-trip through JSON so in-process delivery exercises the same
	// encoding as the Redis path.
	payload, marshalErr := json.Marshal(event)
	var targets []*memorySubscription
	if marshalErr == nil {
		channel := Channel(event.QuizID)
		for pattern, subs := range m.subscriptions {
			if !channelMatches(pattern, channel) {
				continue
			}
			for _, sub := range subs {
				targets = append(targets, sub)
			}
		}
	}
	m.mu.RUnlock()

	if marshalErr != nil {
		m.metrics.PublishFailures.Inc()
		return marshalErr
	}

	decoded, err := DecodeEvent(payload)
	if err != nil {
		m.metrics.PublishFailures.Inc()
		return err
	}
	m.metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()

	for _, sub := range targets {
		select {
		case sub.events <- decoded:
		default:
			m.log.Warn().
				Str("pattern", sub.pattern).
				Str("quizId", event.QuizID).
				Msg("subscriber buffer full, event dropped")
		}
	}
	return nil
}

// Subscribe registers a handler with its own delivery goroutine.
func (m *MemoryBus) Subscribe(_ context.Context, pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return nil, ErrBusNotStarted
	}

	sub := &memorySubscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
		events:  make(chan Event, memoryBufferSize),
		done:    make(chan struct{}),
	}
	if _, ok := m.subscriptions[pattern]; !ok {
		m.subscriptions[pattern] = make(map[string]*memorySubscription)
	}
	m.subscriptions[pattern][sub.id] = sub

	m.wg.Add(1)
	go m.pump(sub)

	return sub, nil
}

// Unsubscribe cancels the subscription and forgets it.
func (m *MemoryBus) Unsubscribe(_ context.Context, subscription Subscription) error {
	sub, ok := subscription.(*memorySubscription)
	if !ok {
		return ErrInvalidSubscriptionType
	}
	if err := sub.Cancel(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscriptions[sub.pattern]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(m.subscriptions, sub.pattern)
		}
	}
	return nil
}

// SubscriberCount reports live subscriptions for a pattern.
func (m *MemoryBus) SubscriberCount(pattern string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions[pattern])
}

func (m *MemoryBus) stamp(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SourceInstanceID == "" {
		event.SourceInstanceID = m.instanceID
	}
}

func (m *MemoryBus) pump(sub *memorySubscription) {
	defer m.wg.Done()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-sub.done:
			return
		case event := <-sub.events:
			m.metrics.EventsReceived.WithLabelValues(string(event.Kind)).Inc()
			if err := sub.handler(m.ctx, event); err != nil {
				m.log.Error().Err(err).
					Str("kind", string(event.Kind)).
					Str("quizId", event.QuizID).
					Msg("event handler failed")
			}
		}
	}
}
