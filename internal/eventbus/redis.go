package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/quizmesh/quizmesh/internal/metrics"
)

// RedisBus carries events over Redis pub/sub so score changes made on one
// instance fan out to every instance's subscribers. The client is owned by
// the caller and stays open after Stop; pub/sub connections opened for
// subscriptions are closed when their subscription is cancelled.
type RedisBus struct {
	client        *redis.Client
	instanceID    string
	log           zerolog.Logger
	metrics       *metrics.Metrics
	subscriptions map[string]map[string]*redisSubscription
	mu            sync.RWMutex
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	started       bool
}

// redisSubscription pumps one pub/sub registration into its handler.
type redisSubscription struct {
	id        string
	pattern   string
	handler   Handler
	pubsub    *redis.PubSub
	done      chan struct{}
	cancelled bool
	mu        sync.Mutex
}

// ID returns the unique identifier for the subscription.
func (s *redisSubscription) ID() string { return s.id }

// Pattern returns the channel name or pattern subscribed to.
func (s *redisSubscription) Pattern() string { return s.pattern }

// Cancel stops delivery for this subscription.
func (s *redisSubscription) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancelled {
		return nil
	}
	s.cancelled = true
	if s.pubsub != nil {
		_ = s.pubsub.Close()
	}
	close(s.done)
	return nil
}

// NewRedisBus wraps an existing Redis client. instanceID is stamped onto
// outgoing events that do not carry a source yet.
func NewRedisBus(client *redis.Client, instanceID string, log zerolog.Logger, m *metrics.Metrics) *RedisBus {
	return &RedisBus{
		client:        client,
		instanceID:    instanceID,
		log:           log.With().Str("component", "eventbus").Logger(),
		metrics:       m,
		subscriptions: make(map[string]map[string]*redisSubscription),
	}
}

// Start verifies connectivity and arms the bus.
func (r *RedisBus) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return nil
	}
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.started = true
	return nil
}

// Stop cancels every subscription and waits for the message pumps to exit.
func (r *RedisBus) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return nil
	}
	r.started = false
	if r.cancel != nil {
		r.cancel()
	}
	for _, subs := range r.subscriptions {
		for _, sub := range subs {
			_ = sub.Cancel()
		}
	}
	r.subscriptions = make(map[string]map[string]*redisSubscription)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ErrBusShutdownTimedOut
	}
}

// Publish serializes the event and fires it at its quiz's channel.
func (r *RedisBus) Publish(ctx context.Context, event Event) error {
	r.mu.RLock()
	started := r.started
	r.mu.RUnlock()
	if !started {
		return ErrBusNotStarted
	}

	r.stamp(&event)
	payload, err := json.Marshal(event)
	if err != nil {
		r.metrics.PublishFailures.Inc()
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	if err := r.client.Publish(ctx, Channel(event.QuizID), payload).Err(); err != nil {
		r.metrics.PublishFailures.Inc()
		return fmt.Errorf("failed to publish %s for quiz %s: %w", event.Kind, event.QuizID, err)
	}
	r.metrics.EventsPublished.WithLabelValues(string(event.Kind)).Inc()
	return nil
}

// Subscribe opens a dedicated pub/sub connection for the pattern and pumps
// its messages into the handler.
func (r *RedisBus) Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error) {
	if handler == nil {
		return nil, ErrNilHandler
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil, ErrBusNotStarted
	}

	var pubsub *redis.PubSub
	if strings.Contains(pattern, "*") {
		pubsub = r.client.PSubscribe(ctx, pattern)
	} else {
		pubsub = r.client.Subscribe(ctx, pattern)
	}

	sub := &redisSubscription{
		id:      uuid.New().String(),
		pattern: pattern,
		handler: handler,
		pubsub:  pubsub,
		done:    make(chan struct{}),
	}
	if _, ok := r.subscriptions[pattern]; !ok {
		r.subscriptions[pattern] = make(map[string]*redisSubscription)
	}
	r.subscriptions[pattern][sub.id] = sub

	r.wg.Add(1)
	go r.pump(sub)

	return sub, nil
}

// Unsubscribe cancels the subscription and forgets it.
func (r *RedisBus) Unsubscribe(ctx context.Context, subscription Subscription) error {
	sub, ok := subscription.(*redisSubscription)
	if !ok {
		return ErrInvalidSubscriptionType
	}
	if err := sub.Cancel(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.subscriptions[sub.pattern]; ok {
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(r.subscriptions, sub.pattern)
		}
	}
	return nil
}

// SubscriberCount reports live subscriptions for a pattern.
func (r *RedisBus) SubscriberCount(pattern string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscriptions[pattern])
}

// stamp fills metadata the publisher left empty.
func (r *RedisBus) stamp(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.SourceInstanceID == "" {
		event.SourceInstanceID = r.instanceID
	}
}

// pump forwards messages to the handler until the bus stops or the
// subscription is cancelled. Handler errors are logged and dropped.
func (r *RedisBus) pump(sub *redisSubscription) {
	defer r.wg.Done()

	ch := sub.pubsub.Channel()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-sub.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event, err := DecodeEvent([]byte(msg.Payload))
			if err != nil {
				r.metrics.EventDecodeFailures.Inc()
				r.log.Error().Err(err).Str("channel", msg.Channel).Msg("dropping undecodable event")
				continue
			}
			r.metrics.EventsReceived.WithLabelValues(string(event.Kind)).Inc()
			if err := sub.handler(r.ctx, event); err != nil {
				r.log.Error().Err(err).
					Str("kind", string(event.Kind)).
					Str("quizId", event.QuizID).
					Msg("event handler failed")
			}
		}
	}
}
