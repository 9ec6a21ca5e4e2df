package eventbus

import "context"

// Handler consumes one event. Returning an error only gets the failure
// logged; delivery is at-most-once and nothing is retried.
type Handler func(ctx context.Context, event Event) error

// Subscription is a live registration on the bus.
type Subscription interface {
	// ID uniquely identifies this subscription.
	ID() string

	// Pattern returns the channel name or wildcard pattern subscribed to.
	Pattern() string

	// Cancel stops delivery. Safe to call more than once.
	Cancel() error
}

// Publisher is the write half of the bus. Components that only emit events,
// like the quiz service, hold this instead of the full Bus so the broadcast
// coordinator stays the sole consumer.
type Publisher interface {
	// Publish sends an event to its quiz's channel. The event's timestamp
	// and source instance are stamped if the caller left them empty.
	Publish(ctx context.Context, event Event) error
}

// Bus is a pub/sub transport for quiz events. Implementations deliver to
// every matching subscription on every instance, the publishing instance
// included.
type Bus interface {
	Publisher

	// Start connects the bus. Must be called before Publish or Subscribe.
	Start(ctx context.Context) error

	// Stop cancels all subscriptions and waits for their pumps to drain.
	// Returns ErrBusShutdownTimedOut if ctx expires first.
	Stop(ctx context.Context) error

	// Subscribe registers a handler for a channel name or a pattern with a
	// single * wildcard, e.g. quiz:*:events. The handler runs on the
	// subscription's own goroutine, one event at a time.
	Subscribe(ctx context.Context, pattern string, handler Handler) (Subscription, error)

	// Unsubscribe cancels a subscription obtained from Subscribe.
	Unsubscribe(ctx context.Context, sub Subscription) error

	// SubscriberCount reports the live subscriptions for a pattern.
	SubscriberCount(pattern string) int
}
