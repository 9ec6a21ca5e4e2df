package eventbus

import "errors"

var (
	// Bus state errors
	ErrBusNotStarted       = errors.New("event bus not started")
	ErrBusShutdownTimedOut = errors.New("event bus shutdown timed out")

	// Subscription errors
	ErrNilHandler              = errors.New("event handler cannot be nil")
	ErrInvalidSubscriptionType = errors.New("invalid subscription type")

	// Wire errors
	ErrUnknownEventKind = errors.New("unknown event kind")
)
