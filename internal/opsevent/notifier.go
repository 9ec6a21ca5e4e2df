// Package opsevent fans operational happenings out to registered observers
// as CloudEvents: session lifecycle, sweep evictions, breaker transitions.
// These are telemetry for operators and integrations, entirely separate
// from the quiz event bus that drives leaderboard fan-out.
package opsevent

import (
	"context"
	"sync"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types emitted by the service, in reverse-domain notation.
const (
	EventTypeSessionConnected    = "com.quizmesh.session.connected"
	EventTypeSessionClosed       = "com.quizmesh.session.closed"
	EventTypeSessionSwept        = "com.quizmesh.session.swept"
	EventTypeQuizJoined          = "com.quizmesh.quiz.joined"
	EventTypeBreakerStateChanged = "com.quizmesh.breaker.state_changed"
)

// Observer receives operational events. Implementations must return
// quickly; slow work belongs on the observer's own goroutines.
type Observer interface {
	OnEvent(ctx context.Context, event cloudevents.Event) error
	ObserverID() string
}

// registration pairs an observer with its event-type filter.
type registration struct {
	observer   Observer
	eventTypes map[string]bool
}

// Notifier dispatches CloudEvents to observers. Notification is
// non-blocking for the caller: each observer runs on its own goroutine and
// its errors or panics are logged, never propagated.
type Notifier struct {
	source string
	log    zerolog.Logger

	mu        sync.RWMutex
	observers map[string]*registration
}

// NewNotifier builds a notifier whose events carry the given source,
// typically the instance id.
func NewNotifier(source string, log zerolog.Logger) *Notifier {
	return &Notifier{
		source:    source,
		log:       log.With().Str("component", "opsevent").Logger(),
		observers: make(map[string]*registration),
	}
}

// Register adds an observer. With no eventTypes it receives everything;
// otherwise only the listed types. Registering the same observer id again
// replaces the previous filter.
func (n *Notifier) Register(observer Observer, eventTypes ...string) {
	filter := make(map[string]bool, len(eventTypes))
	for _, et := range eventTypes {
		filter[et] = true
	}

	n.mu.Lock()
	n.observers[observer.ObserverID()] = &registration{observer: observer, eventTypes: filter}
	n.mu.Unlock()
	n.log.Debug().Str("observerId", observer.ObserverID()).Strs("eventTypes", eventTypes).Msg("observer registered")
}

// Unregister removes an observer. Unknown observers are ignored.
func (n *Notifier) Unregister(observer Observer) {
	n.mu.Lock()
	delete(n.observers, observer.ObserverID())
	n.mu.Unlock()
}

// Emit builds and dispatches an event in one step.
func (n *Notifier) Emit(ctx context.Context, eventType string, data any) {
	n.Notify(ctx, n.NewEvent(eventType, data))
}

// NewEvent builds a CloudEvent stamped with this notifier's source.
func (n *Notifier) NewEvent(eventType string, data any) cloudevents.Event {
	event := cloudevents.NewEvent()
	event.SetID(eventID())
	event.SetSource(n.source)
	event.SetType(eventType)
	event.SetTime(time.Now())
	event.SetSpecVersion(cloudevents.VersionV1)
	if data != nil {
		if err := event.SetData(cloudevents.ApplicationJSON, data); err != nil {
			n.log.Error().Err(err).Str("eventType", eventType).Msg("failed to attach event data")
		}
	}
	return event
}

// Notify dispatches an already-built event to every interested observer.
func (n *Notifier) Notify(ctx context.Context, event cloudevents.Event) {
	if err := event.Validate(); err != nil {
		n.log.Error().Err(err).Str("eventType", event.Type()).Msg("dropping invalid ops event")
		return
	}

	n.mu.RLock()
	defer n.mu.RUnlock()

	for _, reg := range n.observers {
		if len(reg.eventTypes) > 0 && !reg.eventTypes[event.Type()] {
			continue
		}
		reg := reg
		go func() {
			defer func() {
				if r := recover(); r != nil {
					n.log.Error().
						Str("observerId", reg.observer.ObserverID()).
						Str("eventType", event.Type()).
						Interface("panic", r).
						Msg("observer panicked")
				}
			}()
			if err := reg.observer.OnEvent(ctx, event); err != nil {
				n.log.Error().Err(err).
					Str("observerId", reg.observer.ObserverID()).
					Str("eventType", event.Type()).
					Msg("observer failed")
			}
		}()
	}
}

// eventID returns a time-ordered unique id, falling back to random when
// the clock-based variant is unavailable.
func eventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return id.String()
}

// LogObserver writes every ops event to the structured log. It is the
// default observer wired at startup.
type LogObserver struct {
	log zerolog.Logger
}

// NewLogObserver builds the logging observer.
func NewLogObserver(log zerolog.Logger) *LogObserver {
	return &LogObserver{log: log.With().Str("component", "opsevent").Logger()}
}

// OnEvent logs the event type, source and payload.
func (o *LogObserver) OnEvent(_ context.Context, event cloudevents.Event) error {
	o.log.Info().
		Str("eventType", event.Type()).
		Str("eventSource", event.Source()).
		RawJSON("data", normalizeJSON(event.Data())).
		Msg("ops event")
	return nil
}

// ObserverID identifies the logging observer.
func (o *LogObserver) ObserverID() string { return "log-observer" }

func normalizeJSON(data []byte) []byte {
	if len(data) == 0 {
		return []byte("null")
	}
	return data
}
