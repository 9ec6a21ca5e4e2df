package eventbus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizmesh/quizmesh/internal/metrics"
)

func newRedisBus(t *testing.T, mr *miniredis.Miniredis, instanceID string) *RedisBus {
	t.Helper()

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewRedisBus(client, instanceID, zerolog.Nop(), metrics.New())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})
	return bus
}

// waitForSubscribers publishes warmup events until the server reports the
// expected number of receivers on the channel. Subscription registration is
// asynchronous, so tests must not publish real events before this settles.
func waitForSubscribers(t *testing.T, mr *miniredis.Miniredis, channel string, n int) {
	t.Helper()

	warmup, err := json.Marshal(NewUserJoined("warmup", "nobody", "harness"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return mr.Publish(channel, string(warmup)) >= n
	}, 2*time.Second, 5*time.Millisecond)
}

// eventsFor filters out warmup traffic so assertions see only the quiz
// under test.
func eventsFor(rec *recorder, quizID string) []Event {
	var out []Event
	for _, ev := range rec.snapshot() {
		if ev.QuizID == quizID {
			out = append(out, ev)
		}
	}
	return out
}

func TestRedisBusDeliversAcrossInstances(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	busA := newRedisBus(t, mr, "node-a")
	busB := newRedisBus(t, mr, "node-b")

	recA, recB := &recorder{}, &recorder{}
	_, err := busA.Subscribe(context.Background(), PatternAllQuizzes, recA.handle)
	require.NoError(t, err)
	_, err = busB.Subscribe(context.Background(), PatternAllQuizzes, recB.handle)
	require.NoError(t, err)
	waitForSubscribers(t, mr, Channel("warmup"), 2)

	require.NoError(t, busA.Publish(context.Background(), NewScoreUpdated("shared", "alice", 7, "")))

	for name, rec := range map[string]*recorder{"publisher": recA, "peer": recB} {
		rec := rec
		require.Eventually(t, func() bool {
			return len(eventsFor(rec, "shared")) == 1
		}, 2*time.Second, 5*time.Millisecond, "%s never saw the event", name)

		ev := eventsFor(rec, "shared")[0]
		assert.Equal(t, KindScoreUpdated, ev.Kind)
		assert.Equal(t, "alice", ev.UserID)
		require.NotNil(t, ev.Score)
		assert.Equal(t, 7, *ev.Score)
		assert.Equal(t, "node-a", ev.SourceInstanceID, "bus stamps the publisher's instance id")
		assert.False(t, ev.Timestamp.IsZero())
	}
}

func TestRedisBusExactChannelFilters(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr, "node-a")

	rec := &recorder{}
	_, err := bus.Subscribe(context.Background(), Channel("alpha"), rec.handle)
	require.NoError(t, err)
	waitForSubscribers(t, mr, Channel("alpha"), 1)

	require.NoError(t, bus.Publish(context.Background(), NewUserJoined("beta", "bob", "")))
	require.NoError(t, bus.Publish(context.Background(), NewUserJoined("alpha", "alice", "")))

	require.Eventually(t, func() bool {
		return len(eventsFor(rec, "alpha")) == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, eventsFor(rec, "beta"))
}

func TestRedisBusRequiresStart(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewRedisBus(client, "node-a", zerolog.Nop(), metrics.New())
	err := bus.Publish(context.Background(), NewUserJoined("q", "u", ""))
	assert.ErrorIs(t, err, ErrBusNotStarted)

	_, err = bus.Subscribe(context.Background(), PatternAllQuizzes, (&recorder{}).handle)
	assert.ErrorIs(t, err, ErrBusNotStarted)
}

func TestRedisBusRejectsNilHandler(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr, "node-a")
	_, err := bus.Subscribe(context.Background(), PatternAllQuizzes, nil)
	assert.ErrorIs(t, err, ErrNilHandler)
}

func TestRedisBusSkipsUndecodablePayloads(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr, "node-a")

	rec := &recorder{}
	_, err := bus.Subscribe(context.Background(), Channel("alpha"), rec.handle)
	require.NoError(t, err)
	waitForSubscribers(t, mr, Channel("alpha"), 1)

	mr.Publish(Channel("alpha"), `not even json`)
	mr.Publish(Channel("alpha"), `{"type":"MYSTERY"}`)
	require.NoError(t, bus.Publish(context.Background(), NewUserJoined("alpha", "alice", "")))

	require.Eventually(t, func() bool {
		return len(eventsFor(rec, "alpha")) == 1
	}, 2*time.Second, 5*time.Millisecond, "pump must survive garbage payloads")
	assert.Equal(t, "alice", eventsFor(rec, "alpha")[0].UserID)
}

func TestRedisBusUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	bus := newRedisBus(t, mr, "node-a")

	rec := &recorder{}
	sub, err := bus.Subscribe(context.Background(), PatternAllQuizzes, rec.handle)
	require.NoError(t, err)
	require.Equal(t, 1, bus.SubscriberCount(PatternAllQuizzes))
	waitForSubscribers(t, mr, Channel("warmup"), 1)

	require.NoError(t, bus.Unsubscribe(context.Background(), sub))
	assert.Zero(t, bus.SubscriberCount(PatternAllQuizzes))

	require.Eventually(t, func() bool {
		return mr.Publish(Channel("alpha"), `{}`) == 0
	}, 2*time.Second, 5*time.Millisecond, "server still sees a receiver after unsubscribe")
	assert.Empty(t, eventsFor(rec, "alpha"))
}

func TestRedisBusStopSilencesBus(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	bus := NewRedisBus(client, "node-a", zerolog.Nop(), metrics.New())
	require.NoError(t, bus.Start(context.Background()))
	_, err := bus.Subscribe(context.Background(), PatternAllQuizzes, (&recorder{}).handle)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, bus.Stop(ctx))
	require.NoError(t, bus.Stop(ctx))

	err = bus.Publish(context.Background(), NewUserJoined("q", "u", ""))
	assert.ErrorIs(t, err, ErrBusNotStarted)

	// The client outlives the bus; stopping must not close it.
	assert.NoError(t, client.Ping(context.Background()).Err())
}
