package broadcast

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizmesh/quizmesh/internal/eventbus"
	"github.com/quizmesh/quizmesh/internal/frame"
	"github.com/quizmesh/quizmesh/internal/leaderboard"
	"github.com/quizmesh/quizmesh/internal/metrics"
	"github.com/quizmesh/quizmesh/internal/session"
)

// capturePipe records broadcast frames; full simulates a saturated queue.
type capturePipe struct {
	mu     sync.Mutex
	frames []any
	full   bool
}

func (p *capturePipe) Send(f any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.full {
		return false
	}
	p.frames = append(p.frames, f)
	return true
}

func (p *capturePipe) updates() []frame.LeaderboardUpdate {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []frame.LeaderboardUpdate
	for _, f := range p.frames {
		if u, ok := f.(frame.LeaderboardUpdate); ok {
			out = append(out, u)
		}
	}
	return out
}

// countingStore counts TopN reads on top of a mirror.
type countingStore struct {
	*leaderboard.Mirror
	mu    sync.Mutex
	reads int
}

func (c *countingStore) TopN(ctx context.Context, quizID string, n int) ([]leaderboard.Entry, error) {
	c.mu.Lock()
	c.reads++
	c.mu.Unlock()
	return c.Mirror.TopN(ctx, quizID, n)
}

func (c *countingStore) readCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reads
}

type fixture struct {
	bus   *eventbus.MemoryBus
	store *countingStore
	rooms *session.Registry
	coord *Coordinator
}

func newFixture(t *testing.T, topN int) *fixture {
	t.Helper()

	bus := eventbus.NewMemoryBus("node-test", zerolog.Nop(), metrics.New())
	require.NoError(t, bus.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = bus.Stop(ctx)
	})

	store := &countingStore{Mirror: leaderboard.NewMirror()}
	rooms := session.NewRegistry()
	coord := NewCoordinator(bus, store, rooms, topN, zerolog.Nop(), metrics.New())
	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop(context.Background()) })

	return &fixture{bus: bus, store: store, rooms: rooms, coord: coord}
}

func (f *fixture) join(t *testing.T, quizID, sessionID string) *capturePipe {
	t.Helper()
	pipe := &capturePipe{}
	f.rooms.Register(sessionID, pipe)
	require.NoError(t, f.rooms.JoinRoom(quizID, sessionID))
	return pipe
}

func TestCoordinatorFansOutToRoom(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()
	_, err := f.store.Increment(ctx, "q1", "alice", 5)
	require.NoError(t, err)
	_, err = f.store.Increment(ctx, "q1", "bob", 3)
	require.NoError(t, err)

	p1 := f.join(t, "q1", "s1")
	p2 := f.join(t, "q1", "s2")
	other := f.join(t, "q2", "s3")

	require.NoError(t, f.bus.Publish(ctx, eventbus.NewScoreUpdated("q1", "alice", 5, "")))

	for name, p := range map[string]*capturePipe{"s1": p1, "s2": p2} {
		p := p
		require.Eventually(t, func() bool {
			return len(p.updates()) == 1
		}, time.Second, 5*time.Millisecond, "session %s never got the update", name)

		u := p.updates()[0]
		assert.Equal(t, frame.TypeLeaderboardUpdate, u.Type)
		assert.Equal(t, "q1", u.QuizID)
		require.Len(t, u.Leaderboard, 2)
		assert.Equal(t, leaderboard.Entry{UserID: "alice", Score: 5, Rank: 1}, u.Leaderboard[0])
		assert.Equal(t, leaderboard.Entry{UserID: "bob", Score: 3, Rank: 2}, u.Leaderboard[1])
	}

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, other.updates(), "rooms for other quizzes stay quiet")
}

func TestCoordinatorRedrawsOnEveryEventKind(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()
	pipe := f.join(t, "q1", "s1")

	require.NoError(t, f.bus.Publish(ctx, eventbus.NewUserJoined("q1", "alice", "")))
	require.Eventually(t, func() bool {
		return len(pipe.updates()) == 1
	}, time.Second, 5*time.Millisecond)

	// A join before any answer still redraws, with an empty board here
	// because this store was never written.
	u := pipe.updates()[0]
	assert.NotNil(t, u.Leaderboard)
	assert.Empty(t, u.Leaderboard)
}

func TestCoordinatorSkipsEmptyRooms(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()

	require.NoError(t, f.bus.Publish(ctx, eventbus.NewScoreUpdated("lonely", "alice", 5, "")))
	time.Sleep(50 * time.Millisecond)

	assert.Zero(t, f.store.readCount(), "no local room, no store read")
}

func TestCoordinatorCapsEntriesAtTopN(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 3)
	ctx := context.Background()
	for i := 0; i < 8; i++ {
		_, err := f.store.Increment(ctx, "q1", fmt.Sprintf("user%d", i), i+1)
		require.NoError(t, err)
	}
	pipe := f.join(t, "q1", "s1")

	require.NoError(t, f.bus.Publish(ctx, eventbus.NewScoreUpdated("q1", "user7", 8, "")))
	require.Eventually(t, func() bool {
		return len(pipe.updates()) == 1
	}, time.Second, 5*time.Millisecond)

	u := pipe.updates()[0]
	require.Len(t, u.Leaderboard, 3)
	assert.Equal(t, "user7", u.Leaderboard[0].UserID)
	assert.Equal(t, 8, u.Leaderboard[0].Score)
	assert.Equal(t, 1, u.Leaderboard[0].Rank)
}

func TestCoordinatorSurvivesFullQueues(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()
	healthy := f.join(t, "q1", "s1")
	saturated := f.join(t, "q1", "s2")
	saturated.full = true

	require.NoError(t, f.bus.Publish(ctx, eventbus.NewScoreUpdated("q1", "alice", 1, "")))
	require.Eventually(t, func() bool {
		return len(healthy.updates()) == 1
	}, time.Second, 5*time.Millisecond, "a stuck session must not block the others")
	assert.Empty(t, saturated.updates())
}

func TestCoordinatorStopSilences(t *testing.T) {
	t.Parallel()

	f := newFixture(t, 10)
	ctx := context.Background()
	pipe := f.join(t, "q1", "s1")

	require.NoError(t, f.bus.Publish(ctx, eventbus.NewScoreUpdated("q1", "alice", 1, "")))
	require.Eventually(t, func() bool {
		return len(pipe.updates()) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, f.coord.Stop(ctx))
	require.NoError(t, f.coord.Stop(ctx), "stopping twice is fine")

	require.NoError(t, f.bus.Publish(ctx, eventbus.NewScoreUpdated("q1", "alice", 2, "")))
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, pipe.updates(), 1, "no fan-out after Stop")
}
