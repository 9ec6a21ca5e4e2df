package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizmesh/quizmesh/internal/eventbus"
	"github.com/quizmesh/quizmesh/internal/frame"
	"github.com/quizmesh/quizmesh/internal/heartbeat"
	"github.com/quizmesh/quizmesh/internal/leaderboard"
	"github.com/quizmesh/quizmesh/internal/metrics"
	"github.com/quizmesh/quizmesh/internal/opsevent"
	"github.com/quizmesh/quizmesh/internal/quiz"
	"github.com/quizmesh/quizmesh/internal/ratelimit"
	"github.com/quizmesh/quizmesh/internal/session"
)

// replyPipe records every frame the handler sends back.
type replyPipe struct {
	mu     sync.Mutex
	frames []any
}

func (p *replyPipe) Send(frame any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.frames = append(p.frames, frame)
	return true
}

func (p *replyPipe) snapshot() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.frames...)
}

func (p *replyPipe) lastError() (frame.ErrorFrame, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.frames) - 1; i >= 0; i-- {
		if ef, ok := p.frames[i].(frame.ErrorFrame); ok {
			return ef, true
		}
	}
	return frame.ErrorFrame{}, false
}

// publishStub satisfies eventbus.Publisher without a running bus.
type publishStub struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func (p *publishStub) Publish(_ context.Context, ev eventbus.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *publishStub) kinds() []eventbus.Kind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]eventbus.Kind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

type handlerFixture struct {
	registry *session.Registry
	limiter  *ratelimit.Limiter
	monitor  *heartbeat.Monitor
	store    *leaderboard.Mirror
	events   *publishStub
	handler  *Handler
}

func newHandlerFixture(t *testing.T, limiter *ratelimit.Limiter) *handlerFixture {
	t.Helper()
	return buildHandlerFixture(limiter)
}

// buildHandlerFixture wires a handler over in-memory collaborators. Shared
// with the BDD suite, which has no *testing.T in its step functions.
func buildHandlerFixture(limiter *ratelimit.Limiter) *handlerFixture {
	m := metrics.New()
	if limiter == nil {
		limiter = ratelimit.NewLimiter(10, 5, time.Second)
	}
	f := &handlerFixture{
		registry: session.NewRegistry(),
		limiter:  limiter,
		monitor:  heartbeat.NewMonitor(30*time.Second, 2, time.Minute, func(string) {}, zerolog.Nop(), m),
		store:    leaderboard.NewMirror(),
		events:   &publishStub{},
	}
	svc := quiz.NewService(f.store, f.events, "node-test", zerolog.Nop())
	notifier := opsevent.NewNotifier("quizmesh/node-test", zerolog.Nop())
	f.handler = NewHandler(f.registry, f.limiter, f.monitor, svc, notifier, zerolog.Nop(), m)
	return f
}

func (f *handlerFixture) connect(sessionID string) *replyPipe {
	pipe := &replyPipe{}
	f.registry.Register(sessionID, pipe)
	return pipe
}

func rawJoin(quizID, userID string) []byte {
	data, _ := json.Marshal(map[string]any{"type": "JOIN", "quizId": quizID, "userId": userID})
	return data
}

func rawSubmit(fields map[string]any) []byte {
	fields["type"] = "SUBMIT_ANSWER"
	data, _ := json.Marshal(fields)
	return data
}

func TestHandlerJoinFlow(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	pipe := f.connect("s1")

	f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("general", "alice"))

	frames := pipe.snapshot()
	require.Len(t, frames, 1)
	ok, isJoin := frames[0].(frame.JoinSuccess)
	require.True(t, isJoin, "expected a JOIN_SUCCESS reply, got %T", frames[0])
	assert.Equal(t, "general", ok.QuizID)
	assert.Equal(t, "alice", ok.UserID)
	assert.Equal(t, "Successfully joined quiz general", ok.Message)

	userID, bound := f.registry.User("s1")
	require.True(t, bound)
	assert.Equal(t, "alice", userID)
	assert.True(t, f.registry.InRoom("general", "s1"))

	score, present, err := f.store.Score(context.Background(), "general", "alice")
	require.NoError(t, err)
	require.True(t, present)
	assert.Zero(t, score)

	assert.Equal(t, []eventbus.Kind{eventbus.KindUserJoined}, f.events.kinds())
}

func TestHandlerRejoinMovesRoom(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	pipe := f.connect("s1")

	f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("history", "alice"))
	f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("science", "alice"))

	assert.False(t, f.registry.InRoom("history", "s1"))
	assert.True(t, f.registry.InRoom("science", "s1"))
	assert.Zero(t, f.registry.RoomSize("history"))
}

func TestHandlerJoinValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		quizID  string
		userID  string
		wantErr string
	}{
		{"blank quiz id", "   ", "alice", "Invalid quiz ID"},
		{"empty quiz id", "", "alice", "Invalid quiz ID"},
		{"blank user id", "general", "\t", "Invalid user ID"},
		{"empty user id", "general", "", "Invalid user ID"},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newHandlerFixture(t, nil)
			pipe := f.connect("s1")

			f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin(tc.quizID, tc.userID))

			ef, found := pipe.lastError()
			require.True(t, found, "expected an ERROR reply")
			assert.Equal(t, tc.wantErr, ef.Error)
			assert.Nil(t, ef.Details)
			_, bound := f.registry.User("s1")
			assert.False(t, bound, "a rejected join must not bind the user")
		})
	}
}

func TestHandlerSubmitFlow(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	pipe := f.connect("s1")
	f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("general", "alice"))

	f.handler.HandleFrame(context.Background(), "s1", pipe, rawSubmit(map[string]any{
		"quizId": "general", "userId": "alice", "questionNumber": 3, "correct": true,
	}))
	f.handler.HandleFrame(context.Background(), "s1", pipe, rawSubmit(map[string]any{
		"quizId": "general", "userId": "alice", "questionNumber": 5, "correct": false,
	}))

	frames := pipe.snapshot()
	require.Len(t, frames, 3)

	scored, isResult := frames[1].(frame.AnswerResult)
	require.True(t, isResult, "expected ANSWER_RESULT, got %T", frames[1])
	assert.Equal(t, 3, scored.QuestionNumber)
	assert.True(t, scored.Correct)
	assert.Equal(t, 3, scored.PointsEarned)
	assert.Equal(t, 3, scored.NewScore)

	missed, isResult := frames[2].(frame.AnswerResult)
	require.True(t, isResult, "expected ANSWER_RESULT, got %T", frames[2])
	assert.False(t, missed.Correct)
	assert.Zero(t, missed.PointsEarned)
	assert.Equal(t, 3, missed.NewScore, "a wrong answer keeps the score")

	assert.Equal(t, []eventbus.Kind{
		eventbus.KindUserJoined, eventbus.KindScoreUpdated, eventbus.KindScoreUpdated,
	}, f.events.kinds())
}

func TestHandlerSubmitValidation(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name    string
		fields  map[string]any
		wantErr string
	}{
		{
			"blank quiz id",
			map[string]any{"quizId": " ", "userId": "alice", "questionNumber": 1, "correct": true},
			"Invalid quiz ID",
		},
		{
			"blank user id",
			map[string]any{"quizId": "general", "userId": "", "questionNumber": 1, "correct": true},
			"Invalid user ID",
		},
		{
			"missing question number",
			map[string]any{"quizId": "general", "userId": "alice", "correct": true},
			"Question number is required",
		},
		{
			"missing correctness",
			map[string]any{"quizId": "general", "userId": "alice", "questionNumber": 1},
			"Answer correctness not specified",
		},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newHandlerFixture(t, nil)
			pipe := f.connect("s1")
			f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("general", "alice"))

			f.handler.HandleFrame(context.Background(), "s1", pipe, rawSubmit(tc.fields))

			ef, found := pipe.lastError()
			require.True(t, found, "expected an ERROR reply")
			assert.Equal(t, tc.wantErr, ef.Error)
		})
	}
}

func TestHandlerSubmitRequiresMembership(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	pipe := f.connect("s1")

	// Never joined anything.
	f.handler.HandleFrame(context.Background(), "s1", pipe, rawSubmit(map[string]any{
		"quizId": "trivia", "userId": "alice", "questionNumber": 2, "correct": true,
	}))
	ef, found := pipe.lastError()
	require.True(t, found)
	assert.Equal(t, "You are not in quiz trivia", ef.Error)

	// In a different room than the submission targets.
	f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("history", "alice"))
	f.handler.HandleFrame(context.Background(), "s1", pipe, rawSubmit(map[string]any{
		"quizId": "science", "userId": "alice", "questionNumber": 2, "correct": true,
	}))
	ef, found = pipe.lastError()
	require.True(t, found)
	assert.Equal(t, "You are not in quiz science", ef.Error)

	_, present, err := f.store.Score(context.Background(), "science", "alice")
	require.NoError(t, err)
	assert.False(t, present, "a rejected submission must not touch the board")
}

func TestHandlerSubmitRejectsOutOfRangeQuestion(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	pipe := f.connect("s1")
	f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("general", "alice"))

	f.handler.HandleFrame(context.Background(), "s1", pipe, rawSubmit(map[string]any{
		"quizId": "general", "userId": "alice", "questionNumber": 11, "correct": true,
	}))

	ef, found := pipe.lastError()
	require.True(t, found)
	assert.Equal(t, "Failed to submit answer: Invalid question number: 11. Must be between 1 and 10.", ef.Error)

	score, _, err := f.store.Score(context.Background(), "general", "alice")
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestHandlerRateLimitsBeforeValidation(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, ratelimit.NewLimiter(2, 1, time.Hour))
	pipe := f.connect("s1")

	// Two invalid joins consume the whole budget and fail validation.
	for i := 0; i < 2; i++ {
		f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("", "alice"))
		ef, found := pipe.lastError()
		require.True(t, found)
		assert.Equal(t, "Invalid quiz ID", ef.Error)
	}

	// The third frame is refused before validation even looks at it.
	f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("", "alice"))
	ef, found := pipe.lastError()
	require.True(t, found)
	assert.Equal(t, "Rate limit exceeded. Please slow down.", ef.Error)

	// Heartbeats are exempt and still land.
	f.handler.HandleFrame(context.Background(), "s1", pipe, []byte(`{"type":"HEARTBEAT"}`))
	_, beating := f.monitor.LastBeat("s1")
	assert.True(t, beating, "heartbeats must bypass the limiter")
}

func TestHandlerHeartbeatIsSilent(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	pipe := f.connect("s1")

	f.handler.HandleFrame(context.Background(), "s1", pipe, []byte(`{"type":"HEARTBEAT"}`))

	assert.Empty(t, pipe.snapshot(), "heartbeats get no reply")
	_, beating := f.monitor.LastBeat("s1")
	assert.True(t, beating)
}

func TestHandlerRejectsUndecodableFrames(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		data []byte
	}{
		{"truncated json", []byte(`{"type":"JOIN"`)},
		{"unknown type", []byte(`{"type":"NUKE"}`)},
		{"missing type", []byte(`{"quizId":"general"}`)},
		{"not json at all", []byte("hello")},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			f := newHandlerFixture(t, nil)
			pipe := f.connect("s1")

			f.handler.HandleFrame(context.Background(), "s1", pipe, tc.data)

			ef, found := pipe.lastError()
			require.True(t, found, "expected an ERROR reply")
			assert.Equal(t, "Invalid message format", ef.Error)
		})
	}
}

// oncePanicPipe panics on its first Send and behaves afterwards, standing
// in for a fault deep inside a handler path.
type oncePanicPipe struct {
	replyPipe
	armed bool
}

func (p *oncePanicPipe) Send(frame any) bool {
	if !p.armed {
		p.armed = true
		panic(fmt.Sprintf("send exploded on %T", frame))
	}
	return p.replyPipe.Send(frame)
}

func TestHandlerRecoversFromPanics(t *testing.T) {
	t.Parallel()

	f := newHandlerFixture(t, nil)
	pipe := &oncePanicPipe{}
	f.registry.Register("s1", pipe)

	require.NotPanics(t, func() {
		f.handler.HandleFrame(context.Background(), "s1", pipe, rawJoin("general", "alice"))
	})

	ef, found := pipe.lastError()
	require.True(t, found, "the recovered handler still answers")
	assert.Equal(t, "Internal server error", ef.Error)
}
