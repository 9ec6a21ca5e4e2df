// Package frame defines the client-facing wire frames and their JSON codec.
//
// Every frame carries a "type" discriminator over a closed set. Inbound
// frames (JOIN, SUBMIT_ANSWER, HEARTBEAT) are produced by Decode, which
// dispatches on the discriminator and returns the concrete type. Outbound
// frames are plain structs marshaled by the transport; constructors fill in
// the discriminator so call sites cannot forget it.
package frame

import "github.com/quizmesh/quizmesh/internal/leaderboard"

// Type is the value of the "type" discriminator field.
type Type string

// Frame discriminators.
const (
	TypeJoin              Type = "JOIN"
	TypeSubmitAnswer      Type = "SUBMIT_ANSWER"
	TypeHeartbeat         Type = "HEARTBEAT"
	TypeJoinSuccess       Type = "JOIN_SUCCESS"
	TypeAnswerResult      Type = "ANSWER_RESULT"
	TypeLeaderboardUpdate Type = "LEADERBOARD_UPDATE"
	TypeError             Type = "ERROR"
)

// Inbound is implemented by every frame a client may send.
type Inbound interface {
	// FrameType returns the frame's discriminator.
	FrameType() Type
}

// Join asks to enter a quiz. The server associates the sending session with
// the user and the quiz room.
type Join struct {
	Type   Type   `json:"type"`
	QuizID string `json:"quizId"`
	UserID string `json:"userId"`
}

// FrameType returns the frame's discriminator.
func (f *Join) FrameType() Type { return TypeJoin }

// SubmitAnswer reports an answer for one question. QuestionNumber and
// Correct are pointers so the handler can distinguish absent fields from
// zero values.
type SubmitAnswer struct {
	Type           Type   `json:"type"`
	QuizID         string `json:"quizId"`
	UserID         string `json:"userId"`
	QuestionNumber *int   `json:"questionNumber"`
	Correct        *bool  `json:"correct"`
}

// FrameType returns the frame's discriminator.
func (f *SubmitAnswer) FrameType() Type { return TypeSubmitAnswer }

// Heartbeat keeps the session alive. It carries no fields and gets no reply.
type Heartbeat struct {
	Type Type `json:"type"`
}

// FrameType returns the frame's discriminator.
func (f *Heartbeat) FrameType() Type { return TypeHeartbeat }

// JoinSuccess is the personal reply to a successful JOIN.
type JoinSuccess struct {
	Type    Type   `json:"type"`
	QuizID  string `json:"quizId"`
	UserID  string `json:"userId"`
	Message string `json:"message"`
}

// NewJoinSuccess builds the reply for a completed join.
func NewJoinSuccess(quizID, userID string) JoinSuccess {
	return JoinSuccess{
		Type:    TypeJoinSuccess,
		QuizID:  quizID,
		UserID:  userID,
		Message: "Successfully joined quiz " + quizID,
	}
}

// AnswerResult is the personal reply to a processed SUBMIT_ANSWER. NewScore
// is the authoritative post-increment score returned by the store.
type AnswerResult struct {
	Type           Type   `json:"type"`
	QuizID         string `json:"quizId"`
	UserID         string `json:"userId"`
	QuestionNumber int    `json:"questionNumber"`
	Correct        bool   `json:"correct"`
	PointsEarned   int    `json:"pointsEarned"`
	NewScore       int    `json:"newScore"`
}

// NewAnswerResult builds the reply for a scored answer.
func NewAnswerResult(quizID, userID string, questionNumber int, correct bool, pointsEarned, newScore int) AnswerResult {
	return AnswerResult{
		Type:           TypeAnswerResult,
		QuizID:         quizID,
		UserID:         userID,
		QuestionNumber: questionNumber,
		Correct:        correct,
		PointsEarned:   pointsEarned,
		NewScore:       newScore,
	}
}

// ErrorFrame is the personal reply for any failed request. Details stays
// null unless there is genuinely more to say.
type ErrorFrame struct {
	Type    Type    `json:"type"`
	Error   string  `json:"error"`
	Details *string `json:"details"`
}

// NewError builds an error reply with no details.
func NewError(msg string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: msg}
}

// NewErrorWithDetails builds an error reply carrying extra context.
func NewErrorWithDetails(msg, details string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Error: msg, Details: &details}
}

// LeaderboardUpdate is the broadcast frame pushed to every session in a
// quiz room after any leaderboard-relevant event.
type LeaderboardUpdate struct {
	Type        Type                `json:"type"`
	QuizID      string              `json:"quizId"`
	Leaderboard []leaderboard.Entry `json:"leaderboard"`
}

// NewLeaderboardUpdate builds the broadcast frame. A nil entry slice
// marshals as an empty array, not null.
func NewLeaderboardUpdate(quizID string, entries []leaderboard.Entry) LeaderboardUpdate {
	if entries == nil {
		entries = []leaderboard.Entry{}
	}
	return LeaderboardUpdate{Type: TypeLeaderboardUpdate, QuizID: quizID, Leaderboard: entries}
}
