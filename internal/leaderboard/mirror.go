package leaderboard

import (
	"context"
	"sort"
	"sync"
)

// Mirror is the per-instance in-memory fallback used while the shared Redis
// is unreachable. It holds only what this instance wrote during the outage.
// On recovery the mirror is discarded, never synced back; Redis stays the
// source of truth.
//
// Ties are broken by ascending user id, so results are deterministic within
// a call but need not match Redis's tie order after reconvergence.
type Mirror struct {
	mu     sync.RWMutex
	boards map[string]map[string]int
}

// NewMirror returns an empty fallback mirror.
func NewMirror() *Mirror {
	return &Mirror{boards: make(map[string]map[string]int)}
}

// Initialize adds the user with score 0 only if absent.
func (m *Mirror) Initialize(_ context.Context, quizID, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	board := m.boards[quizID]
	if board == nil {
		board = make(map[string]int)
		m.boards[quizID] = board
	}
	if _, ok := board[userID]; ok {
		return false, nil
	}
	board[userID] = 0
	return true, nil
}

// Increment adds delta to the user's score, creating the member at delta
// when absent.
func (m *Mirror) Increment(_ context.Context, quizID, userID string, delta int) (int, error) {
	if delta < 0 {
		return 0, ErrNegativeDelta
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	board := m.boards[quizID]
	if board == nil {
		board = make(map[string]int)
		m.boards[quizID] = board
	}
	board[userID] += delta
	return board[userID], nil
}

// TopN returns up to n entries, highest score first.
func (m *Mirror) TopN(_ context.Context, quizID string, n int) ([]Entry, error) {
	if n <= 0 {
		return []Entry{}, nil
	}
	entries := m.sorted(quizID)
	if len(entries) > n {
		entries = entries[:n]
	}
	return entries, nil
}

// Score returns the user's score; ok is false for absent members.
func (m *Mirror) Score(_ context.Context, quizID, userID string) (int, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	score, ok := m.boards[quizID][userID]
	return score, ok, nil
}

// Rank returns the user's 1-based rank; ok is false for absent members.
func (m *Mirror) Rank(_ context.Context, quizID, userID string) (int, bool, error) {
	for _, e := range m.sorted(quizID) {
		if e.UserID == userID {
			return e.Rank, true, nil
		}
	}
	return 0, false, nil
}

// Size returns the number of members on the quiz's board.
func (m *Mirror) Size(_ context.Context, quizID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.boards[quizID]), nil
}

// Remove deletes one member. Absent members are not an error.
func (m *Mirror) Remove(_ context.Context, quizID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if board := m.boards[quizID]; board != nil {
		delete(board, userID)
		if len(board) == 0 {
			delete(m.boards, quizID)
		}
	}
	return nil
}

// Delete drops the whole board for a quiz.
func (m *Mirror) Delete(_ context.Context, quizID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.boards, quizID)
	return nil
}

// Reset discards all fallback state. Called when the breaker closes again.
func (m *Mirror) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.boards = make(map[string]map[string]int)
}

func (m *Mirror) sorted(quizID string) []Entry {
	m.mu.RLock()
	board := m.boards[quizID]
	entries := make([]Entry, 0, len(board))
	for user, score := range board {
		entries = append(entries, Entry{UserID: user, Score: score})
	}
	m.mu.RUnlock()

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Score != entries[j].Score {
			return entries[i].Score > entries[j].Score
		}
		return entries[i].UserID < entries[j].UserID
	})
	for i := range entries {
		entries[i].Rank = i + 1
	}
	return entries
}
