// Package quiz holds the question bank and the stateless service that
// orchestrates joins and answer submissions against the leaderboard store
// and the event bus.
package quiz

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// QuestionCount is the size of the bank. Question numbers are 1-based.
const QuestionCount = 10

// ValidQuestion reports whether n names a question in the bank.
func ValidQuestion(n int) bool {
	return n >= 1 && n <= QuestionCount
}

// Points returns the score value of a question: harder questions sit at
// higher numbers and pay their own number in points. Out-of-range numbers
// are worth nothing; callers are expected to validate first.
func Points(n int) int {
	if !ValidQuestion(n) {
		return 0
	}
	return n
}

// Question is one bank entry as served by the read-only HTTP API. Point
// values are fixed by Points and never come from the content file.
type Question struct {
	Number int    `json:"number" toml:"number" yaml:"number"`
	Text   string `json:"text" toml:"text" yaml:"text"`
	Points int    `json:"points" toml:"-" yaml:"-"`
}

// bankFile is the on-disk shape shared by the TOML and YAML content files.
type bankFile struct {
	Questions []Question `toml:"questions" yaml:"questions"`
}

// Bank carries display text for the fixed question set. Scoring never
// consults it; the texts exist for clients that render questions.
type Bank struct {
	log zerolog.Logger

	mu    sync.RWMutex
	texts [QuestionCount]string
}

// NewBank builds a bank with placeholder texts.
func NewBank(log zerolog.Logger) *Bank {
	b := &Bank{log: log.With().Str("component", "questionbank").Logger()}
	for i := range b.texts {
		b.texts[i] = fmt.Sprintf("Question %d: What is the answer to question %d?", i+1, i+1)
	}
	return b
}

// LoadFile replaces texts with entries from a TOML or YAML content file,
// chosen by extension. Entries may cover any subset of the bank; numbers
// outside 1..QuestionCount fail the whole load.
func (b *Bank) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read question file: %w", err)
	}

	var f bankFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".toml":
		if err := toml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &f); err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported question file extension %q", ext)
	}

	for _, q := range f.Questions {
		if !ValidQuestion(q.Number) {
			return fmt.Errorf("%w: %d in %s", ErrInvalidQuestion, q.Number, path)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range f.Questions {
		b.texts[q.Number-1] = q.Text
	}
	b.log.Info().Str("path", path).Int("entries", len(f.Questions)).Msg("question texts loaded")
	return nil
}

// Watch reloads the content file whenever it changes, until ctx is
// cancelled. The parent directory is watched so editors that replace the
// file instead of rewriting it still trigger a reload. A broken edit is
// logged and the previous texts stay live.
func (b *Bank) Watch(ctx context.Context, path string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve question file path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != abs {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := b.LoadFile(abs); err != nil {
				b.log.Error().Err(err).Msg("question file reload failed, keeping previous texts")
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			b.log.Error().Err(err).Msg("question file watcher error")
		}
	}
}

// Question returns one bank entry.
func (b *Bank) Question(n int) (Question, bool) {
	if !ValidQuestion(n) {
		return Question{}, false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return Question{Number: n, Text: b.texts[n-1], Points: Points(n)}, true
}

// Questions lists the whole bank in number order.
func (b *Bank) Questions() []Question {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]Question, QuestionCount)
	for i := range b.texts {
		out[i] = Question{Number: i + 1, Text: b.texts[i], Points: Points(i + 1)}
	}
	return out
}
