// Package transcript accumulates incremental transcript deltas per
// direction and flushes them as complete records on completion events.
package transcript

import (
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kverne/voicebridge/internal/session"
)

// Direction distinguishes the two transcript streams of a call.
type Direction string

const (
	// DirectionInput is caller speech transcribed by the AI service.
	DirectionInput Direction = "input"
	// DirectionOutput is the assistant's spoken response.
	DirectionOutput Direction = "output"
)

// channel maps a direction to the recorder's channel naming.
func (d Direction) channel() string {
	if d == DirectionOutput {
		return "bot"
	}
	return "caller"
}

// Entry is one completed transcript record.
type Entry struct {
	Timestamp  time.Time `json:"timestamp"`
	Channel    string    `json:"channel"` // caller | bot
	Kind       string    `json:"kind"`    // input | output
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence,omitempty"`
	DurationMs int       `json:"duration_ms,omitempty"`
}

// Sink receives completed transcript records, typically the recorder.
type Sink interface {
	AddTranscript(Entry)
}

// Manager buffers transcript deltas for both directions of one call.
// Safe for concurrent use from both read loops.
type Manager struct {
	mu      sync.Mutex
	buffers map[Direction][]string
	history []Entry
	sink    Sink
	now     func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithSink attaches a completed-record consumer.
func WithSink(s Sink) Option {
	return func(m *Manager) { m.sink = s }
}

// WithClock overrides the wall clock. Test hook.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates an empty transcript manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{
		buffers: make(map[Direction][]string),
		now:     time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// AddDelta appends a text fragment to the direction's buffer. Deltas
// for one direction are concatenated in arrival order.
func (m *Manager) AddDelta(dir Direction, delta string) {
	if delta == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buffers[dir] = append(m.buffers[dir], delta)
}

// Complete flushes the direction's buffer as one record. When the
// completion event carries the full text it supersedes the buffer;
// otherwise the buffered deltas are concatenated. The completed record
// goes to the sink (if attached) and into the in-memory history. An
// empty completion is dropped.
func (m *Manager) Complete(dir Direction, finalText string) string {
	m.mu.Lock()
	text := finalText
	if text == "" {
		text = strings.Join(m.buffers[dir], "")
	}
	m.buffers[dir] = nil
	if text == "" {
		m.mu.Unlock()
		return ""
	}
	entry := Entry{
		Timestamp: m.now(),
		Channel:   dir.channel(),
		Kind:      string(dir),
		Text:      text,
	}
	m.history = append(m.history, entry)
	sink := m.sink
	m.mu.Unlock()

	if sink != nil {
		sink.AddTranscript(entry)
	}
	slog.Debug("transcript completed", "direction", dir, "chars", len(text))
	return text
}

// Pending returns the not-yet-completed buffer contents for a
// direction.
func (m *Manager) Pending(dir Direction) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return strings.Join(m.buffers[dir], "")
}

// Restore rehydrates the history from a persisted conversation,
// categorising each item by its recorded direction. Used on session
// resume so earlier turns survive the reconnect.
func (m *Manager) Restore(history []session.ConversationItem) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, item := range history {
		dir := DirectionInput
		if item.Direction == session.DirectionAssistant {
			dir = DirectionOutput
		}
		m.history = append(m.history, Entry{
			Timestamp: item.Timestamp,
			Channel:   dir.channel(),
			Kind:      string(dir),
			Text:      item.Text,
		})
	}
}

// History returns a copy of all completed records in order.
func (m *Manager) History() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.history))
	copy(out, m.history)
	return out
}
