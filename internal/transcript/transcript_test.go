package transcript_test

import (
	"testing"
	"time"

	"github.com/kverne/voicebridge/internal/session"
	"github.com/kverne/voicebridge/internal/transcript"
)

type captureSink struct {
	entries []transcript.Entry
}

func (c *captureSink) AddTranscript(e transcript.Entry) {
	c.entries = append(c.entries, e)
}

func TestDeltasConcatenateInOrder(t *testing.T) {
	m := transcript.NewManager()
	m.AddDelta(transcript.DirectionOutput, "Hel")
	m.AddDelta(transcript.DirectionOutput, "lo ")
	m.AddDelta(transcript.DirectionOutput, "there")

	if got := m.Pending(transcript.DirectionOutput); got != "Hello there" {
		t.Errorf("pending = %q", got)
	}
	if got := m.Complete(transcript.DirectionOutput, ""); got != "Hello there" {
		t.Errorf("completed = %q", got)
	}
	if got := m.Pending(transcript.DirectionOutput); got != "" {
		t.Errorf("buffer not cleared: %q", got)
	}
}

func TestFinalTextSupersedesBuffer(t *testing.T) {
	m := transcript.NewManager()
	m.AddDelta(transcript.DirectionInput, "helo wrld")
	if got := m.Complete(transcript.DirectionInput, "hello world"); got != "hello world" {
		t.Errorf("completed = %q", got)
	}
}

func TestDirectionsAreIndependent(t *testing.T) {
	m := transcript.NewManager()
	m.AddDelta(transcript.DirectionInput, "question")
	m.AddDelta(transcript.DirectionOutput, "answer")

	if got := m.Complete(transcript.DirectionInput, ""); got != "question" {
		t.Errorf("input = %q", got)
	}
	if got := m.Pending(transcript.DirectionOutput); got != "answer" {
		t.Errorf("output buffer disturbed: %q", got)
	}
}

func TestCompleteEmitsToSink(t *testing.T) {
	sink := &captureSink{}
	fixed := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	m := transcript.NewManager(
		transcript.WithSink(sink),
		transcript.WithClock(func() time.Time { return fixed }),
	)

	m.AddDelta(transcript.DirectionOutput, "hi")
	m.Complete(transcript.DirectionOutput, "")

	if len(sink.entries) != 1 {
		t.Fatalf("sink received %d entries", len(sink.entries))
	}
	e := sink.entries[0]
	if e.Channel != "bot" || e.Kind != "output" || e.Text != "hi" || !e.Timestamp.Equal(fixed) {
		t.Errorf("entry = %+v", e)
	}
}

func TestEmptyCompletionDropped(t *testing.T) {
	sink := &captureSink{}
	m := transcript.NewManager(transcript.WithSink(sink))

	if got := m.Complete(transcript.DirectionInput, ""); got != "" {
		t.Errorf("completed = %q", got)
	}
	if len(sink.entries) != 0 {
		t.Errorf("sink received %d entries for empty completion", len(sink.entries))
	}
	if len(m.History()) != 0 {
		t.Errorf("history grew on empty completion")
	}
}

func TestRestoreRehydratesHistory(t *testing.T) {
	base := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	m := transcript.NewManager()
	m.Restore([]session.ConversationItem{
		{Direction: session.DirectionUser, Text: "hello", Timestamp: base},
		{Direction: session.DirectionAssistant, Text: "hi, how can I help?", Timestamp: base.Add(time.Second)},
		{Direction: session.DirectionUser, Text: "my balance please", Timestamp: base.Add(2 * time.Second)},
	})

	hist := m.History()
	if len(hist) != 3 {
		t.Fatalf("history length = %d", len(hist))
	}
	if hist[0].Channel != "caller" || hist[0].Kind != "input" {
		t.Errorf("first entry = %+v", hist[0])
	}
	if hist[1].Channel != "bot" || hist[1].Kind != "output" || hist[1].Text != "hi, how can I help?" {
		t.Errorf("second entry = %+v", hist[1])
	}

	// New completions append after restored turns.
	m.AddDelta(transcript.DirectionOutput, "sure")
	m.Complete(transcript.DirectionOutput, "")
	if hist = m.History(); len(hist) != 4 || hist[3].Text != "sure" {
		t.Errorf("history after new turn = %+v", hist)
	}
}
