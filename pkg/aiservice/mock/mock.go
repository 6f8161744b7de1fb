// Package mock provides an in-process stand-in for the AI service.
//
// It satisfies aiservice.Conn so the bridge can run without network
// access: responses carry canned PCM16 tone audio plus transcript
// deltas, and tests can script function-call responses. Used when the
// bridge is configured with use_local_ai.
package mock

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/kverne/voicebridge/pkg/aiservice"
)

var _ aiservice.Conn = (*Session)(nil)

const (
	// toneFrequency is the canned reply tone in Hz.
	toneFrequency = 440.0
	// toneChunks and toneChunkMs shape the canned audio reply.
	toneChunks  = 3
	toneChunkMs = 100
)

// scriptedCall is one queued function-call response.
type scriptedCall struct {
	name string
	args string
}

// Session is an in-process AI-service leg.
type Session struct {
	events chan aiservice.Event

	mu          sync.Mutex
	closed      bool
	initialized bool
	replyText   string
	responseSeq int
	callSeq     int
	scripted    []scriptedCall
	outputs     map[string]string
	bytesIn     int

	closeOnce sync.Once
}

// Option configures a mock Session.
type Option func(*Session)

// WithReplyText sets the transcript text of canned responses.
func WithReplyText(text string) Option {
	return func(s *Session) { s.replyText = text }
}

// New creates a mock session. No network is involved.
func New(opts ...Option) *Session {
	s := &Session{
		events:    make(chan aiservice.Event, 256),
		replyText: "Hello, how can I help you today?",
		outputs:   make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ScriptFunctionCall queues a function call: the next response emits it
// instead of audio.
func (s *Session) ScriptFunctionCall(name, args string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripted = append(s.scripted, scriptedCall{name: name, args: args})
}

// FunctionOutputs returns the results delivered via SendFunctionOutput,
// keyed by call id.
func (s *Session) FunctionOutputs() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.outputs))
	for k, v := range s.outputs {
		out[k] = v
	}
	return out
}

// BytesAppended reports the total PCM bytes received via AppendAudio.
func (s *Session) BytesAppended() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesIn
}

// emit delivers evt unless the session is closed. The buffer is sized
// well past any canned sequence; an overflowing event is dropped rather
// than blocking a caller that holds bridge locks.
func (s *Session) emit(evt aiservice.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- evt:
	default:
	}
}

// InitializeSession acknowledges configuration with session.created and
// session.updated events.
func (s *Session) InitializeSession(_ aiservice.SessionConfig) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("mock: session closed")
	}
	s.initialized = true
	s.mu.Unlock()

	s.emit(aiservice.Event{Type: aiservice.TypeSessionCreated, SessionID: "mock-session"})
	s.emit(aiservice.Event{Type: aiservice.TypeSessionUpdated, SessionID: "mock-session"})
	return nil
}

// SendInitialItem records the system prompt and triggers the greeting
// response.
func (s *Session) SendInitialItem(_ string) error {
	return s.CreateResponse()
}

// AppendAudio accepts and counts a PCM16 chunk.
func (s *Session) AppendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	s.bytesIn += len(pcm)
	return nil
}

// Commit acknowledges the end of a user utterance.
func (s *Session) Commit() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("mock: session closed")
	}
	s.mu.Unlock()
	s.emit(aiservice.Event{Type: aiservice.TypeInputCommitted})
	return nil
}

// SendFunctionOutput records the delivered function result.
func (s *Session) SendFunctionOutput(callID, output string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: session closed")
	}
	s.outputs[callID] = output
	return nil
}

// CreateResponse emits a full canned response sequence: a scripted
// function call when one is queued, otherwise tone audio with
// transcript deltas.
func (s *Session) CreateResponse() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("mock: session closed")
	}
	s.responseSeq++
	respID := fmt.Sprintf("mock-resp-%d", s.responseSeq)
	var call *scriptedCall
	if len(s.scripted) > 0 {
		call = &s.scripted[0]
		s.scripted = s.scripted[1:]
	}
	text := s.replyText
	s.mu.Unlock()

	s.emit(aiservice.Event{Type: aiservice.TypeResponseCreated, ResponseID: respID})
	if call != nil {
		s.emitFunctionCall(respID, call)
	} else {
		s.emitAudioReply(respID, text)
	}
	s.emit(aiservice.Event{Type: aiservice.TypeResponseDone, ResponseID: respID})
	return nil
}

func (s *Session) emitFunctionCall(respID string, call *scriptedCall) {
	s.mu.Lock()
	s.callSeq++
	callID := fmt.Sprintf("mock-call-%d", s.callSeq)
	s.mu.Unlock()

	s.emit(aiservice.Event{
		Type:       aiservice.TypeOutputItemAdded,
		ResponseID: respID,
		Item:       &aiservice.OutputItem{Type: "function_call", CallID: callID, Name: call.name},
	})
	// Split arguments into two deltas to exercise streaming assembly.
	half := len(call.args) / 2
	if half > 0 {
		s.emit(aiservice.Event{Type: aiservice.TypeFunctionArgsDelta, CallID: callID, Delta: call.args[:half]})
	}
	s.emit(aiservice.Event{Type: aiservice.TypeFunctionArgsDelta, CallID: callID, Delta: call.args[half:]})
	s.emit(aiservice.Event{
		Type:      aiservice.TypeFunctionArgsDone,
		CallID:    callID,
		Name:      call.name,
		Arguments: call.args,
	})
}

func (s *Session) emitAudioReply(respID, text string) {
	for i := 0; i < toneChunks; i++ {
		s.emit(aiservice.Event{
			Type:       aiservice.TypeAudioDelta,
			ResponseID: respID,
			Audio:      tonePCM(toneChunkMs),
		})
	}
	s.emit(aiservice.Event{Type: aiservice.TypeAudioDone, ResponseID: respID})

	half := len(text) / 2
	s.emit(aiservice.Event{Type: aiservice.TypeOutputTranscriptDelta, ResponseID: respID, Delta: text[:half]})
	s.emit(aiservice.Event{Type: aiservice.TypeOutputTranscriptDelta, ResponseID: respID, Delta: text[half:]})
	s.emit(aiservice.Event{Type: aiservice.TypeOutputTranscriptDone, ResponseID: respID, Transcript: text})
}

// tonePCM renders ms milliseconds of sine tone as PCM16 LE at the AI
// service rate.
func tonePCM(ms int) []byte {
	samples := aiservice.SampleRate * ms / 1000
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := int16(8000 * math.Sin(2*math.Pi*toneFrequency*float64(i)/float64(aiservice.SampleRate)))
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// Events returns the event channel. Closed when the session closes.
func (s *Session) Events() <-chan aiservice.Event { return s.events }

// Err always reports nil; the mock has no transport to fail.
func (s *Session) Err() error { return nil }

// Close shuts the session. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.events)
		s.mu.Unlock()
	})
	return nil
}
