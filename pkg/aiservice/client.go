// Package aiservice implements the realtime leg towards the streaming
// conversational-AI service.
//
// It maintains a bidirectional WebSocket connection and exchanges JSON
// events: session configuration, conversation items, audio buffer
// appends/commits and response triggers on egress; the typed Event
// taxonomy on ingress. Audio travels as base64-encoded PCM16 at 24 kHz.
package aiservice

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/coder/websocket"
)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// SampleRate is the PCM16 rate the service consumes and produces.
	SampleRate = 24000
)

// Conn is the client-facing surface of one AI-service leg. The real
// WebSocket session and the in-process mock both satisfy it.
type Conn interface {
	InitializeSession(cfg SessionConfig) error
	CreateResponse() error
	SendInitialItem(text string) error
	AppendAudio(pcm []byte) error
	Commit() error
	SendFunctionOutput(callID, output string) error
	Events() <-chan Event
	Err() error
	Close() error
}

var _ Conn = (*Session)(nil)

// Tool describes one callable function advertised to the service.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// TurnDetection configures server-side voice-activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// SessionConfig carries everything sent in the session-configuration
// event.
type SessionConfig struct {
	Modalities         []string
	Voice              string
	Instructions       string
	Temperature        float64
	MaxOutputTokens    int
	VADEnabled         bool
	TranscriptionModel string
	Tools              []Tool
}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Client.
type Option func(*Client)

// WithModel selects the service model variant.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithBaseURL overrides the WebSocket endpoint. Primarily used in tests
// to point at a local server.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// ── Client ─────────────────────────────────────────────────────────────────────

// Client dials AI-service sessions.
type Client struct {
	apiKey  string
	model   string
	baseURL string
}

// New creates a Client with the given API key and options.
func New(apiKey string, opts ...Option) *Client {
	c := &Client{
		apiKey:  apiKey,
		model:   defaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect opens a new session. The caller must call InitializeSession
// before streaming audio.
func (c *Client) Connect(ctx context.Context) (*Session, error) {
	wsURL := fmt.Sprintf("%s?model=%s", c.baseURL, c.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + c.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("aiservice: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &Session{
		conn:   conn,
		events: make(chan Event, 64),
		ctx:    sessCtx,
		cancel: sessCancel,
	}
	go sess.receiveLoop()
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format"`
	OutputAudioFormat       string         `json:"output_audio_format"`
	Temperature             float64        `json:"temperature,omitempty"`
	MaxResponseOutputTokens int            `json:"max_response_output_tokens,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection"`
	InputAudioTranscription *transcription `json:"input_audio_transcription,omitempty"`
	Tools                   []wireTool     `json:"tools,omitempty"`
}

type transcription struct {
	Model string `json:"model"`
}

type wireTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type responseCreateMessage struct {
	Type     string         `json:"type"`
	Response responseParams `json:"response"`
}

type responseParams struct {
	Modalities []string `json:"modalities,omitempty"`
	Voice      string   `json:"voice,omitempty"`
}

type createItemMessage struct {
	Type string   `json:"type"`
	Item wireItem `json:"item"`
}

type wireItem struct {
	Type    string     `json:"type"`
	Role    string     `json:"role,omitempty"`
	Content []wirePart `json:"content,omitempty"`
	CallID  string     `json:"call_id,omitempty"`
	Output  string     `json:"output,omitempty"`
}

type wirePart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

// ── Session ────────────────────────────────────────────────────────────────────

// Session is one live AI-service leg. Write methods are safe for
// concurrent use; the events channel is owned by the receive loop and
// closed when it exits.
type Session struct {
	conn   *websocket.Conn
	events chan Event

	mu         sync.Mutex
	errVal     error
	closed     bool
	modalities []string
	voice      string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *Session) writeJSON(v any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("aiservice: session closed")
	}
	s.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("aiservice: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// InitializeSession sends the session-configuration event: modalities,
// voice, PCM16 formats on both directions, temperature, output token
// cap, turn detection, transcription model and the tool catalogue.
func (s *Session) InitializeSession(cfg SessionConfig) error {
	modalities := cfg.Modalities
	if len(modalities) == 0 {
		modalities = []string{"text", "audio"}
	}
	s.mu.Lock()
	s.modalities = modalities
	s.voice = cfg.Voice
	s.mu.Unlock()

	params := sessionParams{
		Modalities:              modalities,
		Voice:                   cfg.Voice,
		Instructions:            cfg.Instructions,
		InputAudioFormat:        "pcm16",
		OutputAudioFormat:       "pcm16",
		Temperature:             cfg.Temperature,
		MaxResponseOutputTokens: cfg.MaxOutputTokens,
	}
	if cfg.VADEnabled {
		params.TurnDetection = &TurnDetection{Type: "server_vad"}
	}
	if cfg.TranscriptionModel != "" {
		params.InputAudioTranscription = &transcription{Model: cfg.TranscriptionModel}
	}
	for _, t := range cfg.Tools {
		params.Tools = append(params.Tools, wireTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return s.writeJSON(sessionUpdateMessage{Type: "session.update", Session: params})
}

// CreateResponse triggers a new assistant response with the modalities
// and voice established at initialization.
func (s *Session) CreateResponse() error {
	s.mu.Lock()
	params := responseParams{Modalities: s.modalities, Voice: s.voice}
	s.mu.Unlock()
	return s.writeJSON(responseCreateMessage{Type: "response.create", Response: params})
}

// SendInitialItem seeds the conversation with a system-role item and
// immediately requests the first response so the agent greets the
// caller.
func (s *Session) SendInitialItem(text string) error {
	msg := createItemMessage{
		Type: "conversation.item.create",
		Item: wireItem{
			Type:    "message",
			Role:    "system",
			Content: []wirePart{{Type: "input_text", Text: text}},
		},
	}
	if err := s.writeJSON(msg); err != nil {
		return err
	}
	return s.CreateResponse()
}

// AppendAudio delivers a raw PCM16 chunk to the input audio buffer.
func (s *Session) AppendAudio(pcm []byte) error {
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(pcm),
	})
}

// Commit marks the end of the current user utterance.
func (s *Session) Commit() error {
	return s.writeJSON(map[string]string{"type": "input_audio_buffer.commit"})
}

// SendFunctionOutput returns a function result keyed by call id. The
// caller decides separately whether to trigger a follow-up response.
func (s *Session) SendFunctionOutput(callID, output string) error {
	return s.writeJSON(createItemMessage{
		Type: "conversation.item.create",
		Item: wireItem{
			Type:   "function_call_output",
			CallID: callID,
			Output: output,
		},
	})
}

// Events returns the channel on which decoded server events arrive. It
// is closed when the receive loop exits.
func (s *Session) Events() <-chan Event { return s.events }

// Err returns the first error that terminated the receive loop, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// receiveLoop reads frames, decodes them and forwards them on events.
// Malformed frames are skipped; the loop exits on socket close or
// cancellation.
func (s *Session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.setErr(err)
			}
			return
		}
		evt, err := ParseEvent(data)
		if err != nil {
			continue
		}
		select {
		case s.events <- evt:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// Close terminates the session and releases resources. Idempotent.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}
