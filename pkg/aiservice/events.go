package aiservice

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Server event types the bridge core reacts to. Anything outside this
// set still parses into an Event and is dispatched; unknown kinds are
// the router's problem, not the client's.
const (
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"

	TypeSpeechStarted  = "input_audio_buffer.speech_started"
	TypeSpeechStopped  = "input_audio_buffer.speech_stopped"
	TypeInputCommitted = "input_audio_buffer.committed"

	TypeResponseCreated = "response.created"
	TypeResponseDone    = "response.done"

	TypeAudioDelta = "response.audio.delta"
	TypeAudioDone  = "response.audio.done"

	TypeOutputTranscriptDelta = "response.audio_transcript.delta"
	TypeOutputTranscriptDone  = "response.audio_transcript.done"

	TypeInputTranscriptDelta = "conversation.item.input_audio_transcription.delta"
	TypeInputTranscriptDone  = "conversation.item.input_audio_transcription.completed"

	TypeFunctionArgsDelta = "response.function_call_arguments.delta"
	TypeFunctionArgsDone  = "response.function_call_arguments.done"

	TypeOutputItemAdded = "response.output_item.added"

	TypeError = "error"
)

// OutputItem is the item object attached to response.output_item.added.
// The bridge only acts on items of type "function_call".
type OutputItem struct {
	ID     string `json:"id,omitempty"`
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Name   string `json:"name,omitempty"`
}

// ErrorDetail is the nested error object of an error event.
type ErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// Fatal reports whether the error ends the session. Server-side faults
// kill the leg; invalid-request complaints leave it usable.
func (e *ErrorDetail) Fatal() bool {
	if e == nil {
		return false
	}
	switch e.Type {
	case "server_error", "session_expired":
		return true
	}
	return e.Code == "session_expired"
}

func (e *ErrorDetail) Error() string {
	if e == nil {
		return "aiservice: unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("aiservice: %s (%s): %s", e.Type, e.Code, e.Message)
	}
	return fmt.Sprintf("aiservice: %s: %s", e.Type, e.Message)
}

// Event is one decoded server event. Only the fields relevant to the
// event's Type are populated; audio deltas arrive already base64-decoded
// in Audio.
type Event struct {
	Type string

	SessionID  string
	ResponseID string
	ItemID     string

	// Function-call events.
	CallID    string
	Name      string
	Arguments string

	// Transcript and argument deltas.
	Delta      string
	Transcript string

	// Decoded PCM16 payload of response.audio.delta.
	Audio []byte

	Item  *OutputItem
	Error *ErrorDetail
}

// wireEvent mirrors the JSON layout on the socket.
type wireEvent struct {
	Type string `json:"type"`

	Session *struct {
		ID string `json:"id"`
	} `json:"session,omitempty"`

	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status,omitempty"`
	} `json:"response,omitempty"`

	ResponseID string `json:"response_id,omitempty"`
	ItemID     string `json:"item_id,omitempty"`

	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`

	Item  *OutputItem  `json:"item,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
}

// ParseEvent decodes one raw server frame into an Event. Audio deltas
// have their base64 payload decoded here so downstream consumers only
// ever see raw PCM16.
func ParseEvent(data []byte) (Event, error) {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return Event{}, fmt.Errorf("aiservice: parse event: %w", err)
	}

	evt := Event{
		Type:       w.Type,
		ResponseID: w.ResponseID,
		ItemID:     w.ItemID,
		CallID:     w.CallID,
		Name:       w.Name,
		Arguments:  w.Arguments,
		Transcript: w.Transcript,
		Item:       w.Item,
		Error:      w.Error,
	}
	if w.Session != nil {
		evt.SessionID = w.Session.ID
	}
	if w.Response != nil && evt.ResponseID == "" {
		evt.ResponseID = w.Response.ID
	}

	if w.Type == TypeAudioDelta {
		if w.Delta != "" {
			audio, err := base64.StdEncoding.DecodeString(w.Delta)
			if err != nil {
				return Event{}, fmt.Errorf("aiservice: decode audio delta: %w", err)
			}
			evt.Audio = audio
		}
	} else {
		evt.Delta = w.Delta
	}
	return evt, nil
}
