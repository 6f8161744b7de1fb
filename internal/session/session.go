// Package session holds the typed per-call state record, the manager
// that owns its lifecycle, and the pluggable storage backends used to
// resume calls across reconnects.
package session

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Status is the lifecycle state of a call session. Transitions form a
// DAG: initiated → active, active ↔ paused, and any state → ended or
// error. Terminal states have no outgoing transitions.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusEnded     Status = "ended"
	StatusError     Status = "error"
)

// IsValid reports whether s is a recognised status.
func (s Status) IsValid() bool {
	switch s {
	case StatusInitiated, StatusActive, StatusPaused, StatusEnded, StatusError:
		return true
	}
	return false
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusEnded || s == StatusError
}

// CanTransitionTo reports whether the move s → next is legal.
func (s Status) CanTransitionTo(next Status) bool {
	if s.Terminal() {
		return false
	}
	if next == StatusEnded || next == StatusError {
		return true
	}
	switch s {
	case StatusInitiated:
		return next == StatusActive
	case StatusActive:
		return next == StatusPaused
	case StatusPaused:
		return next == StatusActive
	}
	return false
}

// Direction labels who produced a conversation item.
const (
	DirectionUser      = "user"
	DirectionAssistant = "assistant"
	DirectionSystem    = "system"
)

// ConversationItem is one entry of a session's append-only history.
type ConversationItem struct {
	Direction string         `json:"direction"`
	Text      string         `json:"text"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Function call statuses.
const (
	FuncStreaming = "streaming"
	FuncCompleted = "completed"
	FuncFailed    = "failed"
)

// FunctionCallRecord captures one AI-initiated function call, keyed by
// its call id, unique within a session.
type FunctionCallRecord struct {
	CallID    string         `json:"call_id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Status    string         `json:"status"`
	Result    map[string]any `json:"result,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Session is the typed state record for one call. The bridge core owns
// the instance; other components interact through the Manager.
type Session struct {
	ConversationID   string
	Platform         string
	BotName          string
	Caller           string
	MediaFormat      string
	Status           Status
	CreatedAt        time.Time
	LastActivity     time.Time
	ResumedCount     int
	ErrorCount       int
	LastError        string
	AISessionID      string
	ActiveResponseID string
	Conversation     []ConversationItem
	FunctionCalls    []FunctionCallRecord
	Metadata         map[string]any

	// PendingAudio holds uncommitted inbound audio carried across a
	// resume. Persisted hex-encoded to stay text-safe.
	PendingAudio []byte
}

// Update is the typed mutation record applied by Manager.Update. Nil
// pointer fields are left untouched; Metadata entries are merged.
// Unknown fields cannot exist by construction, so there is nothing to
// reject at runtime — validation is limited to the status DAG.
type Update struct {
	Status           *Status
	MediaFormat      *string
	BotName          *string
	Caller           *string
	AISessionID      *string
	ActiveResponseID *string
	LastError        *string
	Metadata         map[string]any
}

// apply merges u into s. Returns the old and new status when a status
// change occurred, or ok=false if the status transition is illegal.
func (s *Session) apply(u Update) (old, next Status, changed, ok bool) {
	if u.Status != nil && *u.Status != s.Status {
		if !u.Status.IsValid() || !s.Status.CanTransitionTo(*u.Status) {
			return s.Status, *u.Status, false, false
		}
		old, next, changed = s.Status, *u.Status, true
		s.Status = *u.Status
	}
	if u.MediaFormat != nil {
		s.MediaFormat = *u.MediaFormat
	}
	if u.BotName != nil {
		s.BotName = *u.BotName
	}
	if u.Caller != nil {
		s.Caller = *u.Caller
	}
	if u.AISessionID != nil {
		s.AISessionID = *u.AISessionID
	}
	if u.ActiveResponseID != nil {
		s.ActiveResponseID = *u.ActiveResponseID
	}
	if u.LastError != nil {
		s.LastError = *u.LastError
		if *u.LastError != "" {
			s.ErrorCount++
		}
	}
	if len(u.Metadata) > 0 {
		if s.Metadata == nil {
			s.Metadata = make(map[string]any, len(u.Metadata))
		}
		for k, v := range u.Metadata {
			s.Metadata[k] = v
		}
	}
	return old, next, changed, true
}

// sessionDoc is the self-describing serialized form of a Session.
// Timestamps marshal as RFC 3339 with timezone; the pending audio
// buffer is hex-encoded to remain text-safe in any backend.
type sessionDoc struct {
	ConversationID   string               `json:"conversation_id"`
	Platform         string               `json:"platform"`
	BotName          string               `json:"bot_name,omitempty"`
	Caller           string               `json:"caller,omitempty"`
	MediaFormat      string               `json:"media_format,omitempty"`
	Status           string               `json:"status"`
	CreatedAt        time.Time            `json:"created_at"`
	LastActivity     time.Time            `json:"last_activity"`
	ResumedCount     int                  `json:"resumed_count"`
	ErrorCount       int                  `json:"error_count"`
	LastError        string               `json:"last_error,omitempty"`
	AISessionID      string               `json:"ai_session_id,omitempty"`
	ActiveResponseID string               `json:"active_response_id,omitempty"`
	Conversation     []ConversationItem   `json:"conversation,omitempty"`
	FunctionCalls    []FunctionCallRecord `json:"function_calls,omitempty"`
	Metadata         map[string]any       `json:"metadata,omitempty"`
	PendingAudioHex  string               `json:"pending_audio_hex,omitempty"`
}

// Marshal serializes the session to its storage document.
func (s *Session) Marshal() ([]byte, error) {
	doc := sessionDoc{
		ConversationID:   s.ConversationID,
		Platform:         s.Platform,
		BotName:          s.BotName,
		Caller:           s.Caller,
		MediaFormat:      s.MediaFormat,
		Status:           string(s.Status),
		CreatedAt:        s.CreatedAt,
		LastActivity:     s.LastActivity,
		ResumedCount:     s.ResumedCount,
		ErrorCount:       s.ErrorCount,
		LastError:        s.LastError,
		AISessionID:      s.AISessionID,
		ActiveResponseID: s.ActiveResponseID,
		Conversation:     s.Conversation,
		FunctionCalls:    s.FunctionCalls,
		Metadata:         s.Metadata,
	}
	if len(s.PendingAudio) > 0 {
		doc.PendingAudioHex = hex.EncodeToString(s.PendingAudio)
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("session: marshal %q: %w", s.ConversationID, err)
	}
	return data, nil
}

// Unmarshal deserializes a storage document into a Session. A missing
// conversation id is a hard error; an unknown status string falls back
// to initiated with a warning.
func Unmarshal(data []byte) (*Session, error) {
	var doc sessionDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("session: unmarshal: %w", err)
	}
	if doc.ConversationID == "" {
		return nil, fmt.Errorf("session: document missing conversation_id")
	}

	status := Status(doc.Status)
	if !status.IsValid() {
		slog.Warn("session: unknown status in stored document, falling back to initiated",
			"conversation_id", doc.ConversationID, "status", doc.Status)
		status = StatusInitiated
	}

	s := &Session{
		ConversationID:   doc.ConversationID,
		Platform:         doc.Platform,
		BotName:          doc.BotName,
		Caller:           doc.Caller,
		MediaFormat:      doc.MediaFormat,
		Status:           status,
		CreatedAt:        doc.CreatedAt,
		LastActivity:     doc.LastActivity,
		ResumedCount:     doc.ResumedCount,
		ErrorCount:       doc.ErrorCount,
		LastError:        doc.LastError,
		AISessionID:      doc.AISessionID,
		ActiveResponseID: doc.ActiveResponseID,
		Conversation:     doc.Conversation,
		FunctionCalls:    doc.FunctionCalls,
		Metadata:         doc.Metadata,
	}
	if doc.PendingAudioHex != "" {
		buf, err := hex.DecodeString(doc.PendingAudioHex)
		if err != nil {
			return nil, fmt.Errorf("session: decode pending audio for %q: %w", doc.ConversationID, err)
		}
		s.PendingAudio = buf
	}
	return s, nil
}
