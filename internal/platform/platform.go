// Package platform translates telephony-platform wire protocols into
// canonical bridge events and back. One adapter per platform; both
// speak text-framed JSON over a persistent bidirectional channel.
package platform

import (
	"context"
	"errors"

	"github.com/coder/websocket"
)

// EventKind names a canonical bridge event.
type EventKind string

const (
	KindSessionStart    EventKind = "session.start"
	KindUserStreamStart EventKind = "user_stream.start"
	KindAudioChunk      EventKind = "audio.chunk"
	KindUserStreamStop  EventKind = "user_stream.stop"
	KindDTMF            EventKind = "dtmf"
	KindSessionEnd      EventKind = "session.end"
)

// Event is the canonical form of one platform frame. Audio is always
// decoded PCM16 little-endian mono tagged with its sample rate; wire
// encodings (base64, µ-law) never leave the adapter.
type Event struct {
	Kind EventKind

	ConversationID string
	BotName        string
	Caller         string
	MediaFormats   []string

	Audio      []byte
	SampleRate int

	Digit      string
	ReasonCode string
	Reason     string
}

// ErrConnClosed reports a read against a closed platform leg.
var ErrConnClosed = errors.New("platform: connection closed")

// Conn is one accepted platform leg.
//
// Read blocks for the next canonical event, skipping malformed frames.
// Write methods are safe for concurrent use with Read; audio handed to
// SendStreamChunk is 16 kHz PCM16 and each adapter converts to its wire
// format.
type Conn interface {
	Read(ctx context.Context) (Event, error)

	Accept(conversationID, mediaFormat string) error
	AckUserStream(started bool) error

	SendStreamStart(streamID, mediaFormat string) error
	SendStreamChunk(streamID string, pcm []byte) error
	SendStreamStop(streamID string) error
	SendSessionEnd(reason string) error

	Close() error
}

// FrameConn abstracts the text-frame transport under an adapter.
// Satisfied by WSFrameConn in production and by in-memory fakes in
// tests.
type FrameConn interface {
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, data []byte) error
	Close() error
}

// WSFrameConn adapts a WebSocket connection to FrameConn.
type WSFrameConn struct {
	conn *websocket.Conn
}

// NewWSFrameConn wraps an accepted WebSocket connection.
func NewWSFrameConn(conn *websocket.Conn) *WSFrameConn {
	return &WSFrameConn{conn: conn}
}

func (w *WSFrameConn) ReadFrame(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	return data, err
}

func (w *WSFrameConn) WriteFrame(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *WSFrameConn) Close() error {
	return w.conn.Close(websocket.StatusNormalClosure, "session closed")
}
