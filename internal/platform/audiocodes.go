package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// AudioCodes-style legs carry 16 kHz PCM16 base64 chunks.
const (
	audiocodesRate   = 16000
	preferredLPCM16  = "raw/lpcm16"
	audiocodesNormal = "normal"
)

var _ Conn = (*AudioCodesConn)(nil)

// acFrame covers every field of the gateway wire protocol, both
// directions.
type acFrame struct {
	Type                  string   `json:"type"`
	ConversationID        string   `json:"conversationId,omitempty"`
	BotName               string   `json:"botName,omitempty"`
	Caller                string   `json:"caller,omitempty"`
	SupportedMediaFormats []string `json:"supportedMediaFormats,omitempty"`
	MediaFormat           string   `json:"mediaFormat,omitempty"`
	AudioChunk            string   `json:"audioChunk,omitempty"`
	StreamID              string   `json:"streamId,omitempty"`
	ReasonCode            string   `json:"reasonCode,omitempty"`
	Reason                string   `json:"reason,omitempty"`
}

// AudioCodesConn translates the gateway control protocol
// (session.initiate, userStream.*, playStream.*, session.end).
type AudioCodesConn struct {
	fc FrameConn

	mu             sync.Mutex
	conversationID string
}

// NewAudioCodesConn wraps an accepted frame transport.
func NewAudioCodesConn(fc FrameConn) *AudioCodesConn {
	return &AudioCodesConn{fc: fc}
}

// NegotiateMediaFormat picks the bridge's preferred format from the
// client's offer, falling back to the first offered.
func NegotiateMediaFormat(offered []string) string {
	for _, f := range offered {
		if f == preferredLPCM16 {
			return f
		}
	}
	if len(offered) > 0 {
		return offered[0]
	}
	return preferredLPCM16
}

// Read returns the next canonical event. Malformed frames and unknown
// types are logged and skipped.
func (c *AudioCodesConn) Read(ctx context.Context) (Event, error) {
	for {
		data, err := c.fc.ReadFrame(ctx)
		if err != nil {
			return Event{}, fmt.Errorf("audiocodes: read: %w", err)
		}
		var f acFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("audiocodes: malformed frame, skipping", "error", err)
			continue
		}

		switch f.Type {
		case "session.initiate":
			if f.ConversationID == "" {
				slog.Warn("audiocodes: session.initiate without conversationId, skipping")
				continue
			}
			c.mu.Lock()
			c.conversationID = f.ConversationID
			c.mu.Unlock()
			return Event{
				Kind:           KindSessionStart,
				ConversationID: f.ConversationID,
				BotName:        f.BotName,
				Caller:         f.Caller,
				MediaFormats:   f.SupportedMediaFormats,
			}, nil

		case "userStream.start":
			return Event{Kind: KindUserStreamStart, ConversationID: f.ConversationID}, nil

		case "userStream.chunk":
			audio, err := base64.StdEncoding.DecodeString(f.AudioChunk)
			if err != nil {
				slog.Warn("audiocodes: bad audio chunk, dropping", "error", err)
				continue
			}
			return Event{
				Kind:           KindAudioChunk,
				ConversationID: f.ConversationID,
				Audio:          audio,
				SampleRate:     audiocodesRate,
			}, nil

		case "userStream.stop":
			return Event{Kind: KindUserStreamStop, ConversationID: f.ConversationID}, nil

		case "session.end":
			return Event{
				Kind:           KindSessionEnd,
				ConversationID: f.ConversationID,
				ReasonCode:     f.ReasonCode,
				Reason:         f.Reason,
			}, nil

		default:
			slog.Debug("audiocodes: unhandled frame type", "type", f.Type)
		}
	}
}

func (c *AudioCodesConn) write(f acFrame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("audiocodes: marshal: %w", err)
	}
	return c.fc.WriteFrame(context.Background(), data)
}

// Accept acknowledges the session with the negotiated media format.
func (c *AudioCodesConn) Accept(conversationID, mediaFormat string) error {
	return c.write(acFrame{
		Type:           "session.accepted",
		ConversationID: conversationID,
		MediaFormat:    mediaFormat,
	})
}

// AckUserStream confirms a user stream transition.
func (c *AudioCodesConn) AckUserStream(started bool) error {
	typ := "userStream.stopped"
	if started {
		typ = "userStream.started"
	}
	return c.write(acFrame{Type: typ, ConversationID: c.currentConversation()})
}

// SendStreamStart opens a play stream towards the gateway.
func (c *AudioCodesConn) SendStreamStart(streamID, mediaFormat string) error {
	return c.write(acFrame{
		Type:           "playStream.start",
		ConversationID: c.currentConversation(),
		StreamID:       streamID,
		MediaFormat:    mediaFormat,
	})
}

// SendStreamChunk forwards 16 kHz PCM16 as a base64 play chunk.
func (c *AudioCodesConn) SendStreamChunk(streamID string, pcm []byte) error {
	return c.write(acFrame{
		Type:           "playStream.chunk",
		ConversationID: c.currentConversation(),
		StreamID:       streamID,
		AudioChunk:     base64.StdEncoding.EncodeToString(pcm),
	})
}

// SendStreamStop closes the play stream.
func (c *AudioCodesConn) SendStreamStop(streamID string) error {
	return c.write(acFrame{
		Type:           "playStream.stop",
		ConversationID: c.currentConversation(),
		StreamID:       streamID,
	})
}

// SendSessionEnd tells the gateway the bridge is closing the call.
func (c *AudioCodesConn) SendSessionEnd(reason string) error {
	return c.write(acFrame{
		Type:           "session.end",
		ConversationID: c.currentConversation(),
		ReasonCode:     audiocodesNormal,
		Reason:         reason,
	})
}

func (c *AudioCodesConn) currentConversation() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Close shuts the underlying transport.
func (c *AudioCodesConn) Close() error {
	return c.fc.Close()
}
