package platform

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kverne/voicebridge/pkg/audio"
)

// Cloud-telephony legs carry 8 kHz µ-law chunks of ~20 ms.
const twilioRate = 8000

// twilioMediaFormat is reported to the bridge as the negotiated format.
const twilioMediaFormat = "audio/x-mulaw"

var _ Conn = (*TwilioConn)(nil)

// twFrame covers both directions of the cloud-telephony protocol.
type twFrame struct {
	Event    string `json:"event"`
	Protocol string `json:"protocol,omitempty"`
	Version  string `json:"version,omitempty"`

	StreamSid string `json:"streamSid,omitempty"`
	Start     *struct {
		StreamSid   string         `json:"streamSid"`
		AccountSid  string         `json:"accountSid"`
		CallSid     string         `json:"callSid"`
		MediaFormat map[string]any `json:"mediaFormat,omitempty"`
	} `json:"start,omitempty"`
	Media *struct {
		Track     string `json:"track,omitempty"`
		Chunk     string `json:"chunk,omitempty"`
		Timestamp string `json:"timestamp,omitempty"`
		Payload   string `json:"payload"`
	} `json:"media,omitempty"`
	DTMF *struct {
		Track string `json:"track,omitempty"`
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
	Mark *struct {
		Name string `json:"name"`
	} `json:"mark,omitempty"`
}

// TwilioConn translates the cloud-telephony media-stream protocol
// (connected, start, media, dtmf, stop on ingress; media, mark, clear
// on egress). µ-law conversion happens here so the bridge only ever
// sees PCM16.
type TwilioConn struct {
	fc FrameConn

	mu         sync.Mutex
	streamSid  string
	callSid    string
	accountSid string
}

// NewTwilioConn wraps an accepted frame transport.
func NewTwilioConn(fc FrameConn) *TwilioConn {
	return &TwilioConn{fc: fc}
}

// Read returns the next canonical event. The connected preamble is
// consumed silently; malformed frames are logged and skipped.
func (c *TwilioConn) Read(ctx context.Context) (Event, error) {
	for {
		data, err := c.fc.ReadFrame(ctx)
		if err != nil {
			return Event{}, fmt.Errorf("twilio: read: %w", err)
		}
		var f twFrame
		if err := json.Unmarshal(data, &f); err != nil {
			slog.Warn("twilio: malformed frame, skipping", "error", err)
			continue
		}

		switch f.Event {
		case "connected":
			slog.Debug("twilio: stream connected", "protocol", f.Protocol, "version", f.Version)

		case "start":
			if f.Start == nil || f.Start.StreamSid == "" {
				slog.Warn("twilio: start without stream sid, skipping")
				continue
			}
			c.mu.Lock()
			c.streamSid = f.Start.StreamSid
			c.callSid = f.Start.CallSid
			c.accountSid = f.Start.AccountSid
			c.mu.Unlock()

			// The call sid identifies the conversation across
			// reconnects; the stream sid is per-connection.
			conversationID := f.Start.CallSid
			if conversationID == "" {
				conversationID = f.Start.StreamSid
			}
			return Event{
				Kind:           KindSessionStart,
				ConversationID: conversationID,
				Caller:         f.Start.AccountSid,
				MediaFormats:   []string{twilioMediaFormat},
			}, nil

		case "media":
			if f.Media == nil {
				continue
			}
			payload, err := base64.StdEncoding.DecodeString(f.Media.Payload)
			if err != nil {
				slog.Warn("twilio: bad media payload, dropping", "error", err)
				continue
			}
			return Event{
				Kind:           KindAudioChunk,
				ConversationID: c.conversationID(),
				Audio:          audio.DecodeMuLaw(payload),
				SampleRate:     twilioRate,
			}, nil

		case "dtmf":
			if f.DTMF == nil {
				continue
			}
			return Event{
				Kind:           KindDTMF,
				ConversationID: c.conversationID(),
				Digit:          f.DTMF.Digit,
			}, nil

		case "stop":
			return Event{
				Kind:           KindSessionEnd,
				ConversationID: c.conversationID(),
				Reason:         "stream stopped",
			}, nil

		default:
			slog.Debug("twilio: unhandled frame event", "event", f.Event)
		}
	}
}

func (c *TwilioConn) conversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.callSid != "" {
		return c.callSid
	}
	return c.streamSid
}

func (c *TwilioConn) currentStreamSid() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamSid
}

func (c *TwilioConn) write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("twilio: marshal: %w", err)
	}
	return c.fc.WriteFrame(context.Background(), data)
}

// Accept is a no-op: the protocol has no session acknowledgement.
func (c *TwilioConn) Accept(_, _ string) error { return nil }

// AckUserStream is a no-op: user media flows without acknowledgement.
func (c *TwilioConn) AckUserStream(_ bool) error { return nil }

// SendStreamStart clears any queued playback so the new stream starts
// clean.
func (c *TwilioConn) SendStreamStart(_, _ string) error {
	return c.write(map[string]any{
		"event":     "clear",
		"streamSid": c.currentStreamSid(),
	})
}

// SendStreamChunk converts 16 kHz PCM16 to 8 kHz µ-law and forwards it
// as a media frame.
func (c *TwilioConn) SendStreamChunk(_ string, pcm []byte) error {
	downsampled := audio.Resample(pcm, 16000, twilioRate)
	payload := base64.StdEncoding.EncodeToString(audio.EncodeMuLaw(downsampled))
	return c.write(map[string]any{
		"event":     "media",
		"streamSid": c.currentStreamSid(),
		"media":     map[string]any{"payload": payload},
	})
}

// SendStreamStop emits a mark so playback completion is observable.
func (c *TwilioConn) SendStreamStop(streamID string) error {
	return c.write(map[string]any{
		"event":     "mark",
		"streamSid": c.currentStreamSid(),
		"mark":      map[string]any{"name": streamID},
	})
}

// SendSessionEnd is a no-op: the protocol has no bridge-initiated end
// frame; closing the transport ends the stream.
func (c *TwilioConn) SendSessionEnd(_ string) error { return nil }

// Close shuts the underlying transport.
func (c *TwilioConn) Close() error {
	return c.fc.Close()
}
