package app_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/kverne/voicebridge/internal/app"
	"github.com/kverne/voicebridge/internal/config"
	"github.com/kverne/voicebridge/internal/fncall"
	"github.com/kverne/voicebridge/pkg/aiservice"
)

// testAgent is a minimal conversational persona for app-level tests.
type testAgent struct{}

func (testAgent) SessionConfig() aiservice.SessionConfig {
	return aiservice.SessionConfig{Voice: "alloy"}
}

func (testAgent) InitialItem() string { return "Greet the caller." }

func (testAgent) RegisterFunctions(_ *fncall.Registry) {}

// testConfig returns a config using the in-process AI mock, in-memory
// sessions, and a throwaway recording directory.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{}
	cfg.AI.UseLocalAI = true
	cfg.Recording.Dir = t.TempDir()
	config.ApplyDefaults(cfg)
	return cfg
}

func newTestApp(t *testing.T) *app.App {
	t.Helper()
	a, err := app.New(context.Background(), testConfig(t), testAgent{})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return a
}

func TestHealthAndMetricsEndpoints(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

// acFrame mirrors the gateway wire schema for the test client.
type acFrame struct {
	Type                  string   `json:"type"`
	ConversationID        string   `json:"conversationId,omitempty"`
	SupportedMediaFormats []string `json:"supportedMediaFormats,omitempty"`
	MediaFormat           string   `json:"mediaFormat,omitempty"`
	AudioChunk            string   `json:"audioChunk,omitempty"`
	StreamID              string   `json:"streamId,omitempty"`
	Reason                string   `json:"reason,omitempty"`
}

func writeFrame(t *testing.T, ctx context.Context, c *websocket.Conn, f acFrame) {
	t.Helper()
	data, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func readFrame(t *testing.T, ctx context.Context, c *websocket.Conn) acFrame {
	t.Helper()
	_, data, err := c.Read(ctx)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var f acFrame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatalf("unmarshal frame %q: %v", data, err)
	}
	return f
}

func TestAudioCodesCallOverWebSocket(t *testing.T) {
	a := newTestApp(t)
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/audiocodes"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "test done")
	conn.SetReadLimit(1 << 20)

	writeFrame(t, ctx, conn, acFrame{
		Type:                  "session.initiate",
		ConversationID:        "app-c1",
		SupportedMediaFormats: []string{"raw/lpcm16"},
	})

	accepted := readFrame(t, ctx, conn)
	if accepted.Type != "session.accepted" {
		t.Fatalf("first frame = %+v, want session.accepted", accepted)
	}
	if accepted.MediaFormat != "raw/lpcm16" {
		t.Errorf("mediaFormat = %q, want raw/lpcm16", accepted.MediaFormat)
	}

	// Stream 500 ms of audio and end the utterance.
	writeFrame(t, ctx, conn, acFrame{Type: "userStream.start", ConversationID: "app-c1"})
	silence := base64.StdEncoding.EncodeToString(make([]byte, 3200))
	for range 5 {
		writeFrame(t, ctx, conn, acFrame{Type: "userStream.chunk", ConversationID: "app-c1", AudioChunk: silence})
	}
	writeFrame(t, ctx, conn, acFrame{Type: "userStream.stop", ConversationID: "app-c1"})

	// The mock AI answers with tone audio; drain frames until a full
	// play stream went by.
	var sawStart, sawChunk, sawStop bool
	for !(sawStart && sawChunk && sawStop) {
		switch readFrame(t, ctx, conn).Type {
		case "playStream.start":
			sawStart = true
		case "playStream.chunk":
			sawChunk = true
		case "playStream.stop":
			sawStop = true
		}
	}

	writeFrame(t, ctx, conn, acFrame{Type: "session.end", ConversationID: "app-c1", Reason: "caller hung up"})

	// The server drops the socket once the call is torn down.
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			break
		}
	}
}

func TestRunServesAndStops(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.ListenAddr = "127.0.0.1:0"

	a, err := app.New(context.Background(), cfg, testAgent{})
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil && err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}

	sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer scancel()
	if err := a.Shutdown(sctx); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
}
