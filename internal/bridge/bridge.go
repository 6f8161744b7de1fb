// Package bridge contains the per-call orchestration core: it accepts a
// platform leg, opens an AI-service leg, and moves audio, transcripts,
// and function calls between them until either side hangs up.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kverne/voicebridge/internal/calllog"
	"github.com/kverne/voicebridge/internal/fncall"
	"github.com/kverne/voicebridge/internal/observe"
	"github.com/kverne/voicebridge/internal/platform"
	"github.com/kverne/voicebridge/internal/recorder"
	"github.com/kverne/voicebridge/internal/session"
	"github.com/kverne/voicebridge/internal/transcript"
	"github.com/kverne/voicebridge/pkg/aiservice"
)

// defaultMaxSessionAge bounds how stale a session may be and still be
// resumed by a reconnecting platform leg.
const defaultMaxSessionAge = time.Hour

// AIDialer opens a fresh AI-service leg. Production uses
// aiservice.Client.Connect; tests inject mocks.
type AIDialer func(ctx context.Context) (aiservice.Conn, error)

// Config carries the per-deployment knobs of a Bridge.
type Config struct {
	// Platform names the adapter in metrics and CDRs, e.g.
	// "audiocodes" or "twilio".
	Platform string

	// MaxSessionAge bounds session resumption. Zero means one hour.
	MaxSessionAge time.Duration

	// HangUpDelay overrides the pause between an inferred hang-up
	// and the call teardown. Zero keeps the processor default.
	HangUpDelay time.Duration
}

// Bridge orchestrates one call. Construct with New, drive with Run;
// Close is idempotent and safe from any goroutine.
type Bridge struct {
	conn     platform.Conn
	dialAI   AIDialer
	agent    Agent
	sessions *session.Manager
	cfg      Config

	rec     *recorder.Recorder
	cdr     *calllog.Store
	metrics *observe.Metrics
	quality QualityFunc

	// wired during Run
	ai       aiservice.Conn
	stream   *AudioStream
	aih      *AIHandler
	tm       *transcript.Manager
	fn       *fncall.Processor
	platRtr  *Router[platform.Event]
	aiRtr    *Router[aiservice.Event]
	sess     *session.Session
	resumed  bool
	started  time.Time
	fnCount  int
	fnCountM sync.Mutex

	cancel    context.CancelFunc
	closeOnce sync.Once
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithRecorder attaches a call recorder.
func WithRecorder(rec *recorder.Recorder) Option {
	return func(b *Bridge) { b.rec = rec }
}

// WithCallLog attaches a CDR store written on close.
func WithCallLog(store *calllog.Store) Option {
	return func(b *Bridge) { b.cdr = store }
}

// WithMetrics overrides the metrics instance (tests).
func WithMetrics(m *observe.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithQualityMonitor observes per-chunk audio quality on both
// directions of the call.
func WithQualityMonitor(fn QualityFunc) Option {
	return func(b *Bridge) { b.quality = fn }
}

// New assembles a Bridge for one accepted platform connection.
func New(conn platform.Conn, dialAI AIDialer, agent Agent, sessions *session.Manager, cfg Config, opts ...Option) *Bridge {
	if cfg.MaxSessionAge <= 0 {
		cfg.MaxSessionAge = defaultMaxSessionAge
	}
	b := &Bridge{
		conn:     conn,
		dialAI:   dialAI,
		agent:    agent,
		sessions: sessions,
		cfg:      cfg,
		metrics:  observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run drives the call to completion: session setup, both read loops,
// and teardown. It returns when the call ends, for any reason; errors
// from teardown itself are logged, not returned.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	defer cancel()

	start, err := b.conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("bridge: first frame: %w", err)
	}
	if start.Kind != platform.KindSessionStart {
		return fmt.Errorf("bridge: expected session start, got %q", start.Kind)
	}
	if err := b.setup(ctx, start); err != nil {
		b.Close("setup failed")
		return err
	}

	b.metrics.CallStarted(ctx, b.cfg.Platform)
	slog.Info("call started",
		"conversation_id", b.sess.ConversationID,
		"platform", b.cfg.Platform,
		"media_format", b.sess.MediaFormat,
		"resumed", b.resumed)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.platformLoop(ctx) })
	g.Go(func() error { return b.aiLoop(ctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		// An abrupt transport loss pauses the session so a reconnect
		// within max age can resume it. A clean close already ran
		// through Close and this is a no-op.
		b.closeAbrupt("transport lost: " + err.Error())
		if !errors.Is(err, platform.ErrConnClosed) {
			slog.Warn("call loop ended with error", "conversation_id", b.sess.ConversationID, "error", err)
		}
	}
	b.Close("call finished")
	return nil
}

// setup builds the per-call object graph: session record (fresh or
// resumed), AI leg, transcripts, function calls, and audio streams.
func (b *Bridge) setup(ctx context.Context, start platform.Event) error {
	mediaFormat := platform.NegotiateMediaFormat(start.MediaFormats)

	sess, err := b.sessions.Resume(ctx, start.ConversationID, b.cfg.MaxSessionAge)
	if err != nil {
		slog.Warn("session resume check failed, starting fresh", "error", err)
	}
	if sess != nil {
		b.resumed = true
		if sess.MediaFormat != "" {
			mediaFormat = sess.MediaFormat
		}
	} else {
		sess, err = b.sessions.Create(ctx, start.ConversationID, session.CreateParams{
			Platform:    b.cfg.Platform,
			BotName:     start.BotName,
			Caller:      start.Caller,
			MediaFormat: mediaFormat,
		})
		if err != nil {
			return fmt.Errorf("bridge: create session: %w", err)
		}
		active := session.StatusActive
		if _, err := b.sessions.Update(ctx, sess.ConversationID, session.Update{Status: &active}); err != nil {
			return fmt.Errorf("bridge: activate session: %w", err)
		}
		sess.Status = session.StatusActive
	}
	b.sess = sess

	ai, err := b.dialAI(ctx)
	if err != nil {
		return fmt.Errorf("bridge: dial ai service: %w", err)
	}
	b.ai = ai

	tmOpts := []transcript.Option{transcript.WithSink(b)}
	b.tm = transcript.NewManager(tmOpts...)
	if b.resumed {
		b.tm.Restore(sess.Conversation)
		// Function calls settled before the reconnect count toward the
		// call's totals. Calls still streaming when the old AI leg died
		// never settled and are not counted.
		for _, rec := range sess.FunctionCalls {
			if rec.Status != session.FuncStreaming {
				b.fnCount++
			}
		}
	}

	registry := fncall.NewRegistry()
	b.agent.RegisterFunctions(registry)
	fnOpts := []fncall.Option{
		fncall.WithHangUp(b.hangUp),
		fncall.WithRecorder(b.recordFunctionCall),
	}
	if b.cfg.HangUpDelay > 0 {
		fnOpts = append(fnOpts, fncall.WithHangUpDelay(b.cfg.HangUpDelay))
	}
	b.fn = fncall.NewProcessor(registry, ai, fnOpts...)

	streamOpts := []AudioStreamOption{WithStreamMetrics(b.metrics)}
	if b.rec != nil {
		streamOpts = append(streamOpts, WithAudioTap(b.rec))
	}
	if b.quality != nil {
		streamOpts = append(streamOpts, WithStreamQuality(b.quality))
	}
	b.stream = NewAudioStream(ai, b.conn, mediaFormat, streamOpts...)

	b.aiRtr = NewRouter[aiservice.Event]("ai")
	b.aih = NewAIHandler(b.aiRtr, ai, b.stream, b.tm, b.fn,
		WithFatalFunc(b.onFatalAIError),
		WithHandlerMetrics(b.metrics))

	b.platRtr = NewRouter[platform.Event]("platform")
	b.registerPlatformHandlers()

	if err := ai.InitializeSession(b.agent.SessionConfig()); err != nil {
		return fmt.Errorf("bridge: initialize ai session: %w", err)
	}
	// A resumed call keeps its conversation; only a fresh call gets
	// the greeting seed.
	if !b.resumed {
		if item := b.agent.InitialItem(); item != "" {
			if err := ai.SendInitialItem(item); err != nil {
				return fmt.Errorf("bridge: send initial item: %w", err)
			}
		}
	}

	if b.rec != nil {
		if err := b.rec.Start(map[string]any{
			"conversation_id": sess.ConversationID,
			"platform":        b.cfg.Platform,
			"bot_name":        sess.BotName,
			"caller":          sess.Caller,
			"media_format":    mediaFormat,
			"resumed":         b.resumed,
		}); err != nil {
			slog.Warn("recorder start failed, call continues unrecorded", "error", err)
		}
	}

	// Set before the accept frame goes out so a concurrent Close sees
	// a consistent start time.
	b.started = time.Now()

	if err := b.conn.Accept(sess.ConversationID, mediaFormat); err != nil {
		return fmt.Errorf("bridge: accept session: %w", err)
	}
	return nil
}

func (b *Bridge) registerPlatformHandlers() {
	b.platRtr.Handle(string(platform.KindAudioChunk), 0, func(ctx context.Context, evt platform.Event) {
		if err := b.stream.PushCaller(ctx, evt.Audio, evt.SampleRate); err != nil {
			slog.Warn("inbound audio dropped", "error", err)
		}
	})
	b.platRtr.Handle(string(platform.KindUserStreamStart), 0, func(_ context.Context, _ platform.Event) {
		if err := b.conn.AckUserStream(true); err != nil {
			slog.Warn("user stream ack failed", "error", err)
		}
	})
	b.platRtr.Handle(string(platform.KindUserStreamStop), 0, func(ctx context.Context, _ platform.Event) {
		if err := b.conn.AckUserStream(false); err != nil {
			slog.Warn("user stream ack failed", "error", err)
		}
		b.aih.OnUserCommit(ctx)
	})
	b.platRtr.Handle(string(platform.KindDTMF), 0, func(_ context.Context, evt platform.Event) {
		slog.Info("dtmf received", "conversation_id", b.sess.ConversationID, "digit", evt.Digit)
		if b.rec != nil {
			b.rec.AddEvent("dtmf", map[string]any{"digit": evt.Digit})
		}
	})
	b.platRtr.Handle(string(platform.KindSessionEnd), 0, func(_ context.Context, evt platform.Event) {
		reason := evt.Reason
		if reason == "" {
			reason = "platform ended session"
		}
		b.Close(reason)
	})
}

// platformLoop reads platform frames until the leg closes and routes
// them through the platform router.
func (b *Bridge) platformLoop(ctx context.Context) error {
	for {
		evt, err := b.conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("bridge: platform read: %w", err)
		}
		b.platRtr.Dispatch(ctx, string(evt.Kind), evt)
	}
}

// aiLoop consumes the AI event stream until it closes.
func (b *Bridge) aiLoop(ctx context.Context) error {
	for {
		select {
		case evt, ok := <-b.ai.Events():
			if !ok {
				if err := b.ai.Err(); err != nil {
					return fmt.Errorf("bridge: ai stream: %w", err)
				}
				return nil
			}
			b.aiRtr.Dispatch(ctx, evt.Type, evt)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// AddTranscript implements transcript.Sink: completed turns flow into
// the session history and the recorder.
func (b *Bridge) AddTranscript(e transcript.Entry) {
	direction := session.DirectionUser
	if e.Channel == "bot" {
		direction = session.DirectionAssistant
	}
	item := session.ConversationItem{
		Direction: direction,
		Text:      e.Text,
		Timestamp: e.Timestamp,
	}
	if err := b.sessions.AppendConversation(context.Background(), b.sess.ConversationID, item); err != nil {
		slog.Warn("conversation append failed", "error", err)
	}
	if b.rec != nil {
		b.rec.AddTranscript(e)
	}
}

// recordFunctionCall persists function-call status transitions.
func (b *Bridge) recordFunctionCall(rec session.FunctionCallRecord) {
	if rec.Status != session.FuncStreaming {
		b.fnCountM.Lock()
		b.fnCount++
		b.fnCountM.Unlock()
		b.metrics.RecordFunctionCall(context.Background(), rec.Name, rec.Status)
	}
	if err := b.sessions.RecordFunctionCall(context.Background(), b.sess.ConversationID, rec); err != nil {
		slog.Warn("function call record failed", "error", err)
	}
	if b.rec != nil && rec.Status != session.FuncStreaming {
		b.rec.AddFunctionCall(rec)
	}
}

// hangUp is the delayed-termination callback injected into the
// function-call processor.
func (b *Bridge) hangUp(reason string) {
	b.metrics.RecordHangUp(context.Background(), hangUpCause(reason))
	b.Close(reason)
}

// hangUpCause maps the human-readable hang-up reason onto a low
// cardinality metric label.
func hangUpCause(reason string) string {
	switch {
	case strings.HasPrefix(reason, "Call completed"):
		return "call_complete"
	case strings.HasPrefix(reason, "Transferred to human"):
		return "human_transfer"
	default:
		return "function_complete"
	}
}

// onFatalAIError fails the session and tears the call down.
func (b *Bridge) onFatalAIError(detail aiservice.ErrorDetail) {
	if _, err := b.sessions.Fail(context.Background(), b.sess.ConversationID, detail.Message); err != nil {
		slog.Warn("session fail transition failed", "error", err)
	}
	b.Close("ai service error: " + detail.Message)
}

// Close ends the call cleanly with the given reason. Idempotent; errors
// during teardown are logged and swallowed.
func (b *Bridge) Close(reason string) {
	b.closeOnce.Do(func() { b.close(reason, true) })
}

// closeAbrupt tears the call down after a transport loss: no session-end
// frame goes out and the session is paused instead of ended, keeping it
// eligible for resume.
func (b *Bridge) closeAbrupt(reason string) {
	b.closeOnce.Do(func() { b.close(reason, false) })
}

func (b *Bridge) close(reason string, clean bool) {
	ctx := context.Background()
	slog.Info("closing call", "conversation_id", b.conversationID(), "reason", reason, "clean", clean)

	if b.conn != nil && clean {
		if err := b.conn.SendSessionEnd(reason); err != nil {
			slog.Debug("session end frame failed", "error", err)
		}
	}
	if b.stream != nil {
		b.stream.StopStream()
	}
	if b.fn != nil {
		b.fn.Close()
	}
	if b.rec != nil {
		if err := b.rec.Stop(); err != nil {
			slog.Warn("recorder stop failed", "error", err)
		}
	}
	if b.ai != nil {
		if err := b.ai.Close(); err != nil {
			slog.Debug("ai leg close failed", "error", err)
		}
	}
	if b.sess != nil {
		if clean {
			if _, err := b.sessions.End(ctx, b.sess.ConversationID, reason); err != nil {
				slog.Warn("session end failed", "error", err)
			}
		} else {
			paused := session.StatusPaused
			if _, err := b.sessions.Update(ctx, b.sess.ConversationID, session.Update{Status: &paused}); err != nil {
				slog.Warn("session pause failed", "error", err)
			}
		}
		b.writeCDR(ctx, reason)
	}
	if b.conn != nil {
		if err := b.conn.Close(); err != nil {
			slog.Debug("platform leg close failed", "error", err)
		}
	}
	if !b.started.IsZero() {
		b.metrics.CallEnded(ctx, b.cfg.Platform, time.Since(b.started))
	}
	if b.cancel != nil {
		b.cancel()
	}
}

func (b *Bridge) writeCDR(ctx context.Context, reason string) {
	if b.cdr == nil {
		return
	}
	b.fnCountM.Lock()
	fnCount := b.fnCount
	b.fnCountM.Unlock()

	turns := 0
	if b.tm != nil {
		turns = len(b.tm.History())
	}
	started := b.started
	if started.IsZero() {
		started = time.Now()
	}
	cdr := calllog.CDR{
		ConversationID: b.sess.ConversationID,
		Platform:       b.cfg.Platform,
		BotName:        b.sess.BotName,
		Caller:         b.sess.Caller,
		StartedAt:      started,
		EndedAt:        time.Now(),
		Duration:       time.Since(started),
		Turns:          turns,
		FunctionCalls:  fnCount,
		ResumedCount:   b.sess.ResumedCount,
		EndReason:      reason,
	}
	if err := b.cdr.Insert(ctx, cdr); err != nil {
		slog.Warn("cdr insert failed", "error", err)
	}
}

func (b *Bridge) conversationID() string {
	if b.sess != nil {
		return b.sess.ConversationID
	}
	return ""
}
