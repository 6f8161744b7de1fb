package bridge

import (
	"context"
	"log/slog"
	"sync"

	"github.com/kverne/voicebridge/internal/fncall"
	"github.com/kverne/voicebridge/internal/observe"
	"github.com/kverne/voicebridge/internal/transcript"
	"github.com/kverne/voicebridge/pkg/aiservice"
)

// responseTrigger is the slice of the AI session the handler uses to
// request new assistant responses.
type responseTrigger interface {
	CreateResponse() error
}

// AIHandler consumes the AI-service event stream for one call and fans
// the events out to the audio stream, the transcript manager, and the
// function-call processor. It owns the response-serialization state: at
// most one response is active at a time, and a user commit observed
// mid-response is replayed exactly once after the next response.done.
type AIHandler struct {
	ai      responseTrigger
	stream  *AudioStream
	tm      *transcript.Manager
	fn      *fncall.Processor
	metrics *observe.Metrics

	// onFatal is invoked once when the AI service reports an
	// unrecoverable error; the bridge core closes the call from there.
	onFatal func(aiservice.ErrorDetail)

	mu             sync.Mutex
	responseActive bool
	responseID     string
	pendingCommit  bool
}

// AIHandlerOption configures an AIHandler.
type AIHandlerOption func(*AIHandler)

// WithFatalFunc sets the callback invoked on fatal AI-service errors.
func WithFatalFunc(fn func(aiservice.ErrorDetail)) AIHandlerOption {
	return func(h *AIHandler) { h.onFatal = fn }
}

// WithHandlerMetrics overrides the metrics instance (tests).
func WithHandlerMetrics(m *observe.Metrics) AIHandlerOption {
	return func(h *AIHandler) { h.metrics = m }
}

// NewAIHandler wires the handler and registers it on the router.
func NewAIHandler(router *Router[aiservice.Event], ai responseTrigger, stream *AudioStream, tm *transcript.Manager, fn *fncall.Processor, opts ...AIHandlerOption) *AIHandler {
	h := &AIHandler{
		ai:      ai,
		stream:  stream,
		tm:      tm,
		fn:      fn,
		metrics: observe.DefaultMetrics(),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.register(router)
	return h
}

// register hooks every event type the bridge reacts to. Informational
// types are left unregistered; the router logs them at debug level.
func (h *AIHandler) register(r *Router[aiservice.Event]) {
	r.Use(func(evt aiservice.Event) (aiservice.Event, error) {
		h.metrics.RecordAIEvent(context.Background(), evt.Type)
		return evt, nil
	})

	r.Handle(aiservice.TypeResponseCreated, 0, h.onResponseCreated)
	r.Handle(aiservice.TypeAudioDelta, 0, h.onAudioDelta)
	r.Handle(aiservice.TypeAudioDone, 0, h.onAudioDone)
	r.Handle(aiservice.TypeOutputTranscriptDelta, 0, h.onOutputTranscriptDelta)
	r.Handle(aiservice.TypeOutputTranscriptDone, 0, h.onOutputTranscriptDone)
	r.Handle(aiservice.TypeInputTranscriptDelta, 0, h.onInputTranscriptDelta)
	r.Handle(aiservice.TypeInputTranscriptDone, 0, h.onInputTranscriptDone)
	r.Handle(aiservice.TypeOutputItemAdded, 0, h.onOutputItemAdded)
	r.Handle(aiservice.TypeFunctionArgsDelta, 0, h.onFunctionArgsDelta)
	r.Handle(aiservice.TypeFunctionArgsDone, 0, h.onFunctionArgsDone)
	r.Handle(aiservice.TypeResponseDone, 0, h.onResponseDone)
	r.Handle(aiservice.TypeError, 0, h.onError)
}

// OnUserCommit runs the commit path when the platform signals the end
// of a user utterance. A commit issued while a response is active is
// remembered in a single slot and replayed on the next response.done;
// a suppressed commit leaves all state untouched.
func (h *AIHandler) OnUserCommit(ctx context.Context) {
	issued, err := h.stream.Commit(ctx)
	if err != nil {
		slog.Error("bridge: user commit failed", "error", err)
		return
	}
	if !issued {
		return
	}

	h.mu.Lock()
	if h.responseActive {
		h.pendingCommit = true
		h.mu.Unlock()
		slog.Debug("bridge: commit during active response, response deferred")
		return
	}
	h.mu.Unlock()

	if err := h.ai.CreateResponse(); err != nil {
		slog.Error("bridge: create response failed", "error", err)
	}
}

// ResponseActive reports whether an assistant response is in flight.
func (h *AIHandler) ResponseActive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responseActive
}

func (h *AIHandler) onResponseCreated(_ context.Context, evt aiservice.Event) {
	h.mu.Lock()
	h.responseActive = true
	h.responseID = evt.ResponseID
	h.mu.Unlock()
	slog.Debug("bridge: response started", "response_id", evt.ResponseID)
}

func (h *AIHandler) onAudioDelta(ctx context.Context, evt aiservice.Event) {
	h.stream.PushBot(ctx, evt.Audio)
}

func (h *AIHandler) onAudioDone(_ context.Context, _ aiservice.Event) {
	h.stream.StopStream()
}

func (h *AIHandler) onOutputTranscriptDelta(_ context.Context, evt aiservice.Event) {
	h.tm.AddDelta(transcript.DirectionOutput, evt.Delta)
}

func (h *AIHandler) onOutputTranscriptDone(_ context.Context, evt aiservice.Event) {
	h.tm.Complete(transcript.DirectionOutput, evt.Transcript)
}

func (h *AIHandler) onInputTranscriptDelta(_ context.Context, evt aiservice.Event) {
	h.tm.AddDelta(transcript.DirectionInput, evt.Delta)
}

func (h *AIHandler) onInputTranscriptDone(_ context.Context, evt aiservice.Event) {
	h.tm.Complete(transcript.DirectionInput, evt.Transcript)
}

func (h *AIHandler) onOutputItemAdded(_ context.Context, evt aiservice.Event) {
	if evt.Item == nil || evt.Item.Type != "function_call" {
		return
	}
	h.fn.Begin(evt.Item.CallID, evt.Item.Name)
}

func (h *AIHandler) onFunctionArgsDelta(_ context.Context, evt aiservice.Event) {
	h.fn.AppendArgs(evt.CallID, evt.Delta)
}

func (h *AIHandler) onFunctionArgsDone(ctx context.Context, evt aiservice.Event) {
	h.fn.Finish(ctx, evt.CallID, evt.Name, evt.Arguments)
}

func (h *AIHandler) onResponseDone(_ context.Context, evt aiservice.Event) {
	h.mu.Lock()
	h.responseActive = false
	h.responseID = ""
	replay := h.pendingCommit
	h.pendingCommit = false
	h.mu.Unlock()

	slog.Debug("bridge: response finished", "response_id", evt.ResponseID)
	if !replay {
		return
	}
	if err := h.ai.CreateResponse(); err != nil {
		slog.Error("bridge: deferred response failed", "error", err)
	}
}

func (h *AIHandler) onError(_ context.Context, evt aiservice.Event) {
	if evt.Error == nil {
		slog.Error("bridge: ai error event without detail")
		return
	}
	slog.Error("bridge: ai service error",
		"error_type", evt.Error.Type, "code", evt.Error.Code, "message", evt.Error.Message)
	if evt.Error.Fatal() && h.onFatal != nil {
		h.onFatal(*evt.Error)
	}
}
