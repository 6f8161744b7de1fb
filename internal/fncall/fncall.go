// Package fncall executes AI-initiated function calls: it assembles
// streamed argument deltas, dispatches registered handlers, returns
// results to the AI service and infers call termination from results.
package fncall

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kverne/voicebridge/internal/session"
)

// defaultHangUpDelay lets the AI's final spoken response play out
// before the bridge tears the call down.
const defaultHangUpDelay = 8 * time.Second

// Handler executes one function call. Long-running handlers should
// honour ctx.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Registry maps function names to handlers.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{fns: make(map[string]Handler)}
}

// Register binds name to fn, replacing any previous binding.
func (r *Registry) Register(name string, fn Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fns[name] = fn
}

// Lookup returns the handler bound to name.
func (r *Registry) Lookup(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.fns[name]
	return fn, ok
}

// Names lists all registered function names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.fns))
	for name := range r.fns {
		out = append(out, name)
	}
	return out
}

// ResultSender delivers function results back to the AI service.
// Satisfied by the aiservice session.
type ResultSender interface {
	SendFunctionOutput(callID, output string) error
	CreateResponse() error
}

// activeCall tracks one in-flight function call.
type activeCall struct {
	callID string
	name   string
	args   []string
}

// Processor owns the streaming lifecycle of function calls for one
// call session. Safe for concurrent use.
type Processor struct {
	registry *Registry
	sender   ResultSender

	hangUp      func(reason string)
	hangUpDelay time.Duration
	record      func(rec session.FunctionCallRecord)

	mu          sync.Mutex
	active      map[string]*activeCall
	hangUpTimer *time.Timer
	hangUpFired bool
	closed      bool

	wg sync.WaitGroup
}

// Option configures a Processor.
type Option func(*Processor)

// WithHangUpDelay overrides the delay between an inferred hang-up and
// the callback firing. Test hook; production keeps the default.
func WithHangUpDelay(d time.Duration) Option {
	return func(p *Processor) { p.hangUpDelay = d }
}

// WithHangUp injects the bridge-level hang-up callback.
func WithHangUp(fn func(reason string)) Option {
	return func(p *Processor) { p.hangUp = fn }
}

// WithRecorder injects a sink for per-call status records.
func WithRecorder(fn func(rec session.FunctionCallRecord)) Option {
	return func(p *Processor) { p.record = fn }
}

// NewProcessor creates a Processor over the given registry and sender.
func NewProcessor(registry *Registry, sender ResultSender, opts ...Option) *Processor {
	p := &Processor{
		registry:    registry,
		sender:      sender,
		hangUpDelay: defaultHangUpDelay,
		active:      make(map[string]*activeCall),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Begin pre-registers a call announced by the AI service so subsequent
// argument deltas can attach.
func (p *Processor) Begin(callID, name string) {
	if callID == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.active[callID]; exists {
		return
	}
	p.active[callID] = &activeCall{callID: callID, name: name}
	if p.record != nil {
		p.record(session.FunctionCallRecord{
			CallID: callID,
			Name:   name,
			Status: session.FuncStreaming,
		})
	}
}

// AppendArgs appends an argument delta to the call's buffer. Deltas for
// the same call id concatenate in arrival order.
func (p *Processor) AppendArgs(callID, delta string) {
	if delta == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	call, ok := p.active[callID]
	if !ok {
		call = &activeCall{callID: callID}
		p.active[callID] = call
	}
	call.args = append(call.args, delta)
}

// Finish completes the streaming phase and dispatches execution
// asynchronously so the stream-read loop is never blocked. When
// finalArgs is non-empty it supersedes the buffered deltas. The active
// entry is removed regardless of outcome, and a result is always
// delivered to the AI service.
func (p *Processor) Finish(ctx context.Context, callID, name, finalArgs string) {
	p.mu.Lock()
	call, ok := p.active[callID]
	if !ok {
		call = &activeCall{callID: callID, name: name}
	}
	delete(p.active, callID)
	if name != "" {
		call.name = name
	}
	argText := finalArgs
	if argText == "" {
		for _, d := range call.args {
			argText += d
		}
	}
	closed := p.closed
	p.mu.Unlock()

	if closed {
		return
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.dispatch(ctx, call.callID, call.name, argText)
	}()
}

// ActiveCount reports the number of calls still streaming arguments.
func (p *Processor) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// dispatch parses arguments, runs the handler and returns the result.
func (p *Processor) dispatch(ctx context.Context, callID, name, argText string) {
	args, parseErr := parseArgs(argText)

	var result map[string]any
	switch {
	case parseErr != nil:
		result = map[string]any{"error": parseErr.Error()}
	default:
		fn, ok := p.registry.Lookup(name)
		if !ok {
			result = map[string]any{"error": "not implemented"}
		} else {
			result = p.run(ctx, fn, args)
		}
	}

	p.deliver(callID, name, args, result)
}

// run executes fn with panic containment.
func (p *Processor) run(ctx context.Context, fn Handler, args map[string]any) (result map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			result = map[string]any{"error": fmt.Sprintf("panic: %v", r)}
		}
	}()
	out, err := fn(ctx, args)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	if out == nil {
		out = map[string]any{}
	}
	return out
}

// deliver sends the result to the AI service, records the outcome and
// applies hang-up inference. A follow-up response is triggered unless
// the function indicated call termination.
func (p *Processor) deliver(callID, name string, args, result map[string]any) {
	payload, err := json.Marshal(result)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error": %q}`, err.Error()))
	}
	if err := p.sender.SendFunctionOutput(callID, string(payload)); err != nil {
		slog.Error("fncall: deliver result", "call_id", callID, "function", name, "error", err)
	}

	_, failed := result["error"]
	if p.record != nil {
		status := session.FuncCompleted
		if failed {
			status = session.FuncFailed
		}
		p.record(session.FunctionCallRecord{
			CallID:    callID,
			Name:      name,
			Arguments: args,
			Status:    status,
			Result:    result,
		})
	}

	if !failed {
		if reason, ok := inferHangUp(callID, name, result); ok {
			p.scheduleHangUp(reason)
			return
		}
	}
	if err := p.sender.CreateResponse(); err != nil {
		slog.Error("fncall: trigger response", "call_id", callID, "error", err)
	}
}

// scheduleHangUp arms the hang-up timer once. Close cancels it.
func (p *Processor) scheduleHangUp(reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hangUpFired || p.hangUpTimer != nil || p.closed || p.hangUp == nil {
		return
	}
	slog.Info("fncall: hang-up scheduled", "reason", reason, "delay", p.hangUpDelay)
	p.hangUpTimer = time.AfterFunc(p.hangUpDelay, func() {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return
		}
		p.hangUpFired = true
		p.mu.Unlock()
		p.hangUp(reason)
	})
}

// Close cancels any pending hang-up timer and waits for in-flight
// dispatches. Idempotent.
func (p *Processor) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	if p.hangUpTimer != nil {
		p.hangUpTimer.Stop()
		p.hangUpTimer = nil
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// parseArgs decodes a JSON argument payload. The empty string means an
// empty object.
func parseArgs(text string) (map[string]any, error) {
	if text == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(text), &args); err != nil {
		return nil, fmt.Errorf("fncall: parse arguments: %w", err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// inferHangUp inspects a successful result for call-termination
// signals and derives the user-facing reason.
func inferHangUp(callID, name string, result map[string]any) (string, bool) {
	stage := resultStage(result)
	terminates := result["next_action"] == "end_call" ||
		name == "wrap_up" || name == "transfer_to_human" ||
		stage == "call_complete" || stage == "human_transfer"
	if !terminates {
		return "", false
	}

	switch {
	case stage == "call_complete":
		return "Call completed successfully – all tasks finished", true
	case stage == "human_transfer" || name == "transfer_to_human":
		return fmt.Sprintf("Transferred to human agent – Reference: %s", transferReference(callID, result)), true
	default:
		return fmt.Sprintf("Call ended after %s completion", name), true
	}
}

func resultStage(result map[string]any) string {
	ctx, ok := result["context"].(map[string]any)
	if !ok {
		return ""
	}
	stage, _ := ctx["stage"].(string)
	return stage
}

// transferReference picks the reference id shown to the platform:
// an explicit reference in the result context, else the call id.
func transferReference(callID string, result map[string]any) string {
	if ctx, ok := result["context"].(map[string]any); ok {
		for _, key := range []string{"reference", "reference_id"} {
			if ref, ok := ctx[key].(string); ok && ref != "" {
				return ref
			}
		}
	}
	if ref, ok := result["reference_id"].(string); ok && ref != "" {
		return ref
	}
	return callID
}
