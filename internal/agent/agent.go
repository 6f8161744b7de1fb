// Package agent defines the conversational personas bridged onto calls.
//
// A [Persona] bundles everything the bridge needs from an agent: the AI
// session parameters, the greeting seed, the announced tool catalogue,
// and the handlers backing those tools. Personas are declarative — they
// are loaded from YAML (see [Load]) or built in code, and unknown
// business functions resolve to an acknowledge handler that reports a
// configured call stage back to the model.
//
// Two terminal functions are always registered regardless of the
// persona definition: wrap_up and transfer_to_human. Their results
// carry the call stage the bridge inspects to schedule a hang-up.
package agent

import (
	"context"
	"fmt"

	"github.com/kverne/voicebridge/internal/fncall"
	"github.com/kverne/voicebridge/pkg/aiservice"
)

// DefaultTranscriptionModel transcribes caller audio when a persona
// does not name a model. Input transcription is always on: the bridge
// needs the caller's words for the transcript journal and for the
// conversation history that survives a reconnect.
const DefaultTranscriptionModel = "whisper-1"

// FunctionSpec declares one business function a persona announces to
// the AI service.
type FunctionSpec struct {
	// Name is the tool name the model calls.
	Name string `yaml:"name"`

	// Description tells the model when to call the function.
	Description string `yaml:"description"`

	// Parameters is the JSON-schema parameter object announced to the
	// model. May be nil for functions without arguments.
	Parameters map[string]any `yaml:"parameters"`

	// Stage is reported back to the model in the function result under
	// context.stage. The stages call_complete and human_transfer end
	// the call.
	Stage string `yaml:"stage"`
}

// Persona is a declarative call agent. It satisfies the bridge's Agent
// contract.
type Persona struct {
	// Name identifies the persona in logs and metadata.
	Name string `yaml:"name"`

	// Instructions is the system prompt for the AI session.
	Instructions string `yaml:"instructions"`

	// Voice selects the outbound speech voice.
	Voice string `yaml:"voice"`

	// Greeting seeds a fresh conversation so the agent speaks first.
	// Empty skips the greeting.
	Greeting string `yaml:"greeting"`

	// Temperature and MaxOutputTokens pass through to the AI session.
	// Zero keeps the service defaults.
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int     `yaml:"max_output_tokens"`

	// VADDisabled turns off server-side voice-activity detection.
	VADDisabled bool `yaml:"vad_disabled"`

	// TranscriptionModel transcribes caller audio so the user half of
	// the conversation lands in the transcript. Empty selects
	// [DefaultTranscriptionModel].
	TranscriptionModel string `yaml:"transcription_model"`

	// Functions lists the persona's business functions. wrap_up and
	// transfer_to_human need not be listed; they are always available.
	Functions []FunctionSpec `yaml:"functions"`
}

// SessionConfig builds the AI session parameters including the full
// tool catalogue.
func (p *Persona) SessionConfig() aiservice.SessionConfig {
	tools := []aiservice.Tool{
		{
			Name:        "wrap_up",
			Description: "Call when every caller request is handled and the conversation should end.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"summary": map[string]any{"type": "string", "description": "One-sentence summary of what was accomplished."},
				},
			},
		},
		{
			Name:        "transfer_to_human",
			Description: "Call when the caller needs a human agent or the request is out of scope.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"reason": map[string]any{"type": "string", "description": "Why the transfer is needed."},
				},
			},
		},
	}
	for _, fn := range p.Functions {
		tools = append(tools, aiservice.Tool{
			Name:        fn.Name,
			Description: fn.Description,
			Parameters:  fn.Parameters,
		})
	}

	transcription := p.TranscriptionModel
	if transcription == "" {
		transcription = DefaultTranscriptionModel
	}

	return aiservice.SessionConfig{
		Voice:              p.Voice,
		Instructions:       p.Instructions,
		Temperature:        p.Temperature,
		MaxOutputTokens:    p.MaxOutputTokens,
		VADEnabled:         !p.VADDisabled,
		TranscriptionModel: transcription,
		Tools:              tools,
	}
}

// InitialItem returns the greeting seed.
func (p *Persona) InitialItem() string { return p.Greeting }

// RegisterFunctions installs the handlers for every announced tool.
func (p *Persona) RegisterFunctions(reg *fncall.Registry) {
	reg.Register("wrap_up", wrapUp)
	reg.Register("transfer_to_human", transferToHuman)
	for _, fn := range p.Functions {
		reg.Register(fn.Name, acknowledge(fn))
	}
}

// wrapUp ends the call as completed.
func wrapUp(_ context.Context, args map[string]any) (map[string]any, error) {
	result := map[string]any{
		"status":  "ok",
		"context": map[string]any{"stage": "call_complete"},
	}
	if summary, ok := args["summary"].(string); ok && summary != "" {
		result["summary"] = summary
	}
	return result, nil
}

// transferToHuman ends the call with a transfer reference the platform
// announces to the caller.
func transferToHuman(_ context.Context, args map[string]any) (map[string]any, error) {
	ctx := map[string]any{"stage": "human_transfer"}
	if ref, ok := args["reference"].(string); ok && ref != "" {
		ctx["reference"] = ref
	}
	result := map[string]any{"status": "ok", "context": ctx}
	if reason, ok := args["reason"].(string); ok && reason != "" {
		result["reason"] = reason
	}
	return result, nil
}

// acknowledge builds the handler for a declared business function: it
// echoes the arguments back as recorded and reports the configured
// stage. Real deployments swap this for an integration by registering
// their own handler under the same name after RegisterFunctions.
func acknowledge(spec FunctionSpec) fncall.Handler {
	return func(_ context.Context, args map[string]any) (map[string]any, error) {
		result := map[string]any{
			"status":   "ok",
			"recorded": args,
		}
		if spec.Stage != "" {
			result["context"] = map[string]any{"stage": spec.Stage}
		}
		return result, nil
	}
}

// Validate reports persona definition errors a loader should reject.
func (p *Persona) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("agent: persona has no name")
	}
	seen := map[string]bool{"wrap_up": true, "transfer_to_human": true}
	for _, fn := range p.Functions {
		if fn.Name == "" {
			return fmt.Errorf("agent: persona %q declares a function without a name", p.Name)
		}
		if seen[fn.Name] {
			return fmt.Errorf("agent: persona %q declares function %q twice", p.Name, fn.Name)
		}
		seen[fn.Name] = true
	}
	return nil
}
