package bridge

import (
	"github.com/kverne/voicebridge/internal/fncall"
	"github.com/kverne/voicebridge/pkg/aiservice"
)

// Agent is the conversational persona bridged onto calls. The bridge
// core is agnostic to what the agent talks about; it only needs the AI
// session parameters, the greeting seed, and the function catalogue.
type Agent interface {
	// SessionConfig returns the configuration sent to the AI service
	// when a call opens, including the tool catalogue.
	SessionConfig() aiservice.SessionConfig

	// InitialItem returns the system-role text seeding a fresh
	// conversation so the agent greets the caller. An empty string
	// skips the greeting.
	InitialItem() string

	// RegisterFunctions installs the handlers backing the tools
	// announced in SessionConfig.
	RegisterFunctions(reg *fncall.Registry)
}
