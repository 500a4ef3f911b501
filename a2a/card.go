package a2a

type (
	// AgentCard is the static descriptor served from the well-known paths.
	AgentCard struct {
		// Name is the agent name.
		Name string `json:"name"`
		// Description documents what the agent does.
		Description string `json:"description,omitempty"`
		// URL is the service endpoint clients should call.
		URL string `json:"url"`
		// Version is the agent implementation version.
		Version string `json:"version,omitempty"`
		// Capabilities advertises protocol capabilities.
		Capabilities AgentCapabilities `json:"capabilities"`
		// DefaultInputModes lists accepted input content types.
		DefaultInputModes []string `json:"defaultInputModes,omitempty"`
		// DefaultOutputModes lists produced output content types.
		DefaultOutputModes []string `json:"defaultOutputModes,omitempty"`
		// Skills describes the agent's advertised skills.
		Skills []AgentSkill `json:"skills,omitempty"`
	}

	// AgentCapabilities flags the protocol features the agent supports.
	AgentCapabilities struct {
		// Streaming reports message/stream and tasks/resubscribe support.
		Streaming bool `json:"streaming"`
	}

	// AgentSkill describes one advertised skill.
	AgentSkill struct {
		// ID is the skill identifier.
		ID string `json:"id"`
		// Name is the human-readable skill name.
		Name string `json:"name"`
		// Description documents the skill.
		Description string `json:"description,omitempty"`
	}
)

// Well-known agent card paths. Both are served for client compatibility.
const (
	CardPath    = "/.well-known/agent.json"
	CardAltPath = "/.well-known/agent-card.json"
)
