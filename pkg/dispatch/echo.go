package dispatch

import "context"

// EchoAgent is a no-op agent used to smoke-test the pipeline end to end:
// it succeeds immediately and echoes the triggering event's metadata back
// in its result.
type EchoAgent struct{}

// AgentType returns the registry key.
func (EchoAgent) AgentType() string { return "echo" }

// Execute returns a successful result carrying the event metadata.
func (EchoAgent) Execute(_ context.Context, actx *AgentContext, eventMeta map[string]any) (*AgentResult, error) {
	return &AgentResult{
		AgentType: "echo",
		TaskID:    actx.TaskID,
		Success:   true,
		Metadata:  map[string]any{"echo": eventMeta},
	}, nil
}
