// Package dispatch maps agent types to registered handlers. Agents are
// opaque callables to the substrate: they receive an AgentContext plus the
// triggering event's metadata and return an AgentResult.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// metadataAgentType is the event-metadata key naming the agent to run.
const metadataAgentType = "agent_type"

// ErrAgentNotFound indicates no handler is registered for the requested
// agent type. The worker pool converts it into an agent_error terminal.
var ErrAgentNotFound = errors.New("agent not found")

// AgentContext carries the per-invocation inputs an agent needs. It is
// built from the triggering event and never persisted.
type AgentContext struct {
	SessionID     string
	TaskID        string
	EpicID        string
	TenantID      string
	GitSHA        string
	Mode          string
	WorkspacePath string
	// ContextPack is an optional pre-assembled context document path.
	ContextPack string
	Metadata    map[string]any
}

// AgentResult is what an agent returns. Success is lifted into the
// terminal event type by the worker pool; ShouldRetry is advisory and
// travels in the terminal event's metadata.
type AgentResult struct {
	AgentType     string
	TaskID        string
	Success       bool
	ArtifactPaths []string
	ErrorMessage  string
	ShouldRetry   bool
	Metadata      map[string]any
}

// AgentHandler executes one agent type.
type AgentHandler interface {
	// Execute runs the agent. eventMeta is the triggering event's metadata
	// mapping, passed through untouched.
	Execute(ctx context.Context, actx *AgentContext, eventMeta map[string]any) (*AgentResult, error)

	// AgentType returns the registry key this handler serves.
	AgentType() string
}

// Registry maps agent-type strings to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]AgentHandler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]AgentHandler)}
}

// Register adds a handler under its agent type, replacing any previous
// registration for the same type.
func (r *Registry) Register(h AgentHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.AgentType()] = h
}

// Get returns the handler for the given agent type.
func (r *Registry) Get(agentType string) (AgentHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[agentType]
	return h, ok
}

// Types returns the registered agent types.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	return types
}

// Dispatch resolves the agent type from the event metadata and invokes the
// handler. A missing or unregistered agent type fails with
// ErrAgentNotFound.
func (r *Registry) Dispatch(ctx context.Context, actx *AgentContext, eventMeta map[string]any) (*AgentResult, error) {
	agentType, _ := eventMeta[metadataAgentType].(string)
	if agentType == "" {
		return nil, fmt.Errorf("%w: event metadata has no agent_type", ErrAgentNotFound)
	}
	h, ok := r.Get(agentType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentType)
	}
	return h.Execute(ctx, actx, eventMeta)
}
