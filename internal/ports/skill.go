package ports

import (
	"context"
)

// Invocation is everything an executor gets about the work it is asked to
// do. Inputs arrive as refs to externally stored payloads; the control
// plane never sees the data itself.
type Invocation struct {
	WorkflowID string            `json:"workflow_id"`
	State      string            `json:"state"`
	Capability string            `json:"capability"`
	Skill      string            `json:"skill"`
	Attempt    int               `json:"attempt"`
	InputRefs  map[string]string `json:"input_refs,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
}

type InvocationResult struct {
	OutputRef string `json:"output_ref,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// SkillExecutorPort runs one skill invocation. Failures must be classified:
// return a transient SkillError when a retry or an alternate skill might
// succeed, a permanent one when neither can.
type SkillExecutorPort interface {
	Execute(ctx context.Context, invocation Invocation) (*InvocationResult, error)
}

// SkillProvider binds a named skill to the capability it serves. Lower
// Priority is preferred; equal priorities keep registration order.
type SkillProvider struct {
	Skill      string
	Capability string
	Priority   int
	Executor   SkillExecutorPort
}

// SkillRegistryPort resolves a capability to its providers in substitution
// order. Registration normally happens once at worker startup, but the
// registry stays safe for concurrent use so providers can come and go.
type SkillRegistryPort interface {
	Register(provider SkillProvider) error
	Unregister(skill string) error
	Resolve(capability string) ([]SkillProvider, error)
	List() []SkillProvider
}

type SkillRegistrationError struct {
	Skill  string
	Reason string
}

func (e *SkillRegistrationError) Error() string {
	return "skill registration failed for '" + e.Skill + "': " + e.Reason
}
