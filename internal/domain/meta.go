package domain

import (
	"fmt"
	"time"
)

// StateDeps carries both directions of the dependency edge set so readiness
// checks and downstream notification never have to invert the graph.
type StateDeps struct {
	Upstream   []string `json:"upstream"`
	Downstream []string `json:"downstream"`
}

// WorkflowMeta is the immutable plan document for one workflow instance.
// It is written once at instantiation and only read afterwards.
type WorkflowMeta struct {
	WorkflowID     string               `json:"workflow_id"`
	Version        int                  `json:"version"`
	States         []string             `json:"states"`
	StartStates    []string             `json:"start_states"`
	TerminalStates []string             `json:"terminal_states"`
	Dependencies   map[string]StateDeps `json:"dependencies"`
	Assignments    map[string]string    `json:"assignments,omitempty"`
	Capabilities   map[string]string    `json:"capabilities,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
}

func (m *WorkflowMeta) HasState(name string) bool {
	for _, s := range m.States {
		if s == name {
			return true
		}
	}
	return false
}

func (m *WorkflowMeta) Upstream(state string) []string {
	return m.Dependencies[state].Upstream
}

func (m *WorkflowMeta) Downstream(state string) []string {
	return m.Dependencies[state].Downstream
}

func (m *WorkflowMeta) IsStart(state string) bool {
	for _, s := range m.StartStates {
		if s == state {
			return true
		}
	}
	return false
}

func (m *WorkflowMeta) IsTerminal(state string) bool {
	for _, s := range m.TerminalStates {
		if s == state {
			return true
		}
	}
	return false
}

func (m *WorkflowMeta) Assignee(state string) string {
	return m.Assignments[state]
}

// Capability resolves the skill capability for a state, defaulting to the
// state name when the plan does not map it explicitly.
func (m *WorkflowMeta) Capability(state string) string {
	if c, ok := m.Capabilities[state]; ok && c != "" {
		return c
	}
	return state
}

// Validate rejects any meta the control plane cannot safely choreograph.
// The plan compiler owns semantic validation; this re-checks only the
// structural invariants readiness and finalization depend on.
func (m *WorkflowMeta) Validate() error {
	if m.WorkflowID == "" {
		return NewValidationError("meta", "workflow_id cannot be empty")
	}
	if len(m.States) == 0 {
		return NewValidationError("meta", "states cannot be empty")
	}
	seen := make(map[string]bool, len(m.States))
	for _, s := range m.States {
		if s == "" {
			return NewMalformedGraphError(m.WorkflowID, "empty state name")
		}
		if seen[s] {
			return NewMalformedGraphError(m.WorkflowID, "duplicate state "+s)
		}
		seen[s] = true
	}
	if len(m.StartStates) == 0 {
		return NewMalformedGraphError(m.WorkflowID, "no start states")
	}
	if len(m.TerminalStates) == 0 {
		return NewMalformedGraphError(m.WorkflowID, "no terminal states")
	}
	for _, s := range m.StartStates {
		if !seen[s] {
			return NewMalformedGraphError(m.WorkflowID, "unknown start state "+s)
		}
	}
	for _, s := range m.TerminalStates {
		if !seen[s] {
			return NewMalformedGraphError(m.WorkflowID, "unknown terminal state "+s)
		}
	}
	for state, deps := range m.Dependencies {
		if !seen[state] {
			return NewMalformedGraphError(m.WorkflowID, "dependency entry for unknown state "+state)
		}
		for _, u := range deps.Upstream {
			if !seen[u] {
				return NewMalformedGraphError(m.WorkflowID, fmt.Sprintf("state %s: unknown upstream %s", state, u))
			}
			if !contains(m.Dependencies[u].Downstream, state) {
				return NewMalformedGraphError(m.WorkflowID, fmt.Sprintf("edge %s->%s missing downstream mirror", u, state))
			}
		}
		for _, d := range deps.Downstream {
			if !seen[d] {
				return NewMalformedGraphError(m.WorkflowID, fmt.Sprintf("state %s: unknown downstream %s", state, d))
			}
			if !contains(m.Dependencies[d].Upstream, state) {
				return NewMalformedGraphError(m.WorkflowID, fmt.Sprintf("edge %s->%s missing upstream mirror", state, d))
			}
		}
	}
	for _, s := range m.States {
		switch {
		case m.IsStart(s):
			if len(m.Upstream(s)) != 0 {
				return NewMalformedGraphError(m.WorkflowID, "start state "+s+" has upstream dependencies")
			}
		case len(m.Upstream(s)) == 0:
			return NewMalformedGraphError(m.WorkflowID, "non-start state "+s+" has no upstream")
		}
		if !m.IsTerminal(s) && len(m.Downstream(s)) == 0 {
			return NewMalformedGraphError(m.WorkflowID, "non-terminal state "+s+" has no downstream")
		}
	}
	if err := m.checkAcyclic(); err != nil {
		return err
	}
	return m.checkReachable()
}

// checkAcyclic runs Kahn's algorithm; any state left with positive
// in-degree sits on a cycle.
func (m *WorkflowMeta) checkAcyclic() error {
	indegree := make(map[string]int, len(m.States))
	for _, s := range m.States {
		indegree[s] = len(m.Upstream(s))
	}

	queue := make([]string, 0, len(m.States))
	for _, s := range m.States {
		if indegree[s] == 0 {
			queue = append(queue, s)
		}
	}

	visited := 0
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		visited++
		for _, next := range m.Downstream(s) {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if visited != len(m.States) {
		stuck := make([]string, 0, len(m.States)-visited)
		for _, s := range m.States {
			if indegree[s] > 0 {
				stuck = append(stuck, s)
			}
		}
		return NewCycleError(m.WorkflowID, stuck)
	}
	return nil
}

func (m *WorkflowMeta) checkReachable() error {
	reached := make(map[string]bool, len(m.States))
	queue := append([]string(nil), m.StartStates...)
	for _, s := range queue {
		reached[s] = true
	}
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		for _, next := range m.Downstream(s) {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, s := range m.States {
		if !reached[s] {
			return NewMalformedGraphError(m.WorkflowID, "state "+s+" unreachable from start states")
		}
	}
	return nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
