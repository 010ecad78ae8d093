package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diamondMeta() *WorkflowMeta {
	return &WorkflowMeta{
		WorkflowID:     "wf-diamond",
		Version:        1,
		States:         []string{"Fetch", "BranchA", "BranchB", "Join"},
		StartStates:    []string{"Fetch"},
		TerminalStates: []string{"Join"},
		Dependencies: map[string]StateDeps{
			"Fetch":   {Downstream: []string{"BranchA", "BranchB"}},
			"BranchA": {Upstream: []string{"Fetch"}, Downstream: []string{"Join"}},
			"BranchB": {Upstream: []string{"Fetch"}, Downstream: []string{"Join"}},
			"Join":    {Upstream: []string{"BranchA", "BranchB"}},
		},
		CreatedAt: time.Now(),
	}
}

func TestWorkflowMetaValidate_AcceptsDiamond(t *testing.T) {
	require.NoError(t, diamondMeta().Validate())
}

func TestWorkflowMetaValidate_RejectsBrokenGraphs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(m *WorkflowMeta)
		expect error
	}{
		{
			name: "cycle_between_branches",
			mutate: func(m *WorkflowMeta) {
				m.Dependencies["BranchA"] = StateDeps{
					Upstream:   []string{"Fetch", "BranchB"},
					Downstream: []string{"Join", "BranchB"},
				}
				m.Dependencies["BranchB"] = StateDeps{
					Upstream:   []string{"Fetch", "BranchA"},
					Downstream: []string{"Join", "BranchA"},
				}
			},
			expect: ErrDependencyCycle,
		},
		{
			name: "start_state_with_upstream",
			mutate: func(m *WorkflowMeta) {
				m.StartStates = []string{"Fetch", "Join"}
			},
			expect: ErrMalformedGraph,
		},
		{
			name: "unknown_upstream_reference",
			mutate: func(m *WorkflowMeta) {
				m.Dependencies["Join"] = StateDeps{Upstream: []string{"BranchA", "Ghost"}}
			},
			expect: ErrMalformedGraph,
		},
		{
			name: "missing_downstream_mirror",
			mutate: func(m *WorkflowMeta) {
				m.Dependencies["Fetch"] = StateDeps{Downstream: []string{"BranchA"}}
			},
			expect: ErrMalformedGraph,
		},
		{
			name: "disconnected_cycle_island",
			mutate: func(m *WorkflowMeta) {
				m.States = append(m.States, "Orphan", "OrphanSink")
				m.TerminalStates = append(m.TerminalStates, "OrphanSink")
				m.Dependencies["Orphan"] = StateDeps{Upstream: []string{"OrphanSink"}, Downstream: []string{"OrphanSink"}}
				m.Dependencies["OrphanSink"] = StateDeps{Upstream: []string{"Orphan"}, Downstream: []string{"Orphan"}}
			},
			expect: ErrDependencyCycle,
		},
		{
			name: "duplicate_state_name",
			mutate: func(m *WorkflowMeta) {
				m.States = append(m.States, "Fetch")
			},
			expect: ErrMalformedGraph,
		},
		{
			name: "no_terminal_states",
			mutate: func(m *WorkflowMeta) {
				m.TerminalStates = nil
			},
			expect: ErrMalformedGraph,
		},
		{
			name: "non_terminal_dead_end",
			mutate: func(m *WorkflowMeta) {
				m.TerminalStates = []string{"BranchB"}
				m.Dependencies["BranchB"] = StateDeps{Upstream: []string{"Fetch"}}
				m.Dependencies["Join"] = StateDeps{Upstream: []string{"BranchA"}}
			},
			expect: ErrMalformedGraph,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := diamondMeta()
			tt.mutate(m)
			err := m.Validate()
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.expect)
		})
	}
}

func TestWorkflowMetaCapability_DefaultsToStateName(t *testing.T) {
	m := diamondMeta()
	m.Capabilities = map[string]string{"Fetch": "http-fetch"}

	assert.Equal(t, "http-fetch", m.Capability("Fetch"))
	assert.Equal(t, "Join", m.Capability("Join"))
}

func TestWorkflowMetaNeighbors(t *testing.T) {
	m := diamondMeta()

	assert.ElementsMatch(t, []string{"BranchA", "BranchB"}, m.Downstream("Fetch"))
	assert.ElementsMatch(t, []string{"BranchA", "BranchB"}, m.Upstream("Join"))
	assert.True(t, m.IsStart("Fetch"))
	assert.True(t, m.IsTerminal("Join"))
	assert.False(t, m.IsTerminal("BranchA"))
}
