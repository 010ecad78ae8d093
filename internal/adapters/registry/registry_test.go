package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

type nopExecutor struct{}

func (nopExecutor) Execute(context.Context, ports.Invocation) (*ports.InvocationResult, error) {
	return &ports.InvocationResult{}, nil
}

func provider(skill, capability string, priority int) ports.SkillProvider {
	return ports.SkillProvider{Skill: skill, Capability: capability, Priority: priority, Executor: nopExecutor{}}
}

func TestRegistryResolveOrdersByPriority(t *testing.T) {
	r := NewSkillRegistry(nil)

	require.NoError(t, r.Register(provider("whisper-large", "transcribe", 2)))
	require.NoError(t, r.Register(provider("whisper-turbo", "transcribe", 1)))
	require.NoError(t, r.Register(provider("summarize-v1", "summarize", 1)))

	matches, err := r.Resolve("transcribe")
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, "whisper-turbo", matches[0].Skill)
	assert.Equal(t, "whisper-large", matches[1].Skill)
}

func TestRegistryResolveKeepsRegistrationOrderOnTies(t *testing.T) {
	r := NewSkillRegistry(nil)

	require.NoError(t, r.Register(provider("first", "transcribe", 1)))
	require.NoError(t, r.Register(provider("second", "transcribe", 1)))
	require.NoError(t, r.Register(provider("third", "transcribe", 1)))

	matches, err := r.Resolve("transcribe")
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "second", "third"}, []string{matches[0].Skill, matches[1].Skill, matches[2].Skill})
}

func TestRegistryResolveUnknownCapability(t *testing.T) {
	r := NewSkillRegistry(nil)

	_, err := r.Resolve("transcribe")
	require.ErrorIs(t, err, domain.ErrNoProvider)
}

func TestRegistryRejectsInvalidProviders(t *testing.T) {
	r := NewSkillRegistry(nil)

	var regErr *ports.SkillRegistrationError
	require.ErrorAs(t, r.Register(ports.SkillProvider{Capability: "x", Executor: nopExecutor{}}), &regErr)
	require.ErrorAs(t, r.Register(ports.SkillProvider{Skill: "x", Executor: nopExecutor{}}), &regErr)
	require.ErrorAs(t, r.Register(ports.SkillProvider{Skill: "x", Capability: "y"}), &regErr)
}

func TestRegistryDuplicateRegistration(t *testing.T) {
	r := NewSkillRegistry(nil)

	require.NoError(t, r.Register(provider("whisper-turbo", "transcribe", 1)))

	err := r.Register(provider("whisper-turbo", "transcribe", 5))
	var regErr *ports.SkillRegistrationError
	require.ErrorAs(t, err, &regErr)
	assert.Equal(t, "whisper-turbo", regErr.Skill)
}

func TestRegistryUnregister(t *testing.T) {
	r := NewSkillRegistry(nil)

	require.NoError(t, r.Register(provider("whisper-turbo", "transcribe", 1)))
	require.NoError(t, r.Register(provider("whisper-large", "transcribe", 2)))
	require.NoError(t, r.Unregister("whisper-turbo"))

	matches, err := r.Resolve("transcribe")
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "whisper-large", matches[0].Skill)

	var regErr *ports.SkillRegistrationError
	require.ErrorAs(t, r.Unregister("whisper-turbo"), &regErr)

	assert.Len(t, r.List(), 1)
}
