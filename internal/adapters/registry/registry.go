// Package registry keeps the worker's local skill catalog. Resolution
// returns providers in substitution order; the worker walks that order when
// a skill fails with a transient error.
package registry

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/batonrun/baton/internal/domain"
	"github.com/batonrun/baton/internal/ports"
)

type SkillRegistry struct {
	mu        sync.RWMutex
	providers []ports.SkillProvider
	bySkill   map[string]int
	logger    *slog.Logger
}

func NewSkillRegistry(logger *slog.Logger) *SkillRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &SkillRegistry{
		bySkill: make(map[string]int),
		logger:  logger.With("component", "skill-registry"),
	}
}

func (r *SkillRegistry) Register(provider ports.SkillProvider) error {
	if provider.Skill == "" {
		return &ports.SkillRegistrationError{Skill: provider.Skill, Reason: "skill name cannot be empty"}
	}
	if provider.Capability == "" {
		return &ports.SkillRegistrationError{Skill: provider.Skill, Reason: "capability cannot be empty"}
	}
	if provider.Executor == nil {
		return &ports.SkillRegistrationError{Skill: provider.Skill, Reason: "executor cannot be nil"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bySkill[provider.Skill]; exists {
		r.logger.Warn("skill registration conflict", "skill", provider.Skill)
		return &ports.SkillRegistrationError{Skill: provider.Skill, Reason: "skill already registered"}
	}

	r.bySkill[provider.Skill] = len(r.providers)
	r.providers = append(r.providers, provider)

	r.logger.Info("skill registered",
		"skill", provider.Skill,
		"capability", provider.Capability,
		"priority", provider.Priority)
	return nil
}

func (r *SkillRegistry) Unregister(skill string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, exists := r.bySkill[skill]
	if !exists {
		r.logger.Warn("unregister of unknown skill", "skill", skill)
		return &ports.SkillRegistrationError{Skill: skill, Reason: "skill not registered"}
	}

	r.providers = append(r.providers[:idx], r.providers[idx+1:]...)
	delete(r.bySkill, skill)
	for s, i := range r.bySkill {
		if i > idx {
			r.bySkill[s] = i - 1
		}
	}

	r.logger.Info("skill unregistered", "skill", skill)
	return nil
}

// Resolve returns the providers serving capability, lowest priority first;
// equal priorities keep registration order. No provider at all is
// ErrNoProvider, which the worker reports as a permanent failure.
func (r *SkillRegistry) Resolve(capability string) ([]ports.SkillProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []ports.SkillProvider
	for _, p := range r.providers {
		if p.Capability == capability {
			matches = append(matches, p)
		}
	}
	if len(matches) == 0 {
		return nil, domain.ErrNoProvider
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Priority < matches[j].Priority
	})
	return matches, nil
}

func (r *SkillRegistry) List() []ports.SkillProvider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ports.SkillProvider, len(r.providers))
	copy(out, r.providers)
	return out
}
