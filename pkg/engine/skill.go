package engine

import (
	"context"
	"sync"

	"github.com/astra-local/astra/pkg/models"
)

// Skill executes one plan step kind. Implementations must honor ctx
// cancellation; the engine cancels it when the run is canceled.
type Skill interface {
	Name() string
	Execute(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task) (*models.SkillResult, error)
}

// Registry is a concurrency-safe name → skill table.
type Registry struct {
	mu     sync.RWMutex
	skills map[string]Skill
}

// NewRegistry returns an empty skill registry.
func NewRegistry() *Registry {
	return &Registry{skills: make(map[string]Skill)}
}

// Register adds a skill under its own name, replacing any previous
// registration.
func (r *Registry) Register(skill Skill) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skills[skill.Name()] = skill
}

// Get looks a skill up by name.
func (r *Registry) Get(name string) (Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	skill, ok := r.skills[name]
	return skill, ok
}

// Names lists the registered skill names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.skills))
	for name := range r.skills {
		names = append(names, name)
	}
	return names
}

// SkillFunc adapts a function to the Skill interface.
type SkillFunc struct {
	SkillName string
	Fn        func(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task) (*models.SkillResult, error)
}

// Name returns the adapter's skill name.
func (s SkillFunc) Name() string { return s.SkillName }

// Execute invokes the wrapped function.
func (s SkillFunc) Execute(ctx context.Context, run *models.Run, step *models.PlanStep, task *models.Task) (*models.SkillResult, error) {
	return s.Fn(ctx, run, step, task)
}
