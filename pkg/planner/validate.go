package planner

import (
	"fmt"

	"github.com/astra-local/astra/pkg/models"
)

// ValidateDAG checks the depends_on graph of a plan: every dependency
// must reference an existing step index other than the step itself, and
// the graph must be acyclic.
func ValidateDAG(steps []*models.PlanStep) error {
	byIndex := make(map[int]bool, len(steps))
	for _, step := range steps {
		if byIndex[step.StepIndex] {
			return fmt.Errorf("duplicate step index %d", step.StepIndex)
		}
		byIndex[step.StepIndex] = true
	}

	edges := make(map[int][]int, len(steps))
	for _, step := range steps {
		for _, dep := range step.DependsOn {
			if dep == step.StepIndex {
				return fmt.Errorf("step %d depends on itself", step.StepIndex)
			}
			if !byIndex[dep] {
				return fmt.Errorf("step %d depends on unknown step %d", step.StepIndex, dep)
			}
			edges[step.StepIndex] = append(edges[step.StepIndex], dep)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[int]int, len(steps))
	var visit func(index int) error
	visit = func(index int) error {
		switch state[index] {
		case visiting:
			return fmt.Errorf("dependency cycle through step %d", index)
		case done:
			return nil
		}
		state[index] = visiting
		for _, dep := range edges[index] {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[index] = done
		return nil
	}
	for _, step := range steps {
		if err := visit(step.StepIndex); err != nil {
			return err
		}
	}
	return nil
}
