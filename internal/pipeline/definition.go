package pipeline

import (
	"errors"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/luminal-dev/conductor/pkg/models"
)

// ErrInvalidDefinition indicates a pipeline definition failed validation.
var ErrInvalidDefinition = errors.New("invalid pipeline definition")

// definitionFile is the YAML shape of a pipeline definition.
type definitionFile struct {
	Name    string                `yaml:"name"`
	Steps   []models.StepTemplate `yaml:"steps"`
	Trigger models.TriggerConfig  `yaml:"trigger"`
}

// ParseDefinition decodes a YAML pipeline definition and validates it.
func ParseDefinition(data []byte) (*models.PipelineDefinition, error) {
	var file definitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse pipeline definition: %w", err)
	}

	def := &models.PipelineDefinition{
		Name:    file.Name,
		Steps:   file.Steps,
		Trigger: file.Trigger,
	}
	if err := ValidateDefinition(def); err != nil {
		return nil, err
	}
	return def, nil
}

// LoadDefinitionFile reads and parses a pipeline definition from disk.
func LoadDefinitionFile(path string) (*models.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	return ParseDefinition(data)
}

// ValidateDefinition checks that a definition names a pipeline, that step
// names are unique, that every depends_on entry names a sibling step, and
// that the step dependencies themselves form no cycle.
func ValidateDefinition(def *models.PipelineDefinition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: pipeline name is required", ErrInvalidDefinition)
	}
	if len(def.Steps) == 0 {
		return fmt.Errorf("%w: pipeline %q has no steps", ErrInvalidDefinition, def.Name)
	}

	byName := make(map[string]*models.StepTemplate, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Name == "" {
			return fmt.Errorf("%w: step %d has no name", ErrInvalidDefinition, i)
		}
		if _, dup := byName[step.Name]; dup {
			return fmt.Errorf("%w: duplicate step name %q", ErrInvalidDefinition, step.Name)
		}
		if step.MaxRetries < 0 {
			return fmt.Errorf("%w: step %q has negative max_retries", ErrInvalidDefinition, step.Name)
		}
		byName[step.Name] = step
	}

	for _, step := range def.Steps {
		for _, dep := range step.DependsOn {
			if dep == step.Name {
				return fmt.Errorf("%w: step %q depends on itself", ErrInvalidDefinition, step.Name)
			}
			if _, ok := byName[dep]; !ok {
				return fmt.Errorf("%w: step %q depends on unknown step %q", ErrInvalidDefinition, step.Name, dep)
			}
		}
	}

	// Depth-first walk over depends_on edges. A step on the current path
	// seen twice closes a cycle.
	const (
		unvisited = 0
		onPath    = 1
		done      = 2
	)
	state := make(map[string]int, len(def.Steps))
	var visit func(name string) error
	visit = func(name string) error {
		switch state[name] {
		case onPath:
			return fmt.Errorf("%w: step dependency cycle through %q", ErrInvalidDefinition, name)
		case done:
			return nil
		}
		state[name] = onPath
		for _, dep := range byName[name].DependsOn {
			if err := visit(dep); err != nil {
				return err
			}
		}
		state[name] = done
		return nil
	}
	for _, step := range def.Steps {
		if err := visit(step.Name); err != nil {
			return err
		}
	}
	return nil
}
