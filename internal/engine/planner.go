package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/AbdelazizMoustafa10m/Corvus/internal/config"
)

// Layer is a set of stages whose dependencies are all satisfied by earlier
// layers. In parallel mode its stages run concurrently.
type Layer struct {
	// Stages in declaration order.
	Stages []config.StageConfig

	// Final marks the last non-empty layer. Only final-layer stages
	// receive the loop-continuation instructions of a looping pipeline.
	Final bool
}

// Names returns the stage names of the layer, in order.
func (l Layer) Names() []string {
	names := make([]string, len(l.Stages))
	for i, s := range l.Stages {
		names[i] = s.Name
	}
	return names
}

// Plan transforms the declared stages into an ordered list of layers using
// Kahn's algorithm with stable tie-breaking by declaration order.
//
// Disabled stages are filtered out; their dependents see them as already
// satisfied. In sequential mode every stage becomes its own single-element
// layer, preserving topological order. Plan is deterministic: equal inputs
// produce equal plans.
//
// Plan returns a *ConfigurationError when a stage references an undeclared
// dependency, two stages share a name, or the dependency graph has a
// cycle.
func Plan(cfg *config.PipelineConfig) ([]Layer, error) {
	declared := make(map[string]bool, len(cfg.Stages))
	for _, s := range cfg.Stages {
		if declared[s.Name] {
			return nil, &ConfigurationError{Err: fmt.Errorf("planner: duplicate stage name %q", s.Name)}
		}
		declared[s.Name] = true
	}
	for _, s := range cfg.Stages {
		for _, dep := range s.DependsOn {
			if !declared[dep] {
				return nil, &ConfigurationError{Err: fmt.Errorf("planner: stage %q depends on unknown stage %q", s.Name, dep)}
			}
		}
	}

	// Work only with enabled stages; dependencies on disabled stages are
	// treated as satisfied.
	stages := cfg.EnabledStages()
	enabled := make(map[string]bool, len(stages))
	for _, s := range stages {
		enabled[s.Name] = true
	}

	remaining := make(map[string][]string, len(stages))
	for _, s := range stages {
		var deps []string
		for _, dep := range s.DependsOn {
			if enabled[dep] {
				deps = append(deps, dep)
			}
		}
		remaining[s.Name] = deps
	}

	var layers []Layer
	placed := make(map[string]bool, len(stages))

	for len(placed) < len(stages) {
		var layer Layer
		for _, s := range stages {
			if placed[s.Name] {
				continue
			}
			ready := true
			for _, dep := range remaining[s.Name] {
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				layer.Stages = append(layer.Stages, s)
			}
		}

		if len(layer.Stages) == 0 {
			// No progress: everything left participates in a cycle.
			var stuck []string
			for _, s := range stages {
				if !placed[s.Name] {
					stuck = append(stuck, s.Name)
				}
			}
			sort.Strings(stuck)
			return nil, &ConfigurationError{Err: fmt.Errorf(
				"planner: dependency cycle involving stages: %s", strings.Join(stuck, ", "))}
		}

		for _, s := range layer.Stages {
			placed[s.Name] = true
		}
		layers = append(layers, layer)
	}

	if cfg.Execution.Mode == config.ModeSequential {
		layers = sequentialize(layers)
	}

	if len(layers) > 0 {
		layers[len(layers)-1].Final = true
	}
	return layers, nil
}

// sequentialize splits each layer into single-element layers, preserving
// topological and declaration order.
func sequentialize(layers []Layer) []Layer {
	var out []Layer
	for _, l := range layers {
		for _, s := range l.Stages {
			out = append(out, Layer{Stages: []config.StageConfig{s}})
		}
	}
	return out
}
