package saga

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Policy decides what a failed step does to the rest of the run.
type Policy int

const (
	// Abort stops the run and reports the step error.
	Abort Policy = iota
	// Continue logs the step error and keeps going. Used for cleanup steps
	// whose failure must not undo already-committed business effects.
	Continue
)

// Step is one unit of a multi-step workflow. Run must be idempotent: a
// retried saga re-executes every step from the start.
type Step struct {
	Name    string
	Run     func(ctx context.Context) error
	OnError Policy
}

// Result reports which steps ran and which were tolerated as failures.
type Result struct {
	Completed []string
	Tolerated map[string]error
}

// Execute runs steps in order. An Abort step error stops the run immediately
// and is returned wrapped with the step name; Continue step errors are
// collected in Result.Tolerated.
func Execute(ctx context.Context, logger zerolog.Logger, steps []Step) (*Result, error) {
	result := &Result{
		Completed: make([]string, 0, len(steps)),
		Tolerated: make(map[string]error),
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		err := step.Run(ctx)
		if err == nil {
			result.Completed = append(result.Completed, step.Name)
			continue
		}

		if step.OnError == Continue {
			logger.Warn().Err(err).Str("step", step.Name).Msg("saga step failed, continuing")
			result.Tolerated[step.Name] = err
			result.Completed = append(result.Completed, step.Name)
			continue
		}

		logger.Error().Err(err).Str("step", step.Name).Msg("saga step failed, aborting")
		return result, fmt.Errorf("step %s: %w", step.Name, err)
	}

	return result, nil
}
