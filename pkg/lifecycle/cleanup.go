package lifecycle

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// cleanupStack records the inverse of every completed setup step. Unwinding
// is LIFO and keeps going past failures so one broken teardown cannot leak
// the rest.
type cleanupStack struct {
	log   *zap.SugaredLogger
	steps []cleanupStep
}

type cleanupStep struct {
	name string
	fn   func() error
}

func newCleanupStack(log *zap.SugaredLogger) *cleanupStack {
	return &cleanupStack{log: log.Named("cleanup")}
}

func (s *cleanupStack) push(name string, fn func() error) {
	s.steps = append(s.steps, cleanupStep{name: name, fn: fn})
}

// unwind runs every recorded step in reverse order and returns the
// aggregate of their failures.
func (s *cleanupStack) unwind() error {
	var errs error
	for i := len(s.steps) - 1; i >= 0; i-- {
		step := s.steps[i]
		if err := step.fn(); err != nil {
			s.log.Warnw("cleanup step failed", "step", step.name, "error", err)
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", step.name, err))
		}
	}
	s.steps = nil
	return errs
}
