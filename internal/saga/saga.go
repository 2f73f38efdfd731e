// Package saga runs multi-system protocols as ordered steps. Each step pairs an action with
// an optional compensation that undoes it. When an action fails, no later step runs and the
// compensations of the completed steps run in reverse order.
package saga

import (
	"context"
	"log/slog"

	"github.com/organization-manager/organization-manager/internal/telemetry"
)

// Step is one action of a protocol with its compensation
type Step struct {
	Name       string
	Action     func(ctx context.Context) error
	Compensate func(ctx context.Context) error
}

// Saga is an ordered list of steps for one protocol invocation
type Saga struct {
	protocol string
	steps    []Step
}

// New starts an empty saga for the named protocol
func New(protocol string) *Saga {
	return &Saga{protocol: protocol}
}

// Add appends a step and returns the saga for chaining
func (s *Saga) Add(name string, action, compensate func(ctx context.Context) error) *Saga {
	s.steps = append(s.steps, Step{Name: name, Action: action, Compensate: compensate})
	return s
}

// Then appends a step without compensation
func (s *Saga) Then(name string, action func(ctx context.Context) error) *Saga {
	return s.Add(name, action, nil)
}

// Len returns the number of steps
func (s *Saga) Len() int { return len(s.steps) }

// Run executes the steps in order. It returns the error of the first failed action
// unchanged; compensation failures are logged and counted but never replace it.
func (s *Saga) Run(ctx context.Context) error {
	for i, step := range s.steps {
		if err := step.Action(ctx); err != nil {
			slog.Warn("saga step failed",
				"protocol", s.protocol,
				"step", step.Name,
				"error", err,
			)
			s.compensate(ctx, i)
			return err
		}
	}
	return nil
}

// compensate undoes steps [0, failed) in reverse. It runs detached from ctx cancellation so a
// timed-out request still gets its compensations.
func (s *Saga) compensate(ctx context.Context, failed int) {
	ctx = context.WithoutCancel(ctx)
	for i := failed - 1; i >= 0; i-- {
		step := s.steps[i]
		if step.Compensate == nil {
			continue
		}
		telemetry.SagaCompensationsTotal.WithLabelValues(s.protocol).Inc()
		if err := step.Compensate(ctx); err != nil {
			telemetry.CompensationFailuresTotal.WithLabelValues(s.protocol).Inc()
			slog.Error("saga compensation failed, systems may be inconsistent",
				"protocol", s.protocol,
				"step", step.Name,
				"error", err,
			)
			continue
		}
		slog.Warn("saga step compensated", "protocol", s.protocol, "step", step.Name)
	}
}
