package pipeline

import (
	"context"
	"fmt"
	"log/slog"
)

// FitRunner is what the router needs from a fit.
type FitRunner interface {
	Run(ctx context.Context) error
	Calculate(ctx context.Context, name string) error
	RW() float64
	Step() int
}

// FitSource resolves a fit by name.
type FitSource func(name string) (FitRunner, error)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log  *slog.Logger
	fits FitSource
}

func newRouter(logger *slog.Logger, fits FitSource) Processor {
	return &router{log: logger, fits: fits}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	if r.fits == nil {
		return Result{Job: job, Error: fmt.Errorf("no fits available for job %s", job.ID)}
	}
	fit, err := r.fits(job.Fit)
	if err != nil {
		return Result{Job: job, Error: err}
	}
	switch job.Kind {
	case JobRefine:
		return r.handleRefine(ctx, job, fit)
	case JobCalculate:
		return r.handleCalculate(ctx, job, fit)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job kind: %s", job.Kind)}
	}
}

func (r *router) handleRefine(ctx context.Context, job Job, fit FitRunner) Result {
	err := fit.Run(ctx)
	meta := map[string]any{
		"rw":    fit.RW(),
		"steps": fit.Step(),
	}
	return Result{Job: job, Error: err, Meta: meta}
}

func (r *router) handleCalculate(ctx context.Context, job Job, fit FitRunner) Result {
	if job.Target == "" {
		return Result{Job: job, Error: fmt.Errorf("calculate job %s names no calculation", job.ID)}
	}
	err := fit.Calculate(ctx, job.Target)
	return Result{Job: job, Error: err, Meta: map[string]any{"calculation": job.Target}}
}
