package project

import (
	"context"
	"errors"

	"pdfctl/internal/controlerr"
	"pdfctl/internal/fitting"
	"pdfctl/internal/pipeline"
)

// Target names a whole fit, or one calculation of it when Calculation is
// set.
type Target struct {
	Fit         string
	Calculation string
}

// Enqueue adds fits to the end of the refinement queue, or takes them out
// when enter is false. Fits already in the requested state are skipped.
func (p *Project) Enqueue(fits []*fitting.Fitting, enter bool) error {
	var errs []error
	for _, f := range fits {
		if !enter {
			if _, ok := p.pipe.Remove(f.Name); ok {
				f.Queue(false)
			}
			continue
		}
		if p.pipe.Queued(f.Name) {
			continue
		}
		f.Queue(true)
		if _, _, err := p.pipe.Submit(pipeline.Job{Kind: pipeline.JobRefine, Fit: f.Name}); err != nil {
			f.Queue(false)
			errs = append(errs, controlerr.Status("Fitting %s can't be queued: %v", f.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Start runs the listed calculations right away and queues the listed
// fits. A calculation whose fit is queued as a whole is left to that fit.
func (p *Project) Start(ctx context.Context, targets []Target) error {
	whole := map[string]bool{}
	var fits []*fitting.Fitting
	for _, t := range targets {
		if t.Calculation != "" || whole[t.Fit] {
			continue
		}
		f, err := p.Fit(t.Fit)
		if err != nil {
			return err
		}
		whole[t.Fit] = true
		fits = append(fits, f)
	}
	for _, t := range targets {
		if t.Calculation == "" || whole[t.Fit] {
			continue
		}
		f, err := p.Fit(t.Fit)
		if err != nil {
			return err
		}
		if err := f.Calculate(ctx, t.Calculation); err != nil {
			return err
		}
	}
	return p.Enqueue(fits, true)
}

// StopAll empties the queue and stops every fit.
func (p *Project) StopAll() {
	fits := p.Fits()
	_ = p.Enqueue(fits, false)
	for _, f := range fits {
		f.Stop()
	}
}

// Wait blocks until the queue is empty and no job is running, or ctx ends.
func (p *Project) Wait(ctx context.Context) error {
	results, unsub := p.pipe.Subscribe()
	defer unsub()
	for {
		_, busy := p.pipe.Current()
		if !busy && len(p.pipe.Pending()) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-results:
			if !ok {
				return nil
			}
		}
	}
}
