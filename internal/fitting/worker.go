package fitting

import (
	"context"
	"errors"

	"pdfctl/internal/controlerr"
)

// Start launches the refinement on a new goroutine. A paused run is resumed
// instead.
func (f *Fitting) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.jobStatus == Paused {
		f.mu.Unlock()
		f.Pause(false)
		return nil
	}
	if f.active {
		f.mu.Unlock()
		return controlerr.Status("Fitting: Fitting %s is already running", f.Name)
	}
	ctx, cancel := context.WithCancel(ctx)
	f.active = true
	f.stopped, f.paused = false, false
	f.err = nil
	f.resume = make(chan struct{}, 1)
	f.done = make(chan struct{})
	f.cancel = cancel
	done := f.done
	f.mu.Unlock()

	f.resetStatus()
	go f.run(ctx, done)
	return nil
}

// Run starts the refinement and waits for it.
func (f *Fitting) Run(ctx context.Context) error {
	if err := f.Start(ctx); err != nil {
		return err
	}
	return f.Join()
}

// Join waits for the current run and returns its error.
func (f *Fitting) Join() error {
	f.mu.RLock()
	done := f.done
	f.mu.RUnlock()
	if done == nil {
		return nil
	}
	<-done
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

// Err returns the error of the last finished run.
func (f *Fitting) Err() error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.err
}

// IsRunning reports whether a worker is active, paused or not.
func (f *Fitting) IsRunning() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.active
}

// Pause asks the worker to wait before its next step, or lets a paused
// worker continue.
func (f *Fitting) Pause(pause bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paused = pause
	if !pause && f.resume != nil {
		select {
		case f.resume <- struct{}{}:
		default:
		}
	}
}

// TogglePause pauses a running job and resumes any other.
func (f *Fitting) TogglePause() {
	_, job := f.Status()
	f.Pause(job == Running)
}

// Stop asks the worker to quit before its next step. A step in progress is
// not interrupted.
func (f *Fitting) Stop() {
	f.mu.Lock()
	f.stopped = true
	paused := f.jobStatus == Paused
	f.mu.Unlock()
	if paused {
		f.Pause(false)
	}
}

// Close releases the fit. Without force a running fit is an error; with
// force the run is stopped and its engine call cancelled without waiting.
func (f *Fitting) Close(force bool) error {
	f.mu.RLock()
	active, cancel := f.active, f.cancel
	f.mu.RUnlock()
	if force {
		if active {
			f.Stop()
			if cancel != nil {
				cancel()
			}
		}
		return nil
	}
	if active {
		return controlerr.Status("Fitting: Fitting %s is still running", f.Name)
	}
	return f.Join()
}

func (f *Fitting) run(ctx context.Context, done chan struct{}) {
	var err error
	defer func() {
		f.release()
		f.mu.Lock()
		if err != nil && f.stopped && errors.Is(err, context.Canceled) {
			err = nil
		}
		if err != nil {
			f.fitStatus = Initialized
		}
		f.err = err
		f.active = false
		f.jobStatus = Void
		if f.cancel != nil {
			f.cancel()
		}
		f.mu.Unlock()
		if err != nil {
			f.log().Error(controlerr.Describe("Fitting", err), "fit", f.Name)
		}
		f.emit(Event{Err: err})
		close(done)
	}()

	f.setJobStatus(Running)
	if err = f.runCalculations(ctx); err != nil {
		return
	}
	for {
		f.mu.RLock()
		stopped, paused, resume := f.stopped, f.paused, f.resume
		nds := len(f.Datasets)
		f.mu.RUnlock()
		if stopped || nds == 0 {
			return
		}
		if paused {
			f.setJobStatus(Paused)
			select {
			case <-resume:
			case <-ctx.Done():
				err = ctx.Err()
				return
			}
			f.setJobStatus(Running)
			continue
		}
		if err = f.getServer(ctx); err != nil {
			return
		}
		if err = f.configure(ctx); err != nil {
			return
		}
		var finished bool
		if finished, err = f.refineStep(ctx); err != nil || finished {
			return
		}
	}
}

// runCalculations computes every calculation of the fit, each on its own
// engine.
func (f *Fitting) runCalculations(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.Calculations) == 0 {
		return nil
	}
	if err := f.updateParametersLocked(); err != nil {
		return err
	}
	if f.Engine == nil {
		return controlerr.Config("Fitting '%s' has no engine configured", f.Name)
	}
	for _, c := range f.Calculations {
		eng, err := f.Engine(ctx)
		if err != nil {
			return err
		}
		err = eng.Reset(ctx)
		if err == nil {
			err = c.Calculate(ctx, eng, f.Phases, f.Parameters, selfLookup{f})
		}
		_ = eng.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// Calculate computes one calculation of the fit on a fresh engine without
// queueing.
func (f *Fitting) Calculate(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, err := f.calculationLocked(name)
	if err != nil {
		return err
	}
	if err := f.updateParametersLocked(); err != nil {
		return err
	}
	if f.Engine == nil {
		return controlerr.Config("Fitting '%s' has no engine configured", f.Name)
	}
	eng, err := f.Engine(ctx)
	if err != nil {
		return err
	}
	defer eng.Close()
	if err := eng.Reset(ctx); err != nil {
		return err
	}
	return c.Calculate(ctx, eng, f.Phases, f.Parameters, selfLookup{f})
}
