package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"testing"
)

type stubFit struct {
	runErr   error
	calcErr  error
	runs     int
	calcs    []string
	rw       float64
	step     int
	runBlock chan struct{}
}

func (s *stubFit) Run(ctx context.Context) error {
	s.runs++
	if s.runBlock != nil {
		select {
		case <-s.runBlock:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return s.runErr
}

func (s *stubFit) Calculate(_ context.Context, name string) error {
	s.calcs = append(s.calcs, name)
	return s.calcErr
}

func (s *stubFit) RW() float64 { return s.rw }
func (s *stubFit) Step() int    { return s.step }

func sourceOf(fits map[string]*stubFit) FitSource {
	return func(name string) (FitRunner, error) {
		f, ok := fits[name]
		if !ok {
			return nil, errors.New("no such fit " + name)
		}
		return f, nil
	}
}

func TestRouterRefineReportsProgress(t *testing.T) {
	fit := &stubFit{rw: 0.12, step: 7}
	r := &router{log: slog.Default(), fits: sourceOf(map[string]*stubFit{"fit1": fit})}

	res := r.Process(context.Background(), Job{ID: "j1", Kind: JobRefine, Fit: "fit1"})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if fit.runs != 1 {
		t.Fatalf("expected one run, got %d", fit.runs)
	}
	if res.Meta["rw"] != 0.12 || res.Meta["steps"] != 7 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
}

func TestRouterCalculateNeedsTarget(t *testing.T) {
	fit := &stubFit{}
	r := &router{log: slog.Default(), fits: sourceOf(map[string]*stubFit{"fit1": fit})}

	res := r.Process(context.Background(), Job{ID: "j2", Kind: JobCalculate, Fit: "fit1"})
	if res.Error == nil {
		t.Fatalf("expected an error for a calculate job without target")
	}
	res = r.Process(context.Background(), Job{ID: "j3", Kind: JobCalculate, Fit: "fit1", Target: "calc"})
	if res.Error != nil {
		t.Fatalf("expected nil error, got %v", res.Error)
	}
	if len(fit.calcs) != 1 || fit.calcs[0] != "calc" {
		t.Fatalf("expected calc to be computed, got %v", fit.calcs)
	}
}

func TestRouterUnknownFitAndKind(t *testing.T) {
	r := &router{log: slog.Default(), fits: sourceOf(map[string]*stubFit{"fit1": {}})}
	if res := r.Process(context.Background(), Job{ID: "j4", Kind: JobRefine, Fit: "nope"}); res.Error == nil {
		t.Fatalf("expected error for unknown fit")
	}
	if res := r.Process(context.Background(), Job{ID: "j5", Kind: "plot", Fit: "fit1"}); res.Error == nil {
		t.Fatalf("expected error for unknown kind")
	}
}
