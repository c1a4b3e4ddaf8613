// Package enginetest provides an in-memory engine that records every call.
package enginetest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"pdfctl/internal/controlerr"
	"pdfctl/internal/engine"
)

var _ engine.Engine = (*Recorder)(nil)

// Recorder is a scriptable fake engine. Calls are logged in order as
// "method arg1 arg2"; engine state is kept only as far as callers read it
// back.
type Recorder struct {
	// ConvergeAfter is the refine step number that reports convergence.
	ConvergeAfter int
	// RW is returned by GetRW after step n as RW[n-1], the last entry
	// repeating. Empty means 1/(n+1).
	RW []float64
	// Vars preloads GetVar answers keyed by name.
	Vars map[string]float64
	// Fail makes the named method return the error.
	Fail map[string]error
	// OnRefine runs after each refine step; it may change Pars or Vars.
	OnRefine func(step int, r *Recorder)
	// Gate, when set, is received from before each refine step.
	Gate chan struct{}

	mu      sync.Mutex
	calls   []string
	structs []string
	data    []int
	npts    int
	rgrid   []float64
	Pars    map[int]float64
	fixed   map[int]bool
	phase   int
	set     int
	step    int
	closed  bool
}

// New returns a recorder converging on the first refine step.
func New() *Recorder {
	return &Recorder{ConvergeAfter: 1, Vars: map[string]float64{}}
}

// Factory returns an engine.Factory that always yields r.
func (r *Recorder) Factory() engine.Factory {
	return func(context.Context) (engine.Engine, error) { return r, nil }
}

// Calls returns a copy of the call log.
func (r *Recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// CallsWithPrefix returns logged calls starting with prefix.
func (r *Recorder) CallsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range r.Calls() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// Methods returns only the method names of the call log.
func (r *Recorder) Methods() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = strings.SplitN(c, " ", 2)[0]
	}
	return out
}

// Closed reports whether Close was called.
func (r *Recorder) Closed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Recorder) record(method string, args ...any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	parts := []string{method}
	for _, a := range args {
		parts = append(parts, fmt.Sprint(a))
	}
	r.calls = append(r.calls, strings.Join(parts, " "))
	if err := r.Fail[method]; err != nil {
		return err
	}
	return nil
}

func (r *Recorder) Reset(context.Context) error {
	if err := r.record("reset"); err != nil {
		return err
	}
	r.mu.Lock()
	r.structs, r.data, r.rgrid = nil, nil, nil
	r.Pars = map[int]float64{}
	r.fixed = map[int]bool{}
	r.phase, r.set, r.step = 0, 0, 0
	r.mu.Unlock()
	return nil
}

func (r *Recorder) ReadStructString(_ context.Context, s string) error {
	if err := r.record("read_struct_string"); err != nil {
		return err
	}
	r.mu.Lock()
	r.structs = append(r.structs, s)
	r.phase = len(r.structs)
	r.mu.Unlock()
	return nil
}

// countRows counts numeric data rows of an observed data string.
func countRows(obs string) int {
	n := 0
	inData := !strings.Contains(obs, "start data")
	for _, line := range strings.Split(obs, "\n") {
		t := strings.TrimSpace(line)
		if strings.Contains(t, "start data") {
			inData = true
			continue
		}
		if !inData || t == "" || strings.HasPrefix(t, "#") {
			continue
		}
		if c := t[0]; c == '-' || c == '.' || (c >= '0' && c <= '9') {
			n++
		}
	}
	return n
}

func (r *Recorder) ReadDataString(_ context.Context, obs, stype string, qmax, qdamp float64) error {
	if err := r.record("read_data_string", stype, qmax, qdamp); err != nil {
		return err
	}
	r.mu.Lock()
	r.data = append(r.data, countRows(obs))
	r.set = len(r.data)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Alloc(_ context.Context, stype string, qmax, qdamp, rmin, rmax float64, npts int) error {
	if err := r.record("alloc", stype, qmax, qdamp, rmin, rmax, npts); err != nil {
		return err
	}
	r.mu.Lock()
	r.npts = npts
	r.rgrid = make([]float64, npts)
	for i := range r.rgrid {
		if npts > 1 {
			r.rgrid[i] = rmin + float64(i)*(rmax-rmin)/float64(npts-1)
		} else {
			r.rgrid[i] = rmin
		}
	}
	r.data = append(r.data, npts)
	r.set = len(r.data)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) SetPhase(_ context.Context, i int) error {
	if err := r.record("setphase", i); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 1 || i > len(r.structs) {
		return controlerr.Engine("unassignedError", "phase %d undefined", i)
	}
	r.phase = i
	return nil
}

func (r *Recorder) SetData(_ context.Context, i int) error {
	if err := r.record("setdata", i); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 1 || i > len(r.data) {
		return controlerr.Engine("unassignedError", "data set %d undefined", i)
	}
	r.set = i
	return nil
}

func (r *Recorder) Constrain(_ context.Context, v, formula string) error {
	return r.record("constrain", v, formula)
}

func (r *Recorder) SetPar(_ context.Context, n int, v float64) error {
	if err := r.record("setpar", n, v); err != nil {
		return err
	}
	r.mu.Lock()
	if r.Pars == nil {
		r.Pars = map[int]float64{}
	}
	r.Pars[n] = v
	r.mu.Unlock()
	return nil
}

func (r *Recorder) FixPar(_ context.Context, n int) error {
	if err := r.record("fixpar", n); err != nil {
		return err
	}
	r.mu.Lock()
	if r.fixed == nil {
		r.fixed = map[int]bool{}
	}
	r.fixed[n] = true
	r.mu.Unlock()
	return nil
}

func (r *Recorder) FreePar(_ context.Context, n int) error {
	if err := r.record("freepar", n); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.fixed, n)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) SetVar(_ context.Context, name string, v float64) error {
	if err := r.record("setvar", name, v); err != nil {
		return err
	}
	r.mu.Lock()
	if r.Vars == nil {
		r.Vars = map[string]float64{}
	}
	r.Vars[name] = v
	r.mu.Unlock()
	return nil
}

func (r *Recorder) GetVar(_ context.Context, name string) (float64, error) {
	if err := r.record("getvar", name); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Vars[name], nil
}

func (r *Recorder) SelectAtomIndex(_ context.Context, phase int, which string, atom int, flag bool) error {
	return r.record("selectAtomIndex", phase, which, atom, flag)
}

func (r *Recorder) Calc(context.Context) error { return r.record("calc") }

func (r *Recorder) RefineStep(ctx context.Context, _ float64) (bool, error) {
	if r.Gate != nil {
		select {
		case <-r.Gate:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	if err := r.record("refine_step"); err != nil {
		return false, err
	}
	r.mu.Lock()
	r.step++
	step := r.step
	r.mu.Unlock()
	if r.OnRefine != nil {
		r.OnRefine(step, r)
	}
	return step >= r.ConvergeAfter, nil
}

func (r *Recorder) GetR(context.Context) ([]float64, error) {
	if err := r.record("getR"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]float64(nil), r.rgrid...), nil
}

// curve returns a deterministic curve sized for the current dataset.
func (r *Recorder) curve(scale float64) []float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	if r.set >= 1 && r.set <= len(r.data) {
		n = r.data[r.set-1]
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = scale * float64(i+1)
	}
	return out
}

func (r *Recorder) GetPDFFit(context.Context) ([]float64, error) {
	if err := r.record("getpdf_fit"); err != nil {
		return nil, err
	}
	return r.curve(0.1), nil
}

func (r *Recorder) GetPDFDiff(context.Context) ([]float64, error) {
	if err := r.record("getpdf_diff"); err != nil {
		return nil, err
	}
	return r.curve(0.01), nil
}

func (r *Recorder) GetCRW(context.Context) ([]float64, error) {
	if err := r.record("getcrw"); err != nil {
		return nil, err
	}
	return r.curve(0.001), nil
}

func (r *Recorder) GetPar(_ context.Context, n int) (float64, error) {
	if err := r.record("getpar", n); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.Pars[n]
	if !ok {
		return 0, controlerr.Engine("unassignedError", "parameter %d undefined", n)
	}
	return v, nil
}

func (r *Recorder) GetRW(context.Context) (float64, error) {
	if err := r.record("getrw"); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.RW) == 0 {
		return 1 / float64(r.step+1), nil
	}
	i := min(r.step, len(r.RW)) - 1
	if i < 0 {
		i = 0
	}
	return r.RW[i], nil
}

func (r *Recorder) SaveStructString(_ context.Context, i int) (string, error) {
	if err := r.record("save_struct_string", i); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 1 || i > len(r.structs) {
		return "", controlerr.Engine("unassignedError", "phase %d undefined", i)
	}
	return r.structs[i-1], nil
}

func (r *Recorder) SaveResString(context.Context) (string, error) {
	if err := r.record("save_res_string"); err != nil {
		return "", err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return fmt.Sprintf("refinement finished after %d steps\n", r.step), nil
}

func (r *Recorder) BondAngle(_ context.Context, i, j, k int) (string, error) {
	if err := r.record("bang", i, j, k); err != nil {
		return "", err
	}
	return fmt.Sprintf("angle (%d,%d,%d) = 109.47 deg\n", i, j, k), nil
}

func (r *Recorder) BondLengthAtoms(_ context.Context, i, j int) (string, error) {
	if err := r.record("blen", i, j); err != nil {
		return "", err
	}
	return fmt.Sprintf("distance (%d,%d) = 2.35 A\n", i, j), nil
}

func (r *Recorder) BondLengthTypes(_ context.Context, a1, a2 string, lo, hi float64) (string, error) {
	if err := r.record("blen", a1, a2, lo, hi); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s-%s distances in [%g, %g]\n", a1, a2, lo, hi), nil
}

func (r *Recorder) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return nil
}
