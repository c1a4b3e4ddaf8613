// Package fitting drives a refinement: it reconciles the parameters used by
// the constraints of its phases and datasets, configures the engine, steps
// it to convergence on a worker goroutine and records a snapshot per step.
package fitting

import (
	"context"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"pdfctl/internal/calculation"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/dataset"
	"pdfctl/internal/engine"
	"pdfctl/internal/logging"
	"pdfctl/internal/parameter"
	"pdfctl/internal/phase"
)

// DefaultTolerance is the convergence tolerance handed to refine_step.
const DefaultTolerance = 0.001

// Cell is one snapshot column: a scalar, or a curve for Gcalc and crw.
type Cell struct {
	Value float64   `yaml:"v,omitempty"`
	Curve []float64 `yaml:"c,omitempty,flow"`
}

// Snapshot holds the refined values after one step, laid out by the column
// table of the fit.
type Snapshot []Cell

func isCurveColumn(name string) bool { return name == "Gcalc" || name == "crw" }

// ParameterColumn names the snapshot column of parameter idx.
func ParameterColumn(idx int) string { return "@" + strconv.Itoa(idx) }

// Fitting owns the phases, datasets and calculations of one refinement.
//
// Engine, Lookup, Log and MaxSteps are read when a run starts and must not
// change while it is active. Phases, Datasets and Parameters are mutated by
// the worker; read them through View while a run is active.
type Fitting struct {
	Name         string
	Phases       []*phase.Phase
	Datasets     []*dataset.Dataset
	Calculations []*calculation.Calculation
	Parameters   parameter.Set
	Tolerance    float64

	Engine   engine.Factory
	Lookup   parameter.Lookup
	Log      *slog.Logger
	MaxSteps int

	mu        sync.RWMutex
	fitStatus FitStatus
	jobStatus JobStatus
	rw        float64
	res       string
	step      int
	snapshots []Snapshot
	nameDict  map[string]map[string]int
	itemIndex int
	eng       engine.Engine
	listeners []func(Event)

	active  bool
	stopped bool
	paused  bool
	resume  chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
	err     error
}

// New returns an empty fit named name.
func New(name string) *Fitting {
	return &Fitting{
		Name:       name,
		Parameters: parameter.Set{},
		Tolerance:  DefaultTolerance,
		fitStatus:  Initialized,
		jobStatus:  Void,
		rw:         1.0,
		nameDict:   map[string]map[string]int{},
	}
}

// ID identifies the fit in its own column table.
func (f *Fitting) ID() string { return "f_" + f.Name }

// SetName renames the fit and moves its own snapshot columns along.
func (f *Fitting) SetName(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cols, ok := f.nameDict[f.ID()]; ok {
		delete(f.nameDict, f.ID())
		f.nameDict["f_"+name] = cols
	}
	f.Name = name
}

// ParameterSet returns a copy of the parameters safe to read while a run is
// active.
func (f *Fitting) ParameterSet() parameter.Set {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.Parameters.Clone()
}

func (f *Fitting) log() *slog.Logger {
	if f.Log == nil {
		return slog.Default()
	}
	return f.Log
}

// OnEvent registers fn to receive status and step events. fn runs on the
// goroutine causing the event and must not block.
func (f *Fitting) OnEvent(fn func(Event)) {
	f.mu.Lock()
	f.listeners = append(f.listeners, fn)
	f.mu.Unlock()
}

func (f *Fitting) emit(ev Event) {
	f.mu.RLock()
	ls := slices.Clone(f.listeners)
	ev.Fit = f.Name
	ev.FitStatus, ev.JobStatus = f.fitStatus, f.jobStatus
	if ev.Step == 0 {
		ev.Step, ev.RW = f.step, f.rw
	}
	f.mu.RUnlock()
	for _, fn := range ls {
		fn(ev)
	}
}

func (f *Fitting) setFitStatus(s FitStatus) {
	f.mu.Lock()
	changed := f.fitStatus != s
	f.fitStatus = s
	f.mu.Unlock()
	if changed {
		f.emit(Event{})
	}
}

func (f *Fitting) setJobStatus(s JobStatus) {
	f.mu.Lock()
	changed := f.jobStatus != s
	f.jobStatus = s
	f.mu.Unlock()
	if changed {
		f.emit(Event{})
	}
}

// Status returns the fit and job states.
func (f *Fitting) Status() (FitStatus, JobStatus) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.fitStatus, f.jobStatus
}

// RW returns the goodness of fit after the latest step.
func (f *Fitting) RW() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.rw
}

// Result returns the residual report of the last converged run.
func (f *Fitting) Result() string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.res
}

// Step returns the number of steps of the current run.
func (f *Fitting) Step() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.step
}

// View runs fn while the worker is kept from mutating the fit.
func (f *Fitting) View(fn func()) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	fn()
}

// UpdateParameters reconciles Parameters with the constraints of every phase
// and dataset. New indices are added with their guessed initial values,
// unused ones are dropped and the rest are left alone.
func (f *Fitting) UpdateParameters() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateParametersLocked()
}

func (f *Fitting) updateParametersLocked() error {
	found := parameter.Set{}
	add := func(pars parameter.Set) {
		for idx, par := range pars {
			if _, ok := found[idx]; !ok {
				found[idx] = par
			}
		}
	}
	for _, p := range f.Phases {
		pars, err := p.FindParameters()
		if err != nil {
			return err
		}
		add(pars)
	}
	for _, d := range f.Datasets {
		pars, err := d.FindParameters()
		if err != nil {
			return err
		}
		add(pars)
	}
	if f.Parameters == nil {
		f.Parameters = parameter.Set{}
	}
	for idx := range f.Parameters {
		if _, ok := found[idx]; !ok {
			delete(f.Parameters, idx)
		}
	}
	for idx, par := range found {
		if _, ok := f.Parameters[idx]; !ok {
			f.Parameters[idx] = par
		}
	}
	return nil
}

// selfLookup answers links to the fit itself from the parameters already
// held under f.mu and defers everything else to the project.
type selfLookup struct{ f *Fitting }

func (l selfLookup) FitParameters(fit string) (parameter.Set, bool) {
	if fit == l.f.Name {
		return l.f.Parameters, true
	}
	if l.f.Lookup == nil {
		return nil, false
	}
	return l.f.Lookup.FitParameters(fit)
}

// initialValues resolves every parameter's initial value.
func (f *Fitting) initialValues() (map[int]float64, error) {
	values := make(map[int]float64, len(f.Parameters))
	for idx, par := range f.Parameters {
		v, err := par.InitialValue(selfLookup{f})
		if err != nil {
			return nil, err
		}
		values[idx] = v
	}
	return values, nil
}

// ApplyParameters evaluates all constraints with the initial parameter
// values and stores the results in the phases and datasets.
func (f *Fitting) ApplyParameters() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.applyParametersLocked()
}

func (f *Fitting) applyParametersLocked() error {
	values, err := f.initialValues()
	if err != nil {
		return err
	}
	for _, p := range f.Phases {
		if err := p.ApplyParameters(values); err != nil {
			return err
		}
	}
	for _, d := range f.Datasets {
		if err := d.ApplyParameters(values); err != nil {
			return err
		}
	}
	return nil
}

// ChangeParameterIndex rewrites @old to @new in every formula of the fit.
// Links from other fits are the project's business.
func (f *Fitting) ChangeParameterIndex(old, new int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.Phases {
		if err := p.ChangeParameterIndex(old, new); err != nil {
			return err
		}
	}
	for _, d := range f.Datasets {
		if err := d.ChangeParameterIndex(old, new); err != nil {
			return err
		}
	}
	return nil
}

// RetargetLinks rewrites parameters linked to oldFit:oldIdx so they point at
// newFit:newIdx. A negative oldIdx matches every index and a negative newIdx
// keeps it. It returns the number of rewritten links.
func (f *Fitting) RetargetLinks(oldFit string, oldIdx int, newFit string, newIdx int) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, par := range f.Parameters {
		if par.RetargetLink(oldFit, oldIdx, newFit, newIdx) {
			n++
		}
	}
	return n
}

// ApplySymmetryConstraints installs symmetry constraints on the selected
// atoms of the named phase. The new parameters are added to the fit with the
// values taken from the structure.
func (f *Fitting) ApplySymmetryConstraints(phaseName string, sgName string, indices []int, posFlag, uFlag bool, offset [3]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, err := f.phaseLocked(phaseName)
	if err != nil {
		return err
	}
	sg, err := p.SpaceGroup(sgName)
	if err != nil {
		return err
	}
	used := func() ([]int, error) {
		if err := f.updateParametersLocked(); err != nil {
			return nil, err
		}
		return f.Parameters.Indices(), nil
	}
	values, err := p.ApplySymmetryConstraints(sg, indices, posFlag, uFlag, offset, used)
	if err != nil {
		return err
	}
	if err := f.updateParametersLocked(); err != nil {
		return err
	}
	for idx, v := range values {
		if par, ok := f.Parameters[idx]; ok {
			par.SetInitialValue(v)
		}
	}
	return nil
}

// Queue moves the job between VOID and QUEUED. Other states are left alone.
func (f *Fitting) Queue(enter bool) {
	f.mu.Lock()
	changed := false
	switch {
	case enter && f.jobStatus == Void:
		f.jobStatus, changed = Queued, true
	case !enter && f.jobStatus == Queued:
		f.jobStatus, changed = Void, true
	}
	f.mu.Unlock()
	if changed {
		f.emit(Event{})
	}
}

// getServer allocates a fresh engine when the fit is INITIALIZED.
func (f *Fitting) getServer(ctx context.Context) error {
	f.mu.Lock()
	if f.fitStatus != Initialized {
		f.mu.Unlock()
		return nil
	}
	old := f.eng
	f.eng = nil
	factory := f.Engine
	f.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	if factory == nil {
		return controlerr.Config("Fitting '%s' has no engine configured", f.Name)
	}
	eng, err := factory(ctx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.eng = eng
	f.fitStatus = Connected
	f.mu.Unlock()
	f.emit(Event{})
	return nil
}

// configure uploads phases, datasets and parameters in the order the engine
// requires. It only acts when the fit is CONNECTED.
func (f *Fitting) configure(ctx context.Context) error {
	f.mu.Lock()
	if f.fitStatus != Connected {
		f.mu.Unlock()
		return nil
	}
	err := f.configureLocked(ctx)
	if err == nil {
		f.fitStatus = Configured
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}
	f.emit(Event{})
	return nil
}

func (f *Fitting) configureLocked(ctx context.Context) error {
	if err := f.updateParametersLocked(); err != nil {
		return err
	}
	eng := f.eng
	if err := eng.Reset(ctx); err != nil {
		return err
	}
	for _, p := range f.Phases {
		p.ClearRefined()
		if err := eng.ReadStructString(ctx, p.Initial.WriteString()); err != nil {
			return err
		}
		for _, v := range p.SortedVars() {
			if err := eng.Constrain(ctx, v, p.Constraints[v].Formula()); err != nil {
				return err
			}
		}
	}
	for _, d := range f.Datasets {
		d.ClearRefined()
		if err := eng.ReadDataString(ctx, d.WriteResampledObsString(), d.Stype, d.Qmax, d.Qdamp); err != nil {
			return err
		}
		if err := eng.SetVar(ctx, "qbroad", d.Qbroad); err != nil {
			return err
		}
		for _, v := range d.SortedVars() {
			if err := eng.Constrain(ctx, v, d.Constraints[v].Formula()); err != nil {
				return err
			}
		}
		// pair selection acts on the current dataset only
		for i, p := range f.Phases {
			if err := p.ApplyPairSelection(ctx, eng, i+1); err != nil {
				return err
			}
		}
	}
	for _, idx := range f.Parameters.Indices() {
		par := f.Parameters[idx]
		par.Refined = nil
		v, err := par.InitialValue(selfLookup{f})
		if err != nil {
			return err
		}
		if err := eng.SetPar(ctx, idx, v); err != nil {
			return err
		}
		// all parameters are free after reset
		if par.Fixed {
			if err := eng.FixPar(ctx, idx); err != nil {
				return err
			}
		}
	}
	f.buildNameDictLocked()
	return nil
}

// buildNameDictLocked lays out the snapshot columns: per dataset its
// constrained variables plus Gcalc and crw, per phase its constrained
// variables, then rw and one column per parameter.
func (f *Fitting) buildNameDictLocked() {
	f.itemIndex = 0
	dict := map[string]map[string]int{}
	next := func(id, name string) {
		if dict[id] == nil {
			dict[id] = map[string]int{}
		}
		dict[id][name] = f.itemIndex
		f.itemIndex++
	}
	for _, d := range f.Datasets {
		for _, v := range append(d.SortedVars(), "Gcalc", "crw") {
			next(d.ID(), v)
		}
	}
	for _, p := range f.Phases {
		dict[p.ID()] = map[string]int{}
		for _, v := range p.SortedVars() {
			next(p.ID(), v)
		}
	}
	next(f.ID(), "rw")
	for _, idx := range f.Parameters.Indices() {
		next(f.ID(), ParameterColumn(idx))
	}
	f.nameDict = dict
}

// appendStepLocked records the current engine state as a snapshot.
func (f *Fitting) appendStepLocked(ctx context.Context) error {
	eng := f.eng
	snap := make(Snapshot, f.itemIndex)
	for i, d := range f.Datasets {
		cols := f.nameDict[d.ID()]
		if err := eng.SetData(ctx, i+1); err != nil {
			return err
		}
		for _, v := range d.SortedVars() {
			x, err := eng.GetVar(ctx, v)
			if err != nil {
				return err
			}
			snap[cols[v]].Value = x
		}
		snap[cols["Gcalc"]].Curve = append([]float64{}, d.Gcalc()...)
		snap[cols["crw"]].Curve = append([]float64{}, d.CRW()...)
	}
	for i, p := range f.Phases {
		cols := f.nameDict[p.ID()]
		if err := eng.SetPhase(ctx, i+1); err != nil {
			return err
		}
		for _, v := range p.SortedVars() {
			x, err := eng.GetVar(ctx, v)
			if err != nil {
				return err
			}
			snap[cols[v]].Value = x
		}
	}
	cols := f.nameDict[f.ID()]
	snap[cols["rw"]].Value = f.rw
	for _, idx := range f.Parameters.Indices() {
		x, err := eng.GetPar(ctx, idx)
		if err != nil {
			return err
		}
		snap[cols[ParameterColumn(idx)]].Value = x
	}
	f.snapshots = append(f.snapshots, snap)
	return nil
}

// refineStep runs one engine iteration and pulls the results back. It
// reports true once the refinement has converged.
func (f *Fitting) refineStep(ctx context.Context) (bool, error) {
	f.mu.RLock()
	status, eng, tol := f.fitStatus, f.eng, f.Tolerance
	f.mu.RUnlock()
	if status == Done {
		return true, nil
	}
	finished, err := eng.RefineStep(ctx, tol)
	if err != nil {
		return false, err
	}

	f.mu.Lock()
	finished, err = f.collectStepLocked(ctx, finished)
	step, rw := f.step, f.rw
	f.mu.Unlock()
	if err != nil {
		return false, err
	}
	logging.LogRefineStep(f.log(), f.Name, step, rw, finished)
	f.emit(Event{Step: step, RW: rw, Refined: true})
	return finished, nil
}

func (f *Fitting) collectStepLocked(ctx context.Context, finished bool) (bool, error) {
	eng := f.eng
	for i, d := range f.Datasets {
		if err := d.ObtainRefined(ctx, eng, i+1); err != nil {
			return false, err
		}
	}
	for i, p := range f.Phases {
		if err := p.ObtainRefined(ctx, eng, i+1); err != nil {
			return false, err
		}
	}
	for _, idx := range f.Parameters.Indices() {
		v, err := eng.GetPar(ctx, idx)
		if err != nil {
			return false, err
		}
		f.Parameters[idx].SetRefined(v)
	}
	rw, err := eng.GetRW(ctx)
	if err != nil {
		return false, err
	}
	f.rw = rw
	f.step++
	if err := f.appendStepLocked(ctx); err != nil {
		return false, err
	}
	if f.MaxSteps > 0 && f.step >= f.MaxSteps {
		finished = true
	}
	if finished {
		report, err := eng.SaveResString(ctx)
		if err != nil {
			return false, err
		}
		f.res = "* " + time.Now().Format(time.ANSIC) + "\n\n" + report
		f.fitStatus = Done
	}
	return finished, nil
}

// resetStatus discards the step history and forces a fresh engine on the
// next run.
func (f *Fitting) resetStatus() {
	f.mu.Lock()
	f.snapshots = nil
	f.step = 0
	f.mu.Unlock()
	f.setFitStatus(Initialized)
}

// release closes the engine of the fit.
func (f *Fitting) release() {
	f.mu.Lock()
	eng := f.eng
	f.eng = nil
	if f.fitStatus == Connected || f.fitStatus == Configured {
		f.fitStatus = Initialized
	}
	f.mu.Unlock()
	if eng != nil {
		if err := eng.Close(); err != nil {
			f.log().Warn("engine close failed", "fit", f.Name, "error", err)
		}
	}
}
