// Package project holds the fits of one refinement project, runs them
// through a single job queue and stores them in a project archive.
package project

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"pdfctl/internal/controlerr"
	"pdfctl/internal/engine"
	"pdfctl/internal/fitting"
	"pdfctl/internal/parameter"
	"pdfctl/internal/pipeline"
	"pdfctl/internal/storage"
)

// Options configures a Project.
type Options struct {
	Engine       engine.Factory
	Log          *slog.Logger
	Tolerance    float64
	MaxSteps     int
	PollInterval time.Duration
	QueueSize    int
	Store        *storage.Store
}

// Project owns an ordered list of uniquely named fits.
//
// Structural edits go through mu. Fits look up link targets through an
// immutable name index so that a fit holding its own lock never waits on
// the project.
type Project struct {
	opts Options
	log  *slog.Logger
	pipe *pipeline.Pipeline

	mu       sync.Mutex
	fits     []*fitting.Fitting
	journal  string
	projfile string
	attached map[*fitting.Fitting]bool

	index     atomic.Pointer[map[string]*fitting.Fitting]
	listeners atomic.Pointer[[]func(fitting.Event)]
}

// New returns an empty project and starts its queue.
func New(ctx context.Context, opts Options) *Project {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	p := &Project{
		opts:     opts,
		log:      opts.Log,
		attached: map[*fitting.Fitting]bool{},
	}
	p.publishLocked()
	p.pipe = pipeline.New(ctx, opts.Log, pipeline.Options{
		PollInterval: opts.PollInterval,
		QueueSize:    opts.QueueSize,
		Store:        opts.Store,
		Fits:         p.runner,
	})
	return p
}

// Pipeline exposes the job queue for observers.
func (p *Project) Pipeline() *pipeline.Pipeline { return p.pipe }

func (p *Project) runner(name string) (pipeline.FitRunner, error) {
	return p.Fit(name)
}

// publishLocked rebuilds the name index read by FitParameters.
func (p *Project) publishLocked() {
	idx := make(map[string]*fitting.Fitting, len(p.fits))
	for _, f := range p.fits {
		idx[f.Name] = f
	}
	p.index.Store(&idx)
}

// FitParameters resolves parameter links to other fits.
func (p *Project) FitParameters(name string) (parameter.Set, bool) {
	f, ok := (*p.index.Load())[name]
	if !ok {
		return nil, false
	}
	return f.ParameterSet(), true
}

// OnEvent registers fn for the events of every fit in the project.
func (p *Project) OnEvent(fn func(fitting.Event)) {
	for {
		old := p.listeners.Load()
		var next []func(fitting.Event)
		if old != nil {
			next = append(next, *old...)
		}
		next = append(next, fn)
		if p.listeners.CompareAndSwap(old, &next) {
			return
		}
	}
}

func (p *Project) onFitEvent(ev fitting.Event) {
	if ev.Refined {
		p.pipe.RecordStep(ev.Fit, ev.Step, ev.RW)
	}
	if ls := p.listeners.Load(); ls != nil {
		for _, fn := range *ls {
			fn(ev)
		}
	}
}

// attachLocked wires a fit to the project's engine, links and events.
func (p *Project) attachLocked(f *fitting.Fitting) {
	f.Lookup = p
	if p.opts.Engine != nil {
		f.Engine = p.opts.Engine
	}
	f.Log = p.log
	f.MaxSteps = p.opts.MaxSteps
	if p.opts.Tolerance > 0 {
		f.Tolerance = p.opts.Tolerance
	}
	if !p.attached[f] {
		p.attached[f] = true
		f.OnEvent(p.onFitEvent)
	}
}

func (p *Project) findLocked(name string) int {
	return slices.IndexFunc(p.fits, func(f *fitting.Fitting) bool { return f.Name == name })
}

// NewFitting inserts an empty fit named name at pos. A negative pos appends.
func (p *Project) NewFitting(name string, pos int) (*fitting.Fitting, error) {
	f := fitting.New(name)
	if err := p.Add(f, pos); err != nil {
		return nil, err
	}
	return f, nil
}

// Add inserts f at pos. A negative pos appends.
func (p *Project) Add(f *fitting.Fitting, pos int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if f == nil {
		return controlerr.Type("Can't add nil fitting to project")
	}
	if p.findLocked(f.Name) >= 0 {
		return controlerr.Key("'%s' already exists", f.Name)
	}
	p.attachLocked(f)
	if pos < 0 || pos > len(p.fits) {
		pos = len(p.fits)
	}
	p.fits = slices.Insert(p.fits, pos, f)
	p.publishLocked()
	return nil
}

// Fits returns the fits in order.
func (p *Project) Fits() []*fitting.Fitting {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*fitting.Fitting(nil), p.fits...)
}

// Fit returns the fit called name.
func (p *Project) Fit(name string) (*fitting.Fitting, error) {
	f, ok := (*p.index.Load())[name]
	if !ok {
		return nil, controlerr.Key("'%s' does not exist", name)
	}
	return f, nil
}

// Index returns the position of the fit called name.
func (p *Project) Index(name string) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.findLocked(name)
	if i < 0 {
		return -1, controlerr.Key("'%s' does not exist", name)
	}
	return i, nil
}

// Remove takes the fit called name out of the project. A running fit is
// stopped first; links pointing at it are left dangling.
func (p *Project) Remove(name string) (*fitting.Fitting, error) {
	p.mu.Lock()
	i := p.findLocked(name)
	if i < 0 {
		p.mu.Unlock()
		return nil, controlerr.Key("'%s' does not exist", name)
	}
	f := p.fits[i]
	p.fits = slices.Delete(p.fits, i, i+1)
	p.publishLocked()
	p.mu.Unlock()

	if _, ok := p.pipe.Remove(name); ok {
		f.Queue(false)
	}
	f.Stop()
	return f, nil
}

// Rename gives a fit a new unique name and moves links pointing at it.
func (p *Project) Rename(name, newName string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.findLocked(name)
	if i < 0 {
		return controlerr.Key("'%s' does not exist", name)
	}
	if name == newName {
		return nil
	}
	if p.findLocked(newName) >= 0 {
		return controlerr.Key("'%s' already exists", newName)
	}
	f := p.fits[i]
	f.SetName(newName)
	p.publishLocked()
	p.pipe.RenameFit(name, newName)
	for _, g := range p.fits {
		g.RetargetLinks(name, -1, newName, -1)
	}
	return nil
}

// Copy returns an unattached duplicate of the fit called name, ready for
// Paste.
func (p *Project) Copy(name string) (*fitting.Fitting, error) {
	f, err := p.Fit(name)
	if err != nil {
		return nil, err
	}
	return f.Copy(f.Name), nil
}

// Paste inserts a fresh copy of dup at pos under newName, or dup's own
// name when newName is empty.
func (p *Project) Paste(dup *fitting.Fitting, newName string, pos int) (*fitting.Fitting, error) {
	if newName == "" {
		newName = dup.Name
	}
	o := dup.Copy(newName)
	if err := p.Add(o, pos); err != nil {
		return nil, err
	}
	return o, nil
}

// ChangeParameterIndex renumbers parameter old of the named fit to new in
// its formulas and in every link other fits hold to it.
func (p *Project) ChangeParameterIndex(name string, old, new int) error {
	f, err := p.Fit(name)
	if err != nil {
		return err
	}
	if err := f.ChangeParameterIndex(old, new); err != nil {
		return err
	}
	for _, g := range p.Fits() {
		g.RetargetLinks(name, old, name, new)
	}
	return nil
}

// Journal returns the free-form project notes.
func (p *Project) Journal() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.journal
}

// SetJournal replaces the project notes.
func (p *Project) SetJournal(s string) {
	p.mu.Lock()
	p.journal = s
	p.mu.Unlock()
}

// ProjectFile returns the path the project was last loaded from or saved to.
func (p *Project) ProjectFile() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.projfile
}

// Close stops every fit and empties the project. Without force it fails
// while a fit is still running.
func (p *Project) Close(force bool) error {
	p.StopAll()
	for _, f := range p.Fits() {
		if err := f.Close(force); err != nil {
			return err
		}
	}
	p.reset()
	return nil
}

func (p *Project) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fits = nil
	p.journal = ""
	p.projfile = ""
	p.publishLocked()
}

// Exit closes the project and shuts its queue down.
func (p *Project) Exit() {
	_ = p.Close(true)
	p.pipe.Stop()
}
