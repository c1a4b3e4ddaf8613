package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"pdfctl/internal/logging"
	"pdfctl/internal/storage"
)

// JobKind enumerates supported job categories.
type JobKind string

const (
	JobRefine    JobKind = "refine"
	JobCalculate JobKind = "calculate"
)

// DefaultPollInterval is how often the worker looks at the queue head when
// nothing wakes it.
const DefaultPollInterval = time.Second

// ErrQueueFull is returned by Submit when the queue holds its maximum.
var ErrQueueFull = errors.New("job queue is full")

// Job represents a single refinement or calculation request.
type Job struct {
	ID      string         `json:"id"`
	Kind    JobKind        `json:"kind"`
	Fit     string         `json:"fit"`
	Target  string         `json:"target,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job            `json:"job"`
	Error error          `json:"-"`
	Meta  map[string]any `json:"meta,omitempty"`
}

// MarshalJSON renders the error as text.
func (r Result) MarshalJSON() ([]byte, error) {
	type plain Result
	return json.Marshal(struct {
		plain
		Error string `json:"error,omitempty"`
	}{plain(r), errString(r.Error)})
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Options configures a Pipeline.
type Options struct {
	PollInterval time.Duration
	QueueSize    int
	Store        *storage.Store
	// Fits resolves the fit a job names. It backs the default processor.
	Fits FitSource
	// Processor replaces the default fit router.
	Processor Processor
}

// Pipeline is a FIFO job queue served by a single worker. A job runs to
// completion before the next one is taken, and a failed job never stops
// the queue.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	store     *storage.Store
	poll      time.Duration
	maxQueue  int

	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	wake      chan struct{}

	mu        sync.Mutex
	queue     []Job
	current   *Job
	subs      map[int]chan Result
	nextSubID int
}

// New creates a Pipeline and starts its worker.
func New(ctx context.Context, logger *slog.Logger, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		processor: opts.Processor,
		log:       logger,
		store:     opts.Store,
		poll:      opts.PollInterval,
		maxQueue:  opts.QueueSize,
		cancel:    cancel,
		wake:      make(chan struct{}, 1),
		subs:      make(map[int]chan Result),
	}
	if p.processor == nil {
		p.processor = newRouter(logger, opts.Fits)
	}

	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.worker(ctx)
	})
	return p
}

// Submit appends a job to the queue. A refine job for a fit that is already
// waiting is dropped and reported with ok false.
func (p *Pipeline) Submit(job Job) (Job, bool, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	p.mu.Lock()
	if job.Kind == JobRefine && p.indexLocked(job.Fit) >= 0 {
		p.mu.Unlock()
		return job, false, nil
	}
	if p.maxQueue > 0 && len(p.queue) >= p.maxQueue {
		p.mu.Unlock()
		return job, false, ErrQueueFull
	}
	// the queued row must exist before the worker can start the job
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		if err := p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			Kind:        string(job.Kind),
			Fit:         job.Fit,
			Target:      job.Target,
			Status:      "queued",
			OptionsJSON: string(optsJSON),
		}); err != nil {
			p.log.Warn("failed to record queued job", "job", job.ID, "error", err)
		}
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()

	jobsQueued.WithLabelValues(string(job.Kind)).Inc()
	p.notify()
	return job, true, nil
}

// Remove takes the waiting refine job of fit out of the queue.
func (p *Pipeline) Remove(fit string) (Job, bool) {
	p.mu.Lock()
	i := p.indexLocked(fit)
	if i < 0 {
		p.mu.Unlock()
		return Job{}, false
	}
	job := p.queue[i]
	p.queue = slices.Delete(p.queue, i, i+1)
	p.mu.Unlock()
	if p.store != nil {
		_ = p.store.RecordJobDequeued(job.ID)
	}
	jobsCompleted.WithLabelValues(string(job.Kind), "dequeued").Inc()
	return job, true
}

func (p *Pipeline) indexLocked(fit string) int {
	return slices.IndexFunc(p.queue, func(j Job) bool { return j.Kind == JobRefine && j.Fit == fit })
}

// RenameFit points the waiting and running jobs of fit old at fit new.
func (p *Pipeline) RenameFit(old, new string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.queue {
		if p.queue[i].Fit == old {
			p.queue[i].Fit = new
		}
	}
	if p.current != nil && p.current.Fit == old {
		p.current.Fit = new
	}
}

// Queued reports whether a refine job for fit is waiting.
func (p *Pipeline) Queued(fit string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.indexLocked(fit) >= 0
}

// Pending returns the waiting jobs in order.
func (p *Pipeline) Pending() []Job {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Job(nil), p.queue...)
}

// Current returns the job being processed.
func (p *Pipeline) Current() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Job{}, false
	}
	return *p.current, true
}

// RecordStep stores a refinement step of fit against the running job.
func (p *Pipeline) RecordStep(fit string, step int, rw float64) {
	refinementSteps.Inc()
	cur, ok := p.Current()
	if !ok || cur.Fit != fit || p.store == nil {
		return
	}
	if err := p.store.RecordStep(storage.StepRecord{JobID: cur.ID, Fit: fit, Step: step, RW: rw}); err != nil {
		p.log.Warn("failed to record refinement step", "job", cur.ID, "error", err)
	}
}

func (p *Pipeline) notify() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Stop signals the worker to exit and waits for it.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) next() (Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return Job{}, false
	}
	job := p.queue[0]
	p.queue = p.queue[1:]
	p.current = &job
	return job, true
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()
	for {
		for {
			if ctx.Err() != nil {
				return
			}
			job, ok := p.next()
			if !ok {
				break
			}
			p.process(ctx, job)
		}
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-ticker.C:
		}
	}
}

func (p *Pipeline) process(ctx context.Context, job Job) {
	start := time.Now()
	logging.LogJobStart(p.log, string(job.Kind), job.ID, job.Fit, job.Options)
	if p.store != nil {
		_ = p.store.RecordJobStart(job.ID)
	}
	res := p.processor.Process(ctx, job)
	res.Job = job
	duration := time.Since(start)
	jobDuration.WithLabelValues(string(job.Kind)).Observe(duration.Seconds())

	status := "completed"
	if res.Error != nil {
		status = "failed"
		logging.LogJobError(p.log, string(job.Kind), job.ID, duration, res.Error, map[string]any{
			"fit":     job.Fit,
			"target":  job.Target,
			"options": job.Options,
		})
	} else {
		logging.LogJobComplete(p.log, string(job.Kind), job.ID, duration, res.Meta)
	}
	jobsCompleted.WithLabelValues(string(job.Kind), status).Inc()
	if p.store != nil {
		_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
	}

	p.mu.Lock()
	p.current = nil
	p.mu.Unlock()
	p.broadcast(res)
}

// Subscribe returns a channel for receiving job results and an unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Result, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Result, 8)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func (p *Pipeline) broadcast(res Result) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- res:
		default:
			p.log.Warn("result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}
