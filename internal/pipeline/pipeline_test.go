package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfctl/internal/storage"
)

// orderProcessor records the jobs it sees and can hold the first one.
type orderProcessor struct {
	mu    sync.Mutex
	seen  []string
	hold  chan struct{}
	fail  map[string]bool
	first sync.Once
}

func (o *orderProcessor) Process(ctx context.Context, job Job) Result {
	o.first.Do(func() {
		if o.hold != nil {
			<-o.hold
		}
	})
	o.mu.Lock()
	o.seen = append(o.seen, job.Fit)
	o.mu.Unlock()
	if o.fail[job.Fit] {
		return Result{Job: job, Error: errors.New("boom")}
	}
	return Result{Job: job, Meta: map[string]any{"fit": job.Fit}}
}

func (o *orderProcessor) Seen() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.seen...)
}

func newTestPipeline(t *testing.T, proc Processor, store *storage.Store) *Pipeline {
	t.Helper()
	p := New(context.Background(), slog.Default(), Options{
		PollInterval: 10 * time.Millisecond,
		Processor:    proc,
		Store:        store,
	})
	t.Cleanup(p.Stop)
	return p
}

func TestFIFOAndErrorsDoNotStopQueue(t *testing.T) {
	proc := &orderProcessor{hold: make(chan struct{}), fail: map[string]bool{"b": true}}
	p := newTestPipeline(t, proc, nil)
	results, unsub := p.Subscribe()
	defer unsub()

	for _, name := range []string{"a", "b", "c"} {
		_, ok, err := p.Submit(Job{Kind: JobRefine, Fit: name})
		require.NoError(t, err)
		require.True(t, ok)
	}
	close(proc.hold)

	var got []Result
	for len(got) < 3 {
		select {
		case r := <-results:
			got = append(got, r)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out, got %d results", len(got))
		}
	}
	assert.Equal(t, []string{"a", "b", "c"}, proc.Seen())
	assert.Error(t, got[1].Error)
	assert.NoError(t, got[2].Error)
}

func TestSubmitDeduplicatesWaitingFits(t *testing.T) {
	proc := &orderProcessor{hold: make(chan struct{})}
	p := newTestPipeline(t, proc, nil)
	defer close(proc.hold)

	_, ok, err := p.Submit(Job{Kind: JobRefine, Fit: "running"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool { _, busy := p.Current(); return busy }, time.Second, 5*time.Millisecond)

	j, ok, _ := p.Submit(Job{Kind: JobRefine, Fit: "x"})
	require.True(t, ok)
	assert.NotEmpty(t, j.ID)
	_, ok, _ = p.Submit(Job{Kind: JobRefine, Fit: "x"})
	assert.False(t, ok)
	assert.True(t, p.Queued("x"))

	removed, ok := p.Remove("x")
	require.True(t, ok)
	assert.Equal(t, j.ID, removed.ID)
	assert.False(t, p.Queued("x"))
	_, ok = p.Remove("x")
	assert.False(t, ok)
	assert.Empty(t, p.Pending())
}

func TestQueueSizeLimit(t *testing.T) {
	proc := &orderProcessor{hold: make(chan struct{})}
	p := New(context.Background(), slog.Default(), Options{PollInterval: 10 * time.Millisecond, Processor: proc, QueueSize: 1})
	defer p.Stop()
	defer close(proc.hold)

	_, _, err := p.Submit(Job{Kind: JobRefine, Fit: "a"})
	require.NoError(t, err)
	require.Eventually(t, func() bool { _, busy := p.Current(); return busy }, time.Second, 5*time.Millisecond)
	_, _, err = p.Submit(Job{Kind: JobRefine, Fit: "b"})
	require.NoError(t, err)
	_, _, err = p.Submit(Job{Kind: JobRefine, Fit: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestJobsAndStepsRecorded(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	var p *Pipeline
	proc := processorFunc(func(ctx context.Context, job Job) Result {
		p.RecordStep(job.Fit, 1, 0.5)
		p.RecordStep("other", 1, 0.9)
		return Result{Job: job, Meta: map[string]any{"rw": 0.5}}
	})
	p = newTestPipeline(t, proc, store)
	results, unsub := p.Subscribe()
	defer unsub()

	job, _, err := p.Submit(Job{Kind: JobRefine, Fit: "fit1"})
	require.NoError(t, err)
	select {
	case <-results:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}

	recs, err := store.RecentJobs(5)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "completed", recs[0].Status)
	steps, err := store.StepHistory(job.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, "fit1", steps[0].Fit)
}

func TestJobRowExistsWhenWorkerStarts(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	var mu sync.Mutex
	seen := map[string]string{}
	proc := processorFunc(func(ctx context.Context, job Job) Result {
		recs, err := store.RecentJobs(50)
		assert.NoError(t, err)
		mu.Lock()
		defer mu.Unlock()
		for _, r := range recs {
			if r.ID == job.ID {
				seen[job.ID] = r.Status
			}
		}
		return Result{Job: job}
	})
	p := newTestPipeline(t, proc, store)

	const n = 20
	for i := 0; i < n; i++ {
		_, ok, err := p.Submit(Job{Kind: JobRefine, Fit: fmt.Sprintf("fit%d", i)})
		require.NoError(t, err)
		require.True(t, ok)
	}
	require.Eventually(t, func() bool {
		_, busy := p.Current()
		return !busy && len(p.Pending()) == 0
	}, 5*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Len(t, seen, n)
	for id, status := range seen {
		assert.Equal(t, "running", status, id)
	}
	mu.Unlock()
	recs, err := store.RecentJobs(50)
	require.NoError(t, err)
	require.Len(t, recs, n)
	for _, r := range recs {
		assert.Equal(t, "completed", r.Status, r.Fit)
	}
}

func TestResultJSONCarriesErrorText(t *testing.T) {
	data, err := Result{Job: Job{ID: "x", Kind: JobRefine, Fit: "f"}, Error: errors.New("bad")}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"job":{"id":"x","kind":"refine","fit":"f"},"error":"bad"}`, string(data))
}

type processorFunc func(ctx context.Context, job Job) Result

func (f processorFunc) Process(ctx context.Context, job Job) Result { return f(ctx, job) }
