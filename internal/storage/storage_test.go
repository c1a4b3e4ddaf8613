package storage

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTemp(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "j1", Kind: "refine", Fit: "fit1", Status: "queued", OptionsJSON: "{}"}))
	require.NoError(t, s.RecordJobStart("j1"))
	require.NoError(t, s.RecordStep(StepRecord{JobID: "j1", Fit: "fit1", Step: 1, RW: 0.5}))
	require.NoError(t, s.RecordStep(StepRecord{JobID: "j1", Fit: "fit1", Step: 2, RW: 0.25}))
	require.NoError(t, s.RecordJobResult("j1", "completed", map[string]any{"rw": 0.25}, ""))

	recs, err := s.RecentJobs(10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "completed", recs[0].Status)
	assert.Equal(t, "fit1", recs[0].Fit)
	assert.NotNil(t, recs[0].StartedAt)
	assert.NotNil(t, recs[0].CompletedAt)

	steps, err := s.StepHistory("j1")
	require.NoError(t, err)
	require.Len(t, steps, 2)
	assert.Equal(t, 2, steps[1].Step)
	assert.Equal(t, 0.25, steps[1].RW)

	meta, err := s.JobMeta("j1")
	require.NoError(t, err)
	assert.Equal(t, 0.25, meta["rw"])
}

func TestDequeuedOnlyWhenQueued(t *testing.T) {
	s := openTemp(t)
	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "a", Kind: "refine", Fit: "f", Status: "queued"}))
	require.NoError(t, s.RecordJobQueued(JobRecord{ID: "b", Kind: "refine", Fit: "g", Status: "queued"}))
	require.NoError(t, s.RecordJobStart("b"))
	require.NoError(t, s.RecordJobDequeued("a"))
	require.NoError(t, s.RecordJobDequeued("b"))

	recs, err := s.RecentJobs(10)
	require.NoError(t, err)
	status := map[string]string{}
	for _, r := range recs {
		status[r.ID] = r.Status
	}
	assert.Equal(t, map[string]string{"a": "dequeued", "b": "running"}, status)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := Open("postgres", filepath.Join(t.TempDir(), "x.db"))
	assert.Error(t, err)
}

func TestNilStoreIsNoop(t *testing.T) {
	var s *Store
	assert.NoError(t, s.RecordJobQueued(JobRecord{ID: "x"}))
	assert.NoError(t, s.RecordStep(StepRecord{JobID: "x"}))
	assert.NoError(t, s.Close())
	_, err := s.RecentJobs(1)
	assert.Error(t, err)
}
