package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfctl/internal/constraint"
	"pdfctl/internal/dataset"
	"pdfctl/internal/engine/enginetest"
	"pdfctl/internal/phase"
	"pdfctl/internal/project"
	"pdfctl/internal/storage"
	"pdfctl/internal/structure"
)

func obsText() string {
	var b strings.Builder
	b.WriteString("# PDFgetN\nqmax=25.0\n##### start data\n#L r(A) G(r) d_r d_Gr\n")
	for i := 10; i <= 30; i++ {
		fmt.Fprintf(&b, "%g %g 0 0\n", float64(i)/10, float64(i)/10)
	}
	return b.String()
}

type fixture struct {
	proj  *project.Project
	store *storage.Store
	rec   *enginetest.Recorder
	srv   *httptest.Server
}

func newFixture(t *testing.T, rec *enginetest.Recorder) *fixture {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	proj := project.New(context.Background(), project.Options{
		Engine:       rec.Factory(),
		PollInterval: 10 * time.Millisecond,
		Store:        store,
	})
	t.Cleanup(proj.Exit)

	f, err := proj.NewFitting("fit1", -1)
	require.NoError(t, err)
	ph := phase.New("Ni")
	ph.Initial.Lattice = structure.Lattice{A: 3.52, B: 3.52, C: 3.52, Alpha: 90, Beta: 90, Gamma: 90}
	ph.Initial.Atoms = append(ph.Initial.Atoms, structure.NewAtom("Ni", 0, 0, 0))
	ph.Constraints["lat(1)"] = constraint.MustNew("@1")
	d := dataset.New("ni300")
	require.NoError(t, d.ReadString(obsText()))
	require.NoError(t, f.Add(ph, -1))
	require.NoError(t, f.Add(d, -1))
	require.NoError(t, f.UpdateParameters())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	s := NewServer("", store, proj, nil)
	srv := httptest.NewServer(s.Handler(ctx))
	t.Cleanup(srv.Close)
	return &fixture{proj: proj, store: store, rec: rec, srv: srv}
}

func (fx *fixture) get(t *testing.T, path string, v any) int {
	t.Helper()
	resp, err := http.Get(fx.srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func (fx *fixture) post(t *testing.T, path string) int {
	t.Helper()
	resp, err := http.Post(fx.srv.URL+path, "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (fx *fixture) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, fx.proj.Wait(ctx))
}

func TestHealthAndFitListing(t *testing.T) {
	fx := newFixture(t, enginetest.New())

	resp, err := http.Get(fx.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var fits []FitSummary
	assert.Equal(t, http.StatusOK, fx.get(t, "/fits", &fits))
	require.Len(t, fits, 1)
	assert.Equal(t, "fit1", fits[0].Name)
	assert.Equal(t, "void", fits[0].JobStatus)

	var detail FitDetail
	assert.Equal(t, http.StatusOK, fx.get(t, "/fits/fit1", &detail))
	assert.Equal(t, []string{"Ni"}, detail.Phases)
	assert.Equal(t, []string{"ni300"}, detail.Datasets)

	var e map[string]string
	assert.Equal(t, http.StatusNotFound, fx.get(t, "/fits/nope", &e))
	assert.Contains(t, e["error"], "nope")
	assert.Equal(t, http.StatusNotFound, fx.post(t, "/fits/nope/run"))
}

func TestRunRecordsJobAndSnapshots(t *testing.T) {
	rec := enginetest.New()
	rec.ConvergeAfter = 2
	fx := newFixture(t, rec)

	assert.Equal(t, http.StatusAccepted, fx.post(t, "/fits/fit1/run"))
	fx.wait(t)

	var pars []ParameterView
	assert.Equal(t, http.StatusOK, fx.get(t, "/fits/fit1/parameters", &pars))
	require.Len(t, pars, 1)
	assert.Equal(t, 1, pars[0].Index)
	assert.NotNil(t, pars[0].Refined)

	var rows []map[string]any
	assert.Equal(t, http.StatusOK, fx.get(t, "/fits/fit1/snapshots", &rows))
	require.Len(t, rows, 2)
	assert.Contains(t, rows[1], "rw")
	assert.Contains(t, rows[1], "@1")

	var rw []any
	assert.Equal(t, http.StatusOK, fx.get(t, "/fits/fit1/snapshots?column=rw", &rw))
	assert.Len(t, rw, 2)
	assert.Equal(t, http.StatusNotFound, fx.get(t, "/fits/fit1/snapshots?entity=p_Zr", nil))

	var jobs []storage.JobRecord
	assert.Equal(t, http.StatusOK, fx.get(t, "/jobs", &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "fit1", jobs[0].Fit)
	assert.Equal(t, "completed", jobs[0].Status)

	var steps []storage.StepRecord
	assert.Equal(t, http.StatusOK, fx.get(t, "/jobs/"+jobs[0].ID+"/steps", &steps))
	assert.Len(t, steps, 2)

	var meta map[string]any
	assert.Equal(t, http.StatusOK, fx.get(t, "/jobs/"+jobs[0].ID, &meta))
	assert.EqualValues(t, 2, meta["steps"])
	assert.Equal(t, http.StatusNotFound, fx.get(t, "/jobs/no-such-job", nil))

	assert.Equal(t, http.StatusBadRequest, fx.get(t, "/jobs?limit=x", nil))
}

func TestRunUnknownCalculation(t *testing.T) {
	fx := newFixture(t, enginetest.New())
	assert.Equal(t, http.StatusNotFound, fx.post(t, "/fits/fit1/run?calculation=nope"))
}

func TestMetricsEndpoint(t *testing.T) {
	fx := newFixture(t, enginetest.New())
	assert.Equal(t, http.StatusAccepted, fx.post(t, "/fits/fit1/run"))
	fx.wait(t)

	resp, err := http.Get(fx.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `pdfctl_queue_jobs_finished_total{kind="refine",status="completed"}`)
}

func TestWebSocketStreamsSteps(t *testing.T) {
	rec := enginetest.New()
	rec.ConvergeAfter = 1000
	rec.Gate = make(chan struct{})
	fx := newFixture(t, rec)

	url := "ws" + strings.TrimPrefix(fx.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, http.StatusAccepted, fx.post(t, "/fits/fit1/run"))
	done := make(chan struct{})
	defer close(done)
	go func() {
		for {
			select {
			case <-done:
				return
			case rec.Gate <- struct{}{}:
				time.Sleep(20 * time.Millisecond)
			}
		}
	}()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var msg stepMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Refined {
			assert.Equal(t, "fit1", msg.Fit)
			assert.Positive(t, msg.Step)
			break
		}
	}

	assert.Equal(t, http.StatusOK, fx.post(t, "/fits/fit1/stop"))
	fx.wait(t)
}
