package fitting

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfctl/internal/calculation"
	"pdfctl/internal/constraint"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/dataset"
	"pdfctl/internal/engine/enginetest"
	"pdfctl/internal/parameter"
	"pdfctl/internal/phase"
	"pdfctl/internal/structure"
)

func nickel(name string) *phase.Phase {
	p := phase.New(name)
	p.Initial.Lattice = structure.Lattice{A: 3.52, B: 3.52, C: 3.52, Alpha: 90, Beta: 90, Gamma: 90}
	for _, xyz := range [][3]float64{{0, 0, 0}, {0, 0.5, 0.5}} {
		a := structure.NewAtom("Ni", xyz[0], xyz[1], xyz[2])
		a.SetUiso(p.Initial.Lattice, 0.005)
		p.Initial.Atoms = append(p.Initial.Atoms, a)
	}
	return p
}

func obsText(temperature float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# PDFgetN\nqmax=25.0\nqdamp=0.06\nT = %g\n", temperature)
	b.WriteString("##### start data\n#L r(A) G(r) d_r d_Gr\n")
	for i := 10; i <= 30; i++ {
		r := float64(i) / 10
		fmt.Fprintf(&b, "%g %g 0 0\n", r, r)
	}
	return b.String()
}

func observed(t *testing.T, name string) *dataset.Dataset {
	t.Helper()
	d := dataset.New(name)
	require.NoError(t, d.ReadString(obsText(300)))
	return d
}

func cons(t *testing.T, pairs ...string) map[string]*constraint.Constraint {
	t.Helper()
	out := map[string]*constraint.Constraint{}
	for i := 0; i < len(pairs); i += 2 {
		c, err := constraint.New(pairs[i+1])
		require.NoError(t, err)
		out[pairs[i]] = c
	}
	return out
}

func simpleFit(t *testing.T, rec *enginetest.Recorder) *Fitting {
	t.Helper()
	f := New("fit1")
	f.Engine = rec.Factory()
	p := nickel("Ni")
	p.Constraints = cons(t, "lat(1)", "@1")
	d := observed(t, "ni300")
	d.Constraints = cons(t, "qdamp", "@2")
	require.NoError(t, f.Add(p, -1))
	require.NoError(t, f.Add(d, -1))
	return f
}

func TestUpdateParameters(t *testing.T) {
	f := simpleFit(t, enginetest.New())
	f.Parameters[7] = parameter.New(7, 1)
	require.NoError(t, f.UpdateParameters())
	assert.Equal(t, []int{1, 2}, f.Parameters.Indices())
	v, err := f.Parameters[1].InitialValue(nil)
	require.NoError(t, err)
	assert.InDelta(t, 3.52, v, 1e-12)

	// existing parameters keep their settings
	f.Parameters[1].SetInitialValue(3.6)
	f.Parameters[1].Fixed = true
	require.NoError(t, f.UpdateParameters())
	assert.Equal(t, "3.6", f.Parameters[1].InitialString())
	assert.True(t, f.Parameters[1].Fixed)

	require.NoError(t, f.ApplyParameters())
	assert.Equal(t, 3.6, f.Phases[0].Initial.Lattice.A)
}

func TestListenerAddedDuringEvent(t *testing.T) {
	f := New("fit1")
	var first, second []JobStatus
	f.OnEvent(func(ev Event) {
		first = append(first, ev.JobStatus)
		if len(first) == 1 {
			f.OnEvent(func(ev Event) { second = append(second, ev.JobStatus) })
		}
	})

	f.Queue(true)
	f.Queue(false)
	assert.Equal(t, []JobStatus{Queued, Void}, first)
	assert.Equal(t, []JobStatus{Void}, second)
}

func TestRunCallOrder(t *testing.T) {
	rec := enginetest.New()
	rec.Vars = map[string]float64{"qdamp": 0.061}
	f := simpleFit(t, rec)
	var events []Event
	var mu sync.Mutex
	f.OnEvent(func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	})

	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, []string{
		"reset",
		"read_struct_string",
		"constrain lat(1) @1",
		"read_data_string N 25 0.06",
		"setvar qbroad 0",
		"constrain qdamp @2",
		"selectAtomIndex 1 i 1 true",
		"selectAtomIndex 1 j 1 true",
		"selectAtomIndex 1 i 2 true",
		"selectAtomIndex 1 j 2 true",
		"setpar 1 3.52",
		"setpar 2 0.06",
		"refine_step",
		"setdata 1",
		"getpdf_fit",
		"getpdf_diff",
		"getcrw",
		"getvar qdamp",
		"getvar qbroad",
		"getvar dscale",
		"setphase 1",
		"save_struct_string 1",
		"getpar 1",
		"getpar 2",
		"getrw",
		"setdata 1",
		"getvar qdamp",
		"setphase 1",
		"getvar lat(1)",
		"getpar 1",
		"getpar 2",
		"save_res_string",
	}, rec.Calls())
	assert.True(t, rec.Closed())

	fs, js := f.Status()
	assert.Equal(t, Done, fs)
	assert.Equal(t, Void, js)
	assert.Equal(t, 1, f.Step())
	assert.InDelta(t, 0.5, f.RW(), 1e-12)
	assert.True(t, strings.HasPrefix(f.Result(), "* "))
	assert.Contains(t, f.Result(), "refinement finished after 1 steps")
	require.NotNil(t, f.Parameters[1].Refined)
	assert.Equal(t, 3.52, *f.Parameters[1].Refined)

	d := f.Datasets[0]
	assert.Len(t, d.Gcalc(), len(d.Rcalc()))
	assert.Equal(t, 0.061, d.Refined["qdamp"])
	require.NotNil(t, f.Phases[0].Refined)

	v, ok := f.EntityData(d.ID(), "qdamp", -1)
	require.True(t, ok)
	assert.Equal(t, 0.061, v)
	v, ok = f.GetData("@2", -1)
	require.True(t, ok)
	assert.Equal(t, 0.06, v)
	v, ok = f.GetData("temperature", -1)
	require.True(t, ok)
	assert.Equal(t, 300.0, v)
	curve, ok := f.EntityData(d.ID(), "Gcalc", 0)
	require.True(t, ok)
	assert.Len(t, curve, len(d.Rcalc()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, Void, last.JobStatus)
	assert.NoError(t, last.Err)
	var sawStep bool
	for _, ev := range events {
		if ev.Step == 1 && ev.JobStatus == Running {
			sawStep = true
		}
	}
	assert.True(t, sawStep)
}

func TestSnapshotShape(t *testing.T) {
	rec := enginetest.New()
	f := New("shape")
	f.Engine = rec.Factory()
	p := nickel("Ni")
	p.Constraints = cons(t, "lat(1)", "@1", "lat(2)", "@2", "pscale", "@3")
	d1 := observed(t, "d1")
	d1.Constraints = cons(t, "qdamp", "@4", "dscale", "@5")
	d2 := observed(t, "d2")
	d2.Constraints = cons(t, "qdamp", "@4", "qbroad", "@5")
	require.NoError(t, f.Add(p, -1))
	require.NoError(t, f.Add(d1, -1))
	require.NoError(t, f.Add(d2, -1))

	require.NoError(t, f.Run(context.Background()))
	snaps := f.Snapshots()
	require.Len(t, snaps, 1)
	assert.Len(t, snaps[0], 2*(2+2)+3+(1+5))

	cols := f.Columns()
	assert.Equal(t, map[string]int{"dscale": 0, "qdamp": 1, "Gcalc": 2, "crw": 3}, cols["d_d1"])
	assert.Equal(t, map[string]int{"qbroad": 4, "qdamp": 5, "Gcalc": 6, "crw": 7}, cols["d_d2"])
	assert.Equal(t, map[string]int{"lat(1)": 8, "lat(2)": 9, "pscale": 10}, cols["p_Ni"])
	assert.Equal(t, 11, cols["f_shape"]["rw"])
	assert.Equal(t, 16, cols["f_shape"]["@5"])
	assert.Equal(t, []string{"@1", "@2", "@3", "@4", "@5", "rw"}, f.YNames())
}

func TestRunSeveralSteps(t *testing.T) {
	rec := enginetest.New()
	rec.ConvergeAfter = 3
	rec.RW = []float64{0.4, 0.2, 0.1}
	rec.OnRefine = func(step int, r *enginetest.Recorder) {
		r.Pars[1] = 3.5 + float64(step)/100
	}
	f := simpleFit(t, rec)
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, 3, f.Step())
	assert.Equal(t, 0.1, f.RW())

	hist, ok := f.EntityHistory(f.ID(), "rw", nil)
	require.True(t, ok)
	assert.Equal(t, []any{0.4, 0.2, 0.1}, hist)
	hist, ok = f.EntityHistory("d_ni300", "@1", []int{0, -1})
	require.True(t, ok)
	require.Len(t, hist, 2)
	assert.InDelta(t, 3.51, hist[0], 1e-12)
	assert.InDelta(t, 3.53, hist[1], 1e-12)
	_, ok = f.EntityHistory(f.ID(), "nope", nil)
	assert.False(t, ok)
	_, ok = f.EntityData(f.ID(), "rw", 3)
	assert.False(t, ok)
	assert.Len(t, rec.CallsWithPrefix("refine_step"), 3)
}

func TestMaxSteps(t *testing.T) {
	rec := enginetest.New()
	rec.ConvergeAfter = 100
	f := simpleFit(t, rec)
	f.MaxSteps = 2
	require.NoError(t, f.Run(context.Background()))
	assert.Equal(t, 2, f.Step())
	fs, _ := f.Status()
	assert.Equal(t, Done, fs)
}

func TestEngineFailure(t *testing.T) {
	rec := enginetest.New()
	rec.Fail = map[string]error{"refine_step": controlerr.Engine("calculationError", "singular matrix")}
	f := simpleFit(t, rec)
	err := f.Run(context.Background())
	require.Error(t, err)
	assert.True(t, controlerr.IsEngine(err))
	assert.Contains(t, err.Error(), "degeneracy in fit parameters")
	fs, js := f.Status()
	assert.Equal(t, Initialized, fs)
	assert.Equal(t, Void, js)
	assert.True(t, rec.Closed())
	assert.Equal(t, err, f.Err())
}

func TestControlErrorBeforeEngine(t *testing.T) {
	rec := enginetest.New()
	f := simpleFit(t, rec)
	require.NoError(t, f.UpdateParameters())
	require.NoError(t, f.Parameters[1].SetInitial("=missing:1"))
	err := f.Run(context.Background())
	require.ErrorIs(t, err, controlerr.ErrKey)
	assert.Empty(t, rec.CallsWithPrefix("refine_step"))
	assert.Empty(t, rec.CallsWithPrefix("setpar"))
}

func TestNoEngine(t *testing.T) {
	f := simpleFit(t, enginetest.New())
	f.Engine = nil
	err := f.Run(context.Background())
	require.ErrorIs(t, err, controlerr.ErrConfig)
}

func waitConfigured(t *testing.T, rec *enginetest.Recorder) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(rec.CallsWithPrefix("setpar")) > 0
	}, 2*time.Second, time.Millisecond)
}

func waitJob(t *testing.T, f *Fitting, want JobStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		_, js := f.Status()
		return js == want
	}, 2*time.Second, time.Millisecond)
}

func TestPauseResumeStop(t *testing.T) {
	rec := enginetest.New()
	rec.ConvergeAfter = 1000
	rec.Gate = make(chan struct{})
	f := simpleFit(t, rec)
	require.NoError(t, f.Start(context.Background()))
	require.ErrorIs(t, f.Start(context.Background()), controlerr.ErrStatus)
	require.ErrorIs(t, f.Close(false), controlerr.ErrStatus)

	// once configured the worker is committed to its first step
	waitConfigured(t, rec)
	f.Pause(true)
	rec.Gate <- struct{}{}
	waitJob(t, f, Paused)
	assert.Equal(t, 1, f.Step())

	// Start resumes a paused run
	require.NoError(t, f.Start(context.Background()))
	rec.Gate <- struct{}{}
	require.Eventually(t, func() bool { return f.Step() > 1 }, 2*time.Second, time.Millisecond)

	f.Stop()
	close(rec.Gate)
	require.NoError(t, f.Join())
	assert.False(t, f.IsRunning())
	_, js := f.Status()
	assert.Equal(t, Void, js)
	assert.NoError(t, f.Close(false))
}

func TestStopWhilePaused(t *testing.T) {
	rec := enginetest.New()
	rec.ConvergeAfter = 1000
	rec.Gate = make(chan struct{})
	f := simpleFit(t, rec)
	require.NoError(t, f.Start(context.Background()))
	waitConfigured(t, rec)
	f.TogglePause()
	rec.Gate <- struct{}{}
	waitJob(t, f, Paused)
	f.Stop()
	require.NoError(t, f.Join())
	_, js := f.Status()
	assert.Equal(t, Void, js)
	assert.Equal(t, 1, f.Step())
}

func TestForceClose(t *testing.T) {
	rec := enginetest.New()
	rec.ConvergeAfter = 1000
	rec.Gate = make(chan struct{})
	f := simpleFit(t, rec)
	require.NoError(t, f.Start(context.Background()))
	waitConfigured(t, rec)
	require.NoError(t, f.Close(true))
	require.NoError(t, f.Join())
	assert.False(t, f.IsRunning())
	assert.Equal(t, 0, f.Step())
}

func TestQueue(t *testing.T) {
	f := New("q")
	f.Queue(true)
	_, js := f.Status()
	assert.Equal(t, Queued, js)
	f.Queue(true)
	_, js = f.Status()
	assert.Equal(t, Queued, js)
	f.Queue(false)
	_, js = f.Status()
	assert.Equal(t, Void, js)
}

func TestCalculationsRunFirst(t *testing.T) {
	rec := enginetest.New()
	f := simpleFit(t, rec)
	c := calculation.New("calc")
	require.NoError(t, c.SetRGrid(1, 0.5, 3))
	require.NoError(t, f.Add(c, -1))
	require.NoError(t, f.Run(context.Background()))
	methods := rec.Methods()
	assert.Equal(t, "reset", methods[0])
	assert.Less(t, indexOf(methods, "calc"), indexOf(methods, "refine_step"))
	assert.Len(t, c.Gcalc, 5)
}

func indexOf(list []string, s string) int {
	for i, x := range list {
		if x == s {
			return i
		}
	}
	return -1
}

func TestOrganizer(t *testing.T) {
	f := New("org")
	a, b := nickel("a"), nickel("b")
	require.NoError(t, f.Add(a, -1))
	require.NoError(t, f.Add(b, 0))
	i, err := f.Index(a)
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	require.ErrorIs(t, f.Rename(a, "b"), controlerr.ErrKey)
	require.NoError(t, f.Rename(a, "c"))
	p, err := f.Phase("c")
	require.NoError(t, err)
	assert.Same(t, a, p)

	require.NoError(t, f.Remove(b))
	_, err = f.Index(b)
	require.ErrorIs(t, err, controlerr.ErrKey)
	require.ErrorIs(t, f.Add("text", -1), controlerr.ErrType)
	_, err = f.Dataset("none")
	require.ErrorIs(t, err, controlerr.ErrKey)
}

func TestCopy(t *testing.T) {
	rec := enginetest.New()
	f := simpleFit(t, rec)
	require.NoError(t, f.Run(context.Background()))
	g := f.Copy("fit2")
	assert.Equal(t, "fit2", g.Name)
	assert.Len(t, g.Snapshots(), 1)
	assert.Equal(t, f.Result(), g.Result())
	v, ok := g.GetData("rw", -1)
	require.True(t, ok)
	assert.Equal(t, f.RW(), v)

	g.Parameters[1].SetInitialValue(9)
	assert.Equal(t, "3.52", f.Parameters[1].InitialString())
	assert.NotSame(t, f.Phases[0], g.Phases[0])
}

func TestChangeParameterIndex(t *testing.T) {
	f := simpleFit(t, enginetest.New())
	f.Phases[0].Constraints["lat(2)"] = constraint.MustNew("@10+1")
	require.NoError(t, f.ChangeParameterIndex(1, 11))
	assert.Equal(t, "@11", f.Phases[0].Constraints["lat(1)"].Formula())
	assert.Equal(t, "@10+1", f.Phases[0].Constraints["lat(2)"].Formula())

	other := New("other")
	other.Parameters[3] = parameter.New(3, 0)
	require.NoError(t, other.Parameters[3].SetInitial("=fit1:1"))
	assert.Equal(t, 1, other.RetargetLinks("fit1", 1, "fit1", 11))
	assert.Equal(t, "=fit1:11", other.Parameters[3].InitialString())
}

func TestBondDiagnostics(t *testing.T) {
	rec := enginetest.New()
	f := simpleFit(t, rec)
	out, err := f.BondAngle(context.Background(), "Ni", 1, 2, 1)
	require.NoError(t, err)
	assert.Contains(t, out, "angle (1,2,1)")
	assert.Contains(t, rec.Calls(), "bang 1 2 1")

	out, err = f.BondLengthTypes(context.Background(), "Ni", "Ni", "Ni", 0, 3)
	require.NoError(t, err)
	assert.Contains(t, out, "Ni-Ni")

	rec.Fail = map[string]error{"blen": controlerr.Engine("ValueError", "atom index out of range")}
	_, err = f.BondLengthAtoms(context.Background(), "Ni", 1, 9)
	require.ErrorIs(t, err, controlerr.ErrValue)

	_, err = f.BondAngle(context.Background(), "missing", 1, 2, 3)
	require.ErrorIs(t, err, controlerr.ErrKey)
}

func TestMetaDataNames(t *testing.T) {
	f := New("md")
	d1, d2 := dataset.New("a"), dataset.New("b")
	d1.Metadata = map[string]float64{"temperature": 300, "doping": 0.1}
	d2.Metadata = map[string]float64{"temperature": 10}
	require.NoError(t, f.Add(d1, -1))
	require.NoError(t, f.Add(d2, -1))
	assert.Equal(t, []string{"temperature"}, f.MetaDataNames())
	assert.Equal(t, []string{"step", "temperature"}, f.XNames())
	v, ok := f.MetaData("doping")
	require.True(t, ok)
	assert.Equal(t, 0.1, v)
}
