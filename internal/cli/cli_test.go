package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"pdfctl/internal/calculation"
	"pdfctl/internal/config"
	"pdfctl/internal/constraint"
	"pdfctl/internal/dataset"
	"pdfctl/internal/engine/enginetest"
	"pdfctl/internal/phase"
	"pdfctl/internal/project"
	"pdfctl/internal/storage"
	"pdfctl/internal/structure"
)

type serveCall struct {
	addr  string
	watch bool
	fits  int
	file  string
}

func newTestRoot(t *testing.T) (*Root, *enginetest.Recorder, *[]serveCall) {
	t.Helper()

	cfg := config.Default()
	tmp := t.TempDir()
	cfg.Paths.DatabasePath = filepath.Join(tmp, "pdfctl.db")
	cfg.Refinement.PollInterval = 10 * time.Millisecond

	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug}))
	rec := enginetest.New()
	calls := &[]serveCall{}
	root := &Root{
		cfg:    cfg,
		log:    logger,
		store:  store,
		engine: rec.Factory(),
		serve: func(ctx context.Context, r *Root, p *project.Project, addr string, watchFile bool) error {
			*calls = append(*calls, serveCall{addr: addr, watch: watchFile, fits: len(p.Fits()), file: p.ProjectFile()})
			return nil
		},
	}
	return root, rec, calls
}

func obsText() string {
	var b strings.Builder
	b.WriteString("qmax=25.0\n##### start data\n")
	for i := 10; i <= 30; i++ {
		fmt.Fprintf(&b, "%g %g\n", float64(i)/10, float64(i)/10)
	}
	return b.String()
}

// writeProject stores a project with one nickel fit per name. Each fit has
// lat(1) = @1 and a calculation named "calc".
func writeProject(t *testing.T, root *Root, names ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nickel.ddp")
	p := root.newProject(context.Background())
	defer p.Exit()
	for _, name := range names {
		f, err := p.NewFitting(name, -1)
		if err != nil {
			t.Fatalf("new fitting: %v", err)
		}
		ph := phase.New("Ni")
		ph.Initial.Lattice = structure.Lattice{A: 3.52, B: 3.52, C: 3.52, Alpha: 90, Beta: 90, Gamma: 90}
		ph.Initial.Atoms = append(ph.Initial.Atoms,
			structure.NewAtom("Ni", 0, 0, 0), structure.NewAtom("Cu", 0, 0.5, 0.5))
		ph.Constraints["lat(1)"] = constraint.MustNew("@1")
		d := dataset.New("ni300")
		if err := d.ReadString(obsText()); err != nil {
			t.Fatalf("read data: %v", err)
		}
		for _, item := range []any{ph, d, calculation.New("calc")} {
			if err := f.Add(item, -1); err != nil {
				t.Fatalf("add: %v", err)
			}
		}
		if err := f.UpdateParameters(); err != nil {
			t.Fatalf("update parameters: %v", err)
		}
	}
	p.SetJournal("nickel at room temperature")
	if err := p.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	return path
}

func run(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(root)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestInfoListsFits(t *testing.T) {
	root, _, _ := newTestRoot(t)
	path := writeProject(t, root, "fit1", "fit2")

	out, err := run(t, root, "info", path, "--parameters")
	if err != nil {
		t.Fatalf("info failed: %v", err)
	}
	for _, want := range []string{"fit1", "fit2", "ni300", "calc", "nickel at room temperature", "INITIAL"} {
		if !strings.Contains(out, want) {
			t.Fatalf("info output lacks %q:\n%s", want, out)
		}
	}
}

func TestCommandsNeedAProject(t *testing.T) {
	root, _, _ := newTestRoot(t)
	if _, err := run(t, root, "info"); err == nil {
		t.Fatalf("expected error without a project")
	}
	if _, err := run(t, root, "info", filepath.Join(t.TempDir(), "missing.ddp")); err == nil {
		t.Fatalf("expected error for a missing project file")
	}
	if _, err := run(t, root, "refine"); err == nil {
		t.Fatalf("expected error for refine without arguments")
	}

	path := writeProject(t, root, "fit1")
	root.cfg.Paths.DefaultProject = path
	if _, err := run(t, root, "info"); err != nil {
		t.Fatalf("expected default project to be used, got %v", err)
	}
}

func TestRefineRunsAndSaves(t *testing.T) {
	root, rec, _ := newTestRoot(t)
	rec.ConvergeAfter = 2
	path := writeProject(t, root, "fit1", "fit2")

	out, err := run(t, root, "refine", path, "fit2", "--save", "--timeout", "10s")
	if err != nil {
		t.Fatalf("refine failed: %v", err)
	}
	if !strings.Contains(out, "fit2: rw=") || strings.Contains(out, "fit1:") {
		t.Fatalf("unexpected refine output:\n%s", out)
	}

	p, err := root.openProject(context.Background(), path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	defer p.Exit()
	f, err := p.Fit("fit2")
	if err != nil {
		t.Fatal(err)
	}
	if n := len(f.Snapshots()); n != 2 {
		t.Fatalf("expected 2 saved steps, got %d", n)
	}
	if f.ParameterSet()[1].Refined == nil {
		t.Fatalf("refined value not saved")
	}

	out, err = run(t, root, "jobs")
	if err != nil {
		t.Fatalf("jobs failed: %v", err)
	}
	if !strings.Contains(out, "fit2") || !strings.Contains(out, "completed") {
		t.Fatalf("jobs output lacks the refinement:\n%s", out)
	}
	jobs, err := root.store.RecentJobs(1)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("recent jobs: %v %v", jobs, err)
	}
	out, err = run(t, root, "jobs", "--steps", jobs[0].ID)
	if err != nil {
		t.Fatalf("jobs --steps failed: %v", err)
	}
	if strings.Count(strings.TrimSpace(out), "\n") != 2 {
		t.Fatalf("expected header and 2 steps:\n%s", out)
	}
}

func TestRefineReportsFailedFits(t *testing.T) {
	root, rec, _ := newTestRoot(t)
	rec.Fail = map[string]error{"refine_step": fmt.Errorf("engine crashed")}
	path := writeProject(t, root, "fit1")

	out, err := run(t, root, "refine", path, "--timeout", "10s")
	if err == nil {
		t.Fatalf("expected failure")
	}
	if !strings.Contains(out, "fit1: failed") {
		t.Fatalf("failure not reported:\n%s", out)
	}
}

func TestCalcWritesPDF(t *testing.T) {
	root, rec, _ := newTestRoot(t)
	path := writeProject(t, root, "fit1")
	target := filepath.Join(t.TempDir(), "calc.cgr")

	if _, err := run(t, root, "calc", path, "fit1", "calc", "-o", target); err != nil {
		t.Fatalf("calc failed: %v", err)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "##### PDFgui calculation") {
		t.Fatalf("unexpected calc output:\n%s", data)
	}
	found := false
	for _, m := range rec.Methods() {
		found = found || m == "calc"
	}
	if !found {
		t.Fatalf("engine calc not called: %v", rec.Methods())
	}

	if _, err := run(t, root, "calc", path, "fit1", "nope"); err == nil {
		t.Fatalf("expected error for unknown calculation")
	}
}

func TestSeriesCommands(t *testing.T) {
	root, _, _ := newTestRoot(t)
	path := writeProject(t, root, "fit1")

	out, err := run(t, root, "series", "rrange", path, "fit1", "--max-first", "2", "--max-last", "3", "--max-step", "0.5")
	if err != nil {
		t.Fatalf("rrange failed: %v", err)
	}
	if got := strings.Fields(out); len(got) != 3 || got[0] != "fit1-(1.00,2.00)" {
		t.Fatalf("unexpected rrange fits: %q", got)
	}
	if _, err := run(t, root, "series", "rrange", path, "fit1", "--max-first", "2", "--max-last", "3"); err == nil {
		t.Fatalf("expected error without a step")
	}

	dir := t.TempDir()
	var files []string
	for _, name := range []string{"a.gr", "b.gr"} {
		f := filepath.Join(dir, name)
		if err := os.WriteFile(f, []byte(obsText()), 0o644); err != nil {
			t.Fatal(err)
		}
		files = append(files, f)
	}
	out, err = run(t, root, "series", "temperature", path, "fit1",
		"--data", files[0], "--temperature", "300", "--data", files[1], "--temperature", "500")
	if err != nil {
		t.Fatalf("temperature failed: %v", err)
	}
	if !strings.Contains(out, "fit1-T2=500") {
		t.Fatalf("unexpected temperature fits:\n%s", out)
	}
	out, err = run(t, root, "series", "doping", path, "fit1", "--base", "Ni", "--dopant", "Cu",
		"--data", strings.Join(files, ","), "--doping", "0.1,0.2")
	if err != nil {
		t.Fatalf("doping failed: %v", err)
	}
	if !strings.Contains(out, "fit1-0.2000") {
		t.Fatalf("unexpected doping fits:\n%s", out)
	}

	p, err := root.openProject(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Exit()
	if n := len(p.Fits()); n != 8 {
		t.Fatalf("expected 8 fits after three series, got %d", n)
	}
}

func TestSeriesFromDataDir(t *testing.T) {
	root, _, _ := newTestRoot(t)
	path := writeProject(t, root, "fit1")

	dir := t.TempDir()
	for _, temp := range []string{"100", "250"} {
		text := "temperature = " + temp + "\n" + obsText()
		if err := os.WriteFile(filepath.Join(dir, "ni"+temp+".gr"), []byte(text), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(dir, "notes.md"), []byte("not data"), 0o644); err != nil {
		t.Fatal(err)
	}

	out, err := run(t, root, "series", "temperature", path, "fit1", "--data-dir", dir)
	if err != nil {
		t.Fatalf("temperature from directory failed: %v", err)
	}
	if got := strings.Fields(out); len(got) != 2 || got[0] != "fit1-T1=100" || got[1] != "fit1-T2=250" {
		t.Fatalf("unexpected temperature fits: %q", got)
	}

	if _, err := run(t, root, "series", "doping", path, "fit1", "--base", "Ni", "--dopant", "Cu", "--data-dir", dir); err == nil {
		t.Fatalf("expected error for files without doping metadata")
	}
	if _, err := run(t, root, "series", "temperature", path, "fit1"); err == nil {
		t.Fatalf("expected error without data files")
	}
}

func TestBondsCommands(t *testing.T) {
	root, rec, _ := newTestRoot(t)
	path := writeProject(t, root, "fit1")

	out, err := run(t, root, "bonds", "angle", path, "fit1", "Ni", "1", "2", "1")
	if err != nil {
		t.Fatalf("angle failed: %v", err)
	}
	if !strings.Contains(out, "109.47") {
		t.Fatalf("unexpected angle output: %s", out)
	}
	out, err = run(t, root, "bonds", "length", path, "fit1", "Ni", "1", "2")
	if err != nil || !strings.Contains(out, "2.35") {
		t.Fatalf("length by index: %q %v", out, err)
	}
	out, err = run(t, root, "bonds", "length", path, "fit1", "Ni", "Ni", "Cu", "--max", "3")
	if err != nil || !strings.Contains(out, "Ni-Cu distances in [0, 3]") {
		t.Fatalf("length by type: %q %v", out, err)
	}
	if len(rec.CallsWithPrefix("blen")) != 2 {
		t.Fatalf("expected two blen calls: %v", rec.Calls())
	}
	if _, err := run(t, root, "bonds", "angle", path, "fit1", "Ni", "1", "x", "1"); err == nil {
		t.Fatalf("expected error for a non-numeric index")
	}
}

func TestServeUsesProject(t *testing.T) {
	root, _, calls := newTestRoot(t)
	path := writeProject(t, root, "fit1", "fit2")

	if _, err := run(t, root, "serve", path, "--addr", "127.0.0.1:0", "--watch"); err != nil {
		t.Fatalf("serve failed: %v", err)
	}
	if _, err := run(t, root, "serve"); err != nil {
		t.Fatalf("serve without project failed: %v", err)
	}
	if _, err := run(t, root, "serve", "--watch"); err == nil {
		t.Fatalf("expected --watch without project to fail")
	}
	if len(*calls) != 2 {
		t.Fatalf("expected two serve calls, got %d", len(*calls))
	}
	first := (*calls)[0]
	if first.addr != "127.0.0.1:0" || !first.watch || first.fits != 2 || first.file != path {
		t.Fatalf("unexpected serve call: %+v", first)
	}
	if (*calls)[1].addr != root.cfg.Server.Addr {
		t.Fatalf("expected config address, got %q", (*calls)[1].addr)
	}
}

func TestDefaultServeStopsWithContext(t *testing.T) {
	root, _, _ := newTestRoot(t)
	path := writeProject(t, root, "fit1")
	p, err := root.openProject(context.Background(), path)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Exit()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if err := defaultServe(ctx, root, p, "127.0.0.1:0", true); err != nil {
		t.Fatalf("serve returned %v", err)
	}
}

func TestConfigCommands(t *testing.T) {
	root, _, _ := newTestRoot(t)

	out, err := run(t, root, "config", "show")
	if err != nil {
		t.Fatalf("config show failed: %v", err)
	}
	if !strings.Contains(out, "tolerance: 0.001") {
		t.Fatalf("yaml output lacks tolerance:\n%s", out)
	}
	out, err = run(t, root, "config", "show", "--format", "json")
	if err != nil || !strings.Contains(out, `"tolerance": 0.001`) {
		t.Fatalf("json output: %v\n%s", err, out)
	}
	if _, err := run(t, root, "config", "show", "--format", "toml"); err == nil {
		t.Fatalf("expected error for unknown format")
	}

	if _, err := run(t, root, "config", "validate"); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	root.cfg.Refinement.Tolerance = 0
	if _, err := run(t, root, "config", "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestVersion(t *testing.T) {
	root, _, _ := newTestRoot(t)
	out, err := run(t, root, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "pdfctl "+Version) {
		t.Fatalf("unexpected version output: %s", out)
	}
}
