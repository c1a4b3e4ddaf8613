package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"pdfctl/internal/controlerr"
	"pdfctl/internal/logging"
)

// ProcessConfig describes how to launch an engine process.
type ProcessConfig struct {
	Command      string
	Args         []string
	Env          []string
	StartTimeout time.Duration
}

type request struct {
	Method string `json:"method"`
	Args   []any  `json:"args"`
}

type remoteError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type response struct {
	Result json.RawMessage `json:"result"`
	Error  *remoteError    `json:"error"`
}

// Process is an Engine backed by a child process. Each request is one JSON
// line on the child's stdin and each reply one JSON line on its stdout.
type Process struct {
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	replies chan response
	done    chan struct{}
	quit    chan struct{}
	once    sync.Once
	log     *slog.Logger

	mu      sync.Mutex
	broken  error
	readErr error
}

// Start launches the engine command and waits until it answers a reset.
func Start(ctx context.Context, cfg ProcessConfig, log *slog.Logger) (*Process, error) {
	if log == nil {
		log = slog.Default()
	}
	if cfg.Command == "" {
		return nil, controlerr.Config("no engine command configured")
	}
	cmd := exec.Command(cfg.Command, cfg.Args...)
	cmd.Env = append(os.Environ(), cfg.Env...)
	cmd.Stderr = os.Stderr
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		logging.LogEngineStatus(log, cfg.Command, 0, err)
		return nil, controlerr.Connect("cannot start engine %s: %v", cfg.Command, err)
	}
	p := &Process{
		cmd:     cmd,
		stdin:   stdin,
		replies: make(chan response),
		done:    make(chan struct{}),
		quit:    make(chan struct{}),
		log:     log,
	}
	go p.readLoop(stdout)
	logging.LogEngineStatus(log, cfg.Command, cmd.Process.Pid, nil)

	startCtx := ctx
	if cfg.StartTimeout > 0 {
		var cancel context.CancelFunc
		startCtx, cancel = context.WithTimeout(ctx, cfg.StartTimeout)
		defer cancel()
	}
	if err := p.Reset(startCtx); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("engine handshake: %w", err)
	}
	return p, nil
}

// NewFactory returns a Factory that starts one process per engine.
func NewFactory(cfg ProcessConfig, log *slog.Logger) Factory {
	return func(ctx context.Context) (Engine, error) {
		return Start(ctx, cfg, log)
	}
}

func (p *Process) readLoop(r io.Reader) {
	defer close(p.done)
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for sc.Scan() {
		var resp response
		if err := json.Unmarshal(sc.Bytes(), &resp); err != nil {
			p.mu.Lock()
			p.readErr = fmt.Errorf("malformed engine reply: %w", err)
			p.mu.Unlock()
			return
		}
		select {
		case p.replies <- resp:
		case <-p.quit:
			return
		}
	}
	p.mu.Lock()
	p.readErr = sc.Err()
	p.mu.Unlock()
}

func (p *Process) exitError() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readErr != nil {
		return controlerr.Connect("engine connection lost: %v", p.readErr)
	}
	return controlerr.Connect("engine exited")
}

// call sends one request and decodes the result into out when out is not nil.
// A request abandoned through ctx leaves the process unusable.
func (p *Process) call(ctx context.Context, out any, method string, args ...any) error {
	p.mu.Lock()
	broken := p.broken
	p.mu.Unlock()
	if broken != nil {
		return broken
	}
	if args == nil {
		args = []any{}
	}
	line, err := json.Marshal(request{Method: method, Args: args})
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(append(line, '\n')); err != nil {
		return controlerr.Connect("engine write failed: %v", err)
	}
	select {
	case resp := <-p.replies:
		if resp.Error != nil {
			return controlerr.Engine(resp.Error.Type, "%s", resp.Error.Message)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
		return nil
	case <-p.done:
		return p.exitError()
	case <-ctx.Done():
		p.mu.Lock()
		p.broken = controlerr.Connect("engine abandoned during %s: %v", method, ctx.Err())
		p.mu.Unlock()
		return ctx.Err()
	}
}

func (p *Process) Reset(ctx context.Context) error { return p.call(ctx, nil, "reset") }

func (p *Process) ReadStructString(ctx context.Context, s string) error {
	return p.call(ctx, nil, "read_struct_string", s)
}

func (p *Process) ReadDataString(ctx context.Context, obs, stype string, qmax, qdamp float64) error {
	return p.call(ctx, nil, "read_data_string", obs, stype, qmax, qdamp)
}

func (p *Process) Alloc(ctx context.Context, stype string, qmax, qdamp, rmin, rmax float64, npts int) error {
	return p.call(ctx, nil, "alloc", stype, qmax, qdamp, rmin, rmax, npts)
}

func (p *Process) SetPhase(ctx context.Context, i int) error { return p.call(ctx, nil, "setphase", i) }
func (p *Process) SetData(ctx context.Context, i int) error  { return p.call(ctx, nil, "setdata", i) }

func (p *Process) Constrain(ctx context.Context, v, formula string) error {
	return p.call(ctx, nil, "constrain", v, formula)
}

func (p *Process) SetPar(ctx context.Context, n int, v float64) error {
	return p.call(ctx, nil, "setpar", n, v)
}

func (p *Process) FixPar(ctx context.Context, n int) error  { return p.call(ctx, nil, "fixpar", n) }
func (p *Process) FreePar(ctx context.Context, n int) error { return p.call(ctx, nil, "freepar", n) }

func (p *Process) SetVar(ctx context.Context, name string, v float64) error {
	return p.call(ctx, nil, "setvar", name, v)
}

func (p *Process) GetVar(ctx context.Context, name string) (float64, error) {
	var v float64
	err := p.call(ctx, &v, "getvar", name)
	return v, err
}

func (p *Process) SelectAtomIndex(ctx context.Context, phase int, which string, atom int, flag bool) error {
	return p.call(ctx, nil, "selectAtomIndex", phase, which, atom, flag)
}

func (p *Process) Calc(ctx context.Context) error { return p.call(ctx, nil, "calc") }

func (p *Process) RefineStep(ctx context.Context, tol float64) (bool, error) {
	var finished bool
	err := p.call(ctx, &finished, "refine_step", tol)
	return finished, err
}

func (p *Process) floats(ctx context.Context, method string) ([]float64, error) {
	var v []float64
	err := p.call(ctx, &v, method)
	return v, err
}

func (p *Process) GetR(ctx context.Context) ([]float64, error) { return p.floats(ctx, "getR") }
func (p *Process) GetPDFFit(ctx context.Context) ([]float64, error) {
	return p.floats(ctx, "getpdf_fit")
}
func (p *Process) GetPDFDiff(ctx context.Context) ([]float64, error) {
	return p.floats(ctx, "getpdf_diff")
}
func (p *Process) GetCRW(ctx context.Context) ([]float64, error) { return p.floats(ctx, "getcrw") }

func (p *Process) GetPar(ctx context.Context, n int) (float64, error) {
	var v float64
	err := p.call(ctx, &v, "getpar", n)
	return v, err
}

func (p *Process) GetRW(ctx context.Context) (float64, error) {
	var v float64
	err := p.call(ctx, &v, "getrw")
	return v, err
}

func (p *Process) text(ctx context.Context, method string, args ...any) (string, error) {
	var s string
	err := p.call(ctx, &s, method, args...)
	return s, err
}

func (p *Process) SaveStructString(ctx context.Context, i int) (string, error) {
	return p.text(ctx, "save_struct_string", i)
}

func (p *Process) SaveResString(ctx context.Context) (string, error) {
	return p.text(ctx, "save_res_string")
}

func (p *Process) BondAngle(ctx context.Context, i, j, k int) (string, error) {
	return p.text(ctx, "bang", i, j, k)
}

func (p *Process) BondLengthAtoms(ctx context.Context, i, j int) (string, error) {
	return p.text(ctx, "blen", i, j)
}

func (p *Process) BondLengthTypes(ctx context.Context, a1, a2 string, lo, hi float64) (string, error) {
	return p.text(ctx, "blen", a1, a2, lo, hi)
}

// Close ends the engine by closing its stdin and waits for it to exit,
// killing it after a grace period.
func (p *Process) Close() error {
	p.once.Do(func() { close(p.quit) })
	_ = p.stdin.Close()
	exited := make(chan error, 1)
	go func() { exited <- p.cmd.Wait() }()
	select {
	case err := <-exited:
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			p.log.Debug("engine exited", "code", ee.ExitCode())
			return nil
		}
		return err
	case <-time.After(2 * time.Second):
		_ = p.cmd.Process.Kill()
		<-exited
		p.log.Warn("engine killed after close timeout")
		return nil
	}
}
