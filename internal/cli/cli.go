// Package cli implements the pdfctl command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"pdfctl/internal/config"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/engine"
	"pdfctl/internal/project"
	"pdfctl/internal/storage"
)

// Root carries what every command needs.
type Root struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *storage.Store
	engine engine.Factory
	serve  serveFunc
}

// NewRoot wires the configured engine command and job store.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		cfg:   cfg,
		log:   logger,
		store: store,
		engine: engine.NewFactory(engine.ProcessConfig{
			Command:      cfg.Engine.Command,
			Args:         cfg.Engine.Args,
			Env:          cfg.Engine.Env,
			StartTimeout: cfg.Engine.StartTimeout,
		}, logger),
		serve: defaultServe,
	}
}

// newProject returns an empty project driven by the configured engine.
func (r *Root) newProject(ctx context.Context) *project.Project {
	return project.New(ctx, project.Options{
		Engine:       r.engine,
		Log:          r.log,
		Tolerance:    r.cfg.Refinement.Tolerance,
		MaxSteps:     r.cfg.Refinement.MaxSteps,
		PollInterval: r.cfg.Refinement.PollInterval,
		QueueSize:    r.cfg.Refinement.QueueSize,
		Store:        r.store,
	})
}

// projectPath falls back to the configured default project.
func (r *Root) projectPath(arg string) (string, error) {
	if arg != "" {
		return arg, nil
	}
	if r.cfg.Paths.DefaultProject != "" {
		return r.cfg.Paths.DefaultProject, nil
	}
	return "", controlerr.Config("no project file given and no default project configured")
}

// openProject loads the project at path. The caller must call Exit.
func (r *Root) openProject(ctx context.Context, path string) (*project.Project, error) {
	path, err := r.projectPath(path)
	if err != nil {
		return nil, err
	}
	p := r.newProject(ctx)
	if err := p.Load(path); err != nil {
		p.Exit()
		return nil, err
	}
	return p, nil
}

// waitQueue blocks until the project queue drains, or timeout passes when
// it is positive.
func waitQueue(ctx context.Context, p *project.Project, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	if err := p.Wait(ctx); err != nil {
		p.StopAll()
		return fmt.Errorf("waiting for queue: %w", err)
	}
	return nil
}

// writeOutput writes text to path, or to w when path is empty or "-".
func writeOutput(w io.Writer, path, text string) error {
	if path == "" || path == "-" {
		_, err := io.WriteString(w, text)
		return err
	}
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return controlerr.File("Error when writing to %s", path)
	}
	return nil
}
