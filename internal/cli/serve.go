package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pdfctl/internal/project"
	"pdfctl/internal/server"
	"pdfctl/internal/watch"
)

type serveFunc func(ctx context.Context, r *Root, p *project.Project, addr string, watchFile bool) error

// defaultServe runs the HTTP server, and the project file watcher when
// asked, until ctx ends or one of them fails.
func defaultServe(ctx context.Context, r *Root, p *project.Project, addr string, watchFile bool) error {
	g, gctx := errgroup.WithContext(ctx)

	srv := server.NewServer(addr, r.store, p, r.log)
	g.Go(func() error { return srv.Start(gctx) })

	if watchFile {
		w, err := watch.New(p.ProjectFile(), r.log)
		if err != nil {
			return fmt.Errorf("watch %s: %w", p.ProjectFile(), err)
		}
		g.Go(func() error { return w.Run(gctx, watch.Reloader(p, r.log)) })
	}
	return g.Wait()
}

func newServeCmd(root *Root) *cobra.Command {
	var (
		addr      string
		watchFile bool
		queue     bool
	)

	cmd := &cobra.Command{
		Use:   "serve [project]",
		Short: "Serve refinement status and queue control over HTTP",
		Long: `Start an HTTP server with the fits of a project, job history, an SSE job
stream (/stream), a websocket of refinement steps (/ws) and Prometheus metrics.

Examples:
  # serve a project and refine every fit
  pdfctl serve nickel.ddp --queue

  # reload and requeue whenever the project file changes
  pdfctl serve nickel.ddp --addr :8765 --watch`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if addr == "" {
				addr = root.cfg.Server.Addr
			}

			var p *project.Project
			path, _ := root.projectPath(argOr(args, 0))
			if path != "" {
				var err error
				if p, err = root.openProject(ctx, path); err != nil {
					return err
				}
			} else {
				if watchFile {
					return fmt.Errorf("--watch needs a project file")
				}
				p = root.newProject(ctx)
			}
			defer p.Exit()

			if queue {
				if err := p.Enqueue(p.Fits(), true); err != nil {
					return err
				}
			}
			root.log.Info("starting server",
				"addr", addr,
				"project", p.ProjectFile(),
				"fits", len(p.Fits()),
				"watch", watchFile,
			)
			return root.serve(ctx, root, p, addr, watchFile)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().BoolVar(&watchFile, "watch", false, "reload and requeue the project when its file changes")
	cmd.Flags().BoolVar(&queue, "queue", false, "queue every fit on start")
	return cmd
}
