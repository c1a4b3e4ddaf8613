package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"pdfctl/internal/config"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/dataset"
	"pdfctl/internal/fitting"
	"pdfctl/internal/fsutil"
	"pdfctl/internal/project"
	"pdfctl/internal/storage"
)

// NewRootCmd creates the root Cobra command.
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store) *cobra.Command {
	return newRootCmd(NewRoot(cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "pdfctl",
		Short: "pdfctl drives PDF structure refinements",
		Long: `pdfctl loads fit projects, queues refinements on an external PDF engine,
builds fit series and serves live refinement status over HTTP.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newInfoCmd(root))
	rootCmd.AddCommand(newRefineCmd(root))
	rootCmd.AddCommand(newCalcCmd(root))
	rootCmd.AddCommand(newSeriesCmd(root))
	rootCmd.AddCommand(newBondsCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))
	return rootCmd
}

func newInfoCmd(root *Root) *cobra.Command {
	var showParams bool

	cmd := &cobra.Command{
		Use:   "info [project]",
		Short: "List the fits of a project",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := root.openProject(cmd.Context(), argOr(args, 0))
			if err != nil {
				return err
			}
			defer p.Exit()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Project: %s\n", p.ProjectFile())
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FIT\tPHASES\tDATASETS\tCALCULATIONS\tPARAMETERS\tSTEPS")
			for _, f := range p.Fits() {
				var phases, datasets, calcs []string
				var npar int
				f.View(func() {
					for _, ph := range f.Phases {
						phases = append(phases, ph.Name)
					}
					for _, d := range f.Datasets {
						datasets = append(datasets, d.Name)
					}
					for _, c := range f.Calculations {
						calcs = append(calcs, c.Name)
					}
					npar = len(f.Parameters)
				})
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\n", f.Name,
					listOrDash(phases), listOrDash(datasets), listOrDash(calcs),
					npar, len(f.Snapshots()))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			if showParams {
				for _, f := range p.Fits() {
					printParameters(cmd, f)
				}
			}
			if j := p.Journal(); j != "" {
				fmt.Fprintf(out, "\nJournal:\n%s\n", j)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&showParams, "parameters", "p", false, "print the parameters of every fit")
	return cmd
}

func printParameters(cmd *cobra.Command, f *fitting.Fitting) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%s:\n", f.Name)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "  @\tINITIAL\tREFINED\tFIXED")
	set := f.ParameterSet()
	for _, idx := range set.Indices() {
		par := set[idx]
		refined := "-"
		if par.Refined != nil {
			refined = strconv.FormatFloat(*par.Refined, 'g', 8, 64)
		}
		fmt.Fprintf(tw, "  %d\t%s\t%s\t%t\n", idx, par.InitialString(), refined, par.Fixed)
	}
	tw.Flush()
}

func newRefineCmd(root *Root) *cobra.Command {
	var (
		save    bool
		output  string
		timeout time.Duration
	)

	cmd := &cobra.Command{
		Use:   "refine <project> [fit...]",
		Short: "Refine fits of a project in queue order",
		Long: `Queue the named fits, or every fit of the project, and wait until the
queue has drained. Fits run one at a time in the order given; a fit that fails
does not stop the ones after it.

Examples:
  pdfctl refine nickel.ddp
  pdfctl refine nickel.ddp fit-300K fit-500K --save`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := root.openProject(ctx, args[0])
			if err != nil {
				return err
			}
			defer p.Exit()

			names := args[1:]
			if len(names) == 0 {
				for _, f := range p.Fits() {
					names = append(names, f.Name)
				}
			}
			targets := make([]project.Target, 0, len(names))
			for _, name := range names {
				targets = append(targets, project.Target{Fit: name})
			}
			if err := p.Start(ctx, targets); err != nil {
				return err
			}
			if err := waitQueue(ctx, p, timeout); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			var failed []string
			for _, name := range names {
				f, err := p.Fit(name)
				if err != nil {
					return err
				}
				if ferr := f.Err(); ferr != nil {
					failed = append(failed, name)
					fmt.Fprintf(out, "%s: failed: %v\n", name, ferr)
					continue
				}
				fmt.Fprintf(out, "%s: rw=%.6g after %d steps\n", name, f.RW(), f.Step())
			}
			if save || output != "" {
				if err := p.Save(output); err != nil {
					return err
				}
				fmt.Fprintf(out, "saved %s\n", p.ProjectFile())
			}
			if len(failed) > 0 {
				return controlerr.Runtime("%d fit(s) failed: %s", len(failed), strings.Join(failed, ", "))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&save, "save", false, "write the refined project back to its file")
	cmd.Flags().StringVarP(&output, "output", "o", "", "save the refined project to this file instead")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "give up waiting after this long (0 waits forever)")
	return cmd
}

func newCalcCmd(root *Root) *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "calc <project> <fit> <calculation>",
		Short: "Run one calculation of a fit and print the calculated PDF",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			p, err := root.openProject(ctx, args[0])
			if err != nil {
				return err
			}
			defer p.Exit()

			if err := p.Start(ctx, []project.Target{{Fit: args[1], Calculation: args[2]}}); err != nil {
				return err
			}
			f, err := p.Fit(args[1])
			if err != nil {
				return err
			}
			c, err := f.Calculation(args[2])
			if err != nil {
				return err
			}
			var text string
			f.View(func() { text = c.WriteString() })
			return writeOutput(cmd.OutOrStdout(), output, text)
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "write the calculated PDF to this file")
	return cmd
}

func newSeriesCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "series",
		Short: "Append a series of fits derived from a template fit",
		Long: `Each series copies a template fit once per step and links the parameters
of every new fit to the fit before it, so a refinement of the series starts
each fit from the result of the previous one. The project file is updated.`,
	}
	cmd.AddCommand(newRRangeCmd(root), newTemperatureCmd(root), newDopingCmd(root))
	return cmd
}

func newRRangeCmd(root *Root) *cobra.Command {
	var maxFirst, maxLast, maxStep, minFirst, minLast, minStep float64

	cmd := &cobra.Command{
		Use:   "rrange <project> <fit>",
		Short: "Series over a growing or shifting fit range",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			opt := func(name string, v float64) *float64 {
				if !flags.Changed(name) {
					return nil
				}
				return &v
			}
			s := project.RSeries{
				MaxFirst: opt("max-first", maxFirst),
				MaxLast:  opt("max-last", maxLast),
				MaxStep:  opt("max-step", maxStep),
				MinFirst: opt("min-first", minFirst),
				MinLast:  opt("min-last", minLast),
				MinStep:  opt("min-step", minStep),
			}
			return root.runSeries(cmd, args[0], func(p *project.Project) ([]*fitting.Fitting, error) {
				return p.MakeRSeries(args[1], s)
			})
		},
	}

	cmd.Flags().Float64Var(&maxFirst, "max-first", 0, "first fit maximum")
	cmd.Flags().Float64Var(&maxLast, "max-last", 0, "last fit maximum")
	cmd.Flags().Float64Var(&maxStep, "max-step", 0, "step of the fit maximum")
	cmd.Flags().Float64Var(&minFirst, "min-first", 0, "first fit minimum")
	cmd.Flags().Float64Var(&minLast, "min-last", 0, "last fit minimum")
	cmd.Flags().Float64Var(&minStep, "min-step", 0, "step of the fit minimum")
	return cmd
}

func newTemperatureCmd(root *Root) *cobra.Command {
	var (
		files []string
		temps []float64
		dir   string
	)

	cmd := &cobra.Command{
		Use:   "temperature <project> <fit>",
		Short: "Series over data files measured at different temperatures",
		Long: `Clone a fit once per data file. Temperatures come from --temperature, or
from the temperature recorded in each file header when --data-dir is used.`,
		Example: `  pdfctl series temperature ni.ddp fit1 \
    --data ni300.gr --temperature 300 --data ni500.gr --temperature 500

  pdfctl series temperature ni.ddp fit1 --data-dir ./nickel`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, values, err := seriesData(dir, "temperature", files, temps)
			if err != nil {
				return err
			}
			return root.runSeries(cmd, args[0], func(p *project.Project) ([]*fitting.Fitting, error) {
				return p.MakeTemperatureSeries(args[1], paths, values)
			})
		},
	}

	cmd.Flags().StringSliceVar(&files, "data", nil, "data file, one per temperature")
	cmd.Flags().Float64SliceVar(&temps, "temperature", nil, "temperature of the matching data file")
	cmd.Flags().StringVar(&dir, "data-dir", "", "use every data file in this directory")
	cmd.MarkFlagsMutuallyExclusive("data", "data-dir")
	return cmd
}

func newDopingCmd(root *Root) *cobra.Command {
	var (
		base, dopant string
		files        []string
		doping       []float64
		dir          string
	)

	cmd := &cobra.Command{
		Use:   "doping <project> <fit>",
		Short: "Series over data files of samples with different doping",
		Example: `  pdfctl series doping alloy.ddp fit1 --base Ni --dopant Cu \
    --data x10.gr --doping 0.1 --data x20.gr --doping 0.2`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, values, err := seriesData(dir, "doping", files, doping)
			if err != nil {
				return err
			}
			return root.runSeries(cmd, args[0], func(p *project.Project) ([]*fitting.Fitting, error) {
				return p.MakeDopingSeries(args[1], base, dopant, paths, values)
			})
		},
	}

	cmd.Flags().StringVar(&base, "base", "", "element replaced by the dopant")
	cmd.Flags().StringVar(&dopant, "dopant", "", "doping element")
	cmd.Flags().StringSliceVar(&files, "data", nil, "data file, one per doping level")
	cmd.Flags().Float64SliceVar(&doping, "doping", nil, "dopant fraction of the matching data file")
	cmd.Flags().StringVar(&dir, "data-dir", "", "use every data file in this directory")
	cmd.MarkFlagsMutuallyExclusive("data", "data-dir")
	cmd.MarkFlagRequired("base")
	cmd.MarkFlagRequired("dopant")
	return cmd
}

// seriesData returns the data files of a series and their values. With a
// directory the files are its data files and, unless values are given, each
// value is the metadata key from the file header.
func seriesData(dir, key string, files []string, values []float64) ([]string, []float64, error) {
	if dir == "" {
		if len(files) == 0 {
			return nil, nil, controlerr.Value("no data files given, use --data or --data-dir")
		}
		return files, values, nil
	}
	files, err := fsutil.ListDataFiles(dir)
	if err != nil {
		return nil, nil, controlerr.File("Cannot list data files in %s", dir)
	}
	if len(files) == 0 {
		return nil, nil, controlerr.File("No data files in %s", dir)
	}
	if len(values) > 0 {
		return files, values, nil
	}
	for _, f := range files {
		pdf := dataset.NewPDF(filepath.Base(f))
		if err := pdf.ReadFile(f); err != nil {
			return nil, nil, err
		}
		v, ok := pdf.Metadata[key]
		if !ok {
			return nil, nil, controlerr.Value("%s has no %s in its header", f, key)
		}
		values = append(values, v)
	}
	return files, values, nil
}

// runSeries applies build to the project at path and saves it.
func (r *Root) runSeries(cmd *cobra.Command, path string, build func(*project.Project) ([]*fitting.Fitting, error)) error {
	p, err := r.openProject(cmd.Context(), path)
	if err != nil {
		return err
	}
	defer p.Exit()

	fits, err := build(p)
	if err != nil {
		return err
	}
	if err := p.Save(""); err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, f := range fits {
		fmt.Fprintln(out, f.Name)
	}
	r.log.Info("series created", "project", p.ProjectFile(), "fits", len(fits))
	return nil
}

func newBondsCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bonds",
		Short: "Report bond angles and lengths of a phase",
	}

	angle := &cobra.Command{
		Use:   "angle <project> <fit> <phase> <i> <j> <k>",
		Short: "Angle between atoms i, j and k (1-based)",
		Args:  cobra.ExactArgs(6),
		RunE: func(cmd *cobra.Command, args []string) error {
			idx, err := atoi(args[3:])
			if err != nil {
				return err
			}
			return root.runBond(cmd, args[0], args[1], func(f *fitting.Fitting) (string, error) {
				return f.BondAngle(cmd.Context(), args[2], idx[0], idx[1], idx[2])
			})
		},
	}

	var lo, hi float64
	length := &cobra.Command{
		Use:   "length <project> <fit> <phase> <i> <j> | <project> <fit> <phase> <A> <B>",
		Short: "Distance between two atoms, or all distances between two atom types",
		Long: `With two atom indices (1-based) the distance between those atoms is
reported. With two element symbols every distance between atoms of those types
within [--min, --max] is reported.`,
		Args: cobra.ExactArgs(5),
		RunE: func(cmd *cobra.Command, args []string) error {
			if idx, err := atoi(args[3:]); err == nil {
				return root.runBond(cmd, args[0], args[1], func(f *fitting.Fitting) (string, error) {
					return f.BondLengthAtoms(cmd.Context(), args[2], idx[0], idx[1])
				})
			}
			return root.runBond(cmd, args[0], args[1], func(f *fitting.Fitting) (string, error) {
				return f.BondLengthTypes(cmd.Context(), args[2], args[3], args[4], lo, hi)
			})
		},
	}
	length.Flags().Float64Var(&lo, "min", 0, "shortest distance reported for atom types")
	length.Flags().Float64Var(&hi, "max", 5, "longest distance reported for atom types")

	cmd.AddCommand(angle, length)
	return cmd
}

func (r *Root) runBond(cmd *cobra.Command, path, fit string, report func(*fitting.Fitting) (string, error)) error {
	p, err := r.openProject(cmd.Context(), path)
	if err != nil {
		return err
	}
	defer p.Exit()

	f, err := p.Fit(fit)
	if err != nil {
		return err
	}
	text, err := report(f)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimRight(text, "\n"))
	return nil
}

func newJobsCmd(root *Root) *cobra.Command {
	var (
		limit int
		steps string
	)

	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Show recent refinement jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if root.store == nil {
				return controlerr.Config("job history is not available without a database")
			}
			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			if steps != "" {
				recs, err := root.store.StepHistory(steps)
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "STEP\tRW")
				for _, s := range recs {
					fmt.Fprintf(tw, "%d\t%.6g\n", s.Step, s.RW)
				}
				return tw.Flush()
			}
			recs, err := root.store.RecentJobs(limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(tw, "ID\tKIND\tFIT\tSTATUS\tCREATED\tERROR")
			for _, j := range recs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", j.ID, j.Kind, j.Fit, j.Status,
					j.CreatedAt.Format(time.DateTime), j.Error)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of jobs to show")
	cmd.Flags().StringVar(&steps, "steps", "", "show the refinement steps of this job id")
	return cmd
}

func argOr(args []string, i int) string {
	if i < len(args) {
		return args[i]
	}
	return ""
}

func listOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func atoi(args []string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, controlerr.Value("atom index %q is not a number", a)
		}
		out[i] = n
	}
	return out, nil
}
