// Package engine defines the call surface of the external PDF refinement
// engine and a process adapter that speaks to it over JSON lines.
//
// All methods act on the state of one engine instance. Phase and dataset
// indices are 1-based. Callers must follow the configuration order
// reset, structures, datasets, pair selection, parameters; the engine does
// not check it.
package engine

import "context"

// Engine is one refinement engine instance. It is not safe for concurrent
// use; a fit owns its engine for the duration of one run.
type Engine interface {
	Reset(ctx context.Context) error
	ReadStructString(ctx context.Context, pdffit string) error
	ReadDataString(ctx context.Context, obs, stype string, qmax, qdamp float64) error
	Alloc(ctx context.Context, stype string, qmax, qdamp, rmin, rmax float64, npts int) error
	SetPhase(ctx context.Context, i int) error
	SetData(ctx context.Context, i int) error
	Constrain(ctx context.Context, variable, formula string) error
	SetPar(ctx context.Context, n int, value float64) error
	FixPar(ctx context.Context, n int) error
	FreePar(ctx context.Context, n int) error
	SetVar(ctx context.Context, name string, value float64) error
	GetVar(ctx context.Context, name string) (float64, error)
	SelectAtomIndex(ctx context.Context, phase int, which string, atom int, flag bool) error
	Calc(ctx context.Context) error
	RefineStep(ctx context.Context, tolerance float64) (bool, error)
	GetR(ctx context.Context) ([]float64, error)
	GetPDFFit(ctx context.Context) ([]float64, error)
	GetPDFDiff(ctx context.Context) ([]float64, error)
	GetCRW(ctx context.Context) ([]float64, error)
	GetPar(ctx context.Context, n int) (float64, error)
	GetRW(ctx context.Context) (float64, error)
	SaveStructString(ctx context.Context, i int) (string, error)
	SaveResString(ctx context.Context) (string, error)
	BondAngle(ctx context.Context, i, j, k int) (string, error)
	BondLengthAtoms(ctx context.Context, i, j int) (string, error)
	BondLengthTypes(ctx context.Context, a1, a2 string, lo, hi float64) (string, error)
	Close() error
}

// Factory allocates a fresh engine.
type Factory func(ctx context.Context) (Engine, error)
