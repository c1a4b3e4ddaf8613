package dataset

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/interp"

	"pdfctl/internal/constraint"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/parameter"
)

// RefinableVars are the dataset variables the engine can refine.
var RefinableVars = []string{"qdamp", "qbroad", "dscale"}

// DefaultFitRmin is the lower fit boundary of a new dataset.
const DefaultFitRmin = 0.5

// Sampling types of the calculated r-grid.
const (
	SamplingData    = "data"
	SamplingNyquist = "Nyquist"
	SamplingCustom  = "custom"
)

// RefinedSource is the part of the engine read after a refinement step.
type RefinedSource interface {
	SetData(ctx context.Context, i int) error
	GetPDFFit(ctx context.Context) ([]float64, error)
	GetPDFDiff(ctx context.Context) ([]float64, error)
	GetCRW(ctx context.Context) ([]float64, error)
	GetVar(ctx context.Context, name string) (float64, error)
}

// Dataset is observed data prepared for fitting. The calculated grid
// (rcalc) is rebuilt lazily whenever the fit range or step changes; curves
// held on the old grid are interpolated onto the new one.
type Dataset struct {
	PDF
	Constraints map[string]*constraint.Constraint
	Refined     map[string]float64

	fitrmin  float64
	fitrmax  float64
	fitrstep float64

	changed bool
	rcalc   []float64
	gcalc   []float64
	dgcalc  []float64
	gtrunc  []float64
	dgtrunc []float64
	crw     []float64
}

// New returns an empty dataset named name.
func New(name string) *Dataset {
	d := &Dataset{}
	d.Name = name
	d.clear()
	return d
}

func (d *Dataset) clear() {
	d.PDF.clear()
	d.changed = true
	d.rcalc, d.gcalc, d.dgcalc, d.gtrunc, d.dgtrunc, d.crw = nil, nil, nil, nil, nil, nil
	d.fitrmin = DefaultFitRmin
	d.fitrmax = 0
	d.fitrstep = 0
	d.Constraints = map[string]*constraint.Constraint{}
	d.Refined = map[string]float64{}
}

// ID identifies the dataset in snapshot column tables.
func (d *Dataset) ID() string { return "d_" + d.Name }

// ReadFile loads observed data from path and fits the range to it. Like
// ReadString it starts from a cleared dataset.
func (d *Dataset) ReadFile(path string) error {
	d.clear()
	if err := d.PDF.ReadFile(path); err != nil {
		return err
	}
	d.updateRcalcRange()
	return nil
}

// ReadString loads observed data from text and fits the range to it.
func (d *Dataset) ReadString(text string) error {
	d.clear()
	if err := d.PDF.ReadString(text); err != nil {
		return err
	}
	d.updateRcalcRange()
	return nil
}

// updateRcalcRange clips the fit range to the observed data. Unset bounds
// and step take the observed values.
func (d *Dataset) updateRcalcRange() {
	frmin := d.fitrmin
	if frmin == 0 {
		frmin = d.Rmin
	}
	d.SetFitRmin(math.Max(frmin, d.Rmin))
	frmax := d.fitrmax
	if frmax == 0 {
		frmax = d.Rmax
	}
	d.SetFitRmax(math.Min(frmax, d.Rmax))
	if d.fitrstep == 0 {
		d.SetFitRstep(d.ObsSampling())
	} else {
		d.changed = true
	}
}

func (d *Dataset) FitRmin() float64  { return d.fitrmin }
func (d *Dataset) FitRmax() float64  { return d.fitrmax }
func (d *Dataset) FitRstep() float64 { return d.fitrstep }

func (d *Dataset) SetFitRmin(v float64) {
	d.fitrmin = v
	d.changed = true
}

func (d *Dataset) SetFitRmax(v float64) {
	d.fitrmax = v
	d.changed = true
}

func (d *Dataset) SetFitRstep(v float64) {
	d.fitrstep = v
	d.changed = true
}

// SamplingType classifies the fit step as "data", "Nyquist" or "custom".
func (d *Dataset) SamplingType() string {
	const eps = 1e-8
	switch {
	case math.Abs(d.fitrstep-d.ObsSampling()) < eps:
		return SamplingData
	case math.Abs(d.fitrstep-d.NyquistSampling()) < eps:
		return SamplingNyquist
	}
	return SamplingCustom
}

// SetSamplingType sets the fit step. value is used only for "custom" and is
// never allowed below the observed step.
func (d *Dataset) SetSamplingType(tp string, value float64) error {
	switch tp {
	case SamplingData:
		d.SetFitRstep(d.ObsSampling())
	case SamplingNyquist:
		d.SetFitRstep(d.NyquistSampling())
	case SamplingCustom:
		d.SetFitRstep(math.Max(value, d.ObsSampling()))
	default:
		return controlerr.Value("Invalid value for fit sampling type.")
	}
	return nil
}

// updateRcalcSampling rebuilds rcalc when the fit range changed. The grid
// starts at the last observed point not above fitrmin so that the whole
// [fitrmin, fitrmax] interval is covered.
func (d *Dataset) updateRcalcSampling() {
	if !d.changed {
		return
	}
	var grid []float64
	if step := d.fitrstep; len(d.Robs) > 0 && step > 0 {
		first := d.Robs[0]
		for _, r := range d.Robs {
			if r > d.fitrmin {
				break
			}
			first = r
		}
		n := math.RoundToEven((d.fitrmax - first) / step)
		if d.fitrmax-(first+n*step) > step*1e-8 {
			n++
		}
		if n < 0 {
			n = 0
		}
		grid = make([]float64, int(n)+1)
		for i := range grid {
			grid[i] = first + step*float64(i)
		}
	}
	if len(d.gcalc) > 0 {
		d.gcalc = gridInterpolation(d.rcalc, d.gcalc, grid, 0, 0)
	}
	if len(d.dgcalc) > 0 {
		d.dgcalc = gridInterpolation(d.rcalc, d.dgcalc, grid, 0, 0)
	}
	d.gtrunc, d.dgtrunc = nil, nil
	d.rcalc = grid
	d.changed = false
}

// Rcalc is the r-grid of the calculated curves.
func (d *Dataset) Rcalc() []float64 {
	d.updateRcalcSampling()
	return d.rcalc
}

// Gcalc is the calculated PDF on Rcalc.
func (d *Dataset) Gcalc() []float64 {
	d.updateRcalcSampling()
	return d.gcalc
}

// DGcalc is the standard deviation of Gcalc.
func (d *Dataset) DGcalc() []float64 {
	d.updateRcalcSampling()
	return d.dgcalc
}

// Gtrunc is Gobs interpolated onto Rcalc, zero outside the observed range.
func (d *Dataset) Gtrunc() []float64 {
	d.updateRcalcSampling()
	if len(d.gtrunc) == 0 {
		d.gtrunc = gridInterpolation(d.Robs, d.Gobs, d.rcalc, 0, 0)
	}
	return d.gtrunc
}

// DGtrunc is dGobs interpolated onto Rcalc, extended by the edge values.
func (d *Dataset) DGtrunc() []float64 {
	d.updateRcalcSampling()
	if len(d.dgtrunc) == 0 {
		var left, right float64
		if n := len(d.DGobs); n > 0 {
			left, right = d.DGobs[0], d.DGobs[n-1]
		}
		d.dgtrunc = gridInterpolation(d.Robs, d.DGobs, d.rcalc, left, right)
	}
	return d.dgtrunc
}

// Gdiff is Gtrunc - Gcalc, empty while there is no Gcalc.
func (d *Dataset) Gdiff() []float64 {
	gcalc := d.Gcalc()
	if len(gcalc) == 0 {
		return nil
	}
	gtrunc := d.Gtrunc()
	n := min(len(gtrunc), len(gcalc))
	out := make([]float64, n)
	for i := 0; i < n; i++ {
		out[i] = gtrunc[i] - gcalc[i]
	}
	return out
}

// CRW is the cumulative rw on Rcalc.
func (d *Dataset) CRW() []float64 { return d.crw }

// SetCalc stores engine curves that are already on the current grid.
func (d *Dataset) SetCalc(gcalc, dgcalc []float64) {
	d.updateRcalcSampling()
	d.gcalc = gcalc
	d.dgcalc = dgcalc
}

// SetCRW stores cumulative rw; a vector not matching Rcalc becomes zeros.
func (d *Dataset) SetCRW(crw []float64) {
	rc := d.Rcalc()
	if len(crw) != len(rc) {
		d.crw = make([]float64, len(rc))
		return
	}
	d.crw = append([]float64(nil), crw...)
}

// ClearRefined drops refinement results.
func (d *Dataset) ClearRefined() {
	d.gcalc, d.dgcalc, d.crw = nil, nil, nil
	d.Refined = map[string]float64{}
}

// ObtainRefined pulls curves and refined variables of engine dataset i.
func (d *Dataset) ObtainRefined(ctx context.Context, eng RefinedSource, i int) error {
	if err := eng.SetData(ctx, i); err != nil {
		return err
	}
	gcalc, err := eng.GetPDFFit(ctx)
	if err != nil {
		return err
	}
	dgcalc, err := eng.GetPDFDiff(ctx)
	if err != nil {
		return err
	}
	crw, err := eng.GetCRW(ctx)
	if err != nil {
		return err
	}
	d.SetCalc(gcalc, dgcalc)
	d.SetCRW(crw)
	for _, v := range RefinableVars {
		x, err := eng.GetVar(ctx, v)
		if err != nil {
			return err
		}
		d.Refined[v] = x
	}
	return nil
}

// GetVar reads qdamp, qbroad or dscale.
func (d *Dataset) GetVar(name string) (float64, error) {
	switch strings.TrimSpace(name) {
	case "qdamp":
		return d.Qdamp, nil
	case "qbroad":
		return d.Qbroad, nil
	case "dscale":
		return d.Dscale, nil
	}
	return 0, controlerr.Key("Invalid PdfFit dataset variable %q", strings.TrimSpace(name))
}

// SetVar writes qdamp, qbroad or dscale.
func (d *Dataset) SetVar(name string, v float64) error {
	switch strings.TrimSpace(name) {
	case "qdamp":
		d.Qdamp = v
	case "qbroad":
		d.Qbroad = v
	case "dscale":
		d.Dscale = v
	default:
		return controlerr.Key("Invalid PdfFit dataset variable %q", strings.TrimSpace(name))
	}
	return nil
}

// SortedVars returns the constrained variable names in a stable order.
func (d *Dataset) SortedVars() []string {
	out := make([]string, 0, len(d.Constraints))
	for k := range d.Constraints {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FindParameters guesses the parameters used by the constraints.
func (d *Dataset) FindParameters() (parameter.Set, error) {
	found := parameter.Guesses{}
	for _, v := range d.SortedVars() {
		cur, err := d.GetVar(v)
		if err != nil {
			return nil, err
		}
		found.Merge(d.Constraints[v].Guess(cur))
	}
	return found.Set(), nil
}

// ApplyParameters evaluates every constraint into the dataset variables.
func (d *Dataset) ApplyParameters(values map[int]float64) error {
	for _, v := range d.SortedVars() {
		x, err := d.Constraints[v].Eval(values)
		if err != nil {
			return err
		}
		if err := d.SetVar(v, x); err != nil {
			return err
		}
	}
	return nil
}

// ChangeParameterIndex renames @old to @new in every formula.
func (d *Dataset) ChangeParameterIndex(old, new int) error {
	for _, v := range d.SortedVars() {
		if err := d.Constraints[v].Rename(old, new); err != nil {
			return err
		}
	}
	return nil
}

// WriteObsString renders the observed data.
func (d *Dataset) WriteObsString() string { return d.PDF.WriteString() }

// WriteCalcString renders the calculated curve with its difference to the
// resampled observation.
func (d *Dataset) WriteCalcString() (string, error) {
	gcalc := d.Gcalc()
	if len(gcalc) == 0 {
		return "", controlerr.Status("Gcalc not available")
	}
	lines := historyHeader(" fit")
	if l, ok := stypeLine(d.Stype); ok {
		lines = append(lines, l)
	}
	if d.Qmax != 0 {
		lines = append(lines, fmt.Sprintf("qmax=%.2f", d.Qmax))
	}
	for _, v := range RefinableVars {
		lines = append(lines, v+"="+gfmt(d.Refined[v]))
	}
	lines = append(lines, "fitrmin="+gfmt(d.fitrmin), "fitrmax="+gfmt(d.fitrmax))
	lines = append(lines, metadataLines(d.Metadata)...)
	lines = append(lines, "##### start data", "#L r(A) G(r) d_r d_Gr Gdiff")
	rcalc, dgcalc, gdiff := d.Rcalc(), d.DGcalc(), d.Gdiff()
	for i := range rcalc {
		lines = append(lines, fmt.Sprintf("%s %s %.1f %s %s",
			gfmt(rcalc[i]), gfmt(at(gcalc, i)), 0.0, gfmt(at(dgcalc, i)), gfmt(at(gdiff, i))))
	}
	return strings.Join(lines, "\n") + "\n", nil
}

// Resampled returns the observed data moved onto the calculated grid.
func (d *Dataset) Resampled() *PDF {
	out := d.PDF.Clone()
	rc := d.Rcalc()
	out.Robs = append([]float64(nil), rc...)
	out.Drobs = make([]float64, len(rc))
	out.Gobs = append([]float64(nil), d.Gtrunc()...)
	out.DGobs = append([]float64(nil), d.DGtrunc()...)
	return out
}

// WriteResampledObsString renders Resampled in the observed data format.
// This is the text uploaded to the engine.
func (d *Dataset) WriteResampledObsString() string {
	return d.Resampled().WriteString()
}

// YNames lists the curves and variables that can be plotted against r or
// step.
func (d *Dataset) YNames() []string {
	return append([]string{"Gobs", "Gcalc", "Gdiff", "Gtrunc", "dGcalc", "crw"}, d.SortedVars()...)
}

// Data returns a metadata value or one of the curves held by the dataset.
// ok is false for names the fit history has to answer.
func (d *Dataset) Data(name string) (any, bool) {
	if v, ok := d.Metadata[name]; ok {
		return v, true
	}
	switch name {
	case "robs":
		return d.Robs, true
	case "Gobs":
		return d.Gobs, true
	case "rcalc":
		if rc := d.Rcalc(); len(rc) > 0 {
			return rc, true
		}
		return d.Robs, true
	case "Gcalc":
		return d.Gcalc(), true
	case "Gtrunc":
		if gt := d.Gtrunc(); len(gt) > 0 {
			return gt, true
		}
		return d.Gobs, true
	case "Gdiff":
		return d.Gdiff(), true
	case "crw":
		return d.CRW(), true
	}
	return nil, false
}

// Clone returns a deep copy, keeping the fit range and sampling type.
func (d *Dataset) Clone() *Dataset {
	out := &Dataset{PDF: *d.PDF.Clone()}
	out.fitrmin, out.fitrmax, out.fitrstep = d.fitrmin, d.fitrmax, d.fitrstep
	out.changed = true
	out.Constraints = constraint.CloneMap(d.Constraints)
	out.Refined = make(map[string]float64, len(d.Refined))
	for k, v := range d.Refined {
		out.Refined[k] = v
	}
	_ = out.SetSamplingType(d.SamplingType(), d.fitrstep)
	return out
}

// gridInterpolation linearly interpolates y0(x0) onto x1. Points below the
// observed range get left, points above it get right.
func gridInterpolation(x0, y0, x1 []float64, left, right float64) []float64 {
	xs, ys := increasingSamples(x0, y0)
	y1 := make([]float64, len(x1))
	for i := range y1 {
		y1[i] = right
	}
	switch len(xs) {
	case 0:
		return y1
	case 1:
		for i, x := range x1 {
			switch {
			case x < xs[0]:
				y1[i] = left
			case x == xs[0]:
				y1[i] = ys[0]
			}
		}
		return y1
	}
	var pl interp.PiecewiseLinear
	if err := pl.Fit(xs, ys); err != nil {
		return y1
	}
	n := len(xs)
	eps := (xs[n-1] - xs[0]) / float64(n-1) * 1e-8
	for i, x := range x1 {
		switch {
		case x <= xs[0]-eps:
			y1[i] = left
		case x >= xs[n-1]+eps:
			y1[i] = right
		default:
			y1[i] = pl.Predict(x)
		}
	}
	return y1
}

// increasingSamples orders the samples by x and drops repeated abscissae,
// which PiecewiseLinear.Fit rejects.
func increasingSamples(x0, y0 []float64) (xs, ys []float64) {
	n := min(len(x0), len(y0))
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x0[idx[a]] < x0[idx[b]] })
	for _, i := range idx {
		if len(xs) > 0 && x0[i] == xs[len(xs)-1] {
			continue
		}
		xs = append(xs, x0[i])
		ys = append(ys, y0[i])
	}
	return xs, ys
}
