// Package calculation computes a theoretical PDF from the phases of a fit
// without refining anything.
package calculation

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/user"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"pdfctl/internal/controlerr"
	"pdfctl/internal/engine"
	"pdfctl/internal/parameter"
	"pdfctl/internal/phase"
)

// Calculation is a PDF computed on a fixed r-grid.
type Calculation struct {
	Name   string
	Rcalc  []float64
	Gcalc  []float64
	Stype  string
	Qmax   float64
	Qdamp  float64
	Qbroad float64
	Dscale float64
	// SPDiameter is kept only for reading old archives; phases own it now.
	SPDiameter *float64

	rmin, rstep, rmax float64
	rlen              int
}

// New returns a calculation on the default grid 0.1:0.01:10.
func New(name string) *Calculation {
	c := &Calculation{
		Name:   name,
		Stype:  "X",
		Qdamp:  0.001,
		Dscale: 1,
	}
	if err := c.SetRGrid(0.1, 0.01, 10); err != nil {
		panic(err)
	}
	return c
}

// ID identifies the calculation in the organizer tree.
func (c *Calculation) ID() string { return "c_" + c.Name }

func (c *Calculation) Rmin() float64  { return c.rmin }
func (c *Calculation) Rstep() float64 { return c.rstep }
func (c *Calculation) Rmax() float64  { return c.rmax }
func (c *Calculation) Rlen() int      { return c.rlen }

// SetRGrid changes the r-grid. rmax is moved to a whole number of steps
// above rmin.
func (c *Calculation) SetRGrid(rmin, rstep, rmax float64) error {
	if !(rmin > 0) {
		return controlerr.Value("Low range boundary must be positive.")
	}
	if !(rmin < rmax) {
		return controlerr.Value("Invalid range boundaries.")
	}
	if rstep <= 0 {
		return controlerr.Value("Invalid value of rstep, rstep must be positive.")
	}
	nbins := int(math.Ceil((rmax - rmin) / rstep))
	// drop a bin gained from round-off
	if nbins > 1 && math.Abs(rmin+float64(nbins-1)*rstep-rmax) < 1e-8*rstep {
		nbins--
	}
	c.rmin = rmin
	c.rstep = rstep
	c.rmax = rmin + float64(nbins)*rstep
	c.rlen = nbins + 1
	return nil
}

// Calculate runs the engine on the initial phases with the initial values
// of pars. eng must be fresh; it is not reset here.
func (c *Calculation) Calculate(ctx context.Context, eng engine.Engine, phases []*phase.Phase, pars parameter.Set, lookup parameter.Lookup) error {
	c.Rcalc, c.Gcalc = nil, nil
	if len(phases) == 0 {
		return controlerr.Config("No structure is given for calculation")
	}
	for _, p := range phases {
		if err := eng.ReadStructString(ctx, p.Initial.WriteString()); err != nil {
			return err
		}
		for _, v := range p.SortedVars() {
			if err := eng.Constrain(ctx, v, p.Constraints[v].Formula()); err != nil {
				return err
			}
		}
	}
	if err := eng.Alloc(ctx, c.Stype, c.Qmax, c.Qdamp, c.rmin, c.rmax, c.rlen); err != nil {
		return err
	}
	if err := eng.SetVar(ctx, "qbroad", c.Qbroad); err != nil {
		return err
	}
	if err := eng.SetVar(ctx, "dscale", c.Dscale); err != nil {
		return err
	}
	// pair selection acts on the current dataset, so it follows alloc
	for i, p := range phases {
		if err := eng.SetPhase(ctx, i+1); err != nil {
			return err
		}
		for _, v := range []string{"pscale", "spdiameter"} {
			x, err := p.Initial.GetVar(v)
			if err != nil {
				return err
			}
			if err := eng.SetVar(ctx, v, x); err != nil {
				return err
			}
		}
		if err := p.ApplyPairSelection(ctx, eng, i+1); err != nil {
			return err
		}
	}
	for _, idx := range pars.Indices() {
		par := pars[idx]
		v, err := par.InitialValue(lookup)
		if err != nil {
			return err
		}
		if err := eng.SetPar(ctx, idx, v); err != nil {
			return err
		}
		if par.Fixed {
			if err := eng.FixPar(ctx, idx); err != nil {
				return err
			}
		}
	}
	if err := eng.Calc(ctx); err != nil {
		return err
	}
	r, err := eng.GetR(ctx)
	if err != nil {
		return err
	}
	g, err := eng.GetPDFFit(ctx)
	if err != nil {
		return err
	}
	c.Rcalc, c.Gcalc = r, g
	return nil
}

func gfmt(v float64) string { return fmt.Sprintf("%.6g", v) }

// WriteString renders the calculated PDF in the PDFgui data format.
func (c *Calculation) WriteString() string {
	who := "unknown"
	if u, err := user.Current(); err == nil {
		who = u.Username
	}
	lines := []string{
		"History written: " + time.Now().Format(time.ANSIC),
		"produced by " + who,
		"##### PDFgui calculation",
	}
	switch c.Stype {
	case "X":
		lines = append(lines, "stype=X  x-ray scattering")
	case "N":
		lines = append(lines, "stype=N  neutron scattering")
	}
	if c.Dscale != 0 {
		lines = append(lines, "dscale="+gfmt(c.Dscale))
	}
	if c.Qmax == 0 {
		lines = append(lines, "qmax=0   correction not applied")
	} else {
		lines = append(lines, fmt.Sprintf("qmax=%.2f", c.Qmax))
	}
	lines = append(lines, "qdamp="+gfmt(c.Qdamp))
	if c.Qbroad != 0 {
		lines = append(lines, "qbroad="+gfmt(c.Qbroad))
	}
	lines = append(lines, "##### start data", "#L r(A) G(r)")
	for i := range c.Rcalc {
		g := 0.0
		if i < len(c.Gcalc) {
			g = c.Gcalc[i]
		}
		lines = append(lines, gfmt(c.Rcalc[i])+" "+gfmt(g))
	}
	return strings.Join(lines, "\n") + "\n"
}

// WriteFile stores WriteString output at path.
func (c *Calculation) WriteFile(path string) error {
	return os.WriteFile(path, []byte(c.WriteString()), 0o644)
}

// YNames lists the curves that can be plotted.
func (c *Calculation) YNames() []string { return []string{"Gcalc"} }

// Data returns rcalc or Gcalc.
func (c *Calculation) Data(name string) ([]float64, error) {
	switch name {
	case "rcalc":
		return c.Rcalc, nil
	case "Gcalc":
		return c.Gcalc, nil
	}
	return nil, controlerr.Key("Invalid data name '%s' for calculation '%s'", name, c.Name)
}

// Clone returns an independent copy.
func (c *Calculation) Clone() *Calculation {
	out := *c
	out.Rcalc = append([]float64(nil), c.Rcalc...)
	out.Gcalc = append([]float64(nil), c.Gcalc...)
	if c.SPDiameter != nil {
		v := *c.SPDiameter
		out.SPDiameter = &v
	}
	return &out
}

type configRecord struct {
	Rmin       float64   `yaml:"rmin"`
	Rstep      float64   `yaml:"rstep"`
	Rmax       float64   `yaml:"rmax"`
	Rlen       int       `yaml:"rlen"`
	Rcalc      []float64 `yaml:"rcalc"`
	Gcalc      []float64 `yaml:"Gcalc"`
	Stype      string    `yaml:"stype"`
	Qmax       float64   `yaml:"qmax"`
	Qdamp      *float64  `yaml:"qdamp,omitempty"`
	Qsig       *float64  `yaml:"qsig,omitempty"`
	Qbroad     *float64  `yaml:"qbroad,omitempty"`
	Qalp       *float64  `yaml:"qalp,omitempty"`
	SPDiameter *float64  `yaml:"spdiameter,omitempty"`
	Dscale     float64   `yaml:"dscale"`
}

// ArchiveFiles returns the archive entries of the calculation.
func (c *Calculation) ArchiveFiles() (map[string][]byte, error) {
	qdamp, qbroad := c.Qdamp, c.Qbroad
	data, err := yaml.Marshal(configRecord{
		Rmin: c.rmin, Rstep: c.rstep, Rmax: c.rmax, Rlen: c.rlen,
		Rcalc: c.Rcalc, Gcalc: c.Gcalc,
		Stype: c.Stype, Qmax: c.Qmax,
		Qdamp: &qdamp, Qbroad: &qbroad,
		Dscale: c.Dscale,
	})
	if err != nil {
		return nil, err
	}
	return map[string][]byte{"config": data}, nil
}

// LoadArchiveFiles restores the calculation. Old archives may name qdamp
// qsig and qbroad qalp.
func (c *Calculation) LoadArchiveFiles(files map[string][]byte) error {
	data, ok := files["config"]
	if !ok {
		return controlerr.File("calculation '%s' has no config", c.Name)
	}
	var rec configRecord
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return controlerr.File("calculation '%s': %v", c.Name, err)
	}
	c.rmin, c.rstep, c.rmax, c.rlen = rec.Rmin, rec.Rstep, rec.Rmax, rec.Rlen
	c.Rcalc, c.Gcalc = rec.Rcalc, rec.Gcalc
	c.Stype, c.Qmax, c.Dscale = rec.Stype, rec.Qmax, rec.Dscale
	switch {
	case rec.Qdamp != nil:
		c.Qdamp = *rec.Qdamp
	case rec.Qsig != nil:
		c.Qdamp = *rec.Qsig
	}
	c.Qbroad = 0
	switch {
	case rec.Qbroad != nil:
		c.Qbroad = *rec.Qbroad
	case rec.Qalp != nil:
		c.Qbroad = *rec.Qalp
	}
	c.SPDiameter = rec.SPDiameter
	return nil
}
