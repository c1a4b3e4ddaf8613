package structure

import (
	"regexp"
	"strconv"
	"strings"

	"pdfctl/internal/controlerr"
)

// VarName is a parsed refinable variable name such as "pscale" or "u13(4)".
type VarName struct {
	Base  string
	Index int // 0 when the name has no argument
}

func (v VarName) String() string {
	if v.Index == 0 {
		return v.Base
	}
	return v.Base + "(" + strconv.Itoa(v.Index) + ")"
}

var varPattern = regexp.MustCompile(`^(\w+)(?:\((\d+)\))?$`)

// ParseVar tokenizes a variable name. Only the shape is checked here.
func ParseVar(name string) (VarName, error) {
	m := varPattern.FindStringSubmatch(strings.TrimSpace(name))
	if m == nil {
		return VarName{}, controlerr.Key("Invalid PdfFit phase variable %q", name)
	}
	v := VarName{Base: m[1]}
	if m[2] != "" {
		v.Index, _ = strconv.Atoi(m[2])
		if v.Index == 0 {
			return VarName{}, controlerr.Key("Invalid PdfFit phase variable %q", name)
		}
	}
	return v, nil
}

// AtomVars are the per-atom variable bases in engine order.
var AtomVars = []string{"x", "y", "z", "occ", "u11", "u22", "u33", "u12", "u13", "u23"}

type scalarField struct {
	get func(*Structure) float64
	set func(*Structure, float64)
}

type atomField struct {
	get func(*Atom) float64
	set func(*Atom, float64)
}

var phaseScalars = map[string]scalarField{
	"pscale":     {func(s *Structure) float64 { return s.PDFFit.Scale }, func(s *Structure, v float64) { s.PDFFit.Scale = v }},
	"delta1":     {func(s *Structure) float64 { return s.PDFFit.Delta1 }, func(s *Structure, v float64) { s.PDFFit.Delta1 = v }},
	"delta2":     {func(s *Structure) float64 { return s.PDFFit.Delta2 }, func(s *Structure, v float64) { s.PDFFit.Delta2 = v }},
	"sratio":     {func(s *Structure) float64 { return s.PDFFit.SRatio }, func(s *Structure, v float64) { s.PDFFit.SRatio = v }},
	"rcut":       {func(s *Structure) float64 { return s.PDFFit.RCut }, func(s *Structure, v float64) { s.PDFFit.RCut = v }},
	"stepcut":    {func(s *Structure) float64 { return s.PDFFit.StepCut }, func(s *Structure, v float64) { s.PDFFit.StepCut = v }},
	"spdiameter": {func(s *Structure) float64 { return s.PDFFit.SPDiameter }, func(s *Structure, v float64) { s.PDFFit.SPDiameter = v }},
}

func coord(i int) atomField {
	return atomField{func(a *Atom) float64 { return a.XYZ[i] }, func(a *Atom, v float64) { a.XYZ[i] = v }}
}

func tensor(i, j int) atomField {
	return atomField{
		func(a *Atom) float64 { return a.U[i][j] },
		func(a *Atom, v float64) { a.U[i][j], a.U[j][i] = v, v },
	}
}

var atomFields = map[string]atomField{
	"x":   coord(0),
	"y":   coord(1),
	"z":   coord(2),
	"occ": {func(a *Atom) float64 { return a.Occupancy }, func(a *Atom, v float64) { a.Occupancy = v }},
	"u11": tensor(0, 0),
	"u22": tensor(1, 1),
	"u33": tensor(2, 2),
	"u12": tensor(0, 1),
	"u13": tensor(0, 2),
	"u23": tensor(1, 2),
}

// PhaseScalarNames lists the phase-level variables that take no index.
func PhaseScalarNames() []string {
	return []string{"pscale", "delta1", "delta2", "sratio", "rcut", "stepcut", "spdiameter"}
}

// GetVar reads a refinable variable by name.
func (s *Structure) GetVar(name string) (float64, error) {
	v, err := ParseVar(name)
	if err != nil {
		return 0, err
	}
	if v.Index == 0 {
		f, ok := phaseScalars[v.Base]
		if !ok {
			return 0, controlerr.Key("Invalid PdfFit phase variable %q", name)
		}
		return f.get(s), nil
	}
	if v.Base == "lat" {
		if v.Index > 6 {
			return 0, controlerr.Key("Invalid PdfFit phase variable %q", name)
		}
		return s.Lattice.Params()[v.Index-1], nil
	}
	f, ok := atomFields[v.Base]
	if !ok {
		return 0, controlerr.Key("Invalid PdfFit phase variable %q", name)
	}
	if v.Index > len(s.Atoms) {
		return 0, controlerr.Key("Invalid PdfFit phase variable %q, no atom %d", name, v.Index)
	}
	return f.get(s.Atoms[v.Index-1]), nil
}

// SetVar writes a refinable variable by name. Off-diagonal tensor entries
// are written symmetrically.
func (s *Structure) SetVar(name string, value float64) error {
	v, err := ParseVar(name)
	if err != nil {
		return err
	}
	if v.Index == 0 {
		f, ok := phaseScalars[v.Base]
		if !ok {
			return controlerr.Key("Invalid PdfFit phase variable %q", name)
		}
		f.set(s, value)
		return nil
	}
	if v.Base == "lat" {
		if v.Index > 6 {
			return controlerr.Key("Invalid PdfFit phase variable %q", name)
		}
		p := s.Lattice.Params()
		p[v.Index-1] = value
		s.Lattice.SetParams(p)
		return nil
	}
	f, ok := atomFields[v.Base]
	if !ok {
		return controlerr.Key("Invalid PdfFit phase variable %q", name)
	}
	if v.Index > len(s.Atoms) {
		return controlerr.Key("Invalid PdfFit phase variable %q, no atom %d", name, v.Index)
	}
	f.set(s.Atoms[v.Index-1], value)
	return nil
}

// VarNames lists every refinable variable of the structure.
func (s *Structure) VarNames() []string {
	names := PhaseScalarNames()
	for k := 1; k <= 6; k++ {
		names = append(names, VarName{"lat", k}.String())
	}
	for i := range s.Atoms {
		for _, b := range AtomVars {
			names = append(names, VarName{b, i + 1}.String())
		}
	}
	return names
}
