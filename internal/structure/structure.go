// Package structure models one crystal phase: lattice, atoms and the
// phase-level scalars used by the PDF engine.
package structure

import (
	"math"

	"pdfctl/internal/controlerr"
)

// Lattice holds the cell lengths in Angstrom and angles in degrees.
type Lattice struct {
	A, B, C            float64
	Alpha, Beta, Gamma float64
}

// Params returns (a, b, c, alpha, beta, gamma).
func (l Lattice) Params() [6]float64 {
	return [6]float64{l.A, l.B, l.C, l.Alpha, l.Beta, l.Gamma}
}

// SetParams replaces all six lattice parameters.
func (l *Lattice) SetParams(p [6]float64) {
	l.A, l.B, l.C, l.Alpha, l.Beta, l.Gamma = p[0], p[1], p[2], p[3], p[4], p[5]
}

// Volume is the unit cell volume.
func (l Lattice) Volume() float64 {
	ca := math.Cos(l.Alpha * math.Pi / 180)
	cb := math.Cos(l.Beta * math.Pi / 180)
	cg := math.Cos(l.Gamma * math.Pi / 180)
	return l.A * l.B * l.C * math.Sqrt(1-ca*ca-cb*cb-cg*cg+2*ca*cb*cg)
}

// IsotropicUnit is the displacement tensor of unit isotropic vibration in
// the crystal axes. Off-diagonal terms are the cosines of the reciprocal
// cell angles.
func (l Lattice) IsotropicUnit() [3][3]float64 {
	rad := math.Pi / 180
	sa, sb, sg := math.Sin(l.Alpha*rad), math.Sin(l.Beta*rad), math.Sin(l.Gamma*rad)
	ca, cb, cg := math.Cos(l.Alpha*rad), math.Cos(l.Beta*rad), math.Cos(l.Gamma*rad)
	car := snapZero((cb*cg - ca) / (sb * sg))
	cbr := snapZero((ca*cg - cb) / (sa * sg))
	cgr := snapZero((ca*cb - cg) / (sa * sb))
	return [3][3]float64{
		{1, cgr, cbr},
		{cgr, 1, car},
		{cbr, car, 1},
	}
}

// snapZero drops the rounding residue of cos(90).
func snapZero(x float64) float64 {
	if math.Abs(x) < 1e-12 {
		return 0
	}
	return x
}

// Atom is one site of the structure. Atoms are always handled by pointer so
// their identity survives insertions and deletions.
type Atom struct {
	Element   string
	XYZ       [3]float64
	Occupancy float64
	U         [3][3]float64

	SigXYZ [3]float64
	SigO   float64
	SigU   [3][3]float64
}

// NewAtom returns an atom with full occupancy.
func NewAtom(element string, x, y, z float64) *Atom {
	return &Atom{Element: element, XYZ: [3]float64{x, y, z}, Occupancy: 1}
}

// SetUiso sets the displacement tensor of isotropic vibration u in the
// lattice l.
func (a *Atom) SetUiso(l Lattice, u float64) {
	unit := l.IsotropicUnit()
	for i := range unit {
		for j := range unit[i] {
			a.U[i][j] = u * unit[i][j]
		}
	}
}

// Clone returns a copy with a new identity.
func (a *Atom) Clone() *Atom {
	c := *a
	return &c
}

// PDFFit holds the phase-level scalars of the engine's structure format.
type PDFFit struct {
	Scale      float64
	Delta1     float64
	Delta2     float64
	SRatio     float64
	RCut       float64
	StepCut    float64
	SPDiameter float64
	SpcGr      string
	SGOffset   [3]float64
	DCell      [6]float64
	NCell      [3]int
}

func defaultPDFFit() PDFFit {
	return PDFFit{Scale: 1, SRatio: 1, SpcGr: "P1", NCell: [3]int{1, 1, 1}}
}

// Structure is a crystal phase.
type Structure struct {
	Title   string
	Lattice Lattice
	Atoms   []*Atom
	PDFFit  PDFFit
}

// New returns an empty structure with a unit cubic cell.
func New(title string) *Structure {
	return &Structure{
		Title:   title,
		Lattice: Lattice{A: 1, B: 1, C: 1, Alpha: 90, Beta: 90, Gamma: 90},
		PDFFit:  defaultPDFFit(),
	}
}

// Len returns the number of atoms.
func (s *Structure) Len() int { return len(s.Atoms) }

// Clone deep-copies the structure including atoms.
func (s *Structure) Clone() *Structure {
	c := *s
	c.Atoms = make([]*Atom, len(s.Atoms))
	for i, a := range s.Atoms {
		c.Atoms[i] = a.Clone()
	}
	return &c
}

// IndexOf returns the 0-based position of atom a, or -1.
func (s *Structure) IndexOf(a *Atom) int {
	for i, b := range s.Atoms {
		if a == b {
			return i
		}
	}
	return -1
}

// Insert adds atoms before position idx. idx == Len() appends.
func (s *Structure) Insert(idx int, atoms ...*Atom) error {
	if idx < 0 || idx > len(s.Atoms) {
		return controlerr.Index("atom position %d out of range", idx)
	}
	out := make([]*Atom, 0, len(s.Atoms)+len(atoms))
	out = append(out, s.Atoms[:idx]...)
	out = append(out, atoms...)
	out = append(out, s.Atoms[idx:]...)
	s.Atoms = out
	return nil
}

// Delete removes atoms at the given 0-based positions.
func (s *Structure) Delete(indices []int) error {
	drop := make(map[int]bool, len(indices))
	for _, i := range indices {
		if i < 0 || i >= len(s.Atoms) {
			return controlerr.Index("atom index %d out of range", i)
		}
		drop[i] = true
	}
	out := s.Atoms[:0:0]
	for i, a := range s.Atoms {
		if !drop[i] {
			out = append(out, a)
		}
	}
	s.Atoms = out
	return nil
}

// Composition counts occupancy-weighted atoms per element.
func (s *Structure) Composition() map[string]float64 {
	out := make(map[string]float64)
	for _, a := range s.Atoms {
		out[a.Element] += a.Occupancy
	}
	return out
}
