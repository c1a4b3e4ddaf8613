// Package phase couples a crystal structure with the constraints, pair
// selection and symmetry tools used while fitting it.
package phase

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"

	"pdfctl/internal/constraint"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/parameter"
	"pdfctl/internal/spacegroup"
	"pdfctl/internal/structure"
)

// DefaultSymPosEps is the tolerance for equal positions in symmetry checks.
const DefaultSymPosEps = 0.001

// StructSource is the part of the engine that hands back refined phases.
type StructSource interface {
	SetPhase(ctx context.Context, i int) error
	SaveStructString(ctx context.Context, i int) (string, error)
}

// Phase is a structure under refinement.
type Phase struct {
	Name        string
	Initial     *structure.Structure
	Refined     *structure.Structure
	Constraints map[string]*constraint.Constraint
	// CustomSpaceGroup is set when the structure file declared operations
	// not found in the built-in table.
	CustomSpaceGroup *spacegroup.SpaceGroup
	SymPosEps        float64

	selectedPairs string
}

// New returns an empty phase named name.
func New(name string) *Phase {
	return &Phase{
		Name:          name,
		Initial:       structure.New(name),
		Constraints:   map[string]*constraint.Constraint{},
		SymPosEps:     DefaultSymPosEps,
		selectedPairs: "all-all",
	}
}

// ID identifies the phase in snapshot column tables.
func (p *Phase) ID() string { return "p_" + p.Name }

// ReadFile replaces the initial structure with the pdffit file at path.
func (p *Phase) ReadFile(path string) error {
	s, err := structure.ReadFile(path)
	if err != nil {
		return err
	}
	p.Initial = s
	return nil
}

// ReadString replaces the initial structure with pdffit text.
func (p *Phase) ReadString(text string) error {
	s, err := structure.ReadString(text)
	if err != nil {
		return controlerr.File("Invalid structure data for phase '%s': %v", p.Name, err)
	}
	p.Initial = s
	return nil
}

// ClearRefined drops refinement results.
func (p *Phase) ClearRefined() { p.Refined = nil }

// ObtainRefined pulls the refined structure of engine phase i.
func (p *Phase) ObtainRefined(ctx context.Context, eng StructSource, i int) error {
	if err := eng.SetPhase(ctx, i); err != nil {
		return err
	}
	text, err := eng.SaveStructString(ctx, i)
	if err != nil {
		return err
	}
	s, err := structure.ReadString(text)
	if err != nil {
		return controlerr.Runtime("cannot parse refined phase %d: %v", i, err)
	}
	if s.Title == "" {
		s.Title = p.Name
	}
	p.Refined = s
	return nil
}

// SortedVars returns the constrained variable names in a stable order.
func (p *Phase) SortedVars() []string {
	out := make([]string, 0, len(p.Constraints))
	for k := range p.Constraints {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// FindParameters guesses the parameters used by the constraints from the
// current structure. The first non-nil guess for an index wins; indices that
// cannot be guessed start at zero.
func (p *Phase) FindParameters() (parameter.Set, error) {
	found := parameter.Guesses{}
	for _, v := range p.SortedVars() {
		cur, err := p.Initial.GetVar(v)
		if err != nil {
			return nil, err
		}
		found.Merge(p.Constraints[v].Guess(cur))
	}
	return found.Set(), nil
}

// ApplyParameters evaluates every constraint and writes the result into the
// initial structure.
func (p *Phase) ApplyParameters(values map[int]float64) error {
	for _, v := range p.SortedVars() {
		x, err := p.Constraints[v].Eval(values)
		if err != nil {
			return err
		}
		if err := p.Initial.SetVar(v, x); err != nil {
			return err
		}
	}
	return nil
}

// ChangeParameterIndex renames @old to @new in every formula.
func (p *Phase) ChangeParameterIndex(old, new int) error {
	for _, v := range p.SortedVars() {
		if err := p.Constraints[v].Rename(old, new); err != nil {
			return err
		}
	}
	return nil
}

var atomVarPattern = regexp.MustCompile(`^([xyz]|occ|u11|u22|u33|u12|u13|u23)\((\d+)\)$`)

type atomConstraints map[*structure.Atom]map[string]*constraint.Constraint

// popAtomConstraints takes the per-atom constraints out of the map, keyed
// by atom identity, so that indices can be rebuilt after an edit.
func (p *Phase) popAtomConstraints() (atomConstraints, error) {
	type hit struct {
		key, bare string
		idx       int
	}
	var hits []hit
	for key := range p.Constraints {
		m := atomVarPattern.FindStringSubmatch(key)
		if m == nil {
			continue
		}
		i, _ := strconv.Atoi(m[2])
		if i < 1 || i > p.Initial.Len() {
			return nil, controlerr.Index("constraint '%s' refers to a missing atom", key)
		}
		hits = append(hits, hit{key, m[1], i - 1})
	}
	acd := atomConstraints{}
	for _, h := range hits {
		a := p.Initial.Atoms[h.idx]
		if acd[a] == nil {
			acd[a] = map[string]*constraint.Constraint{}
		}
		acd[a][h.bare] = p.Constraints[h.key]
		delete(p.Constraints, h.key)
	}
	return acd, nil
}

func (p *Phase) restoreAtomConstraints(acd atomConstraints) {
	for i, a := range p.Initial.Atoms {
		for bare, c := range acd[a] {
			p.Constraints[fmt.Sprintf("%s(%d)", bare, i+1)] = c
		}
	}
}

// InsertAtoms inserts atoms before index. Constraints follow their atoms.
func (p *Phase) InsertAtoms(index int, atoms []*structure.Atom) error {
	acd, err := p.popAtomConstraints()
	if err != nil {
		return err
	}
	if index > p.Initial.Len() {
		index = p.Initial.Len()
	}
	err = p.Initial.Insert(index, atoms...)
	p.restoreAtomConstraints(acd)
	return err
}

// DeleteAtoms removes the atoms at the given 0-based indices along with their
// constraints.
func (p *Phase) DeleteAtoms(indices []int) error {
	acd, err := p.popAtomConstraints()
	if err != nil {
		return err
	}
	err = p.Initial.Delete(indices)
	p.restoreAtomConstraints(acd)
	return err
}

// parenParam matches a parenthesized parameter that is not a call argument.
var parenParam = regexp.MustCompile(`(^|[^\w])\((@\d+)\)`)

func unwrapParams(f string) string {
	return parenParam.ReplaceAllString(f, "${1}${2}")
}

// ExpandSuperCell replicates the structure m x n x o times. Position and
// lattice constraints are rewritten for the new cell. On error the phase is
// left as it was.
func (p *Phase) ExpandSuperCell(m, n, o int) error {
	mno := [3]int{m, n, o}
	if mno == [3]int{1, 1, 1} {
		return nil
	}
	if m < 1 || n < 1 || o < 1 {
		return controlerr.Value("mno must contain 3 positive integers")
	}

	latFormulas := map[string]string{}
	for d, v := range []string{"lat(1)", "lat(2)", "lat(3)"} {
		c, ok := p.Constraints[v]
		if !ok || mno[d] <= 1 {
			continue
		}
		f := unwrapParams(fmt.Sprintf("%.0f*(%s)", float64(mno[d]), c.Formula()))
		if _, err := constraint.New(f); err != nil {
			return err
		}
		latFormulas[v] = f
	}

	acd, err := p.popAtomConstraints()
	if err != nil {
		return err
	}
	var atoms []*structure.Atom
	expanded := atomConstraints{}
	for _, a := range p.Initial.Atoms {
		for i := 0; i < m; i++ {
			for j := 0; j < n; j++ {
				for k := 0; k < o; k++ {
					ijk := [3]int{i, j, k}
					dup := a.Clone()
					for d := 0; d < 3; d++ {
						dup.XYZ[d] = (a.XYZ[d] + float64(ijk[d])) / float64(mno[d])
					}
					atoms = append(atoms, dup)
					if acd[a] == nil {
						continue
					}
					expanded[dup] = map[string]*constraint.Constraint{}
					for bare, c := range acd[a] {
						f := c.Formula()
						if d := indexXYZ(bare); d >= 0 {
							if ijk[d] != 0 {
								f += fmt.Sprintf(" + %d", ijk[d])
							}
							if mno[d] > 1 {
								f = unwrapParams(fmt.Sprintf("(%s)/%.1f", f, float64(mno[d])))
							}
						}
						nc, err := constraint.New(f)
						if err != nil {
							p.restoreAtomConstraints(acd)
							return err
						}
						expanded[dup][bare] = nc
					}
				}
			}
		}
	}
	p.Initial.Atoms = atoms
	p.restoreAtomConstraints(expanded)

	lat := p.Initial.Lattice
	lat.A *= float64(m)
	lat.B *= float64(n)
	lat.C *= float64(o)
	p.Initial.Lattice = lat
	for v, f := range latFormulas {
		// validated above
		_ = p.Constraints[v].SetFormula(f)
	}
	return nil
}

func indexXYZ(v string) int {
	switch v {
	case "x":
		return 0
	case "y":
		return 1
	case "z":
		return 2
	}
	return -1
}

// Copy returns a deep copy of the phase.
func (p *Phase) Copy() *Phase {
	out := &Phase{
		Name:             p.Name,
		Initial:          p.Initial.Clone(),
		Constraints:      make(map[string]*constraint.Constraint, len(p.Constraints)),
		CustomSpaceGroup: p.CustomSpaceGroup,
		SymPosEps:        p.SymPosEps,
		selectedPairs:    p.selectedPairs,
	}
	if p.Refined != nil {
		out.Refined = p.Refined.Clone()
	}
	for k, c := range p.Constraints {
		out.Constraints[k] = c.Clone()
	}
	return out
}

// YNames lists the names that can be plotted for this phase.
func (p *Phase) YNames() []string { return p.SortedVars() }
