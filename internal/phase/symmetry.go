package phase

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"pdfctl/internal/constraint"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/spacegroup"
	"pdfctl/internal/structure"
)

// SpaceGroupList returns the groups offered for this phase, the custom group
// first when there is one.
func (p *Phase) SpaceGroupList() []*spacegroup.SpaceGroup {
	list := spacegroup.List()
	if p.CustomSpaceGroup != nil {
		list = append([]*spacegroup.SpaceGroup{p.CustomSpaceGroup}, list...)
	}
	return list
}

// SpaceGroup finds a group by short name or number. The custom group takes
// precedence over a built-in one of the same name.
func (p *Phase) SpaceGroup(name string) (*spacegroup.SpaceGroup, error) {
	if cg := p.CustomSpaceGroup; cg != nil && cg.ShortName == strings.TrimSpace(name) {
		return cg, nil
	}
	return spacegroup.Lookup(name)
}

// SetCustomSpaceGroup installs a group built from xyz operation strings.
func (p *Phase) SetCustomSpaceGroup(name string, ops []string) error {
	sg, err := spacegroup.NewCustom(name, ops)
	if err != nil {
		return err
	}
	p.CustomSpaceGroup = sg
	return nil
}

// IsSpaceGroupPossible checks the lattice against the crystal system of sg.
func (p *Phase) IsSpaceGroupPossible(sg *spacegroup.SpaceGroup) bool {
	l := p.Initial.Lattice
	return sg.LatticeCompatible(l.A, l.B, l.C, l.Alpha, l.Beta, l.Gamma)
}

func (p *Phase) checkIndices(indices []int) error {
	for _, i := range indices {
		if i < 0 || i >= p.Initial.Len() {
			return controlerr.Index("atom index %d out of range", i+1)
		}
	}
	return nil
}

func uniqueSorted(indices []int) []int {
	set := map[int]bool{}
	var out []int
	for _, i := range indices {
		if !set[i] {
			set[i] = true
			out = append(out, i)
		}
	}
	sort.Ints(out)
	return out
}

// ExpandAsymmetricUnit replaces the atoms at the given 0-based indices by
// their full orbits under sg. Expanded atoms keep only a copy of the
// occupancy constraint of their source.
func (p *Phase) ExpandAsymmetricUnit(sg *spacegroup.SpaceGroup, indices []int, offset [3]float64) error {
	if err := p.checkIndices(indices); err != nil {
		return err
	}
	acd, err := p.popAtomConstraints()
	if err != nil {
		return err
	}
	idx := uniqueSorted(indices)
	pos := make([][3]float64, len(idx))
	uijs := make([][3][3]float64, len(idx))
	for k, i := range idx {
		pos[k] = p.Initial.Atoms[i].XYZ
		uijs[k] = p.Initial.Atoms[i].U
	}
	orbits := sg.ExpandAsymmetricUnit(pos, uijs, offset, p.SymPosEps)

	// splice from the back so earlier indices stay valid
	for k := len(idx) - 1; k >= 0; k-- {
		i := idx[k]
		src := p.Initial.Atoms[i]
		occ := acd[src]["occ"]
		delete(acd, src)
		expanded := make([]*structure.Atom, 0, orbits[k].Multiplicity())
		for j, xyz := range orbits[k].Positions {
			a := src.Clone()
			a.XYZ = xyz
			a.U = orbits[k].Uijs[j]
			expanded = append(expanded, a)
			if occ != nil {
				acd[a] = map[string]*constraint.Constraint{"occ": occ.Clone()}
			}
		}
		atoms := append([]*structure.Atom{}, p.Initial.Atoms[:i]...)
		atoms = append(atoms, expanded...)
		p.Initial.Atoms = append(atoms, p.Initial.Atoms[i+1:]...)
	}
	p.Initial.PDFFit.SpcGr = sg.ShortName
	p.Initial.PDFFit.SGOffset = offset
	p.restoreAtomConstraints(acd)
	return nil
}

var (
	posVarPattern = regexp.MustCompile(`^([xyz])\((\d+)\)$`)
	uVarPattern   = regexp.MustCompile(`^(u11|u22|u33|u12|u13|u23)\((\d+)\)$`)
)

var symbolOffset = map[string]int{
	"x": 1, "y": 2, "z": 3,
	"U11": 4, "U22": 5, "U33": 6, "U12": 7, "U13": 8, "U23": 9,
}

// parNames maps symmetry symbols to "@n" names, n = base + 10*site + offset.
func parNames(syms []spacegroup.Symbol, base int) ([]string, map[int]float64) {
	names := make([]string, len(syms))
	values := make(map[int]float64, len(syms))
	for i, s := range syms {
		idx := base + 10*s.Site + symbolOffset[s.Var]
		names[i] = "@" + strconv.Itoa(idx)
		values[idx] = s.Value
	}
	return names, values
}

// UsedIndices reports the parameter indices in use by the owning fit. It is
// called after stale constraints have been removed.
type UsedIndices func() ([]int, error)

// ApplySymmetryConstraints replaces position and/or displacement constraints
// of the selected atoms by ones derived from sg. New parameters start at the
// decade after the largest index in use. It returns their initial values.
func (p *Phase) ApplySymmetryConstraints(sg *spacegroup.SpaceGroup, indices []int, posFlag, uFlag bool, offset [3]float64, used UsedIndices) (map[int]float64, error) {
	if !posFlag && !uFlag {
		return nil, nil
	}
	if err := p.checkIndices(indices); err != nil {
		return nil, err
	}
	idx := uniqueSorted(indices)
	selected := map[int]bool{}
	for _, i := range idx {
		selected[i] = true
	}
	for key := range p.Constraints {
		if m := posVarPattern.FindStringSubmatch(key); posFlag && m != nil {
			if n, _ := strconv.Atoi(m[2]); selected[n-1] {
				delete(p.Constraints, key)
			}
		} else if m := uVarPattern.FindStringSubmatch(key); uFlag && m != nil {
			if n, _ := strconv.Atoi(m[2]); selected[n-1] {
				delete(p.Constraints, key)
			}
		}
	}

	maxIdx := 0
	if used != nil {
		in, err := used()
		if err != nil {
			return nil, err
		}
		for _, i := range in {
			if i > maxIdx {
				maxIdx = i
			}
		}
	}
	base := 10*(maxIdx/10) + 10

	atoms := make([]*structure.Atom, len(idx))
	pos := make([][3]float64, len(idx))
	uijs := make([][3][3]float64, len(idx))
	for k, i := range idx {
		atoms[k] = p.Initial.Atoms[i]
		pos[k] = atoms[k].XYZ
		uijs[k] = atoms[k].U
	}
	sc, err := sg.SymmetryConstraints(pos, uijs, offset, p.SymPosEps)
	if err != nil {
		return nil, err
	}

	values := map[int]float64{}
	install := func(formulas []map[string]spacegroup.Formula, names []string, lower bool) error {
		for k, i := range idx {
			for v, f := range formulas[k] {
				if f.IsConstant() {
					continue
				}
				if lower {
					v = strings.ToLower(v)
				}
				c, err := constraint.New(f.Render(names))
				if err != nil {
					return err
				}
				p.Constraints[fmt.Sprintf("%s(%d)", v, i+1)] = c
			}
		}
		return nil
	}
	if posFlag {
		for k, a := range atoms {
			a.XYZ = sc.Positions[k]
		}
		names, vals := parNames(sc.PosPars, base)
		for k, v := range vals {
			values[k] = v
		}
		if err := install(sc.PosFormulas, names, false); err != nil {
			return nil, err
		}
	}
	if uFlag {
		for k, a := range atoms {
			a.U = sc.Uijs[k]
		}
		names, vals := parNames(sc.UPars, base)
		for k, v := range vals {
			values[k] = v
		}
		if err := install(sc.UFormulas, names, true); err != nil {
			return nil, err
		}
	}
	p.Initial.PDFFit.SpcGr = sg.ShortName
	p.Initial.PDFFit.SGOffset = offset
	return values, nil
}
