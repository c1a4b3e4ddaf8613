package phase

import (
	"context"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"pdfctl/internal/controlerr"
)

// PairSelector is the part of the engine that masks atom pairs.
type PairSelector interface {
	SelectAtomIndex(ctx context.Context, phase int, which string, atom int, flag bool) error
}

// PairFlags tells which atoms may be the first and the second member of a
// pair. Canonical is the normalized selection string.
type PairFlags struct {
	First     []bool
	Second    []bool
	Canonical string
}

var (
	atomSelection = regexp.MustCompile(`^(!?)(?:([a-zA-Z]+)$|(\d+)(:\d+)?$)`)
	wordSplit     = regexp.MustCompile(` *, *`)
)

type atomFlags struct {
	canonical string
	flags     map[int]bool
}

// parseAtomSelection reads [!]{element|i|i:j|all}. An empty string selects
// nothing.
func (p *Phase) parseAtomSelection(s string) (atomFlags, error) {
	out := atomFlags{flags: map[int]bool{}}
	s1 := strings.ReplaceAll(s, " ", "")
	if s1 == "" {
		return out, nil
	}
	m := atomSelection.FindStringSubmatch(s1)
	if m == nil {
		return out, controlerr.Value("Invalid selection syntax in '%s'", s)
	}
	natoms := p.Initial.Len()
	flag := m[1] == ""
	out.canonical = m[1]
	if el := m[2]; el != "" {
		el = strings.ToUpper(el[:1]) + strings.ToLower(el[1:])
		if el == "All" {
			for i := 0; i < natoms; i++ {
				out.flags[i] = flag
			}
			out.canonical += "all"
			return out, nil
		}
		for i, a := range p.Initial.Atoms {
			if a.Element == el {
				out.flags[i] = flag
			}
		}
		out.canonical += el
		return out, nil
	}
	start, _ := strconv.Atoi(m[3])
	lo := max(start-1, 0)
	hi := lo + 1
	out.canonical += m[3]
	if m[4] != "" {
		hi, _ = strconv.Atoi(m[4][1:])
		out.canonical += m[4]
	}
	hi = min(hi, natoms)
	for i := lo; i < hi; i++ {
		out.flags[i] = flag
	}
	return out, nil
}

// PairSelectionFlags parses a pair selection such as "all-all, !Cl-!Cl".
// Words apply in order and a later word overrides an earlier one for the
// atoms it names.
func (p *Phase) PairSelectionFlags(s string) (PairFlags, error) {
	n := p.Initial.Len()
	pf := PairFlags{First: make([]bool, n), Second: make([]bool, n)}
	var canon []string
	for _, w := range wordSplit.Split(strings.Trim(s, " \t,"), -1) {
		parts := strings.Split(w, "-")
		if len(parts) != 2 {
			return PairFlags{}, controlerr.Value("Selection word '%s' must contain one dash '-'.", w)
		}
		first, err := p.parseAtomSelection(parts[0])
		if err != nil {
			return PairFlags{}, err
		}
		second, err := p.parseAtomSelection(parts[1])
		if err != nil {
			return PairFlags{}, err
		}
		canon = append(canon, first.canonical+"-"+second.canonical)
		for i, f := range first.flags {
			pf.First[i] = f
		}
		for i, f := range second.flags {
			pf.Second[i] = f
		}
	}
	pf.Canonical = strings.Join(canon, ", ")
	return pf, nil
}

// SelectedPairs returns the canonical pair selection.
func (p *Phase) SelectedPairs() string { return p.selectedPairs }

// SetSelectedPairs validates s and stores its canonical form.
func (p *Phase) SetSelectedPairs(s string) error {
	pf, err := p.PairSelectionFlags(s)
	if err != nil {
		return err
	}
	p.selectedPairs = pf.Canonical
	return nil
}

// ApplyPairSelection sends the pair mask of the phase to the engine.
// phaseIdx is 1-based.
func (p *Phase) ApplyPairSelection(ctx context.Context, eng PairSelector, phaseIdx int) error {
	pf, err := p.PairSelectionFlags(p.selectedPairs)
	if err != nil {
		return err
	}
	for i := range pf.First {
		if err := eng.SelectAtomIndex(ctx, phaseIdx, "i", i+1, pf.First[i]); err != nil {
			return err
		}
		if err := eng.SelectAtomIndex(ctx, phaseIdx, "j", i+1, pf.Second[i]); err != nil {
			return err
		}
	}
	return nil
}

// SelectedIndices returns the 0-based indices matched by an atom selection
// such as "1:4, 7, Cl".
func (p *Phase) SelectedIndices(s string) ([]int, error) {
	s1 := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
	set := map[int]bool{}
	for _, w := range strings.Split(s1, ",") {
		af, err := p.parseAtomSelection(w)
		if err != nil {
			return nil, err
		}
		// negations only remove atoms selected by earlier words
		for i, f := range af.flags {
			if f {
				set[i] = true
			} else {
				delete(set, i)
			}
		}
	}
	out := make([]int, 0, len(set))
	for i := range set {
		out = append(out, i)
	}
	sort.Ints(out)
	return out, nil
}
