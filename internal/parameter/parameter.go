// Package parameter holds the free parameters varied by the refinement engine.
package parameter

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"pdfctl/internal/controlerr"
)

// Lookup resolves a fit name to its parameter set. The project implements it
// so links never hold direct references to other fits.
type Lookup interface {
	FitParameters(fit string) (Set, bool)
}

// Parameter is one free parameter of a fit. Its initial value is either a
// number or a link "=fit:index" to a parameter of another fit.
type Parameter struct {
	Index   int
	Name    string
	Fixed   bool
	Refined *float64

	initial float64
	link    string
}

// New returns a parameter with a numeric initial value.
func New(index int, initial float64) *Parameter {
	return &Parameter{Index: index, initial: initial}
}

// SetInitialValue sets a numeric initial value and clears any link.
func (p *Parameter) SetInitialValue(v float64) {
	p.initial = v
	p.link = ""
}

// SetInitial accepts a number in text form or a link "=fit" / "=fit:index".
// A bare "=fit" link is completed with this parameter's own index.
func (p *Parameter) SetInitial(s string) error {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		p.SetInitialValue(v)
		return nil
	}
	if !strings.HasPrefix(s, "=") || len(s) < 2 {
		return controlerr.Type("invalid type of Parameter initial value %q", s)
	}
	if _, _, ok := splitLink(s); !ok {
		s = fmt.Sprintf("%s:%d", s, p.Index)
	}
	p.link = s
	p.initial = 0
	return nil
}

// IsLinked reports whether the initial value comes from another fit.
func (p *Parameter) IsLinked() bool { return p.link != "" }

// Link returns the target fit and index of a linked parameter.
func (p *Parameter) Link() (fit string, index int, ok bool) {
	if p.link == "" {
		return "", 0, false
	}
	return splitLink(p.link)
}

// InitialString renders the initial value the way it is entered.
func (p *Parameter) InitialString() string {
	if p.link != "" {
		return p.link
	}
	return strconv.FormatFloat(p.initial, 'g', -1, 64)
}

// InitialValue resolves the initial value, following links through lookup.
func (p *Parameter) InitialValue(lookup Lookup) (float64, error) {
	if p.link == "" {
		return p.initial, nil
	}
	return p.resolve(lookup, map[string]bool{})
}

func (p *Parameter) resolve(lookup Lookup, seen map[string]bool) (float64, error) {
	fit, idx, ok := splitLink(p.link)
	if !ok {
		return 0, controlerr.Runtime("Malformed linked parameter %s", p.link)
	}
	key := fmt.Sprintf("%s:%d", fit, idx)
	if seen[key] {
		return 0, controlerr.Value("self-dependent parameter %s", p.link)
	}
	seen[key] = true
	if lookup == nil {
		return 0, controlerr.Key("Fitting '%s' does not exist", fit)
	}
	set, found := lookup.FitParameters(fit)
	if !found {
		return 0, controlerr.Key("Fitting '%s' does not exist", fit)
	}
	src, found := set[idx]
	if !found {
		return 0, controlerr.Key("Fitting '%s' has no parameter %d", fit, idx)
	}
	switch {
	case src.Refined != nil:
		return *src.Refined, nil
	case src.link == "":
		return src.initial, nil
	default:
		return src.resolve(lookup, seen)
	}
}

// RetargetLink rewrites a link pointing at fit oldFit, index oldIdx. A
// negative oldIdx matches any index; newIdx < 0 keeps the index.
func (p *Parameter) RetargetLink(oldFit string, oldIdx int, newFit string, newIdx int) bool {
	fit, idx, ok := p.Link()
	if !ok || fit != oldFit || (oldIdx >= 0 && idx != oldIdx) {
		return false
	}
	if newIdx < 0 {
		newIdx = idx
	}
	p.link = fmt.Sprintf("=%s:%d", newFit, newIdx)
	return true
}

// SetRefined stores a refined value.
func (p *Parameter) SetRefined(v float64) {
	p.Refined = &v
}

// RefinedValue returns the refined value or NaN when unset.
func (p *Parameter) RefinedValue() float64 {
	if p.Refined == nil {
		return math.NaN()
	}
	return *p.Refined
}

// Clone returns a deep copy.
func (p *Parameter) Clone() *Parameter {
	c := *p
	if p.Refined != nil {
		v := *p.Refined
		c.Refined = &v
	}
	return &c
}

func splitLink(s string) (string, int, bool) {
	if !strings.HasPrefix(s, "=") {
		return "", 0, false
	}
	body := s[1:]
	i := strings.LastIndex(body, ":")
	if i < 0 {
		return body, 0, false
	}
	idx, err := strconv.Atoi(body[i+1:])
	if err != nil {
		return body, 0, false
	}
	return body[:i], idx, true
}

// Set maps parameter index to parameter.
type Set map[int]*Parameter

// Indices returns the indices in ascending order.
func (s Set) Indices() []int {
	out := make([]int, 0, len(s))
	for k := range s {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Clone deep-copies every parameter.
func (s Set) Clone() Set {
	out := make(Set, len(s))
	for k, p := range s {
		out[k] = p.Clone()
	}
	return out
}

// Guesses collects initial-value guesses per parameter index. A nil entry
// marks an index whose value could not be guessed.
type Guesses map[int]*float64

// Merge adds the guesses of one constraint. The first non-nil guess for an
// index wins; a nil guess only registers the index.
func (g Guesses) Merge(more map[int]*float64) {
	for k, v := range more {
		if cur, ok := g[k]; !ok || (cur == nil && v != nil) {
			g[k] = v
		}
	}
}

// Set returns one parameter per index. Unguessed indices start at zero.
func (g Guesses) Set() Set {
	out := make(Set, len(g))
	for k, v := range g {
		x := 0.0
		if v != nil {
			x = *v
		}
		out[k] = New(k, x)
	}
	return out
}

// Record is the persisted form of a Parameter.
type Record struct {
	Index   int      `yaml:"index" json:"index"`
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Initial string   `yaml:"initial" json:"initial"`
	Fixed   bool     `yaml:"fixed" json:"fixed"`
	Refined *float64 `yaml:"refined,omitempty" json:"refined,omitempty"`
}

// ToRecord converts p for persistence.
func (p *Parameter) ToRecord() Record {
	r := Record{Index: p.Index, Name: p.Name, Initial: p.InitialString(), Fixed: p.Fixed}
	if p.Refined != nil {
		v := *p.Refined
		r.Refined = &v
	}
	return r
}

// FromRecord rebuilds a parameter from its persisted form.
func FromRecord(r Record) (*Parameter, error) {
	p := &Parameter{Index: r.Index, Name: r.Name, Fixed: r.Fixed}
	if err := p.SetInitial(r.Initial); err != nil {
		return nil, err
	}
	if r.Refined != nil {
		v := *r.Refined
		p.Refined = &v
	}
	return p, nil
}
