// Package spacegroup provides the space-group operations used to expand an
// asymmetric unit and to derive symmetry constraints for atom sites.
//
// Groups are generated from a few generator operations and closed under
// multiplication. Translations are kept in twelfths so the closure is exact.
package spacegroup

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"pdfctl/internal/controlerr"
)

const denom = 12

// Op is a symmetry operation x' = R x + T/12.
type Op struct {
	R [3][3]int
	T [3]int
}

// Identity returns the identity operation.
func Identity() Op {
	return Op{R: [3][3]int{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}}
}

// Rot returns the rotation part as floats.
func (o Op) Rot() [3][3]float64 {
	var r [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			r[i][j] = float64(o.R[i][j])
		}
	}
	return r
}

// Trans returns the translation part as fractions.
func (o Op) Trans() [3]float64 {
	return [3]float64{float64(o.T[0]) / denom, float64(o.T[1]) / denom, float64(o.T[2]) / denom}
}

// Apply transforms fractional coordinates. The origin is shifted by offset
// before and after the operation.
func (o Op) Apply(xyz, offset [3]float64) [3]float64 {
	var out [3]float64
	t := o.Trans()
	for i := 0; i < 3; i++ {
		v := t[i] + offset[i]
		for j := 0; j < 3; j++ {
			v += float64(o.R[i][j]) * (xyz[j] - offset[j])
		}
		out[i] = v
	}
	return out
}

// Mul returns the composition o∘p (apply p first).
func (o Op) Mul(p Op) Op {
	var out Op
	for i := 0; i < 3; i++ {
		t := o.T[i]
		for j := 0; j < 3; j++ {
			t += o.R[i][j] * p.T[j]
			for k := 0; k < 3; k++ {
				out.R[i][j] += o.R[i][k] * p.R[k][j]
			}
		}
		out.T[i] = mod(t, denom)
	}
	return out
}

func mod(a, n int) int {
	a %= n
	if a < 0 {
		a += n
	}
	return a
}

// String renders the op in xyz notation, e.g. "-y,x-y,z+1/2".
func (o Op) String() string {
	parts := make([]string, 3)
	for i := 0; i < 3; i++ {
		var b strings.Builder
		for j, v := range []string{"x", "y", "z"} {
			switch o.R[i][j] {
			case 0:
				continue
			case 1:
				if b.Len() > 0 {
					b.WriteByte('+')
				}
			case -1:
				b.WriteByte('-')
			default:
				if b.Len() > 0 && o.R[i][j] > 0 {
					b.WriteByte('+')
				}
				b.WriteString(strconv.Itoa(o.R[i][j]) + "*")
			}
			b.WriteString(v)
		}
		if t := o.T[i]; t != 0 {
			g := gcd(t, denom)
			fmt.Fprintf(&b, "+%d/%d", t/g, denom/g)
		}
		parts[i] = b.String()
	}
	return strings.Join(parts, ",")
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	if a < 0 {
		return -a
	}
	return a
}

// ParseOp reads an operation in xyz notation such as "-x+1/2, y, -z+3/4".
func ParseOp(s string) (Op, error) {
	comps := strings.Split(strings.ReplaceAll(strings.ToLower(s), " ", ""), ",")
	if len(comps) != 3 {
		return Op{}, controlerr.Value("invalid symmetry operation %q", s)
	}
	var op Op
	for i, c := range comps {
		if err := parseComponent(c, &op, i); err != nil {
			return Op{}, controlerr.Value("invalid symmetry operation %q: %v", s, err)
		}
	}
	return op, nil
}

func parseComponent(c string, op *Op, row int) error {
	if c == "" {
		return fmt.Errorf("empty component")
	}
	i := 0
	for i < len(c) {
		sign := 1
		if c[i] == '+' || c[i] == '-' {
			if c[i] == '-' {
				sign = -1
			}
			i++
		}
		if i >= len(c) {
			return fmt.Errorf("dangling sign")
		}
		j := i
		for j < len(c) && c[j] != '+' && c[j] != '-' {
			j++
		}
		term := c[i:j]
		i = j
		coef := 1
		if k := strings.Index(term, "*"); k >= 0 {
			n, err := strconv.Atoi(term[:k])
			if err != nil {
				return err
			}
			coef, term = n, term[k+1:]
		}
		switch term {
		case "x", "y", "z":
			op.R[row][strings.Index("xyz", term)] += sign * coef
			continue
		}
		num, den := term, "1"
		if k := strings.Index(term, "/"); k >= 0 {
			num, den = term[:k], term[k+1:]
		}
		if strings.Contains(num, ".") {
			f, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return err
			}
			d, err := strconv.Atoi(den)
			if err != nil || d == 0 {
				return fmt.Errorf("bad fraction %q", term)
			}
			v := f / float64(d) * denom
			iv := int(math.Round(v))
			if math.Abs(v-float64(iv)) > 1e-6 {
				return fmt.Errorf("translation %q is not a multiple of 1/%d", term, denom)
			}
			op.T[row] += sign * iv
			continue
		}
		n, err := strconv.Atoi(num)
		if err != nil {
			return err
		}
		d, err := strconv.Atoi(den)
		if err != nil || d == 0 || (n*denom)%d != 0 {
			return fmt.Errorf("bad fraction %q", term)
		}
		op.T[row] += sign * n * denom / d
	}
	op.T[row] = mod(op.T[row], denom)
	return nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// SpaceGroup is a closed set of operations. Number 0 marks a custom group.
type SpaceGroup struct {
	Number    int
	ShortName string
	Ops       []Op
}

// Order returns the number of operations.
func (sg *SpaceGroup) Order() int { return len(sg.Ops) }

// OpStrings renders every operation in xyz notation.
func (sg *SpaceGroup) OpStrings() []string {
	out := make([]string, len(sg.Ops))
	for i, op := range sg.Ops {
		out[i] = op.String()
	}
	return out
}

// Closure generates the full group from generators.
func Closure(gens []Op) []Op {
	seen := map[Op]bool{Identity(): true}
	ops := []Op{Identity()}
	for _, g := range gens {
		g.T = [3]int{mod(g.T[0], denom), mod(g.T[1], denom), mod(g.T[2], denom)}
		if !seen[g] {
			seen[g] = true
			ops = append(ops, g)
		}
	}
	for changed := true; changed; {
		changed = false
		n := len(ops)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				p := ops[i].Mul(ops[j])
				if !seen[p] {
					seen[p] = true
					ops = append(ops, p)
					changed = true
				}
			}
		}
		// a bogus generator set can grow without bound
		if len(ops) > 192*denom {
			break
		}
	}
	return ops
}

// NewCustom builds a group from operation strings. The identity may be
// omitted; missing products are added.
func NewCustom(name string, opStrings []string) (*SpaceGroup, error) {
	gens := make([]Op, 0, len(opStrings))
	for _, s := range opStrings {
		op, err := ParseOp(s)
		if err != nil {
			return nil, err
		}
		gens = append(gens, op)
	}
	ops := Closure(gens)
	if len(ops) > 192 {
		return nil, controlerr.Value("operations of %q do not form a space group", name)
	}
	return &SpaceGroup{Number: 0, ShortName: name, Ops: ops}, nil
}

type entry struct {
	number int
	name   string
	gens   []string
}

const (
	fCenter  = "x,y+1/2,z+1/2"
	fCenter2 = "x+1/2,y,z+1/2"
	iCenter  = "x+1/2,y+1/2,z+1/2"
	cCenter  = "x+1/2,y+1/2,z"
	inv      = "-x,-y,-z"
)

// table holds explicit generators for the groups common in PDF work. They
// take precedence over hallTable, so Fd-3m here keeps origin choice 2.
var table = []entry{
	{1, "P1", nil},
	{2, "P-1", []string{inv}},
	{12, "C2/m", []string{cCenter, "-x,y,-z", inv}},
	{14, "P21/c", []string{"-x,y+1/2,-z+1/2", inv}},
	{15, "C2/c", []string{cCenter, "-x,y,-z+1/2", inv}},
	{61, "Pbca", []string{"-x+1/2,-y,z+1/2", "-x,y+1/2,-z+1/2", inv}},
	{62, "Pnma", []string{"-x+1/2,-y,z+1/2", "-x,y+1/2,-z", inv}},
	{63, "Cmcm", []string{cCenter, "-x,-y,z+1/2", "-x,y,-z+1/2", inv}},
	{123, "P4/mmm", []string{"-y,x,z", "-x,y,-z", inv}},
	{136, "P42/mnm", []string{"-y+1/2,x+1/2,z+1/2", "-x+1/2,y+1/2,-z+1/2", inv}},
	{139, "I4/mmm", []string{iCenter, "-y,x,z", "-x,y,-z", inv}},
	{164, "P-3m1", []string{"-y,x-y,z", "y,x,-z", inv}},
	{166, "R-3m", []string{"x+2/3,y+1/3,z+1/3", "-y,x-y,z", "y,x,-z", inv}},
	{186, "P63mc", []string{"x-y,x,z+1/2", "-y,-x,z"}},
	{191, "P6/mmm", []string{"x-y,x,z", "y,x,-z", inv}},
	{194, "P63/mmc", []string{"x-y,x,z+1/2", "y,x,-z", inv}},
	{216, "F-43m", []string{fCenter, fCenter2, "y,-x,-z", "z,x,y"}},
	{221, "Pm-3m", []string{"-y,x,z", "z,x,y", inv}},
	{225, "Fm-3m", []string{fCenter, fCenter2, "-y,x,z", "z,x,y", inv}},
	{227, "Fd-3m", []string{fCenter, fCenter2, "-x+3/4,-y+1/4,z+1/2", "-x+1/4,y+1/2,-z+3/4", "z,x,y", "y+3/4,x+1/4,-z+1/2", inv}},
	{229, "Im-3m", []string{iCenter, "-y,x,z", "z,x,y", inv}},
}

var (
	buildOnce sync.Once
	groups    []*SpaceGroup
)

// build closes the explicit generator entries first and fills the remaining
// numbers from their Hall symbols.
func build() {
	done := make(map[int]bool, len(hallTable))
	for _, e := range table {
		gens := make([]Op, len(e.gens))
		for i, s := range e.gens {
			op, err := ParseOp(s)
			if err != nil {
				panic(fmt.Sprintf("spacegroup %s: %v", e.name, err))
			}
			gens[i] = op
		}
		groups = append(groups, &SpaceGroup{Number: e.number, ShortName: e.name, Ops: Closure(gens)})
		done[e.number] = true
	}
	for _, h := range hallTable {
		if done[h.number] {
			continue
		}
		gens, err := ParseHall(h.hall)
		if err != nil {
			panic(fmt.Sprintf("spacegroup %s: %v", h.name, err))
		}
		groups = append(groups, &SpaceGroup{Number: h.number, ShortName: h.name, Ops: Closure(gens)})
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].Number < groups[j].Number })
}

// List returns the built-in groups sorted by number.
func List() []*SpaceGroup {
	buildOnce.Do(build)
	return append([]*SpaceGroup(nil), groups...)
}

func normalizeName(s string) string {
	s = strings.ReplaceAll(s, " ", "")
	s = strings.ReplaceAll(s, "_", "")
	return strings.ToLower(s)
}

// Lookup finds one of the 230 built-in groups by short name ("Fm-3m",
// "P6_3mc", "P 63 m c") or by number.
func Lookup(name string) (*SpaceGroup, error) {
	buildOnce.Do(build)
	if n, err := strconv.Atoi(strings.TrimSpace(name)); err == nil {
		for _, sg := range groups {
			if sg.Number == n {
				return sg, nil
			}
		}
	}
	want := normalizeName(name)
	if n, ok := aliases[want]; ok {
		return Lookup(strconv.Itoa(n))
	}
	for _, sg := range groups {
		if normalizeName(sg.ShortName) == want {
			return sg, nil
		}
	}
	return nil, controlerr.Value("Unknown space group %q", name)
}

// LatticeCompatible reports whether lattice parameters fit the crystal
// system of the group. Hexagonal axes are assumed for trigonal groups.
func (sg *SpaceGroup) LatticeCompatible(a, b, c, alpha, beta, gamma float64) bool {
	const eps = 1e-5
	eq := func(x, y float64) bool { return abs(x-y) <= eps*(abs(x)+abs(y)+1) }
	n := sg.Number
	switch {
	case n == 0 || n <= 2:
		return true
	case n <= 15:
		return eq(alpha, 90) && eq(gamma, 90)
	case n <= 74:
		return eq(alpha, 90) && eq(beta, 90) && eq(gamma, 90)
	case n <= 142:
		return eq(a, b) && eq(alpha, 90) && eq(beta, 90) && eq(gamma, 90)
	case n <= 194:
		return eq(a, b) && eq(alpha, 90) && eq(beta, 90) && eq(gamma, 120)
	default:
		return eq(a, b) && eq(b, c) && eq(alpha, 90) && eq(beta, 90) && eq(gamma, 90)
	}
}
