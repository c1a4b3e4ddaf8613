package spacegroup

import (
	"math"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"

	"pdfctl/internal/controlerr"
)

// equalMod1 compares fractional positions modulo lattice translations.
func equalMod1(a, b [3]float64, eps float64) bool {
	for i := 0; i < 3; i++ {
		d := a[i] - b[i]
		d -= math.Round(d)
		if math.Abs(d) > eps {
			return false
		}
	}
	return true
}

func reduce(x [3]float64) [3]float64 {
	for i := range x {
		x[i] -= math.Floor(x[i])
		// keep 1-1e-17 from turning into 1
		if x[i] >= 1 {
			x[i] = 0
		}
	}
	return x
}

// transformU returns R U Rᵀ.
func transformU(r [3][3]float64, u [3][3]float64) [3][3]float64 {
	var out [3][3]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			var v float64
			for k := 0; k < 3; k++ {
				for l := 0; l < 3; l++ {
					v += r[i][k] * u[k][l] * r[j][l]
				}
			}
			out[i][j] = v
		}
	}
	return out
}

// Orbit is the set of positions equivalent to one site.
type Orbit struct {
	Positions [][3]float64
	Uijs      [][3][3]float64
}

// Multiplicity is the number of distinct positions in the orbit.
func (o Orbit) Multiplicity() int { return len(o.Positions) }

// ExpandPosition applies every operation to xyz and keeps the distinct
// positions, reduced to the unit cell.
func (sg *SpaceGroup) ExpandPosition(xyz [3]float64, u [3][3]float64, offset [3]float64, eps float64) Orbit {
	var orb Orbit
	for _, op := range sg.Ops {
		p := reduce(op.Apply(xyz, offset))
		dup := false
		for _, q := range orb.Positions {
			if equalMod1(p, q, eps) {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		orb.Positions = append(orb.Positions, p)
		orb.Uijs = append(orb.Uijs, transformU(op.Rot(), u))
	}
	return orb
}

// ExpandAsymmetricUnit expands each core position into its orbit.
func (sg *SpaceGroup) ExpandAsymmetricUnit(positions [][3]float64, uijs [][3][3]float64, offset [3]float64, eps float64) []Orbit {
	out := make([]Orbit, len(positions))
	for i, p := range positions {
		var u [3][3]float64
		if i < len(uijs) {
			u = uijs[i]
		}
		out[i] = sg.ExpandPosition(p, u, offset, eps)
	}
	return out
}

// Symbol is one free parameter produced by symmetry analysis. Var is one of
// x y z U11 U22 U33 U12 U13 U23; Site indexes the generating site.
type Symbol struct {
	Var   string
	Site  int
	Value float64
}

// Term is a coefficient applied to the Par-th symbol.
type Term struct {
	Par  int
	Coef float64
}

// Formula is Const + sum of terms.
type Formula struct {
	Const float64
	Terms []Term
}

// IsConstant reports whether the formula has no parameter terms.
func (f Formula) IsConstant() bool { return len(f.Terms) == 0 }

// Render writes the formula using names[Par] for each term, e.g.
// "-@11 + 0.5".
func (f Formula) Render(names []string) string {
	var b strings.Builder
	for _, t := range f.Terms {
		c := t.Coef
		switch {
		case b.Len() == 0 && c < 0:
			b.WriteString("-")
			c = -c
		case b.Len() > 0 && c < 0:
			b.WriteString(" - ")
			c = -c
		case b.Len() > 0:
			b.WriteString(" + ")
		}
		if c != 1 {
			b.WriteString(formatNumber(c) + "*")
		}
		b.WriteString(names[t.Par])
	}
	if b.Len() == 0 {
		return formatNumber(f.Const)
	}
	switch {
	case f.Const > 0:
		b.WriteString(" + " + formatNumber(f.Const))
	case f.Const < 0:
		b.WriteString(" - " + formatNumber(-f.Const))
	}
	return b.String()
}

func formatNumber(v float64) string {
	return strconv.FormatFloat(v, 'g', 12, 64)
}

// snap rounds values within 1e-8 of a multiple of 1/12 and clears tiny
// values.
func snap(v float64) float64 {
	if math.Abs(v) < 1e-10 {
		return 0
	}
	r := math.Round(v*denom) / denom
	if math.Abs(v-r) < 1e-8 {
		return r
	}
	return v
}

// Constraints holds symmetry-derived positions, displacement tensors and
// formulas for a list of sites.
type Constraints struct {
	Positions   [][3]float64
	Uijs        [][3][3]float64
	PosPars     []Symbol
	UPars       []Symbol
	PosFormulas []map[string]Formula // keys x, y, z
	UFormulas   []map[string]Formula // keys U11 ... U23
}

var (
	posVars = []string{"x", "y", "z"}
	uVars   = []string{"U11", "U22", "U33", "U12", "U13", "U23"}
	uIndex  = [6][2]int{{0, 0}, {1, 1}, {2, 2}, {0, 1}, {0, 2}, {1, 2}}
)

func uVec(u [3][3]float64) []float64 {
	out := make([]float64, 6)
	for m, ij := range uIndex {
		out[m] = u[ij[0]][ij[1]]
	}
	return out
}

func uMat(v []float64) [3][3]float64 {
	var u [3][3]float64
	for m, ij := range uIndex {
		u[ij[0]][ij[1]] = v[m]
		u[ij[1]][ij[0]] = v[m]
	}
	return u
}

// uOperator is the 6x6 matrix of U -> R U Rᵀ on the independent components.
func uOperator(r [3][3]float64) *mat.Dense {
	m := mat.NewDense(6, 6, nil)
	for col := 0; col < 6; col++ {
		e := make([]float64, 6)
		e[col] = 1
		v := uVec(transformU(r, uMat(e)))
		for row := 0; row < 6; row++ {
			m.Set(row, col, v[row])
		}
	}
	return m
}

// nullSpace returns an orthonormal basis (columns) of the null space of a.
func nullSpace(a *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, controlerr.Runtime("singular value decomposition failed")
	}
	vals := svd.Values(nil)
	var v mat.Dense
	svd.VTo(&v)
	_, n := a.Dims()
	var cols []int
	for j := 0; j < n; j++ {
		if j >= len(vals) || vals[j] < 1e-6 {
			cols = append(cols, j)
		}
	}
	if len(cols) == 0 {
		return nil, nil
	}
	out := mat.NewDense(n, len(cols), nil)
	for k, j := range cols {
		for i := 0; i < n; i++ {
			out.Set(i, k, v.At(i, j))
		}
	}
	return out, nil
}

// rref reduces the rows of basisᵀ and returns them with their pivot columns.
func rref(basis *mat.Dense) ([][]float64, []int) {
	if basis == nil {
		return nil, nil
	}
	n, k := basis.Dims()
	rows := make([][]float64, k)
	for i := range rows {
		rows[i] = make([]float64, n)
		for j := 0; j < n; j++ {
			rows[i][j] = basis.At(j, i)
		}
	}
	var pivots []int
	r := 0
	for c := 0; c < n && r < k; c++ {
		best := r
		for i := r + 1; i < k; i++ {
			if math.Abs(rows[i][c]) > math.Abs(rows[best][c]) {
				best = i
			}
		}
		if math.Abs(rows[best][c]) < 1e-8 {
			continue
		}
		rows[r], rows[best] = rows[best], rows[r]
		p := rows[r][c]
		for j := range rows[r] {
			rows[r][j] /= p
		}
		for i := 0; i < k; i++ {
			if i == r {
				continue
			}
			f := rows[i][c]
			for j := range rows[i] {
				rows[i][j] -= f * rows[r][j]
			}
		}
		pivots = append(pivots, c)
		r++
	}
	for i := range rows[:r] {
		for j := range rows[i] {
			rows[i][j] = snap(rows[i][j])
		}
	}
	return rows[:r], pivots
}

type siteMap struct {
	gen   int // index of generating site
	op    Op
	shift [3]float64
}

// SymmetryConstraints analyzes sites. Sites equivalent to an earlier site
// are expressed through the parameters of that site.
func (sg *SpaceGroup) SymmetryConstraints(positions [][3]float64, uijs [][3][3]float64, offset [3]float64, eps float64) (*Constraints, error) {
	n := len(positions)
	sc := &Constraints{
		Positions:   make([][3]float64, n),
		Uijs:        make([][3][3]float64, n),
		PosFormulas: make([]map[string]Formula, n),
		UFormulas:   make([]map[string]Formula, n),
	}
	us := make([][3][3]float64, n)
	copy(us, uijs)

	maps := make([]siteMap, n)
	for i := range maps {
		maps[i].gen = -1
	}
	for j := 0; j < n; j++ {
		for i := 0; i < j && maps[j].gen < 0; i++ {
			if maps[i].gen != i {
				continue
			}
			for _, op := range sg.Ops {
				p := op.Apply(positions[i], offset)
				if equalMod1(p, positions[j], eps) {
					var shift [3]float64
					for k := 0; k < 3; k++ {
						shift[k] = math.Round(positions[j][k] - p[k])
					}
					maps[j] = siteMap{gen: i, op: op, shift: shift}
					break
				}
			}
		}
		if maps[j].gen < 0 {
			maps[j] = siteMap{gen: j, op: Identity()}
		}
	}

	type genInfo struct {
		posConst  [3]float64
		posCoef   [][3]float64 // per parameter
		posParIdx []int
		uConst    []float64
		uCoef     [][]float64
		uParIdx   []int
	}
	gens := map[int]*genInfo{}

	for i := 0; i < n; i++ {
		if maps[i].gen != i {
			continue
		}
		stab := sg.stabilizer(positions[i], offset, eps)
		xs := symmetrizePosition(positions[i], stab, offset)
		gi := &genInfo{}

		a := mat.NewDense(3*len(stab), 3, nil)
		for s, op := range stab {
			r := op.Rot()
			for row := 0; row < 3; row++ {
				for col := 0; col < 3; col++ {
					v := r[row][col]
					if row == col {
						v -= 1
					}
					a.Set(3*s+row, col, v)
				}
			}
		}
		basis, err := nullSpace(a)
		if err != nil {
			return nil, err
		}
		rows, pivots := rref(basis)
		gi.posConst = xs
		for k, row := range rows {
			var coef [3]float64
			copy(coef[:], row)
			gi.posCoef = append(gi.posCoef, coef)
			for j := 0; j < 3; j++ {
				gi.posConst[j] -= row[j] * xs[pivots[k]]
			}
			gi.posParIdx = append(gi.posParIdx, len(sc.PosPars))
			sc.PosPars = append(sc.PosPars, Symbol{Var: posVars[pivots[k]], Site: i, Value: xs[pivots[k]]})
		}
		for j := 0; j < 3; j++ {
			gi.posConst[j] = snap(gi.posConst[j])
		}
		sc.Positions[i] = xs

		au := mat.NewDense(6*len(stab), 6, nil)
		for s, op := range stab {
			t := uOperator(op.Rot())
			for row := 0; row < 6; row++ {
				for col := 0; col < 6; col++ {
					v := t.At(row, col)
					if row == col {
						v -= 1
					}
					au.Set(6*s+row, col, v)
				}
			}
		}
		ubasis, err := nullSpace(au)
		if err != nil {
			return nil, err
		}
		uv := symmetrizeU(us[i], stab)
		urows, upivots := rref(ubasis)
		gi.uConst = append([]float64(nil), uv...)
		for k, row := range urows {
			gi.uCoef = append(gi.uCoef, row)
			for j := 0; j < 6; j++ {
				gi.uConst[j] -= row[j] * uv[upivots[k]]
			}
			gi.uParIdx = append(gi.uParIdx, len(sc.UPars))
			sc.UPars = append(sc.UPars, Symbol{Var: uVars[upivots[k]], Site: i, Value: uv[upivots[k]]})
		}
		for j := range gi.uConst {
			gi.uConst[j] = snap(gi.uConst[j])
		}
		sc.Uijs[i] = uMat(uv)
		gens[i] = gi
	}

	for j := 0; j < n; j++ {
		m := maps[j]
		gi := gens[m.gen]
		r := m.op.Rot()
		t := m.op.Trans()

		// position: x' = R (c + sum C_k p_k - off) + t + off + shift
		pf := make(map[string]Formula, 3)
		xsGen := sc.Positions[m.gen]
		var xj [3]float64
		for row := 0; row < 3; row++ {
			c := t[row] + offset[row] + m.shift[row]
			xj[row] = c
			for col := 0; col < 3; col++ {
				c += r[row][col] * (gi.posConst[col] - offset[col])
				xj[row] += r[row][col] * (xsGen[col] - offset[col])
			}
			f := Formula{Const: snap(c)}
			for k, coef := range gi.posCoef {
				var v float64
				for col := 0; col < 3; col++ {
					v += r[row][col] * coef[col]
				}
				if v = snap(v); v != 0 {
					f.Terms = append(f.Terms, Term{Par: gi.posParIdx[k], Coef: v})
				}
			}
			pf[posVars[row]] = f
		}
		sc.PosFormulas[j] = pf
		if j != m.gen {
			sc.Positions[j] = xj
		}

		// U' = T_R (c + sum C_k p_k)
		tu := uOperator(r)
		uf := make(map[string]Formula, 6)
		for row := 0; row < 6; row++ {
			var c float64
			for col := 0; col < 6; col++ {
				c += tu.At(row, col) * gi.uConst[col]
			}
			f := Formula{Const: snap(c)}
			for k, coef := range gi.uCoef {
				var v float64
				for col := 0; col < 6; col++ {
					v += tu.At(row, col) * coef[col]
				}
				if v = snap(v); v != 0 {
					f.Terms = append(f.Terms, Term{Par: gi.uParIdx[k], Coef: v})
				}
			}
			uf[uVars[row]] = f
		}
		sc.UFormulas[j] = uf
		if j != m.gen {
			sc.Uijs[j] = transformU(r, sc.Uijs[m.gen])
		}
	}
	return sc, nil
}

func (sg *SpaceGroup) stabilizer(xyz, offset [3]float64, eps float64) []Op {
	var out []Op
	for _, op := range sg.Ops {
		if equalMod1(op.Apply(xyz, offset), xyz, eps) {
			out = append(out, op)
		}
	}
	return out
}

// symmetrizePosition averages the images of xyz under its stabilizer.
func symmetrizePosition(xyz [3]float64, stab []Op, offset [3]float64) [3]float64 {
	var sum [3]float64
	for _, op := range stab {
		p := op.Apply(xyz, offset)
		for i := 0; i < 3; i++ {
			sum[i] += p[i] - math.Round(p[i]-xyz[i])
		}
	}
	for i := range sum {
		sum[i] = snap(sum[i] / float64(len(stab)))
	}
	return sum
}

func symmetrizeU(u [3][3]float64, stab []Op) []float64 {
	sum := make([]float64, 6)
	for _, op := range stab {
		v := uVec(transformU(op.Rot(), u))
		for i := range sum {
			sum[i] += v[i]
		}
	}
	for i := range sum {
		sum[i] /= float64(len(stab))
	}
	return sum
}
