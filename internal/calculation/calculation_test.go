package calculation

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfctl/internal/constraint"
	"pdfctl/internal/controlerr"
	"pdfctl/internal/engine/enginetest"
	"pdfctl/internal/parameter"
	"pdfctl/internal/phase"
	"pdfctl/internal/structure"
)

func nickel() *phase.Phase {
	p := phase.New("Ni")
	p.Initial.Lattice = structure.Lattice{A: 3.52, B: 3.52, C: 3.52, Alpha: 90, Beta: 90, Gamma: 90}
	for _, xyz := range [][3]float64{{0, 0, 0}, {0, 0.5, 0.5}} {
		a := structure.NewAtom("Ni", xyz[0], xyz[1], xyz[2])
		a.SetUiso(p.Initial.Lattice, 0.005)
		p.Initial.Atoms = append(p.Initial.Atoms, a)
	}
	p.Constraints["lat(1)"] = constraint.MustNew("@1")
	return p
}

func TestSetRGrid(t *testing.T) {
	c := New("calc")
	assert.Equal(t, 991, c.Rlen())

	require.NoError(t, c.SetRGrid(1.0, 0.2, 10.0))
	assert.Equal(t, 46, c.Rlen())
	assert.InDelta(t, 10.0, c.Rmax(), 1e-12)

	require.NoError(t, c.SetRGrid(1.0, 0.3, 2.0))
	assert.Equal(t, 5, c.Rlen())
	assert.InDelta(t, 2.2, c.Rmax(), 1e-12)

	for _, tc := range []struct {
		rmin, rstep, rmax float64
		msg               string
	}{
		{0, 0.1, 5, "Low range boundary must be positive."},
		{5, 0.1, 5, "Invalid range boundaries."},
		{1, 0, 5, "Invalid value of rstep, rstep must be positive."},
	} {
		err := c.SetRGrid(tc.rmin, tc.rstep, tc.rmax)
		require.ErrorIs(t, err, controlerr.ErrValue)
		assert.EqualError(t, err, tc.msg)
	}
	// failed calls leave the grid alone
	assert.Equal(t, 5, c.Rlen())
}

func TestCalculateCallOrder(t *testing.T) {
	ctx := context.Background()
	c := New("calc")
	require.NoError(t, c.SetRGrid(1, 0.5, 3))
	rec := enginetest.New()
	pars := parameter.Set{1: parameter.New(1, 3.52), 2: parameter.New(2, 0.8)}
	pars[2].Fixed = true

	require.NoError(t, c.Calculate(ctx, rec, []*phase.Phase{nickel()}, pars, nil))
	assert.Equal(t, []string{
		"read_struct_string",
		"constrain lat(1) @1",
		"alloc X 0 0.001 1 3 5",
		"setvar qbroad 0",
		"setvar dscale 1",
		"setphase 1",
		"setvar pscale 1",
		"setvar spdiameter 0",
		"selectAtomIndex 1 i 1 true",
		"selectAtomIndex 1 j 1 true",
		"selectAtomIndex 1 i 2 true",
		"selectAtomIndex 1 j 2 true",
		"setpar 1 3.52",
		"setpar 2 0.8",
		"fixpar 2",
		"calc",
		"getR",
		"getpdf_fit",
	}, rec.Calls())
	assert.Equal(t, []float64{1, 1.5, 2, 2.5, 3}, c.Rcalc)
	assert.Len(t, c.Gcalc, 5)

	text := c.WriteString()
	assert.Contains(t, text, "##### PDFgui calculation\nstype=X  x-ray scattering\ndscale=1\nqmax=0   correction not applied\nqdamp=0.001\n")
	assert.NotContains(t, text, "qbroad")
	assert.True(t, strings.HasSuffix(text, "#L r(A) G(r)\n1 0.1\n1.5 0.2\n2 0.3\n2.5 0.4\n3 0.5\n"))
}

func TestCalculateFailures(t *testing.T) {
	ctx := context.Background()
	c := New("calc")
	err := c.Calculate(ctx, enginetest.New(), nil, nil, nil)
	require.ErrorIs(t, err, controlerr.ErrConfig)

	rec := enginetest.New()
	rec.Fail = map[string]error{"calc": controlerr.Engine("calculationError", "boom")}
	err = c.Calculate(ctx, rec, []*phase.Phase{nickel()}, parameter.Set{1: parameter.New(1, 3.5)}, nil)
	require.True(t, controlerr.IsEngine(err))
	assert.Empty(t, c.Rcalc)
}

func TestDataNames(t *testing.T) {
	c := New("calc")
	c.Rcalc, c.Gcalc = []float64{1}, []float64{2}
	g, err := c.Data("Gcalc")
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, g)
	_, err = c.Data("Gobs")
	require.ErrorIs(t, err, controlerr.ErrKey)
	assert.Equal(t, "c_calc", c.ID())
}

func TestArchiveRoundTrip(t *testing.T) {
	c := New("calc")
	require.NoError(t, c.SetRGrid(1, 0.5, 3))
	c.Stype, c.Qmax, c.Qdamp, c.Qbroad = "N", 25, 0.06, 0.01
	c.Rcalc, c.Gcalc = []float64{1, 1.5}, []float64{0.5, -0.25}

	files, err := c.ArchiveFiles()
	require.NoError(t, err)
	back := New("calc")
	require.NoError(t, back.LoadArchiveFiles(files))
	assert.Equal(t, c, back)

	c2 := c.Clone()
	c2.Gcalc[0] = 7
	assert.Equal(t, 0.5, c.Gcalc[0])
}

func TestArchiveLegacyNames(t *testing.T) {
	files := map[string][]byte{"config": []byte(
		"rmin: 1\nrstep: 0.1\nrmax: 2\nrlen: 11\nstype: X\nqmax: 0\nqsig: 0.07\nqalp: 0.02\nspdiameter: 40\ndscale: 1\n")}
	c := New("old")
	require.NoError(t, c.LoadArchiveFiles(files))
	assert.Equal(t, 0.07, c.Qdamp)
	assert.Equal(t, 0.02, c.Qbroad)
	require.NotNil(t, c.SPDiameter)
	assert.Equal(t, 40.0, *c.SPDiameter)
	assert.Equal(t, 11, c.Rlen())
}
