package fitting

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfctl/internal/calculation"
	"pdfctl/internal/constraint"
	"pdfctl/internal/engine/enginetest"
)

// memArchive keeps entries in write order.
type memArchive struct {
	names []string
	data  map[string][]byte
}

func newMemArchive() *memArchive { return &memArchive{data: map[string][]byte{}} }

func (m *memArchive) WriteFile(name string, data []byte) error {
	if _, ok := m.data[name]; !ok {
		m.names = append(m.names, name)
	}
	m.data[name] = data
	return nil
}

func (m *memArchive) Files(dir string) map[string][]byte {
	out := map[string][]byte{}
	for _, n := range m.names {
		if rest, ok := strings.CutPrefix(n, dir); ok && !strings.Contains(rest, "/") {
			out[rest] = m.data[n]
		}
	}
	return out
}

func (m *memArchive) Dirs(dir string) []string {
	var out []string
	seen := map[string]bool{}
	for _, n := range m.names {
		rest, ok := strings.CutPrefix(n, dir)
		if !ok {
			continue
		}
		if i := strings.Index(rest, "/"); i > 0 && !seen[rest[:i]] {
			seen[rest[:i]] = true
			out = append(out, rest[:i])
		}
	}
	return out
}

func TestSaveLoadRoundTrip(t *testing.T) {
	rec := enginetest.New()
	rec.ConvergeAfter = 2
	f := simpleFit(t, rec)
	f.Phases[0].Name = "Ni fcc"
	c := calculation.New("calc")
	require.NoError(t, f.Add(c, -1))
	require.NoError(t, f.Run(context.Background()))
	f.Parameters[2].Fixed = true

	ar := newMemArchive()
	require.NoError(t, f.Save(ar, "proj/fit1/"))
	assert.Contains(t, ar.names, "proj/fit1/parameters")
	assert.Contains(t, ar.names, "proj/fit1/result")
	assert.Contains(t, ar.names, "proj/fit1/steps")
	assert.Contains(t, ar.names, "proj/fit1/structure/Ni+fcc/initial")
	assert.Contains(t, ar.names, "proj/fit1/dataset/ni300/obs")
	assert.Contains(t, ar.names, "proj/fit1/calculation/calc/config")

	g := New("fit1")
	require.NoError(t, g.Load(ar, "proj/fit1/"))
	assert.Equal(t, f.Parameters.Indices(), g.Parameters.Indices())
	assert.True(t, g.Parameters[2].Fixed)
	assert.Equal(t, *f.Parameters[1].Refined, *g.Parameters[1].Refined)
	assert.Equal(t, f.RW(), g.RW())
	assert.Equal(t, f.Result(), g.Result())
	assert.Equal(t, f.Snapshots(), g.Snapshots())
	assert.Equal(t, f.Columns(), g.Columns())
	require.Len(t, g.Phases, 1)
	assert.Equal(t, "Ni fcc", g.Phases[0].Name)
	assert.Equal(t, "@1", g.Phases[0].Constraints["lat(1)"].Formula())
	require.Len(t, g.Datasets, 1)
	assert.Equal(t, f.Datasets[0].Rcalc(), g.Datasets[0].Rcalc())
	require.Len(t, g.Calculations, 1)

	v, ok := g.EntityData("d_ni300", "Gcalc", -1)
	require.True(t, ok)
	assert.Len(t, v, len(g.Datasets[0].Rcalc()))
}

func TestForwardSPDiameter(t *testing.T) {
	f := simpleFit(t, enginetest.New())
	d := f.Datasets[0]
	spd := 45.0
	d.SPDiameter = &spd
	d.Constraints["spdiameter"] = constraint.MustNew("@9")
	f.forwardSPDiameter()

	v, err := f.Phases[0].Initial.GetVar("spdiameter")
	require.NoError(t, err)
	assert.Equal(t, 45.0, v)
	assert.Equal(t, "@9", f.Phases[0].Constraints["spdiameter"].Formula())
	assert.NotContains(t, d.Constraints, "spdiameter")
}

func TestForwardSPDiameterFromCalculation(t *testing.T) {
	f := simpleFit(t, enginetest.New())
	c := calculation.New("calc")
	spd := 30.0
	c.SPDiameter = &spd
	require.NoError(t, f.Add(c, -1))
	f.forwardSPDiameter()
	v, _ := f.Phases[0].Initial.GetVar("spdiameter")
	assert.Equal(t, 30.0, v)
	assert.NotContains(t, f.Phases[0].Constraints, "spdiameter")
}

func TestQuoteName(t *testing.T) {
	q := QuoteName("a b/c%")
	assert.Equal(t, "a+b%2Fc%25", q)
	back, err := UnquoteName(q)
	require.NoError(t, err)
	assert.Equal(t, "a b/c%", back)
}
