package constraint

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfctl/internal/controlerr"
)

func TestLinearGuess(t *testing.T) {
	c, err := NewWithValue("@3 + 0.4", 0.5)
	require.NoError(t, err)
	g := c.Parguess()
	require.Contains(t, g, 3)
	require.NotNil(t, g[3])
	assert.InDelta(t, 0.1, *g[3], 1e-12)
}

func TestGuessScaledAndReassigned(t *testing.T) {
	c, err := NewWithValue("2*@1 - 1", 3)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, *c.Parguess()[1], 1e-12)

	// reassignment re-guesses with the last value
	require.NoError(t, c.SetFormula("@1/4"))
	assert.InDelta(t, 12.0, *c.Parguess()[1], 1e-12)
}

func TestGuessNonLinearAndMultiParameter(t *testing.T) {
	c, err := NewWithValue("sin(@2)", 0.3)
	require.NoError(t, err)
	assert.Nil(t, c.Parguess()[2])

	c, err = NewWithValue("@1 + @2", 1)
	require.NoError(t, err)
	g := c.Parguess()
	assert.Len(t, g, 2)
	assert.Nil(t, g[1])
	assert.Nil(t, g[2])

	c, err = NewWithValue("@5*0", 1)
	require.NoError(t, err)
	assert.Nil(t, c.Parguess()[5])
}

func TestTrigEvaluation(t *testing.T) {
	c, err := New("sin(@3)")
	require.NoError(t, err)
	v, err := c.Eval(map[int]float64{3: math.Pi / 3})
	require.NoError(t, err)
	assert.InDelta(t, math.Sqrt(0.75), v, 1e-8)
}

func TestEvalAllFunctionsAndLiterals(t *testing.T) {
	cases := map[string]float64{
		"sqrt(@1)*2":        2 * math.Sqrt(0.49),
		"log10(@1*100)":     math.Log10(49),
		"exp(-@1)":          math.Exp(-0.49),
		"abs(-@1) + .5":     0.99,
		"(@1 - 1.)/2":       -0.255,
		"atan(@1)+acos(0)":  math.Atan(0.49) + math.Pi/2,
		"tan(@1)-asin(0.5)": math.Tan(0.49) - math.Asin(0.5),
		"log(@1)*cos(0)":    math.Log(0.49),
		"1e-3*@1":           0.00049,
	}
	for formula, want := range cases {
		t.Run(formula, func(t *testing.T) {
			c, err := New(formula)
			require.NoError(t, err)
			got, err := c.Eval(map[int]float64{1: 0.49})
			require.NoError(t, err)
			assert.InDelta(t, want, got, 1e-12)
		})
	}
}

func TestForbiddenSyntax(t *testing.T) {
	for _, f := range []string{
		"@1**3", "", "@@1", "@1*/55", "3.5", "foo(@1)", "@1 > 2",
		"@1 ? 1 : 2", "\"@1\"", "max(@1, 2)", "sqrt(@1-1)", "@1 % 2",
		"@1.foo", "x + @1", "true && @1",
	} {
		t.Run(f, func(t *testing.T) {
			_, err := New(f)
			require.Error(t, err)
			assert.ErrorIs(t, err, controlerr.ErrSyntax)
		})
	}
}

func TestFailedAssignmentKeepsFormula(t *testing.T) {
	c := MustNew("@1")
	require.Error(t, c.SetFormula("@1**2"))
	assert.Equal(t, "@1", c.Formula())
}

func TestEvalMissingParameter(t *testing.T) {
	c := MustNew("@1 + @2")
	_, err := c.Eval(map[int]float64{1: 1})
	assert.ErrorIs(t, err, controlerr.ErrKey)

	d := MustNew("1/@1")
	_, err = d.Eval(map[int]float64{1: 0})
	assert.ErrorIs(t, err, controlerr.ErrValue)
}

func TestRenameIsTokenBounded(t *testing.T) {
	assert.Equal(t, "@9 + @10 + @19", RenameIndex("@1 + @10 + @19", 1, 9))
	assert.Equal(t, "@11", RenameIndex("@1", 1, 11))
	assert.Equal(t, "@10+1", RenameIndex("@10+1", 1, 11))

	c := MustNew("@1*@10")
	require.NoError(t, c.Rename(1, 9))
	assert.Equal(t, "@9*@10", c.Formula())
	assert.Equal(t, []int{9, 10}, c.Indices())
}

func TestCloneIsIndependent(t *testing.T) {
	c, err := NewWithValue("@1+1", 3)
	require.NoError(t, err)
	d := c.Clone()
	require.NoError(t, d.SetFormula("@2*2"))
	assert.Equal(t, "@1+1", c.Formula())
	assert.InDelta(t, 1.5, *d.Parguess()[2], 1e-12)
	assert.InDelta(t, 2.0, *c.Parguess()[1], 1e-12)
}

func TestStripParens(t *testing.T) {
	assert.Equal(t, "@3", StripParens("((@3))"))
	assert.Equal(t, "(@3+1)", StripParens("(@3+1)"))
	assert.Equal(t, "(@1)+(@2)", StripParens("(@1)+(@2)"))
}
