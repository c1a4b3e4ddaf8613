// Package constraint parses, checks and evaluates the formulas that bind a
// refinable variable to free parameters, e.g. "@3*0.5 + sin(@4)".
//
// Formulas are rewritten to HCL expressions (@n becomes the variable pn),
// parsed with hclsyntax and walked against a whitelist before any
// evaluation. Only numbers, + - * /, unary minus, parentheses, parameter
// references and a fixed set of unary math functions pass.
package constraint

import (
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"

	"pdfctl/internal/controlerr"
)

var (
	paramToken  = regexp.MustCompile(`@(\d+)`)
	leadingDot  = regexp.MustCompile(`(^|[^\w.])\.(\d)`)
	trailingDot = regexp.MustCompile(`(\d)\.([^\d]|$)`)
)

const guessEps = 1.0e-8

// Constraint is one formula plus the parameter guesses derived from it.
type Constraint struct {
	formula  string
	expr     hclsyntax.Expression
	parguess map[int]*float64
	lhs      *float64
}

// New parses formula. It fails with a SyntaxError when the formula is not
// acceptable.
func New(formula string) (*Constraint, error) {
	c := &Constraint{}
	if err := c.SetFormula(formula); err != nil {
		return nil, err
	}
	return c, nil
}

// NewWithValue parses formula and guesses parameter values from the current
// value of the constrained variable.
func NewWithValue(formula string, value float64) (*Constraint, error) {
	c, err := New(formula)
	if err != nil {
		return nil, err
	}
	c.Guess(value)
	return c, nil
}

// MustNew is New that panics, for literals in tests and macros.
func MustNew(formula string) *Constraint {
	c, err := New(formula)
	if err != nil {
		panic(err)
	}
	return c
}

// Formula returns the formula text as entered.
func (c *Constraint) Formula() string { return c.formula }

func (c *Constraint) String() string { return c.formula }

// SetFormula validates and installs a new formula. On success the guesses
// are recomputed from the last value passed to Guess.
func (c *Constraint) SetFormula(formula string) error {
	tokens := paramToken.FindAllStringSubmatch(formula, -1)
	if len(tokens) == 0 {
		return controlerr.Syntax("No parameter in formula '%s'", formula)
	}
	if strings.Contains(formula, "**") {
		return controlerr.Syntax("invalid constraint formula '%s', operator '**' not supported.", formula)
	}
	expr, err := compile(formula)
	if err != nil {
		return controlerr.Syntax("invalid constraint formula '%s'", formula)
	}
	probe := make(map[string]cty.Value, len(tokens))
	for _, tok := range tokens {
		probe["p"+tok[1]] = cty.NumberFloatVal(0.25)
	}
	if _, err := evaluate(expr, probe); err != nil {
		return controlerr.Syntax("invalid constraint formula '%s'", formula)
	}

	c.formula = formula
	c.expr = expr
	c.parguess = make(map[int]*float64, len(tokens))
	for _, tok := range tokens {
		n, _ := strconv.Atoi(tok[1])
		c.parguess[n] = nil
	}
	if c.lhs != nil {
		c.Guess(*c.lhs)
	}
	return nil
}

// Indices returns the parameter indices used by the formula, ascending.
func (c *Constraint) Indices() []int {
	out := make([]int, 0, len(c.parguess))
	for k := range c.parguess {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

// Parguess returns a copy of the guessed parameter values; nil entries could
// not be estimated.
func (c *Constraint) Parguess() map[int]*float64 {
	out := make(map[int]*float64, len(c.parguess))
	for k, v := range c.parguess {
		if v != nil {
			g := *v
			out[k] = &g
		} else {
			out[k] = nil
		}
	}
	return out
}

// Guess estimates parameter values given the current value of the
// constrained variable. Only linear formulas of a single parameter can be
// solved; every other guess is nil.
func (c *Constraint) Guess(value float64) map[int]*float64 {
	lhs := value
	c.lhs = &lhs
	for k := range c.parguess {
		c.parguess[k] = nil
	}
	if len(c.parguess) != 1 {
		return c.Parguess()
	}
	k := c.Indices()[0]
	y := make([]float64, 3)
	for i, x := range []float64{0.25, 0.5, 0.75} {
		v, err := c.Eval(map[int]float64{k: x})
		if err != nil {
			return c.Parguess()
		}
		y[i] = v
	}
	dy0, dy1 := y[1]-y[0], y[2]-y[1]
	lo, hi := 1.0-guessEps, 1.0+guessEps
	if lo*math.Abs(dy0) <= math.Abs(dy1) && math.Abs(dy1) <= hi*math.Abs(dy0) && dy0 != 0 {
		a := 4 * dy0
		b := y[1] - 0.5*a
		g := (value - b) / a
		c.parguess[k] = &g
	}
	return c.Parguess()
}

// Eval evaluates the formula for the given parameter values. A parameter the
// formula needs but values lacks is a KeyError.
func (c *Constraint) Eval(values map[int]float64) (float64, error) {
	vars := make(map[string]cty.Value, len(c.parguess))
	for k := range c.parguess {
		v, ok := values[k]
		if !ok {
			return 0, controlerr.Key("parameter @%d has no value", k)
		}
		if math.IsNaN(v) {
			return 0, controlerr.Value("parameter @%d is NaN", k)
		}
		vars["p"+strconv.Itoa(k)] = cty.NumberFloatVal(v)
	}
	r, err := evaluate(c.expr, vars)
	if err != nil {
		return 0, controlerr.Value("cannot evaluate '%s': %v", c.formula, err)
	}
	return r, nil
}

// Rename rewrites every @old token to @new. Longer indices sharing a prefix
// with old are left alone.
func (c *Constraint) Rename(old, new int) error {
	f := RenameIndex(c.formula, old, new)
	if f == c.formula {
		return nil
	}
	return c.SetFormula(f)
}

// RenameIndex is the lexical rewrite behind Rename.
func RenameIndex(formula string, old, new int) string {
	oldTok := strconv.Itoa(old)
	return paramToken.ReplaceAllStringFunc(formula, func(tok string) string {
		if tok[1:] == oldTok {
			return "@" + strconv.Itoa(new)
		}
		return tok
	})
}

// Clone returns an independent copy.
func (c *Constraint) Clone() *Constraint {
	out := &Constraint{formula: c.formula, expr: c.expr, parguess: c.Parguess()}
	if c.lhs != nil {
		v := *c.lhs
		out.lhs = &v
	}
	return out
}

// StripParens removes redundant parentheses around a single "@k" formula.
func StripParens(formula string) string {
	s := strings.TrimSpace(formula)
	for strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		inner := strings.TrimSpace(s[1 : len(s)-1])
		if !singleParam.MatchString(inner) && !(strings.HasPrefix(inner, "(") && strings.HasSuffix(inner, ")")) {
			break
		}
		s = inner
	}
	return s
}

var singleParam = regexp.MustCompile(`^@\d+$`)

func compile(formula string) (hclsyntax.Expression, error) {
	src := paramToken.ReplaceAllString(formula, "p$1")
	src = leadingDot.ReplaceAllString(src, "${1}0.$2")
	src = trailingDot.ReplaceAllString(src, "$1.0$2")
	expr, diags := hclsyntax.ParseExpression([]byte(src), "formula", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, diags
	}
	if err := checkNode(expr); err != nil {
		return nil, err
	}
	return expr, nil
}

// checkNode rejects anything outside the arithmetic whitelist.
func checkNode(e hclsyntax.Expression) error {
	switch n := e.(type) {
	case *hclsyntax.LiteralValueExpr:
		if n.Val.IsNull() || !n.Val.Type().Equals(cty.Number) {
			return fmt.Errorf("only numeric literals are allowed")
		}
		return nil
	case *hclsyntax.ScopeTraversalExpr:
		if len(n.Traversal) != 1 {
			return fmt.Errorf("invalid reference %q", n.Traversal.RootName())
		}
		name := n.Traversal.RootName()
		if _, ok := constants[name]; ok {
			return nil
		}
		if len(name) > 1 && name[0] == 'p' {
			if _, err := strconv.Atoi(name[1:]); err == nil {
				return nil
			}
		}
		return fmt.Errorf("unknown name %q", name)
	case *hclsyntax.ParenthesesExpr:
		return checkNode(n.Expression)
	case *hclsyntax.UnaryOpExpr:
		if n.Op != hclsyntax.OpNegate {
			return fmt.Errorf("unsupported unary operator")
		}
		return checkNode(n.Val)
	case *hclsyntax.BinaryOpExpr:
		switch n.Op {
		case hclsyntax.OpAdd, hclsyntax.OpSubtract, hclsyntax.OpMultiply, hclsyntax.OpDivide:
		default:
			return fmt.Errorf("unsupported operator")
		}
		if err := checkNode(n.LHS); err != nil {
			return err
		}
		return checkNode(n.RHS)
	case *hclsyntax.FunctionCallExpr:
		if _, ok := mathFunctions[n.Name]; !ok {
			return fmt.Errorf("unknown function %q", n.Name)
		}
		if n.ExpandFinal || len(n.Args) != 1 {
			return fmt.Errorf("%s takes exactly one argument", n.Name)
		}
		return checkNode(n.Args[0])
	default:
		return fmt.Errorf("unsupported expression %T", e)
	}
}

func evaluate(expr hclsyntax.Expression, vars map[string]cty.Value) (float64, error) {
	all := make(map[string]cty.Value, len(vars)+len(constants))
	for k, v := range constants {
		all[k] = v
	}
	for k, v := range vars {
		all[k] = v
	}
	ctx := &hcl.EvalContext{Variables: all, Functions: mathFunctions}
	val, diags := expr.Value(ctx)
	if diags.HasErrors() {
		return 0, diags
	}
	if val.IsNull() || !val.IsKnown() || !val.Type().Equals(cty.Number) {
		return 0, fmt.Errorf("formula did not produce a number")
	}
	f, _ := val.AsBigFloat().Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0, fmt.Errorf("formula result is not finite")
	}
	return f, nil
}
