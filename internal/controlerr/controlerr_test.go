package controlerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindsMatchWithErrorsIs(t *testing.T) {
	cases := []struct {
		err      error
		sentinel error
		kind     Kind
	}{
		{Key("unknown variable %q", "foo"), ErrKey, KindKey},
		{Value("bad range"), ErrValue, KindValue},
		{Syntax("bad formula"), ErrSyntax, KindSyntax},
		{Status("not ready"), ErrStatus, KindStatus},
		{File("missing"), ErrFile, KindFile},
		{Connect("no route"), ErrConnect, KindConnect},
		{Auth("denied"), ErrAuth, KindAuth},
	}
	for _, tc := range cases {
		t.Run(tc.kind.String(), func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			assert.ErrorIs(t, wrapped, tc.sentinel)
			assert.Equal(t, tc.kind, KindOf(wrapped))
			assert.True(t, IsControl(wrapped))
		})
	}
	assert.NotErrorIs(t, Key("x"), ErrValue)
}

func TestPlainErrorsAreDefects(t *testing.T) {
	err := errors.New("boom")
	assert.False(t, IsControl(err))
	assert.Equal(t, Kind(0), KindOf(err))
	assert.Equal(t, "boom", Describe("Fitting", err))
}

func TestEngineErrorSingularHint(t *testing.T) {
	err := Engine("calculationError", "Singular matrix in refinement")
	require.True(t, IsEngine(err))
	assert.Contains(t, err.Error(), "(calculationError)\nSingular matrix")
	assert.Contains(t, err.Error(), "degeneracy in fit parameters")

	plain := Engine("dataError", "no data")
	assert.NotContains(t, plain.Error(), "degeneracy")
	assert.Equal(t, "<Engine exception> (dataError)\nno data", Describe("Fitting", plain))
}

func TestDescribeControlError(t *testing.T) {
	assert.Equal(t, "<Queue exception> empty", Describe("Queue", Runtime("empty")))
}
