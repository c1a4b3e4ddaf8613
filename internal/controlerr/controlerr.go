// Package controlerr defines the failure kinds surfaced by the control layer.
//
// Every expected failure is an *Error carrying a Kind and a human readable
// message. Callers at the outer edge use IsControl to tell expected failures
// from defects, and errors.Is with the Err* sentinels to branch on the kind.
package controlerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind names one failure category.
type Kind int

const (
	KindConfig Kind = iota + 1
	KindFile
	KindKey
	KindValue
	KindType
	KindStatus
	KindRuntime
	KindConnect
	KindAuth
	KindIndex
	KindSyntax
)

var kindNames = map[Kind]string{
	KindConfig:  "ConfigError",
	KindFile:    "FileError",
	KindKey:     "KeyError",
	KindValue:   "ValueError",
	KindType:    "TypeError",
	KindStatus:  "StatusError",
	KindRuntime: "RuntimeError",
	KindConnect: "ConnectError",
	KindAuth:    "AuthError",
	KindIndex:   "IndexError",
	KindSyntax:  "SyntaxError",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Error is an expected control failure.
type Error struct {
	Kind Kind
	Msg  string
}

func (e *Error) Error() string { return e.Msg }

// Is matches any *Error of the same kind, so the sentinels below work with
// errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrConfig  = &Error{Kind: KindConfig}
	ErrFile    = &Error{Kind: KindFile}
	ErrKey     = &Error{Kind: KindKey}
	ErrValue   = &Error{Kind: KindValue}
	ErrType    = &Error{Kind: KindType}
	ErrStatus  = &Error{Kind: KindStatus}
	ErrRuntime = &Error{Kind: KindRuntime}
	ErrConnect = &Error{Kind: KindConnect}
	ErrAuth    = &Error{Kind: KindAuth}
	ErrIndex   = &Error{Kind: KindIndex}
	ErrSyntax  = &Error{Kind: KindSyntax}
)

func newf(k Kind, format string, args ...any) error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func Config(format string, args ...any) error  { return newf(KindConfig, format, args...) }
func File(format string, args ...any) error    { return newf(KindFile, format, args...) }
func Key(format string, args ...any) error     { return newf(KindKey, format, args...) }
func Value(format string, args ...any) error   { return newf(KindValue, format, args...) }
func Type(format string, args ...any) error    { return newf(KindType, format, args...) }
func Status(format string, args ...any) error  { return newf(KindStatus, format, args...) }
func Runtime(format string, args ...any) error { return newf(KindRuntime, format, args...) }
func Connect(format string, args ...any) error { return newf(KindConnect, format, args...) }
func Auth(format string, args ...any) error    { return newf(KindAuth, format, args...) }
func Index(format string, args ...any) error   { return newf(KindIndex, format, args...) }
func Syntax(format string, args ...any) error  { return newf(KindSyntax, format, args...) }

// IsControl reports whether err (or anything it wraps) is an expected
// control failure. Engine failures count as expected too.
func IsControl(err error) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return true
	}
	var ee *EngineError
	return errors.As(err, &ee)
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

const singularHint = "\n\nCommon reasons are degeneracy in fit parameters,\n" +
	"zero thermal factors or fit range starting at zero."

// EngineError is a failure raised by the refinement engine. Type is the
// engine's own exception name, e.g. "calculationError".
type EngineError struct {
	Type string
	Msg  string
}

func (e *EngineError) Error() string {
	info := fmt.Sprintf("(%s)\n%s", e.Type, e.Msg)
	if strings.Contains(strings.ToLower(info), "singular matrix") {
		info += singularHint
	}
	return info
}

// Engine builds an *EngineError.
func Engine(typ, format string, args ...any) error {
	return &EngineError{Type: typ, Msg: fmt.Sprintf(format, args...)}
}

// IsEngine reports whether err wraps an *EngineError.
func IsEngine(err error) bool {
	var ee *EngineError
	return errors.As(err, &ee)
}

// Describe renders err the way it is shown to a user: control failures get a
// short prefix naming where they came from, engine failures are tagged as
// such, anything else is returned as is.
func Describe(where string, err error) string {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return "<Engine exception> " + ee.Error()
	}
	if IsControl(err) {
		return fmt.Sprintf("<%s exception> %s", where, err.Error())
	}
	return err.Error()
}
