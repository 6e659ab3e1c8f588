// Package forgeerr defines the error taxonomy used across the forge build
// core. Every core operation returns this single tagged-union error type
// instead of mixing in panics or ad-hoc error values, so that callers can
// make retry/cascade decisions by inspecting Kind and Class alone.
package forgeerr

import (
	"fmt"
	"strings"

	"golang.org/x/xerrors"
)

// Kind categorizes the subsystem and rough cause of an error.
type Kind int

const (
	KindBuild Kind = iota
	KindParse
	KindAnalysis
	KindCache
	KindIO
	KindGraph
	KindLanguage
	KindSystem
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindBuild:
		return "Build"
	case KindParse:
		return "Parse"
	case KindAnalysis:
		return "Analysis"
	case KindCache:
		return "Cache"
	case KindIO:
		return "IO"
	case KindGraph:
		return "Graph"
	case KindLanguage:
		return "Language"
	case KindSystem:
		return "System"
	case KindInternal:
		return "Internal"
	default:
		return "Unknown"
	}
}

// Class controls whether an error is eligible for automatic retry.
type Class int

const (
	ClassFatal Class = iota
	ClassTransient
	ClassUser
)

func (c Class) String() string {
	switch c {
	case ClassFatal:
		return "Fatal"
	case ClassTransient:
		return "Transient"
	case ClassUser:
		return "User"
	default:
		return "Unknown"
	}
}

// SuggestionKind tags the flavor of a structured recovery suggestion.
type SuggestionKind int

const (
	SuggestCommand SuggestionKind = iota
	SuggestDocumentation
	SuggestFileCheck
	SuggestConfiguration
	SuggestGeneral
)

// Suggestion is a structured, machine-checkable recovery hint. Formatting
// suggestions into human text is a frontend concern; the core only emits
// the tag and the associated text.
type Suggestion struct {
	Kind SuggestionKind
	Text string
}

// Code is a stable machine-readable identifier, e.g. "Graph/CycleDetected".
type Code string

// Error is the single error type returned by every forge core operation.
// It carries a Kind/Class pair, a machine Code, optional target/file
// context, a chain of operation contexts (outermost last), and zero or
// more Suggestions. It implements error and supports errors.Is/As via
// Unwrap, following the same chained-annotation style distri uses with
// golang.org/x/xerrors throughout internal/build and cmd/distri.
type Error struct {
	Kind        Kind
	Class       Class
	Code        Code
	Target      string // TargetId or file path, if applicable
	Ops         []string
	Suggestions []Suggestion
	Cause       error
}

func (e *Error) Error() string {
	var b strings.Builder
	if len(e.Ops) > 0 {
		b.WriteString(strings.Join(e.Ops, ": "))
		b.WriteString(": ")
	}
	if e.Target != "" {
		fmt.Fprintf(&b, "%s (%s): ", e.Target, e.Code)
	} else {
		fmt.Fprintf(&b, "%s: ", e.Code)
	}
	if e.Cause != nil {
		b.WriteString(e.Cause.Error())
	} else {
		b.WriteString(e.Kind.String())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the retry layer should attempt this error
// again. Only ClassTransient errors are retryable.
func (e *Error) Retryable() bool { return e.Class == ClassTransient }

// WithOp prepends an operation context, matching the xerrors.Errorf("%v:
// %w", op, err) chaining style used throughout distri, but keeping the
// chain structured instead of flattening it into the message eagerly.
func (e *Error) WithOp(op string) *Error {
	cp := *e
	cp.Ops = append([]string{op}, cp.Ops...)
	return &cp
}

// WithSuggestion appends a structured recovery suggestion.
func (e *Error) WithSuggestion(kind SuggestionKind, text string) *Error {
	cp := *e
	cp.Suggestions = append(append([]Suggestion{}, cp.Suggestions...), Suggestion{Kind: kind, Text: text})
	return &cp
}

// New constructs an Error wrapping cause (may be nil) with the given
// kind/class/code.
func New(kind Kind, class Class, code Code, cause error) *Error {
	return &Error{Kind: kind, Class: class, Code: code, Cause: cause}
}

// Newf is New with an xerrors-formatted cause, for call sites that want
// to build the message inline.
func Newf(kind Kind, class Class, code Code, format string, args ...interface{}) *Error {
	return New(kind, class, code, xerrors.Errorf(format, args...))
}

// WithTarget sets the Target context.
func (e *Error) WithTarget(target string) *Error {
	cp := *e
	cp.Target = target
	return &cp
}

// As reports whether err is (or wraps) a *Error, mirroring errors.As but
// saving callers the boilerplate of declaring a local variable.
func As(err error) (*Error, bool) {
	var fe *Error
	if xerrors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}

// IsRetryable reports whether err is a forgeerr.Error whose Class is
// Transient.
func IsRetryable(err error) bool {
	fe, ok := As(err)
	return ok && fe.Retryable()
}
