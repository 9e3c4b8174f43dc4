// Package errcode defines the bus's error taxonomy.
//
// Every error the bus returns carries one of these stable, wire-safe codes so
// a caller (or a remote peer reading an error body) can branch on kind
// without string-matching a message.
package errcode

import "github.com/pkg/errors"

// Code is a stable, bus-facing error identifier.
// It is a string newtype, comparable, allocation-free, and implements error.
type Code string

func (c Code) Error() string { return string(c) }

// Canonical kinds, per spec §7.
const (
	ValueError       Code = "value_error"
	NotFound         Code = "not_found"
	AlreadyProcessed Code = "already_processed"
	UnregisteredCode Code = "unregistered_code"
	Timeout          Code = "timeout"
	ResourceError    Code = "resource_error"
	Unknown          Code = "unknown_error"
)

// E wraps a Code with an operation label, message and optional cause.
type E struct {
	C   Code
	Op  string
	Msg string
	Err error
}

func (e *E) Error() string {
	if e.Msg != "" {
		return e.Op + ": " + e.Msg
	}
	if e.Err != nil {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + ": " + string(e.C)
}

func (e *E) Unwrap() error { return e.Err }
func (e *E) Code() Code    { return e.C }

// New builds an *E, wrapping err (if any) with pkg/errors so operational
// logs keep a stack; the stack never reaches the wire (see Describe).
func New(c Code, op, msg string, err error) *E {
	if err != nil {
		err = errors.WithStack(err)
	}
	return &E{C: c, Op: op, Msg: msg, Err: err}
}

// Of extracts a Code from an error, defaulting to Unknown.
func Of(err error) Code {
	if err == nil {
		return ""
	}
	if c, ok := err.(Code); ok {
		return c
	}
	type coder interface{ Code() Code }
	if x, ok := errors.Cause(err).(coder); ok {
		return x.Code()
	}
	if x, ok := err.(coder); ok {
		return x.Code()
	}
	return Unknown
}

// Descriptor is the wire shape of an error: what a peer actually receives.
// It deliberately carries no stacktrace field (spec §4.5 step 5 / §7).
type Descriptor struct {
	Code Code   `json:"code"`
	Msg  string `json:"msg"`
}

// Describe builds the wire descriptor for err, stripping any internal stack.
func Describe(err error) Descriptor {
	return Descriptor{Code: Of(err), Msg: errors.Cause(err).Error()}
}
