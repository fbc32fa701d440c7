// Package errors is a small drop-in-style replacement for the standard
// library's errors package, adding severity and a fluent builder so call
// sites can both wrap an inner cause and say how loudly it should be logged.
package errors

import (
	"fmt"
	"strings"

	"github.com/xtls-vision/vlessd/internal/log"
)

// Error is an error object with an optional inner cause and severity.
type Error struct {
	message  []interface{}
	inner    error
	severity log.Severity
}

// New creates an Error from the given values, concatenated with fmt.Sprint
// semantics (a space is added only between two adjacent operands when
// neither is a string).
func New(values ...interface{}) *Error {
	return &Error{
		message:  values,
		severity: log.SeverityInfo,
	}
}

// Base attaches an inner cause.
func (e *Error) Base(cause error) *Error {
	e.inner = cause
	return e
}

// AtDebug marks this error as debug severity.
func (e *Error) AtDebug() *Error { e.severity = log.SeverityDebug; return e }

// AtInfo marks this error as info severity.
func (e *Error) AtInfo() *Error { e.severity = log.SeverityInfo; return e }

// AtWarning marks this error as warning severity.
func (e *Error) AtWarning() *Error { e.severity = log.SeverityWarning; return e }

// AtError marks this error as error severity.
func (e *Error) AtError() *Error { e.severity = log.SeverityError; return e }

// Severity returns the severity of this error, or of its innermost cause if
// that cause also carries a severity.
func (e *Error) Severity() log.Severity {
	if inner, ok := e.inner.(*Error); ok {
		return inner.Severity()
	}
	return e.severity
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(fmt.Sprint(e.message...))
	if e.inner != nil {
		b.WriteString(" > ")
		b.WriteString(e.inner.Error())
	}
	return b.String()
}

// Unwrap implements errors.Unwrap support for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.inner
}

// WriteToLog emits this error through the process logger at its severity,
// optionally tagging it with a session id for correlation.
func (e *Error) WriteToLog(sessionID string) {
	log.Record(e.Severity(), sessionTag(sessionID)+e.Error())
}

func sessionTag(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return "[" + sessionID + "] "
}

// Cause unwraps err down to its innermost non-*Error cause, mirroring the
// teacher's errors.Cause helper used to distinguish io.EOF from wrapped
// protocol errors.
func Cause(err error) error {
	for {
		inner, ok := err.(*Error)
		if !ok || inner.inner == nil {
			return err
		}
		err = inner.inner
	}
}
