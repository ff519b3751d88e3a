// Package raceerr defines the error taxonomy every engine in this
// repository fails through: no silent fallbacks, no inferred defaults.
package raceerr

import "fmt"

// Kind is one of the five error categories spec.md §7 assigns an HTTP
// status to at the out-of-scope HTTP boundary. The core never maps to
// status codes itself; it only tags errors with a Kind so that boundary
// can.
type Kind string

const (
	Config    Kind = "ConfigError"
	Data      Kind = "DataError"
	Budget    Kind = "BudgetError"
	Reconcile Kind = "ReconcileError"
	Timeout   Kind = "TimeoutError"
)

// Error carries a Kind plus the run/day/segment context §7 requires
// logs and responses to surface.
type Error struct {
	Kind  Kind
	RunID string
	Day   string
	SegID string
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	ctx := ""
	if e.Day != "" {
		ctx += fmt.Sprintf(" day=%s", e.Day)
	}
	if e.SegID != "" {
		ctx += fmt.Sprintf(" seg_id=%s", e.SegID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s:%s %s: %v", e.Kind, ctx, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s:%s %s", e.Kind, ctx, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newf(kind Kind, day, segID, format string, args ...any) *Error {
	return &Error{Kind: kind, Day: day, SegID: segID, Msg: fmt.Sprintf(format, args...)}
}

func wrapf(kind Kind, day, segID string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Day: day, SegID: segID, Msg: fmt.Sprintf(format, args...), Err: err}
}

func ConfigErrorf(format string, args ...any) *Error { return newf(Config, "", "", format, args...) }
func DataErrorf(day, segID, format string, args ...any) *Error {
	return newf(Data, day, segID, format, args...)
}
func BudgetErrorf(day, segID string, format string, args ...any) *Error {
	return newf(Budget, day, segID, format, args...)
}
func ReconcileErrorf(day, segID string, format string, args ...any) *Error {
	return newf(Reconcile, day, segID, format, args...)
}
func TimeoutErrorf(day string, format string, args ...any) *Error {
	return newf(Timeout, day, "", format, args...)
}

func WrapConfig(err error, format string, args ...any) *Error {
	return wrapf(Config, "", "", err, format, args...)
}
func WrapData(day, segID string, err error, format string, args ...any) *Error {
	return wrapf(Data, day, segID, err, format, args...)
}

// Is reports whether err (or any error it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	for err != nil {
		if ce, ok := err.(*Error); ok {
			e = ce
			break
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return e != nil && e.Kind == kind
}
