package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrNotFound          = errors.New("not found")
	ErrAlreadyQueued     = errors.New("already queued")
	ErrInvalidState      = errors.New("invalid state")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrMalformedBeat     = errors.New("malformed beat")
)

// Error carries one of the sentinel kinds above plus a human message and,
// for validation failures, per-field messages.
type Error struct {
	Kind   error
	Msg    string
	Fields map[string]string
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, k+": "+e.Fields[k])
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, "; "))
		b.WriteString(")")
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Kind }

func Validationf(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

// FieldErrors builds a validation error from field-level messages.
func FieldErrors(fields map[string]string) error {
	return &Error{Kind: ErrValidation, Msg: "invalid fields", Fields: fields}
}

func NotFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func InvalidStatef(format string, args ...any) error {
	return &Error{Kind: ErrInvalidState, Msg: fmt.Sprintf(format, args...)}
}

func InvalidTransitionf(format string, args ...any) error {
	return &Error{Kind: ErrInvalidTransition, Msg: fmt.Sprintf(format, args...)}
}

func AlreadyQueuedf(format string, args ...any) error {
	return &Error{Kind: ErrAlreadyQueued, Msg: fmt.Sprintf(format, args...)}
}

func MalformedBeatf(format string, args ...any) error {
	return &Error{Kind: ErrMalformedBeat, Msg: fmt.Sprintf(format, args...)}
}

// PermissionDenied names the missing namespace.action pair.
func PermissionDenied(namespace, action string) error {
	return &Error{Kind: ErrPermissionDenied, Msg: "missing " + namespace + "." + action}
}

// KindOf returns the sentinel kind of err, or nil if err is not a domain error.
func KindOf(err error) error {
	for _, k := range []error{
		ErrValidation, ErrPermissionDenied, ErrNotFound, ErrAlreadyQueued,
		ErrInvalidState, ErrInvalidTransition, ErrMalformedBeat,
	} {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}
