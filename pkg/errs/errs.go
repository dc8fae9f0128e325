// Package errs classifies failures from storage, the delivery gateway, and
// upstream input so callers can decide whether to fail open or closed
// without switching on error strings.
package errs

import "errors"

// Kind distinguishes failure categories across the turn pipeline.
type Kind string

const (
	KindTransientStorage  Kind = "transient_storage"
	KindPermanentStorage  Kind = "permanent_storage"
	KindGatewayTransient  Kind = "gateway_transient"
	KindGatewayPermanent  Kind = "gateway_permanent"
	KindUpstreamMalformed Kind = "upstream_malformed"
	KindPolicyRejection   Kind = "policy_rejection"
	KindInternalBug       Kind = "internal_bug"
)

// Error wraps an underlying error with the operation that produced it and
// a Kind callers can branch on.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + string(e.Kind)
	}
	return e.Op + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with op and kind. Returns nil if err is nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Kinded is implemented by *Error; it lets callers classify an arbitrary
// error without importing this package's concrete type everywhere.
type Kinded interface {
	ErrorKind() Kind
}

func (e *Error) ErrorKind() Kind {
	return e.Kind
}

// Is reports whether err (or any error it wraps) carries kind.
func Is(err error, kind Kind) bool {
	var k Kinded
	if errors.As(err, &k) {
		return k.ErrorKind() == kind
	}
	return false
}
