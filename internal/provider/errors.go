package provider

import (
	"errors"
	"strings"
)

type ErrorKind string

const (
	ErrorProvision     ErrorKind = "provision"
	ErrorTermination   ErrorKind = "termination"
	ErrorVerification  ErrorKind = "verification"
	ErrorConfiguration ErrorKind = "configuration"
)

var ErrUnsupportedProvider = errors.New("unsupported provider")

// Error is the failure value returned by every provider operation.
type Error struct {
	Kind     ErrorKind
	Op       string
	Resource string
	Err      error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	b.WriteString(" failed")
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Resource != "" {
		b.WriteString(" ")
		b.WriteString(e.Resource)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func ProvisionError(op, resource string, err error) error {
	return &Error{Kind: ErrorProvision, Op: op, Resource: resource, Err: err}
}

func TerminationError(op, resource string, err error) error {
	return &Error{Kind: ErrorTermination, Op: op, Resource: resource, Err: err}
}

func VerificationError(op, resource string, err error) error {
	return &Error{Kind: ErrorVerification, Op: op, Resource: resource, Err: err}
}

func ConfigurationError(op string, err error) error {
	return &Error{Kind: ErrorConfiguration, Op: op, Err: err}
}

// IsKind reports whether err is a provider error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var perr *Error
	if !errors.As(err, &perr) {
		return false
	}
	return perr.Kind == kind
}
