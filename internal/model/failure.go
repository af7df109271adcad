package model

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies why a workflow step failed.
type FailureKind int

const (
	// FailValidation is a local precondition failure; nothing was sent.
	FailValidation FailureKind = iota + 1
	// FailTransport covers dial errors, timeouts and bare non-2xx replies.
	FailTransport
	// FailService is an error payload returned by an upstream service.
	FailService
	// FailMalformed is a reply that could not be decoded or broke invariants.
	FailMalformed
	// FailNoValidOrders means no selected order had usable coordinates.
	FailNoValidOrders
	// FailDataQuality is an internal invariant violated during transformation.
	FailDataQuality
)

var failureKindNames = map[FailureKind]string{
	FailValidation:    "validation",
	FailTransport:     "transport",
	FailService:       "service",
	FailMalformed:     "malformed",
	FailNoValidOrders: "no_valid_orders",
	FailDataQuality:   "data_quality",
}

func (k FailureKind) String() string {
	if s, ok := failureKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("FailureKind(%d)", int(k))
}

func (k FailureKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *FailureKind) UnmarshalText(b []byte) error {
	for v, s := range failureKindNames {
		if s == string(b) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("unknown failure kind %q", string(b))
}

// Remote reports whether the failure came from the other side of a network call.
func (k FailureKind) Remote() bool {
	switch k {
	case FailTransport, FailService, FailMalformed:
		return true
	case FailValidation, FailNoValidOrders, FailDataQuality:
		return false
	}
	return false
}

// Failure is the normalized error returned by every workflow component.
type Failure struct {
	Kind   FailureKind
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Kind, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Fail builds a Failure with a formatted reason.
func Fail(kind FailureKind, format string, args ...any) *Failure {
	return &Failure{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// FailureOf normalizes err into a Failure. Unknown errors become transport failures.
func FailureOf(err error) *Failure {
	if err == nil {
		return nil
	}
	var f *Failure
	if errors.As(err, &f) {
		return f
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Failure{Kind: FailTransport, Reason: "request timed out", Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Failure{Kind: FailTransport, Reason: "request cancelled", Err: err}
	}
	return &Failure{Kind: FailTransport, Reason: err.Error(), Err: err}
}
