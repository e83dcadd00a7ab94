package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies failures produced by the reliability core.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindMissingDetail
	KindDownstream
	KindSagaStepFailure
	KindRollbackFailure
	KindInsufficientCredits
	KindConflict
	KindNotFound
	KindUnauthorized
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "VALIDATION"
	case KindMissingDetail:
		return "MISSING_DETAIL"
	case KindDownstream:
		return "DOWNSTREAM"
	case KindSagaStepFailure:
		return "SAGA_STEP_FAILURE"
	case KindRollbackFailure:
		return "ROLLBACK_FAILURE"
	case KindInsufficientCredits:
		return "INSUFFICIENT_CREDITS"
	case KindConflict:
		return "CONFLICT"
	case KindNotFound:
		return "NOT_FOUND"
	case KindUnauthorized:
		return "UNAUTHORIZED"
	default:
		return "UNKNOWN"
	}
}

// Permanent reports whether retrying an operation that failed with this kind
// can never succeed. A rollback failure needs an operator, not a redelivery.
func (k Kind) Permanent() bool {
	switch k {
	case KindValidation, KindMissingDetail, KindInsufficientCredits, KindNotFound, KindUnauthorized, KindRollbackFailure:
		return true
	}
	return false
}

// Error is the tagged error carried across package boundaries.
type Error struct {
	Kind Kind
	// Op names the operation that failed, e.g. "credits.adjust".
	Op  string
	Err error
	// Fields holds per-field validation messages for KindValidation.
	Fields map[string]string
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(strings.ToLower(e.Kind.String()))
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message instead of a wrapped error.
func Newf(kind Kind, op, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Validation builds a KindValidation error listing the violated fields.
func Validation(op string, fields map[string]string, err error) *Error {
	return &Error{Kind: KindValidation, Op: op, Err: err, Fields: fields}
}

// KindOf returns the kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Has reports whether any *Error in err's tree carries kind, including ones
// wrapped by an error of another kind.
func Has(err error, kind Kind) bool {
	switch x := err.(type) {
	case nil:
		return false
	case *Error:
		if x.Kind == kind {
			return true
		}
		return Has(x.Err, kind)
	case interface{ Unwrap() []error }:
		for _, e := range x.Unwrap() {
			if Has(e, kind) {
				return true
			}
		}
		return false
	case interface{ Unwrap() error }:
		return Has(x.Unwrap(), kind)
	}
	return false
}

// IsPermanent reports whether err should be rejected rather than retried.
func IsPermanent(err error) bool {
	return KindOf(err).Permanent()
}

// HTTPStatus maps an error to the status code HTTP callers return.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation, KindMissingDetail:
		return http.StatusBadRequest
	case KindInsufficientCredits:
		return http.StatusPaymentRequired
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindDownstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Code returns the machine readable code written in HTTP error bodies.
func Code(err error) string {
	return KindOf(err).String()
}
