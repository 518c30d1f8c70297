// Package nlperr defines the error kinds shared across the pipeline, the workers and the transport.
package nlperr

import (
	"errors"
	"fmt"
)

// Local validation failures. None of these are worth retrying.
var (
	ErrIndexOutOfRange            = errors.New("index out of range")
	ErrInvalidArgumentCombination = errors.New("invalid argument combination")
	ErrDuplicateName              = errors.New("duplicate component name")
	ErrComponentNotFound          = errors.New("pipeline component not found")
	ErrInvalidPosition            = errors.New("invalid component position")
	ErrObjectNotCollocated        = errors.New("object not collocated with component")
	ErrNotSentenced               = errors.New("document has not been sentenced")
	ErrInvalidAttributeName       = errors.New("invalid attribute name")
	ErrUnknownComponentType       = errors.New("unknown component type")
	ErrObjectNotFound             = errors.New("object not found")
	ErrWrongObjectType            = errors.New("object has the wrong type")
	ErrPermissionDenied           = errors.New("permission denied")
	ErrNoEligibleHost             = errors.New("no eligible host for component")
	ErrInvalidConfig              = errors.New("invalid configuration")
	ErrNotTokenized               = errors.New("component expects a tokenized document")
)

// Kind classifies a failed remote call.
type Kind string

const (
	KindTimeout          Kind = "timeout"
	KindUnreachable      Kind = "unreachable"
	KindPermissionDenied Kind = "permission_denied"
	// KindRejected means the remote worker answered with a validation error.
	KindRejected Kind = "rejected"
)

// RemoteError is returned for any call that crossed a worker boundary and failed.
type RemoteError struct {
	Kind   Kind
	Worker string
	Op     string
	Err    error
}

func (e *RemoteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("remote %s on %s: %s", e.Op, e.Worker, e.Kind)
	}
	return fmt.Sprintf("remote %s on %s: %s: %v", e.Op, e.Worker, e.Kind, e.Err)
}

func (e *RemoteError) Unwrap() error {
	return e.Err
}

// IsRemote reports whether err came from an infrastructure failure rather than a local mistake.
// A request the peer answered with a domain error is Rejected and not remote; match
// its sentinel with errors.Is.
func IsRemote(err error) bool {
	kind, ok := RemoteKind(err)
	return ok && kind != KindRejected
}

// RemoteKind returns the kind of the first RemoteError in err's chain.
func RemoteKind(err error) (Kind, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re.Kind, true
	}
	return "", false
}

var codes = map[error]string{
	ErrIndexOutOfRange:            "index_out_of_range",
	ErrInvalidArgumentCombination: "invalid_argument_combination",
	ErrDuplicateName:              "duplicate_name",
	ErrComponentNotFound:          "component_not_found",
	ErrInvalidPosition:            "invalid_position",
	ErrObjectNotCollocated:        "object_not_collocated",
	ErrNotSentenced:               "not_sentenced",
	ErrInvalidAttributeName:       "invalid_attribute_name",
	ErrUnknownComponentType:       "unknown_component_type",
	ErrObjectNotFound:             "object_not_found",
	ErrWrongObjectType:            "wrong_object_type",
	ErrPermissionDenied:           "permission_denied",
	ErrNoEligibleHost:             "no_eligible_host",
	ErrInvalidConfig:              "invalid_config",
	ErrNotTokenized:               "not_tokenized",
}

// Code returns the wire code of the sentinel wrapped by err, or "internal".
func Code(err error) string {
	for sentinel, code := range codes {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal"
}

// FromCode maps a wire code back to its sentinel. Unknown codes return nil.
func FromCode(code string) error {
	for sentinel, c := range codes {
		if c == code {
			return sentinel
		}
	}
	return nil
}
