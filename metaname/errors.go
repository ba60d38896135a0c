package metaname

import (
	"errors"
	"fmt"
)

// Kind classifies API failures so callers can decide whether an operation is
// retryable, fatal, or (for deletes) already satisfied.
type Kind int

const (
	// KindTransient covers network failures and 5xx responses. Retried.
	KindTransient Kind = iota
	// KindRateLimit means the API asked us to slow down. Retried with backoff.
	KindRateLimit
	// KindAuth means the account reference or API key was rejected. Fatal.
	KindAuth
	// KindValidation means the request itself was malformed (bad record name,
	// unsupported zone shape). Fatal.
	KindValidation
	// KindNotFound means the zone or record does not exist.
	KindNotFound
	// KindProtocol means the API returned something that isn't a valid
	// JSON-RPC response. Fatal.
	KindProtocol
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimit:
		return "rate limit"
	case KindAuth:
		return "authentication"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not found"
	case KindProtocol:
		return "protocol"
	default:
		return "unknown"
	}
}

// Error is returned by all Client operations that fail.
type Error struct {
	Kind    Kind
	Method  string // JSON-RPC method that failed
	Code    int    // JSON-RPC error code, 0 if the failure was not an RPC error
	Message string
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("metaname: %s: %s error (code %d): %s", e.Method, e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("metaname: %s: %s error: %s", e.Method, e.Kind, e.Message)
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.Kind == kind
}
