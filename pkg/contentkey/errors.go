package contentkey

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidIdentifier     = errors.New("invalid content key identifier")
	ErrMissingCertificate    = errors.New("application certificate unavailable")
	ErrTransport             = errors.New("license service request failed")
	ErrInvalidServerResponse = errors.New("license response cannot be decapsulated")
	ErrPersistence           = errors.New("persisted key i/o failure")
	ErrKeyNotFound           = errors.New("persisted key not found")
	ErrStoreUnavailable      = errors.New("key store unavailable")
	ErrExpiredLease          = errors.New("license response carried an expired lease")
	ErrObsoleteKey           = errors.New("license response carried an obsolete key")
	ErrTimedOut              = errors.New("license response arrived too late")
	ErrEngineStopped         = errors.New("key engine stopped")
)

// ErrorKind classifies a failure for notification sinks.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindInvalidIdentifier
	KindMissingCertificate
	KindTransportFailure
	KindInvalidServerResponse
	KindPersistenceFailure
	KindExpiredLease
	KindObsoleteKey
	KindTimedOut
	KindCancelled
)

var errorKindNames = map[ErrorKind]string{
	KindUnknown:               "unknown",
	KindInvalidIdentifier:     "invalid_identifier",
	KindMissingCertificate:    "missing_certificate",
	KindTransportFailure:      "transport_failure",
	KindInvalidServerResponse: "invalid_server_response",
	KindPersistenceFailure:    "persistence_failure",
	KindExpiredLease:          "expired_lease",
	KindObsoleteKey:           "obsolete_key",
	KindTimedOut:              "timed_out",
	KindCancelled:             "cancelled",
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// KindOf maps an error chain onto its ErrorKind. Order matters: a persistence
// failure that wraps a not-found error is still a persistence failure.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrInvalidIdentifier):
		return KindInvalidIdentifier
	case errors.Is(err, ErrMissingCertificate):
		return KindMissingCertificate
	case errors.Is(err, ErrPersistence), errors.Is(err, ErrStoreUnavailable):
		return KindPersistenceFailure
	case errors.Is(err, ErrInvalidServerResponse):
		return KindInvalidServerResponse
	case errors.Is(err, ErrExpiredLease):
		return KindExpiredLease
	case errors.Is(err, ErrObsoleteKey):
		return KindObsoleteKey
	case errors.Is(err, ErrTimedOut):
		return KindTimedOut
	case errors.Is(err, ErrEngineStopped):
		return KindCancelled
	case errors.Is(err, ErrTransport):
		return KindTransportFailure
	}
	return KindUnknown
}

// RetryReason is the reason the protocol layer gives for a rejected response.
type RetryReason int

const (
	RetryReasonNone RetryReason = iota
	// RetryTimedOut: the response was not set soon enough, or a lease expired meanwhile.
	RetryTimedOut
	// RetryExpiredLease: the previous response carried an already expired lease.
	RetryExpiredLease
	// RetryObsoleteKey: the previous response carried obsolete key material.
	RetryObsoleteKey
	RetryOther
)

func (r RetryReason) String() string {
	switch r {
	case RetryReasonNone:
		return "none"
	case RetryTimedOut:
		return "timed_out"
	case RetryExpiredLease:
		return "expired_lease"
	case RetryObsoleteKey:
		return "obsolete_key"
	}
	return "other"
}

// ParseRetryReason maps a wire name back onto a RetryReason.
func ParseRetryReason(s string) RetryReason {
	switch s {
	case "", "none":
		return RetryReasonNone
	case "timed_out":
		return RetryTimedOut
	case "expired_lease":
		return RetryExpiredLease
	case "obsolete_key":
		return RetryObsoleteKey
	}
	return RetryOther
}

// RetryWarranted reports whether a rejection with this reason should be retried.
func RetryWarranted(reason RetryReason) bool {
	switch reason {
	case RetryTimedOut, RetryExpiredLease, RetryObsoleteKey:
		return true
	default:
		return false
	}
}

// RetryError carries a retry reason from the license transport.
type RetryError struct {
	Reason RetryReason
	Err    error
}

func (e *RetryError) Error() string {
	if e.Err == nil {
		return "license rejected: " + e.Reason.String()
	}
	return fmt.Sprintf("license rejected (%s): %v", e.Reason, e.Err)
}

func (e *RetryError) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	switch e.Reason {
	case RetryTimedOut:
		errs = append(errs, ErrTimedOut)
	case RetryExpiredLease:
		errs = append(errs, ErrExpiredLease)
	case RetryObsoleteKey:
		errs = append(errs, ErrObsoleteKey)
	}
	return errs
}

// RetryReasonOf extracts the retry reason from an error chain.
func RetryReasonOf(err error) RetryReason {
	var re *RetryError
	if errors.As(err, &re) {
		return re.Reason
	}
	return RetryReasonNone
}
