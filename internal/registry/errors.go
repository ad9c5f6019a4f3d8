// Package registry implements the template registry: the pool's truth-holder
// for mineable block templates, job ids, extranonce assignment and share
// validation against an upstream Bitcoin-compatible daemon.
package registry

import "fmt"

// ErrorKind classifies a share rejection so callers (the stratum wire layer)
// can map it to the right JSON-RPC error code.
type ErrorKind int

const (
	// ErrFraudSuspected indicates a non-positive difficulty was reported for
	// the submitting session, which should never happen from honest clients.
	ErrFraudSuspected ErrorKind = iota + 1
	// ErrMalformedExtranonce indicates extranonce2 did not match the
	// registry's configured width.
	ErrMalformedExtranonce
	// ErrStaleJob indicates the job id is unknown under strict policy.
	ErrStaleJob
	// ErrMalformedNtime indicates ntime failed to hex-decode to 4 bytes.
	ErrMalformedNtime
	// ErrNtimeOutOfRange indicates ntime fell outside the template's accepted window.
	ErrNtimeOutOfRange
	// ErrMalformedNonce indicates nonce failed to hex-decode to 4 bytes.
	ErrMalformedNonce
	// ErrDuplicateShare indicates the exact tuple was already accepted for this template.
	ErrDuplicateShare
	// ErrLowDifficulty indicates the header hash did not clear the worker's target.
	ErrLowDifficulty
	// ErrInternalInconsistency indicates a post-finalize validation failure; logged, never surfaced.
	ErrInternalInconsistency
)

func (k ErrorKind) String() string {
	switch k {
	case ErrFraudSuspected:
		return "fraud_suspected"
	case ErrMalformedExtranonce:
		return "malformed_extranonce"
	case ErrStaleJob:
		return "stale_job"
	case ErrMalformedNtime:
		return "malformed_ntime"
	case ErrNtimeOutOfRange:
		return "ntime_out_of_range"
	case ErrMalformedNonce:
		return "malformed_nonce"
	case ErrDuplicateShare:
		return "duplicate_share"
	case ErrLowDifficulty:
		return "low_difficulty"
	case ErrInternalInconsistency:
		return "internal_inconsistency"
	default:
		return "unknown"
	}
}

// ShareError is raised by SubmitShare for any of its ordered checks. The
// check order is significant and must not be reordered: cheap structural
// checks run before expensive hashing.
type ShareError struct {
	Kind    ErrorKind
	Message string
}

func (e *ShareError) Error() string {
	return e.Message
}

func newShareError(kind ErrorKind, format string, args ...interface{}) *ShareError {
	return &ShareError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}
