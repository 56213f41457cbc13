package interfaces

import (
	"errors"
	"fmt"
)

// Trust failures. These are fatal: the session is marked rejected and
// the result discarded. No automatic retry, since the cause is a trust
// failure, not a transient fault.
var (
	// ErrUnknownKind means the evidence's TEE kind is not one the policy
	// recognizes.
	ErrUnknownKind = errors.New("unknown TEE kind")

	// ErrMeasurementNotWhitelisted means the measurement does not exactly
	// match any allowed value for the kind. No prefix matching.
	ErrMeasurementNotWhitelisted = errors.New("measurement not whitelisted")

	// ErrTcbTooOld means the trusted computing base version is below the
	// policy minimum for the matched measurement.
	ErrTcbTooOld = errors.New("TCB version below policy minimum")

	// ErrInvalidProof means the vendor signature or proof chain did not
	// validate against the configured root of trust.
	ErrInvalidProof = errors.New("invalid vendor proof")
)

// Recoverable and transient conditions.
var (
	// ErrStaleEvidence means the evidence aged past the policy maximum.
	// Distinct from ErrInvalidProof: recoverable by re-attesting once.
	ErrStaleEvidence = errors.New("attestation evidence is stale")

	// ErrUnreachable means a remote session timed out or refused the
	// connection; retried with backoff, then excluded from dispatch.
	ErrUnreachable = errors.New("backend unreachable")
)

var (
	// ErrSessionBusy is returned on a second concurrent execute on the
	// same session. Concurrent calls are a programming error and are
	// rejected rather than queued, to avoid masking ordering bugs.
	ErrSessionBusy = errors.New("session has an execution in flight")

	// ErrSessionClosed is returned when using a session after Close.
	ErrSessionClosed = errors.New("session is closed")

	// ErrNoBackendAvailable means neither the primary nor a configured
	// fallback session could serve the request.
	ErrNoBackendAvailable = errors.New("no trusted backend available")

	// ErrDivergence means two backends returned different outputs for
	// the same deterministic request. It indicates a correctness defect
	// requiring investigation and is never auto-resolved.
	ErrDivergence = errors.New("backend outputs diverged")
)

// IsTrustFailure reports whether err is one of the fatal verification
// failures that must mark the session rejected.
func IsTrustFailure(err error) bool {
	return errors.Is(err, ErrUnknownKind) ||
		errors.Is(err, ErrMeasurementNotWhitelisted) ||
		errors.Is(err, ErrTcbTooOld) ||
		errors.Is(err, ErrInvalidProof)
}

// VerificationError wraps a rejection with the evidence context that
// produced it.
type VerificationError struct {
	TEEKind TEEKind
	Reason  error
	Detail  string
}

func (e *VerificationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("attestation rejected (%s): %s", e.TEEKind, e.Reason)
	}
	return fmt.Sprintf("attestation rejected (%s): %s: %s", e.TEEKind, e.Reason, e.Detail)
}

func (e *VerificationError) Unwrap() error { return e.Reason }
