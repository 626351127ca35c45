package interfaces

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies failures.
type ErrorKind string

const (
	KindProviderRejected    ErrorKind = "ProviderRejected"
	KindProviderUnavailable ErrorKind = "ProviderUnavailable"
	KindAttestationRejected ErrorKind = "AttestationRejected"
	KindAttestationTimeout  ErrorKind = "AttestationTimeout"
	KindLocalProcessFault   ErrorKind = "LocalProcessFault"
	KindInternal            ErrorKind = "Internal"
)

// RejectReason details an AttestationRejected failure.
type RejectReason string

const (
	ReasonStale               RejectReason = "Stale"
	ReasonChainInvalid        RejectReason = "ChainInvalid"
	ReasonMeasurementMismatch RejectReason = "MeasurementMismatch"
	ReasonReplayDetected      RejectReason = "ReplayDetected"
)

// Process exit codes per error kind.
const (
	ExitOK                  = 0
	ExitGeneral             = 1
	ExitProviderRejected    = 2
	ExitProviderUnavailable = 3
	ExitAttestationRejected = 4
	ExitAttestationTimeout  = 5
	ExitLocalProcessFault   = 6
	ExitNotFound            = 7
)

var (
	// ErrInstanceNotFound is returned when no record exists for an id.
	ErrInstanceNotFound = errors.New("instance not found")

	// ErrInstanceExists is returned when creating a record whose id is taken.
	ErrInstanceExists = errors.New("instance already exists")

	// ErrInstanceArchived is returned when mutating an archived record.
	ErrInstanceArchived = errors.New("instance is archived")

	// ErrEvidenceNotReady is returned by FetchEvidence while the guest cannot
	// produce evidence yet. It is never a terminal failure by itself.
	ErrEvidenceNotReady = errors.New("attestation evidence not ready")

	// ErrInvalidTransition is returned for edges outside the transition table.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrStateConflict is returned when a record moved while a result was in
	// flight. The result is discarded.
	ErrStateConflict = errors.New("instance state changed concurrently")

	// ErrUnsupportedProvider is returned for unknown provider kinds.
	ErrUnsupportedProvider = errors.New("unsupported provider")

	// ErrBackendUnavailable is returned when an archive backend is not accessible.
	ErrBackendUnavailable = errors.New("archive backend unavailable")

	// ErrContentNotFound is returned when an archive backend has no such key.
	ErrContentNotFound = errors.New("content not found")

	// ErrInvalidLocationURI is returned for malformed or unsupported archive URIs.
	ErrInvalidLocationURI = errors.New("invalid archive location URI")
)

// ProviderError is returned by provider adapters.
type ProviderError struct {
	Kind     ErrorKind
	Provider ProviderKind
	Op       string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Rejected wraps err as a non-retryable provider failure.
func Rejected(provider ProviderKind, op string, err error) error {
	return &ProviderError{Kind: KindProviderRejected, Provider: provider, Op: op, Err: err}
}

// Unavailable wraps err as a transient provider failure.
func Unavailable(provider ProviderKind, op string, err error) error {
	return &ProviderError{Kind: KindProviderUnavailable, Provider: provider, Op: op, Err: err}
}

// ProcessFault wraps err as a local emulation failure.
func ProcessFault(op string, err error) error {
	return &ProviderError{Kind: KindLocalProcessFault, Provider: ProviderLocal, Op: op, Err: err}
}

// AttestationError is a rejection produced by the verifier.
type AttestationError struct {
	Reason RejectReason
	Detail string
}

func (e *AttestationError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("attestation rejected: %s", e.Reason)
	}
	return fmt.Sprintf("attestation rejected: %s: %s", e.Reason, e.Detail)
}

// AttestationTimeoutError is returned when no evidence arrived within budget.
type AttestationTimeoutError struct {
	Attempts int
	Last     error
}

func (e *AttestationTimeoutError) Error() string {
	if e.Last != nil {
		return fmt.Sprintf("no attestation evidence after %d attempts: %v", e.Attempts, e.Last)
	}
	return fmt.Sprintf("no attestation evidence after %d attempts", e.Attempts)
}

func (e *AttestationTimeoutError) Unwrap() error { return e.Last }

// LifecycleError is the user visible failure of a lifecycle operation.
type LifecycleError struct {
	Kind       ErrorKind
	Reason     RejectReason
	InstanceID InstanceID
	State      State
	Err        error
}

func (e *LifecycleError) Error() string {
	kind := string(e.Kind)
	if e.Reason != "" {
		kind = fmt.Sprintf("%s(%s)", e.Kind, e.Reason)
	}
	if e.InstanceID == "" {
		return fmt.Sprintf("%s: %v", kind, e.Err)
	}
	return fmt.Sprintf("%s: instance %s (state %s): %v", kind, e.InstanceID, e.State, e.Err)
}

func (e *LifecycleError) Unwrap() error { return e.Err }

// ExitCode maps the error kind to a process exit code.
func (e *LifecycleError) ExitCode() int {
	return ExitCodeOf(e)
}

// NewLifecycleError classifies err for instance id in state.
func NewLifecycleError(id InstanceID, state State, err error) *LifecycleError {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le
	}
	return &LifecycleError{
		Kind:       ErrorKindOf(err),
		Reason:     RejectReasonOf(err),
		InstanceID: id,
		State:      state,
		Err:        err,
	}
}

// ErrorKindOf classifies any error into the taxonomy.
func ErrorKindOf(err error) ErrorKind {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Kind
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	var ae *AttestationError
	if errors.As(err, &ae) {
		return KindAttestationRejected
	}
	var te *AttestationTimeoutError
	if errors.As(err, &te) {
		return KindAttestationTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindProviderUnavailable
	}
	return KindInternal
}

// RejectReasonOf extracts the attestation rejection reason, if any.
func RejectReasonOf(err error) RejectReason {
	var le *LifecycleError
	if errors.As(err, &le) {
		return le.Reason
	}
	var ae *AttestationError
	if errors.As(err, &ae) {
		return ae.Reason
	}
	return ""
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return ErrorKindOf(err) == KindProviderUnavailable
}

// ExitCodeOf maps an error to a process exit code.
func ExitCodeOf(err error) int {
	if err == nil {
		return ExitOK
	}
	if errors.Is(err, ErrInstanceNotFound) {
		return ExitNotFound
	}
	switch ErrorKindOf(err) {
	case KindProviderRejected:
		return ExitProviderRejected
	case KindProviderUnavailable:
		return ExitProviderUnavailable
	case KindAttestationRejected:
		return ExitAttestationRejected
	case KindAttestationTimeout:
		return ExitAttestationTimeout
	case KindLocalProcessFault:
		return ExitLocalProcessFault
	}
	return ExitGeneral
}
