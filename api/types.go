package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ruteri/cvmctl/interfaces"
)

// InstanceService is the set of lifecycle operations exposed over the status
// API. It is implemented by the local state machine and by the HTTP client.
type InstanceService interface {
	// List returns the inventory, including archived records when includeArchived is set.
	List(ctx context.Context, includeArchived bool) ([]*interfaces.Instance, error)

	// Get returns one record.
	Get(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error)

	// Evidence returns the evidence history of an instance in order.
	Evidence(ctx context.Context, id interfaces.InstanceID) ([]*interfaces.EvidenceRecord, error)

	// Verify runs an operator-triggered attestation round.
	Verify(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error)

	// Destroy drives the instance to Terminated.
	Destroy(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error)

	// SubmitEvidence applies externally collected evidence.
	SubmitEvidence(ctx context.Context, id interfaces.InstanceID, ev *interfaces.AttestationEvidence) (*interfaces.Instance, error)
}

// ListResponse is returned by GET /api/instances.
type ListResponse struct {
	Instances []*interfaces.Instance `json:"instances"`
}

// EvidenceResponse is returned by GET /api/instances/{id}/evidence.
type EvidenceResponse struct {
	InstanceID interfaces.InstanceID        `json:"instance_id"`
	Records    []*interfaces.EvidenceRecord `json:"records"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Kind       interfaces.ErrorKind    `json:"kind"`
	Reason     interfaces.RejectReason `json:"reason,omitempty"`
	InstanceID interfaces.InstanceID   `json:"instance_id,omitempty"`
	State      interfaces.State        `json:"state,omitempty"`
	Message    string                  `json:"message"`
	NotFound   bool                    `json:"not_found,omitempty"`
}

// NewErrorResponse classifies err for the wire.
func NewErrorResponse(err error) *ErrorResponse {
	resp := &ErrorResponse{
		Kind:     interfaces.ErrorKindOf(err),
		Reason:   interfaces.RejectReasonOf(err),
		Message:  err.Error(),
		NotFound: errors.Is(err, interfaces.ErrInstanceNotFound),
	}
	var le *interfaces.LifecycleError
	if errors.As(err, &le) {
		resp.InstanceID = le.InstanceID
		resp.State = le.State
		if le.Err != nil {
			resp.Message = le.Err.Error()
		}
	}
	return resp
}

// Err rebuilds a classified error from the response.
func (e *ErrorResponse) Err() error {
	cause := errors.New(e.Message)
	if e.NotFound {
		cause = fmt.Errorf("%w: %s", interfaces.ErrInstanceNotFound, e.Message)
	}
	return &interfaces.LifecycleError{
		Kind:       e.Kind,
		Reason:     e.Reason,
		InstanceID: e.InstanceID,
		State:      e.State,
		Err:        cause,
	}
}

// StatusCode maps err to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, interfaces.ErrInvalidTransition), errors.Is(err, interfaces.ErrStateConflict),
		errors.Is(err, interfaces.ErrInstanceArchived):
		return http.StatusConflict
	}
	switch interfaces.ErrorKindOf(err) {
	case interfaces.KindProviderRejected:
		return http.StatusBadRequest
	case interfaces.KindAttestationRejected:
		return http.StatusUnprocessableEntity
	case interfaces.KindProviderUnavailable, interfaces.KindAttestationTimeout:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
