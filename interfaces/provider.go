package interfaces

import "context"

// ProviderAdapter launches, polls, attests and destroys resources of one
// provider kind. Adapters hold no lifecycle state.
type ProviderAdapter interface {
	// Kind returns the provider kind served by the adapter.
	Kind() ProviderKind

	// Create requests a new resource. Calling it again with the same id must
	// not create a second resource.
	Create(ctx context.Context, id InstanceID, spec InstanceSpec) (*ProviderHandle, error)

	// Poll reports the current resource state.
	Poll(ctx context.Context, handle *ProviderHandle) (ProviderStatus, error)

	// FetchEvidence obtains attestation evidence bound to nonce. It returns
	// ErrEvidenceNotReady while the guest cannot attest yet.
	FetchEvidence(ctx context.Context, handle *ProviderHandle, nonce []byte) (*AttestationEvidence, error)

	// Destroy releases the resource. A resource that is already gone is a success.
	Destroy(ctx context.Context, handle *ProviderHandle) error
}
