// Package interfaces defines the core types and contracts of cvmctl,
// separating definitions from their implementations.
//
// # Lifecycle types
//
// Instance is the durable record of one provisioned Confidential VM. It is
// created on request, mutated only by the lifecycle state machine, and
// archived once the provider confirms the resource is gone. State enumerates
// the lifecycle states and CanTransition encodes the legal edges between them.
//
// # Provider contracts
//
// ProviderAdapter is implemented once per provider kind (aws, gcp, azure,
// local). Adapters are stateless: everything needed to resume work after a
// restart lives in the ProviderHandle stored on the Instance.
//
// # Attestation types
//
// AttestationEvidence carries the raw evidence returned by a provider together
// with the fields extracted from it. EvidenceVerifier turns evidence into a
// VerificationResult against the active trust policy; EvidenceRecord is the
// append-only history of those results.
//
// # Storage contracts
//
// InventoryStore persists Instance records and evidence history with
// per-instance exclusivity. ArchiveBackend mirrors archived records to
// secondary locations (file, s3, vault).
//
// # Errors
//
// Failures are classified into ErrorKind values (ProviderRejected,
// ProviderUnavailable, AttestationRejected, AttestationTimeout,
// LocalProcessFault). ProviderError is returned by adapters, LifecycleError is
// what users see.
package interfaces
