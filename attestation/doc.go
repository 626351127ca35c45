// Package attestation implements the evidence verifier.
//
// Verify is a pure function of the evidence, the trust policy, the open
// challenge and the current time. It runs four checks in a fixed order and
// stops at the first failure:
//
//  1. freshness of the evidence issue time (Stale)
//  2. certificate chain to a policy root and evidence signature (ChainInvalid)
//  3. measurement recomputed from the raw evidence and the policy's
//     measurement rules (MeasurementMismatch)
//  4. nonce binding against the open, unconsumed challenge (ReplayDetected)
//
// Unattested evidence never passes the chain check. Callers decide what an
// unattested local guest is allowed to do.
//
// TrustPolicy is loaded from a YAML file validated against an embedded JSON
// schema. Measurement rules are an allow-list, signed golden measurement
// files, or any MeasurementPolicy implementation.
package attestation
