// Package cryptoutils provides the cryptographic building blocks of the
// attestation verifier.
//
// Certificates: PEM/DER chain parsing, root pool loading and chain
// validation at a given instant, plus a small certificate authority used to
// issue ephemeral emulation keys.
//
// Signatures: SHA-256 signing and verification for ECDSA and RSA PKCS#1 v1.5
// keys, and canonical JSON (sorted keys, compact separators, ASCII escaped)
// so signatures produced by other tooling over the same object verify here.
//
// Golden measurements: signed reference measurement files of the form
// {"golden_measurement": {...}, "signature": "<base64>"}.
//
// Hardware evidence: TDX quotes (go-tdx-guest), SEV-SNP reports
// (go-sev-guest) and Azure Attestation tokens (golang-jwt).
package cryptoutils
