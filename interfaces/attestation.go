package interfaces

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ContentID is a 32-byte SHA-256 hash uniquely identifying evidence.
type ContentID [32]byte

// ComputeID calculates the content ID of data.
func ComputeID(data []byte) ContentID {
	return ContentID(sha256.Sum256(data))
}

// NewContentIDFromHex parses a hex encoded content ID.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, errors.New("invalid content ID length: hex string must be 64 characters")
	}

	hashBytes, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	var hash [32]byte
	copy(hash[:], hashBytes)
	return ContentID(hash), nil
}

// String returns hex representation.
func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal compares two content IDs.
func (id ContentID) Equal(other ContentID) bool {
	return bytes.Equal(id[:], other[:])
}

func (id ContentID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ContentID) UnmarshalText(text []byte) error {
	parsed, err := NewContentIDFromHex(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// EvidenceFormat names the structure of AttestationEvidence.Raw.
type EvidenceFormat string

const (
	// FormatX509 is a signed JSON claim set with an X.509 chain.
	FormatX509 EvidenceFormat = "x509"
	// FormatTDX is an Intel TDX DCAP quote.
	FormatTDX EvidenceFormat = "tdx"
	// FormatSEVSNP is an AMD SEV-SNP attestation report with its VCEK chain.
	FormatSEVSNP EvidenceFormat = "sev-snp"
	// FormatAzureMAA is a Microsoft Azure Attestation token.
	FormatAzureMAA EvidenceFormat = "azure-maa"
	// FormatUnattested is synthetic evidence from a guest without CVM hardware.
	FormatUnattested EvidenceFormat = "unattested"
)

// AttestationEvidence is the raw evidence of one attestation round and the
// fields extracted from it. Immutable once recorded.
type AttestationEvidence struct {
	ID          ContentID      `json:"id"`
	InstanceID  InstanceID     `json:"instance_id"`
	Provider    ProviderKind   `json:"provider"`
	Format      EvidenceFormat `json:"format"`
	Raw         []byte         `json:"raw"`
	Measurement string         `json:"measurement"`
	CertChain   [][]byte       `json:"cert_chain,omitempty"`
	Signature   []byte         `json:"signature,omitempty"`
	Nonce       []byte         `json:"nonce"`
	IssuedAt    time.Time      `json:"issued_at"`
	CollectedAt time.Time      `json:"collected_at"`
	Unattested  bool           `json:"unattested,omitempty"`
}

// Seal computes the content ID from the raw evidence.
func (e *AttestationEvidence) Seal() {
	e.ID = ComputeID(e.Raw)
}

// Verdict is the outcome of verifying one piece of evidence.
type Verdict string

const (
	VerdictVerified   Verdict = "verified"
	VerdictRejected   Verdict = "rejected"
	VerdictUnattested Verdict = "unattested"
)

// VerificationResult is returned by EvidenceVerifier.
type VerificationResult struct {
	Verdict Verdict      `json:"verdict"`
	Reason  RejectReason `json:"reason,omitempty"`
	Detail  string       `json:"detail,omitempty"`
}

// Verified reports whether the result is a pass.
func (r VerificationResult) Verified() bool {
	return r.Verdict == VerdictVerified
}

// Err returns the rejection as an error, or nil.
func (r VerificationResult) Err() error {
	if r.Verdict != VerdictRejected {
		return nil
	}
	return &AttestationError{Reason: r.Reason, Detail: r.Detail}
}

// EvidenceRecord is one entry of an instance's append-only evidence history.
type EvidenceRecord struct {
	Seq        int                 `json:"seq"`
	Evidence   AttestationEvidence `json:"evidence"`
	Result     VerificationResult  `json:"result"`
	RecordedAt time.Time           `json:"recorded_at"`
}

// EvidenceVerifier checks evidence against the active trust policy. It must
// be deterministic and free of side effects.
type EvidenceVerifier interface {
	Verify(ev *AttestationEvidence, challenge *Challenge, now time.Time) VerificationResult
}
