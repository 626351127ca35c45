package attestation

import (
	"crypto"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/ruteri/cvmctl/interfaces"
)

// Claims is the signed JSON statement carried by x509 and unattested evidence.
type Claims struct {
	Format      interfaces.EvidenceFormat `json:"format"`
	InstanceID  interfaces.InstanceID     `json:"instance_id"`
	IssuedAt    time.Time                 `json:"issued_at"`
	Measurement string                    `json:"measurement"`
	Nonce       string                    `json:"nonce"`
}

// Marshal returns the canonical signed form of the claims.
func (c Claims) Marshal() ([]byte, error) {
	c.IssuedAt = c.IssuedAt.UTC()
	return cryptoutils.CanonicalJSON(c)
}

// ParseClaims decodes the raw claims of x509 or unattested evidence.
func ParseClaims(raw []byte) (*Claims, error) {
	var c Claims
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("invalid evidence claims: %w", err)
	}
	return &c, nil
}

// NewSignedEvidence builds evidence whose raw form is the canonical claims
// signed by key. chain is the DER chain of key's certificate, leaf first.
func NewSignedEvidence(claims Claims, provider interfaces.ProviderKind, key crypto.Signer, chain [][]byte) (*interfaces.AttestationEvidence, error) {
	raw, err := claims.Marshal()
	if err != nil {
		return nil, err
	}
	sig, err := cryptoutils.SignSHA256(key, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to sign evidence: %w", err)
	}
	nonce, err := hex.DecodeString(claims.Nonce)
	if err != nil {
		return nil, fmt.Errorf("invalid claims nonce: %w", err)
	}

	ev := &interfaces.AttestationEvidence{
		InstanceID:  claims.InstanceID,
		Provider:    provider,
		Format:      claims.Format,
		Raw:         raw,
		Measurement: claims.Measurement,
		CertChain:   chain,
		Signature:   sig,
		Nonce:       nonce,
		IssuedAt:    claims.IssuedAt.UTC(),
		Unattested:  claims.Format == interfaces.FormatUnattested,
	}
	ev.Seal()
	return ev, nil
}
