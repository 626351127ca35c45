package cryptoutils

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const (
	// MAAMeasurementClaim carries the SEV-SNP launch measurement of the VM.
	MAAMeasurementClaim = "x-ms-sevsnpvm-launchmeasurement"
	// MAARuntimeClaim carries the runtime data supplied by the guest.
	MAARuntimeClaim = "x-ms-runtime"
)

var maaSigningMethods = []string{"RS256", "RS384", "RS512", "ES256", "ES384", "PS256"}

// MAAToken is a decoded Microsoft Azure Attestation token.
type MAAToken struct {
	Chain       [][]byte
	Measurement string
	Nonce       []byte
	IssuedAt    time.Time
	Claims      jwt.MapClaims
}

// ParseMAAToken decodes a token without checking its signature.
func ParseMAAToken(token string) (*MAAToken, error) {
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	var claims jwt.MapClaims
	parsed, _, err := parser.ParseUnverified(strings.TrimSpace(token), &claims)
	if err != nil {
		return nil, fmt.Errorf("failed to parse attestation token: %w", err)
	}
	return newMAAToken(parsed, claims)
}

// VerifyMAAToken checks the token signature with the leaf of its x5c chain,
// after validating that chain against roots at instant now. Registered
// claims are not validated here.
func VerifyMAAToken(token string, roots *x509.CertPool, now time.Time) (*MAAToken, error) {
	keyfunc := func(t *jwt.Token) (interface{}, error) {
		chain, err := x5cChain(t)
		if err != nil {
			return nil, err
		}
		leaf, err := VerifyChain(chain, roots, now)
		if err != nil {
			return nil, fmt.Errorf("x5c chain verification failed: %w", err)
		}
		return leaf.PublicKey, nil
	}

	parser := jwt.NewParser(jwt.WithValidMethods(maaSigningMethods), jwt.WithoutClaimsValidation())
	var claims jwt.MapClaims
	parsed, err := parser.ParseWithClaims(strings.TrimSpace(token), &claims, keyfunc)
	if err != nil {
		return nil, fmt.Errorf("failed to verify attestation token: %w", err)
	}
	return newMAAToken(parsed, claims)
}

func newMAAToken(t *jwt.Token, claims jwt.MapClaims) (*MAAToken, error) {
	chain, err := x5cChain(t)
	if err != nil {
		return nil, err
	}

	out := &MAAToken{Chain: chain, Claims: claims}
	if m, ok := claims[MAAMeasurementClaim].(string); ok {
		out.Measurement = strings.ToLower(m)
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		out.IssuedAt = iat.Time
	}
	if runtime, ok := claims[MAARuntimeClaim].(map[string]interface{}); ok {
		if payload, ok := runtime["client-payload"].(map[string]interface{}); ok {
			if nonce, ok := payload["nonce"].(string); ok {
				out.Nonce = decodeNonce(nonce)
			}
		}
	}
	return out, nil
}

func x5cChain(t *jwt.Token) ([][]byte, error) {
	x5c, ok := t.Header["x5c"].([]interface{})
	if !ok || len(x5c) == 0 {
		return nil, errors.New("missing x5c header in attestation token")
	}
	chain := make([][]byte, 0, len(x5c))
	for i, seg := range x5c {
		s, _ := seg.(string)
		der, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("failed to decode x5c certificate %d: %w", i, err)
		}
		chain = append(chain, der)
	}
	return chain, nil
}

func decodeNonce(s string) []byte {
	if b, err := hex.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b
	}
	if b, err := base64.RawURLEncoding.DecodeString(s); err == nil {
		return b
	}
	return []byte(s)
}
