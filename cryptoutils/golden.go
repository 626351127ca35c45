package cryptoutils

import (
	"crypto"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrGoldenMissingField is returned for files without golden_measurement or signature.
	ErrGoldenMissingField = errors.New("golden measurement file must contain 'golden_measurement' and 'signature' fields")

	// ErrGoldenSignature is returned when no trusted key verifies a golden file.
	ErrGoldenSignature = errors.New("golden measurement signature verification failed")
)

// SignedGolden is the on-disk form of a signed reference measurement.
type SignedGolden struct {
	GoldenMeasurement map[string]any `json:"golden_measurement"`
	Signature         string         `json:"signature,omitempty"`
}

// ParseSignedGolden decodes a golden measurement file.
func ParseSignedGolden(data []byte) (*SignedGolden, error) {
	var doc SignedGolden
	if err := unmarshalUseNumber(data, &doc); err != nil {
		return nil, fmt.Errorf("invalid golden measurement file: %w", err)
	}
	if doc.GoldenMeasurement == nil {
		return nil, ErrGoldenMissingField
	}
	return &doc, nil
}

// SignGolden signs the canonical form of doc.GoldenMeasurement and stores the
// base64 signature in doc.
func SignGolden(doc *SignedGolden, key crypto.Signer) error {
	if doc.GoldenMeasurement == nil {
		return ErrGoldenMissingField
	}
	data, err := CanonicalJSON(doc.GoldenMeasurement)
	if err != nil {
		return err
	}
	sig, err := SignSHA256(key, data)
	if err != nil {
		return fmt.Errorf("failed to sign golden measurement: %w", err)
	}
	doc.Signature = base64.StdEncoding.EncodeToString(sig)
	return nil
}

// VerifyGolden checks doc against every key and succeeds if one verifies.
func VerifyGolden(doc *SignedGolden, keys ...crypto.PublicKey) error {
	if doc.GoldenMeasurement == nil || doc.Signature == "" {
		return ErrGoldenMissingField
	}
	sig, err := base64.StdEncoding.DecodeString(doc.Signature)
	if err != nil {
		return fmt.Errorf("invalid golden measurement signature encoding: %w", err)
	}
	data, err := CanonicalJSON(doc.GoldenMeasurement)
	if err != nil {
		return err
	}
	for _, key := range keys {
		if VerifySHA256(key, data, sig) == nil {
			return nil
		}
	}
	return ErrGoldenSignature
}

// Measurements extracts the reference measurements listed by the golden
// object: a "measurement" string, a "measurements" list, or a "measurements"
// object whose values are measurements. Values are lower-cased hex.
func (doc *SignedGolden) Measurements() []string {
	var out []string
	add := func(v any) {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, strings.ToLower(strings.TrimPrefix(s, "0x")))
		}
	}

	add(doc.GoldenMeasurement["measurement"])
	switch m := doc.GoldenMeasurement["measurements"].(type) {
	case []any:
		for _, v := range m {
			add(v)
		}
	case map[string]any:
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			add(m[k])
		}
	}
	return out
}

func unmarshalUseNumber(data []byte, v any) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	return dec.Decode(v)
}
