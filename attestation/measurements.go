package attestation

import (
	"crypto"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/ruteri/cvmctl/interfaces"
)

// ErrMeasurementNotAllowed is returned by measurement policies that do not
// accept a measurement.
var ErrMeasurementNotAllowed = errors.New("measurement not allowed by policy")

// MeasurementPolicy decides whether a launch measurement is acceptable.
type MeasurementPolicy interface {
	Check(provider interfaces.ProviderKind, format interfaces.EvidenceFormat, measurement string) error
}

// MeasurementFunc adapts a function to MeasurementPolicy.
type MeasurementFunc func(provider interfaces.ProviderKind, format interfaces.EvidenceFormat, measurement string) error

func (f MeasurementFunc) Check(provider interfaces.ProviderKind, format interfaces.EvidenceFormat, measurement string) error {
	return f(provider, format, measurement)
}

// AllowList accepts exactly the listed measurements.
type AllowList map[string]struct{}

// NewAllowList builds an allow-list from hex measurements.
func NewAllowList(measurements ...string) AllowList {
	al := make(AllowList, len(measurements))
	for _, m := range measurements {
		al[normalizeMeasurement(m)] = struct{}{}
	}
	return al
}

func (al AllowList) Check(_ interfaces.ProviderKind, _ interfaces.EvidenceFormat, measurement string) error {
	if _, ok := al[normalizeMeasurement(measurement)]; !ok {
		return fmt.Errorf("%w: %s", ErrMeasurementNotAllowed, measurement)
	}
	return nil
}

// GoldenSet accepts measurements listed in signed golden measurement files.
type GoldenSet struct {
	AllowList
	Files []string
}

// LoadGoldenSet reads and verifies golden files with the publisher keys. A
// file that no key verifies fails the whole load.
func LoadGoldenSet(files []string, keyFiles []string) (*GoldenSet, error) {
	if len(files) > 0 && len(keyFiles) == 0 {
		return nil, errors.New("golden measurement files configured without publisher keys")
	}

	keys := make([]crypto.PublicKey, 0, len(keyFiles))
	for _, path := range keyFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read golden publisher key %s: %w", path, err)
		}
		key, err := cryptoutils.ParsePublicKeyPEM(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse golden publisher key %s: %w", path, err)
		}
		keys = append(keys, key)
	}

	set := &GoldenSet{AllowList: AllowList{}, Files: files}
	for _, path := range files {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read golden measurement %s: %w", path, err)
		}
		doc, err := cryptoutils.ParseSignedGolden(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		if err := cryptoutils.VerifyGolden(doc, keys...); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		for _, m := range doc.Measurements() {
			set.AllowList[m] = struct{}{}
		}
	}
	return set, nil
}

// AnyOf accepts a measurement accepted by at least one policy.
type AnyOf []MeasurementPolicy

func (p AnyOf) Check(provider interfaces.ProviderKind, format interfaces.EvidenceFormat, measurement string) error {
	if len(p) == 0 {
		return fmt.Errorf("%w: no measurement rules configured", ErrMeasurementNotAllowed)
	}
	var errs []error
	for _, policy := range p {
		err := policy.Check(provider, format, measurement)
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func normalizeMeasurement(m string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(m), "0x"))
}
