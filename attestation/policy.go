package attestation

import (
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"
)

const (
	DefaultMaxEvidenceAge = 10 * time.Minute
	DefaultClockSkew      = 30 * time.Second
)

// TrustPolicy is the read-only verification configuration of one run.
type TrustPolicy struct {
	Roots          map[interfaces.ProviderKind]*x509.CertPool
	MaxEvidenceAge time.Duration
	ClockSkew      time.Duration
	Measurements   MeasurementPolicy
}

// RootsFor returns the pool for kind, or nil.
func (p *TrustPolicy) RootsFor(kind interfaces.ProviderKind) *x509.CertPool {
	if p == nil || p.Roots == nil {
		return nil
	}
	return p.Roots[kind]
}

// DefaultPolicy trusts nothing. Only unattested local guests can run under it.
func DefaultPolicy() *TrustPolicy {
	return &TrustPolicy{
		Roots:          map[interfaces.ProviderKind]*x509.CertPool{},
		MaxEvidenceAge: DefaultMaxEvidenceAge,
		ClockSkew:      DefaultClockSkew,
		Measurements:   AnyOf{},
	}
}

// PolicyFile is the YAML form of a TrustPolicy.
type PolicyFile struct {
	Version        int                 `yaml:"version"`
	MaxEvidenceAge string              `yaml:"max_evidence_age"`
	ClockSkew      string              `yaml:"clock_skew"`
	Roots          map[string][]string `yaml:"roots"`
	Measurements   struct {
		Allow       []string `yaml:"allow"`
		GoldenFiles []string `yaml:"golden_files"`
		GoldenKeys  []string `yaml:"golden_keys"`
	} `yaml:"measurements"`
}

const policySchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["version"],
  "additionalProperties": false,
  "properties": {
    "version": {"type": "integer", "enum": [1]},
    "max_evidence_age": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))*$"},
    "clock_skew": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h)([0-9]+(\\.[0-9]+)?(ns|us|ms|s|m|h))*$"},
    "roots": {
      "type": "object",
      "additionalProperties": false,
      "patternProperties": {
        "^(aws|gcp|azure|local)$": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    },
    "measurements": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "allow": {"type": "array", "items": {"type": "string", "pattern": "^(0x)?[0-9a-fA-F]+$"}},
        "golden_files": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "golden_keys": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    }
  }
}`

// ErrInvalidPolicy is returned when a policy file fails schema validation.
var ErrInvalidPolicy = errors.New("invalid trust policy")

// LoadPolicy reads a policy file. Relative paths inside it are resolved
// against the file's directory.
func LoadPolicy(path string) (*TrustPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read trust policy: %w", err)
	}
	return ParsePolicy(data, filepath.Dir(path))
}

// ValidatePolicyDocument checks raw YAML against the policy schema.
func ValidatePolicyDocument(data []byte) error {
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if doc == nil {
		return fmt.Errorf("%w: empty document", ErrInvalidPolicy)
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(policySchema),
		gojsonschema.NewGoLoader(doc),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}
	if !result.Valid() {
		var errs []error
		for _, e := range result.Errors() {
			errs = append(errs, errors.New(e.String()))
		}
		return fmt.Errorf("%w: %w", ErrInvalidPolicy, errors.Join(errs...))
	}
	return nil
}

// ParsePolicy validates and builds a TrustPolicy from YAML.
func ParsePolicy(data []byte, baseDir string) (*TrustPolicy, error) {
	if err := ValidatePolicyDocument(data); err != nil {
		return nil, err
	}

	var file PolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	policy := DefaultPolicy()
	if file.MaxEvidenceAge != "" {
		d, err := time.ParseDuration(file.MaxEvidenceAge)
		if err != nil {
			return nil, fmt.Errorf("%w: max_evidence_age: %v", ErrInvalidPolicy, err)
		}
		policy.MaxEvidenceAge = d
	}
	if file.ClockSkew != "" {
		d, err := time.ParseDuration(file.ClockSkew)
		if err != nil {
			return nil, fmt.Errorf("%w: clock_skew: %v", ErrInvalidPolicy, err)
		}
		policy.ClockSkew = d
	}

	resolve := func(paths []string) []string {
		out := make([]string, len(paths))
		for i, p := range paths {
			if filepath.IsAbs(p) || baseDir == "" {
				out[i] = p
			} else {
				out[i] = filepath.Join(baseDir, p)
			}
		}
		return out
	}

	for name, files := range file.Roots {
		kind, err := interfaces.ParseProviderKind(name)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
		}
		if len(files) == 0 {
			continue
		}
		pool, _, err := cryptoutils.LoadCertPool(resolve(files)...)
		if err != nil {
			return nil, err
		}
		policy.Roots[kind] = pool
	}

	var rules AnyOf
	if len(file.Measurements.Allow) > 0 {
		rules = append(rules, NewAllowList(file.Measurements.Allow...))
	}
	if len(file.Measurements.GoldenFiles) > 0 {
		golden, err := LoadGoldenSet(resolve(file.Measurements.GoldenFiles), resolve(file.Measurements.GoldenKeys))
		if err != nil {
			return nil, err
		}
		rules = append(rules, golden)
	}
	policy.Measurements = rules
	return policy, nil
}
