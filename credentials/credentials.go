// Package credentials resolves credential profile references for provider
// adapters. A reference is opaque to the rest of cvmctl and is never written
// to the inventory.
//
// Supported references:
//   - "" or "env": the provider SDK or CLI picks up credentials from its own
//     environment and configuration files
//   - "profile:<name>": a named profile (AWS shared config profile, gcloud
//     configuration, az subscription)
//   - "vault://<mount>/<path>": a Vault KV v2 secret whose string values are
//     exported as environment variables for the provider call
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
)

var (
	ErrInvalidReference = errors.New("invalid credential profile reference")
	ErrSecretNotFound   = errors.New("credential secret not found")
)

// Source identifies how a reference is resolved.
type Source string

const (
	SourceEnv     Source = "env"
	SourceProfile Source = "profile"
	SourceVault   Source = "vault"
)

// Reference is a parsed credential profile reference.
type Reference struct {
	Source Source
	// Profile is set for SourceProfile.
	Profile string
	// Mount and Path are set for SourceVault.
	Mount string
	Path  string
}

// ParseReference parses a profile reference string.
func ParseReference(ref string) (Reference, error) {
	ref = strings.TrimSpace(ref)
	switch {
	case ref == "" || ref == string(SourceEnv):
		return Reference{Source: SourceEnv}, nil
	case strings.HasPrefix(ref, "profile:"):
		name := strings.TrimPrefix(ref, "profile:")
		if name == "" {
			return Reference{}, fmt.Errorf("%w: empty profile name", ErrInvalidReference)
		}
		return Reference{Source: SourceProfile, Profile: name}, nil
	case strings.HasPrefix(ref, "vault://"):
		parts := strings.SplitN(strings.Trim(strings.TrimPrefix(ref, "vault://"), "/"), "/", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return Reference{}, fmt.Errorf("%w: expected vault://<mount>/<path>, got %q", ErrInvalidReference, ref)
		}
		return Reference{Source: SourceVault, Mount: parts[0], Path: parts[1]}, nil
	default:
		return Reference{}, fmt.Errorf("%w: %q", ErrInvalidReference, ref)
	}
}

func (r Reference) String() string {
	switch r.Source {
	case SourceProfile:
		return "profile:" + r.Profile
	case SourceVault:
		return fmt.Sprintf("vault://%s/%s", r.Mount, r.Path)
	default:
		return string(SourceEnv)
	}
}

// Credentials is the resolved form handed to an adapter. It lives only for
// the duration of a call.
type Credentials struct {
	Profile string
	Env     map[string]string
}

// Environ renders Env as KEY=VALUE pairs in a stable order.
func (c *Credentials) Environ() []string {
	if c == nil {
		return nil
	}
	keys := make([]string, 0, len(c.Env))
	for k := range c.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+c.Env[k])
	}
	return out
}

// Get returns an exported variable or "".
func (c *Credentials) Get(key string) string {
	if c == nil {
		return ""
	}
	return c.Env[key]
}

// SecretReader reads a Vault logical path.
type SecretReader interface {
	ReadWithContext(ctx context.Context, path string) (*api.Secret, error)
}

// Resolver turns references into credentials.
type Resolver struct {
	log   *slog.Logger
	vault SecretReader
}

// NewResolver creates a resolver. Vault is only contacted for vault://
// references, using the standard VAULT_ADDR and VAULT_TOKEN environment.
func NewResolver(log *slog.Logger) *Resolver {
	return &Resolver{log: log}
}

// WithVault sets the secret reader used for vault:// references.
func (r *Resolver) WithVault(reader SecretReader) *Resolver {
	r.vault = reader
	return r
}

func (r *Resolver) vaultReader() (SecretReader, error) {
	if r.vault != nil {
		return r.vault, nil
	}
	config := api.DefaultConfig()
	if config.Error != nil {
		return nil, fmt.Errorf("failed to read Vault configuration: %w", config.Error)
	}
	config.Timeout = 15 * time.Second
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	r.vault = client.Logical()
	return r.vault, nil
}

// Resolve resolves ref. Env references yield empty credentials.
func (r *Resolver) Resolve(ctx context.Context, ref string) (*Credentials, error) {
	parsed, err := ParseReference(ref)
	if err != nil {
		return nil, err
	}

	switch parsed.Source {
	case SourceProfile:
		return &Credentials{Profile: parsed.Profile}, nil
	case SourceVault:
		return r.resolveVault(ctx, parsed)
	default:
		return &Credentials{}, nil
	}
}

func (r *Resolver) resolveVault(ctx context.Context, ref Reference) (*Credentials, error) {
	reader, err := r.vaultReader()
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/data/%s", ref.Mount, ref.Path)
	secret, err := reader.ReadWithContext(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read credentials from Vault: %w", err)
	}
	if secret == nil || secret.Data == nil {
		return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, ref)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response for %s", ref)
	}

	creds := &Credentials{Env: make(map[string]string, len(data))}
	for k, v := range data {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if k == "profile" {
			creds.Profile = s
			continue
		}
		creds.Env[k] = s
	}

	r.log.Debug("Resolved credentials from Vault",
		slog.String("ref", ref.String()),
		slog.Int("vars", len(creds.Env)))
	return creds, nil
}
