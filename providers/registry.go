// Package providers selects the provider adapter for an instance.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ruteri/cvmctl/credentials"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/ruteri/cvmctl/providers/aws"
	"github.com/ruteri/cvmctl/providers/azure"
	"github.com/ruteri/cvmctl/providers/cliexec"
	"github.com/ruteri/cvmctl/providers/gcp"
	"github.com/ruteri/cvmctl/providers/local"
)

// Factory constructs an adapter on first use.
type Factory func(ctx context.Context) (interfaces.ProviderAdapter, error)

type entry struct {
	factory Factory
	once    sync.Once
	adapter interfaces.ProviderAdapter
	err     error
}

// Registry maps provider kinds to adapters.
type Registry struct {
	mu      sync.RWMutex
	entries map[interfaces.ProviderKind]*entry
}

// NewRegistry creates a registry holding ready adapters.
func NewRegistry(adapters ...interfaces.ProviderAdapter) *Registry {
	r := &Registry{entries: make(map[interfaces.ProviderKind]*entry)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds a ready adapter, replacing any previous one of its kind.
func (r *Registry) Register(a interfaces.ProviderAdapter) {
	r.RegisterFactory(a.Kind(), func(context.Context) (interfaces.ProviderAdapter, error) { return a, nil })
}

// RegisterFactory adds a lazily constructed adapter.
func (r *Registry) RegisterFactory(kind interfaces.ProviderKind, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[kind] = &entry{factory: f}
}

// Get returns the adapter for kind.
func (r *Registry) Get(ctx context.Context, kind interfaces.ProviderKind) (interfaces.ProviderAdapter, error) {
	r.mu.RLock()
	e, ok := r.entries[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not configured", interfaces.ErrUnsupportedProvider, kind)
	}
	e.once.Do(func() {
		e.adapter, e.err = e.factory(ctx)
	})
	if e.err != nil {
		return nil, interfaces.Rejected(kind, "configure", e.err)
	}
	return e.adapter, nil
}

// Kinds lists the registered kinds in order.
func (r *Registry) Kinds() []interfaces.ProviderKind {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]interfaces.ProviderKind, 0, len(r.entries))
	for k := range r.entries {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Config holds the per-provider settings used by Build.
type Config struct {
	AWS   aws.Config
	GCP   gcp.Config
	Azure azure.Config
	Local local.Config

	// Credentials maps a provider kind to its credential profile reference.
	Credentials map[interfaces.ProviderKind]string
}

// Build registers all four adapters. Credentials are resolved when an
// adapter is first used and are never stored.
func Build(cfg Config, resolver *credentials.Resolver, log *slog.Logger) *Registry {
	r := NewRegistry()
	runner := cliexec.NewExecRunner(log)
	resolve := func(ctx context.Context, kind interfaces.ProviderKind) (*credentials.Credentials, error) {
		creds, err := resolver.Resolve(ctx, cfg.Credentials[kind])
		if err != nil {
			return nil, fmt.Errorf("resolving %s credentials: %w", kind, err)
		}
		return creds, nil
	}

	r.RegisterFactory(interfaces.ProviderAWS, func(ctx context.Context) (interfaces.ProviderAdapter, error) {
		creds, err := resolve(ctx, interfaces.ProviderAWS)
		if err != nil {
			return nil, err
		}
		return aws.New(cfg.AWS, creds, log.With(slog.String("provider", "aws"))), nil
	})
	r.RegisterFactory(interfaces.ProviderGCP, func(ctx context.Context) (interfaces.ProviderAdapter, error) {
		creds, err := resolve(ctx, interfaces.ProviderGCP)
		if err != nil {
			return nil, err
		}
		return gcp.New(cfg.GCP, runner, creds, log.With(slog.String("provider", "gcp"))), nil
	})
	r.RegisterFactory(interfaces.ProviderAzure, func(ctx context.Context) (interfaces.ProviderAdapter, error) {
		creds, err := resolve(ctx, interfaces.ProviderAzure)
		if err != nil {
			return nil, err
		}
		return azure.New(cfg.Azure, runner, creds, log.With(slog.String("provider", "azure"))), nil
	})
	r.RegisterFactory(interfaces.ProviderLocal, func(ctx context.Context) (interfaces.ProviderAdapter, error) {
		return local.New(cfg.Local, log.With(slog.String("provider", "local"))), nil
	})
	return r
}
