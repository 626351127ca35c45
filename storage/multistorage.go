package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ruteri/cvmctl/interfaces"
)

// MultiArchive stores to every available backend and fetches from the first
// backend that has the key.
type MultiArchive struct {
	backends []interfaces.ArchiveBackend
	log      *slog.Logger
}

// NewMultiArchive combines backends in priority order.
func NewMultiArchive(backends []interfaces.ArchiveBackend, logger *slog.Logger) *MultiArchive {
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiArchive{
		backends: backends,
		log:      logger,
	}
}

func (m *MultiArchive) Fetch(ctx context.Context, key string) ([]byte, error) {
	start := time.Now()
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key))
			continue
		}

		data, err := backend.Fetch(ctx, key)
		if err == nil {
			m.log.Debug("Fetched archived record",
				slog.String("backend_name", backend.Name()),
				slog.String("key", key),
				slog.Duration("duration", time.Since(start)))
			return data, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to fetch from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("key", key),
			"err", err)
	}

	if len(errs) == 0 {
		return nil, fmt.Errorf("%w: no backend available", ErrBackendUnavailable)
	}
	return nil, fmt.Errorf("all backends failed to fetch %s: %w", key, errors.Join(errs...))
}

// Store succeeds if at least one backend stored the data.
func (m *MultiArchive) Store(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	var success bool
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}

		if err := backend.Store(ctx, key, data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Debug("Failed to store to backend",
				slog.String("backend_name", backend.Name()),
				"err", err)
			continue
		}
		success = true
	}

	if !success {
		m.log.Error("All backends failed to store archived record",
			slog.String("key", key),
			slog.Int("failed_backends", len(errs)),
			slog.Duration("duration", time.Since(start)))
		if len(errs) == 0 {
			return fmt.Errorf("%w: no backend available", ErrBackendUnavailable)
		}
		return fmt.Errorf("all backends failed to store %s: %w", key, errors.Join(errs...))
	}

	return nil
}

// Available reports whether any backend is available.
func (m *MultiArchive) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

func (m *MultiArchive) Name() string {
	return fmt.Sprintf("multi-%d", len(m.backends))
}

func (m *MultiArchive) LocationURI() string {
	uris := ""
	for i, backend := range m.backends {
		if i > 0 {
			uris += ","
		}
		uris += backend.LocationURI()
	}
	return uris
}
