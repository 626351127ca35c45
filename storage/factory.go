package storage

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/cvmctl/interfaces"
)

// ArchiveFactory creates archive backends from location URIs.
type ArchiveFactory struct {
	log *slog.Logger
}

// NewArchiveFactory creates a factory.
func NewArchiveFactory(logger *slog.Logger) *ArchiveFactory {
	return &ArchiveFactory{log: logger}
}

// ArchiveFor creates an archive backend from a location.
//
// Supported schemes:
//   - file:///path - local directory
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=..&endpoint=.. - S3 or compatible
//   - vault://host:port/mount/path?tls=false - Vault KV v2
func (f *ArchiveFactory) ArchiveFor(loc interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	switch loc.Scheme {
	case "file":
		return f.createFileArchive(loc)
	case "s3":
		return f.createS3Archive(loc)
	case "vault":
		return f.createVaultArchive(loc)
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %s", interfaces.ErrInvalidLocationURI, loc.Scheme)
	}
}

// ArchiveForURIs parses a comma separated URI list. A single URI yields its
// backend directly, several yield a MultiArchive. Backends that fail to
// initialize are skipped with a warning.
func (f *ArchiveFactory) ArchiveForURIs(uris string) (interfaces.ArchiveBackend, error) {
	var backends []interfaces.ArchiveBackend
	for _, raw := range strings.Split(uris, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		loc, err := interfaces.NewArchiveLocation(raw)
		if err != nil {
			return nil, err
		}
		backend, err := f.ArchiveFor(loc)
		if err != nil {
			f.log.Warn("Failed to create archive backend",
				"err", err,
				slog.String("locationURI", raw))
			continue
		}
		backends = append(backends, backend)
	}

	switch len(backends) {
	case 0:
		return nil, fmt.Errorf("no valid archive backends created from %q", uris)
	case 1:
		return backends[0], nil
	default:
		return NewMultiArchive(backends, f.log), nil
	}
}

func (f *ArchiveFactory) createFileArchive(loc interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	path := loc.Path
	if loc.Host != "" {
		path = loc.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("empty path in file URI: %s", loc.Raw)
	}
	return NewFileArchive(path, f.log)
}

func (f *ArchiveFactory) createS3Archive(loc interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	if loc.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}

	region := loc.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if loc.User != nil {
		accessKey = loc.User.Username()
		secretKey, _ = loc.User.Password()
	}

	return NewS3Archive(loc.Host, strings.TrimPrefix(loc.Path, "/"), region, loc.GetParam("endpoint"), accessKey, secretKey, f.log)
}

func (f *ArchiveFactory) createVaultArchive(loc interfaces.ArchiveLocation) (interfaces.ArchiveBackend, error) {
	parts := strings.SplitN(strings.Trim(loc.Path, "/"), "/", 2)
	if loc.Host == "" || parts[0] == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path, got %s", interfaces.ErrInvalidLocationURI, loc.Raw)
	}
	dataPath := ""
	if len(parts) == 2 {
		dataPath = parts[1]
	}

	scheme := "https"
	if loc.GetParam("tls") == "false" {
		scheme = "http"
	}
	return NewVaultArchive(fmt.Sprintf("%s://%s", scheme, loc.Host), parts[0], dataPath, f.log)
}
