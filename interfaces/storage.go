package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// InventoryStore persists Instance records and their evidence history.
// Implementations serialize mutations per instance, across processes.
type InventoryStore interface {
	// Create stores a new record. It fails with ErrInstanceExists if the id is taken.
	Create(ctx context.Context, inst *Instance) error

	// Get returns the active record, falling back to the archive.
	Get(ctx context.Context, id InstanceID) (*Instance, error)

	// List returns active records, and archived ones when includeArchived is set.
	List(ctx context.Context, includeArchived bool) ([]*Instance, error)

	// Update runs fn on the current record under the instance lock and
	// persists the result. If fn returns an error nothing is written.
	Update(ctx context.Context, id InstanceID, fn func(inst *Instance) error) (*Instance, error)

	// AppendEvidence adds a record to the instance's evidence history and
	// returns it with its sequence number assigned.
	AppendEvidence(ctx context.Context, id InstanceID, rec *EvidenceRecord) (*EvidenceRecord, error)

	// Evidence returns the evidence history in order.
	Evidence(ctx context.Context, id InstanceID) ([]*EvidenceRecord, error)

	// Archive moves a record out of the active inventory.
	Archive(ctx context.Context, id InstanceID) error
}

// ArchiveBackend mirrors archived records to a secondary location.
type ArchiveBackend interface {
	// Store saves data under key.
	Store(ctx context.Context, key string, data []byte) error

	// Fetch retrieves data by key.
	Fetch(ctx context.Context, key string) ([]byte, error)

	// Available checks if backend is accessible.
	Available(ctx context.Context) bool

	// Name returns identifier for logging.
	Name() string

	// LocationURI returns URI identifying this backend.
	LocationURI() string
}

// ArchiveLocation represents the URI of an archive backend.
type ArchiveLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname or bucket
	Path   string     // Resource path
	Query  url.Values // Query parameters
	User   *url.Userinfo
}

// NewArchiveLocation parses and validates an archive URI.
func NewArchiveLocation(uri string) (ArchiveLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ArchiveLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	switch parsed.Scheme {
	case "file", "s3", "vault":
	default:
		return ArchiveLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	return ArchiveLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		User:   parsed.User,
	}, nil
}

// String returns the URI with any password redacted.
func (loc ArchiveLocation) String() string {
	if loc.User == nil {
		return loc.Raw
	}
	u, err := url.Parse(loc.Raw)
	if err != nil {
		return loc.Raw
	}
	return u.Redacted()
}

// GetParam returns a query parameter value.
func (loc ArchiveLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}
