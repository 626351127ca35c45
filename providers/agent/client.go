// Package agent fetches attestation evidence from the in-guest attestation
// agent over HTTP or vsock.
//
// The agent serves GET /attest/<hex nonce> and answers with an
// EvidenceDocument. While the guest is still booting it refuses connections
// or answers 404, 425 or 503, all of which surface as
// interfaces.ErrEvidenceNotReady.
package agent

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/mdlayher/vsock"
	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/ruteri/cvmctl/interfaces"
)

// DefaultPort is the agent port on cloud guests and the vsock port on local
// guests.
const DefaultPort = 8745

// maxDocumentSize bounds the agent response. Quotes with collateral stay well
// below it.
const maxDocumentSize = 4 << 20

// EvidenceDocument is the agent response body.
type EvidenceDocument struct {
	Format      interfaces.EvidenceFormat `json:"format"`
	Evidence    string                    `json:"evidence"`
	CertChain   string                    `json:"cert_chain,omitempty"`
	Signature   string                    `json:"signature,omitempty"`
	Nonce       string                    `json:"nonce"`
	IssuedAt    time.Time                 `json:"issued_at,omitempty"`
	Measurement string                    `json:"measurement,omitempty"`
}

// Client talks to one guest agent.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Provider   interfaces.ProviderKind

	log *slog.Logger
	now func() time.Time
}

// NewHTTPClient creates a client for an agent reachable at address, which
// may be a bare host, host:port or a full URL.
func NewHTTPClient(address string, provider interfaces.ProviderKind, log *slog.Logger) *Client {
	return &Client{
		BaseURL:    AgentURL(address, DefaultPort),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		Provider:   provider,
		log:        log,
		now:        time.Now,
	}
}

// NewVsockClient creates a client for an agent listening on a vsock port of
// the guest with context id cid.
func NewVsockClient(cid, port uint32, provider interfaces.ProviderKind, log *slog.Logger) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return vsock.Dial(cid, port, nil)
		},
		DisableKeepAlives: true,
	}
	return &Client{
		BaseURL:    fmt.Sprintf("http://vsock-%d", cid),
		HTTPClient: &http.Client{Transport: transport, Timeout: 30 * time.Second},
		Provider:   provider,
		log:        log,
		now:        time.Now,
	}
}

// WithClock replaces the time source used for CollectedAt.
func (c *Client) WithClock(now func() time.Time) *Client {
	c.now = now
	return c
}

// AgentURL normalizes an agent address into a base URL.
func AgentURL(address string, port int) string {
	address = strings.TrimSuffix(address, "/")
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return address
	}
	if _, _, err := net.SplitHostPort(address); err == nil {
		return "http://" + address
	}
	return fmt.Sprintf("http://%s", net.JoinHostPort(address, fmt.Sprint(port)))
}

// FetchEvidence requests evidence bound to nonce for instance id.
func (c *Client) FetchEvidence(ctx context.Context, id interfaces.InstanceID, nonce []byte) (*interfaces.AttestationEvidence, error) {
	url := fmt.Sprintf("%s/attest/%s", c.BaseURL, hex.EncodeToString(nonce))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		if isNotReady(err) {
			return nil, fmt.Errorf("%w: %v", interfaces.ErrEvidenceNotReady, err)
		}
		return nil, interfaces.Unavailable(c.Provider, "fetch-evidence", fmt.Errorf("calling attestation agent: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, interfaces.Unavailable(c.Provider, "fetch-evidence", fmt.Errorf("reading agent response: %w", err))
	}

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusTooEarly, http.StatusServiceUnavailable:
		return nil, fmt.Errorf("%w: agent returned %d", interfaces.ErrEvidenceNotReady, resp.StatusCode)
	default:
		return nil, interfaces.Unavailable(c.Provider, "fetch-evidence",
			fmt.Errorf("attestation agent returned error %d: %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var doc EvidenceDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, &interfaces.AttestationError{Reason: interfaces.ReasonChainInvalid, Detail: fmt.Sprintf("malformed evidence document: %v", err)}
	}

	ev, err := doc.ToEvidence(id, c.Provider, c.now())
	if err != nil {
		return nil, &interfaces.AttestationError{Reason: interfaces.ReasonChainInvalid, Detail: err.Error()}
	}

	c.log.Debug("Fetched attestation evidence",
		slog.String("instance", id.String()),
		slog.String("format", string(ev.Format)),
		slog.String("evidence", ev.ID.String()))
	return ev, nil
}

// ToEvidence decodes the document. Hardware quotes carry no timestamp of
// their own, so a missing issued_at defaults to collectedAt.
func (doc *EvidenceDocument) ToEvidence(id interfaces.InstanceID, provider interfaces.ProviderKind, collectedAt time.Time) (*interfaces.AttestationEvidence, error) {
	ev := &interfaces.AttestationEvidence{
		InstanceID:  id,
		Provider:    provider,
		Format:      doc.Format,
		Measurement: doc.Measurement,
		IssuedAt:    doc.IssuedAt.UTC(),
		CollectedAt: collectedAt.UTC(),
		Unattested:  doc.Format == interfaces.FormatUnattested,
	}

	switch doc.Format {
	case interfaces.FormatX509, interfaces.FormatTDX, interfaces.FormatSEVSNP, interfaces.FormatUnattested:
		raw, err := base64.StdEncoding.DecodeString(doc.Evidence)
		if err != nil {
			return nil, fmt.Errorf("invalid evidence encoding: %w", err)
		}
		ev.Raw = raw
	case interfaces.FormatAzureMAA:
		// The MAA token is already a compact JWS.
		ev.Raw = []byte(strings.TrimSpace(doc.Evidence))
	default:
		return nil, fmt.Errorf("unsupported evidence format %q", doc.Format)
	}
	if len(ev.Raw) == 0 {
		return nil, errors.New("empty evidence")
	}

	if doc.CertChain != "" {
		chain, err := cryptoutils.PEMChainToDER([]byte(doc.CertChain))
		if err != nil {
			return nil, fmt.Errorf("invalid certificate chain: %w", err)
		}
		ev.CertChain = chain
	}
	if doc.Signature != "" {
		sig, err := base64.StdEncoding.DecodeString(doc.Signature)
		if err != nil {
			return nil, fmt.Errorf("invalid signature encoding: %w", err)
		}
		ev.Signature = sig
	}
	if doc.Nonce != "" {
		nonce, err := hex.DecodeString(doc.Nonce)
		if err != nil {
			return nil, fmt.Errorf("invalid nonce encoding: %w", err)
		}
		ev.Nonce = nonce
	}
	if ev.IssuedAt.IsZero() && doc.Format != interfaces.FormatAzureMAA {
		ev.IssuedAt = ev.CollectedAt
	}
	if ev.IssuedAt.IsZero() {
		if token, err := cryptoutils.ParseMAAToken(string(ev.Raw)); err == nil {
			ev.IssuedAt = token.IssuedAt
		}
	}

	ev.Seal()
	return ev, nil
}

// NewEvidenceDocument encodes evidence for the wire.
func NewEvidenceDocument(ev *interfaces.AttestationEvidence) *EvidenceDocument {
	doc := &EvidenceDocument{
		Format:      ev.Format,
		Nonce:       hex.EncodeToString(ev.Nonce),
		IssuedAt:    ev.IssuedAt,
		Measurement: ev.Measurement,
	}
	if ev.Format == interfaces.FormatAzureMAA {
		doc.Evidence = string(ev.Raw)
	} else {
		doc.Evidence = base64.StdEncoding.EncodeToString(ev.Raw)
	}
	if len(ev.CertChain) > 0 {
		doc.CertChain = string(cryptoutils.EncodeCertificatesPEM(ev.CertChain))
	}
	if len(ev.Signature) > 0 {
		doc.Signature = base64.StdEncoding.EncodeToString(ev.Signature)
	}
	return doc
}

func isNotReady(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ENODEV)
}

// Fetcher obtains evidence from the agent reachable at address.
type Fetcher func(ctx context.Context, address string, id interfaces.InstanceID, nonce []byte) (*interfaces.AttestationEvidence, error)

// HTTPFetcher returns a Fetcher dialing the agent over HTTP on port.
func HTTPFetcher(port int, provider interfaces.ProviderKind, log *slog.Logger) Fetcher {
	if port == 0 {
		port = DefaultPort
	}
	return func(ctx context.Context, address string, id interfaces.InstanceID, nonce []byte) (*interfaces.AttestationEvidence, error) {
		return NewHTTPClient(AgentURL(address, port), provider, log).FetchEvidence(ctx, id, nonce)
	}
}
