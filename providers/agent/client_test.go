package agent

import (
	"context"
	"crypto/x509"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ruteri/cvmctl/attestation"
	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signedSource(t *testing.T, id interfaces.InstanceID, notReady int32) (EvidenceSource, *cryptoutils.CertificateAuthority) {
	t.Helper()
	ca, err := cryptoutils.NewCertificateAuthority("agent test root", time.Hour)
	require.NoError(t, err)
	leaf, key, err := ca.Issue("agent test leaf", time.Hour)
	require.NoError(t, err)

	var calls atomic.Int32
	return func(ctx context.Context, nonce []byte) (*interfaces.AttestationEvidence, error) {
		if calls.Add(1) <= notReady {
			return nil, interfaces.ErrEvidenceNotReady
		}
		return attestation.NewSignedEvidence(attestation.Claims{
			Format:      interfaces.FormatX509,
			InstanceID:  id,
			IssuedAt:    time.Now(),
			Measurement: "abcd",
			Nonce:       hex.EncodeToString(nonce),
		}, interfaces.ProviderGCP, key, [][]byte{leaf.Raw})
	}, ca
}

func TestClient_FetchEvidence(t *testing.T) {
	id := interfaces.NewInstanceID()
	source, ca := signedSource(t, id, 1)
	srv := httptest.NewServer(NewHandler(source, discardLogger()))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, interfaces.ProviderGCP, discardLogger())
	nonce, err := cryptoutils.NewNonce()
	require.NoError(t, err)

	_, err = client.FetchEvidence(context.Background(), id, nonce)
	assert.ErrorIs(t, err, interfaces.ErrEvidenceNotReady)

	ev, err := client.FetchEvidence(context.Background(), id, nonce)
	require.NoError(t, err)
	assert.Equal(t, interfaces.FormatX509, ev.Format)
	assert.Equal(t, nonce, ev.Nonce)
	assert.Equal(t, "abcd", ev.Measurement)
	assert.Len(t, ev.CertChain, 1)
	assert.Equal(t, interfaces.ComputeID(ev.Raw), ev.ID)

	policy := &attestation.TrustPolicy{
		Roots:          map[interfaces.ProviderKind]*x509.CertPool{interfaces.ProviderGCP: ca.Pool()},
		MaxEvidenceAge: time.Minute,
		ClockSkew:      time.Second,
		Measurements:   attestation.NewAllowList("abcd"),
	}
	result := attestation.Verify(ev, policy, &interfaces.Challenge{Nonce: nonce, IssuedAt: time.Now()}, time.Now())
	assert.True(t, result.Verified(), result.Detail)
}

func TestClient_NotReadyStatuses(t *testing.T) {
	for _, status := range []int{http.StatusNotFound, http.StatusTooEarly, http.StatusServiceUnavailable} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
		}))
		client := NewHTTPClient(srv.URL, interfaces.ProviderAWS, discardLogger())
		_, err := client.FetchEvidence(context.Background(), interfaces.NewInstanceID(), []byte{1})
		assert.ErrorIs(t, err, interfaces.ErrEvidenceNotReady, "status %d", status)
		srv.Close()
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	client := NewHTTPClient(srv.URL, interfaces.ProviderAWS, discardLogger())
	_, err := client.FetchEvidence(context.Background(), interfaces.NewInstanceID(), []byte{1})
	assert.Equal(t, interfaces.KindProviderUnavailable, interfaces.ErrorKindOf(err))
}

func TestClient_ConnectionRefusedIsNotReady(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	client := NewHTTPClient(addr, interfaces.ProviderAzure, discardLogger())
	_, err := client.FetchEvidence(context.Background(), interfaces.NewInstanceID(), []byte{1})
	assert.ErrorIs(t, err, interfaces.ErrEvidenceNotReady)
}

func TestClient_MalformedDocument(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"format":"x509","evidence":"!!!"}`))
	}))
	defer srv.Close()

	client := NewHTTPClient(srv.URL, interfaces.ProviderAWS, discardLogger())
	_, err := client.FetchEvidence(context.Background(), interfaces.NewInstanceID(), []byte{1})
	assert.Equal(t, interfaces.KindAttestationRejected, interfaces.ErrorKindOf(err))
	assert.Equal(t, interfaces.ReasonChainInvalid, interfaces.RejectReasonOf(err))
}

func TestAgentURL(t *testing.T) {
	assert.Equal(t, "http://10.0.0.5:8745", AgentURL("10.0.0.5", DefaultPort))
	assert.Equal(t, "http://10.0.0.5:9000", AgentURL("10.0.0.5:9000", DefaultPort))
	assert.Equal(t, "https://agent.example", AgentURL("https://agent.example/", DefaultPort))
	assert.Equal(t, "http://[fd00::1]:8745", AgentURL("fd00::1", DefaultPort))
}

func TestEvidenceDocument_DefaultsIssuedAt(t *testing.T) {
	collected := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	doc := &EvidenceDocument{Format: interfaces.FormatTDX, Evidence: "AQID", Nonce: "0102"}
	ev, err := doc.ToEvidence(interfaces.NewInstanceID(), interfaces.ProviderGCP, collected)
	require.NoError(t, err)
	assert.Equal(t, collected, ev.IssuedAt)
	assert.Equal(t, []byte{1, 2, 3}, ev.Raw)
	assert.Equal(t, []byte{1, 2}, ev.Nonce)

	_, err = (&EvidenceDocument{Format: "bogus", Evidence: "AQID"}).ToEvidence("x", interfaces.ProviderGCP, collected)
	assert.Error(t, err)
}
