package clients

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/cvmctl/api"
	"github.com/ruteri/cvmctl/httpserver"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// startStatusAPI serves svc through the real status API router.
func startStatusAPI(t *testing.T, svc api.InstanceService) *InstanceClient {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := httpserver.NewHandler(svc, log)
	srv, err := httpserver.New(&api.HTTPServerConfig{Log: log}, handler, nil)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		handler.Close()
	})
	return NewInstanceClient(ts.URL+"/", 5*time.Second)
}

func TestInstanceClient_GetAndList(t *testing.T) {
	svc := new(MockInstanceService)
	client := startStatusAPI(t, svc)

	inst := &interfaces.Instance{
		ID:       interfaces.NewInstanceID(),
		Provider: interfaces.ProviderLocal,
		State:    interfaces.StateRunning,
		Attested: true,
	}
	svc.On("Get", mock.Anything, inst.ID).Return(inst, nil)
	svc.On("List", mock.Anything, true).Return([]*interfaces.Instance{inst}, nil)

	got, err := client.Get(context.Background(), inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst.ID, got.ID)
	assert.Equal(t, interfaces.ProviderLocal, got.Provider)
	assert.True(t, got.Attested)

	all, err := client.List(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, inst.ID, all[0].ID)
}

func TestInstanceClient_NotFound(t *testing.T) {
	svc := new(MockInstanceService)
	client := startStatusAPI(t, svc)

	id := interfaces.NewInstanceID()
	svc.On("Get", mock.Anything, id).Return(nil, fmt.Errorf("%w: %s", interfaces.ErrInstanceNotFound, id))

	_, err := client.Get(context.Background(), id)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrInstanceNotFound)
	assert.Equal(t, interfaces.ExitNotFound, interfaces.ExitCodeOf(err))
}

func TestInstanceClient_VerifyWaitsAndKeepsClassification(t *testing.T) {
	svc := new(MockInstanceService)
	client := startStatusAPI(t, svc)

	id := interfaces.NewInstanceID()
	running := &interfaces.Instance{ID: id, State: interfaces.StateRunning}
	rejection := interfaces.NewLifecycleError(id, interfaces.StateAttestationPending,
		&interfaces.AttestationError{Reason: interfaces.ReasonMeasurementMismatch, Detail: "deadbeef not allowed"})
	svc.On("Get", mock.Anything, id).Return(running, nil)
	svc.On("Verify", mock.Anything, id).Return(nil, rejection).Once()

	_, err := client.Verify(context.Background(), id)
	require.Error(t, err)

	var le *interfaces.LifecycleError
	require.True(t, errors.As(err, &le))
	assert.Equal(t, interfaces.KindAttestationRejected, le.Kind)
	assert.Equal(t, interfaces.ReasonMeasurementMismatch, le.Reason)
	assert.Equal(t, id, le.InstanceID)
	assert.Equal(t, interfaces.StateAttestationPending, le.State)
	assert.Contains(t, err.Error(), "deadbeef not allowed")
	assert.Equal(t, interfaces.ExitAttestationRejected, interfaces.ExitCodeOf(err))
	svc.AssertExpectations(t)
}

func TestInstanceClient_Destroy(t *testing.T) {
	svc := new(MockInstanceService)
	client := startStatusAPI(t, svc)

	id := interfaces.NewInstanceID()
	svc.On("Get", mock.Anything, id).Return(&interfaces.Instance{ID: id, State: interfaces.StateRunning}, nil)
	svc.On("Destroy", mock.Anything, id).Return(&interfaces.Instance{ID: id, State: interfaces.StateTerminated}, nil).Once()

	got, err := client.Destroy(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateTerminated, got.State)
	svc.AssertExpectations(t)
}

func TestInstanceClient_SubmitEvidenceAndHistory(t *testing.T) {
	svc := new(MockInstanceService)
	client := startStatusAPI(t, svc)

	id := interfaces.NewInstanceID()
	inst := &interfaces.Instance{ID: id, State: interfaces.StateRunning, Attested: true}
	ev := &interfaces.AttestationEvidence{
		InstanceID:  id,
		Provider:    interfaces.ProviderAzure,
		Raw:         []byte("quote"),
		Measurement: "a1b2c3",
		Nonce:       []byte("nonce"),
	}
	svc.On("SubmitEvidence", mock.Anything, id, mock.MatchedBy(func(got *interfaces.AttestationEvidence) bool {
		return got.Provider == interfaces.ProviderAzure && string(got.Nonce) == "nonce"
	})).Return(inst, nil)
	svc.On("Get", mock.Anything, id).Return(inst, nil)
	svc.On("Evidence", mock.Anything, id).Return([]*interfaces.EvidenceRecord{
		{Seq: 1, Evidence: *ev, Result: interfaces.VerificationResult{Verdict: interfaces.VerdictVerified}},
	}, nil)

	got, err := client.SubmitEvidence(context.Background(), id, ev)
	require.NoError(t, err)
	assert.True(t, got.Attested)

	recs, err := client.Evidence(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].Seq)
	assert.Equal(t, []byte("quote"), recs[0].Evidence.Raw)
}

func TestInstanceClient_Unreachable(t *testing.T) {
	ts := httptest.NewServer(nil)
	url := ts.URL
	ts.Close()

	client := NewInstanceClient(url, time.Second)
	_, err := client.List(context.Background(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status API request failed")
	assert.Equal(t, interfaces.ExitGeneral, interfaces.ExitCodeOf(err))
}
