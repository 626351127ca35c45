package gcp

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/ruteri/cvmctl/credentials"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/ruteri/cvmctl/providers/cliexec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdapter(runner cliexec.Runner) *Adapter {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(Config{Project: "proj"}, runner, &credentials.Credentials{Profile: "ops"}, log)
}

func TestAdapter_Create(t *testing.T) {
	id := interfaces.NewInstanceID()
	name := ResourceName(id)
	fake := (&cliexec.FakeRunner{}).On([]string{"gcloud", "compute", "instances", "create", name}, `[{"name":"x"}]`, nil, 0)
	adapter := newTestAdapter(fake)

	h, err := adapter.Create(context.Background(), id, interfaces.InstanceSpec{
		MachineType: "n2d-standard-2", Image: "projects/p/global/images/i", CVM: true, CVMType: interfaces.CVMTypeTDX,
	})
	require.NoError(t, err)
	assert.Equal(t, name, h.ResourceID)
	assert.Equal(t, "us-central1-a", h.Zone)

	args := strings.Join(fake.Calls[0], " ")
	assert.Contains(t, args, "--confidential-compute-type=TDX")
	assert.Contains(t, args, "--project=proj")
	assert.Contains(t, args, "--configuration=ops")
	assert.Contains(t, args, "--format=json")
}

func TestAdapter_CreateAlreadyExists(t *testing.T) {
	id := interfaces.NewInstanceID()
	fake := (&cliexec.FakeRunner{}).On([]string{"gcloud", "compute", "instances", "create"}, "",
		&cliexec.ExitError{Command: "gcloud", ExitCode: 1, Stderr: "The resource 'cvmctl-x' already exists"}, 0)
	adapter := newTestAdapter(fake)

	h, err := adapter.Create(context.Background(), id, interfaces.InstanceSpec{MachineType: "n2d-standard-2", Image: "img"})
	require.NoError(t, err)
	assert.Equal(t, ResourceName(id), h.ResourceID)
	assert.False(t, h.CVM)

	rejected := (&cliexec.FakeRunner{}).On([]string{"gcloud"}, "",
		&cliexec.ExitError{Command: "gcloud", ExitCode: 1, Stderr: "Invalid value for field 'resource.machineType'"}, 0)
	_, err = newTestAdapter(rejected).Create(context.Background(), id, interfaces.InstanceSpec{Image: "img"})
	assert.Equal(t, interfaces.KindProviderRejected, interfaces.ErrorKindOf(err))
}

func TestAdapter_Poll(t *testing.T) {
	tests := []struct {
		status string
		want   interfaces.ProviderState
	}{
		{"PROVISIONING", interfaces.ProviderPending},
		{"STAGING", interfaces.ProviderPending},
		{"RUNNING", interfaces.ProviderRunning},
		{"STOPPING", interfaces.ProviderFailed},
		{"SUSPENDED", interfaces.ProviderFailed},
		{"TERMINATED", interfaces.ProviderTerminated},
	}

	for _, tt := range tests {
		t.Run(tt.status, func(t *testing.T) {
			body := `{"status":"` + tt.status + `","networkInterfaces":[{"networkIP":"10.0.0.2","accessConfigs":[{"natIP":"34.1.2.3"}]}]}`
			fake := (&cliexec.FakeRunner{}).On([]string{"gcloud", "compute", "instances", "describe"}, body, nil, 0)
			status, err := newTestAdapter(fake).Poll(context.Background(), &interfaces.ProviderHandle{ResourceID: "cvmctl-x", Zone: "z"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.State)
			assert.Equal(t, "34.1.2.3", status.Address)
		})
	}

	notFound := (&cliexec.FakeRunner{}).On([]string{"gcloud"}, "",
		&cliexec.ExitError{Command: "gcloud", ExitCode: 1, Stderr: "ERROR: The resource 'projects/p/zones/z/instances/cvmctl-x' was not found"}, 0)
	status, err := newTestAdapter(notFound).Poll(context.Background(), &interfaces.ProviderHandle{ResourceID: "cvmctl-x", Zone: "z"})
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProviderTerminated, status.State)

	flaky := (&cliexec.FakeRunner{}).On([]string{"gcloud"}, "",
		&cliexec.ExitError{Command: "gcloud", ExitCode: 1, Stderr: "Backend Error 503"}, 0)
	_, err = newTestAdapter(flaky).Poll(context.Background(), &interfaces.ProviderHandle{ResourceID: "cvmctl-x", Zone: "z"})
	assert.True(t, interfaces.IsRetryable(err))
}

func TestAdapter_Destroy(t *testing.T) {
	h := &interfaces.ProviderHandle{ResourceID: "cvmctl-x", Zone: "z"}

	ok := (&cliexec.FakeRunner{}).On([]string{"gcloud", "compute", "instances", "delete", "cvmctl-x"}, "", nil, 0)
	require.NoError(t, newTestAdapter(ok).Destroy(context.Background(), h))
	assert.Equal(t, 1, ok.Invocations("gcloud", "compute", "instances", "delete"))

	gone := (&cliexec.FakeRunner{}).On([]string{"gcloud"}, "",
		&cliexec.ExitError{Command: "gcloud", ExitCode: 1, Stderr: "was not found"}, 0)
	require.NoError(t, newTestAdapter(gone).Destroy(context.Background(), h))
}

func TestAdapter_FetchEvidence(t *testing.T) {
	adapter := newTestAdapter(&cliexec.FakeRunner{})
	h := &interfaces.ProviderHandle{ResourceID: "cvmctl-x", Extra: map[string]string{"instance_id": "abc"}}
	_, err := adapter.FetchEvidence(context.Background(), h, []byte{1})
	assert.ErrorIs(t, err, interfaces.ErrEvidenceNotReady)

	adapter.fetch = func(ctx context.Context, address string, id interfaces.InstanceID, nonce []byte) (*interfaces.AttestationEvidence, error) {
		return &interfaces.AttestationEvidence{InstanceID: id, Nonce: nonce}, nil
	}
	h.Address = "34.1.2.3"
	ev, err := adapter.FetchEvidence(context.Background(), h, []byte{2})
	require.NoError(t, err)
	assert.Equal(t, interfaces.InstanceID("abc"), ev.InstanceID)
}
