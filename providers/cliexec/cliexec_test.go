package cliexec

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"

	"github.com/ruteri/cvmctl/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   interfaces.ErrorKind
	}{
		{"permission", "ERROR: (gcloud.compute.instances.create) Required 'compute.instances.create' permission", interfaces.KindProviderRejected},
		{"quota", "Quota 'CPUS' exceeded. Limit: 8.0 in region us-central1.", interfaces.KindProviderRejected},
		{"auth", "Please run 'az login' to setup account.", interfaces.KindProviderRejected},
		{"invalid image", "Invalid value for field 'resource.disks[0].initializeParams.sourceImage'", interfaces.KindProviderRejected},
		{"server error", "Internal error. Please try again or contact Google Support.", interfaces.KindProviderUnavailable},
		{"network", "Connection reset by peer", interfaces.KindProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Classify(interfaces.ProviderGCP, "create", &ExitError{Command: "gcloud", ExitCode: 1, Stderr: tt.stderr})
			assert.Equal(t, tt.want, interfaces.ErrorKindOf(err))
		})
	}

	err := Classify(interfaces.ProviderAzure, "create", &exec.Error{Name: "az", Err: exec.ErrNotFound})
	assert.Equal(t, interfaces.KindProviderRejected, interfaces.ErrorKindOf(err))
}

func TestNotFoundAndExists(t *testing.T) {
	notFound := Classify(interfaces.ProviderGCP, "describe", &ExitError{Stderr: "ERROR: The resource 'projects/p/zones/z/instances/cvm-1' was not found"})
	assert.True(t, IsNotFound(notFound))
	assert.False(t, IsAlreadyExists(notFound))

	exists := &ExitError{Stderr: "The resource 'cvm-1' already exists"}
	assert.True(t, IsAlreadyExists(exists))

	assert.False(t, IsNotFound(errors.New("was not found")), "only CLI failures are inspected")
}

func TestCLI_RunJSON(t *testing.T) {
	ctx := context.Background()
	fake := (&FakeRunner{}).
		On([]string{"gcloud", "compute", "instances", "describe"}, `{"status":"RUNNING"}`, nil, 1).
		On([]string{"gcloud", "compute", "instances", "describe"}, `not json`, nil, 0)
	cli := New("gcloud", interfaces.ProviderGCP, fake, nil)

	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, cli.RunJSON(ctx, "poll", &out, "compute", "instances", "describe", "cvm-1"))
	assert.Equal(t, "RUNNING", out.Status)

	err := cli.RunJSON(ctx, "poll", &out, "compute", "instances", "describe", "cvm-1")
	assert.Equal(t, interfaces.KindProviderUnavailable, interfaces.ErrorKindOf(err))
	assert.Equal(t, 2, fake.Invocations("gcloud", "compute"))

	_, err = cli.Run(ctx, "delete", "compute", "instances", "delete")
	assert.Error(t, err)
}

func TestExecRunner(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	r := NewExecRunner(slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx := context.Background()

	out, err := r.Run(ctx, []string{"CVMCTL_TEST=ok"}, "sh", "-c", "echo $CVMCTL_TEST")
	require.NoError(t, err)
	assert.Equal(t, "ok\n", string(out))

	_, err = r.Run(ctx, nil, "sh", "-c", "echo boom >&2; exit 3")
	var exitErr *ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Stderr, "boom")
}
