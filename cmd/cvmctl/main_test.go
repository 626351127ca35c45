package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/ruteri/cvmctl/api"
	"github.com/ruteri/cvmctl/api/clients"
	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/ruteri/cvmctl/httpserver"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/ruteri/cvmctl/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	app := newApp()
	app.Writer = &out
	app.ErrWriter = io.Discard
	err := app.RunContext(context.Background(), append([]string{"cvmctl"}, args...))
	return out.String(), err
}

func seedInstance(t *testing.T, dir string, state interfaces.State) *interfaces.Instance {
	t.Helper()
	store, err := storage.NewFileInventory(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	now := time.Now().UTC()
	inst := &interfaces.Instance{
		ID:             interfaces.NewInstanceID(),
		Provider:       interfaces.ProviderLocal,
		Spec:           interfaces.InstanceSpec{Image: "/var/lib/images/guest.qcow2", MachineType: "2x2048"},
		State:          state,
		Handle:         &interfaces.ProviderHandle{Kind: interfaces.ProviderLocal, ResourceID: "qemu-1", Address: "cid:3"},
		CreatedAt:      now,
		UpdatedAt:      now,
		StateEnteredAt: now,
	}
	require.NoError(t, store.Create(context.Background(), inst))
	return inst
}

func TestListAndStatus(t *testing.T) {
	dir := t.TempDir()
	inst := seedInstance(t, dir, interfaces.StateRunning)

	out, err := run(t, "--data-dir", dir, "list", "--json")
	require.NoError(t, err)
	var insts []*interfaces.Instance
	require.NoError(t, json.Unmarshal([]byte(out), &insts))
	require.Len(t, insts, 1)
	assert.Equal(t, inst.ID, insts[0].ID)

	out, err = run(t, "--data-dir", dir, "list")
	require.NoError(t, err)
	assert.Contains(t, out, inst.ID.String())
	assert.Contains(t, out, "Running")
	assert.Contains(t, out, "cid:3")

	out, err = run(t, "--data-dir", dir, "status", inst.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "qemu-1")
	assert.Contains(t, out, "Evidence:")

	out, err = run(t, "--data-dir", dir, "status", "--json", inst.ID.String())
	require.NoError(t, err)
	var view statusView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, inst.ID, view.Instance.ID)
	assert.Zero(t, view.EvidenceCount)
}

func TestStatusUnknownInstanceExitCode(t *testing.T) {
	_, err := run(t, "--data-dir", t.TempDir(), "status", interfaces.NewInstanceID().String())
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrInstanceNotFound)
	assert.Equal(t, interfaces.ExitNotFound, interfaces.ExitCodeOf(err))
}

func TestStatusRequiresOneID(t *testing.T) {
	_, err := run(t, "--data-dir", t.TempDir(), "status")
	require.Error(t, err)
	assert.Equal(t, interfaces.ExitGeneral, interfaces.ExitCodeOf(err))
}

func TestDestroyTerminatedIsNoop(t *testing.T) {
	dir := t.TempDir()
	inst := seedInstance(t, dir, interfaces.StateTerminated)

	out, err := run(t, "--data-dir", dir, "destroy", inst.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Terminated")
}

func TestCreateRejectsInvalidRequest(t *testing.T) {
	_, err := run(t, "--data-dir", t.TempDir(), "create",
		"--provider", "local", "--image", "disk.qcow2", "--machine-type", "2x2048", "--no-cvm", "--require-cvm")
	require.Error(t, err)
	assert.Equal(t, interfaces.ExitProviderRejected, interfaces.ExitCodeOf(err))

	_, err = run(t, "--data-dir", t.TempDir(), "create",
		"--provider", "openstack", "--image", "img", "--machine-type", "m1")
	require.Error(t, err)
	assert.Equal(t, interfaces.ExitProviderRejected, interfaces.ExitCodeOf(err))
}

func TestRemoteListAndLocalOnlyCommands(t *testing.T) {
	svc := new(clients.MockInstanceService)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	handler := httpserver.NewHandler(svc, log)
	srv, err := httpserver.New(&api.HTTPServerConfig{Log: log}, handler, nil)
	require.NoError(t, err)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer handler.Close()

	inst := &interfaces.Instance{ID: interfaces.NewInstanceID(), Provider: interfaces.ProviderGCP, State: interfaces.StateProvisioning}
	svc.On("List", mock.Anything, false).Return([]*interfaces.Instance{inst}, nil)

	out, err := run(t, "--api-url", ts.URL, "list")
	require.NoError(t, err)
	assert.Contains(t, out, inst.ID.String())
	assert.Contains(t, out, "Provisioning")

	_, err = run(t, "--api-url", ts.URL, "reconcile")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot run against --api-url")
}

func TestGoldenSignAndVerify(t *testing.T) {
	dir := t.TempDir()
	key, err := cryptoutils.RandomP256Key()
	require.NoError(t, err)
	keyPEM, err := cryptoutils.MarshalPrivateKeyPEM(key)
	require.NoError(t, err)
	pubPEM, err := cryptoutils.MarshalPublicKeyPEM(&key.PublicKey)
	require.NoError(t, err)

	keyPath := filepath.Join(dir, "publisher.pem")
	pubPath := filepath.Join(dir, "publisher.pub")
	golden := filepath.Join(dir, "golden.json")
	require.NoError(t, os.WriteFile(keyPath, keyPEM, 0o600))
	require.NoError(t, os.WriteFile(pubPath, pubPEM, 0o644))
	require.NoError(t, os.WriteFile(golden, []byte(`{"golden_measurement":{"measurement":"0xA1B2C3"}}`), 0o644))

	_, err = run(t, "policy", "verify-golden", "--pubkey", pubPath, golden)
	require.Error(t, err, "unsigned file must not verify")

	out, err := run(t, "policy", "sign-golden", "--key", keyPath, golden)
	require.NoError(t, err)
	assert.Contains(t, out, "1 measurements")

	out, err = run(t, "policy", "verify-golden", "--pubkey", pubPath, golden)
	require.NoError(t, err)
	assert.Contains(t, out, "a1b2c3")

	other, err := cryptoutils.RandomP256Key()
	require.NoError(t, err)
	otherPEM, err := cryptoutils.MarshalPublicKeyPEM(&other.PublicKey)
	require.NoError(t, err)
	otherPath := filepath.Join(dir, "other.pub")
	require.NoError(t, os.WriteFile(otherPath, otherPEM, 0o644))
	_, err = run(t, "policy", "verify-golden", "--pubkey", otherPath, golden)
	assert.ErrorIs(t, err, cryptoutils.ErrGoldenSignature)
}

func TestPolicyValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("version: 1\nmax_evidence_age: 5m\nmeasurements:\n  allow: [\"a1b2c3\"]\n"), 0o644))

	out, err := run(t, "--data-dir", dir, "policy", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")
	assert.Contains(t, out, "5m0s")

	require.NoError(t, os.WriteFile(path, []byte("version: one\n"), 0o644))
	_, err = run(t, "policy", "validate", path)
	require.Error(t, err)
}

func TestAge(t *testing.T) {
	assert.Equal(t, "42s", age(42*time.Second))
	assert.Equal(t, "5m", age(5*time.Minute+10*time.Second))
	assert.Equal(t, "30h", age(30*time.Hour))
	assert.Equal(t, "3d", age(72*time.Hour))
}

func TestWriteTableMarksArchived(t *testing.T) {
	now := time.Now()
	archived := now.Add(-time.Hour)
	var buf bytes.Buffer
	writeTable(&buf, []*interfaces.Instance{{
		ID:         interfaces.NewInstanceID(),
		Provider:   interfaces.ProviderAzure,
		State:      interfaces.StateTerminated,
		CreatedAt:  now.Add(-2 * time.Hour),
		ArchivedAt: &archived,
		LastError:  &interfaces.ErrorRecord{Kind: interfaces.KindAttestationRejected, Reason: interfaces.ReasonStale},
	}}, now)
	out := buf.String()
	assert.Contains(t, out, "Terminated (archived)")
	assert.Contains(t, out, "AttestationRejected(Stale)")
	assert.True(t, strings.Contains(out, "2h"))
}
