package storage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ruteri/cvmctl/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestInventory(t *testing.T) *FileInventory {
	t.Helper()
	inv, err := NewFileInventory(t.TempDir(), discardLogger())
	require.NoError(t, err)
	return inv
}

func newRecord(kind interfaces.ProviderKind) *interfaces.Instance {
	return &interfaces.Instance{
		ID:       interfaces.NewInstanceID(),
		Provider: kind,
		Spec:     interfaces.InstanceSpec{MachineType: "small", Image: "img", CVM: true},
		State:    interfaces.StateRequested,
	}
}

func TestFileInventory_CreateGetList(t *testing.T) {
	ctx := context.Background()
	inv := newTestInventory(t)

	first := newRecord(interfaces.ProviderAWS)
	require.NoError(t, inv.Create(ctx, first))
	assert.Equal(t, uint64(1), first.Version)
	assert.False(t, first.CreatedAt.IsZero())

	second := newRecord(interfaces.ProviderLocal)
	second.CreatedAt = first.CreatedAt.Add(time.Second)
	require.NoError(t, inv.Create(ctx, second))

	err := inv.Create(ctx, &interfaces.Instance{ID: first.ID})
	assert.ErrorIs(t, err, interfaces.ErrInstanceExists)

	got, err := inv.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProviderAWS, got.Provider)
	assert.Equal(t, interfaces.StateRequested, got.State)

	list, err := inv.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	_, err = inv.Get(ctx, interfaces.NewInstanceID())
	assert.ErrorIs(t, err, interfaces.ErrInstanceNotFound)
}

func TestFileInventory_Update(t *testing.T) {
	ctx := context.Background()
	inv := newTestInventory(t)
	rec := newRecord(interfaces.ProviderGCP)
	require.NoError(t, inv.Create(ctx, rec))

	updated, err := inv.Update(ctx, rec.ID, func(inst *interfaces.Instance) error {
		inst.State = interfaces.StateProvisioning
		inst.Handle = &interfaces.ProviderHandle{Kind: interfaces.ProviderGCP, ResourceID: "vm-1"}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), updated.Version)
	assert.Equal(t, "vm-1", updated.Handle.ResourceID)

	// A failing mutation writes nothing.
	_, err = inv.Update(ctx, rec.ID, func(inst *interfaces.Instance) error {
		inst.State = interfaces.StateFailed
		return interfaces.ErrStateConflict
	})
	assert.ErrorIs(t, err, interfaces.ErrStateConflict)

	got, err := inv.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, interfaces.StateProvisioning, got.State)
	assert.Equal(t, uint64(2), got.Version)

	_, err = inv.Update(ctx, interfaces.NewInstanceID(), func(*interfaces.Instance) error { return nil })
	assert.ErrorIs(t, err, interfaces.ErrInstanceNotFound)
}

func TestFileInventory_ConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	// Two inventories on one directory behave like two processes.
	a, err := NewFileInventory(dir, discardLogger())
	require.NoError(t, err)
	b, err := NewFileInventory(dir, discardLogger())
	require.NoError(t, err)

	rec := newRecord(interfaces.ProviderLocal)
	require.NoError(t, a.Create(ctx, rec))

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		inv := a
		if i%2 == 1 {
			inv = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := inv.Update(ctx, rec.ID, func(inst *interfaces.Instance) error {
				inst.Attempts.Poll++
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := a.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, n, got.Attempts.Poll)
	assert.Equal(t, uint64(n+1), got.Version)
}

func TestFileInventory_ConcurrentCreates(t *testing.T) {
	ctx := context.Background()
	inv := newTestInventory(t)

	const n = 25
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, inv.Create(ctx, newRecord(interfaces.ProviderAWS)))
		}()
	}
	wg.Wait()

	list, err := inv.List(ctx, false)
	require.NoError(t, err)
	assert.Len(t, list, n)
	seen := map[interfaces.InstanceID]bool{}
	for _, inst := range list {
		assert.False(t, seen[inst.ID])
		seen[inst.ID] = true
	}
}

func TestFileInventory_EvidenceAndArchive(t *testing.T) {
	ctx := context.Background()
	inv := newTestInventory(t)
	mirrorDir := t.TempDir()
	mirror, err := NewFileArchive(mirrorDir, discardLogger())
	require.NoError(t, err)
	inv.WithArchive(mirror)

	rec := newRecord(interfaces.ProviderAzure)
	require.NoError(t, inv.Create(ctx, rec))

	for i, raw := range []string{"first", "second"} {
		ev := interfaces.AttestationEvidence{InstanceID: rec.ID, Raw: []byte(raw)}
		ev.Seal()
		out, err := inv.AppendEvidence(ctx, rec.ID, &interfaces.EvidenceRecord{
			Evidence: ev,
			Result:   interfaces.VerificationResult{Verdict: interfaces.VerdictRejected, Reason: interfaces.ReasonStale},
		})
		require.NoError(t, err)
		assert.Equal(t, i+1, out.Seq)
	}

	history, err := inv.Evidence(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []byte("first"), history[0].Evidence.Raw)

	require.NoError(t, inv.Archive(ctx, rec.ID))
	require.NoError(t, inv.Archive(ctx, rec.ID), "archiving twice is a no-op")

	got, err := inv.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.ArchivedAt)

	active, err := inv.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := inv.List(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	history, err = inv.Evidence(ctx, rec.ID)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	_, err = inv.Update(ctx, rec.ID, func(*interfaces.Instance) error { return nil })
	assert.ErrorIs(t, err, interfaces.ErrInstanceArchived)
	_, err = inv.AppendEvidence(ctx, rec.ID, &interfaces.EvidenceRecord{})
	assert.ErrorIs(t, err, interfaces.ErrInstanceArchived)

	data, err := os.ReadFile(filepath.Join(mirrorDir, rec.ID.String()+".json"))
	require.NoError(t, err)
	var mirrored archivedRecord
	require.NoError(t, json.Unmarshal(data, &mirrored))
	assert.Equal(t, rec.ID, mirrored.Instance.ID)
	assert.Len(t, mirrored.Evidence, 2)
}

func TestFileInventory_LockHonorsContext(t *testing.T) {
	inv := newTestInventory(t)
	rec := newRecord(interfaces.ProviderLocal)
	require.NoError(t, inv.Create(context.Background(), rec))

	unlock, err := inv.lock(context.Background(), rec.ID)
	require.NoError(t, err)

	other, err := NewFileInventory(inv.BaseDir(), discardLogger())
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err = other.Update(ctx, rec.ID, func(*interfaces.Instance) error { return nil })
	assert.True(t, errors.Is(err, context.DeadlineExceeded), "got %v", err)

	unlock()
	_, err = other.Update(context.Background(), rec.ID, func(*interfaces.Instance) error { return nil })
	assert.NoError(t, err)
}

func TestFileArchive(t *testing.T) {
	ctx := context.Background()
	archive, err := NewFileArchive(t.TempDir(), discardLogger())
	require.NoError(t, err)

	require.NoError(t, archive.Store(ctx, "a.json", []byte("x")))
	data, err := archive.Fetch(ctx, "a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), data)

	_, err = archive.Fetch(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrContentNotFound)
	assert.Error(t, archive.Store(ctx, "../escape", []byte("x")))
	assert.True(t, archive.Available(ctx))
}

func TestArchiveFactory(t *testing.T) {
	factory := NewArchiveFactory(discardLogger())
	dir := t.TempDir()

	backend, err := factory.ArchiveForURIs("file://" + dir)
	require.NoError(t, err)
	assert.IsType(t, &FileArchive{}, backend)

	backend, err = factory.ArchiveForURIs("file://" + dir + ", file://" + t.TempDir())
	require.NoError(t, err)
	assert.IsType(t, &MultiArchive{}, backend)

	backend, err = factory.ArchiveForURIs("s3://bucket/prefix?region=eu-west-1")
	require.NoError(t, err)
	assert.Equal(t, "s3-bucket", backend.Name())

	_, err = factory.ArchiveForURIs("ftp://host/x")
	assert.ErrorIs(t, err, interfaces.ErrInvalidLocationURI)

	_, err = factory.ArchiveForURIs("vault://vault.local:8200")
	assert.Error(t, err)
}
