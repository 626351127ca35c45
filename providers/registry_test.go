package providers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/ruteri/cvmctl/credentials"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/ruteri/cvmctl/providers/local"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubAdapter struct {
	interfaces.ProviderAdapter
	kind interfaces.ProviderKind
}

func (s stubAdapter) Kind() interfaces.ProviderKind { return s.kind }

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(stubAdapter{kind: interfaces.ProviderAWS})

	a, err := r.Get(ctx, interfaces.ProviderAWS)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProviderAWS, a.Kind())

	_, err = r.Get(ctx, interfaces.ProviderGCP)
	assert.ErrorIs(t, err, interfaces.ErrUnsupportedProvider)

	calls := 0
	r.RegisterFactory(interfaces.ProviderAzure, func(context.Context) (interfaces.ProviderAdapter, error) {
		calls++
		return nil, errors.New("no subscription")
	})
	for i := 0; i < 2; i++ {
		_, err = r.Get(ctx, interfaces.ProviderAzure)
		assert.Equal(t, interfaces.KindProviderRejected, interfaces.ErrorKindOf(err))
	}
	assert.Equal(t, 1, calls)
	assert.Equal(t, []interfaces.ProviderKind{interfaces.ProviderAWS, interfaces.ProviderAzure}, r.Kinds())
}

func TestBuild(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()
	r := Build(Config{
		Local: local.Config{StateDir: dir, Probe: local.Probe{KVMDevice: filepath.Join(dir, "none")}},
		Credentials: map[interfaces.ProviderKind]string{
			interfaces.ProviderGCP: "not-a-reference",
		},
	}, credentials.NewResolver(log), log)

	assert.Len(t, r.Kinds(), 4)
	for _, kind := range []interfaces.ProviderKind{interfaces.ProviderAWS, interfaces.ProviderAzure, interfaces.ProviderLocal} {
		a, err := r.Get(context.Background(), kind)
		require.NoError(t, err)
		assert.Equal(t, kind, a.Kind())
	}

	_, err := r.Get(context.Background(), interfaces.ProviderGCP)
	assert.ErrorIs(t, err, credentials.ErrInvalidReference)
}
