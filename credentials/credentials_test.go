package credentials

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecrets map[string]*api.Secret

func (f fakeSecrets) ReadWithContext(ctx context.Context, path string) (*api.Secret, error) {
	if path == "broken/data/x" {
		return nil, errors.New("connection refused")
	}
	return f[path], nil
}

func TestParseReference(t *testing.T) {
	tests := []struct {
		ref     string
		want    Reference
		wantErr bool
	}{
		{ref: "", want: Reference{Source: SourceEnv}},
		{ref: "env", want: Reference{Source: SourceEnv}},
		{ref: "profile:prod", want: Reference{Source: SourceProfile, Profile: "prod"}},
		{ref: "profile:", wantErr: true},
		{ref: "vault://secret/cloud/aws", want: Reference{Source: SourceVault, Mount: "secret", Path: "cloud/aws"}},
		{ref: "vault://secret", wantErr: true},
		{ref: "~/.aws/credentials", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := ParseReference(tt.ref)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidReference)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			if tt.ref != "" {
				assert.Equal(t, tt.ref, got.String())
			}
		})
	}
}

func TestResolver(t *testing.T) {
	ctx := context.Background()
	secrets := fakeSecrets{
		"secret/data/cloud/aws": &api.Secret{Data: map[string]interface{}{
			"data": map[string]interface{}{
				"AWS_ACCESS_KEY_ID":     "AKIA",
				"AWS_SECRET_ACCESS_KEY": "s3cr3t",
				"profile":               "ops",
				"ignored":               42,
			},
		}},
	}
	r := NewResolver(slog.New(slog.NewTextHandler(io.Discard, nil))).WithVault(secrets)

	creds, err := r.Resolve(ctx, "env")
	require.NoError(t, err)
	assert.Empty(t, creds.Environ())

	creds, err = r.Resolve(ctx, "profile:dev")
	require.NoError(t, err)
	assert.Equal(t, "dev", creds.Profile)

	creds, err = r.Resolve(ctx, "vault://secret/cloud/aws")
	require.NoError(t, err)
	assert.Equal(t, "ops", creds.Profile)
	assert.Equal(t, []string{"AWS_ACCESS_KEY_ID=AKIA", "AWS_SECRET_ACCESS_KEY=s3cr3t"}, creds.Environ())
	assert.Equal(t, "AKIA", creds.Get("AWS_ACCESS_KEY_ID"))

	_, err = r.Resolve(ctx, "vault://secret/missing")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	_, err = r.Resolve(ctx, "vault://broken/x")
	assert.Error(t, err)

	var nilCreds *Credentials
	assert.Nil(t, nilCreds.Environ())
	assert.Equal(t, "", nilCreds.Get("X"))
}
