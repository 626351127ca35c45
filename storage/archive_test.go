package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/hashicorp/vault/api"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockS3 struct {
	mock.Mock
}

func (m *mockS3) GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error) {
	args := m.Called(aws.StringValue(input.Key))
	out, _ := args.Get(0).(*s3.GetObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error) {
	body, _ := io.ReadAll(input.Body)
	args := m.Called(aws.StringValue(input.Key), body)
	out, _ := args.Get(0).(*s3.PutObjectOutput)
	return out, args.Error(1)
}

func (m *mockS3) HeadBucketWithContext(ctx aws.Context, input *s3.HeadBucketInput, opts ...request.Option) (*s3.HeadBucketOutput, error) {
	args := m.Called(aws.StringValue(input.Bucket))
	out, _ := args.Get(0).(*s3.HeadBucketOutput)
	return out, args.Error(1)
}

func TestS3Archive(t *testing.T) {
	ctx := context.Background()
	client := &mockS3{}
	archive := newS3Archive(client, "records", "/cvm/", "s3://records/cvm", discardLogger())

	client.On("PutObjectWithContext", "cvm/a.json", []byte("payload")).Return(&s3.PutObjectOutput{}, nil)
	require.NoError(t, archive.Store(ctx, "a.json", []byte("payload")))

	client.On("GetObjectWithContext", "cvm/a.json").Return(&s3.GetObjectOutput{
		Body: io.NopCloser(bytes.NewReader([]byte("payload"))),
	}, nil)
	data, err := archive.Fetch(ctx, "a.json")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)

	client.On("GetObjectWithContext", "cvm/missing.json").Return(nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil))
	_, err = archive.Fetch(ctx, "missing.json")
	assert.ErrorIs(t, err, ErrContentNotFound)

	client.On("GetObjectWithContext", "cvm/broken.json").Return(nil, awserr.New("InternalError", "boom", nil))
	_, err = archive.Fetch(ctx, "broken.json")
	assert.ErrorIs(t, err, ErrBackendUnavailable)

	client.On("HeadBucketWithContext", "records").Return(&s3.HeadBucketOutput{}, nil).Once()
	assert.True(t, archive.Available(ctx))
	client.On("HeadBucketWithContext", "records").Return(nil, awserr.New("Forbidden", "denied", nil)).Once()
	assert.False(t, archive.Available(ctx))

	assert.Equal(t, "s3-records", archive.Name())
	client.AssertExpectations(t)
}

// fakeVault serves the KV v2 read and write endpoints from memory.
func fakeVault(t *testing.T) *httptest.Server {
	t.Helper()
	var mu sync.Mutex
	secrets := map[string]map[string]any{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		path := strings.TrimPrefix(r.URL.Path, "/v1/")
		switch r.Method {
		case http.MethodPut, http.MethodPost:
			var body map[string]any
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			secrets[path] = body
			_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"version": 1}})
		case http.MethodGet:
			body, ok := secrets[path]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"data": body})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultArchive(t *testing.T) {
	ctx := context.Background()
	srv := fakeVault(t)

	config := api.DefaultConfig()
	config.Address = srv.URL
	client, err := api.NewClient(config)
	require.NoError(t, err)
	client.SetToken("test-token")

	archive := newVaultArchive(client, "/secret/", "cvmctl/archive", discardLogger())
	assert.Equal(t, "secret/data/cvmctl/archive/abc", archive.secretPath("abc.json"))

	require.NoError(t, archive.Store(ctx, "abc.json", []byte(`{"instance":{}}`)))
	data, err := archive.Fetch(ctx, "abc.json")
	require.NoError(t, err)
	assert.Equal(t, `{"instance":{}}`, string(data))

	_, err = archive.Fetch(ctx, "nope.json")
	assert.ErrorIs(t, err, ErrContentNotFound)
}
