package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ruteri/cvmctl/api"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/stretchr/testify/mock"
)

var _ api.InstanceService = (*InstanceClient)(nil)

// InstanceClient implements api.InstanceService against a running status API.
// Verify and Destroy wait for the operation to finish.
type InstanceClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewInstanceClient creates a client for the status API at baseURL
// (e.g., "http://127.0.0.1:8645").
//
// Parameters:
//   - baseURL: The base URL of the status API
//   - timeout: Request timeout duration (optional, default 10 minutes)
func NewInstanceClient(baseURL string, timeout ...time.Duration) *InstanceClient {
	clientTimeout := 10 * time.Minute
	if len(timeout) > 0 {
		clientTimeout = timeout[0]
	}
	return &InstanceClient{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

func (c *InstanceClient) List(ctx context.Context, includeArchived bool) ([]*interfaces.Instance, error) {
	q := url.Values{}
	if includeArchived {
		q.Set("all", "true")
	}
	var resp api.ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/instances", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Instances, nil
}

func (c *InstanceClient) Get(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	var inst interfaces.Instance
	if err := c.do(ctx, http.MethodGet, "/api/instances/"+id.String(), nil, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *InstanceClient) Evidence(ctx context.Context, id interfaces.InstanceID) ([]*interfaces.EvidenceRecord, error) {
	var resp api.EvidenceResponse
	if err := c.do(ctx, http.MethodGet, "/api/instances/"+id.String()+"/evidence", nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Records, nil
}

func (c *InstanceClient) Verify(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	return c.trigger(ctx, id, "verify")
}

func (c *InstanceClient) Destroy(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	return c.trigger(ctx, id, "destroy")
}

func (c *InstanceClient) SubmitEvidence(ctx context.Context, id interfaces.InstanceID, ev *interfaces.AttestationEvidence) (*interfaces.Instance, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var inst interfaces.Instance
	if err := c.do(ctx, http.MethodPost, "/api/instances/"+id.String()+"/evidence", nil, body, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *InstanceClient) trigger(ctx context.Context, id interfaces.InstanceID, op string) (*interfaces.Instance, error) {
	var inst interfaces.Instance
	q := url.Values{"wait": []string{"true"}}
	if err := c.do(ctx, http.MethodPost, "/api/instances/"+id.String()+"/"+op, q, nil, &inst); err != nil {
		return nil, err
	}
	return &inst, nil
}

func (c *InstanceClient) do(ctx context.Context, method, path string, q url.Values, body []byte, out any) error {
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, bytes.NewReader(body))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("status API request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Message != "" {
			return apiErr.Err()
		}
		return fmt.Errorf("%s %s returned error %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("could not parse response: %w", err)
	}
	return nil
}

// MockInstanceService implements api.InstanceService for testing.
type MockInstanceService struct {
	mock.Mock
}

func (m *MockInstanceService) List(ctx context.Context, includeArchived bool) ([]*interfaces.Instance, error) {
	args := m.Called(ctx, includeArchived)
	insts, _ := args.Get(0).([]*interfaces.Instance)
	return insts, args.Error(1)
}

func (m *MockInstanceService) Get(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	args := m.Called(ctx, id)
	inst, _ := args.Get(0).(*interfaces.Instance)
	return inst, args.Error(1)
}

func (m *MockInstanceService) Evidence(ctx context.Context, id interfaces.InstanceID) ([]*interfaces.EvidenceRecord, error) {
	args := m.Called(ctx, id)
	recs, _ := args.Get(0).([]*interfaces.EvidenceRecord)
	return recs, args.Error(1)
}

func (m *MockInstanceService) Verify(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	args := m.Called(ctx, id)
	inst, _ := args.Get(0).(*interfaces.Instance)
	return inst, args.Error(1)
}

func (m *MockInstanceService) Destroy(ctx context.Context, id interfaces.InstanceID) (*interfaces.Instance, error) {
	args := m.Called(ctx, id)
	inst, _ := args.Get(0).(*interfaces.Instance)
	return inst, args.Error(1)
}

func (m *MockInstanceService) SubmitEvidence(ctx context.Context, id interfaces.InstanceID, ev *interfaces.AttestationEvidence) (*interfaces.Instance, error) {
	args := m.Called(ctx, id, ev)
	inst, _ := args.Get(0).(*interfaces.Instance)
	return inst, args.Error(1)
}
