package aws

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ec2"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockEC2 struct {
	mock.Mock
}

func (m *mockEC2) RunInstancesWithContext(ctx aws.Context, input *ec2.RunInstancesInput, opts ...request.Option) (*ec2.Reservation, error) {
	args := m.Called(input)
	out, _ := args.Get(0).(*ec2.Reservation)
	return out, args.Error(1)
}

func (m *mockEC2) DescribeInstancesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, opts ...request.Option) (*ec2.DescribeInstancesOutput, error) {
	args := m.Called(input)
	out, _ := args.Get(0).(*ec2.DescribeInstancesOutput)
	return out, args.Error(1)
}

func (m *mockEC2) TerminateInstancesWithContext(ctx aws.Context, input *ec2.TerminateInstancesInput, opts ...request.Option) (*ec2.TerminateInstancesOutput, error) {
	args := m.Called(input)
	out, _ := args.Get(0).(*ec2.TerminateInstancesOutput)
	return out, args.Error(1)
}

func newTestAdapter(client *mockEC2) *Adapter {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return newAdapter(Config{DefaultRegion: "eu-west-1"}, log, func(region string) (ec2API, error) {
		return client, nil
	})
}

func describe(state, ip string) *ec2.DescribeInstancesOutput {
	return &ec2.DescribeInstancesOutput{Reservations: []*ec2.Reservation{{
		Instances: []*ec2.Instance{{
			InstanceId:      aws.String("i-0123"),
			State:           &ec2.InstanceState{Name: aws.String(state)},
			PublicIpAddress: aws.String(ip),
		}},
	}}}
}

func TestAdapter_Create(t *testing.T) {
	client := &mockEC2{}
	adapter := newTestAdapter(client)
	id := interfaces.NewInstanceID()

	client.On("RunInstancesWithContext", mock.MatchedBy(func(in *ec2.RunInstancesInput) bool {
		return aws.StringValue(in.ClientToken) == id.String() &&
			aws.StringValue(in.ImageId) == "ami-1" &&
			in.CpuOptions != nil && aws.StringValue(in.CpuOptions.AmdSevSnp) == "enabled"
	})).Return(&ec2.Reservation{Instances: []*ec2.Instance{{InstanceId: aws.String("i-0123")}}}, nil)

	h, err := adapter.Create(context.Background(), id, interfaces.InstanceSpec{
		MachineType: "m6a.large", Image: "ami-1", CVM: true, CVMType: interfaces.CVMTypeSEVSNP,
	})
	require.NoError(t, err)
	assert.Equal(t, "i-0123", h.ResourceID)
	assert.Equal(t, "eu-west-1", h.Zone)
	assert.True(t, h.CVM)
	assert.Equal(t, id.String(), h.Extra[instanceIDKey])
	client.AssertExpectations(t)

	_, err = adapter.Create(context.Background(), id, interfaces.InstanceSpec{Image: "ami-1", CVM: true, CVMType: interfaces.CVMTypeTDX})
	assert.Equal(t, interfaces.KindProviderRejected, interfaces.ErrorKindOf(err))
}

func TestAdapter_CreateClassifiesErrors(t *testing.T) {
	tests := []struct {
		code string
		want interfaces.ErrorKind
	}{
		{"UnauthorizedOperation", interfaces.KindProviderRejected},
		{"InvalidAMIID.NotFound", interfaces.KindProviderRejected},
		{"InvalidParameterValue", interfaces.KindProviderRejected},
		{"VcpuLimitExceeded", interfaces.KindProviderRejected},
		{"UnsupportedOperation", interfaces.KindProviderRejected},
		{"RequestLimitExceeded", interfaces.KindProviderUnavailable},
		{"InternalError", interfaces.KindProviderUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			client := &mockEC2{}
			adapter := newTestAdapter(client)
			client.On("RunInstancesWithContext", mock.Anything).Return(nil, awserr.New(tt.code, "msg", nil))

			_, err := adapter.Create(context.Background(), interfaces.NewInstanceID(), interfaces.InstanceSpec{Image: "ami-1"})
			assert.Equal(t, tt.want, interfaces.ErrorKindOf(err))
		})
	}

	client := &mockEC2{}
	adapter := newTestAdapter(client)
	client.On("RunInstancesWithContext", mock.Anything).Return(nil, errors.New("dial tcp: i/o timeout"))
	_, err := adapter.Create(context.Background(), interfaces.NewInstanceID(), interfaces.InstanceSpec{Image: "ami-1"})
	assert.True(t, interfaces.IsRetryable(err))
}

func TestAdapter_Poll(t *testing.T) {
	tests := []struct {
		state string
		want  interfaces.ProviderState
	}{
		{"pending", interfaces.ProviderPending},
		{"running", interfaces.ProviderRunning},
		{"shutting-down", interfaces.ProviderTerminated},
		{"terminated", interfaces.ProviderTerminated},
		{"stopping", interfaces.ProviderFailed},
		{"stopped", interfaces.ProviderFailed},
	}

	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			client := &mockEC2{}
			adapter := newTestAdapter(client)
			client.On("DescribeInstancesWithContext", mock.Anything).Return(describe(tt.state, "1.2.3.4"), nil)

			status, err := adapter.Poll(context.Background(), &interfaces.ProviderHandle{ResourceID: "i-0123", Zone: "eu-west-1"})
			require.NoError(t, err)
			assert.Equal(t, tt.want, status.State)
			assert.Equal(t, "1.2.3.4", status.Address)
		})
	}
}

func TestAdapter_PollNotFound(t *testing.T) {
	client := &mockEC2{}
	adapter := newTestAdapter(client)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	adapter.now = func() time.Time { return now }
	client.On("DescribeInstancesWithContext", mock.Anything).Return(nil, awserr.New("InvalidInstanceID.NotFound", "gone", nil))

	fresh := &interfaces.ProviderHandle{ResourceID: "i-0123", Extra: map[string]string{launchedAtKey: now.Add(-time.Minute).Format(time.RFC3339)}}
	status, err := adapter.Poll(context.Background(), fresh)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProviderPending, status.State)

	old := &interfaces.ProviderHandle{ResourceID: "i-0123", Extra: map[string]string{launchedAtKey: now.Add(-time.Hour).Format(time.RFC3339)}}
	status, err = adapter.Poll(context.Background(), old)
	require.NoError(t, err)
	assert.Equal(t, interfaces.ProviderTerminated, status.State)
}

func TestAdapter_Destroy(t *testing.T) {
	client := &mockEC2{}
	adapter := newTestAdapter(client)
	h := &interfaces.ProviderHandle{ResourceID: "i-0123"}

	client.On("TerminateInstancesWithContext", mock.Anything).Return(&ec2.TerminateInstancesOutput{}, nil).Once()
	require.NoError(t, adapter.Destroy(context.Background(), h))

	client.On("TerminateInstancesWithContext", mock.Anything).Return(nil, awserr.New("InvalidInstanceID.NotFound", "gone", nil)).Once()
	require.NoError(t, adapter.Destroy(context.Background(), h))

	client.On("TerminateInstancesWithContext", mock.Anything).Return(nil, awserr.New("UnauthorizedOperation", "no", nil)).Once()
	err := adapter.Destroy(context.Background(), h)
	assert.Equal(t, interfaces.KindProviderRejected, interfaces.ErrorKindOf(err))
}

func TestAdapter_FetchEvidence(t *testing.T) {
	adapter := newTestAdapter(&mockEC2{})
	h := &interfaces.ProviderHandle{ResourceID: "i-0123", Extra: map[string]string{instanceIDKey: "inst"}}

	_, err := adapter.FetchEvidence(context.Background(), h, []byte{1})
	assert.ErrorIs(t, err, interfaces.ErrEvidenceNotReady)

	var gotAddr string
	var gotID interfaces.InstanceID
	adapter.fetch = func(ctx context.Context, address string, id interfaces.InstanceID, nonce []byte) (*interfaces.AttestationEvidence, error) {
		gotAddr, gotID = address, id
		return &interfaces.AttestationEvidence{Nonce: nonce}, nil
	}
	h.Address = "1.2.3.4"
	ev, err := adapter.FetchEvidence(context.Background(), h, []byte{7})
	require.NoError(t, err)
	assert.Equal(t, []byte{7}, ev.Nonce)
	assert.Equal(t, "1.2.3.4", gotAddr)
	assert.Equal(t, interfaces.InstanceID("inst"), gotID)
}
