// Package aws provisions confidential EC2 instances (AMD SEV-SNP) with the
// AWS SDK and attests them through the guest agent.
package aws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ec2"
	cvmcreds "github.com/ruteri/cvmctl/credentials"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/ruteri/cvmctl/providers/agent"
)

const (
	// InstanceIDTag carries the cvmctl instance id on the EC2 resource.
	InstanceIDTag = "cvmctl:instance-id"

	// visibilityWindow is how long a freshly launched instance may be missing
	// from DescribeInstances before it is considered gone.
	visibilityWindow = 2 * time.Minute

	instanceIDKey = "instance_id"
	launchedAtKey = "launched_at"
)

// ec2API is the subset of the EC2 client used by the adapter.
type ec2API interface {
	RunInstancesWithContext(ctx aws.Context, input *ec2.RunInstancesInput, opts ...request.Option) (*ec2.Reservation, error)
	DescribeInstancesWithContext(ctx aws.Context, input *ec2.DescribeInstancesInput, opts ...request.Option) (*ec2.DescribeInstancesOutput, error)
	TerminateInstancesWithContext(ctx aws.Context, input *ec2.TerminateInstancesInput, opts ...request.Option) (*ec2.TerminateInstancesOutput, error)
}

// Config configures the adapter.
type Config struct {
	// DefaultRegion is used when the instance spec names none.
	DefaultRegion string
	// SubnetID and SecurityGroupIDs are optional network placement.
	SubnetID         string
	SecurityGroupIDs []string
	KeyName          string
	AgentPort        int
}

// Adapter implements interfaces.ProviderAdapter for EC2.
type Adapter struct {
	cfg   Config
	log   *slog.Logger
	now   func() time.Time
	fetch agent.Fetcher

	newClient func(region string) (ec2API, error)
	mu        sync.Mutex
	clients   map[string]ec2API
}

// New creates an adapter using creds for every region.
func New(cfg Config, creds *cvmcreds.Credentials, log *slog.Logger) *Adapter {
	return newAdapter(cfg, log, func(region string) (ec2API, error) {
		sess, err := newSession(region, creds)
		if err != nil {
			return nil, err
		}
		return ec2.New(sess), nil
	})
}

func newAdapter(cfg Config, log *slog.Logger, newClient func(region string) (ec2API, error)) *Adapter {
	if cfg.DefaultRegion == "" {
		cfg.DefaultRegion = "us-east-1"
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = agent.DefaultPort
	}
	a := &Adapter{
		cfg:       cfg,
		log:       log,
		now:       time.Now,
		newClient: newClient,
		clients:   make(map[string]ec2API),
	}
	a.fetch = agent.HTTPFetcher(cfg.AgentPort, interfaces.ProviderAWS, log)
	return a
}

func newSession(region string, creds *cvmcreds.Credentials) (*session.Session, error) {
	opts := session.Options{
		Config:            aws.Config{Region: aws.String(region)},
		SharedConfigState: session.SharedConfigEnable,
	}
	if creds != nil {
		opts.Profile = creds.Profile
		if key := creds.Get("AWS_ACCESS_KEY_ID"); key != "" {
			opts.Config.Credentials = credentials.NewStaticCredentials(key, creds.Get("AWS_SECRET_ACCESS_KEY"), creds.Get("AWS_SESSION_TOKEN"))
		}
	}
	sess, err := session.NewSessionWithOptions(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}
	return sess, nil
}

func (a *Adapter) client(region string) (ec2API, error) {
	if region == "" {
		region = a.cfg.DefaultRegion
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[region]; ok {
		return c, nil
	}
	c, err := a.newClient(region)
	if err != nil {
		return nil, interfaces.Rejected(interfaces.ProviderAWS, "session", err)
	}
	a.clients[region] = c
	return c, nil
}

func (a *Adapter) Kind() interfaces.ProviderKind {
	return interfaces.ProviderAWS
}

func (a *Adapter) Create(ctx context.Context, id interfaces.InstanceID, spec interfaces.InstanceSpec) (*interfaces.ProviderHandle, error) {
	if spec.CVM && spec.CVMType == interfaces.CVMTypeTDX {
		return nil, interfaces.Rejected(interfaces.ProviderAWS, "create", errors.New("EC2 confidential instances support SEV-SNP only"))
	}
	region := spec.Region
	if region == "" {
		region = a.cfg.DefaultRegion
	}
	client, err := a.client(region)
	if err != nil {
		return nil, err
	}

	input := &ec2.RunInstancesInput{
		ClientToken:  aws.String(id.String()),
		ImageId:      aws.String(spec.Image),
		InstanceType: aws.String(spec.MachineType),
		MinCount:     aws.Int64(1),
		MaxCount:     aws.Int64(1),
		TagSpecifications: []*ec2.TagSpecification{{
			ResourceType: aws.String(ec2.ResourceTypeInstance),
			Tags: []*ec2.Tag{
				{Key: aws.String(InstanceIDTag), Value: aws.String(id.String())},
				{Key: aws.String("Name"), Value: aws.String("cvmctl-" + id.Short())},
			},
		}},
	}
	if spec.CVM {
		input.CpuOptions = &ec2.CpuOptionsRequest{AmdSevSnp: aws.String(ec2.AmdSevSnpSpecificationEnabled)}
	}
	if a.cfg.SubnetID != "" {
		input.SubnetId = aws.String(a.cfg.SubnetID)
	}
	if len(a.cfg.SecurityGroupIDs) > 0 {
		input.SecurityGroupIds = aws.StringSlice(a.cfg.SecurityGroupIDs)
	}
	if a.cfg.KeyName != "" {
		input.KeyName = aws.String(a.cfg.KeyName)
	}

	reservation, err := client.RunInstancesWithContext(ctx, input)
	if err != nil {
		return nil, classify("create", err)
	}
	if reservation == nil || len(reservation.Instances) == 0 {
		return nil, interfaces.Unavailable(interfaces.ProviderAWS, "create", errors.New("RunInstances returned no instances"))
	}

	instanceID := aws.StringValue(reservation.Instances[0].InstanceId)
	a.log.Info("Launched EC2 instance",
		slog.String("instance", id.String()),
		slog.String("ec2_instance", instanceID),
		slog.String("region", region),
		slog.Bool("cvm", spec.CVM))

	return &interfaces.ProviderHandle{
		Kind:       interfaces.ProviderAWS,
		ResourceID: instanceID,
		Zone:       region,
		CVM:        spec.CVM,
		Extra: map[string]string{
			instanceIDKey: id.String(),
			launchedAtKey: a.now().UTC().Format(time.RFC3339),
		},
	}, nil
}

func (a *Adapter) Poll(ctx context.Context, h *interfaces.ProviderHandle) (interfaces.ProviderStatus, error) {
	client, err := a.client(h.Zone)
	if err != nil {
		return interfaces.ProviderStatus{}, err
	}

	out, err := client.DescribeInstancesWithContext(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []*string{aws.String(h.ResourceID)},
	})
	if err != nil && !isNotFound(err) {
		return interfaces.ProviderStatus{}, classify("poll", err)
	}

	var inst *ec2.Instance
	if out != nil {
		for _, r := range out.Reservations {
			for _, i := range r.Instances {
				if aws.StringValue(i.InstanceId) == h.ResourceID {
					inst = i
				}
			}
		}
	}
	if inst == nil {
		if a.recentlyLaunched(h) {
			return interfaces.ProviderStatus{State: interfaces.ProviderPending, Detail: "instance not yet visible"}, nil
		}
		return interfaces.ProviderStatus{State: interfaces.ProviderTerminated, Detail: "instance not found"}, nil
	}

	status := interfaces.ProviderStatus{
		Address: aws.StringValue(inst.PublicIpAddress),
	}
	if status.Address == "" {
		status.Address = aws.StringValue(inst.PrivateIpAddress)
	}
	name := ""
	if inst.State != nil {
		name = aws.StringValue(inst.State.Name)
	}
	status.State = mapState(name)
	status.Detail = name
	if inst.StateReason != nil && status.State == interfaces.ProviderFailed {
		status.Detail = fmt.Sprintf("%s: %s", name, aws.StringValue(inst.StateReason.Message))
	}
	return status, nil
}

func (a *Adapter) recentlyLaunched(h *interfaces.ProviderHandle) bool {
	launched, err := time.Parse(time.RFC3339, h.Extra[launchedAtKey])
	if err != nil {
		return false
	}
	return a.now().Sub(launched) < visibilityWindow
}

func mapState(name string) interfaces.ProviderState {
	switch name {
	case ec2.InstanceStateNamePending:
		return interfaces.ProviderPending
	case ec2.InstanceStateNameRunning:
		return interfaces.ProviderRunning
	case ec2.InstanceStateNameShuttingDown, ec2.InstanceStateNameTerminated:
		return interfaces.ProviderTerminated
	case ec2.InstanceStateNameStopping, ec2.InstanceStateNameStopped:
		return interfaces.ProviderFailed
	default:
		return interfaces.ProviderPending
	}
}

func (a *Adapter) FetchEvidence(ctx context.Context, h *interfaces.ProviderHandle, nonce []byte) (*interfaces.AttestationEvidence, error) {
	if h.Address == "" {
		return nil, fmt.Errorf("%w: instance has no address yet", interfaces.ErrEvidenceNotReady)
	}
	id := interfaces.InstanceID(h.Extra[instanceIDKey])
	return a.fetch(ctx, h.Address, id, nonce)
}

func (a *Adapter) Destroy(ctx context.Context, h *interfaces.ProviderHandle) error {
	client, err := a.client(h.Zone)
	if err != nil {
		return err
	}

	_, err = client.TerminateInstancesWithContext(ctx, &ec2.TerminateInstancesInput{
		InstanceIds: []*string{aws.String(h.ResourceID)},
	})
	if err != nil {
		if isNotFound(err) {
			a.log.Debug("EC2 instance already gone", slog.String("ec2_instance", h.ResourceID))
			return nil
		}
		return classify("destroy", err)
	}

	a.log.Info("Terminating EC2 instance", slog.String("ec2_instance", h.ResourceID))
	return nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == "InvalidInstanceID.NotFound"
}

var rejectedCodes = []string{
	"UnauthorizedOperation",
	"AuthFailure",
	"InvalidClientTokenId",
	"OptInRequired",
	"InstanceLimitExceeded",
	"VcpuLimitExceeded",
}

var rejectedPrefixes = []string{
	"InvalidParameter",
	"InvalidAMIID.",
	"InvalidSubnetID.",
	"InvalidGroup.",
	"InvalidKeyPair.",
	"Unsupported",
	"MissingParameter",
}

// classify maps SDK errors to the provider taxonomy.
func classify(op string, err error) error {
	var aerr awserr.Error
	if errors.As(err, &aerr) && !request.IsErrorRetryable(err) && !request.IsErrorThrottle(err) {
		code := aerr.Code()
		for _, c := range rejectedCodes {
			if code == c {
				return interfaces.Rejected(interfaces.ProviderAWS, op, err)
			}
		}
		for _, p := range rejectedPrefixes {
			if strings.HasPrefix(code, p) {
				return interfaces.Rejected(interfaces.ProviderAWS, op, err)
			}
		}
	}
	return interfaces.Unavailable(interfaces.ProviderAWS, op, err)
}
