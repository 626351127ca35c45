// Package gcp provisions Confidential VMs on Google Compute Engine by
// wrapping the gcloud CLI.
package gcp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/cvmctl/credentials"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/ruteri/cvmctl/providers/agent"
	"github.com/ruteri/cvmctl/providers/cliexec"
)

// Config configures the adapter.
type Config struct {
	Project string
	// DefaultZone is used when the instance spec names no zone.
	DefaultZone string
	AgentPort   int
	Binary      string
}

// Adapter implements interfaces.ProviderAdapter with gcloud.
type Adapter struct {
	cfg     Config
	cli     *cliexec.CLI
	profile string
	log     *slog.Logger
	fetch   agent.Fetcher
}

// New creates an adapter. A credential profile selects a gcloud
// configuration.
func New(cfg Config, runner cliexec.Runner, creds *credentials.Credentials, log *slog.Logger) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "gcloud"
	}
	if cfg.DefaultZone == "" {
		cfg.DefaultZone = "us-central1-a"
	}
	a := &Adapter{
		cfg:   cfg,
		cli:   cliexec.New(cfg.Binary, interfaces.ProviderGCP, runner, creds),
		log:   log,
		fetch: agent.HTTPFetcher(cfg.AgentPort, interfaces.ProviderGCP, log),
	}
	if creds != nil {
		a.profile = creds.Profile
	}
	return a
}

// ResourceName derives the GCE instance name from the instance id.
func ResourceName(id interfaces.InstanceID) string {
	return "cvmctl-" + strings.ToLower(id.String())
}

func (a *Adapter) Kind() interfaces.ProviderKind {
	return interfaces.ProviderGCP
}

func (a *Adapter) commonArgs(zone string) []string {
	args := []string{"--zone=" + zone, "--format=json", "--quiet"}
	if a.cfg.Project != "" {
		args = append(args, "--project="+a.cfg.Project)
	}
	if a.profile != "" {
		args = append(args, "--configuration="+a.profile)
	}
	return args
}

func confidentialType(t interfaces.CVMType) string {
	if t == interfaces.CVMTypeTDX {
		return "TDX"
	}
	return "SEV_SNP"
}

func (a *Adapter) Create(ctx context.Context, id interfaces.InstanceID, spec interfaces.InstanceSpec) (*interfaces.ProviderHandle, error) {
	zone := spec.Region
	if zone == "" {
		zone = a.cfg.DefaultZone
	}
	name := ResourceName(id)

	args := []string{"compute", "instances", "create", name,
		"--machine-type=" + spec.MachineType,
		"--image=" + spec.Image,
		"--labels=cvmctl-instance-id=" + strings.ToLower(id.String()),
	}
	if spec.CVM {
		args = append(args,
			"--confidential-compute-type="+confidentialType(spec.CVMType),
			"--maintenance-policy=TERMINATE",
			"--shielded-secure-boot",
		)
	}
	args = append(args, a.commonArgs(zone)...)

	_, err := a.cli.Run(ctx, "create", args...)
	if err != nil && !cliexec.IsAlreadyExists(err) {
		return nil, err
	}
	if err != nil {
		a.log.Info("GCE instance already exists, adopting it", slog.String("name", name))
	} else {
		a.log.Info("Created GCE instance",
			slog.String("instance", id.String()),
			slog.String("name", name),
			slog.String("zone", zone),
			slog.Bool("cvm", spec.CVM))
	}

	return &interfaces.ProviderHandle{
		Kind:       interfaces.ProviderGCP,
		ResourceID: name,
		Zone:       zone,
		CVM:        spec.CVM,
		Extra:      map[string]string{"instance_id": id.String()},
	}, nil
}

type gceInstance struct {
	Status            string `json:"status"`
	StatusMessage     string `json:"statusMessage"`
	NetworkInterfaces []struct {
		NetworkIP     string `json:"networkIP"`
		AccessConfigs []struct {
			NatIP string `json:"natIP"`
		} `json:"accessConfigs"`
	} `json:"networkInterfaces"`
}

func (i *gceInstance) address() string {
	for _, nic := range i.NetworkInterfaces {
		for _, ac := range nic.AccessConfigs {
			if ac.NatIP != "" {
				return ac.NatIP
			}
		}
	}
	for _, nic := range i.NetworkInterfaces {
		if nic.NetworkIP != "" {
			return nic.NetworkIP
		}
	}
	return ""
}

func mapStatus(status string) interfaces.ProviderState {
	switch status {
	case "PROVISIONING", "STAGING":
		return interfaces.ProviderPending
	case "RUNNING":
		return interfaces.ProviderRunning
	case "STOPPING", "SUSPENDING", "SUSPENDED", "REPAIRING":
		return interfaces.ProviderFailed
	case "TERMINATED":
		return interfaces.ProviderTerminated
	default:
		return interfaces.ProviderPending
	}
}

func (a *Adapter) Poll(ctx context.Context, h *interfaces.ProviderHandle) (interfaces.ProviderStatus, error) {
	var inst gceInstance
	args := append([]string{"compute", "instances", "describe", h.ResourceID}, a.commonArgs(h.Zone)...)
	if err := a.cli.RunJSON(ctx, "poll", &inst, args...); err != nil {
		if cliexec.IsNotFound(err) {
			return interfaces.ProviderStatus{State: interfaces.ProviderTerminated, Detail: "instance not found"}, nil
		}
		return interfaces.ProviderStatus{}, err
	}

	detail := inst.Status
	if inst.StatusMessage != "" {
		detail = fmt.Sprintf("%s: %s", inst.Status, inst.StatusMessage)
	}
	return interfaces.ProviderStatus{
		State:   mapStatus(inst.Status),
		Address: inst.address(),
		Detail:  detail,
	}, nil
}

func (a *Adapter) FetchEvidence(ctx context.Context, h *interfaces.ProviderHandle, nonce []byte) (*interfaces.AttestationEvidence, error) {
	if h.Address == "" {
		return nil, fmt.Errorf("%w: instance has no address yet", interfaces.ErrEvidenceNotReady)
	}
	return a.fetch(ctx, h.Address, interfaces.InstanceID(h.Extra["instance_id"]), nonce)
}

func (a *Adapter) Destroy(ctx context.Context, h *interfaces.ProviderHandle) error {
	args := append([]string{"compute", "instances", "delete", h.ResourceID}, a.commonArgs(h.Zone)...)
	if _, err := a.cli.Run(ctx, "destroy", args...); err != nil {
		if cliexec.IsNotFound(err) {
			a.log.Debug("GCE instance already gone", slog.String("name", h.ResourceID))
			return nil
		}
		return err
	}
	a.log.Info("Deleted GCE instance", slog.String("name", h.ResourceID))
	return nil
}
