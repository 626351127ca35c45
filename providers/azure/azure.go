// Package azure provisions Azure confidential VMs by wrapping the az CLI.
// Guests attest with Microsoft Azure Attestation tokens.
package azure

import (
	"context"
	"errors"
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
	ResourceGroup   string
	DefaultLocation string
	AgentPort       int
	Binary          string
}

// Adapter implements interfaces.ProviderAdapter with az.
type Adapter struct {
	cfg          Config
	cli          *cliexec.CLI
	subscription string
	log          *slog.Logger
	fetch        agent.Fetcher
}

// New creates an adapter. A credential profile selects the subscription.
func New(cfg Config, runner cliexec.Runner, creds *credentials.Credentials, log *slog.Logger) *Adapter {
	if cfg.Binary == "" {
		cfg.Binary = "az"
	}
	a := &Adapter{
		cfg:   cfg,
		cli:   cliexec.New(cfg.Binary, interfaces.ProviderAzure, runner, creds),
		log:   log,
		fetch: agent.HTTPFetcher(cfg.AgentPort, interfaces.ProviderAzure, log),
	}
	if creds != nil {
		a.subscription = creds.Profile
	}
	return a
}

// ResourceName derives the VM name from the instance id.
func ResourceName(id interfaces.InstanceID) string {
	return "cvmctl-" + strings.ToLower(id.String())
}

func (a *Adapter) Kind() interfaces.ProviderKind {
	return interfaces.ProviderAzure
}

func (a *Adapter) resourceGroup(h *interfaces.ProviderHandle) string {
	if h != nil && h.Extra["resource_group"] != "" {
		return h.Extra["resource_group"]
	}
	return a.cfg.ResourceGroup
}

func (a *Adapter) withCommon(args ...string) []string {
	args = append(args, "--output", "json")
	if a.subscription != "" {
		args = append(args, "--subscription", a.subscription)
	}
	return args
}

func (a *Adapter) Create(ctx context.Context, id interfaces.InstanceID, spec interfaces.InstanceSpec) (*interfaces.ProviderHandle, error) {
	if a.cfg.ResourceGroup == "" {
		return nil, interfaces.Rejected(interfaces.ProviderAzure, "create", errors.New("no resource group configured"))
	}
	name := ResourceName(id)

	args := []string{"vm", "create",
		"--resource-group", a.cfg.ResourceGroup,
		"--name", name,
		"--image", spec.Image,
		"--size", spec.MachineType,
		"--tags", "cvmctl-instance-id=" + id.String(),
		"--no-wait",
	}
	location := spec.Region
	if location == "" {
		location = a.cfg.DefaultLocation
	}
	if location != "" {
		args = append(args, "--location", location)
	}
	if spec.CVM {
		args = append(args,
			"--security-type", "ConfidentialVM",
			"--os-disk-security-encryption-type", "VMGuestStateOnly",
			"--enable-vtpm", "true",
			"--enable-secure-boot", "true",
		)
	}

	if _, err := a.cli.Run(ctx, "create", a.withCommon(args...)...); err != nil {
		if !cliexec.IsAlreadyExists(err) {
			return nil, err
		}
		a.log.Info("Azure VM already exists, adopting it", slog.String("name", name))
	} else {
		a.log.Info("Requested Azure VM",
			slog.String("instance", id.String()),
			slog.String("name", name),
			slog.String("resource_group", a.cfg.ResourceGroup),
			slog.Bool("cvm", spec.CVM))
	}

	return &interfaces.ProviderHandle{
		Kind:       interfaces.ProviderAzure,
		ResourceID: name,
		Zone:       location,
		CVM:        spec.CVM,
		Extra: map[string]string{
			"instance_id":    id.String(),
			"resource_group": a.cfg.ResourceGroup,
		},
	}, nil
}

type azureVM struct {
	ProvisioningState string `json:"provisioningState"`
	PowerState        string `json:"powerState"`
	PublicIps         string `json:"publicIps"`
	PrivateIps        string `json:"privateIps"`
}

func mapState(vm *azureVM) interfaces.ProviderState {
	switch strings.ToLower(vm.ProvisioningState) {
	case "failed":
		return interfaces.ProviderFailed
	case "deleting":
		return interfaces.ProviderTerminated
	case "creating", "updating", "":
		return interfaces.ProviderPending
	}

	switch strings.ToLower(vm.PowerState) {
	case "vm running":
		return interfaces.ProviderRunning
	case "vm starting", "":
		return interfaces.ProviderPending
	case "vm stopping", "vm stopped", "vm deallocating", "vm deallocated":
		return interfaces.ProviderFailed
	default:
		return interfaces.ProviderPending
	}
}

func firstIP(list string) string {
	for _, ip := range strings.Split(list, ",") {
		if ip = strings.TrimSpace(ip); ip != "" {
			return ip
		}
	}
	return ""
}

func (a *Adapter) Poll(ctx context.Context, h *interfaces.ProviderHandle) (interfaces.ProviderStatus, error) {
	var vm azureVM
	args := a.withCommon("vm", "show", "-d", "--resource-group", a.resourceGroup(h), "--name", h.ResourceID)
	if err := a.cli.RunJSON(ctx, "poll", &vm, args...); err != nil {
		if cliexec.IsNotFound(err) {
			return interfaces.ProviderStatus{State: interfaces.ProviderTerminated, Detail: "vm not found"}, nil
		}
		return interfaces.ProviderStatus{}, err
	}

	address := firstIP(vm.PublicIps)
	if address == "" {
		address = firstIP(vm.PrivateIps)
	}
	return interfaces.ProviderStatus{
		State:   mapState(&vm),
		Address: address,
		Detail:  fmt.Sprintf("%s/%s", vm.ProvisioningState, vm.PowerState),
	}, nil
}

// FetchEvidence asks the guest agent for an MAA token bound to nonce.
func (a *Adapter) FetchEvidence(ctx context.Context, h *interfaces.ProviderHandle, nonce []byte) (*interfaces.AttestationEvidence, error) {
	if h.Address == "" {
		return nil, fmt.Errorf("%w: vm has no address yet", interfaces.ErrEvidenceNotReady)
	}
	ev, err := a.fetch(ctx, h.Address, interfaces.InstanceID(h.Extra["instance_id"]), nonce)
	if err != nil {
		return nil, err
	}
	if h.CVM && ev.Format != interfaces.FormatAzureMAA {
		a.log.Warn("Azure guest returned non-MAA evidence",
			slog.String("name", h.ResourceID),
			slog.String("format", string(ev.Format)))
	}
	return ev, nil
}

func (a *Adapter) Destroy(ctx context.Context, h *interfaces.ProviderHandle) error {
	args := a.withCommon("vm", "delete", "--resource-group", a.resourceGroup(h), "--name", h.ResourceID, "--yes")
	if _, err := a.cli.Run(ctx, "destroy", args...); err != nil {
		if cliexec.IsNotFound(err) {
			a.log.Debug("Azure VM already gone", slog.String("name", h.ResourceID))
			return nil
		}
		return err
	}
	a.log.Info("Deleted Azure VM", slog.String("name", h.ResourceID))
	return nil
}
