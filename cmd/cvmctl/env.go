package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/ruteri/cvmctl/api"
	"github.com/ruteri/cvmctl/api/clients"
	"github.com/ruteri/cvmctl/attestation"
	"github.com/ruteri/cvmctl/cmd/flags"
	"github.com/ruteri/cvmctl/common"
	"github.com/ruteri/cvmctl/credentials"
	"github.com/ruteri/cvmctl/lifecycle"
	"github.com/ruteri/cvmctl/metrics"
	"github.com/ruteri/cvmctl/providers"
	"github.com/ruteri/cvmctl/storage"
	"github.com/urfave/cli/v2"
)

// env is everything a command needs to run the lifecycle locally.
type env struct {
	log     *slog.Logger
	metrics *metrics.Metrics
	store   *storage.FileInventory
	machine *lifecycle.Machine
}

func newEnv(cCtx *cli.Context) (*env, error) {
	log := flags.SetupLogger(cCtx)

	store, err := storage.NewFileInventory(flags.DataDir(cCtx), log)
	if err != nil {
		return nil, fmt.Errorf("failed to open inventory: %w", err)
	}
	if uris := cCtx.String(flags.ArchiveURIFlag.Name); uris != "" {
		backend, err := storage.NewArchiveFactory(log).ArchiveForURIs(uris)
		if err != nil {
			return nil, fmt.Errorf("failed to configure archive: %w", err)
		}
		log.Debug("Archive configured", slog.String("location", backend.LocationURI()))
		store = store.WithArchive(backend)
	}

	policy, err := loadPolicy(cCtx, log)
	if err != nil {
		return nil, err
	}

	m := metrics.NewMetrics(common.PackageName)
	registry := providers.Build(flags.ProviderConfig(cCtx), credentials.NewResolver(log), log)
	machine := lifecycle.NewMachine(store, registry, attestation.NewVerifier(policy, log), m, log, lifecycle.DefaultConfig())

	return &env{
		log:     log,
		metrics: m,
		store:   store,
		machine: machine,
	}, nil
}

// loadPolicy reads the trust policy. A missing default policy file yields a
// policy that trusts no provider.
func loadPolicy(cCtx *cli.Context, log *slog.Logger) (*attestation.TrustPolicy, error) {
	path := flags.PolicyPath(cCtx)
	policy, err := attestation.LoadPolicy(path)
	if err == nil {
		log.Debug("Trust policy loaded", slog.String("path", path))
		return policy, nil
	}
	if errors.Is(err, fs.ErrNotExist) && !cCtx.IsSet(flags.PolicyFlag.Name) {
		log.Debug("No trust policy found, attested instances cannot be verified", slog.String("path", path))
		return attestation.DefaultPolicy(), nil
	}
	return nil, err
}

// service returns the status API client when --api-url is set and the local
// state machine otherwise.
func service(cCtx *cli.Context) (api.InstanceService, error) {
	if url := cCtx.String(flags.APIURLFlag.Name); url != "" {
		return clients.NewInstanceClient(url), nil
	}
	e, err := newEnv(cCtx)
	if err != nil {
		return nil, err
	}
	return e.machine, nil
}

// localOnly rejects --api-url for commands that need the local state machine.
func localOnly(cCtx *cli.Context) error {
	if cCtx.String(flags.APIURLFlag.Name) != "" {
		return fmt.Errorf("%s cannot run against --api-url", cCtx.Command.Name)
	}
	return nil
}
