package flags

import (
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/ruteri/cvmctl/api"
	"github.com/ruteri/cvmctl/common"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/ruteri/cvmctl/providers"
	"github.com/ruteri/cvmctl/providers/agent"
	"github.com/ruteri/cvmctl/providers/aws"
	"github.com/ruteri/cvmctl/providers/azure"
	"github.com/ruteri/cvmctl/providers/gcp"
	"github.com/ruteri/cvmctl/providers/local"
	"github.com/urfave/cli/v2"
)

func SetupLogger(cCtx *cli.Context) (log *slog.Logger) {
	logJSON := cCtx.Bool(LogJsonFlag.Name)
	logDebug := cCtx.Bool(LogDebugFlag.Name)
	logUID := cCtx.Bool(LogUidFlag.Name)
	logService := cCtx.String(LogServiceFlag.Name)

	logger := common.SetupLogger(&common.LoggingOpts{
		Debug:   logDebug,
		JSON:    logJSON,
		Service: logService,
		Version: common.Version,
	})

	if logUID {
		id := uuid.Must(uuid.NewRandom())
		logger = logger.With("uid", id.String())
	}
	return logger
}

func ConfigureServer(cCtx *cli.Context, logger *slog.Logger) *api.HTTPServerConfig {
	listenAddr := cCtx.String(ListenAddrFlag.Name)
	metricsAddr := cCtx.String(MetricsAddrFlag.Name)
	enablePprof := cCtx.Bool(PprofFlag.Name)
	drainDuration := time.Duration(cCtx.Int64(DrainSecondsFlag.Name)) * time.Second

	return &api.HTTPServerConfig{
		ListenAddr:               listenAddr,
		MetricsAddr:              metricsAddr,
		Log:                      logger,
		EnablePprof:              enablePprof,
		DrainDuration:            drainDuration,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              60 * time.Second,
		WriteTimeout:             11 * time.Minute,
	}
}

// DataDir returns the state directory selected on the command line.
func DataDir(cCtx *cli.Context) string {
	return cCtx.String(DataDirFlag.Name)
}

// PolicyPath returns the trust policy file, <data-dir>/policy.yaml unless set.
func PolicyPath(cCtx *cli.Context) string {
	if p := cCtx.String(PolicyFlag.Name); p != "" {
		return p
	}
	return filepath.Join(DataDir(cCtx), "policy.yaml")
}

// ProviderConfig collects the adapter settings and credential references.
func ProviderConfig(cCtx *cli.Context) providers.Config {
	port := cCtx.Int(AgentPortFlag.Name)
	return providers.Config{
		AWS: aws.Config{
			DefaultRegion:    cCtx.String(AWSRegionFlag.Name),
			SubnetID:         cCtx.String(AWSSubnetFlag.Name),
			SecurityGroupIDs: cCtx.StringSlice(AWSSecurityGroupFlag.Name),
			KeyName:          cCtx.String(AWSKeyNameFlag.Name),
			AgentPort:        port,
		},
		GCP: gcp.Config{
			Project:     cCtx.String(GCPProjectFlag.Name),
			DefaultZone: cCtx.String(GCPZoneFlag.Name),
			AgentPort:   port,
		},
		Azure: azure.Config{
			ResourceGroup:   cCtx.String(AzureResourceGroupFlag.Name),
			DefaultLocation: cCtx.String(AzureLocationFlag.Name),
			AgentPort:       port,
		},
		Local: local.Config{
			StateDir:   filepath.Join(DataDir(cCtx), "local"),
			QEMUBinary: cCtx.String(QEMUBinaryFlag.Name),
			Firmware:   cCtx.String(FirmwareFlag.Name),
			AgentPort:  uint32(port),
		},
		Credentials: map[interfaces.ProviderKind]string{
			interfaces.ProviderAWS:   cCtx.String(AWSCredentialsFlag.Name),
			interfaces.ProviderGCP:   cCtx.String(GCPCredentialsFlag.Name),
			interfaces.ProviderAzure: cCtx.String(AzureCredentialsFlag.Name),
		},
	}
}

var DataDirFlag = &cli.StringFlag{
	Name:    "data-dir",
	Value:   common.DefaultDataDir(),
	EnvVars: []string{common.DataDirEnv},
	Usage:   "directory holding the instance inventory, evidence and local guests",
}
var PolicyFlag = &cli.StringFlag{
	Name:    "policy",
	EnvVars: []string{"CVMCTL_POLICY"},
	Usage:   "trust policy file (default: <data-dir>/policy.yaml)",
}
var ArchiveURIFlag = &cli.StringFlag{
	Name:    "archive-uri",
	EnvVars: []string{"CVMCTL_ARCHIVE_URI"},
	Usage:   "comma separated file://, s3:// or vault:// locations mirroring archived records",
}
var APIURLFlag = &cli.StringFlag{
	Name:    "api-url",
	EnvVars: []string{"CVMCTL_API_URL"},
	Usage:   "use a running 'cvmctl serve' instead of the local inventory for list, status, verify and destroy",
}

var AgentPortFlag = &cli.IntFlag{
	Name:  "agent-port",
	Value: agent.DefaultPort,
	Usage: "port of the in-guest attestation agent (vsock port for local guests)",
}

var AWSRegionFlag = &cli.StringFlag{
	Name:     "aws-region",
	Value:    "us-east-2",
	EnvVars:  []string{"AWS_REGION"},
	Category: "aws",
	Usage:    "default EC2 region",
}
var AWSSubnetFlag = &cli.StringFlag{
	Name:     "aws-subnet",
	Category: "aws",
	Usage:    "subnet to launch instances in",
}
var AWSSecurityGroupFlag = &cli.StringSliceFlag{
	Name:     "aws-security-group",
	Category: "aws",
	Usage:    "security group attached to instances (repeatable)",
}
var AWSKeyNameFlag = &cli.StringFlag{
	Name:     "aws-key-name",
	Category: "aws",
	Usage:    "EC2 key pair name",
}
var AWSCredentialsFlag = &cli.StringFlag{
	Name:     "aws-credentials",
	EnvVars:  []string{"CVMCTL_AWS_CREDENTIALS"},
	Category: "aws",
	Usage:    "credential reference: env, profile:<name> or vault://<mount>/<path>",
}

var GCPProjectFlag = &cli.StringFlag{
	Name:     "gcp-project",
	EnvVars:  []string{"CLOUDSDK_CORE_PROJECT"},
	Category: "gcp",
	Usage:    "GCP project",
}
var GCPZoneFlag = &cli.StringFlag{
	Name:     "gcp-zone",
	Value:    "us-central1-a",
	Category: "gcp",
	Usage:    "default zone",
}
var GCPCredentialsFlag = &cli.StringFlag{
	Name:     "gcp-credentials",
	EnvVars:  []string{"CVMCTL_GCP_CREDENTIALS"},
	Category: "gcp",
	Usage:    "credential reference: env, profile:<gcloud configuration> or vault://<mount>/<path>",
}

var AzureResourceGroupFlag = &cli.StringFlag{
	Name:     "azure-resource-group",
	Category: "azure",
	Usage:    "resource group instances are created in",
}
var AzureLocationFlag = &cli.StringFlag{
	Name:     "azure-location",
	Value:    "eastus",
	Category: "azure",
	Usage:    "default location",
}
var AzureCredentialsFlag = &cli.StringFlag{
	Name:     "azure-credentials",
	EnvVars:  []string{"CVMCTL_AZURE_CREDENTIALS"},
	Category: "azure",
	Usage:    "credential reference: env, profile:<subscription> or vault://<mount>/<path>",
}

var QEMUBinaryFlag = &cli.StringFlag{
	Name:     "qemu-binary",
	Category: "local",
	Usage:    "emulator binary (default: qemu-system-x86_64 on PATH)",
}
var FirmwareFlag = &cli.StringFlag{
	Name:     "firmware",
	Category: "local",
	Usage:    "OVMF firmware image for confidential guests",
}

var LogJsonFlag = &cli.BoolFlag{
	Name:  "log-json",
	Value: false,
	Usage: "log in JSON format",
}
var LogDebugFlag = &cli.BoolFlag{
	Name:  "log-debug",
	Value: false,
	Usage: "log debug messages",
}
var LogUidFlag = &cli.BoolFlag{
	Name:  "log-uid",
	Value: false,
	Usage: "generate a uuid and add to all log messages",
}
var LogServiceFlag = &cli.StringFlag{
	Name:  "log-service",
	Value: common.PackageName,
	Usage: "add 'service' tag to logs",
}

var ListenAddrFlag = &cli.StringFlag{
	Name:  "listen-addr",
	Value: "127.0.0.1:8645",
	Usage: "address to listen on for the status API",
}
var PprofFlag = &cli.BoolFlag{
	Name:  "pprof",
	Value: false,
	Usage: "enable pprof debug endpoint",
}
var DrainSecondsFlag = &cli.Int64Flag{
	Name:  "drain-seconds",
	Value: 45,
	Usage: "seconds to wait in drain HTTP request",
}
var MetricsAddrFlag = &cli.StringFlag{
	Name:  "metrics-addr",
	Value: "127.0.0.1:8090",
	Usage: "address to listen on for Prometheus metrics",
}

var CommonFlags = []cli.Flag{
	DataDirFlag,
	PolicyFlag,
	ArchiveURIFlag,
	APIURLFlag,
	AgentPortFlag,
	AWSRegionFlag,
	AWSSubnetFlag,
	AWSSecurityGroupFlag,
	AWSKeyNameFlag,
	AWSCredentialsFlag,
	GCPProjectFlag,
	GCPZoneFlag,
	GCPCredentialsFlag,
	AzureResourceGroupFlag,
	AzureLocationFlag,
	AzureCredentialsFlag,
	QEMUBinaryFlag,
	FirmwareFlag,
	LogJsonFlag,
	LogDebugFlag,
	LogUidFlag,
	LogServiceFlag,
}

var ServerFlags = []cli.Flag{
	ListenAddrFlag,
	MetricsAddrFlag,
	PprofFlag,
	DrainSecondsFlag,
}
