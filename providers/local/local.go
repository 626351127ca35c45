// Package local runs guests under QEMU on the operator's machine. With
// SEV-SNP or TDX support on the host the guest is a real confidential VM and
// attests over vsock. Without it the guest is plainly emulated and all of its
// evidence is unattested.
package local

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/ruteri/cvmctl/attestation"
	"github.com/ruteri/cvmctl/cryptoutils"
	"github.com/ruteri/cvmctl/interfaces"
	"github.com/ruteri/cvmctl/providers/agent"
)

// Config configures the adapter.
type Config struct {
	// StateDir holds one directory per instance, normally <data-dir>/local.
	StateDir string
	// QEMUBinary overrides the emulator looked up on PATH.
	QEMUBinary string
	// Firmware is the OVMF image used for confidential guests.
	Firmware    string
	GracePeriod time.Duration
	AgentPort   uint32
	Probe       Probe
}

type launcher func(ctx context.Context, binary string, args []string, dir string) error

type vsockFetcher func(ctx context.Context, cid, port uint32, id interfaces.InstanceID, nonce []byte) (*interfaces.AttestationEvidence, error)

// Adapter implements interfaces.ProviderAdapter for local QEMU guests.
type Adapter struct {
	cfg  Config
	log  *slog.Logger
	caps Capabilities
	now  func() time.Time

	launch      launcher
	lookPath    func(string) (string, error)
	owns        func(pid int, dir string) bool
	kill        func(pid int, sig syscall.Signal) error
	killWait    time.Duration
	fetchVsock  vsockFetcher
	pollEvery   time.Duration
	emulationMu sync.Mutex
	emulation   *emulationKey
}

type emulationKey struct {
	key   crypto.Signer
	chain [][]byte
}

// New probes the host and creates an adapter.
func New(cfg Config, log *slog.Logger) *Adapter {
	if cfg.Probe == (Probe{}) {
		cfg.Probe = DefaultProbe()
	}
	if cfg.GracePeriod == 0 {
		cfg.GracePeriod = 30 * time.Second
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = agent.DefaultPort
	}
	a := &Adapter{
		cfg:       cfg,
		log:       log,
		caps:      cfg.Probe.Detect(),
		now:       time.Now,
		launch:    runQEMU,
		lookPath:  exec.LookPath,
		owns:      ownsProcess,
		kill:      syscall.Kill,
		killWait:  5 * time.Second,
		pollEvery: 100 * time.Millisecond,
	}
	a.fetchVsock = func(ctx context.Context, cid, port uint32, id interfaces.InstanceID, nonce []byte) (*interfaces.AttestationEvidence, error) {
		return agent.NewVsockClient(cid, port, interfaces.ProviderLocal, a.log).FetchEvidence(ctx, id, nonce)
	}
	log.Debug("Detected local virtualization support",
		slog.Bool("kvm", a.caps.KVM),
		slog.Bool("sev_snp", a.caps.SEVSNP),
		slog.Bool("tdx", a.caps.TDX))
	return a
}

// Capabilities returns what the host supports.
func (a *Adapter) Capabilities() Capabilities {
	return a.caps
}

func (a *Adapter) Kind() interfaces.ProviderKind {
	return interfaces.ProviderLocal
}

func (a *Adapter) instanceDir(id interfaces.InstanceID) string {
	return filepath.Join(a.cfg.StateDir, id.String())
}

// runQEMU starts the emulator and waits for it to daemonize.
func runQEMU(ctx context.Context, binary string, args []string, dir string) error {
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Dir = dir
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", filepath.Base(binary), err, bytes.TrimSpace(stderr.Bytes()))
	}
	return nil
}

func (a *Adapter) Create(ctx context.Context, id interfaces.InstanceID, spec interfaces.InstanceSpec) (*interfaces.ProviderHandle, error) {
	shape, err := ParseMachineType(spec.MachineType)
	if err != nil {
		return nil, interfaces.Rejected(interfaces.ProviderLocal, "create", err)
	}
	if spec.Image == "" {
		return nil, interfaces.Rejected(interfaces.ProviderLocal, "create", errors.New("no disk image given"))
	}
	if _, err := os.Stat(spec.Image); err != nil {
		return nil, interfaces.Rejected(interfaces.ProviderLocal, "create", fmt.Errorf("disk image: %w", err))
	}

	cvmType := spec.CVMType
	if cvmType == "" {
		cvmType = interfaces.CVMTypeSEVSNP
	}
	cvm := spec.CVM && a.caps.Supports(cvmType)
	if !cvm && spec.RequireCVM {
		return nil, interfaces.Rejected(interfaces.ProviderLocal, "create",
			fmt.Errorf("host has no %s support and a confidential guest is required", cvmType))
	}
	if spec.CVM && !cvm {
		a.log.Warn("Host lacks confidential computing support, launching an unattested guest",
			slog.String("instance", id.String()),
			slog.String("cvm_type", string(cvmType)))
	}

	dir := a.instanceDir(id)
	handle := &interfaces.ProviderHandle{
		Kind:       interfaces.ProviderLocal,
		ResourceID: id.String(),
		CVM:        cvm,
		Extra: map[string]string{
			"dir":      dir,
			"image":    spec.Image,
			"cvm_type": string(cvmType),
		},
	}
	cid := GuestCID(id)
	if cvm {
		handle.Extra["cid"] = strconv.FormatUint(uint64(cid), 10)
		handle.Address = fmt.Sprintf("vsock:%d:%d", cid, a.cfg.AgentPort)
	}

	if pid, _ := readPID(dir); pid > 0 && alive(pid) && a.owns(pid, dir) {
		a.log.Info("Local guest already running, adopting it", slog.String("instance", id.String()), slog.Int("pid", pid))
		handle.Extra["pid"] = strconv.Itoa(pid)
		return handle, nil
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, interfaces.ProcessFault("create", err)
	}
	_ = os.Remove(filepath.Join(dir, destroyMarkerName))
	_ = os.Remove(filepath.Join(dir, abandonedName))

	binary := a.cfg.QEMUBinary
	if binary == "" {
		binary = qemuBinary(runtime.GOARCH)
	}
	path, err := a.lookPath(binary)
	if err != nil {
		return nil, interfaces.Rejected(interfaces.ProviderLocal, "create", fmt.Errorf("emulator not installed: %w", err))
	}

	args := qemuArgs(&launchPlan{
		Shape:    shape,
		Image:    spec.Image,
		Dir:      dir,
		CID:      cid,
		KVM:      a.caps.KVM,
		CVM:      cvm,
		CVMType:  cvmType,
		Firmware: a.cfg.Firmware,
	})
	if err := a.launch(ctx, path, args, dir); err != nil {
		return nil, interfaces.ProcessFault("create", err)
	}

	pid, err := readPID(dir)
	if err != nil {
		return nil, interfaces.ProcessFault("create", err)
	}
	if pid > 0 {
		handle.Extra["pid"] = strconv.Itoa(pid)
	}

	a.log.Info("Launched local guest",
		slog.String("instance", id.String()),
		slog.Int("pid", pid),
		slog.Bool("cvm", cvm),
		slog.String("serial_log", filepath.Join(dir, serialLogName)))
	return handle, nil
}

func (a *Adapter) dir(h *interfaces.ProviderHandle) string {
	if d := h.Extra["dir"]; d != "" {
		return d
	}
	return a.instanceDir(interfaces.InstanceID(h.ResourceID))
}

func (a *Adapter) Poll(ctx context.Context, h *interfaces.ProviderHandle) (interfaces.ProviderStatus, error) {
	dir := a.dir(h)
	pid, err := readPID(dir)
	if err != nil {
		return interfaces.ProviderStatus{}, interfaces.ProcessFault("poll", err)
	}

	switch {
	case pid == 0 && destroyed(dir):
		return interfaces.ProviderStatus{State: interfaces.ProviderTerminated, Detail: "destroyed"}, nil
	case pid == 0:
		return interfaces.ProviderStatus{State: interfaces.ProviderPending, Detail: "waiting for pid file"}, nil
	case destroyed(dir) && abandonedPID(dir) == pid:
		detail := fmt.Sprintf("emulator process %d survived SIGKILL and was abandoned", pid)
		return interfaces.ProviderStatus{
			State:  interfaces.ProviderTerminated,
			Detail: detail,
			Fault:  interfaces.ProcessFault("destroy", errors.New(detail)),
		}, nil
	case alive(pid) && a.owns(pid, dir):
		return interfaces.ProviderStatus{State: interfaces.ProviderRunning, Address: h.Address, Detail: fmt.Sprintf("pid %d", pid)}, nil
	case destroyed(dir):
		return interfaces.ProviderStatus{State: interfaces.ProviderTerminated, Detail: fmt.Sprintf("pid %d exited", pid)}, nil
	default:
		detail := fmt.Sprintf("emulator process %d exited unexpectedly, see %s", pid, filepath.Join(dir, serialLogName))
		return interfaces.ProviderStatus{State: interfaces.ProviderFailed, Detail: detail},
			interfaces.ProcessFault("poll", errors.New(detail))
	}
}

func (a *Adapter) FetchEvidence(ctx context.Context, h *interfaces.ProviderHandle, nonce []byte) (*interfaces.AttestationEvidence, error) {
	dir := a.dir(h)
	pid, err := readPID(dir)
	if err != nil {
		return nil, interfaces.ProcessFault("fetch-evidence", err)
	}
	if pid == 0 {
		return nil, fmt.Errorf("%w: guest not started", interfaces.ErrEvidenceNotReady)
	}
	if !alive(pid) {
		return nil, interfaces.ProcessFault("fetch-evidence", fmt.Errorf("emulator process %d exited", pid))
	}

	if h.CVM {
		cid, err := strconv.ParseUint(h.Extra["cid"], 10, 32)
		if err != nil {
			return nil, interfaces.ProcessFault("fetch-evidence", fmt.Errorf("handle has no guest cid: %w", err))
		}
		return a.fetchVsock(ctx, uint32(cid), a.cfg.AgentPort, interfaces.InstanceID(h.ResourceID), nonce)
	}
	return a.unattestedEvidence(h, nonce)
}

// unattestedEvidence signs a claim set with a key that exists only for the
// lifetime of this process. No trust policy can hold its root.
func (a *Adapter) unattestedEvidence(h *interfaces.ProviderHandle, nonce []byte) (*interfaces.AttestationEvidence, error) {
	key, err := a.emulationKey()
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256([]byte("unattested:" + h.Extra["image"]))
	ev, err := attestation.NewSignedEvidence(attestation.Claims{
		Format:      interfaces.FormatUnattested,
		InstanceID:  interfaces.InstanceID(h.ResourceID),
		IssuedAt:    a.now(),
		Measurement: hex.EncodeToString(digest[:]),
		Nonce:       hex.EncodeToString(nonce),
	}, interfaces.ProviderLocal, key.key, key.chain)
	if err != nil {
		return nil, err
	}
	ev.CollectedAt = a.now().UTC()
	return ev, nil
}

func (a *Adapter) emulationKey() (*emulationKey, error) {
	a.emulationMu.Lock()
	defer a.emulationMu.Unlock()
	if a.emulation != nil {
		return a.emulation, nil
	}
	ca, err := cryptoutils.NewCertificateAuthority("cvmctl local emulation", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	leaf, key, err := ca.Issue("cvmctl unattested guest", 24*time.Hour)
	if err != nil {
		return nil, err
	}
	a.emulation = &emulationKey{key: key, chain: [][]byte{leaf.Raw, ca.Cert.Raw}}
	return a.emulation, nil
}

// Destroy stops the guest: SIGTERM, then SIGKILL after the grace period. A
// process that survives SIGKILL is logged and left alone.
func (a *Adapter) Destroy(ctx context.Context, h *interfaces.ProviderHandle) error {
	dir := a.dir(h)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := markDestroyed(dir); err != nil {
		return interfaces.ProcessFault("destroy", err)
	}

	pid, err := readPID(dir)
	if err != nil {
		a.log.Warn("Unreadable pid file, nothing to stop", slog.String("dir", dir), "err", err)
		return nil
	}
	if pid == 0 || !alive(pid) {
		_ = os.Remove(filepath.Join(dir, pidFileName))
		return nil
	}
	if !a.owns(pid, dir) {
		a.log.Warn("Pid file points to a foreign process, not signalling it", slog.Int("pid", pid))
		_ = os.Remove(filepath.Join(dir, pidFileName))
		return nil
	}

	log := a.log.With(slog.String("instance", h.ResourceID), slog.Int("pid", pid))
	if abandonedPID(dir) == pid {
		log.Warn("Guest process was already abandoned, not signalling it again")
		return nil
	}
	if err := a.kill(pid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		log.Warn("Failed to send SIGTERM", "err", err)
	}
	if !a.waitExit(ctx, pid, a.cfg.GracePeriod) {
		log.Warn("Guest ignored SIGTERM, sending SIGKILL", slog.Duration("grace", a.cfg.GracePeriod))
		if err := a.kill(pid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
			log.Warn("Failed to send SIGKILL", "err", err)
		}
		if !a.waitExit(ctx, pid, a.killWait) {
			log.Error("Guest process refuses to exit, abandoning it")
			if err := markAbandoned(dir, pid); err != nil {
				log.Warn("Failed to record abandoned guest", "err", err)
			}
			return nil
		}
	}

	_ = os.Remove(filepath.Join(dir, pidFileName))
	log.Info("Stopped local guest")
	return nil
}

func (a *Adapter) waitExit(ctx context.Context, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(a.pollEvery)
	defer tick.Stop()
	for {
		if !alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !alive(pid)
		case <-deadline.C:
			return !alive(pid)
		case <-tick.C:
		}
	}
}
