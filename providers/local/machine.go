package local

import (
	"fmt"
	"hash/crc32"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/ruteri/cvmctl/interfaces"
)

// MachineShape is the size of a local guest.
type MachineShape struct {
	CPUs      int
	MemoryMiB int
}

var namedShapes = map[string]MachineShape{
	"small":  {CPUs: 1, MemoryMiB: 1024},
	"medium": {CPUs: 2, MemoryMiB: 4096},
	"large":  {CPUs: 4, MemoryMiB: 8192},
}

// ParseMachineType accepts small, medium, large or "<cpus>x<MiB>". An empty
// string selects small.
func ParseMachineType(s string) (MachineShape, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return namedShapes["small"], nil
	}
	if shape, ok := namedShapes[s]; ok {
		return shape, nil
	}

	cpus, mem, ok := strings.Cut(s, "x")
	if !ok {
		return MachineShape{}, fmt.Errorf("unknown machine type %q", s)
	}
	c, err := strconv.Atoi(cpus)
	if err != nil || c < 1 || c > 256 {
		return MachineShape{}, fmt.Errorf("invalid cpu count in machine type %q", s)
	}
	m, err := strconv.Atoi(mem)
	if err != nil || m < 128 {
		return MachineShape{}, fmt.Errorf("invalid memory size in machine type %q", s)
	}
	return MachineShape{CPUs: c, MemoryMiB: m}, nil
}

// GuestCID derives a stable vsock context id for an instance. Values 0-2 are
// reserved.
func GuestCID(id interfaces.InstanceID) uint32 {
	return 3 + crc32.ChecksumIEEE([]byte(id))%(1<<24)
}

// qemuBinary returns the system emulator name for arch.
func qemuBinary(arch string) string {
	if arch == "arm64" {
		return "qemu-system-aarch64"
	}
	return "qemu-system-x86_64"
}

// launchPlan is everything needed to start one guest.
type launchPlan struct {
	Shape    MachineShape
	Image    string
	Dir      string
	CID      uint32
	KVM      bool
	CVM      bool
	CVMType  interfaces.CVMType
	Firmware string
	Arch     string
}

func (p *launchPlan) pidFile() string   { return filepath.Join(p.Dir, pidFileName) }
func (p *launchPlan) serialLog() string { return filepath.Join(p.Dir, serialLogName) }

func imageFormat(image string) string {
	switch strings.ToLower(filepath.Ext(image)) {
	case ".qcow2", ".qcow":
		return "qcow2"
	default:
		return "raw"
	}
}

// qemuArgs builds the emulator command line. The guest daemonizes and the
// base image is never written.
func qemuArgs(p *launchPlan) []string {
	if p.Arch == "" {
		p.Arch = runtime.GOARCH
	}
	short := filepath.Base(p.Dir)
	if len(short) > 8 {
		short = short[:8]
	}

	machine := "q35"
	if p.Arch == "arm64" {
		machine = "virt"
	}
	var objects []string
	if p.CVM {
		switch p.CVMType {
		case interfaces.CVMTypeTDX:
			machine += ",kernel-irqchip=split,confidential-guest-support=tdx0,memory-backend=ram1"
			objects = append(objects, "-object", "tdx-guest,id=tdx0")
		default:
			machine += ",confidential-guest-support=sev0,memory-backend=ram1"
			objects = append(objects, "-object", "sev-snp-guest,id=sev0,cbitpos=51,reduced-phys-bits=1")
		}
		objects = append(objects, "-object", fmt.Sprintf("memory-backend-memfd,id=ram1,size=%dM,share=true,prealloc=false", p.Shape.MemoryMiB))
	}

	args := []string{
		"-name", fmt.Sprintf("cvmctl-%s,process=cvmctl-%s", short, short),
		"-machine", machine,
	}
	if p.KVM {
		args = append(args, "-accel", "kvm", "-cpu", cpuModel(p))
	} else {
		args = append(args, "-accel", "tcg", "-cpu", "max")
	}
	args = append(args,
		"-smp", strconv.Itoa(p.Shape.CPUs),
		"-m", fmt.Sprintf("%dM", p.Shape.MemoryMiB),
	)
	args = append(args, objects...)
	if p.Firmware != "" {
		args = append(args, "-bios", p.Firmware)
	}
	args = append(args,
		"-drive", fmt.Sprintf("file=%s,if=virtio,format=%s,snapshot=on", p.Image, imageFormat(p.Image)),
		"-nic", "user,model=virtio-net-pci",
	)
	if p.CVM {
		args = append(args, "-device", fmt.Sprintf("vhost-vsock-pci,guest-cid=%d", p.CID))
	}
	args = append(args,
		"-display", "none",
		"-serial", "file:"+p.serialLog(),
		"-pidfile", p.pidFile(),
		"-daemonize",
	)
	return args
}

func cpuModel(p *launchPlan) string {
	if p.CVM && p.CVMType != interfaces.CVMTypeTDX {
		return "EPYC-v4"
	}
	return "host"
}
