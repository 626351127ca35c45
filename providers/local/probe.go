package local

import (
	"os"
	"strings"

	"github.com/ruteri/cvmctl/interfaces"
)

// Probe lists the host paths inspected to detect virtualization support.
type Probe struct {
	KVMDevice   string
	SEVDevice   string
	SEVSNPParam string
	TDXParam    string
}

// DefaultProbe returns the standard Linux locations.
func DefaultProbe() Probe {
	return Probe{
		KVMDevice:   "/dev/kvm",
		SEVDevice:   "/dev/sev",
		SEVSNPParam: "/sys/module/kvm_amd/parameters/sev_snp",
		TDXParam:    "/sys/module/kvm_intel/parameters/tdx",
	}
}

// Capabilities is what the host can run.
type Capabilities struct {
	KVM    bool `json:"kvm"`
	SEVSNP bool `json:"sev_snp"`
	TDX    bool `json:"tdx"`
}

// Supports reports whether the host can launch a confidential guest of type t.
func (c Capabilities) Supports(t interfaces.CVMType) bool {
	if !c.KVM {
		return false
	}
	switch t {
	case interfaces.CVMTypeTDX:
		return c.TDX
	default:
		return c.SEVSNP
	}
}

// Detect inspects the host.
func (p Probe) Detect() Capabilities {
	kvm := exists(p.KVMDevice)
	return Capabilities{
		KVM:    kvm,
		SEVSNP: kvm && exists(p.SEVDevice) && paramEnabled(p.SEVSNPParam),
		TDX:    kvm && paramEnabled(p.TDXParam),
	}
}

func exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

func paramEnabled(path string) bool {
	if path == "" {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	v := strings.TrimSpace(string(data))
	return v == "Y" || v == "y" || v == "1"
}
