// Package vmm builds cloud-hypervisor VM configurations from a VM
// directory and drives the VMM through its ch-remote control socket.
//
// A VM directory is laid out by the service manager:
//
//	<vm-dir>/
//	├── config/
//	│   ├── blk/*.img          read-only disks
//	│   ├── providers/net/*    net providers (router-app sockets)
//	│   └── vmlinux            kernel image
//	├── vmm                    ch-remote API socket (created by the VMM)
//	└── vsock                  vsock socket
package vmm

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strings"
)

// Defaults shared by every VM.
const (
	// memorySize is the guest memory size. Shared memory is required
	// for vhost-user backends to map it.
	memorySize = 1 << 30

	// vsockCID is the guest-side vsock context id.
	vsockCID = 3

	// cmdlineX86 is the kernel command line on x86_64, where the
	// serial console exists.
	cmdlineX86 = "console=ttyS0 root=PARTLABEL=root"
)

// Path errors. VM names and paths feed into ch-remote's comma-separated
// option syntax and the colon-namespaced vhost-user registry, so both
// characters are rejected outright.
var (
	ErrNameColon = errors.New("VM name may not contain a colon")
	ErrPathComma = errors.New("illegal ',' character in path")
)

// MacAddr is a six-octet MAC address rendered as colon-separated hex
// for the cloud-hypervisor API.
type MacAddr [6]byte

func (m MacAddr) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", m[0], m[1], m[2], m[3], m[4], m[5])
}

// MarshalText implements encoding.TextMarshaler for JSON encoding.
func (m MacAddr) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// ClientMac derives the deterministic MAC for a VM's network devices:
// the IEEE 802c administratively-assigned prefix 02:00 followed by 32
// bits of a hash of the VM name. The router learns whatever address it
// observes, so only determinism matters, not the hash itself.
func ClientMac(vmName string) MacAddr {
	h := fnv.New64a()
	h.Write([]byte(vmName))
	sum := h.Sum64()
	return MacAddr{
		0x02, // IEEE 802c administratively assigned
		0x00, // isolation host client
		byte(sum >> 24),
		byte(sum >> 16),
		byte(sum >> 8),
		byte(sum),
	}
}

// The structures below mirror the cloud-hypervisor VmConfig JSON.

type ConsoleConfig struct {
	Mode string  `json:"mode"`
	File *string `json:"file"`
}

type DiskConfig struct {
	Path     string `json:"path"`
	Readonly bool   `json:"readonly"`
}

type FsConfig struct {
	Socket string `json:"socket"`
	Tag    string `json:"tag"`
}

type GpuConfig struct {
	Socket string `json:"socket"`
}

type NetConfig struct {
	VhostUser   bool    `json:"vhost_user"`
	VhostSocket string  `json:"vhost_socket"`
	ID          string  `json:"id"`
	Mac         MacAddr `json:"mac"`
}

type MemoryConfig struct {
	Size   int64 `json:"size"`
	Shared bool  `json:"shared"`
}

type PayloadConfig struct {
	Kernel  string `json:"kernel"`
	Cmdline string `json:"cmdline"`
}

type VsockConfig struct {
	CID    uint32 `json:"cid"`
	Socket string `json:"socket"`
}

type LandlockConfig struct {
	Path   string `json:"path"`
	Access string `json:"access"`
}

type VmConfig struct {
	Console        ConsoleConfig    `json:"console"`
	Disks          []DiskConfig     `json:"disks"`
	Fs             [1]FsConfig      `json:"fs"`
	Gpu            []GpuConfig      `json:"gpu"`
	Memory         MemoryConfig     `json:"memory"`
	Net            []NetConfig      `json:"net"`
	Payload        PayloadConfig    `json:"payload"`
	Serial         ConsoleConfig    `json:"serial"`
	Vsock          VsockConfig      `json:"vsock"`
	LandlockEnable bool             `json:"landlock_enable"`
	LandlockRules  []LandlockConfig `json:"landlock_rules"`
}

// Config builds the VM configuration for the VM rooted at vmDir.
func Config(vmDir string) (*VmConfig, error) {
	vmName := filepath.Base(vmDir)

	// A colon is used for namespacing vhost-user backends, so while we
	// have the VM name we enforce that it doesn't contain one.
	if strings.Contains(vmName, ":") {
		return nil, fmt.Errorf("%w: %q", ErrNameColon, vmName)
	}

	configDir := filepath.Join(vmDir, "config")

	disks, err := diskConfigs(filepath.Join(configDir, "blk"))
	if err != nil {
		return nil, err
	}
	nets, err := netConfigs(filepath.Join(configDir, "providers/net"), vmName)
	if err != nil {
		return nil, err
	}

	serialLog := "/run/" + vmName + ".log"
	return &VmConfig{
		Console: ConsoleConfig{Mode: "Pty"},
		Disks:   disks,
		Fs: [1]FsConfig{{
			Tag: "virtiofs0",
			Socket: fmt.Sprintf(
				"/run/service/vm-services/instance/%s/data/service/vhost-user-fs/env/virtiofsd.sock",
				vmName),
		}},
		Gpu: []GpuConfig{{
			Socket: fmt.Sprintf(
				"/run/service/vm-services/instance/%s/data/service/vhost-user-gpu/env/crosvm.sock",
				vmName),
		}},
		Memory: MemoryConfig{Size: memorySize, Shared: true},
		Net:    nets,
		Payload: PayloadConfig{
			Kernel:  filepath.Join(configDir, "vmlinux"),
			Cmdline: cmdlineX86,
		},
		Serial: ConsoleConfig{Mode: "File", File: &serialLog},
		Vsock: VsockConfig{
			CID:    vsockCID,
			Socket: filepath.Join(vmDir, "vsock"),
		},
		LandlockEnable: true,
		LandlockRules: []LandlockConfig{
			{Path: "/sys/devices", Access: "rw"},
			{Path: "/dev/vfio", Access: "rw"},
		},
	}, nil
}

// diskConfigs lists every .img under blkDir as a read-only disk.
func diskConfigs(blkDir string) ([]DiskConfig, error) {
	entries, err := os.ReadDir(blkDir)
	if err != nil {
		return nil, fmt.Errorf("reading directory %q: %w", blkDir, err)
	}
	var disks []DiskConfig
	for _, e := range entries {
		if filepath.Ext(e.Name()) != ".img" {
			continue
		}
		path := filepath.Join(blkDir, e.Name())
		if strings.Contains(path, ",") {
			return nil, fmt.Errorf("%w: %q", ErrPathComma, path)
		}
		disks = append(disks, DiskConfig{Path: path, Readonly: true})
	}
	return disks, nil
}

// netConfigs creates one vhost-user-net device per network provider.
// A missing providers directory just means the VM has no network.
func netConfigs(providersDir, vmName string) ([]NetConfig, error) {
	entries, err := os.ReadDir(providersDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading directory %q: %w", providersDir, err)
	}

	var nets []NetConfig
	for _, e := range entries {
		provider := e.Name()
		if strings.Contains(provider, ",") {
			return nil, fmt.Errorf("%w: net provider %q", ErrPathComma, provider)
		}
		nets = append(nets, NetConfig{
			VhostUser:   true,
			VhostSocket: "/run/vm/by-name/" + provider + "/router-app.sock",
			ID:          provider,
			Mac:         ClientMac(vmName),
		})
	}
	return nets, nil
}
