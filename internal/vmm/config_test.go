package vmm_test

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spectrum-virt/hosttools/internal/vmm"
)

// makeVMDir lays out a minimal VM directory.
func makeVMDir(t *testing.T, name string, providers ...string) string {
	t.Helper()
	vmDir := filepath.Join(t.TempDir(), name)
	blk := filepath.Join(vmDir, "config", "blk")
	if err := os.MkdirAll(blk, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, f := range []string{"root.img", "data.img", "ignored.txt"} {
		if err := os.WriteFile(filepath.Join(blk, f), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	for _, p := range providers {
		dir := filepath.Join(vmDir, "config", "providers", "net", p)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
	}
	return vmDir
}

func TestConfig(t *testing.T) {
	t.Parallel()

	vmDir := makeVMDir(t, "texteditor", "netvm")
	cfg, err := vmm.Config(vmDir)
	if err != nil {
		t.Fatalf("Config() error: %v", err)
	}

	// Only .img files become disks, and all of them read-only.
	if len(cfg.Disks) != 2 {
		t.Fatalf("disks = %d, want 2", len(cfg.Disks))
	}
	for _, d := range cfg.Disks {
		if !d.Readonly {
			t.Errorf("disk %q is writable", d.Path)
		}
		if filepath.Ext(d.Path) != ".img" {
			t.Errorf("non-image disk %q", d.Path)
		}
	}

	if !cfg.Memory.Shared {
		t.Error("memory not shared; vhost-user backends cannot map it")
	}

	if len(cfg.Net) != 1 {
		t.Fatalf("net devices = %d, want 1", len(cfg.Net))
	}
	net := cfg.Net[0]
	if !net.VhostUser {
		t.Error("net device is not vhost-user")
	}
	if want := "/run/vm/by-name/netvm/router-app.sock"; net.VhostSocket != want {
		t.Errorf("vhost socket = %q, want %q", net.VhostSocket, want)
	}
	if net.Mac != vmm.ClientMac("texteditor") {
		t.Error("net device MAC is not the VM's derived MAC")
	}

	if !strings.HasSuffix(cfg.Vsock.Socket, "/vsock") {
		t.Errorf("vsock socket = %q", cfg.Vsock.Socket)
	}
	if !cfg.LandlockEnable {
		t.Error("landlock not enabled")
	}
}

func TestConfigNoProviders(t *testing.T) {
	t.Parallel()

	vmDir := makeVMDir(t, "offline")
	cfg, err := vmm.Config(vmDir)
	if err != nil {
		t.Fatalf("Config() error: %v", err)
	}
	if len(cfg.Net) != 0 {
		t.Errorf("net devices = %d, want 0 without providers", len(cfg.Net))
	}
}

func TestConfigRejectsColonName(t *testing.T) {
	t.Parallel()

	vmDir := makeVMDir(t, "bad:name")
	if _, err := vmm.Config(vmDir); !errors.Is(err, vmm.ErrNameColon) {
		t.Errorf("Config() error = %v, want %v", err, vmm.ErrNameColon)
	}
}

func TestConfigRejectsCommaProvider(t *testing.T) {
	t.Parallel()

	vmDir := makeVMDir(t, "vm", "net,vm")
	if _, err := vmm.Config(vmDir); !errors.Is(err, vmm.ErrPathComma) {
		t.Errorf("Config() error = %v, want %v", err, vmm.ErrPathComma)
	}
}

func TestClientMac(t *testing.T) {
	t.Parallel()

	mac := vmm.ClientMac("texteditor")
	if mac[0] != 0x02 || mac[1] != 0x00 {
		t.Errorf("mac prefix = %02x:%02x, want 02:00", mac[0], mac[1])
	}
	if mac != vmm.ClientMac("texteditor") {
		t.Error("ClientMac is not deterministic")
	}
	if mac == vmm.ClientMac("othervm") {
		t.Error("distinct VM names collided")
	}
}

func TestMacAddrString(t *testing.T) {
	t.Parallel()

	mac := vmm.MacAddr{0xfe, 0xdc, 0xba, 0x98, 0x76, 0x54}
	if got, want := mac.String(), "FE:DC:BA:98:76:54"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
	if got, want := (vmm.MacAddr{}).String(), "00:00:00:00:00:00"; got != want {
		t.Errorf("String() = %q, want %q", got, want)
	}
}

// TestConfigJSONShape pins the field names the cloud-hypervisor API
// expects.
func TestConfigJSONShape(t *testing.T) {
	t.Parallel()

	vmDir := makeVMDir(t, "jsonvm", "netvm")
	cfg, err := vmm.Config(vmDir)
	if err != nil {
		t.Fatalf("Config() error: %v", err)
	}

	b, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	s := string(b)

	for _, key := range []string{
		`"console"`, `"disks"`, `"fs"`, `"gpu"`, `"memory"`, `"net"`,
		`"payload"`, `"serial"`, `"vsock"`, `"landlock_enable"`,
		`"landlock_rules"`, `"vhost_user":true`, `"vhost_socket"`,
		`"readonly":true`, `"shared":true`,
	} {
		if !strings.Contains(s, key) {
			t.Errorf("marshaled config missing %s", key)
		}
	}

	// The console has no file: the field must serialize as null, the
	// way the VMM expects optional strings.
	if !strings.Contains(s, `"console":{"mode":"Pty","file":null}`) {
		t.Errorf("console JSON shape unexpected: %s", s)
	}
	// The MAC serializes as colon-separated hex.
	if !strings.Contains(s, `"mac":"`+vmm.ClientMac("jsonvm").String()+`"`) {
		t.Error("mac did not serialize as text")
	}
}

func TestList(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	for _, id := range []string{"vm1", "vm2"} {
		if err := os.MkdirAll(filepath.Join(runDir, "by-id", id), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.MkdirAll(filepath.Join(runDir, "by-name"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(runDir, "by-id", "vm1"),
		filepath.Join(runDir, "by-name", "editor")); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(runDir, "by-id", "vm1"),
		filepath.Join(runDir, "by-name", "browser")); err != nil {
		t.Fatal(err)
	}

	vms, err := vmm.List(runDir)
	if err != nil {
		t.Fatalf("List() error: %v", err)
	}
	if len(vms) != 2 {
		t.Fatalf("vms = %d, want 2", len(vms))
	}
	if vms[0].ID != "vm1" || vms[1].ID != "vm2" {
		t.Errorf("ids = %s, %s", vms[0].ID, vms[1].ID)
	}
	if len(vms[0].Names) != 2 || vms[0].Names[0] != "browser" || vms[0].Names[1] != "editor" {
		t.Errorf("vm1 names = %v", vms[0].Names)
	}
	if len(vms[1].Names) != 0 {
		t.Errorf("vm2 names = %v, want none", vms[1].Names)
	}
}

func TestListDanglingAlias(t *testing.T) {
	t.Parallel()

	runDir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(runDir, "by-id"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(runDir, "by-name"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.Symlink(filepath.Join(runDir, "by-id", "ghost"),
		filepath.Join(runDir, "by-name", "phantom")); err != nil {
		t.Fatal(err)
	}

	if _, err := vmm.List(runDir); err == nil {
		t.Error("List() accepted an alias to a non-existent VM")
	}
}
