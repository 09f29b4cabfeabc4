package vmm

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// chRemote is the cloud-hypervisor control CLI. It speaks to the VMM's
// API socket, created as <vm-dir>/vmm.
const chRemote = "ch-remote"

// ErrChRemoteFailed indicates a ch-remote invocation exited non-zero.
var ErrChRemoteFailed = errors.New("ch-remote failed")

// command prepares a ch-remote invocation against the VM's API socket.
func command(vmDir, sub string, args ...string) *exec.Cmd {
	cmd := exec.Command(chRemote,
		append([]string{"--api-socket", filepath.Join(vmDir, "vmm"), sub}, args...)...)
	cmd.Stdin = nil
	return cmd
}

// Create submits the VM configuration to the VMM. The config is piped
// to ch-remote's stdin as JSON.
func Create(vmDir string, cfg *VmConfig) error {
	cmd := command(vmDir, "create", "--", "-")
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("preparing ch-remote stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start ch-remote: %w", err)
	}

	encErr := json.NewEncoder(stdin).Encode(cfg)
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("%w: %w", ErrChRemoteFailed, err)
	}
	if encErr != nil {
		return fmt.Errorf("writing to ch-remote's stdin: %w", encErr)
	}
	return nil
}

// vmInfo is the part of `ch-remote info` output the tools consume.
type vmInfo struct {
	State string `json:"state"`
}

// Running queries the VMM for the VM with the given id under runDir
// and reports whether it has been booted. A VM that exists but has
// only been created reports false.
func Running(runDir, id string) (bool, error) {
	vmDir := filepath.Join(runDir, "by-id", id)
	cmd := command(vmDir, "info")
	cmd.Stderr = os.Stderr
	out, err := cmd.Output()
	if err != nil {
		return false, fmt.Errorf("running ch-remote: %w", err)
	}

	var info vmInfo
	if err := json.Unmarshal(out, &info); err != nil {
		return false, fmt.Errorf("parsing ch-remote output: %w", err)
	}
	return info.State != "Created", nil
}
