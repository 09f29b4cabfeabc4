package vmm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// DefaultRunDir is where the service manager registers VMs: one
// directory per VM under by-id, and alias symlinks under by-name.
const DefaultRunDir = "/run/vm"

// VM is one registered VM and its resolved aliases. List leaves
// Running nil.
type VM struct {
	ID      string
	Names   []string
	Running *bool
}

// List enumerates the VMs registered under runDir, resolving by-name
// aliases back to their VM ids. VM state is not queried here; lsvm
// queries each VM separately with Running, so one unreachable VMM does
// not fail the listing.
func List(runDir string) ([]VM, error) {
	byID := filepath.Join(runDir, "by-id")
	byName := filepath.Join(runDir, "by-name")

	entries, err := os.ReadDir(byID)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", byID, err)
	}

	names := make(map[string][]string)
	for _, e := range entries {
		if e.IsDir() && e.Name() != "by-name" {
			names[e.Name()] = nil
		}
	}

	aliases, err := os.ReadDir(byName)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", byName, err)
	}
	for _, e := range aliases {
		link := filepath.Join(byName, e.Name())
		target, err := os.Readlink(link)
		if err != nil {
			return nil, fmt.Errorf("readlink %s: %w", link, err)
		}
		id := filepath.Base(target)
		if _, ok := names[id]; !ok {
			return nil, fmt.Errorf("%s links to non-existent VM %q", link, id)
		}
		names[id] = append(names[id], e.Name())
	}

	vms := make([]VM, 0, len(names))
	for id, aliases := range names {
		sort.Strings(aliases)
		vms = append(vms, VM{ID: id, Names: aliases})
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].ID < vms[j].ID })
	return vms, nil
}
