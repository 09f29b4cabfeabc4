// start-vmm creates a cloud-hypervisor VM from a VM directory and
// signals readiness to the supervisor once the VMM has accepted it.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	appversion "github.com/spectrum-virt/hosttools/internal/version"
	"github.com/spectrum-virt/hosttools/internal/vmm"
)

var dryRun bool

var rootCmd = &cobra.Command{
	Use:   "start-vmm vm-dir",
	Short: "Create a cloud-hypervisor VM from a VM directory",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return start(args[0])
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().BoolVar(&dryRun, "dry-run", false,
		"print the VM configuration instead of creating the VM")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print start-vmm build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("start-vmm"))
		},
	})
}

func start(vmDir string) error {
	cfg, err := vmm.Config(vmDir)
	if err != nil {
		return err
	}

	if dryRun {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	}

	if err := vmm.Create(vmDir, cfg); err != nil {
		return fmt.Errorf("creating VM: %w", err)
	}
	return vmm.NotifyReady()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
