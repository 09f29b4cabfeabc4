// lsvm lists the VMs registered with the service manager, their state,
// and their name aliases.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	appversion "github.com/spectrum-virt/hosttools/internal/version"
	"github.com/spectrum-virt/hosttools/internal/vmm"
)

// State column markup. Stderr diagnostics explain any UNKNOWN rows.
const (
	stateRunning = "\x1b[32;1mRUNNING\x1b[0m"
	stateStopped = "\x1b[31mSTOPPED\x1b[0m"
	stateUnknown = "\x1b[33mUNKNOWN\x1b[0m"
)

var runDir string

var rootCmd = &cobra.Command{
	Use:   "lsvm",
	Short: "List registered VMs and their state",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return list()
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&runDir, "run-dir", vmm.DefaultRunDir,
		"VM registration directory")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print lsvm build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("lsvm"))
		},
	})
}

func list() error {
	vms, err := vmm.List(runDir)
	if err != nil {
		return err
	}

	fmt.Println("ID     STATUS  NAMES")
	for _, vm := range vms {
		state := stateUnknown
		running, err := vmm.Running(runDir, vm.ID)
		switch {
		case err != nil:
			fmt.Fprintf(os.Stderr, "lsvm: getting state of %q: %v\n", vm.ID, err)
		case running:
			state = stateRunning
		default:
			state = stateStopped
		}
		fmt.Printf("%s %s %s\n", vm.ID, state, strings.Join(vm.Names, " "))
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
