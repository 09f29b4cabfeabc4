// mount-flatpak constructs a Flatpak installation containing a single
// application and its runtime, built from bind mounts and sealed
// read-only, so the installation can be passed through to a VM without
// exposing other installed applications. The view is attached at
// ./flatpak and the app identity is written under ./params for the VM
// launcher.
package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/spectrum-virt/hosttools/internal/flatpak"
	appversion "github.com/spectrum-virt/hosttools/internal/version"
)

const (
	// targetDir is where the assembled view is attached.
	targetDir = "flatpak"

	// paramsDir receives the id/commit/arch/branch/runtime-commit
	// files the VM launcher consumes.
	paramsDir = "params"
)

var repoConfig string

var rootCmd = &cobra.Command{
	Use:   "mount-flatpak userdata installation app",
	Short: "Build an isolated single-app Flatpak view",
	Args:  cobra.ExactArgs(3),
	RunE: func(_ *cobra.Command, args []string) error {
		source := filepath.Join(args[0], args[1])
		cfg := repoConfig
		if cfg == "" {
			cfg = filepath.Join(source, "repo", "config")
		}
		params, err := flatpak.BuildView(source, targetDir, cfg, args[2])
		if err != nil {
			return err
		}
		return params.Write(paramsDir)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.Flags().StringVar(&repoConfig, "repo-config", "",
		"ostree repo config to expose in the view (default: the source installation's)")
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print mount-flatpak build information",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Println(appversion.Full("mount-flatpak"))
		},
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
