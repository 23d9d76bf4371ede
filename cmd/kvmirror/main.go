// Package main provides the kvmirror command.
//
// Usage:
//
//	kvmirror <command> [flags]
//
// Commands:
//
//	run         Load settings and keep them in sync with the remote store
//	list        Load settings once and print them
//	set         Store a setting in an fs source
//	delete      Remove a setting from an fs source
//	version     Show version information
package main

import (
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// rootOptions holds flags shared by every command.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "kvmirror",
		Short: "Mirror a remote key-value store into memory",
		Long: `kvmirror loads settings from a remote key-value store, then polls
watched keys and prefixes and applies every change it detects.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate(`{{printf "kvmirror version %s\n" .Version}}`)
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "kvmirror.toml", "configuration file (.toml, .yaml or .yml)")

	root.AddCommand(
		newRunCmd(opts),
		newListCmd(opts),
		newSetCmd(opts),
		newDeleteCmd(opts),
		newVersionCmd(),
	)
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
