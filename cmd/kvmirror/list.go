package main

import (
	"fmt"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/yacchi/kvmirror"
	"github.com/yacchi/kvmirror/internal/config"
	"github.com/yacchi/kvmirror/internal/logging"
)

func newListCmd(opts *rootOptions) *cobra.Command {
	var showTags bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "Load the selected settings once and print them as a table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer logger.Sync()

			src, err := newSource(cfg, filepath.Dir(opts.configPath))
			if err != nil {
				return err
			}
			store := kvmirror.New(src,
				kvmirror.WithSelectors(cfg.Selectors()...),
				kvmirror.WithLogger(logger),
				kvmirror.WithRetryPolicy(cfg.RetryPolicy()),
			)
			if err := store.Load(cmd.Context()); err != nil {
				return err
			}
			renderSettings(cmd, store.Settings(), showTags)
			return nil
		},
	}
	cmd.Flags().BoolVar(&showTags, "tags", false, "include version tags")
	return cmd
}

func renderSettings(cmd *cobra.Command, settings kvmirror.Settings, showTags bool) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleLight)

	header := table.Row{"KEY", "LABEL", "VALUE"}
	if showTags {
		header = append(header, "VERSION")
	}
	t.AppendHeader(header)

	for key, kv := range settings.All() {
		row := table.Row{key, kv.Label.String(), kv.StringValue()}
		if showTags {
			row = append(row, kv.VersionTag)
		}
		t.AppendRow(row)
	}
	t.AppendFooter(table.Row{"", "", fmt.Sprintf("%d settings", settings.Len())})
	t.Render()
}
