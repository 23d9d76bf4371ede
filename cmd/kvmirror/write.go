package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/yacchi/kvmirror/internal/config"
	"github.com/yacchi/kvmirror/types"
)

// writableSource is implemented by sources kvmirror can edit.
type writableSource interface {
	Put(ctx context.Context, key string, label types.Label, value string) error
	Delete(ctx context.Context, key string, label types.Label) error
}

// openWritable loads the configuration and returns its source when it can
// be edited. Only the fs source can; remote stores are edited with their
// own tools.
func openWritable(opts *rootOptions) (writableSource, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	src, err := newSource(cfg, filepath.Dir(opts.configPath))
	if err != nil {
		return nil, err
	}
	if cfg.Source.Type != config.SourceFS {
		return nil, fmt.Errorf("source %q is read-only, only %q can be edited", src.Type(), config.SourceFS)
	}
	w, ok := src.(writableSource)
	if !ok {
		return nil, fmt.Errorf("source %q is read-only", src.Type())
	}
	return w, nil
}

// labelFlag registers --label. A label is set only when the flag is given;
// --label "" selects the empty label.
func labelFlag(cmd *cobra.Command) func() types.Label {
	var name string
	cmd.Flags().StringVar(&name, "label", "", "label of the setting (omit for the null label)")
	return func() types.Label {
		if cmd.Flags().Changed("label") {
			return types.LabelOf(name)
		}
		return types.NullLabel
	}
}

func newSetCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Store a setting in the settings file of an fs source",
		Args:  cobra.ExactArgs(2),
	}
	label := labelFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		src, err := openWritable(opts)
		if err != nil {
			return err
		}
		return src.Put(cmd.Context(), args[0], label(), args[1])
	}
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete KEY",
		Short: "Remove a setting from the settings file of an fs source",
		Args:  cobra.ExactArgs(1),
	}
	label := labelFlag(cmd)
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		src, err := openWritable(opts)
		if err != nil {
			return err
		}
		return src.Delete(cmd.Context(), args[0], label())
	}
	return cmd
}
