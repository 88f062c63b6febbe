// Package cli implements the petalmacro command line: checking and
// formatting macro files, inspecting recorded session history, and serving
// live session streams.
package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/petal-labs/petalmacro"
)

// NewRootCmd builds the command tree.
func NewRootCmd(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "petalmacro",
		Short: "Macro recording toolkit CLI",
		Long:  "petalmacro checks and formats recorded macros, inspects session history and serves live session streams.",
		// SilenceUsage prevents printing usage on every error
		SilenceUsage:      true,
		PersistentPreRunE: configureOutput,
	}

	root.PersistentFlags().BoolP("verbose", "", false, "Enable verbose/debug logging")
	root.PersistentFlags().BoolP("quiet", "", false, "Suppress all output except errors")
	root.PersistentFlags().Bool("no-color", false, "Disable colored output")
	root.PersistentFlags().String("config", "", "Path to petalmacro.yaml")

	root.Version = version
	root.SetVersionTemplate(fmt.Sprintf("petalmacro version %s\n", version))

	root.AddCommand(NewValidateCmd())
	root.AddCommand(NewFmtCmd())
	root.AddCommand(NewHistoryCmd())
	root.AddCommand(NewExportCmd())
	root.AddCommand(NewServeCmd())
	return root
}

func configureOutput(cmd *cobra.Command, _ []string) error {
	verbose, _ := cmd.Flags().GetBool("verbose")
	quiet, _ := cmd.Flags().GetBool("quiet")
	noColor, _ := cmd.Flags().GetBool("no-color")

	if noColor {
		color.NoColor = true
	}

	level := slog.LevelInfo
	switch {
	case verbose:
		level = slog.LevelDebug
	case quiet:
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	return nil
}

// resolveConfig loads the config named by --config, or the discovered one.
func resolveConfig(cmd *cobra.Command) (petalmacro.Config, error) {
	explicit, _ := cmd.Flags().GetString("config")
	cfg, path, err := petalmacro.ResolveConfig(explicit)
	if err != nil {
		return petalmacro.Config{}, exitError(exitInputParse, "loading config: %v", err)
	}
	if path != "" {
		slog.Debug("loaded config", "path", path)
	}
	return cfg, nil
}

// stdout returns the command's output writer, or io.Discard under --quiet.
func stdout(cmd *cobra.Command) io.Writer {
	if quiet, _ := cmd.Flags().GetBool("quiet"); quiet {
		return io.Discard
	}
	return cmd.OutOrStdout()
}
