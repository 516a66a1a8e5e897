package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerflow/internal/config"
)

// InitOptions holds flags for the init command.
type InitOptions struct {
	*RootOptions
	Party string
	Force bool
}

// InitResult describes the written config file.
type InitResult struct {
	Path  string `json:"path"`
	Party string `json:"party"`
}

// NewInitCommand creates the init command.
func NewInitCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InitOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a default node config",
		Long: `Write a node configuration file with default values.

The file is written atomically. An existing file is only replaced
with --force.

Examples:
  ledgerflow init
  ledgerflow init --party bank ./bank.yaml
  ledgerflow init --force --format json`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.DefaultFileName
			if len(args) == 1 {
				path = args[0]
			}
			return opts.report(cmd, runInit(opts, path, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.Party, "party", "", "party name of the node (default from built-in defaults)")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "overwrite an existing file")

	return cmd
}

func runInit(opts *InitOptions, path string, cmd *cobra.Command) error {
	if _, err := os.Stat(path); err == nil && !opts.Force {
		return NewExitError(ExitCommandError, fmt.Sprintf("config file already exists: %s (use --force to overwrite)", path)).WithReason(CodeConfig)
	}

	cfg := config.Default()
	if opts.Party != "" {
		cfg.Node.Party = opts.Party
	}
	if err := config.Validate(&cfg); err != nil {
		return WrapExitError(ExitCommandError, "invalid config", err).WithReason(CodeConfig)
	}
	if err := config.WriteFile(path, cfg); err != nil {
		return WrapExitError(ExitCommandError, "failed to write config", err).WithReason(CodeConfig)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		return out.Success(InitResult{Path: path, Party: cfg.Node.Party})
	}
	return out.Success(fmt.Sprintf("Wrote %s for party %s", path, cfg.Node.Party))
}
