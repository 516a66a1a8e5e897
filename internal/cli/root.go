package cli

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerflow/internal/config"
	"github.com/roach88/ledgerflow/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose    bool
	Format     string // "json" | "text"
	ConfigFile string
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the ledgerflow CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "ledgerflow",
		Short: "ledgerflow - checkpointed ledger flows",
		Long: `Run multi-party ledger flows on checkpointed nodes.

Scenarios start an in-process cluster, run cash and deal flows across it
and compare the outcome against assertions and golden traces.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Validate format flag
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	// Global flags
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "config file (default ./"+config.DefaultFileName+")")

	// Add subcommands
	cmd.AddCommand(NewInitCommand(opts))
	cmd.AddCommand(NewScenarioCommand(opts))
	cmd.AddCommand(NewCheckpointsCommand(opts))
	cmd.AddCommand(NewStabilityCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	return slices.Contains(ValidFormats, format)
}

// loadConfig reads the config file named by --config, or the default file
// when present, with LEDGERFLOW_* overrides applied.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.NewLoader().WithConfigFile(o.ConfigFile).Load()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err).WithReason(CodeConfig)
	}
	return cfg, nil
}

// logger builds the node logger. --verbose forces debug level.
func (o *RootOptions) logger(cfg *config.Config, cmd *cobra.Command) *slog.Logger {
	lc := logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	}
	if o.Verbose {
		lc.Level = "debug"
	}
	return logging.New(lc)
}
