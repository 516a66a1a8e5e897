package cli

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerflow/internal/harness"
	"github.com/roach88/ledgerflow/internal/node"
)

// StabilityOptions holds flags for the stability command.
type StabilityOptions struct {
	*RootOptions
	Parties  []string
	Rounds   int
	Amount   int64
	Currency string
}

// NewStabilityCommand creates the stability command.
func NewStabilityCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &StabilityOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "stability",
		Short: "Run concurrent cross payments",
		Long: `Issue cash to every party, then run rounds of concurrent payments in a
ring. Every party must end with what it was issued.

Exit codes:
  0 - Cash conserved and every payment completed
  1 - A payment failed or cash was not conserved
  2 - Command error

Examples:
  ledgerflow stability
  ledgerflow stability --parties alice,bob,carol,dave --rounds 50
  ledgerflow stability --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.report(cmd, runStability(opts, cmd))
		},
	}

	cmd.Flags().StringSliceVar(&opts.Parties, "parties", []string{"alice", "bob", "carol"}, "parties taking part")
	cmd.Flags().IntVar(&opts.Rounds, "rounds", 10, "number of payment rounds")
	cmd.Flags().Int64Var(&opts.Amount, "amount", 10, "amount each party pays per round")
	cmd.Flags().StringVar(&opts.Currency, "currency", "USD", "currency of the payments")

	return cmd
}

func runStability(opts *StabilityOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	runOpts := harness.Options{Network: node.NetworkOptions(cfg.Network)}
	if opts.Verbose {
		runOpts.Logger = opts.logger(cfg, cmd)
	}

	report, err := harness.RunStability(cmd.Context(), harness.StabilityConfig{
		Parties:  opts.Parties,
		Rounds:   opts.Rounds,
		Amount:   opts.Amount,
		Currency: opts.Currency,
	}, runOpts)
	if report == nil {
		return WrapExitError(ExitCommandError, "stability run failed", err).WithReason(CodeStability)
	}

	out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	if opts.Format == "json" {
		if err := out.Success(report); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Payments: %d (%d failed)\n", report.Payments, report.Failures)
		fmt.Fprintf(w, "Issued:   %d %s\n", report.Issued, opts.Currency)
		parties := make([]string, 0, len(report.Balances))
		for p := range report.Balances {
			parties = append(parties, p)
		}
		slices.Sort(parties)
		balances := make([]string, 0, len(parties))
		for _, p := range parties {
			balances = append(balances, fmt.Sprintf("%s=%d", p, report.Balances[p]))
		}
		fmt.Fprintf(w, "Balances: %s\n", strings.Join(balances, " "))
	}

	switch {
	case err != nil:
		return WrapExitError(ExitFailure, "stability run failed", err).WithReason(CodeStability)
	case report.Failures > 0:
		return NewExitError(ExitFailure, fmt.Sprintf("%d payment(s) failed", report.Failures)).WithReason(CodeStability)
	}
	return nil
}
