package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/roach88/ledgerflow/internal/node"
	"github.com/roach88/ledgerflow/internal/store"
)

// CheckpointsOptions holds flags for the checkpoints command.
type CheckpointsOptions struct {
	*RootOptions
	Database string
}

// CheckpointEntry summarises one suspended flow.
type CheckpointEntry struct {
	FlowID        string `json:"flow_id"`
	AwaitingTopic string `json:"awaiting_topic,omitempty"`
	Bytes         int    `json:"bytes"`
}

// MessageEntry summarises one buffered session message.
type MessageEntry struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Kind      string `json:"kind"`
	Topic     string `json:"topic,omitempty"`
}

// CheckpointsResult holds the contents of a checkpoint database.
type CheckpointsResult struct {
	Database    string            `json:"database"`
	Checkpoints []CheckpointEntry `json:"checkpoints"`
	Messages    []MessageEntry    `json:"messages"`
}

// NewCheckpointsCommand creates the checkpoints command.
func NewCheckpointsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CheckpointsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "List suspended flows and buffered messages",
		Long: `List the flows checkpointed in a node's database and the session
messages buffered for them.

A node that stopped cleanly with no flows in progress has neither.
Without --db the database inside the configured data directory is read.

Examples:
  ledgerflow checkpoints --db ./.ledgerflow/checkpoints.db
  ledgerflow checkpoints --config ./bank.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.report(cmd, runCheckpoints(opts, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite database")

	return cmd
}

func runCheckpoints(opts *CheckpointsOptions, cmd *cobra.Command) error {
	path := opts.Database
	if path == "" {
		cfg, err := opts.loadConfig()
		if err != nil {
			return err
		}
		if cfg.Node.DataDir == "" {
			return NewExitError(ExitCommandError, "no --db given and node.data_dir is empty").WithReason(CodeConfig)
		}
		path = filepath.Join(cfg.Node.DataDir, node.CheckpointFile)
	}
	if _, err := os.Stat(path); err != nil {
		return WrapExitError(ExitCommandError, "database not found", err).WithReason(CodeDatabase)
	}

	st, err := store.Open(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open database", err).WithReason(CodeDatabase)
	}
	defer st.Close()

	result, err := listCheckpoints(cmd.Context(), st, path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read database", err).WithReason(CodeDatabase)
	}

	if opts.Format == "json" {
		out := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
		return out.Success(result)
	}
	outputCheckpointsText(cmd, result, opts.Verbose)
	return nil
}

func listCheckpoints(ctx context.Context, st *store.Store, path string) (CheckpointsResult, error) {
	result := CheckpointsResult{
		Database:    path,
		Checkpoints: []CheckpointEntry{},
		Messages:    []MessageEntry{},
	}

	cps, err := st.ListCheckpoints(ctx)
	if err != nil {
		return result, err
	}
	for _, cp := range cps {
		result.Checkpoints = append(result.Checkpoints, CheckpointEntry{
			FlowID:        cp.FlowID,
			AwaitingTopic: cp.AwaitingTopic,
			Bytes:         len(cp.Continuation),
		})
	}

	msgs, err := st.BufferedMessages(ctx)
	if err != nil {
		return result, err
	}
	for _, m := range msgs {
		result.Messages = append(result.Messages, MessageEntry{
			ID:        m.ID,
			SessionID: m.SessionID,
			From:      string(m.From),
			To:        string(m.To),
			Kind:      string(m.Kind),
			Topic:     m.Topic,
		})
	}
	return result, nil
}

func outputCheckpointsText(cmd *cobra.Command, result CheckpointsResult, verbose bool) {
	w := cmd.OutOrStdout()

	fmt.Fprintf(w, "Checkpoints (%d):\n", len(result.Checkpoints))
	for _, cp := range result.Checkpoints {
		if cp.AwaitingTopic != "" {
			fmt.Fprintf(w, "  %s  awaiting %q", cp.FlowID, cp.AwaitingTopic)
		} else {
			fmt.Fprintf(w, "  %s  runnable", cp.FlowID)
		}
		if verbose {
			fmt.Fprintf(w, "  (%d bytes)", cp.Bytes)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Buffered messages (%d):\n", len(result.Messages))
	for _, m := range result.Messages {
		fmt.Fprintf(w, "  %s  %s -> %s  %s", m.ID, m.From, m.To, m.Kind)
		if m.Topic != "" {
			fmt.Fprintf(w, " %s", m.Topic)
		}
		fmt.Fprintln(w)
	}
}
