package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/relay/internal/instruction"
	"github.com/roach88/relay/internal/journal"
)

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	Database      string
	CorrelationID string // optional; without it the most recent transitions are shown
	Limit         int
}

// TraceEntry is one journaled transition.
type TraceEntry struct {
	Seq           int64     `json:"seq"`
	CorrelationID string    `json:"correlation_id"`
	Type          string    `json:"type"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Detail        string    `json:"detail,omitempty"`
	At            time.Time `json:"at"`
}

// TraceResult holds the trace output.
type TraceResult struct {
	CorrelationID string       `json:"correlation_id,omitempty"`
	Timeline      []TraceEntry `json:"timeline"`
	Final         string       `json:"final,omitempty"`
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show journaled transitions",
		Long: `Show the transitions recorded in a SQLite journal.

With --correlation the full lifecycle of one instruction is printed together
with its final status; otherwise the most recent --limit transitions across
all instructions are shown.

Examples:
  relay trace --db ./relay.db --correlation 0191f7a0-...
  relay trace --db ./relay.db --limit 20 --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return reportCommandError(rootOpts, cmd.OutOrStdout(), runTrace(opts, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (required)")
	_ = cmd.MarkFlagRequired("db")
	cmd.Flags().StringVar(&opts.CorrelationID, "correlation", "", "correlation id to trace")
	cmd.Flags().IntVar(&opts.Limit, "limit", 50, "number of recent transitions without --correlation")

	return cmd
}

func runTrace(opts *TraceOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()

	st, err := journal.Open(opts.Database)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to open journal", err)
	}
	defer st.Close()

	var transitions []instruction.Transition
	if opts.CorrelationID != "" {
		transitions, err = st.ReadByCorrelation(ctx, opts.CorrelationID)
	} else {
		if opts.Limit <= 0 {
			return NewExitError(ExitCommandError, fmt.Sprintf("--limit must be positive, got %d", opts.Limit))
		}
		transitions, err = st.ReadRecent(ctx, opts.Limit)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read journal", err)
	}

	result := TraceResult{CorrelationID: opts.CorrelationID, Timeline: make([]TraceEntry, 0, len(transitions))}
	for _, t := range transitions {
		result.Timeline = append(result.Timeline, TraceEntry{
			Seq:           t.Seq,
			CorrelationID: t.CorrelationID,
			Type:          t.Type,
			From:          t.From.String(),
			To:            t.To.String(),
			Detail:        t.Detail,
			At:            t.At,
		})
	}
	if opts.CorrelationID != "" && len(transitions) > 0 {
		result.Final = transitions[len(transitions)-1].To.String()
	}

	if opts.Format == "json" {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(result)
	}
	return outputTraceText(cmd, result, transitions)
}

func outputTraceText(cmd *cobra.Command, result TraceResult, transitions []instruction.Transition) error {
	w := cmd.OutOrStdout()
	if len(transitions) == 0 {
		if result.CorrelationID != "" {
			fmt.Fprintf(w, "No transitions found for correlation: %s\n", result.CorrelationID)
		} else {
			fmt.Fprintln(w, "Journal is empty.")
		}
		return nil
	}

	for _, t := range transitions {
		fmt.Fprintf(w, "%s  %s\n", t.At.UTC().Format("15:04:05.000"), t.String())
	}
	if result.Final != "" {
		fmt.Fprintf(w, "\nFinal status: %s\n", result.Final)
	}
	return nil
}
