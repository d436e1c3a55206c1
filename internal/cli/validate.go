package cli

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/relay/internal/features/board"
	"github.com/roach88/relay/internal/registry"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid        bool              `json:"valid"`
	Config       string            `json:"config,omitempty"`
	Instructions []InstructionInfo `json:"instructions,omitempty"`
	Errors       []string          `json:"errors,omitempty"`
}

// InstructionInfo describes one registered instruction type after config
// overrides.
type InstructionInfo struct {
	Type      string   `json:"type"`
	Strategy  string   `json:"strategy"`
	Expect    string   `json:"expect"`
	KeySpaces []string `json:"key_spaces"`
	Priority  int      `json:"priority"`
	Timeout   string   `json:"timeout"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration against the instruction registry",
		Long: `Load the --config file (YAML or TOML), build the board instruction registry
with its overrides applied and report every problem found.

Examples:
  relay validate --config ./relay.yaml
  relay validate --config ./relay.toml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, cmd *cobra.Command) error {
	formatter := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	cfg, err := opts.loadConfig()
	if err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) && exitErr.Err != nil {
			err = exitErr.Err
		}
		result := ValidationResult{Config: opts.Config, Errors: splitJoined(err)}
		if outErr := outputValidation(formatter, result); outErr != nil {
			return outErr
		}
		return NewExitError(ExitFailure, "validation failed")
	}
	formatter.VerboseLog("config loaded: max_concurrency=%d default_timeout=%s", cfg.MaxConcurrency, cfg.DefaultTimeout)

	reg := registry.New(
		registry.WithDefaultTimeout(cfg.DefaultTimeout),
		registry.WithOverrides(cfg.Overrides()),
	)
	result := ValidationResult{Config: opts.Config}
	if err := board.Register(reg, board.New()); err != nil {
		result.Errors = append(result.Errors, err.Error())
	}

	types := reg.Types()
	for typ := range cfg.Instructions {
		if _, err := reg.Lookup(typ); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("instructions.%s: no such instruction type", typ))
		}
	}
	sort.Strings(result.Errors)

	for _, typ := range types {
		e, _ := reg.Lookup(typ)
		result.Instructions = append(result.Instructions, InstructionInfo{
			Type:      typ,
			Strategy:  string(e.Strategy),
			Expect:    string(e.Expect),
			KeySpaces: e.KeySpaces,
			Priority:  e.Priority,
			Timeout:   e.Timeout.String(),
		})
	}
	result.Valid = len(result.Errors) == 0

	if err := outputValidation(formatter, result); err != nil {
		return err
	}
	if !result.Valid {
		return NewExitError(ExitFailure, "validation failed")
	}
	return nil
}

func outputValidation(f *OutputFormatter, result ValidationResult) error {
	if f.Format == "json" {
		if result.Valid {
			return f.Success(result)
		}
		return f.Error(CodeInvalid, "validation failed", result)
	}

	w := f.Writer
	if !result.Valid {
		fmt.Fprintf(w, "✗ validation failed (%d errors)\n", len(result.Errors))
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
		return nil
	}
	fmt.Fprintf(w, "✓ configuration valid (%d instruction types)\n", len(result.Instructions))
	for _, info := range result.Instructions {
		fmt.Fprintf(w, "  %-14s %-16s expect=%-8s timeout=%-6s priority=%d keys=%s\n",
			info.Type, info.Strategy, info.Expect, info.Timeout, info.Priority, strings.Join(info.KeySpaces, ","))
	}
	return nil
}

// splitJoined flattens an errors.Join tree into one message per line.
func splitJoined(err error) []string {
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}
