package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/relay/internal/harness"
	"github.com/roach88/relay/internal/journal"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	Database string
	Filter   string // scenario name glob
	Update   bool   // rewrite golden reports
	Golden   string // directory of golden reports
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name     string            `json:"name"`
	Path     string            `json:"path"`
	Pass     bool              `json:"pass"`
	Errors   []string          `json:"errors,omitempty"`
	Outcomes []harness.Outcome `json:"outcomes,omitempty"`
	Trace    []string          `json:"trace,omitempty"`
}

// RunResult aggregates a run over several scenarios.
type RunResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <scenario-or-dir>...",
		Short: "Run pipeline scenarios",
		Long: `Run YAML scenarios through the instruction pipeline against a scripted remote.

Each argument is a scenario file or a directory searched for *.yaml / *.yml.
With --db every transition is also written to a SQLite journal that the
trace command can read. With --golden each report is compared against
<golden>/<name>.golden (or rewritten with --update).

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (invalid paths, etc.)

Examples:
  relay run ./scenarios
  relay run ./scenarios/three_reorders.yaml --db ./relay.db -v
  relay run ./scenarios --filter "serialize_*" --format json`,
		Args:          cobra.MinimumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return reportCommandError(rootOpts, cmd.OutOrStdout(), runScenarios(opts, args, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.Database, "db", "", "path to SQLite journal (optional)")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter scenarios by glob pattern")
	cmd.Flags().StringVar(&opts.Golden, "golden", "", "directory of golden reports to compare against")
	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden reports instead of comparing")

	return cmd
}

func runScenarios(opts *RunOptions, paths []string, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	logger, err := opts.logger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	var files []string
	for _, p := range paths {
		found, err := findScenarioFiles(p, opts.Filter)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to find scenarios", err)
		}
		files = append(files, found...)
	}

	runOpts := []harness.Option{harness.WithLogger(logger), harness.WithConfig(cfg)}
	db := opts.Database
	if db == "" {
		db = cfg.Journal
	}
	if db != "" {
		logger.Info("opening journal", "path", db)
		st, err := journal.Open(db)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
		runOpts = append(runOpts, harness.WithRecorder(st))
	}

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	result := RunResult{Scenarios: make([]ScenarioResult, 0, len(files)), Total: len(files)}
	for _, file := range files {
		sr := runScenarioFile(ctx, file, opts, runOpts)
		result.Scenarios = append(result.Scenarios, sr)
		if sr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
		logger.Debug("scenario finished", "name", sr.Name, "pass", sr.Pass)
	}

	if opts.Format == "json" {
		if err := json.NewEncoder(cmd.OutOrStdout()).Encode(result); err != nil {
			return err
		}
	} else {
		outputRunText(cmd, result, opts.Verbose)
	}

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenarios failed", result.Failed, result.Total))
	}
	return nil
}

func runScenarioFile(ctx context.Context, path string, opts *RunOptions, runOpts []harness.Option) ScenarioResult {
	sr := ScenarioResult{Name: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)), Path: path}

	scenario, err := harness.LoadScenario(path)
	if err != nil {
		sr.Errors = []string{err.Error()}
		return sr
	}
	sr.Name = scenario.Name

	res, err := harness.Run(ctx, scenario, runOpts...)
	if err != nil {
		sr.Errors = []string{err.Error()}
		return sr
	}
	sr.Pass = res.Pass
	sr.Errors = res.Errors
	sr.Outcomes = res.Outcomes
	if opts.Verbose {
		sr.Trace = res.Trace
	}

	if opts.Golden != "" {
		if err := compareGolden(opts, scenario.Name, harness.Report(scenario.Name, res)); err != nil {
			sr.Pass = false
			sr.Errors = append(sr.Errors, err.Error())
		}
	}
	return sr
}

func compareGolden(opts *RunOptions, name string, report []byte) error {
	path := filepath.Join(opts.Golden, name+".golden")
	if opts.Update {
		if err := os.MkdirAll(opts.Golden, 0o755); err != nil {
			return fmt.Errorf("write golden: %w", err)
		}
		return os.WriteFile(path, report, 0o644)
	}
	want, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read golden: %w", err)
	}
	if string(want) != string(report) {
		return fmt.Errorf("report differs from %s", path)
	}
	return nil
}

// findScenarioFiles returns path itself, or every YAML file below it, sorted.
func findScenarioFiles(path, filter string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(p)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(p), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}
		files = append(files, p)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func outputRunText(cmd *cobra.Command, result RunResult, verbose bool) {
	w := cmd.OutOrStdout()
	if result.Total == 0 {
		fmt.Fprintln(w, "No scenarios found.")
		return
	}
	for _, s := range result.Scenarios {
		status := "PASS"
		if !s.Pass {
			status = "FAIL"
		}
		fmt.Fprintf(w, "%s %s\n", status, s.Name)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "    %s\n", strings.ReplaceAll(strings.TrimRight(e, "\n"), "\n", "\n    "))
		}
		if verbose {
			for _, o := range s.Outcomes {
				fmt.Fprintf(w, "    %s %s %s%s\n", o.Ref, o.Type, o.Outcome, codeSuffix(o.Code))
			}
			for _, line := range s.Trace {
				fmt.Fprintf(w, "    | %s\n", line)
			}
		}
	}
	fmt.Fprintf(w, "\n%d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
}

func codeSuffix(code string) string {
	if code == "" {
		return ""
	}
	return " (" + code + ")"
}
