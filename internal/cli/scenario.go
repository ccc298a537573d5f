package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rxlog/internal/harness"
)

// ScenarioSuiteResult is the harness suite summary rendered for the CLI.
type ScenarioSuiteResult struct {
	*harness.SuiteResult
}

func (r ScenarioSuiteResult) String() string {
	var b strings.Builder
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "FAIL %s\n", filepath.Base(f.Path))
		for _, e := range f.Errors {
			fmt.Fprintf(&b, "  %s\n", e)
		}
	}
	fmt.Fprintf(&b, "%d passed, %d failed, %d total", r.Passed, r.Failed, r.Total)
	return b.String()
}

// NewScenarioCommand creates the scenario command.
func NewScenarioCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "scenario <file|dir>",
		Short: "Run log scenarios against an in-memory store",
		Long: `Run YAML scenarios that drive the log through appends, snapshots,
lose-reference, reclaim, restarts and injected commit failures, then check
the invariants and the expected replay report.

A directory runs every *.yaml and *.yml file directly inside it.

Exit codes:
  0 - All scenarios passed
  1 - One or more scenarios failed
  2 - Command error (no scenario files, unreadable path)

Examples:
  rxlog scenario ./scenarios
  rxlog scenario ./scenarios/reclaim_gating.yaml --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScenarios(cmd.Context(), rootOpts, args[0], cmd)
		},
	}
}

func runScenarios(ctx context.Context, opts *RootOptions, path string, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err).withKind(CodeConfig)
	}
	logger := newLogger(cfg.Log, cmd.ErrOrStderr())
	out := &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}

	files, err := harness.ScenarioFiles(path)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}
	out.VerboseLog("running %d scenario file(s)", len(files))

	suite, err := harness.RunFiles(ctx, files, harness.WithLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "scenario run interrupted", err)
	}
	result := ScenarioSuiteResult{SuiteResult: suite}
	if suite.Failed > 0 {
		return failWith(out, result,
			NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", suite.Failed, suite.Total)).withKind(CodeScenario))
	}
	return out.Success(result)
}
