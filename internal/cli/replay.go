package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rxlog/internal/engine"
	"github.com/roach88/rxlog/internal/harness"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	FailOnInvalid bool
	Recover       bool // run engine recovery instead of a raw log replay
}

// ReplayResult is the coalesced log of the active versions.
type ReplayResult struct {
	*harness.ReplayReport
	InvalidCount int `json:"invalid_count"`
}

func (r ReplayResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Replayed versions %v\n", r.Versions)
	for _, slug := range sortedKeys(r.Operations) {
		for _, name := range sortedKeys(r.Operations[slug]) {
			fmt.Fprintf(&b, "  %s/%s: %s\n", slug, name, kindField(r.Operations[slug][name]))
		}
	}
	if r.InvalidCount == 0 {
		b.WriteString("No invalid sequences.")
		return b.String()
	}
	fmt.Fprintf(&b, "%d invalid sequence(s):\n", r.InvalidCount)
	for _, slug := range sortedKeys(r.Invalid) {
		for _, name := range sortedKeys(r.Invalid[slug]) {
			kinds := make([]string, 0, len(r.Invalid[slug][name]))
			for _, v := range r.Invalid[slug][name] {
				kinds = append(kinds, kindField(v))
			}
			fmt.Fprintf(&b, "  %s/%s: %s\n", slug, name, strings.Join(kinds, " -> "))
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Coalesce the active log versions",
		Long: `Replay the active log versions, oldest first, and print the coalesced
operation per artifact together with any invalid sequences.

With --recover the engine rebuilds its registry from the checkpoint and the
versions after it, applying the configured recovery policy.

Exit codes:
  0 - Replay succeeded
  1 - Invalid sequences found and --fail-on-invalid set (or recovery failed)
  2 - Command error

Examples:
  rxlog replay --db ./rxlog.db
  rxlog replay --fail-on-invalid --format json
  rxlog replay --recover`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.FailOnInvalid, "fail-on-invalid", false, "exit 1 when invalid sequences are found")
	cmd.Flags().BoolVar(&opts.Recover, "recover", false, "run engine recovery and report what it rebuilt")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command) error {
	rt, err := openRuntime(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	if opts.Recover {
		return runRecovery(ctx, rt)
	}

	rs, err := rt.manager.ReplayLog(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "replay failed", err).withKind(CodeStore)
	}
	result := ReplayResult{ReplayReport: harness.NewReplayReport(rs), InvalidCount: rs.InvalidCount()}

	if opts.FailOnInvalid && rs.HasInvalid() {
		return failWith(rt.out, result,
			NewExitError(ExitFailure, fmt.Sprintf("%d invalid sequence(s) in the log", rs.InvalidCount())).withKind(CodeInvalidReplay))
	}
	return rt.out.Success(result)
}

// RecoveryResult wraps the engine report for text output.
type RecoveryResult struct {
	*engine.RecoveryReport
}

func (r RecoveryResult) String() string {
	var b strings.Builder
	if r.CheckpointID != "" {
		fmt.Fprintf(&b, "Checkpoint %s (version %d)\n", r.CheckpointID, r.CheckpointVersion)
	} else {
		b.WriteString("No checkpoint\n")
	}
	fmt.Fprintf(&b, "Replayed versions %v: %d created, %d overwritten, %d deleted, %d deletes ignored\n",
		r.ReplayedVersions, r.Created, r.Overwritten, r.Deleted, r.IgnoredDeletes)
	for _, s := range r.Skipped {
		fmt.Fprintf(&b, "  skipped %s/%s: %s\n", s.Category.Slug(), s.Name, strings.Join(s.Kinds, " -> "))
	}
	fmt.Fprintf(&b, "%d artifacts live", r.Artifacts)
	return b.String()
}

func runRecovery(ctx context.Context, rt *runtime) error {
	eng, err := rt.engine()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid engine config", err).withKind(CodeConfig)
	}
	defer eng.Close()

	report, err := eng.Recover(ctx)
	if err != nil {
		return recoveryError(err)
	}
	return rt.out.Success(RecoveryResult{RecoveryReport: report})
}

// failWith reports a failing result. Text output prints the result before
// the error line; JSON output carries it as the error details.
func failWith(out *OutputFormatter, result any, err *ExitError) error {
	if out.Format == "json" {
		return err.withDetails(result)
	}
	if serr := out.Success(result); serr != nil {
		return serr
	}
	return err
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
