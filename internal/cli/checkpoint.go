package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rxlog/internal/engine"
	"github.com/roach88/rxlog/internal/ir"
)

// CheckpointCommandResult reports the recovery that preceded the
// checkpoint and the checkpoint itself.
type CheckpointCommandResult struct {
	Recovery   *engine.RecoveryReport   `json:"recovery"`
	Checkpoint *engine.CheckpointResult `json:"checkpoint"`
}

func (r CheckpointCommandResult) String() string {
	c := r.Checkpoint
	s := fmt.Sprintf("Checkpoint %s: version %d, %d artifacts, %s (reclaim %s)",
		c.ID, c.Version, c.Artifacts, ir.ShortFingerprint(c.Fingerprint), c.ReclaimMode)
	if c.Reclaim != nil && len(c.Reclaim.Cleared) > 0 {
		s += fmt.Sprintf(", cleared %v", c.Reclaim.Cleared)
	}
	return s
}

// NewCheckpointCommand creates the checkpoint command.
func NewCheckpointCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "checkpoint",
		Short: "Recover the engine and write a checkpoint",
		Long: `Rebuild the artifact registry from the stored checkpoint and the log, then
take a snapshot, write a new checkpoint and release the versions it covers.

The engine section of the config selects the recovery policy for invalid
sequences (fail|skip) and the reclaim mode (async|sync|skip).

Exit codes:
  0 - Checkpoint written
  1 - Recovery found invalid sequences under the fail policy
  2 - Command error

Examples:
  rxlog checkpoint --db ./rxlog.db
  rxlog checkpoint --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheckpoint(cmd.Context(), rootOpts, cmd)
		},
	}
}

func runCheckpoint(ctx context.Context, opts *RootOptions, cmd *cobra.Command) error {
	rt, err := openRuntime(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	eng, err := rt.engine()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid engine config", err).withKind(CodeConfig)
	}
	defer eng.Close()

	report, err := eng.Recover(ctx)
	if err != nil {
		return recoveryError(err)
	}

	result, err := eng.Checkpoint(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "checkpoint failed", err).withKind(CodeStore)
	}
	// Let an async reclaim finish before the store closes.
	eng.Wait()

	return rt.out.Success(CheckpointCommandResult{Recovery: report, Checkpoint: result})
}

// recoveryError maps a Recover failure to an exit error.
func recoveryError(err error) error {
	var re *engine.RuntimeError
	if errors.As(err, &re) && re.Code == engine.ErrCodeInvalidReplay {
		return WrapExitError(ExitFailure, "recovery failed", err).withKind(CodeInvalidReplay)
	}
	return WrapExitError(ExitCommandError, "recovery failed", err).withKind(CodeStore)
}
