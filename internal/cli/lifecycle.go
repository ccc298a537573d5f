package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rxlog/internal/txlog"
)

// LifecycleResult reports the counters after snapshot, lose-reference or
// reclaim.
type LifecycleResult struct {
	Action   string         `json:"action"`
	Version  int64          `json:"version,omitempty"`
	Cleared  []int64        `json:"cleared,omitempty"`
	Metadata txlog.Metadata `json:"metadata"`
	Held     []int64        `json:"held"`
}

func (r LifecycleResult) String() string {
	m := r.Metadata
	switch r.Action {
	case "snapshot":
		return fmt.Sprintf("Version %d is current (active %d, held %d)", r.Version, m.ActiveCount, m.HeldCount)
	case "reclaim":
		if len(r.Cleared) == 0 {
			return fmt.Sprintf("Nothing to reclaim (held %d)", m.HeldCount)
		}
		return fmt.Sprintf("Reclaimed versions %v (held %d)", r.Cleared, m.HeldCount)
	default:
		return fmt.Sprintf("Reference lost: %d versions reclaimable", m.Reclaimable())
	}
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Start a new log version",
		Long: `Increment the log counters in one transaction and make the new version
current. The previous version stays active until lose-reference.

Examples:
  rxlog snapshot --db ./rxlog.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd.Context(), rootOpts, cmd, "snapshot")
		},
	}
}

// NewLoseReferenceCommand creates the lose-reference command.
func NewLoseReferenceCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "lose-reference",
		Short: "Mark versions older than the current one reclaimable",
		Long: `Set the active count to 1. Run this only once a checkpoint covering every
older version is durable.

Examples:
  rxlog lose-reference --db ./rxlog.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd.Context(), rootOpts, cmd, "lose-reference")
		},
	}
}

// NewReclaimCommand creates the reclaim command.
func NewReclaimCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reclaim",
		Short: "Clear reclaimable log versions",
		Long: `Clear the tables of every held version that is no longer active and lower
the held count to the active count. A no-op when nothing is reclaimable.

Examples:
  rxlog reclaim --db ./rxlog.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLifecycle(cmd.Context(), rootOpts, cmd, "reclaim")
		},
	}
}

func runLifecycle(ctx context.Context, opts *RootOptions, cmd *cobra.Command, action string) error {
	rt, err := openRuntime(ctx, cmd, opts)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	result := LifecycleResult{Action: action}
	switch action {
	case "snapshot":
		cleanup, err := rt.manager.Snapshot(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "snapshot failed", err).withKind(CodeStore)
		}
		result.Version = cleanup.Version()
	case "lose-reference":
		if _, err := rt.manager.LoseReference(ctx, nil); err != nil {
			return WrapExitError(ExitCommandError, "lose reference failed", err).withKind(CodeStore)
		}
	case "reclaim":
		stats, err := rt.manager.Reclaim(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "reclaim failed", err).withKind(CodeStore)
		}
		result.Cleared = stats.Cleared
	}

	result.Metadata = rt.manager.Metadata()
	result.Held = rt.manager.Versions()
	return rt.out.Success(result)
}
