package cli

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/rxlog/internal/config"
	"github.com/roach88/rxlog/internal/engine"
	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/txlog"
)

// BenchOptions holds flags for the bench command.
type BenchOptions struct {
	*RootOptions
	Workers         int
	Operations      int // per worker
	CheckpointEvery int // total operations between checkpoints; 0 disables
	DeleteEvery     int // every n-th create of a worker is followed by a delete; 0 disables
	MetricsAddr     string
}

// BenchResult summarizes a bench run.
type BenchResult struct {
	Workers      int            `json:"workers"`
	Operations   int64          `json:"operations"`
	Creates      int64          `json:"creates"`
	Deletes      int64          `json:"deletes"`
	Checkpoints  int64          `json:"checkpoints"`
	Duration     string         `json:"duration"`
	OpsPerSecond float64        `json:"ops_per_second"`
	Artifacts    int            `json:"artifacts"`
	Metadata     txlog.Metadata `json:"metadata"`
	MetricsAddr  string         `json:"metrics_addr,omitempty"`
}

func (r BenchResult) String() string {
	return fmt.Sprintf("%d operations (%d creates, %d deletes) by %d workers in %s: %.0f ops/s, %d checkpoints, %d artifacts live, latest version %d",
		r.Operations, r.Creates, r.Deletes, r.Workers, r.Duration, r.OpsPerSecond, r.Checkpoints, r.Artifacts, r.Metadata.Latest)
}

// NewBenchCommand creates the bench command.
func NewBenchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BenchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a concurrent create/delete/checkpoint workload",
		Long: `Recover the engine, then run workers that create and delete artifacts
through the log while checkpoints are taken at a fixed operation interval.

With --metrics-addr the Prometheus exporter is enabled and /metrics is
served on that address for the duration of the run.

Examples:
  rxlog bench --db /tmp/bench.db --workers 8 --ops 2000
  rxlog bench --workers 4 --checkpoint-every 500 --metrics-addr :9464`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBench(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Workers, "workers", 4, "number of concurrent workers")
	cmd.Flags().IntVar(&opts.Operations, "ops", 250, "creates per worker")
	cmd.Flags().IntVar(&opts.CheckpointEvery, "checkpoint-every", 200, "operations between checkpoints (0 disables)")
	cmd.Flags().IntVar(&opts.DeleteEvery, "delete-every", 3, "delete every n-th created artifact (0 disables)")
	cmd.Flags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	return cmd
}

func runBench(ctx context.Context, opts *BenchOptions, cmd *cobra.Command) error {
	if opts.Workers < 1 || opts.Operations < 1 {
		return NewExitError(ExitCommandError, "--workers and --ops must be positive")
	}
	if opts.CheckpointEvery < 0 || opts.DeleteEvery < 0 {
		return NewExitError(ExitCommandError, "--checkpoint-every and --delete-every must not be negative")
	}

	rt, err := openRuntime(ctx, cmd, opts.RootOptions, func(cfg *config.Config) {
		if opts.MetricsAddr != "" {
			cfg.Telemetry.MetricExporter = "prometheus"
			cfg.Telemetry.MetricsAddr = opts.MetricsAddr
		}
	})
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	result := BenchResult{Workers: opts.Workers}
	if addr := rt.cfg.Telemetry.MetricsAddr; addr != "" && rt.cfg.Telemetry.MetricExporter == "prometheus" {
		bound, stop, err := serveMetrics(addr, rt.logger)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to serve metrics", err)
		}
		defer stop(context.Background())
		result.MetricsAddr = bound
	}

	eng, err := rt.engine()
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid engine config", err).withKind(CodeConfig)
	}
	defer eng.Close()

	if _, err := eng.Recover(ctx); err != nil {
		return recoveryError(err)
	}

	var ops, creates, deletes, checkpoints atomic.Int64
	start := time.Now()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < opts.Workers; w++ {
		g.Go(func() error {
			cats := txlog.Categories()
			for i := 0; i < opts.Operations; i++ {
				cat := cats[(w+i)%len(cats)]
				name := uuid.NewString()
				expr := ir.NewObject(
					ir.O("uri", ir.String("rx://bench/"+name)),
					ir.O("worker", ir.Int(int64(w))),
				)
				if _, err := eng.Create(gctx, cat, name, expr, ir.Null{}); err != nil {
					return fmt.Errorf("worker %d: create: %w", w, err)
				}
				creates.Add(1)
				if err := maybeCheckpoint(gctx, eng, opts.CheckpointEvery, ops.Add(1), &checkpoints); err != nil {
					return err
				}

				if opts.DeleteEvery > 0 && (i+1)%opts.DeleteEvery == 0 {
					if err := eng.Delete(gctx, cat, name); err != nil {
						return fmt.Errorf("worker %d: delete: %w", w, err)
					}
					deletes.Add(1)
					if err := maybeCheckpoint(gctx, eng, opts.CheckpointEvery, ops.Add(1), &checkpoints); err != nil {
						return err
					}
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return WrapExitError(ExitCommandError, "bench failed", err).withKind(CodeStore)
	}
	eng.Wait()

	elapsed := time.Since(start)
	result.Operations = ops.Load()
	result.Creates = creates.Load()
	result.Deletes = deletes.Load()
	result.Checkpoints = checkpoints.Load()
	result.Duration = elapsed.Round(time.Millisecond).String()
	if secs := elapsed.Seconds(); secs > 0 {
		result.OpsPerSecond = float64(result.Operations) / secs
	}
	result.Artifacts = eng.Count()
	result.Metadata = rt.manager.Metadata()

	rt.logger.Info("bench finished",
		slog.Int64("operations", result.Operations),
		slog.Int64("checkpoints", result.Checkpoints),
		slog.String("duration", result.Duration),
	)
	return rt.out.Success(result)
}

// maybeCheckpoint checkpoints when n is a multiple of every.
func maybeCheckpoint(ctx context.Context, eng *engine.Engine, every int, n int64, count *atomic.Int64) error {
	if every <= 0 || n%int64(every) != 0 {
		return nil
	}
	if _, err := eng.Checkpoint(ctx); err != nil {
		return fmt.Errorf("checkpoint after %d operations: %w", n, err)
	}
	count.Add(1)
	return nil
}
