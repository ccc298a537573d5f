package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/txlog"
)

// RecordOptions holds flags for the record subcommands.
type RecordOptions struct {
	*RootOptions
	Expression string // JSON
	State      string // JSON
}

// RecordResult reports one appended operation.
type RecordResult struct {
	Version   int64    `json:"version"`
	Category  string   `json:"category"`
	Name      string   `json:"name"`
	Operation ir.Value `json:"operation"`
}

func (r RecordResult) String() string {
	return fmt.Sprintf("Recorded %s %s/%s in version %d", kindField(r.Operation), r.Category, r.Name, r.Version)
}

// kindField returns the "kind" member of a described operation.
func kindField(v ir.Value) string {
	if obj, ok := v.(ir.Object); ok {
		if s, ok := obj["kind"].(ir.String); ok {
			return string(s)
		}
	}
	return "?"
}

// NewRecordCommand creates the record command and its subcommands.
func NewRecordCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RecordOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Append an operation to the current log version",
		Long: `Append a Create, Delete or DeleteCreate record for a named artifact to the
current log version. Records for the same name within one version are
coalesced; an impossible sequence (Create then Create) is rejected.

Categories: subject-factories, subscription-factories, observers,
observables, subjects, subscriptions.

Examples:
  rxlog record create subjects orders --expr '{"uri":"rx://orders"}'
  rxlog record delete subjects orders
  rxlog record delete-create observers audit --expr '{"uri":"rx://audit"}' --state '{"n":1}'`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	for _, kind := range []txlog.Kind{txlog.KindCreate, txlog.KindDelete, txlog.KindDeleteCreate} {
		cmd.AddCommand(newRecordKindCommand(opts, kind))
	}
	return cmd
}

var recordUse = map[txlog.Kind]string{
	txlog.KindCreate:       "create",
	txlog.KindDelete:       "delete",
	txlog.KindDeleteCreate: "delete-create",
}

func newRecordKindCommand(opts *RecordOptions, kind txlog.Kind) *cobra.Command {
	cmd := &cobra.Command{
		Use:           recordUse[kind] + " <category> <name>",
		Short:         fmt.Sprintf("Record a %s operation", kind),
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRecord(cmd.Context(), opts, kind, args[0], args[1], cmd)
		},
	}
	if kind != txlog.KindDelete {
		cmd.Flags().StringVar(&opts.Expression, "expr", "null", "artifact expression (JSON)")
		cmd.Flags().StringVar(&opts.State, "state", "null", "artifact state (JSON)")
	}
	return cmd
}

func runRecord(ctx context.Context, opts *RecordOptions, kind txlog.Kind, category, name string, cmd *cobra.Command) error {
	cat, err := txlog.ParseCategory(category)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid category", err)
	}
	if name == "" {
		return NewExitError(ExitCommandError, "artifact name must not be empty")
	}
	op, err := parseOperation(kind, opts.Expression, opts.State)
	if err != nil {
		return err
	}

	rt, err := openRuntime(ctx, cmd, opts.RootOptions)
	if err != nil {
		return err
	}
	defer closeRuntime(rt)

	version, err := rt.manager.Record(ctx, cat, name, op)
	var transition *txlog.InvalidTransitionError
	switch {
	case errors.As(err, &transition):
		return WrapExitError(ExitFailure, "operation rejected", err)
	case err != nil:
		return WrapExitError(ExitCommandError, "failed to record operation", err).withKind(CodeStore)
	}

	return rt.out.Success(RecordResult{
		Version:   version,
		Category:  cat.Slug(),
		Name:      name,
		Operation: txlog.Describe(op),
	})
}

// parseOperation builds the operation for kind from JSON flag values.
func parseOperation(kind txlog.Kind, expression, state string) (txlog.Operation, error) {
	if kind == txlog.KindDelete {
		return txlog.Delete(), nil
	}
	expr, err := ir.ParseValue([]byte(expression))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --expr", err)
	}
	st, err := ir.ParseValue([]byte(state))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid --state", err)
	}
	op, err := txlog.New(kind, expr, st)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid operation", err)
	}
	return op, nil
}
