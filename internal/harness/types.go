package harness

import (
	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/txlog"
)

// Result is the outcome of a scenario execution.
type Result struct {
	// Pass is true if no step failed unexpectedly, the invariants held
	// after every step, and all expectations matched.
	Pass bool `json:"pass"`

	// Steps records each step's outcome in order.
	Steps []StepResult `json:"steps"`

	// Metadata is the counter triple after the final restart.
	Metadata txlog.Metadata `json:"metadata"`

	// Held lists the held versions after the final restart.
	Held []int64 `json:"held"`

	// Replay is the replay report of the final restart.
	Replay *ReplayReport `json:"replay"`

	// Errors contains validation error messages.
	Errors []string `json:"errors,omitempty"`
}

// StepResult is the outcome of one step.
type StepResult struct {
	Action string `json:"action"`
	Error  string `json:"error,omitempty"`
}

// ReplayReport is a ReplaySet rendered for comparison. Keys are category
// slugs, then names.
type ReplayReport struct {
	Versions   []int64                          `json:"versions"`
	Operations map[string]map[string]ir.Value   `json:"operations"`
	Invalid    map[string]map[string][]ir.Value `json:"invalid"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Steps:  []StepResult{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// NewReplayReport renders rs. Categories without entries are omitted.
func NewReplayReport(rs *txlog.ReplaySet) *ReplayReport {
	report := &ReplayReport{
		Versions:   rs.Versions(),
		Operations: make(map[string]map[string]ir.Value),
		Invalid:    make(map[string]map[string][]ir.Value),
	}
	for _, cat := range txlog.Categories() {
		if ops := rs.Operations(cat); len(ops) > 0 {
			m := make(map[string]ir.Value, len(ops))
			for name, op := range ops {
				m[name] = txlog.Describe(op)
			}
			report.Operations[cat.Slug()] = m
		}
		if invalid := rs.Invalid(cat); len(invalid) > 0 {
			m := make(map[string][]ir.Value, len(invalid))
			for name, seq := range invalid {
				vals := make([]ir.Value, len(seq))
				for i, op := range seq {
					vals[i] = txlog.Describe(op)
				}
				m[name] = vals
			}
			report.Invalid[cat.Slug()] = m
		}
	}
	return report
}

// Value renders the report as an ir.Value for canonical encoding.
func (r *ReplayReport) Value() ir.Value {
	versions := make(ir.Array, len(r.Versions))
	for i, v := range r.Versions {
		versions[i] = ir.Int(v)
	}
	ops := ir.Object{}
	for slug, names := range r.Operations {
		entries := ir.Object{}
		for name, v := range names {
			entries[name] = v
		}
		ops[slug] = entries
	}
	invalid := ir.Object{}
	for slug, names := range r.Invalid {
		entries := ir.Object{}
		for name, seq := range names {
			entries[name] = ir.Array(seq)
		}
		invalid[slug] = entries
	}
	return ir.NewObject(
		ir.O("invalid", invalid),
		ir.O("operations", ops),
		ir.O("versions", versions),
	)
}
