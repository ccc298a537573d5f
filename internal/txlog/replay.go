package txlog

import (
	"context"
	"sort"

	"github.com/roach88/rxlog/internal/kv"
)

// Outcome is the result of coalescing two operations on one name.
type Outcome int

const (
	// OutcomeReplace keeps the merged operation.
	OutcomeReplace Outcome = iota
	// OutcomeRemove drops the name: the operations cancel out.
	OutcomeRemove
	// OutcomeInvalid means the pair cannot occur under correct logging.
	OutcomeInvalid
)

func (o Outcome) String() string {
	switch o {
	case OutcomeReplace:
		return "replace"
	case OutcomeRemove:
		return "remove"
	case OutcomeInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// transition is one cell of the coalescing table.
type transition struct {
	outcome Outcome
	// result is the kind the merged operation takes for OutcomeReplace.
	// The definition always comes from the newer operation.
	result Kind
}

// transitions is indexed [prev][next].
var transitions = [3][3]transition{
	KindCreate: {
		KindCreate:       {outcome: OutcomeInvalid},
		KindDelete:       {outcome: OutcomeRemove},
		KindDeleteCreate: {outcome: OutcomeReplace, result: KindCreate},
	},
	KindDelete: {
		KindCreate:       {outcome: OutcomeReplace, result: KindDeleteCreate},
		KindDelete:       {outcome: OutcomeInvalid},
		KindDeleteCreate: {outcome: OutcomeInvalid},
	},
	KindDeleteCreate: {
		KindCreate:       {outcome: OutcomeInvalid},
		KindDelete:       {outcome: OutcomeReplace, result: KindDelete},
		KindDeleteCreate: {outcome: OutcomeReplace, result: KindDeleteCreate},
	},
}

// Transition coalesces next onto prev. The returned operation is only
// meaningful for OutcomeReplace.
func Transition(prev, next Operation) (Outcome, Operation) {
	cell := transitions[prev.Kind()][next.Kind()]
	if cell.outcome != OutcomeReplace {
		return cell.outcome, nil
	}
	def, _ := DefinitionOf(next)
	op, _ := New(cell.result, def.Expression, def.State)
	return OutcomeReplace, op
}

// ReplaySet is the net effect of replaying a sequence of versions.
type ReplaySet struct {
	ops      map[Category]map[string]Operation
	invalid  map[Category]map[string][]Operation
	versions []int64
}

func newReplaySet() *ReplaySet {
	rs := &ReplaySet{
		ops:     make(map[Category]map[string]Operation, len(allCategories)),
		invalid: make(map[Category]map[string][]Operation, len(allCategories)),
	}
	for _, c := range allCategories {
		rs.ops[c] = make(map[string]Operation)
		rs.invalid[c] = make(map[string][]Operation)
	}
	return rs
}

// Operations returns the coalesced operation per name for cat.
// The map must not be modified.
func (rs *ReplaySet) Operations(cat Category) map[string]Operation {
	return rs.ops[cat]
}

// Invalid returns, per name, the operations that formed an invalid
// sequence in cat. Such names are absent from Operations.
func (rs *ReplaySet) Invalid(cat Category) map[string][]Operation {
	return rs.invalid[cat]
}

// HasInvalid reports whether any category holds an invalid sequence.
func (rs *ReplaySet) HasInvalid() bool {
	for _, m := range rs.invalid {
		if len(m) > 0 {
			return true
		}
	}
	return false
}

// InvalidCount returns the number of names with invalid sequences.
func (rs *ReplaySet) InvalidCount() int {
	n := 0
	for _, m := range rs.invalid {
		n += len(m)
	}
	return n
}

// Len returns the number of coalesced operations over all categories.
func (rs *ReplaySet) Len() int {
	n := 0
	for _, m := range rs.ops {
		n += len(m)
	}
	return n
}

// Versions returns the versions that were replayed, oldest first.
func (rs *ReplaySet) Versions() []int64 {
	out := make([]int64, len(rs.versions))
	copy(out, rs.versions)
	return out
}

// Names returns the names of cat's coalesced operations in sorted order.
func (rs *ReplaySet) Names(cat Category) []string {
	return sortedKeys(rs.ops[cat])
}

// Coalescer folds operations, oldest first, into a ReplaySet.
type Coalescer struct {
	rs *ReplaySet
}

// NewCoalescer returns an empty coalescer.
func NewCoalescer() *Coalescer {
	return &Coalescer{rs: newReplaySet()}
}

// Add folds one operation into the result.
func (c *Coalescer) Add(cat Category, name string, op Operation) {
	ops := c.rs.ops[cat]
	invalid := c.rs.invalid[cat]

	if seq, ok := invalid[name]; ok {
		invalid[name] = append(seq, op)
		return
	}

	prev, ok := ops[name]
	if !ok {
		ops[name] = op
		return
	}

	outcome, merged := Transition(prev, op)
	switch outcome {
	case OutcomeReplace:
		ops[name] = merged
	case OutcomeRemove:
		delete(ops, name)
	case OutcomeInvalid:
		delete(ops, name)
		invalid[name] = []Operation{prev, op}
	}
}

// AddTable folds one version's table, visiting names in sorted order.
func (c *Coalescer) AddTable(cat Category, table map[string]Operation) {
	for _, name := range sortedKeys(table) {
		c.Add(cat, name, table[name])
	}
}

// AddLog reads all six tables of log inside tx and folds them.
func (c *Coalescer) AddLog(ctx context.Context, tx kv.Transaction, log *VersionedLog) error {
	for _, cat := range allCategories {
		table, err := log.Table(tx, cat).Load(ctx)
		if err != nil {
			return err
		}
		c.AddTable(cat, table)
	}
	c.rs.versions = append(c.rs.versions, log.Version())
	return nil
}

// Result returns the coalesced set. The Coalescer must not be used after.
func (c *Coalescer) Result() *ReplaySet {
	return c.rs
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
