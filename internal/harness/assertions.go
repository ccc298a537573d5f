package harness

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/txlog"
)

// ExpectationError describes one unmet expectation.
type ExpectationError struct {
	Kind     string // metadata, held, replayed, present, absent, invalid
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *ExpectationError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "expectation failed: %s\n", e.Kind)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// CheckExpectations evaluates exp against result and returns one message
// per unmet expectation.
func CheckExpectations(result *Result, exp Expectations) []string {
	var errs []error

	if m := exp.Metadata; m != nil {
		want := txlog.Metadata{Latest: m.Latest, ActiveCount: m.Active, HeldCount: m.Held}
		if result.Metadata != want {
			errs = append(errs, &ExpectationError{
				Kind:     "metadata",
				Expected: fmt.Sprintf("%+v", want),
				Actual:   fmt.Sprintf("%+v", result.Metadata),
			})
		}
	}

	if exp.Held != nil && !slices.Equal(exp.Held, result.Held) {
		errs = append(errs, &ExpectationError{
			Kind:     "held",
			Expected: fmt.Sprint(exp.Held),
			Actual:   fmt.Sprint(result.Held),
		})
	}

	if exp.Replayed != nil && !slices.Equal(exp.Replayed, result.Replay.Versions) {
		errs = append(errs, &ExpectationError{
			Kind:     "replayed",
			Expected: fmt.Sprint(exp.Replayed),
			Actual:   fmt.Sprint(result.Replay.Versions),
		})
	}

	for _, ref := range exp.Present {
		if err := checkPresent(result.Replay, ref); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ref := range exp.Absent {
		if err := checkAbsent(result.Replay, ref); err != nil {
			errs = append(errs, err)
		}
	}
	for _, ref := range exp.Invalid {
		if err := checkInvalid(result.Replay, ref); err != nil {
			errs = append(errs, err)
		}
	}

	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		msgs = append(msgs, err.Error())
	}
	return msgs
}

func slug(category string) string {
	cat, err := txlog.ParseCategory(category)
	if err != nil {
		return category
	}
	return cat.Slug()
}

func kindOf(v ir.Value) string {
	obj, ok := v.(ir.Object)
	if !ok {
		return ""
	}
	s, _ := obj["kind"].(ir.String)
	return string(s)
}

func checkPresent(report *ReplayReport, ref ArtifactRef) error {
	v, ok := report.Operations[slug(ref.Category)][ref.Name]
	if !ok {
		return &ExpectationError{
			Kind:     "present",
			Expected: ref.String() + " in replay",
			Actual:   "no operation",
		}
	}
	if ref.Op != "" && kindOf(v) != ref.Op {
		return &ExpectationError{
			Kind:     "present",
			Expected: fmt.Sprintf("%s with op %s", ref, ref.Op),
			Actual:   "op " + kindOf(v),
		}
	}
	return nil
}

func checkAbsent(report *ReplayReport, ref ArtifactRef) error {
	s := slug(ref.Category)
	if v, ok := report.Operations[s][ref.Name]; ok {
		return &ExpectationError{
			Kind:     "absent",
			Expected: ref.String() + " not in replay",
			Actual:   "op " + kindOf(v),
		}
	}
	if _, ok := report.Invalid[s][ref.Name]; ok {
		return &ExpectationError{
			Kind:     "absent",
			Expected: ref.String() + " not in replay",
			Actual:   "invalid sequence",
		}
	}
	return nil
}

func checkInvalid(report *ReplayReport, ref ArtifactRef) error {
	seq, ok := report.Invalid[slug(ref.Category)][ref.Name]
	if !ok {
		return &ExpectationError{
			Kind:     "invalid",
			Expected: ref.String() + " with an invalid sequence",
			Actual:   "no invalid sequence",
		}
	}
	if ref.Kinds == nil {
		return nil
	}
	kinds := make([]string, len(seq))
	for i, v := range seq {
		kinds[i] = kindOf(v)
	}
	if !slices.Equal(ref.Kinds, kinds) {
		return &ExpectationError{
			Kind:     "invalid",
			Expected: fmt.Sprintf("%s kinds %v", ref, ref.Kinds),
			Actual:   fmt.Sprint(kinds),
		}
	}
	return nil
}
