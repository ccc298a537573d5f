package harness

import (
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/rxlog/internal/ir"
)

// Snapshot renders a scenario result for golden comparison:
//
//	{"held": [...], "invalid": {...}, "metadata": {...}, "operations": {...},
//	 "scenario": ..., "versions": [...]}
func Snapshot(name string, result *Result) ([]byte, error) {
	held := make(ir.Array, len(result.Held))
	for i, v := range result.Held {
		held[i] = ir.Int(v)
	}
	obj := result.Replay.Value().(ir.Object)
	obj["scenario"] = ir.String(name)
	obj["held"] = held
	obj["metadata"] = ir.NewObject(
		ir.O("active", ir.Int(result.Metadata.ActiveCount)),
		ir.O("held", ir.Int(result.Metadata.HeldCount)),
		ir.O("latest", ir.Int(result.Metadata.Latest)),
	)
	return ir.MarshalCanonical(obj)
}

// RunWithGolden executes a scenario and compares its canonical report
// against testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(context.Background(), scenario)
	if err != nil {
		return nil, err
	}
	if err := AssertGolden(t, scenario.Name, result); err != nil {
		return nil, err
	}
	return result, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	data, err := Snapshot(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, data)
	return nil
}
