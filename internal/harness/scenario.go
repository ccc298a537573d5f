package harness

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/roach88/rxlog/internal/ir"
	"github.com/roach88/rxlog/internal/txlog"
)

// Scenario is a sequence of log manager steps with expected outcomes.
type Scenario struct {
	// Name uniquely identifies this scenario. Also names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps run in order against one store.
	Steps []Step `yaml:"steps"`

	// Expect is checked after the final restart and replay.
	Expect Expectations `yaml:"expect"`
}

// Step is one manager action.
type Step struct {
	// Action is one of the Action* constants.
	Action string `yaml:"action"`

	// Category, Name, Op, Expression and State are used by append.
	Category   string `yaml:"category,omitempty"`
	Name       string `yaml:"name,omitempty"`
	Op         string `yaml:"op,omitempty"`
	Expression any    `yaml:"expression,omitempty"`
	State      any    `yaml:"state,omitempty"`

	// ExpectError marks a step that must fail.
	ExpectError bool `yaml:"expect_error,omitempty"`
}

// Step actions.
const (
	ActionAppend         = "append"
	ActionSnapshot       = "snapshot"
	ActionLoseReference  = "lose_reference"
	ActionReclaim        = "reclaim"
	ActionRestart        = "restart"
	ActionFailNextCommit = "fail_next_commit"
)

// Expectations are checked against a Result.
type Expectations struct {
	// Metadata is the expected final counter triple.
	Metadata *MetadataExpectation `yaml:"metadata,omitempty"`

	// Held lists the expected held versions, oldest first.
	Held []int64 `yaml:"held,omitempty"`

	// Replayed lists the expected replayed versions, oldest first.
	Replayed []int64 `yaml:"replayed,omitempty"`

	// Present names must have a coalesced operation. If Op is set the
	// operation kind must match.
	Present []ArtifactRef `yaml:"present,omitempty"`

	// Absent names must have neither an operation nor an invalid sequence.
	Absent []ArtifactRef `yaml:"absent,omitempty"`

	// Invalid names must have an invalid sequence. If Kinds is set the
	// sequence kinds must match in order.
	Invalid []ArtifactRef `yaml:"invalid,omitempty"`
}

// MetadataExpectation is the expected TxMetadata.
type MetadataExpectation struct {
	Latest int64 `yaml:"latest"`
	Active int64 `yaml:"active"`
	Held   int64 `yaml:"held"`
}

// ArtifactRef names an artifact in a category.
type ArtifactRef struct {
	Category string   `yaml:"category"`
	Name     string   `yaml:"name"`
	Op       string   `yaml:"op,omitempty"`
	Kinds    []string `yaml:"kinds,omitempty"`
}

func (r ArtifactRef) String() string {
	return r.Category + "/" + r.Name
}

// LoadScenario reads and parses a scenario YAML file.
// Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	if s.Description == "" {
		return errors.New("description is required")
	}
	if len(s.Steps) == 0 {
		return errors.New("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}

	refs := map[string][]ArtifactRef{
		"present": s.Expect.Present,
		"absent":  s.Expect.Absent,
		"invalid": s.Expect.Invalid,
	}
	for field, list := range refs {
		for i, ref := range list {
			if _, err := txlog.ParseCategory(ref.Category); err != nil {
				return fmt.Errorf("expect.%s[%d]: %w", field, i, err)
			}
			if ref.Name == "" {
				return fmt.Errorf("expect.%s[%d]: name is required", field, i)
			}
			if ref.Op != "" {
				if _, err := txlog.ParseKind(ref.Op); err != nil {
					return fmt.Errorf("expect.%s[%d]: %w", field, i, err)
				}
			}
		}
	}
	return nil
}

func validateStep(step Step) error {
	switch step.Action {
	case ActionAppend:
		if _, err := txlog.ParseCategory(step.Category); err != nil {
			return err
		}
		if step.Name == "" {
			return errors.New("name is required for append")
		}
		if _, err := step.operation(); err != nil {
			return err
		}
	case ActionSnapshot, ActionLoseReference, ActionReclaim, ActionRestart, ActionFailNextCommit:
		if step.Category != "" || step.Name != "" || step.Op != "" {
			return fmt.Errorf("%s takes no category, name or op", step.Action)
		}
	case "":
		return errors.New("action is required")
	default:
		return fmt.Errorf("unknown action %q", step.Action)
	}
	return nil
}

// operation builds the operation of an append step.
func (s Step) operation() (txlog.Operation, error) {
	kind, err := txlog.ParseKind(s.Op)
	if err != nil {
		return nil, err
	}
	expr, err := ir.FromAny(s.Expression)
	if err != nil {
		return nil, fmt.Errorf("expression: %w", err)
	}
	state, err := ir.FromAny(s.State)
	if err != nil {
		return nil, fmt.Errorf("state: %w", err)
	}
	return txlog.New(kind, expr, state)
}
