package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/crmsync/internal/record"
)

// Scenario is a sequence of sync runs against one pipeline config.
type Scenario struct {
	// Name uniquely identifies this scenario. Also the golden file name.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Config is the pipeline config path (.yaml, .yml or .cue), relative
	// to the scenario file. Configured sources are replaced by the rows
	// given in each run.
	Config string `yaml:"config"`

	// Reconciliation entries present before the first run.
	Reconciliation []record.ReconciliationEntry `yaml:"reconciliation,omitempty"`

	Runs []RunStep `yaml:"runs"`

	Assertions []Assertion `yaml:"assertions"`
}

// RunStep is one pipeline invocation.
type RunStep struct {
	// Entity to run. Empty runs every entity in dependency order.
	Entity string `yaml:"entity,omitempty"`

	// Rows replaces the source rows of each listed entity.
	Rows map[string][]record.Row `yaml:"rows,omitempty"`

	// Reconciliation entries added before this run.
	Reconciliation []record.ReconciliationEntry `yaml:"reconciliation,omitempty"`

	// Expect is checked against the batch of Entity. Ignored when Entity
	// is empty.
	Expect *RunExpect `yaml:"expect,omitempty"`
}

// RunExpect is the expected outcome of a single-entity run.
// Nil fields are not checked.
type RunExpect struct {
	State         record.BatchState    `yaml:"state,omitempty"`
	FailedStage   record.Stage         `yaml:"failed_stage,omitempty"`
	ErrorContains string               `yaml:"error_contains,omitempty"`
	Changes       *record.ChangeCounts `yaml:"changes,omitempty"`
	FullResync    *bool                `yaml:"full_resync,omitempty"`
	ErrorCount    *int                 `yaml:"error_count,omitempty"`
	OrphanCount   *int                 `yaml:"orphan_count,omitempty"`
}

// Assertion checks the store after the last run.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	Entity string `yaml:"entity"`

	// Key is the natural key (staging, production).
	Key string `yaml:"key,omitempty"`

	// Expect holds expected field values (staging, production).
	// Subset match; see recordFields for the available names.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected count (production_count, snapshot_count,
	// batch_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertStaging         = "staging"
	AssertProduction      = "production"
	AssertProductionCount = "production_count"
	AssertSnapshotCount   = "snapshot_count"
	AssertBatchCount      = "batch_count"
)

// LoadScenario reads and parses a scenario YAML file. The config path is
// resolved relative to the scenario file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	sc, err := ParseScenario(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if sc.Config != "" && !filepath.IsAbs(sc.Config) {
		sc.Config = filepath.Join(filepath.Dir(path), sc.Config)
	}
	if _, err := os.Stat(sc.Config); err != nil {
		return nil, fmt.Errorf("%s: config: %w", path, err)
	}
	return sc, nil
}

// ParseScenario parses and validates scenario YAML. Config is left as
// written.
func ParseScenario(data []byte) (*Scenario, error) {
	var sc Scenario
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&sc); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&sc); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &sc, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Config == "" {
		return fmt.Errorf("config is required")
	}
	if len(s.Runs) == 0 {
		return fmt.Errorf("runs list is required and must be non-empty")
	}
	for i, run := range s.Runs {
		if run.Expect != nil && run.Entity == "" {
			return fmt.Errorf("runs[%d]: expect requires entity", i)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion) error {
	if a.Entity == "" {
		return fmt.Errorf("assertions[%d]: entity is required", index)
	}
	switch a.Type {
	case AssertStaging, AssertProduction:
		if a.Key == "" {
			return fmt.Errorf("assertions[%d]: key is required for %s", index, a.Type)
		}
		if len(a.Expect) == 0 {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertProductionCount, AssertSnapshotCount, AssertBatchCount:
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for %s", index, a.Type)
		}
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}
