package harness

import (
	"bytes"
	"context"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/crmsync/internal/record"
)

// Summary renders a result as one canonical JSON line per batch followed
// by one line per final staging row. Timestamps are left out; run ids are
// deterministic under the harness.
func Summary(name string, result *Result) ([]byte, error) {
	var buf bytes.Buffer
	header, err := record.MarshalCanonical(map[string]any{"scenario": name, "pass": result.Pass})
	if err != nil {
		return nil, err
	}
	buf.Write(header)
	buf.WriteByte('\n')

	for _, b := range result.Batches {
		line, err := record.MarshalCanonical(batchMap(b))
		if err != nil {
			return nil, err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	for _, entity := range result.Entities {
		for _, rec := range result.Staging[entity] {
			line, err := record.MarshalCanonical(stagingMap(entity, rec))
			if err != nil {
				return nil, err
			}
			buf.Write(line)
			buf.WriteByte('\n')
		}
	}
	return buf.Bytes(), nil
}

func batchMap(b record.LoadBatch) map[string]any {
	stages := make(map[string]any, len(b.CountsByStage))
	for k, v := range b.CountsByStage {
		stages[string(k)] = v
	}
	categories := make(map[string]any, len(b.CountsByCategory))
	for k, v := range b.CountsByCategory {
		categories[string(k)] = v
	}
	m := map[string]any{
		"run_id": b.RunID,
		"entity": b.EntityType,
		"state":  string(b.State),
		"changes": map[string]any{
			"new":       b.Changes.New,
			"modified":  b.Changes.Modified,
			"deleted":   b.Changes.Deleted,
			"unchanged": b.Changes.Unchanged,
		},
		"counts_by_stage":    stages,
		"counts_by_category": categories,
		"error_count":        b.ErrorCount,
		"orphan_count":       b.OrphanCount,
	}
	if b.FullResync {
		m["full_resync"] = true
	}
	if b.FailedStage != "" {
		m["failed_stage"] = string(b.FailedStage)
	}
	return m
}

func stagingMap(entity string, r record.StagingRecord) map[string]any {
	m := map[string]any{
		"entity":   entity,
		"key":      r.NaturalKey,
		"category": string(r.Category),
		"status":   string(r.Status),
		"refs":     r.ResolvedRefs,
	}
	if r.IsOrphaned {
		m["orphaned"] = true
	}
	if r.IsDeleted {
		m["deleted"] = true
	}
	if len(r.Derived) > 0 {
		m["derived"] = r.Derived
	}
	if r.ErrorMessage != "" {
		m["error"] = r.ErrorMessage
	}
	return m
}

// RunWithGolden executes a scenario in a temporary directory, reports
// every expectation failure, and compares its summary against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
func RunWithGolden(t *testing.T, scenario *Scenario) error {
	t.Helper()

	result, err := Run(context.Background(), scenario, t.TempDir())
	if err != nil {
		return err
	}
	for _, msg := range result.Errors {
		t.Error(msg)
	}
	return AssertGolden(t, scenario.Name, result)
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, result *Result) error {
	t.Helper()

	summary, err := Summary(name, result)
	if err != nil {
		return err
	}
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, summary)
	return nil
}
