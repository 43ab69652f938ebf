package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/roach88/crmsync/internal/config"
	"github.com/roach88/crmsync/internal/pipeline"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/source"
	"github.com/roach88/crmsync/internal/store"
	"github.com/roach88/crmsync/internal/testutil"
)

// Epoch is the fixed clock start for every scenario.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Harness executes one scenario. It owns a fresh store and a static
// source shared by every run.
type Harness struct {
	store  *store.Store
	cfg    *config.Pipeline
	src    *source.Static
	clock  *testutil.FixedClock
	orch   *pipeline.Orchestrator
	logger *slog.Logger
}

// Run executes a scenario against a fresh database in dir and evaluates
// its expectations and assertions.
//
// Execution flow:
//  1. Load the pipeline config and open the store
//  2. Seed reconciliation entries
//  3. Execute each run, checking its expect clause
//  4. Evaluate assertions and capture final staging state
func Run(ctx context.Context, sc *Scenario, dir string) (*Result, error) {
	cfg, err := config.Load(sc.Config)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	st, err := store.Open(filepath.Join(dir, sc.Name+".db"))
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	defer st.Close()

	h := &Harness{
		store:  st,
		cfg:    cfg,
		src:    source.NewStatic(nil),
		clock:  testutil.NewFixedClock(Epoch),
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	h.orch, err = pipeline.New(cfg, st, h.src,
		pipeline.WithClock(h.clock.Now),
		pipeline.WithRunIDs(testutil.NewSequentialRunIDs(sc.Name)),
	)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}

	if err := st.PutReconciliation(ctx, sc.Reconciliation...); err != nil {
		return nil, fmt.Errorf("seed reconciliation: %w", err)
	}

	result := NewResult()
	for i, step := range sc.Runs {
		if err := h.executeRun(ctx, i, step, result); err != nil {
			return nil, fmt.Errorf("run %d: %w", i, err)
		}
	}

	for _, errMsg := range EvaluateAssertions(ctx, st, sc.Assertions) {
		result.AddError(errMsg)
	}

	levels, err := cfg.Levels()
	if err != nil {
		return nil, err
	}
	for _, level := range levels {
		for _, name := range level {
			rows, err := st.Staging(name).ReadByStatus(ctx)
			if err != nil {
				return nil, err
			}
			result.Entities = append(result.Entities, name)
			result.Staging[name] = rows
		}
	}
	return result, nil
}

// executeRun applies one run step. Pipeline failures are results, not
// errors; only harness setup problems are returned.
func (h *Harness) executeRun(ctx context.Context, i int, step RunStep, result *Result) error {
	for entity, rows := range step.Rows {
		if _, ok := h.cfg.Entity(entity); !ok {
			return fmt.Errorf("rows for unknown entity %q", entity)
		}
		h.src.Set(entity, rows)
	}
	if err := h.store.PutReconciliation(ctx, step.Reconciliation...); err != nil {
		return fmt.Errorf("add reconciliation: %w", err)
	}
	h.clock.Advance(time.Minute)

	if step.Entity == "" {
		batches, _ := h.orch.RunAll(ctx)
		for _, b := range batches {
			result.Batches = append(result.Batches, b)
			if !b.Succeeded() {
				result.AddError(fmt.Sprintf("runs[%d]: %s failed at %s: %s", i, b.EntityType, b.FailedStage, b.Error))
			}
		}
		return nil
	}

	batch, err := h.orch.Run(ctx, step.Entity)
	if err != nil && batch.RunID == "" {
		return err
	}
	result.Batches = append(result.Batches, batch)
	h.logger.Info("scenario run completed",
		"step", i,
		"entity", step.Entity,
		"run_id", batch.RunID,
		"state", batch.State)

	if step.Expect == nil {
		if !batch.Succeeded() {
			result.AddError(fmt.Sprintf("runs[%d]: %s failed at %s: %s", i, step.Entity, batch.FailedStage, batch.Error))
		}
		return nil
	}
	for _, msg := range checkExpect(batch, *step.Expect) {
		result.AddError(fmt.Sprintf("runs[%d]: %s", i, msg))
	}
	return nil
}

func checkExpect(b record.LoadBatch, want RunExpect) []string {
	var errs []string
	mismatch := func(field string, want, got any) {
		errs = append(errs, fmt.Sprintf("%s: expected %v, got %v", field, want, got))
	}
	state := want.State
	if state == "" {
		state = record.BatchDone
	}
	if b.State != state {
		mismatch("state", state, b.State)
	}
	if want.FailedStage != "" && b.FailedStage != want.FailedStage {
		mismatch("failed_stage", want.FailedStage, b.FailedStage)
	}
	if want.ErrorContains != "" && !strings.Contains(b.Error, want.ErrorContains) {
		mismatch("error", fmt.Sprintf("containing %q", want.ErrorContains), fmt.Sprintf("%q", b.Error))
	}
	if want.Changes != nil && *want.Changes != b.Changes {
		mismatch("changes", *want.Changes, b.Changes)
	}
	if want.FullResync != nil && *want.FullResync != b.FullResync {
		mismatch("full_resync", *want.FullResync, b.FullResync)
	}
	if want.ErrorCount != nil && *want.ErrorCount != b.ErrorCount {
		mismatch("error_count", *want.ErrorCount, b.ErrorCount)
	}
	if want.OrphanCount != nil && *want.OrphanCount != b.OrphanCount {
		mismatch("orphan_count", *want.OrphanCount, b.OrphanCount)
	}
	return errs
}
