package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/crmsync/internal/classify"
	"github.com/roach88/crmsync/internal/config"
	"github.com/roach88/crmsync/internal/derive"
	"github.com/roach88/crmsync/internal/detect"
	"github.com/roach88/crmsync/internal/load"
	"github.com/roach88/crmsync/internal/record"
	"github.com/roach88/crmsync/internal/resolve"
	"github.com/roach88/crmsync/internal/source"
	"github.com/roach88/crmsync/internal/store"
)

// Orchestrator runs configured entities against one store.
type Orchestrator struct {
	cfg       *config.Pipeline
	store     *store.Store
	source    source.Source
	reporters []Reporter
	runIDs    RunIDGenerator
	now       func() time.Time
	lookups   map[string]resolve.LookupTable
	postgres  resolve.Querier

	classifier *classify.Classifier
	entities   map[string]*entityPlan
}

// entityPlan is everything needed to run one entity, built once in New.
type entityPlan struct {
	cfg      config.Entity
	classify load.ClassifyFunc
	resolver *resolve.Resolver
	deriver  *derive.Deriver
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the time source for batch timestamps, captured_at,
// updated_at and promoted_at.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithRunIDs sets the run id generator. Default: UUIDv7Generator.
func WithRunIDs(gen RunIDGenerator) Option {
	return func(o *Orchestrator) {
		o.runIDs = gen
	}
}

// WithReporters adds reporters that receive every finished batch.
func WithReporters(reporters ...Reporter) Option {
	return func(o *Orchestrator) {
		o.reporters = append(o.reporters, reporters...)
	}
}

// WithLookups sets the lookup table for target entity types, overriding
// the configured reconciliation source for those targets.
func WithLookups(lookups map[string]resolve.LookupTable) Option {
	return func(o *Orchestrator) {
		for target, l := range lookups {
			o.lookups[target] = l
		}
	}
}

// WithPostgres supplies the connection used when reconciliation entries
// live in Postgres.
func WithPostgres(q resolve.Querier) Option {
	return func(o *Orchestrator) {
		o.postgres = q
	}
}

// New validates cfg and prepares every entity. cfg must have defaults
// applied.
func New(cfg *config.Pipeline, st *store.Store, src source.Source, opts ...Option) (*Orchestrator, error) {
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, config.ValidationErrors(errs)
	}
	o := &Orchestrator{
		cfg:     cfg,
		store:   st,
		source:  src,
		runIDs:  UUIDv7Generator{},
		now:     time.Now,
		lookups: map[string]resolve.LookupTable{},
	}
	for _, opt := range opts {
		opt(o)
	}

	classifier, err := classify.New(cfg.Classification.Table(), cfg.Classification.HighUrgency)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}
	o.classifier = classifier

	o.entities = make(map[string]*entityPlan, len(cfg.Entities))
	for _, ent := range cfg.Entities {
		plan, err := o.plan(ent)
		if err != nil {
			return nil, err
		}
		o.entities[ent.Name] = plan
	}
	return o, nil
}

func (o *Orchestrator) plan(ent config.Entity) (*entityPlan, error) {
	lookups := make(map[string]resolve.LookupTable)
	for _, ref := range ent.Refs {
		l, err := o.lookup(ref.Target)
		if err != nil {
			return nil, fmt.Errorf("entity %s: %w", ent.Name, err)
		}
		lookups[ref.Target] = l
	}
	resolver, err := resolve.New(ent.Name, ent.Refs, lookups)
	if err != nil {
		return nil, err
	}
	deriver, err := derive.New(ent.Derive)
	if err != nil {
		return nil, fmt.Errorf("entity %s: %w", ent.Name, err)
	}

	classifyFn := func(record.Row) record.Category { return ent.Category }
	if ent.Classify.Type != "" {
		fields := ent.Classify
		classifyFn = func(row record.Row) record.Category {
			return o.classifier.ClassifyRow(row, fields)
		}
	}
	return &entityPlan{cfg: ent, classify: classifyFn, resolver: resolver, deriver: deriver}, nil
}

func (o *Orchestrator) lookup(target string) (resolve.LookupTable, error) {
	if l, ok := o.lookups[target]; ok {
		return l, nil
	}
	recon := o.cfg.Reconciliation
	var l resolve.LookupTable
	switch recon.Source {
	case config.ReconPostgres:
		if o.postgres == nil {
			return nil, fmt.Errorf("lookup %s: reconciliation source is postgres but no connection was supplied", target)
		}
		l = resolve.NewPostgresTable(o.postgres, recon.Table, target, recon.MinConfidence)
	default:
		l = o.store.Lookup(target, recon.MinConfidence)
	}
	o.lookups[target] = l
	return l, nil
}

// Run runs one entity through every stage and returns its batch. The batch
// is persisted and reported whether or not the run succeeded; a failed run
// also returns a *StageError.
func (o *Orchestrator) Run(ctx context.Context, entity string) (record.LoadBatch, error) {
	plan, ok := o.entities[entity]
	if !ok {
		return record.LoadBatch{}, fmt.Errorf("run: unknown entity %q", entity)
	}

	batch := record.NewLoadBatch(o.runIDs.Generate(), entity, o.now().UTC())
	slog.Info("entity run started", "entity", entity, "run_id", batch.RunID)

	runErr := o.execute(ctx, plan, &batch)
	if runErr != nil {
		batch.State = record.BatchFailed
		if stage, ok := FailedStage(runErr); ok {
			batch.FailedStage = stage
		}
		batch.Error = runErr.Error()
	} else {
		batch.State = record.BatchDone
	}
	batch.FinishedAt = o.now().UTC()

	// The batch log must record cancelled runs too.
	if err := o.store.WriteLoadBatch(context.WithoutCancel(ctx), batch); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("write load batch %s: %w", batch.RunID, err))
	}
	o.report(batch)
	return batch, runErr
}

func (o *Orchestrator) report(b record.LoadBatch) {
	for _, r := range o.reporters {
		r.Report(b)
	}
}

// execute runs the stages. Counts go into batch as each stage commits.
func (o *Orchestrator) execute(ctx context.Context, plan *entityPlan, batch *record.LoadBatch) error {
	ent := plan.cfg
	staging := o.store.Staging(ent.Name)
	engine := load.New(ent.Name,
		load.WithCriticalFields(ent.CriticalFields...),
		load.WithRefFields(resolve.SourceFields(ent.Refs)...),
		load.WithClock(o.now),
	)

	step := func(stage record.Stage, fn func() (int, error)) error {
		if err := ctx.Err(); err != nil {
			return newStageError(ent.Name, stage, batch.CountsByStage, err)
		}
		start := time.Now()
		n, err := fn()
		if err != nil {
			return newStageError(ent.Name, stage, batch.CountsByStage, err)
		}
		batch.CountsByStage[stage] = n
		slog.Debug("stage committed",
			"entity", ent.Name,
			"run_id", batch.RunID,
			"stage", stage,
			"rows", n,
			"elapsed", time.Since(start))
		return nil
	}

	var rows []record.Row
	if err := step(record.StageExtracting, func() (int, error) {
		var err error
		rows, err = o.source.Extract(ctx, ent.Name, ent.Source)
		return len(rows), err
	}); err != nil {
		return err
	}

	var (
		cs          record.ChangeSet
		next        record.Snapshot
		priorSchema string
	)
	if err := step(record.StageDetecting, func() (int, error) {
		prior, err := o.store.ReadSnapshot(ctx, ent.Name)
		if err != nil {
			return 0, err
		}
		priorSchema = prior.SchemaVersion
		cs, next, err = detect.Detect(rows, prior, ent.Schema, o.now().UTC())
		if err != nil {
			return 0, err
		}
		next.EntityType = ent.Name
		batch.Changes = cs.Counts()
		batch.FullResync = cs.FullResync
		return len(cs.New) + len(cs.Modified) + len(cs.DeletedKeys), nil
	}); err != nil {
		return err
	}

	// Classification is pure; categories are computed once here and looked
	// up by natural key while staging.
	categories := make(map[string]record.Category, len(cs.New)+len(cs.Modified))
	if err := step(record.StageClassifying, func() (int, error) {
		for _, ch := range slices.Concat(cs.New, cs.Modified) {
			categories[ch.Key()] = plan.classify(ch.Row)
		}
		return len(categories), nil
	}); err != nil {
		return err
	}
	classifyFn := func(row record.Row) record.Category {
		if key, ok := ent.Schema.KeyOf(row); ok {
			if c, ok := categories[key]; ok {
				return c
			}
		}
		return plan.classify(row)
	}

	if err := step(record.StageStagingLoad, func() (int, error) {
		res, err := engine.Apply(ctx, cs, classifyFn, staging)
		if err != nil {
			return 0, err
		}
		batch.ErrorCount = res.Errors
		batch.CountsByCategory = res.Categories
		return res.Written(), nil
	}); err != nil {
		return err
	}

	if err := step(record.StageResolvingFK, func() (int, error) {
		return o.resolveStage(ctx, plan, engine, staging, batch)
	}); err != nil {
		return err
	}

	if err := step(record.StageDeriving, func() (int, error) {
		if plan.deriver.Len() == 0 {
			return 0, nil
		}
		recs, err := staging.ReadByStatus(ctx, record.StatusProcessed)
		if err != nil {
			return 0, err
		}
		children := make(map[string][]record.StagingRecord)
		for _, from := range plan.deriver.From() {
			if children[from], err = o.store.Staging(from).ReadByStatus(ctx, record.StatusProcessed); err != nil {
				return 0, err
			}
		}
		changed := plan.deriver.DeriveAll(recs, plan.deriver.Group(children))
		if err := engine.CommitDerived(ctx, staging, changed); err != nil {
			return 0, err
		}
		return len(changed), nil
	}); err != nil {
		return err
	}

	return step(record.StagePromoting, func() (int, error) {
		res, err := engine.Promote(ctx, staging, o.store.Production(ent.Name), ent.Promote)
		if err != nil {
			return 0, err
		}
		// An unchanged batch leaves the stored snapshot, saved_at included,
		// as it was.
		if cs.IsEmpty() && !cs.FullResync && priorSchema == next.SchemaVersion {
			return res.Promoted + res.Deleted, nil
		}
		if err := o.store.ReplaceSnapshot(ctx, next, o.now().UTC()); err != nil {
			return 0, err
		}
		return res.Promoted + res.Deleted, nil
	})
}

// resolveStage resolves pending rows plus processed rows that still have an
// unresolved reference, then marks pending rows processed. Fully resolved
// processed rows are left alone.
func (o *Orchestrator) resolveStage(ctx context.Context, plan *entityPlan, engine *load.Engine, staging load.StagingTable, batch *record.LoadBatch) (int, error) {
	recs, err := staging.ReadByStatus(ctx, record.StatusPending, record.StatusProcessed)
	if err != nil {
		return 0, err
	}

	todo := make([]record.StagingRecord, 0, len(recs))
	orphans := 0
	for _, rec := range recs {
		if rec.Status == record.StatusPending || hasUnresolved(rec, plan.cfg.Refs) {
			todo = append(todo, rec)
		} else if rec.IsOrphaned {
			orphans++
		}
	}

	resolved, stats, err := plan.resolver.ResolveAll(ctx, todo)
	if err != nil {
		return 0, err
	}
	// Processed rows whose resolution did not move are not rewritten.
	commit := resolved[:0:0]
	for i, rec := range resolved {
		if rec.Status == record.StatusPending || !sameResolution(todo[i], rec) {
			commit = append(commit, rec)
		}
	}
	if _, err := engine.CommitResolution(ctx, staging, commit); err != nil {
		return 0, err
	}
	batch.OrphanCount = orphans + stats.Orphaned
	return len(commit), nil
}

func sameResolution(a, b record.StagingRecord) bool {
	return a.IsOrphaned == b.IsOrphaned &&
		maps.EqualFunc(a.ResolvedRefs, b.ResolvedRefs, func(x, y *string) bool {
			return (x == nil) == (y == nil) && (x == nil || *x == *y)
		})
}

func hasUnresolved(rec record.StagingRecord, refs []resolve.RefSpec) bool {
	for _, ref := range refs {
		if rec.ResolvedRefs[ref.Name] == nil {
			return true
		}
	}
	return false
}

// RunAll runs every entity, level by level, and returns the batches in
// run order. The returned error joins every entity failure.
func (o *Orchestrator) RunAll(ctx context.Context) ([]record.LoadBatch, error) {
	levels, err := o.cfg.Levels()
	if err != nil {
		return nil, err
	}

	var (
		mu      sync.Mutex
		batches = map[string]record.LoadBatch{}
		failed  = map[string]bool{}
		errs    []error
	)
	finish := func(name string, b record.LoadBatch, err error) {
		mu.Lock()
		defer mu.Unlock()
		batches[name] = b
		if err != nil {
			failed[name] = true
			errs = append(errs, err)
		}
	}

	for _, level := range levels {
		// Dependencies live in earlier levels, so the failures known when
		// the level starts are all a skip decision needs.
		mu.Lock()
		failedBefore := maps.Clone(failed)
		mu.Unlock()

		var g errgroup.Group
		g.SetLimit(o.cfg.Workers)
		for _, name := range level {
			if dep, ok := o.failedDependency(name, failedBefore); ok {
				b, err := o.skip(ctx, name, dep)
				finish(name, b, err)
				continue
			}
			g.Go(func() error {
				b, err := o.Run(ctx, name)
				finish(name, b, err)
				// Entity failures are collected, not propagated, so siblings
				// in the level keep running.
				return nil
			})
		}
		_ = g.Wait()
	}

	out := make([]record.LoadBatch, 0, len(batches))
	for _, level := range levels {
		for _, name := range level {
			out = append(out, batches[name])
		}
	}
	return out, errors.Join(errs...)
}

func (o *Orchestrator) failedDependency(name string, failed map[string]bool) (string, bool) {
	for _, dep := range o.entities[name].cfg.DependsOn {
		if failed[dep] {
			return dep, true
		}
	}
	return "", false
}

// skip records a run that never started because dep failed.
func (o *Orchestrator) skip(ctx context.Context, entity, dep string) (record.LoadBatch, error) {
	now := o.now().UTC()
	batch := record.NewLoadBatch(o.runIDs.Generate(), entity, now)
	runErr := newStageError(entity, record.StageDependency, nil, fmt.Errorf("%w: %s", ErrDependencyFailed, dep))
	batch.State = record.BatchFailed
	batch.FailedStage = record.StageDependency
	batch.Error = runErr.Error()
	batch.FinishedAt = now

	slog.Warn("entity skipped", "entity", entity, "dependency", dep)
	if err := o.store.WriteLoadBatch(context.WithoutCancel(ctx), batch); err != nil {
		return batch, errors.Join(runErr, fmt.Errorf("write load batch %s: %w", batch.RunID, err))
	}
	o.report(batch)
	return batch, runErr
}
