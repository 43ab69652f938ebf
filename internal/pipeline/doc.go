// Package pipeline drives entity types through the sync stages.
//
// One run of one entity type moves through a fixed sequence:
//
//	idle -> extracting -> detecting -> classifying -> staging_load ->
//	resolving_fk -> deriving -> promoting -> done
//
// Each stage commits before the next begins. A failure at any stage stops
// the run, records the stage and error in the run's LoadBatch, and leaves
// the fingerprint snapshot where it was, so the next run sees the same
// changes again. The snapshot advances only when a run reaches done.
//
// RunAll runs every configured entity. Entities are grouped into levels by
// their depends_on constraints; the entities of one level run concurrently
// on a bounded pool, and a level starts only after the previous one has
// finished. An entity whose dependency failed is not run.
package pipeline
