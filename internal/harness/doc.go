// Package harness runs multi-run sync scenarios against a fresh store.
//
// A scenario names a pipeline config and a sequence of runs. Each run
// replaces the source rows of the entities it lists, optionally adds
// reconciliation entries, and runs one entity or the whole pipeline.
// Assertions then check staging, production and the snapshot.
//
// # Scenario Format
//
//	name: orphan_resolves_later
//	description: "An orphan picks up its company once reconciliation knows it"
//	config: ../configs/comms.yaml
//	runs:
//	  - entity: communications
//	    rows:
//	      communications:
//	        - { comm_id: "A1", comm_type: "Call", company_id: "C1" }
//	    expect:
//	      state: done
//	      changes: { new: 1 }
//	  - entity: communications
//	    reconciliation:
//	      - { entity_type: companies, legacy_id: C1, target_id: T1, confidence: 100 }
//	    rows:
//	      communications:
//	        - { comm_id: "A1", comm_type: "Call", company_id: "C1" }
//	assertions:
//	  - type: staging
//	    entity: communications
//	    key: A1
//	    expect: { category: calls, status: processed, is_orphaned: false }
//	  - type: production_count
//	    entity: communications
//	    count: 1
//
// Rows not listed in a run keep their rows from the previous run, so a
// later run only has to mention what changed.
//
// # Assertion Types
//
//   - staging: a staging row matches expect (subset match)
//   - production: a production row matches expect (subset match)
//   - production_count: number of live production rows
//   - snapshot_count: number of snapshot entries
//   - batch_count: number of load batches logged for an entity
//
// # Deterministic Runs
//
// Runs use a fixed clock advanced one minute per run and sequential run
// ids, so summaries can be compared against golden files with
// RunWithGolden.
package harness
