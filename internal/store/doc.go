// Package store provides SQLite-backed durable state for crmsync.
//
// One database holds every entity type's state:
//   - Snapshots: fingerprints of the last successful run per entity
//   - Staging: records being loaded, resolved, and derived
//   - Production: promoted records
//   - Reconciliation entries: legacy id to target id lookup tables
//   - Load batches: one immutable summary per run
//
// # Critical Patterns
//
// Atomic snapshot replacement
//   - ReplaceSnapshot deletes and rewrites an entity's fingerprints in one tx
//   - A crash mid-write leaves the previous snapshot intact
//
// Deterministic query results
//   - Every multi-row query orders by natural key (or started_at, run_id)
//   - Empty results are empty slices, never nil
//
// Idempotent batch log
//   - load_batches uses ON CONFLICT(run_id) DO NOTHING
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//   - A single connection serializes all writers
package store
