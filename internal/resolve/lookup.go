package resolve

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5"
)

// LookupTable maps legacy ids to target-system ids for one entity type.
//
// Lookup is batched and read-only. Ids without a mapping are simply absent
// from the result; an error means the table itself could not be read.
type LookupTable interface {
	Lookup(ctx context.Context, legacyIDs []string) (map[string]string, error)
}

// MapTable is an in-memory LookupTable.
type MapTable map[string]string

// Lookup implements LookupTable.
func (m MapTable) Lookup(_ context.Context, legacyIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(legacyIDs))
	for _, id := range legacyIDs {
		if target, ok := m[id]; ok {
			out[id] = target
		}
	}
	return out, nil
}

// Querier is the subset of *pgxpool.Pool and pgx.Tx used by PostgresTable.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresTable reads a reconciliation table living in Postgres.
//
// The table must have columns entity_type, legacy_id, target_id and
// confidence. When a legacy id has several candidate rows, the one with
// the highest confidence wins.
type PostgresTable struct {
	db            Querier
	table         string
	entityType    string
	minConfidence int
}

// NewPostgresTable returns a lookup over table for one entity type.
// table may be schema-qualified ("crm.reconciliation").
func NewPostgresTable(db Querier, table, entityType string, minConfidence int) *PostgresTable {
	return &PostgresTable{db: db, table: table, entityType: entityType, minConfidence: minConfidence}
}

type lookupRow struct {
	LegacyID string
	TargetID string
}

// Lookup implements LookupTable.
func (p *PostgresTable) Lookup(ctx context.Context, legacyIDs []string) (map[string]string, error) {
	out := make(map[string]string, len(legacyIDs))
	if len(legacyIDs) == 0 {
		return out, nil
	}
	ids := dedupe(legacyIDs)

	rows, err := p.db.Query(ctx, lookupQuery(p.table), p.entityType, ids, p.minConfidence)
	if err != nil {
		return nil, fmt.Errorf("lookup %s in %s: %w", p.entityType, p.table, err)
	}
	matches, err := pgx.CollectRows(rows, pgx.RowToStructByPos[lookupRow])
	if err != nil {
		return nil, fmt.Errorf("lookup %s in %s: %w", p.entityType, p.table, err)
	}
	for _, m := range matches {
		if _, seen := out[m.LegacyID]; !seen {
			out[m.LegacyID] = m.TargetID
		}
	}
	return out, nil
}

// lookupQuery builds the batched lookup statement.
// Rows are ordered so the first row per legacy id has the highest confidence.
func lookupQuery(table string) string {
	return fmt.Sprintf(`SELECT legacy_id, target_id
FROM %s
WHERE entity_type = $1 AND legacy_id = ANY($2::text[]) AND confidence >= $3
ORDER BY legacy_id, confidence DESC, target_id`, quoteQualified(table))
}

func quoteQualified(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
