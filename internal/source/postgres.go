package source

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/roach88/crmsync/internal/record"
)

// Querier is the subset of *pgxpool.Pool used by Postgres.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres runs Spec.Query against the legacy database.
type Postgres struct {
	DB Querier
}

// Extract implements Source. Column names become field names.
func (p Postgres) Extract(ctx context.Context, entity string, spec Spec) ([]record.Row, error) {
	if spec.Query == "" {
		return nil, fmt.Errorf("extract %s: postgres source requires a query", entity)
	}
	if p.DB == nil {
		return nil, fmt.Errorf("extract %s: no postgres connection configured", entity)
	}
	rows, err := p.DB.Query(ctx, spec.Query)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", entity, err)
	}
	maps, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", entity, err)
	}
	out := make([]record.Row, len(maps))
	for i, m := range maps {
		for k, v := range m {
			m[k] = normalizeValue(v)
		}
		out[i] = record.Row(m)
	}
	return out, nil
}

// normalizeValue turns driver types with no useful textual form into
// strings. uuid columns arrive as raw [16]byte.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case [16]byte:
		return uuid.UUID(x).String()
	case []byte:
		return string(x)
	default:
		return v
	}
}

// OpenPool connects to dsn with at most maxConns connections.
func OpenPool(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}
