package stats

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
)

// PostgresProvider reads the agent_stats table.
type PostgresProvider struct {
	db *sql.DB
}

var _ Provider = (*PostgresProvider)(nil)

// NewPostgresProvider creates a provider backed by PostgreSQL.
func NewPostgresProvider(db *sql.DB) *PostgresProvider {
	return &PostgresProvider{db: db}
}

func (p *PostgresProvider) LifetimeSales(ctx context.Context, siteID, agentID string) (decimal.Decimal, error) {
	var sales decimal.NullDecimal
	err := p.db.QueryRowContext(ctx,
		`SELECT lifetime_sales FROM agent_stats WHERE site_id = $1 AND agent_id = $2`,
		siteID, agentID,
	).Scan(&sales)
	if err == sql.ErrNoRows {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("query lifetime sales: %w", err)
	}
	if !sales.Valid {
		return decimal.Zero, nil
	}
	return sales.Decimal, nil
}

func (p *PostgresProvider) LevelName(ctx context.Context, siteID, agentID string) (string, error) {
	var level sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT level_name FROM agent_stats WHERE site_id = $1 AND agent_id = $2`,
		siteID, agentID,
	).Scan(&level)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query level name: %w", err)
	}
	return level.String, nil
}

// Upsert writes an agent's aggregates. Used by seeding and tests.
func (p *PostgresProvider) Upsert(ctx context.Context, siteID, agentID string, sales decimal.Decimal, level string) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO agent_stats (site_id, agent_id, lifetime_sales, level_name)
		VALUES ($1, $2, $3, NULLIF($4, ''))
		ON CONFLICT (site_id, agent_id) DO UPDATE SET
			lifetime_sales = EXCLUDED.lifetime_sales,
			level_name = EXCLUDED.level_name,
			updated_at = NOW()
	`, siteID, agentID, sales, level)
	if err != nil {
		return fmt.Errorf("upsert agent stats: %w", err)
	}
	return nil
}
