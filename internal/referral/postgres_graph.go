package referral

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresGraph reads upline pointers from the referrals table, which the
// account subsystem owns.
type PostgresGraph struct {
	db *sql.DB
}

var _ Graph = (*PostgresGraph)(nil)

// NewPostgresGraph creates a graph reader.
func NewPostgresGraph(db *sql.DB) *PostgresGraph {
	return &PostgresGraph{db: db}
}

func (g *PostgresGraph) Upline(ctx context.Context, accountID string) (string, bool, error) {
	var upline sql.NullString
	err := g.db.QueryRowContext(ctx,
		`SELECT upline_id FROM referrals WHERE account_id = $1`, accountID,
	).Scan(&upline)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("query upline: %w", err)
	}
	if !upline.Valid || upline.String == "" {
		return "", false, nil
	}
	return upline.String, true, nil
}

// SetUpline upserts an edge. Used by seeding and tests.
func (g *PostgresGraph) SetUpline(ctx context.Context, accountID, uplineID string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO referrals (account_id, upline_id) VALUES ($1, NULLIF($2, ''))
		ON CONFLICT (account_id) DO UPDATE SET upline_id = EXCLUDED.upline_id
	`, accountID, uplineID)
	if err != nil {
		return fmt.Errorf("set upline: %w", err)
	}
	return nil
}
