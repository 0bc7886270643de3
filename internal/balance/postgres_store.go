package balance

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/affiliate/internal/database"
)

// PostgresStore implements Store backed by PostgreSQL. Mutate locks the row
// with SELECT ... FOR UPDATE, joining the caller's transaction when there is
// one.
type PostgresStore struct {
	db *sql.DB
	tx *database.PostgresTx
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed account store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, tx: database.NewPostgresTx(db)}
}

// Migrate creates the agent_balances table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_balances (
			site_id              VARCHAR(64) NOT NULL,
			agent_id             VARCHAR(64) NOT NULL,
			balance              NUMERIC(20,6) NOT NULL DEFAULT 0,
			lifetime_earned      NUMERIC(20,6) NOT NULL DEFAULT 0,
			lifetime_withdrawn   NUMERIC(20,6) NOT NULL DEFAULT 0,
			lifetime_clawed_back NUMERIC(20,6) NOT NULL DEFAULT 0,
			negative             BOOLEAN NOT NULL DEFAULT FALSE,
			created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (site_id, agent_id)
		);
		CREATE INDEX IF NOT EXISTS idx_agent_balances_negative ON agent_balances(site_id) WHERE negative;
	`)
	return err
}

const accountColumns = `site_id, agent_id, balance, lifetime_earned, lifetime_withdrawn,
	lifetime_clawed_back, negative, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, k Key) (*Account, error) {
	row := database.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM agent_balances WHERE site_id = $1 AND agent_id = $2`,
		k.SiteID, k.AgentID)
	a, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get balance account: %w", err)
	}
	return a, nil
}

func (p *PostgresStore) Mutate(ctx context.Context, k Key, create bool, fn func(a *Account) error) (*Account, error) {
	var out *Account
	err := p.tx.WithTx(ctx, func(ctx context.Context) error {
		conn := database.Conn(ctx, p.db)
		if create {
			if _, err := conn.ExecContext(ctx, `
				INSERT INTO agent_balances (site_id, agent_id) VALUES ($1, $2)
				ON CONFLICT (site_id, agent_id) DO NOTHING
			`, k.SiteID, k.AgentID); err != nil {
				return fmt.Errorf("create balance account: %w", err)
			}
		}

		row := conn.QueryRowContext(ctx,
			`SELECT `+accountColumns+` FROM agent_balances WHERE site_id = $1 AND agent_id = $2 FOR UPDATE`,
			k.SiteID, k.AgentID)
		a, err := scanAccount(row)
		if err == sql.ErrNoRows {
			return ErrAccountNotFound
		}
		if err != nil {
			return fmt.Errorf("lock balance account: %w", err)
		}

		if err := fn(a); err != nil {
			return err
		}

		a.UpdatedAt = time.Now()
		if _, err := conn.ExecContext(ctx, `
			UPDATE agent_balances SET
				balance = $3,
				lifetime_earned = $4,
				lifetime_withdrawn = $5,
				lifetime_clawed_back = $6,
				negative = $7,
				updated_at = $8
			WHERE site_id = $1 AND agent_id = $2
		`, k.SiteID, k.AgentID, a.Balance, a.LifetimeEarned, a.LifetimeWithdrawn,
			a.LifetimeClawedBack, a.Negative, a.UpdatedAt); err != nil {
			return fmt.Errorf("update balance account: %w", err)
		}
		out = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func scanAccount(sc database.Scannable) (*Account, error) {
	a := &Account{}
	err := sc.Scan(&a.SiteID, &a.AgentID, &a.Balance, &a.LifetimeEarned, &a.LifetimeWithdrawn,
		&a.LifetimeClawedBack, &a.Negative, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return a, nil
}
