package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mbd888/affiliate/internal/database"
)

// Compile-time checks.
var (
	_ Store    = (*PostgresStore)(nil)
	_ Registry = (*PostgresRegistry)(nil)
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed snapshot store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the policy_snapshots table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS policy_snapshots (
			order_id            VARCHAR(64) PRIMARY KEY,
			site_id             VARCHAR(64) NOT NULL,
			plan_id             VARCHAR(64) NOT NULL,
			plan_name           VARCHAR(255) NOT NULL,
			plan_version        INTEGER NOT NULL,
			mode                VARCHAR(20) NOT NULL,
			diff_reward_enabled BOOLEAN NOT NULL DEFAULT FALSE,
			tiers               JSONB NOT NULL,
			created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_policy_snapshots_site ON policy_snapshots(site_id);
	`)
	return err
}

// Create inserts a snapshot. The primary key on order_id is the idempotency
// guard; a duplicate returns ErrSnapshotExists.
func (p *PostgresStore) Create(ctx context.Context, snap *Snapshot) error {
	tiers, err := json.Marshal(snap.Tiers)
	if err != nil {
		return fmt.Errorf("marshal tiers: %w", err)
	}

	_, err = database.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO policy_snapshots (
			order_id, site_id, plan_id, plan_name, plan_version,
			mode, diff_reward_enabled, tiers, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		snap.OrderID, snap.SiteID, snap.PlanID, snap.PlanName, snap.PlanVersion,
		string(snap.Mode), snap.DiffRewardEnabled, tiers, snap.CreatedAt,
	)
	if database.IsUniqueViolation(err) {
		return ErrSnapshotExists
	}
	if err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// Get retrieves a snapshot by order.
func (p *PostgresStore) Get(ctx context.Context, orderID string) (*Snapshot, error) {
	var snap Snapshot
	var mode string
	var tiers []byte

	err := database.Conn(ctx, p.db).QueryRowContext(ctx, `
		SELECT order_id, site_id, plan_id, plan_name, plan_version,
			mode, diff_reward_enabled, tiers, created_at
		FROM policy_snapshots WHERE order_id = $1
	`, orderID).Scan(
		&snap.OrderID, &snap.SiteID, &snap.PlanID, &snap.PlanName, &snap.PlanVersion,
		&mode, &snap.DiffRewardEnabled, &tiers, &snap.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}

	snap.Mode = Mode(mode)
	if err := json.Unmarshal(tiers, &snap.Tiers); err != nil {
		return nil, fmt.Errorf("decode snapshot tiers: %w", err)
	}
	return &snap, nil
}

// Delete removes a snapshot (order deletion cascade).
func (p *PostgresStore) Delete(ctx context.Context, orderID string) error {
	res, err := database.Conn(ctx, p.db).ExecContext(ctx, `DELETE FROM policy_snapshots WHERE order_id = $1`, orderID)
	if err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSnapshotNotFound
	}
	return nil
}

// PostgresRegistry reads commission plans owned by the plan registry. Tier
// JSON is normalized through ParseTiers on every load, so legacy aliases in
// stored plans never reach a snapshot.
type PostgresRegistry struct {
	db *sql.DB
}

// NewPostgresRegistry creates a registry reader.
func NewPostgresRegistry(db *sql.DB) *PostgresRegistry {
	return &PostgresRegistry{db: db}
}

// ActivePlan returns the site's in-effect plan with the latest effective_from.
func (p *PostgresRegistry) ActivePlan(ctx context.Context, siteID string, at time.Time) (*Plan, error) {
	var plan Plan
	var mode string
	var tiers []byte
	var until sql.NullTime

	err := p.db.QueryRowContext(ctx, `
		SELECT id, site_id, name, version, mode, diff_reward_enabled, tiers,
			effective_from, effective_until, active
		FROM commission_plans
		WHERE site_id = $1 AND active
		  AND effective_from <= $2
		  AND (effective_until IS NULL OR effective_until > $2)
		ORDER BY effective_from DESC, version DESC
		LIMIT 1
	`, siteID, at).Scan(
		&plan.ID, &plan.SiteID, &plan.Name, &plan.Version, &mode, &plan.DiffRewardEnabled, &tiers,
		&plan.EffectiveFrom, &until, &plan.Active,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNoActivePlan
	}
	if err != nil {
		return nil, fmt.Errorf("get active plan: %w", err)
	}

	plan.Mode = Mode(mode)
	if !plan.Mode.Valid() {
		return nil, fmt.Errorf("%w: plan %s has mode %q", ErrInvalidMode, plan.ID, mode)
	}
	if until.Valid {
		plan.EffectiveUntil = until.Time
	}
	if plan.Tiers, err = ParseTiers(tiers); err != nil {
		return nil, fmt.Errorf("plan %s: %w", plan.ID, err)
	}
	return &plan, nil
}

// Save upserts a plan. Used by seeding and the operator CLI.
func (p *PostgresRegistry) Save(ctx context.Context, plan *Plan) error {
	if !plan.Mode.Valid() {
		return ErrInvalidMode
	}
	tiers, err := json.Marshal(plan.Tiers)
	if err != nil {
		return fmt.Errorf("marshal tiers: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO commission_plans (
			id, site_id, name, version, mode, diff_reward_enabled, tiers,
			effective_from, effective_until, active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			version = EXCLUDED.version,
			mode = EXCLUDED.mode,
			diff_reward_enabled = EXCLUDED.diff_reward_enabled,
			tiers = EXCLUDED.tiers,
			effective_from = EXCLUDED.effective_from,
			effective_until = EXCLUDED.effective_until,
			active = EXCLUDED.active
	`,
		plan.ID, plan.SiteID, plan.Name, plan.Version, string(plan.Mode), plan.DiffRewardEnabled, tiers,
		plan.EffectiveFrom, database.NullTime(plan.EffectiveUntil), plan.Active,
	)
	if err != nil {
		return fmt.Errorf("save plan: %w", err)
	}
	return nil
}
