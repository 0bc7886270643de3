package settlement

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/mbd888/affiliate/internal/database"
	"github.com/mbd888/affiliate/internal/pagination"
)

// PostgresStore implements AuditStore backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ AuditStore = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed audit store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the settlement_batches and chargeback_entries tables if
// they don't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS settlement_batches (
			id            VARCHAR(64) PRIMARY KEY,
			requested     INTEGER NOT NULL,
			settled_count INTEGER NOT NULL,
			failed_count  INTEGER NOT NULL,
			total_amount  NUMERIC(20,6) NOT NULL,
			outcomes      JSONB NOT NULL DEFAULT '[]',
			started_at    TIMESTAMPTZ NOT NULL,
			finished_at   TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_settlement_batches_started ON settlement_batches(started_at DESC, id DESC);

		CREATE TABLE IF NOT EXISTS chargeback_entries (
			id               VARCHAR(64) PRIMARY KEY,
			order_id         VARCHAR(64) NOT NULL,
			record_id        VARCHAR(64) NOT NULL UNIQUE,
			site_id          VARCHAR(64) NOT NULL,
			agent_id         VARCHAR(64) NOT NULL,
			amount           NUMERIC(20,6) NOT NULL,
			balance_before   NUMERIC(20,6) NOT NULL,
			balance_after    NUMERIC(20,6) NOT NULL,
			was_insufficient BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_chargeback_entries_order ON chargeback_entries(order_id);
		CREATE INDEX IF NOT EXISTS idx_chargeback_entries_agent ON chargeback_entries(site_id, agent_id);
	`)
	return err
}

func (p *PostgresStore) SaveBatch(ctx context.Context, report *BatchReport) error {
	outcomes, err := json.Marshal(report.Outcomes)
	if err != nil {
		return fmt.Errorf("marshal outcomes: %w", err)
	}
	_, err = database.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO settlement_batches (
			id, requested, settled_count, failed_count, total_amount, outcomes, started_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			settled_count = EXCLUDED.settled_count,
			failed_count = EXCLUDED.failed_count,
			total_amount = EXCLUDED.total_amount,
			outcomes = EXCLUDED.outcomes,
			finished_at = EXCLUDED.finished_at
	`,
		report.ID, report.Requested, report.SettledCount, report.FailedCount, report.TotalAmount,
		outcomes, report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("save settlement batch: %w", err)
	}
	return nil
}

const batchColumns = `id, requested, settled_count, failed_count, total_amount, outcomes, started_at, finished_at`

func (p *PostgresStore) GetBatch(ctx context.Context, id string) (*BatchReport, error) {
	row := database.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM settlement_batches WHERE id = $1`, id)
	b, err := scanBatch(row)
	if err == sql.ErrNoRows {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get settlement batch: %w", err)
	}
	return b, nil
}

func (p *PostgresStore) ListBatches(ctx context.Context, limit int, after *pagination.Cursor) ([]*BatchReport, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if after == nil {
		rows, err = database.Conn(ctx, p.db).QueryContext(ctx,
			`SELECT `+batchColumns+` FROM settlement_batches
			ORDER BY started_at DESC, id DESC LIMIT $1`, limit)
	} else {
		rows, err = database.Conn(ctx, p.db).QueryContext(ctx,
			`SELECT `+batchColumns+` FROM settlement_batches
			WHERE (started_at, id) < ($2, $3)
			ORDER BY started_at DESC, id DESC LIMIT $1`, limit, after.At, after.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("list settlement batches: %w", err)
	}
	defer rows.Close()

	var out []*BatchReport
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// CreateChargeback inserts an entry. ON CONFLICT keeps a repeat reversal from
// aborting the enclosing transaction; the caller rolls back on
// ErrAlreadyReversed.
func (p *PostgresStore) CreateChargeback(ctx context.Context, entry *ChargebackEntry) error {
	res, err := database.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO chargeback_entries (
			id, order_id, record_id, site_id, agent_id, amount,
			balance_before, balance_after, was_insufficient, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (record_id) DO NOTHING
	`,
		entry.ID, entry.OrderID, entry.RecordID, entry.SiteID, entry.AgentID, entry.Amount,
		entry.BalanceBefore, entry.BalanceAfter, entry.WasInsufficient, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert chargeback entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyReversed
	}
	return nil
}

const chargebackColumns = `id, order_id, record_id, site_id, agent_id, amount,
	balance_before, balance_after, was_insufficient, created_at`

func (p *PostgresStore) ChargebackForRecord(ctx context.Context, recordID string) (*ChargebackEntry, error) {
	row := database.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+chargebackColumns+` FROM chargeback_entries WHERE record_id = $1`, recordID)
	e, err := scanChargeback(row)
	if err == sql.ErrNoRows {
		return nil, ErrChargebackNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chargeback entry: %w", err)
	}
	return e, nil
}

func (p *PostgresStore) ListChargebacks(ctx context.Context, orderID string) ([]*ChargebackEntry, error) {
	rows, err := database.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+chargebackColumns+` FROM chargeback_entries WHERE order_id = $1 ORDER BY created_at, record_id`,
		orderID)
	if err != nil {
		return nil, fmt.Errorf("list chargeback entries: %w", err)
	}
	defer rows.Close()

	var out []*ChargebackEntry
	for rows.Next() {
		e, err := scanChargeback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func scanBatch(sc database.Scannable) (*BatchReport, error) {
	b := &BatchReport{}
	var outcomes []byte
	err := sc.Scan(&b.ID, &b.Requested, &b.SettledCount, &b.FailedCount, &b.TotalAmount,
		&outcomes, &b.StartedAt, &b.FinishedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(outcomes, &b.Outcomes); err != nil {
		return nil, fmt.Errorf("decode outcomes: %w", err)
	}
	return b, nil
}

func scanChargeback(sc database.Scannable) (*ChargebackEntry, error) {
	e := &ChargebackEntry{}
	err := sc.Scan(&e.ID, &e.OrderID, &e.RecordID, &e.SiteID, &e.AgentID, &e.Amount,
		&e.BalanceBefore, &e.BalanceAfter, &e.WasInsufficient, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	return e, nil
}
