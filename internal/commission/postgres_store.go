package commission

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/mbd888/affiliate/internal/database"
)

// PostgresStore implements Store backed by PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgreSQL-backed commission store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the commission_records table if it doesn't exist.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS commission_records (
			id            VARCHAR(64) PRIMARY KEY,
			order_id      VARCHAR(64) NOT NULL,
			site_id       VARCHAR(64) NOT NULL,
			agent_id      VARCHAR(64) NOT NULL,
			level         INTEGER NOT NULL CHECK (level >= 1),
			rate_percent  NUMERIC(10,4) NOT NULL,
			amount        NUMERIC(20,6) NOT NULL CHECK (amount >= 0),
			status        VARCHAR(20) NOT NULL DEFAULT 'hold',
			hold_until    TIMESTAMPTZ NOT NULL,
			paid_at       TIMESTAMPTZ,
			cancel_reason TEXT,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (order_id, agent_id, level)
		);
		CREATE INDEX IF NOT EXISTS idx_commission_records_order ON commission_records(order_id);
		CREATE INDEX IF NOT EXISTS idx_commission_records_status ON commission_records(status, created_at);
		CREATE INDEX IF NOT EXISTS idx_commission_records_hold ON commission_records(hold_until) WHERE status = 'hold';
	`)
	return err
}

const recordColumns = `id, order_id, site_id, agent_id, level, rate_percent, amount,
	status, hold_until, paid_at, cancel_reason, created_at, updated_at`

// Create inserts a record. ON CONFLICT keeps a duplicate from aborting an
// enclosing transaction.
func (p *PostgresStore) Create(ctx context.Context, rec *Record) error {
	res, err := database.Conn(ctx, p.db).ExecContext(ctx, `
		INSERT INTO commission_records (
			id, order_id, site_id, agent_id, level, rate_percent, amount,
			status, hold_until, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (order_id, agent_id, level) DO NOTHING
	`,
		rec.ID, rec.OrderID, rec.SiteID, rec.AgentID, rec.Level, rec.RatePercent, rec.Amount,
		string(rec.Status), rec.HoldUntil, rec.CreatedAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert commission record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateRecord
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	row := database.Conn(ctx, p.db).QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM commission_records WHERE id = $1`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get commission record: %w", err)
	}
	return rec, nil
}

func (p *PostgresStore) ListByOrder(ctx context.Context, orderID string) ([]*Record, error) {
	rows, err := database.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+recordColumns+` FROM commission_records WHERE order_id = $1 ORDER BY level`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list commission records by order: %w", err)
	}
	return collectRecords(rows)
}

func (p *PostgresStore) ListByStatus(ctx context.Context, status Status, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := database.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT `+recordColumns+` FROM commission_records WHERE status = $1 ORDER BY created_at, id LIMIT $2`,
		string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list commission records by status: %w", err)
	}
	return collectRecords(rows)
}

// Transition performs a compare-and-set on status. A miss is disambiguated
// into not-found or a concurrency conflict.
func (p *PostgresStore) Transition(ctx context.Context, id string, from, to Status, at time.Time, reason string) (*Record, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	var paidAt sql.NullTime
	if to == StatusPaid {
		paidAt = sql.NullTime{Time: at, Valid: true}
	}
	var cancelReason sql.NullString
	if to == StatusCancelled {
		cancelReason = sql.NullString{String: reason, Valid: true}
	}

	conn := database.Conn(ctx, p.db)
	row := conn.QueryRowContext(ctx, `
		UPDATE commission_records SET
			status = $3,
			paid_at = COALESCE($4, paid_at),
			cancel_reason = COALESCE($5, cancel_reason),
			updated_at = $6
		WHERE id = $1 AND status = $2
		RETURNING `+recordColumns,
		id, string(from), string(to), paidAt, cancelReason, at,
	)
	rec, err := scanRecord(row)
	if err == nil {
		return rec, nil
	}
	if err != sql.ErrNoRows {
		return nil, fmt.Errorf("transition commission record: %w", err)
	}

	var current string
	err = conn.QueryRowContext(ctx, `SELECT status FROM commission_records WHERE id = $1`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read commission status: %w", err)
	}
	return nil, fmt.Errorf("%w: record %s is %s, expected %s", ErrConcurrencyConflict, id, current, from)
}

// ReleaseMatured promotes matured holds in one statement. SKIP LOCKED lets
// concurrent sweepers split the work instead of blocking on each other.
func (p *PostgresStore) ReleaseMatured(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	rows, err := database.Conn(ctx, p.db).QueryContext(ctx, `
		UPDATE commission_records SET status = 'ready', updated_at = $1
		WHERE id IN (
			SELECT id FROM commission_records
			WHERE status = 'hold' AND hold_until <= $1
			ORDER BY hold_until
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+recordColumns,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("release matured holds: %w", err)
	}
	return collectRecords(rows)
}

func (p *PostgresStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := database.Conn(ctx, p.db).QueryContext(ctx,
		`SELECT status, COUNT(*) FROM commission_records GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count commission records: %w", err)
	}
	defer rows.Close()

	out := make(map[Status]int, 4)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		out[Status(status)] = n
	}
	return out, rows.Err()
}

func collectRecords(rows *sql.Rows) ([]*Record, error) {
	defer rows.Close()
	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(sc database.Scannable) (*Record, error) {
	rec := &Record{}
	var status string
	var paidAt sql.NullTime
	var cancelReason sql.NullString
	err := sc.Scan(
		&rec.ID, &rec.OrderID, &rec.SiteID, &rec.AgentID, &rec.Level, &rec.RatePercent, &rec.Amount,
		&status, &rec.HoldUntil, &paidAt, &cancelReason, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if paidAt.Valid {
		t := paidAt.Time
		rec.PaidAt = &t
	}
	rec.CancelReason = cancelReason.String
	return rec, nil
}
