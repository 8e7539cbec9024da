package dispute

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// PostgresStore persists dispute tickets in PostgreSQL. Key columns are
// broken out for querying; the full ticket travels as a JSONB document, the
// same shape the mailbox protocol uses.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed dispute store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Upsert(ctx context.Context, d *Dispute) error {
	data, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dispute %s: %w", d.ID, err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO disputes (id, trade_id, trader_id, state, is_opener, opening_date, data)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			state = EXCLUDED.state,
			data = EXCLUDED.data,
			updated_at = now()`,
		d.ID, d.TradeID, d.TraderID, string(d.State), d.IsOpener, d.OpeningDate, data,
	)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Dispute, error) {
	row := p.db.QueryRowContext(ctx, `SELECT data FROM disputes WHERE id = $1`, id)
	var data []byte
	if err := row.Scan(&data); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDisputeNotFound
		}
		return nil, err
	}
	var d Dispute
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decode dispute %s: %w", id, err)
	}
	return &d, nil
}

func (p *PostgresStore) ListByTrade(ctx context.Context, tradeID string) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT data FROM disputes WHERE trade_id = $1 ORDER BY created_at, id`, tradeID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func (p *PostgresStore) List(ctx context.Context) ([]*Dispute, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT data FROM disputes ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanDisputes(rows)
}

func scanDisputes(rows *sql.Rows) ([]*Dispute, error) {
	var result []*Dispute
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var d Dispute
		if err := json.Unmarshal(data, &d); err != nil {
			return nil, err
		}
		result = append(result, &d)
	}
	return result, rows.Err()
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
