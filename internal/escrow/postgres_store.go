package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists escrows in a PostgreSQL table. Transitions run
// inside a transaction holding a row lock, so concurrent releasers serialize
// on the record.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createEscrowsSQL = `
CREATE TABLE IF NOT EXISTS escrows (
    id TEXT PRIMARY KEY,
    chain_id BIGINT NOT NULL,
    token_symbol TEXT NOT NULL,
    token_address TEXT NOT NULL,
    amount TEXT NOT NULL,
    payee TEXT NOT NULL,
    payer TEXT NOT NULL DEFAULT '',
    escrow_address TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL,
    release_rule TEXT NOT NULL,
    auto_release_hours INT NOT NULL DEFAULT 0,
    funding_tx_hash TEXT NOT NULL DEFAULT '',
    release_tx_hash TEXT NOT NULL DEFAULT '',
    release_pending_tx TEXT NOT NULL DEFAULT '',
    released_by TEXT NOT NULL DEFAULT '',
    dispute_reason TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    funded_at TIMESTAMPTZ,
    release_due_at TIMESTAMPTZ,
    released_at TIMESTAMPTZ,
    release_claimed_at TIMESTAMPTZ
);
ALTER TABLE escrows ADD COLUMN IF NOT EXISTS release_pending_tx TEXT NOT NULL DEFAULT '';
CREATE INDEX IF NOT EXISTS escrows_release_due_idx ON escrows (status, release_due_at);
`

const selectEscrowSQL = `
SELECT id, chain_id, token_symbol, token_address, amount, payee, payer, escrow_address,
       status, release_rule, auto_release_hours, funding_tx_hash, release_tx_hash,
       released_by, dispute_reason, created_at, funded_at, release_due_at, released_at,
       release_claimed_at, release_pending_tx
FROM escrows
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createEscrowsSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Create(ctx context.Context, rec Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO escrows (id, chain_id, token_symbol, token_address, amount, payee, status,
                     release_rule, auto_release_hours, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, rec.ID, int64(rec.ChainID), rec.TokenSymbol, rec.TokenAddress, rec.Amount, rec.Payee,
		string(rec.Status), string(rec.ReleaseRule), rec.AutoReleaseHours, rec.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrExists
	}
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	rec, err := scanRecord(p.pool.QueryRow(ctx, selectEscrowSQL+`WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	return rec, err
}

func (p *PostgresStore) MarkFunded(ctx context.Context, id string, f Funding) (Record, error) {
	return p.update(ctx, id, func(rec *Record) error { return rec.applyFunding(f) })
}

func (p *PostgresStore) MarkDisputed(ctx context.Context, id, reason string, now time.Time) (Record, error) {
	return p.update(ctx, id, func(rec *Record) error { return rec.applyDispute(reason, now) })
}

func (p *PostgresStore) ClaimRelease(ctx context.Context, id string, by Releaser, now time.Time) (Record, bool, error) {
	var claimed bool
	rec, err := p.update(ctx, id, func(rec *Record) error {
		var err error
		claimed, err = rec.applyClaim(by, now)
		return err
	})
	return rec, claimed, err
}

func (p *PostgresStore) UnclaimRelease(ctx context.Context, id string) error {
	tag, err := p.pool.Exec(ctx, `UPDATE escrows SET release_claimed_at = NULL WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (p *PostgresStore) SetReleasePending(ctx context.Context, id, txHash string) (Record, error) {
	return p.update(ctx, id, func(rec *Record) error { return rec.applyReleasePending(txHash) })
}

func (p *PostgresStore) MarkReleased(ctx context.Context, id string, rel Release) (Record, error) {
	return p.update(ctx, id, func(rec *Record) error { return rec.applyRelease(rel) })
}

func (p *PostgresStore) ListDueForRelease(ctx context.Context, now time.Time, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, selectEscrowSQL+`
WHERE status = $1 AND release_rule = $2 AND release_due_at <= $3
  AND (release_claimed_at IS NULL OR release_claimed_at < $4)
ORDER BY release_due_at, id
LIMIT $5
`, string(StatusFunded), string(RuleAuto), now, now.Add(-ReleaseClaimTTL), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// update locks the row, applies fn and writes back the mutable columns. When fn
// fails the stored record is returned unchanged alongside the error.
func (p *PostgresStore) update(ctx context.Context, id string, fn func(*Record) error) (Record, error) {
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Record{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rec, err := scanRecord(tx.QueryRow(ctx, selectEscrowSQL+`WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}

	before := rec
	if err := fn(&rec); err != nil {
		return before, err
	}

	_, err = tx.Exec(ctx, `
UPDATE escrows
SET payer = $2, escrow_address = $3, status = $4, funding_tx_hash = $5, release_tx_hash = $6,
    released_by = $7, dispute_reason = $8, funded_at = $9, release_due_at = $10,
    released_at = $11, release_claimed_at = $12, release_pending_tx = $13
WHERE id = $1
`, rec.ID, rec.Payer, rec.EscrowAddress, string(rec.Status), rec.FundingTxHash, rec.ReleaseTxHash,
		string(rec.ReleasedBy), rec.DisputeReason, rec.FundedAt, rec.ReleaseDueAt, rec.ReleasedAt,
		rec.ReleaseClaimedAt, rec.ReleasePendingTx)
	if err != nil {
		return Record{}, fmt.Errorf("update escrow %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec                      Record
		chainID                  int64
		status, rule, releasedBy string
	)
	err := row.Scan(&rec.ID, &chainID, &rec.TokenSymbol, &rec.TokenAddress, &rec.Amount, &rec.Payee,
		&rec.Payer, &rec.EscrowAddress, &status, &rule, &rec.AutoReleaseHours, &rec.FundingTxHash,
		&rec.ReleaseTxHash, &releasedBy, &rec.DisputeReason, &rec.CreatedAt, &rec.FundedAt,
		&rec.ReleaseDueAt, &rec.ReleasedAt, &rec.ReleaseClaimedAt, &rec.ReleasePendingTx)
	if err != nil {
		return Record{}, err
	}
	rec.ChainID = uint64(chainID)
	rec.Status = Status(status)
	rec.ReleaseRule = ReleaseRule(rule)
	rec.ReleasedBy = Releaser(releasedBy)
	return rec, nil
}
