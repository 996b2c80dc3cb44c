package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// Transactor hands out database transactions for settlement units of work.
// The settlement and order services own commit and rollback; repositories
// only ever execute inside a transaction they were given.
//
// Read committed is enough here: every balance mutation goes through a
// SELECT FOR UPDATE on the wallet row, so the row lock, not the isolation
// level, serializes concurrent settlements.
type Transactor struct {
	pool Pool
}

func NewTransactor(pool Pool) *Transactor {
	return &Transactor{pool: pool}
}

func (t *Transactor) Begin(ctx context.Context) (pgx.Tx, error) {
	return t.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
}
