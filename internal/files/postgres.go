package files

import (
	"context"

	"devvelocity/internal/db"
)

// PgTxRunner binds a FileRepository to a Postgres transaction.
type PgTxRunner struct {
	pool db.TxBeginner
}

// NewPgTxRunner creates a PgTxRunner over pool.
func NewPgTxRunner(pool db.TxBeginner) *PgTxRunner {
	return &PgTxRunner{pool: pool}
}

// RunInTx implements TxRunner.
func (r *PgTxRunner) RunInTx(ctx context.Context, fn func(Store) error) error {
	return db.RunInTx(ctx, r.pool, func(tx db.DBTX) error {
		return fn(db.NewFileRepository(tx))
	})
}
