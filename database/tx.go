package database

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ExecuteInTx runs fn in a transaction. The transaction commits if fn returns
// nil and rolls back otherwise, including on panic.
func ExecuteInTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		} else if err != nil {
			_ = tx.Rollback()
		} else {
			err = tx.Commit()
		}
	}()

	return fn(tx)
}
