package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/sqldb"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS product_cache (
		provider TEXT NOT NULL,
		product_id TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '',
		price_amount NUMERIC NOT NULL DEFAULT 0,
		currency TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		cache_time BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (provider, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS payment (
		provider TEXT NOT NULL,
		product_id TEXT NOT NULL,
		type SMALLINT NOT NULL,
		user_info TEXT NOT NULL DEFAULT '{}',
		application_username TEXT NOT NULL DEFAULT '',
		tran_id TEXT NOT NULL DEFAULT '',
		ori_tran_id TEXT NOT NULL DEFAULT '',
		purchase_time BIGINT NOT NULL DEFAULT 0,
		expire_time BIGINT NOT NULL DEFAULT 0,
		tran_state TEXT NOT NULL,
		PRIMARY KEY (provider, product_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_tran_id ON payment (provider, tran_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_state ON payment (tran_state)`,
}

type store struct {
	*sqldb.Store
}

// NewInPostgres uses db, opened with the pgx stdlib driver, and creates the
// schema if needed.
func NewInPostgres(ctx context.Context, db *sql.DB) (iap.Store, error) {
	s := &store{
		Store: sqldb.New(sqlx.NewDb(db, "pgx")),
	}
	if err := s.Migrate(ctx, schema...); err != nil {
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return s, nil
}

func (s *store) reset() {
	if err := s.Reset(context.Background()); err != nil {
		panic(err)
	}
}
