package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	sqlitedb "github.com/code-payments/flipchat-iap/database/sqlite"
	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/sqldb"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS product_cache (
		provider TEXT NOT NULL,
		product_id TEXT NOT NULL,
		price TEXT NOT NULL DEFAULT '',
		price_amount TEXT NOT NULL DEFAULT '0',
		currency TEXT NOT NULL DEFAULT '',
		title TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		cache_time INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (provider, product_id)
	)`,
	`CREATE TABLE IF NOT EXISTS payment (
		provider TEXT NOT NULL,
		product_id TEXT NOT NULL,
		type INTEGER NOT NULL,
		user_info TEXT NOT NULL DEFAULT '{}',
		application_username TEXT NOT NULL DEFAULT '',
		tran_id TEXT NOT NULL DEFAULT '',
		ori_tran_id TEXT NOT NULL DEFAULT '',
		purchase_time INTEGER NOT NULL DEFAULT 0,
		expire_time INTEGER NOT NULL DEFAULT 0,
		tran_state TEXT NOT NULL,
		PRIMARY KEY (provider, product_id)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_tran_id ON payment (provider, tran_id)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_state ON payment (tran_state)`,
}

func init() {
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

type store struct {
	*sqldb.Store
	db *sqlx.DB
}

// NewInSQLite opens (or creates) the entitlement cache at path.
func NewInSQLite(ctx context.Context, path string) (iap.Store, error) {
	db, err := sqlitedb.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	return NewWithDB(ctx, db)
}

// NewWithDB uses an already opened database. The caller must limit it to a
// single connection.
func NewWithDB(ctx context.Context, db *sqlx.DB) (iap.Store, error) {
	s := &store{
		Store: sqldb.New(db),
		db:    db,
	}
	if err := s.Migrate(ctx, schema...); err != nil {
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return s, nil
}

func (s *store) reset() {
	if err := s.Reset(context.Background()); err != nil {
		panic(err)
	}
}

func (s *store) Close() error {
	return s.db.Close()
}
