// Package sqldb implements iap.Store over any sqlx database whose dialect
// supports ON CONFLICT upserts. Backends supply the driver and schema.
package sqldb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"

	"github.com/code-payments/flipchat-iap/database"
	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/query"
)

const (
	productColumns = `provider, product_id, price, price_amount, currency, title, description, cache_time`

	paymentSelect = `SELECT
		p.provider, p.product_id, p.type, p.user_info, p.application_username,
		p.tran_id, p.ori_tran_id, p.purchase_time, p.expire_time, p.tran_state,
		c.price, c.price_amount, c.currency, c.title, c.description, c.cache_time
	FROM ` + paymentTable + ` p
	LEFT JOIN ` + productTable + ` c ON c.provider = p.provider AND c.product_id = p.product_id`

	upsertProduct = `INSERT INTO ` + productTable + ` (` + productColumns + `)
	VALUES (:provider, :product_id, :price, :price_amount, :currency, :title, :description, :cache_time)
	ON CONFLICT (provider, product_id) DO UPDATE SET
		price = excluded.price,
		price_amount = excluded.price_amount,
		currency = excluded.currency,
		title = excluded.title,
		description = excluded.description,
		cache_time = excluded.cache_time`

	upsertPayment = `INSERT INTO ` + paymentTable + ` (
		provider, product_id, type, user_info, application_username,
		tran_id, ori_tran_id, purchase_time, expire_time, tran_state
	) VALUES (
		:provider, :product_id, :type, :user_info, :application_username,
		:tran_id, :ori_tran_id, :purchase_time, :expire_time, :tran_state
	)
	ON CONFLICT (provider, product_id) DO UPDATE SET
		type = excluded.type,
		user_info = excluded.user_info,
		application_username = excluded.application_username,
		tran_id = excluded.tran_id,
		ori_tran_id = excluded.ori_tran_id,
		purchase_time = excluded.purchase_time,
		expire_time = excluded.expire_time,
		tran_state = excluded.tran_state`
)

type Store struct {
	db *sqlx.DB
}

func New(db *sqlx.DB) *Store {
	return &Store{db: db}
}

// Migrate executes schema statements in order.
func (s *Store) Migrate(ctx context.Context, statements ...string) error {
	for _, stmt := range statements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// Reset deletes every row. Intended for tests.
func (s *Store) Reset(ctx context.Context) error {
	return database.ExecuteInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM `+paymentTable); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM `+productTable)
		return err
	})
}

func (s *Store) GetProduct(ctx context.Context, providerName, productID string) (*iap.Product, error) {
	var m productModel
	q := s.db.Rebind(`SELECT ` + productColumns + ` FROM ` + productTable + ` WHERE provider = ? AND product_id = ?`)
	err := s.db.GetContext(ctx, &m, q, providerName, productID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return fromProductModel(&m)
}

func (s *Store) GetProducts(ctx context.Context, providerName string, productIDs []string) ([]*iap.Product, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}

	q, args, err := sqlx.In(
		`SELECT `+productColumns+` FROM `+productTable+` WHERE provider = ? AND product_id IN (?) ORDER BY product_id`,
		providerName, productIDs,
	)
	if err != nil {
		return nil, err
	}

	var models []*productModel
	if err := s.db.SelectContext(ctx, &models, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}

	products := make([]*iap.Product, 0, len(models))
	for _, m := range models {
		p, err := fromProductModel(m)
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return products, nil
}

func (s *Store) PutProduct(ctx context.Context, product *iap.Product) error {
	_, err := s.db.NamedExecContext(ctx, upsertProduct, toProductModel(product))
	return err
}

func (s *Store) GetPayment(ctx context.Context, providerName, productID string) (*iap.Payment, error) {
	return s.getPayment(ctx, `p.provider = ? AND p.product_id = ?`, providerName, productID)
}

func (s *Store) GetPaymentByTransaction(ctx context.Context, providerName, transactionID string) (*iap.Payment, error) {
	return s.getPayment(ctx, `p.provider = ? AND p.tran_id = ?`, providerName, transactionID)
}

func (s *Store) getPayment(ctx context.Context, where string, args ...any) (*iap.Payment, error) {
	var m paymentModel
	err := s.db.GetContext(ctx, &m, s.db.Rebind(paymentSelect+` WHERE `+where+` LIMIT 1`), args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	return fromPaymentModel(&m)
}

func (s *Store) GetPayments(ctx context.Context, opts ...query.Option) ([]*iap.Payment, error) {
	applied := query.ApplyOptions(opts...)

	q := paymentSelect + ` WHERE 1 = 1`
	var args []any
	if applied.Provider != "" {
		q += ` AND p.provider = ?`
		args = append(args, applied.Provider)
	}
	if len(applied.States) > 0 {
		q += ` AND p.tran_state IN (?)`
		args = append(args, applied.States)
	}

	direction, cmp := `ASC`, `>`
	if applied.Order == query.Descending {
		direction, cmp = `DESC`, `<`
	}
	if after := applied.After; after != nil {
		q += ` AND (p.purchase_time ` + cmp + ` ? OR (p.purchase_time = ? AND (p.product_id ` + cmp + ` ? OR (p.product_id = ? AND p.provider ` + cmp + ` ?))))`
		args = append(args, after.PurchaseTime, after.PurchaseTime, after.ProductID, after.ProductID, after.Provider)
	}
	q += ` ORDER BY p.purchase_time ` + direction + `, p.product_id ` + direction + `, p.provider ` + direction + ` LIMIT ?`
	args = append(args, applied.Limit)

	q, args, err := sqlx.In(q, args...)
	if err != nil {
		return nil, err
	}

	var models []*paymentModel
	if err := s.db.SelectContext(ctx, &models, s.db.Rebind(q), args...); err != nil {
		return nil, err
	}

	payments := make([]*iap.Payment, 0, len(models))
	for _, m := range models {
		p, err := fromPaymentModel(m)
		if err != nil {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, nil
}

func (s *Store) PutPayments(ctx context.Context, payments ...*iap.Payment) error {
	if len(payments) == 0 {
		return nil
	}

	models := make([]*paymentModel, 0, len(payments))
	for _, p := range payments {
		m, err := toPaymentModel(p)
		if err != nil {
			return err
		}
		models = append(models, m)
	}

	return database.ExecuteInTx(ctx, s.db, func(tx *sqlx.Tx) error {
		stmt, err := tx.PrepareNamedContext(ctx, upsertPayment)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, m := range models {
			if _, err := stmt.ExecContext(ctx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) DeletePayment(ctx context.Context, providerName, productID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM `+paymentTable+` WHERE provider = ? AND product_id = ?`), providerName, productID)
	return err
}
