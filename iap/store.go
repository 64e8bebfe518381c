package iap

import (
	"context"

	"github.com/code-payments/flipchat-iap/query"
)

// Store is the durable entitlement cache. Implementations serialize all
// access through a single writer; every method returns only after its effect
// is durable.
type Store interface {
	// GetProduct returns a cached catalog entry.
	//
	// ErrNotFound is returned if the product was never cached.
	GetProduct(ctx context.Context, providerName, productID string) (*Product, error)

	// GetProducts returns the cached subset of productIDs. Missing products
	// are skipped.
	GetProducts(ctx context.Context, providerName string, productIDs []string) ([]*Product, error)

	// PutProduct upserts a catalog entry.
	PutProduct(ctx context.Context, product *Product) error

	// GetPayment returns the live payment for a product.
	//
	// ErrNotFound is returned if no payment exists.
	GetPayment(ctx context.Context, providerName, productID string) (*Payment, error)

	// GetPaymentByTransaction returns the payment holding transactionID.
	//
	// ErrNotFound is returned if no payment exists.
	GetPaymentByTransaction(ctx context.Context, providerName, transactionID string) (*Payment, error)

	// GetPayments lists payments, optionally filtered by state and provider.
	GetPayments(ctx context.Context, opts ...query.Option) ([]*Payment, error)

	// PutPayments upserts payments by (provider, product). The batch is
	// atomic.
	PutPayments(ctx context.Context, payments ...*Payment) error

	// DeletePayment removes a product's payment. It is idempotent.
	DeletePayment(ctx context.Context, providerName, productID string) error
}
