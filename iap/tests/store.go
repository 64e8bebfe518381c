package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/query"
)

func RunStoreTests(t *testing.T, s iap.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s iap.Store){
		testIapStore_ProductRoundTrip,
		testIapStore_ProductReplace,
		testIapStore_PaymentRoundTrip,
		testIapStore_PaymentUpsert,
		testIapStore_PaymentByTransaction,
		testIapStore_PaymentWithProduct,
		testIapStore_PaymentListing,
		testIapStore_PaymentPaging,
		testIapStore_DeletePayment,
		testIapStore_BatchPut,
	} {
		tf(t, s)
		teardown()
	}
}

func newProduct(provider, productID string) *iap.Product {
	return &iap.Product{
		ProviderName:         provider,
		ProductID:            productID,
		Price:                "$4.99",
		PriceAmount:          decimal.RequireFromString("4.99"),
		Currency:             "USD",
		LocalizedTitle:       "Title " + productID,
		LocalizedDescription: "Description " + productID,
		CacheTime:            time.UnixMilli(1_700_000_000_123),
	}
}

func newPayment(provider, productID string, state iap.TransactionState, purchaseMs int64) *iap.Payment {
	p := iap.NewPayment(provider, productID, iap.ProductTypeSubscription, map[string]any{
		"receipt": "opaque-" + productID,
		"note":    "hello",
	})
	p.ApplicationUsername = "user-1"
	p.TransactionID = "tx-" + productID
	p.OriginalTransactionID = "otx-" + productID
	p.PurchaseTime = time.UnixMilli(purchaseMs)
	p.ExpireTime = time.UnixMilli(purchaseMs + 30*24*3600*1000)
	p.State = state
	return p
}

func requireProductEqual(t *testing.T, expected, actual *iap.Product) {
	require.Equal(t, expected.ProviderName, actual.ProviderName)
	require.Equal(t, expected.ProductID, actual.ProductID)
	require.Equal(t, expected.Price, actual.Price)
	require.True(t, expected.PriceAmount.Equal(actual.PriceAmount), "price amount %s != %s", expected.PriceAmount, actual.PriceAmount)
	require.Equal(t, expected.Currency, actual.Currency)
	require.Equal(t, expected.LocalizedTitle, actual.LocalizedTitle)
	require.Equal(t, expected.LocalizedDescription, actual.LocalizedDescription)
	require.Equal(t, expected.CacheTime.UnixMilli(), actual.CacheTime.UnixMilli())
}

func requirePaymentEqual(t *testing.T, expected, actual *iap.Payment) {
	require.Equal(t, expected.ProviderName(), actual.ProviderName())
	require.Equal(t, expected.ProductID(), actual.ProductID())
	require.Equal(t, expected.Type, actual.Type)
	require.Equal(t, expected.UserInfo, actual.UserInfo)
	require.Equal(t, expected.ApplicationUsername, actual.ApplicationUsername)
	require.Equal(t, expected.TransactionID, actual.TransactionID)
	require.Equal(t, expected.OriginalTransactionID, actual.OriginalTransactionID)
	require.Equal(t, expected.PurchaseTime.UnixMilli(), actual.PurchaseTime.UnixMilli())
	require.Equal(t, expected.ExpireTime.IsZero(), actual.ExpireTime.IsZero())
	if !expected.ExpireTime.IsZero() {
		require.Equal(t, expected.ExpireTime.UnixMilli(), actual.ExpireTime.UnixMilli())
	}
	require.Equal(t, expected.State, actual.State)
}

func testIapStore_ProductRoundTrip(t *testing.T, s iap.Store) {
	ctx := context.Background()

	_, err := s.GetProduct(ctx, "apple", "coins")
	require.ErrorIs(t, err, iap.ErrNotFound)

	expected := newProduct("apple", "coins")
	require.NoError(t, s.PutProduct(ctx, expected))

	actual, err := s.GetProduct(ctx, "apple", "coins")
	require.NoError(t, err)
	requireProductEqual(t, expected, actual)

	// Same product ID under another provider is a different product.
	_, err = s.GetProduct(ctx, "google", "coins")
	require.ErrorIs(t, err, iap.ErrNotFound)

	require.NoError(t, s.PutProduct(ctx, newProduct("apple", "gems")))
	products, err := s.GetProducts(ctx, "apple", []string{"coins", "missing", "gems"})
	require.NoError(t, err)
	require.Len(t, products, 2)

	products, err = s.GetProducts(ctx, "apple", nil)
	require.NoError(t, err)
	require.Empty(t, products)
}

func testIapStore_ProductReplace(t *testing.T, s iap.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutProduct(ctx, newProduct("apple", "coins")))

	updated := newProduct("apple", "coins")
	updated.Price = "€5,49"
	updated.PriceAmount = decimal.RequireFromString("5.49")
	updated.Currency = "EUR"
	updated.CacheTime = time.UnixMilli(1_800_000_000_000)
	require.NoError(t, s.PutProduct(ctx, updated))

	actual, err := s.GetProduct(ctx, "apple", "coins")
	require.NoError(t, err)
	requireProductEqual(t, updated, actual)
}

func testIapStore_PaymentRoundTrip(t *testing.T, s iap.Store) {
	ctx := context.Background()

	_, err := s.GetPayment(ctx, "apple", "sub")
	require.ErrorIs(t, err, iap.ErrNotFound)

	expected := newPayment("apple", "sub", iap.StateValidated, 1_700_000_000_000)
	require.NoError(t, s.PutPayments(ctx, expected))

	actual, err := s.GetPayment(ctx, "apple", "sub")
	require.NoError(t, err)
	requirePaymentEqual(t, expected, actual)

	// Non time limited entitlements keep a zero expiry.
	lifetime := newPayment("apple", "lifetime", iap.StateValidated, 1_700_000_000_000)
	lifetime.Type = iap.ProductTypeNonConsumable
	lifetime.ExpireTime = time.Time{}
	require.NoError(t, s.PutPayments(ctx, lifetime))

	actual, err = s.GetPayment(ctx, "apple", "lifetime")
	require.NoError(t, err)
	requirePaymentEqual(t, lifetime, actual)
	require.True(t, actual.ExpireTime.IsZero())
}

func testIapStore_PaymentUpsert(t *testing.T, s iap.Store) {
	ctx := context.Background()

	original := newPayment("apple", "sub", iap.StateShouldValidate, 1_700_000_000_000)
	require.NoError(t, s.PutPayments(ctx, original))

	updated := original.Clone()
	updated.State = iap.StateValidated
	updated.TransactionID = "tx-renewed"
	updated.ExpireTime = time.UnixMilli(1_900_000_000_000)
	require.NoError(t, s.PutPayments(ctx, updated))

	actual, err := s.GetPayment(ctx, "apple", "sub")
	require.NoError(t, err)
	requirePaymentEqual(t, updated, actual)

	payments, err := s.GetPayments(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1)
}

func testIapStore_PaymentByTransaction(t *testing.T, s iap.Store) {
	ctx := context.Background()

	expected := newPayment("apple", "sub", iap.StateValidated, 1_700_000_000_000)
	require.NoError(t, s.PutPayments(ctx, expected))

	actual, err := s.GetPaymentByTransaction(ctx, "apple", expected.TransactionID)
	require.NoError(t, err)
	requirePaymentEqual(t, expected, actual)

	_, err = s.GetPaymentByTransaction(ctx, "google", expected.TransactionID)
	require.ErrorIs(t, err, iap.ErrNotFound)

	_, err = s.GetPaymentByTransaction(ctx, "apple", "unknown")
	require.ErrorIs(t, err, iap.ErrNotFound)
}

func testIapStore_PaymentWithProduct(t *testing.T, s iap.Store) {
	ctx := context.Background()

	payment := newPayment("apple", "sub", iap.StateValidated, 1_700_000_000_000)
	require.NoError(t, s.PutPayments(ctx, payment))

	actual, err := s.GetPayment(ctx, "apple", "sub")
	require.NoError(t, err)
	require.Empty(t, actual.Product.Price)

	product := newProduct("apple", "sub")
	require.NoError(t, s.PutProduct(ctx, product))

	actual, err = s.GetPayment(ctx, "apple", "sub")
	require.NoError(t, err)
	requireProductEqual(t, product, &actual.Product)
	requirePaymentEqual(t, payment, actual)
}

func testIapStore_PaymentListing(t *testing.T, s iap.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutPayments(ctx,
		newPayment("apple", "c", iap.StateShouldValidate, 3000),
		newPayment("apple", "a", iap.StateValidated, 1000),
		newPayment("apple", "b", iap.StateShouldValidate, 2000),
		newPayment("google", "d", iap.StateShouldValidate, 4000),
	))

	productIDs := func(payments []*iap.Payment) []string {
		var ids []string
		for _, p := range payments {
			ids = append(ids, p.ProductID())
		}
		return ids
	}

	all, err := s.GetPayments(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c", "d"}, productIDs(all))

	pending, err := s.GetPayments(ctx, query.WithStates(iap.StateShouldValidate))
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c", "d"}, productIDs(pending))

	pending, err = s.GetPayments(ctx, query.WithStates(iap.StateShouldValidate), query.WithProvider("apple"))
	require.NoError(t, err)
	require.Equal(t, []string{"b", "c"}, productIDs(pending))

	multi, err := s.GetPayments(ctx, query.WithStates(iap.StateValidated, iap.StateInvalided), query.WithProvider("apple"))
	require.NoError(t, err)
	require.Equal(t, []string{"a"}, productIDs(multi))

	latest, err := s.GetPayments(ctx, query.WithDescending(), query.WithLimit(2))
	require.NoError(t, err)
	require.Equal(t, []string{"d", "c"}, productIDs(latest))

	none, err := s.GetPayments(ctx, query.WithStates(iap.StatePurchasing))
	require.NoError(t, err)
	require.Empty(t, none)
}

func testIapStore_PaymentPaging(t *testing.T, s iap.Store) {
	ctx := context.Background()

	// Ties on purchase time and product ID are broken by provider.
	require.NoError(t, s.PutPayments(ctx,
		newPayment("apple", "a", iap.StateShouldValidate, 1000),
		newPayment("google", "a", iap.StateShouldValidate, 1000),
		newPayment("apple", "b", iap.StateShouldValidate, 1000),
		newPayment("apple", "c", iap.StateValidated, 2000),
		newPayment("apple", "d", iap.StateShouldValidate, 3000),
	))

	keys := func(payments []*iap.Payment) []string {
		var keys []string
		for _, p := range payments {
			keys = append(keys, p.ProviderName()+"/"+p.ProductID())
		}
		return keys
	}

	var collected []*iap.Payment
	opts := []query.Option{query.WithStates(iap.StateShouldValidate), query.WithLimit(2)}
	for {
		page, err := s.GetPayments(ctx, opts...)
		require.NoError(t, err)
		collected = append(collected, page...)
		if len(page) < 2 {
			break
		}
		opts = []query.Option{
			query.WithStates(iap.StateShouldValidate),
			query.WithLimit(2),
			query.WithAfter(page[len(page)-1].Cursor()),
		}
	}
	require.Equal(t, []string{"apple/a", "google/a", "apple/b", "apple/d"}, keys(collected))

	descending, err := s.GetPayments(ctx, query.WithDescending(), query.WithAfter(query.Cursor{PurchaseTime: 2000, ProductID: "c", Provider: "apple"}))
	require.NoError(t, err)
	require.Equal(t, []string{"apple/b", "google/a", "apple/a"}, keys(descending))
}

func testIapStore_DeletePayment(t *testing.T, s iap.Store) {
	ctx := context.Background()

	require.NoError(t, s.PutPayments(ctx,
		newPayment("apple", "sub", iap.StateValidated, 1000),
		newPayment("google", "sub", iap.StateValidated, 1000),
	))

	require.NoError(t, s.DeletePayment(ctx, "apple", "sub"))
	require.NoError(t, s.DeletePayment(ctx, "apple", "sub"))

	_, err := s.GetPayment(ctx, "apple", "sub")
	require.ErrorIs(t, err, iap.ErrNotFound)

	_, err = s.GetPayment(ctx, "google", "sub")
	require.NoError(t, err)
}

func testIapStore_BatchPut(t *testing.T, s iap.Store) {
	ctx := context.Background()

	var batch []*iap.Payment
	for i := range 25 {
		batch = append(batch, newPayment("apple", fmt.Sprintf("product-%02d", i), iap.StateValidated, int64(1000+i)))
	}
	require.NoError(t, s.PutPayments(ctx, batch...))
	require.NoError(t, s.PutPayments(ctx))

	payments, err := s.GetPayments(ctx, query.WithProvider("apple"))
	require.NoError(t, err)
	require.Len(t, payments, len(batch))
	for i, p := range payments {
		requirePaymentEqual(t, batch[i], p)
	}
}
