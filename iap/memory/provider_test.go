package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/memory"
	"github.com/code-payments/flipchat-iap/receipt"
	receiptmemory "github.com/code-payments/flipchat-iap/receipt/memory"
)

func TestProvider_AddProductRejectsUnknownCurrency(t *testing.T) {
	p := memory.NewProvider(zap.NewNop())

	err := p.AddProduct(memory.CatalogItem{ProductID: "pro", Price: decimal.RequireFromString("1"), Currency: "XYZW"})
	require.Error(t, err)

	require.NoError(t, p.AddProduct(memory.CatalogItem{ProductID: "pro", Price: decimal.RequireFromString("1"), Currency: "JPY"}))
}

func TestProvider_Catalog(t *testing.T) {
	p := memory.NewProvider(zap.NewNop())
	require.NoError(t, p.AddProduct(memory.CatalogItem{
		ProductID:   "pro",
		Title:       "Pro",
		Description: "Everything",
		Price:       decimal.RequireFromString("4.99"),
		Currency:    "USD",
	}))

	products, invalid, err := p.Products(context.Background(), []string{"pro", "missing"})
	require.NoError(t, err)
	require.Equal(t, []string{"missing"}, invalid)
	require.Len(t, products, 1)
	require.Equal(t, memory.ProviderName, products[0].ProviderName)
	require.Equal(t, "Everything", products[0].LocalizedDescription)
	require.Equal(t, "USD", products[0].Currency)
	require.Contains(t, products[0].Price, "4.99")
}

func TestProvider_WithName(t *testing.T) {
	p := memory.NewProvider(zap.NewNop(), memory.WithName("appstore"))
	require.Equal(t, "appstore", p.Name())

	require.NoError(t, p.AddProduct(memory.CatalogItem{ProductID: "pro", Price: decimal.RequireFromString("4.99"), Currency: "USD"}))
	products, _, err := p.Products(context.Background(), []string{"pro"})
	require.NoError(t, err)
	require.Len(t, products, 1)
	require.Equal(t, "appstore", products[0].ProviderName)
}

func TestProvider_TransactionStateFromSnapshot(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	keeper := receipt.NewKeeper(zap.NewNop(), receiptmemory.NewInMemory())
	p := memory.NewProvider(zap.NewNop(),
		memory.WithKeeper(keeper),
		memory.WithProviderClock(func() time.Time { return now }),
	)

	_, ok := p.TransactionState("monthly")
	require.False(t, ok)

	require.NoError(t, keeper.Replace(context.Background(), receipt.Parse(map[string]any{
		"latest_receipt_info": []any{
			map[string]any{"product_id": "monthly", "transaction_id": "1", "expires_date_ms": "1700000060000"},
			map[string]any{"product_id": "yearly", "transaction_id": "2", "expires_date_ms": "1600000000000"},
			map[string]any{"product_id": "pro", "transaction_id": "3"},
		},
	})))

	state, ok := p.TransactionState("monthly")
	require.True(t, ok)
	require.Equal(t, iap.StateValidated, state)

	state, ok = p.TransactionState("yearly")
	require.True(t, ok)
	require.Equal(t, iap.StateInvalided, state)

	_, ok = p.TransactionState("pro")
	require.False(t, ok)
}

func TestProvider_FinishWithoutTransactions(t *testing.T) {
	p := memory.NewProvider(zap.NewNop())
	require.ErrorIs(t, p.FinishTransaction("pro"), iap.ErrItemNotFound)
	require.ErrorIs(t, p.Approve(context.Background(), "pro"), iap.ErrItemNotFound)
	require.ErrorIs(t, p.Fail(context.Background(), "pro", true), iap.ErrItemNotFound)
	require.ErrorIs(t, p.Defer(context.Background(), "pro"), iap.ErrItemNotFound)
}

func TestDisplayPrice(t *testing.T) {
	require.Contains(t, memory.DisplayPrice(decimal.RequireFromString("4.99"), "USD"), "4.99")
	require.Equal(t, "4.99 ???", memory.DisplayPrice(decimal.RequireFromString("4.99"), "???"))
}

func TestProvider_OpenRenewalIsNotAPurchase(t *testing.T) {
	ctx := context.Background()
	log := zap.NewNop()

	var loadErr error
	coordinator := iap.NewCoordinator(log, memory.NewInMemory())
	p := memory.NewProvider(log, memory.WithReceiptLoader(func(context.Context, bool) (*receipt.Snapshot, error) {
		return nil, loadErr
	}))
	p.Attach(coordinator)
	require.NoError(t, p.AddProduct(memory.CatalogItem{ProductID: "pro", Price: decimal.RequireFromString("4.99"), Currency: "USD"}))

	pub, priv, err := memory.GenerateKeyPair()
	require.NoError(t, err)
	validator := memory.NewValidator(pub)

	req := iap.NewPurchaseRequest("pro", iap.ProductTypeNonConsumable, map[string]any{
		memory.ReceiptKey: memory.GenerateValidReceipt(priv, "pro"),
	}, p, validator)
	require.NoError(t, coordinator.StartPurchase(ctx, req))
	require.NoError(t, p.Approve(ctx, "pro"))

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, req.Wait(waitCtx))

	// The renewal stays unfinished because the receipt could not be loaded.
	loadErr = errors.New("offline")
	_, err = p.Renew(ctx, "pro")
	require.ErrorIs(t, err, iap.ErrReceiptFetchFailed)

	queue := p.Queue()
	renewal := queue[len(queue)-1]
	require.NotEmpty(t, renewal.Original)
	require.False(t, renewal.Finished)

	_, ok := p.TransactionState("pro")
	require.False(t, ok)

	state, err := coordinator.State(ctx, "pro", p)
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, state)

	next := iap.NewPurchaseRequest("pro", iap.ProductTypeNonConsumable, nil, p, validator)
	p.SetTransactionInfo(next)
	require.Empty(t, next.Payment.TransactionID)
}
