package tests

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/event"
	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/memory"
	"github.com/code-payments/flipchat-iap/query"
	"github.com/code-payments/flipchat-iap/receipt"
	receiptmemory "github.com/code-payments/flipchat-iap/receipt/memory"
)

const (
	productCoins   = "coins"
	productPro     = "pro"
	productMonthly = "monthly"
)

func RunCoordinatorTests(t *testing.T, s iap.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s iap.Store){
		testCoordinator_HappyPath,
		testCoordinator_PurchaseSlot,
		testCoordinator_PurchaseSlotConcurrent,
		testCoordinator_NoConcurrentValidation,
		testCoordinator_StateIsIdempotent,
		testCoordinator_LazyExpiry,
		testCoordinator_TransientFailureThenRetry,
		testCoordinator_AutoValidationTransientFailure,
		testCoordinator_ConsumableDeleted,
		testCoordinator_InvalidReceipt,
		testCoordinator_PurchaseFailures,
		testCoordinator_AutoValidation,
		testCoordinator_Renewals,
		testCoordinator_Restore,
		testCoordinator_ResumePending,
		testCoordinator_PendingPaymentsAllPages,
		testCoordinator_FetchProducts,
		testCoordinator_PurchaseArrived,
	} {
		tf(t, s)
		teardown()
	}
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type coordinatorEnv struct {
	store     iap.Store
	clock     *fakeClock
	coord     *iap.Coordinator
	provider  *memory.Provider
	validator *memory.Validator
	keeper    *receipt.Keeper
	owner     ed25519.PrivateKey

	snapshotMu sync.Mutex
	snapshot   *receipt.Snapshot
}

func newCoordinatorEnv(t *testing.T, s iap.Store) *coordinatorEnv {
	pub, priv, err := memory.GenerateKeyPair()
	require.NoError(t, err)

	log := zap.NewNop()
	env := &coordinatorEnv{
		store:     s,
		clock:     &fakeClock{now: time.UnixMilli(1_700_000_000_000)},
		validator: memory.NewValidator(pub),
		keeper:    receipt.NewKeeper(log, receiptmemory.NewInMemory()),
		owner:     priv,
	}
	env.coord = iap.NewCoordinator(log, s, iap.WithClock(env.clock.Now))
	env.provider = memory.NewProvider(log,
		memory.WithKeeper(env.keeper),
		memory.WithReceiptLoader(env.loadReceipts),
		memory.WithProviderClock(env.clock.Now),
	)
	env.provider.Attach(env.coord)

	for _, item := range []memory.CatalogItem{
		{ProductID: productCoins, Title: "Coins", Price: decimal.RequireFromString("0.99"), Currency: "USD"},
		{ProductID: productPro, Title: "Pro", Price: decimal.RequireFromString("4.99"), Currency: "USD"},
		{ProductID: productMonthly, Title: "Monthly", Price: decimal.RequireFromString("2.99"), Currency: "EUR"},
	} {
		require.NoError(t, env.provider.AddProduct(item))
	}
	return env
}

func (e *coordinatorEnv) loadReceipts(_ context.Context, _ bool) (*receipt.Snapshot, error) {
	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()

	if e.snapshot != nil {
		return e.snapshot, nil
	}
	return e.keeper.Current(), nil
}

func (e *coordinatorEnv) setSnapshot(s *receipt.Snapshot) {
	e.snapshotMu.Lock()
	defer e.snapshotMu.Unlock()

	e.snapshot = s
}

func (e *coordinatorEnv) request(productID string, productType iap.ProductType) *iap.PurchaseRequest {
	return iap.NewPurchaseRequest(productID, productType, map[string]any{
		memory.ReceiptKey: memory.GenerateValidReceipt(e.owner, productID),
	}, e.provider, e.validator)
}

func (e *coordinatorEnv) forgedRequest(t *testing.T, productID string, productType iap.ProductType) *iap.PurchaseRequest {
	_, other, err := memory.GenerateKeyPair()
	require.NoError(t, err)

	return iap.NewPurchaseRequest(productID, productType, map[string]any{
		memory.ReceiptKey: memory.GenerateValidReceipt(other, productID),
	}, e.provider, e.validator)
}

// purchase runs a purchase through to a successful validation.
func (e *coordinatorEnv) purchase(t *testing.T, productID string, productType iap.ProductType) *iap.PurchaseRequest {
	ctx := context.Background()

	req := e.request(productID, productType)
	require.NoError(t, e.coord.StartPurchase(ctx, req))
	require.NoError(t, e.provider.Approve(ctx, productID))
	require.NoError(t, wait(t, req))
	return req
}

func (e *coordinatorEnv) requireState(t *testing.T, productID string, expected iap.TransactionState) {
	state, err := e.coord.State(context.Background(), productID, e.provider)
	require.NoError(t, err)
	require.Equal(t, expected, state)
}

func wait(t *testing.T, req *iap.PurchaseRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := req.Wait(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded)
	return err
}

func nextResult(t *testing.T, results <-chan *iap.AutoValidationResult) *iap.AutoValidationResult {
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for auto validation result")
		return nil
	}
}

func subscribeResults(c *iap.Coordinator) <-chan *iap.AutoValidationResult {
	results := make(chan *iap.AutoValidationResult, 16)
	c.Subscribe(event.HandlerFunc[string, *iap.AutoValidationResult](func(_ string, r *iap.AutoValidationResult) {
		results <- r
	}))
	return results
}

func receiptEntry(productID, transactionID string, purchase, expires time.Time) map[string]any {
	entry := map[string]any{
		"product_id":       productID,
		"transaction_id":   transactionID,
		"purchase_date_ms": strconv.FormatInt(purchase.UnixMilli(), 10),
	}
	if !expires.IsZero() {
		entry["expires_date_ms"] = strconv.FormatInt(expires.UnixMilli(), 10)
	}
	return entry
}

func testCoordinator_HappyPath(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	req := env.request(productPro, iap.ProductTypeNonConsumable)
	var purchased atomic.Bool
	req.OnPurchased = func(*iap.PurchaseRequest) {
		purchased.Store(true)
	}

	require.NoError(t, env.coord.StartPurchase(ctx, req))
	require.Equal(t, req, env.coord.PurchasingRequest())
	env.requireState(t, productPro, iap.StatePurchasing)

	require.NoError(t, env.provider.Approve(ctx, productPro))
	require.NoError(t, wait(t, req))
	require.True(t, purchased.Load())
	require.Nil(t, env.coord.PurchasingRequest())
	require.False(t, env.coord.IsValidating(productPro))
	require.True(t, req.Response().ReceiptValid)
	env.requireState(t, productPro, iap.StateValidated)

	stored, err := s.GetPayment(ctx, memory.ProviderName, productPro)
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, stored.State)
	require.NotEmpty(t, stored.TransactionID)
	require.Equal(t, req.Payment.TransactionID, stored.TransactionID)
	require.Equal(t, env.clock.Now().UnixMilli(), stored.PurchaseTime.UnixMilli())

	require.Equal(t, 1, env.provider.Acknowledged(productPro))
	require.Equal(t, 1, env.validator.Calls(productPro))

	// Buying a validated product succeeds without another round trip.
	again := env.request(productPro, iap.ProductTypeNonConsumable)
	require.NoError(t, env.coord.StartPurchase(ctx, again))
	require.NoError(t, wait(t, again))
	require.Equal(t, 1, env.validator.Calls(productPro))
	require.Equal(t, 1, env.provider.Acknowledged(productPro))
}

func testCoordinator_PurchaseSlot(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	first := env.request(productPro, iap.ProductTypeNonConsumable)
	require.NoError(t, env.coord.StartPurchase(ctx, first))

	second := env.request(productCoins, iap.ProductTypeConsumable)
	err := env.coord.StartPurchase(ctx, second)
	require.ErrorIs(t, err, iap.ErrDuplicateOperation)
	require.ErrorIs(t, wait(t, second), iap.ErrDuplicateOperation)
	require.Equal(t, first, env.coord.PurchasingRequest())

	require.NoError(t, env.provider.Approve(ctx, productPro))
	require.NoError(t, wait(t, first))
	require.Nil(t, env.coord.PurchasingRequest())

	third := env.request(productCoins, iap.ProductTypeConsumable)
	require.NoError(t, env.coord.StartPurchase(ctx, third))
	require.Equal(t, third, env.coord.PurchasingRequest())
}

func testCoordinator_PurchaseSlotConcurrent(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	products := []struct {
		id          string
		productType iap.ProductType
	}{
		{productCoins, iap.ProductTypeConsumable},
		{productPro, iap.ProductTypeNonConsumable},
		{productMonthly, iap.ProductTypeSubscription},
	}

	errs := make([]error, 12)
	var wg sync.WaitGroup
	for i := range errs {
		product := products[i%len(products)]
		req := env.request(product.id, product.productType)

		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = env.coord.StartPurchase(ctx, req)
		}()
	}
	wg.Wait()

	var started int
	for _, err := range errs {
		if err == nil {
			started++
			continue
		}
		require.ErrorIs(t, err, iap.ErrDuplicateOperation)
	}
	require.Equal(t, 1, started)
	require.NotNil(t, env.coord.PurchasingRequest())
}

func testCoordinator_NoConcurrentValidation(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	release := env.validator.Block()
	defer release()

	req := env.request(productPro, iap.ProductTypeNonConsumable)
	require.NoError(t, env.coord.StartPurchase(ctx, req))
	require.NoError(t, env.provider.Approve(ctx, productPro))

	require.True(t, env.coord.IsValidating(productPro))
	env.requireState(t, productPro, iap.StateValidating)

	duplicate := iap.NewPurchaseRequestFor(req.Payment.Clone(), env.provider, env.validator)
	require.ErrorIs(t, env.coord.Validate(ctx, duplicate), iap.ErrDuplicateOperation)

	other := env.request(productPro, iap.ProductTypeNonConsumable)
	require.ErrorIs(t, env.coord.StartPurchase(ctx, other), iap.ErrDuplicateOperation)

	env.coord.SetAutoValidator(env.validator)
	require.Nil(t, env.coord.AutoValidateIfNeeded(ctx, productPro, env.provider))

	release()
	require.NoError(t, wait(t, req))
	require.Equal(t, 1, env.validator.MaxConcurrent(productPro))
	require.Equal(t, 1, env.validator.Calls(productPro))
	env.requireState(t, productPro, iap.StateValidated)
}

func testCoordinator_StateIsIdempotent(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	env.requireState(t, productPro, iap.StateIdle)
	_, err := s.GetPayment(ctx, memory.ProviderName, productPro)
	require.ErrorIs(t, err, iap.ErrNotFound)

	env.purchase(t, productPro, iap.ProductTypeNonConsumable)

	before, err := s.GetPayment(ctx, memory.ProviderName, productPro)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		env.requireState(t, productPro, iap.StateValidated)
	}
	after, err := s.GetPayment(ctx, memory.ProviderName, productPro)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func testCoordinator_LazyExpiry(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	expiry := time.UnixMilli(env.clock.Now().Add(time.Hour).UnixMilli())
	env.validator.SetExpiry(productMonthly, expiry)

	req := env.purchase(t, productMonthly, iap.ProductTypeSubscription)
	require.True(t, expiry.Equal(req.Payment.ExpireTime))
	env.requireState(t, productMonthly, iap.StateValidated)

	stored, err := s.GetPayment(ctx, memory.ProviderName, productMonthly)
	require.NoError(t, err)
	require.Equal(t, expiry.UnixMilli(), stored.ExpireTime.UnixMilli())

	latest, ok := env.keeper.Current().Latest(productMonthly)
	require.True(t, ok)
	require.True(t, latest.IsSubscription())

	env.clock.Advance(2 * time.Hour)
	env.requireState(t, productMonthly, iap.StateInvalided)

	// Expiry is applied at read time only.
	stored, err = s.GetPayment(ctx, memory.ProviderName, productMonthly)
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, stored.State)

	renewal := env.request(productMonthly, iap.ProductTypeSubscription)
	require.NoError(t, env.coord.StartPurchase(ctx, renewal))
	env.requireState(t, productMonthly, iap.StatePurchasing)
}

func testCoordinator_TransientFailureThenRetry(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	env.validator.FailNext(1)

	req := env.request(productPro, iap.ProductTypeNonConsumable)
	require.NoError(t, env.coord.StartPurchase(ctx, req))
	require.NoError(t, env.provider.Approve(ctx, productPro))

	err := wait(t, req)
	require.ErrorIs(t, err, memory.ErrUnavailable)
	require.Equal(t, iap.SourceUnknown, iap.SourceOf(err))
	require.False(t, env.coord.IsValidating(productPro))
	env.requireState(t, productPro, iap.StateShouldValidate)

	stored, err := s.GetPayment(ctx, memory.ProviderName, productPro)
	require.NoError(t, err)
	require.Equal(t, iap.StateShouldValidate, stored.State)
	require.Equal(t, 0, env.provider.Acknowledged(productPro))

	retry := env.request(productPro, iap.ProductTypeNonConsumable)
	require.Equal(t, req.Payment.TransactionID, retry.Payment.TransactionID)
	require.NoError(t, env.coord.StartPurchase(ctx, retry))
	require.NoError(t, wait(t, retry))

	env.requireState(t, productPro, iap.StateValidated)
	require.Equal(t, 1, env.provider.Acknowledged(productPro))
	require.Equal(t, 2, env.validator.Calls(productPro))

	stored, err = s.GetPayment(ctx, memory.ProviderName, productPro)
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, stored.State)
	require.Equal(t, req.Payment.TransactionID, stored.TransactionID)
}

func testCoordinator_AutoValidationTransientFailure(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()
	results := subscribeResults(env.coord)

	env.coord.RegisterProduct(productPro, iap.ProductTypeNonConsumable)
	env.coord.SetAutoValidator(env.validator)
	env.validator.SetDeviceReceipt(memory.GenerateValidReceipt(env.owner, "device"))
	env.validator.FailNext(1)

	req := env.provider.Deliver(ctx, productPro)
	require.NotNil(t, req)
	require.ErrorIs(t, wait(t, req), memory.ErrUnavailable)

	result := nextResult(t, results)
	require.Equal(t, productPro, result.ProductID)
	require.ErrorIs(t, result.Err, memory.ErrUnavailable)
	env.requireState(t, productPro, iap.StateShouldValidate)

	retry := env.request(productPro, iap.ProductTypeNonConsumable)
	require.NoError(t, env.coord.StartPurchase(ctx, retry))
	require.NoError(t, wait(t, retry))
	env.requireState(t, productPro, iap.StateValidated)
	require.Equal(t, 1, env.provider.Acknowledged(productPro))
}

func testCoordinator_ConsumableDeleted(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	req := env.purchase(t, productCoins, iap.ProductTypeConsumable)
	require.True(t, req.Response().ReceiptValid)
	require.Equal(t, iap.StateValidated, req.Payment.State)

	_, err := s.GetPayment(ctx, memory.ProviderName, productCoins)
	require.ErrorIs(t, err, iap.ErrNotFound)
	require.Equal(t, 1, env.provider.Acknowledged(productCoins))
	env.requireState(t, productCoins, iap.StateIdle)

	// Consumables can be bought again right away.
	env.purchase(t, productCoins, iap.ProductTypeConsumable)
	require.Equal(t, 2, env.provider.Acknowledged(productCoins))
}

func testCoordinator_InvalidReceipt(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	req := env.forgedRequest(t, productPro, iap.ProductTypeNonConsumable)
	require.NoError(t, env.coord.StartPurchase(ctx, req))
	require.NoError(t, env.provider.Approve(ctx, productPro))

	require.ErrorIs(t, wait(t, req), iap.ErrInvalidReceipt)
	require.NotNil(t, req.Response())
	require.False(t, req.Response().ReceiptValid)
	require.Equal(t, iap.StateInvalided, req.Payment.State)

	_, err := s.GetPayment(ctx, memory.ProviderName, productPro)
	require.ErrorIs(t, err, iap.ErrNotFound)
	require.Equal(t, 1, env.provider.Acknowledged(productPro))
	env.requireState(t, productPro, iap.StateIdle)
}

func testCoordinator_PurchaseFailures(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	t.Run("cancelled", func(t *testing.T) {
		req := env.request(productPro, iap.ProductTypeNonConsumable)
		require.NoError(t, env.coord.StartPurchase(ctx, req))
		require.NoError(t, env.provider.Fail(ctx, productPro, true))

		require.ErrorIs(t, wait(t, req), iap.ErrCancelled)
		require.Nil(t, env.coord.PurchasingRequest())
		env.requireState(t, productPro, iap.StateIdle)
	})

	t.Run("failed", func(t *testing.T) {
		req := env.request(productPro, iap.ProductTypeNonConsumable)
		require.NoError(t, env.coord.StartPurchase(ctx, req))
		require.NoError(t, env.provider.Fail(ctx, productPro, false))

		require.ErrorIs(t, wait(t, req), iap.ErrPurchaseFailed)
		require.Nil(t, env.coord.PurchasingRequest())
	})

	t.Run("unknown product", func(t *testing.T) {
		req := env.request("missing", iap.ProductTypeConsumable)
		require.NoError(t, env.coord.StartPurchase(ctx, req))

		require.ErrorIs(t, wait(t, req), iap.ErrItemNotFound)
		require.Nil(t, env.coord.PurchasingRequest())
	})

	t.Run("deferred", func(t *testing.T) {
		req := env.request(productCoins, iap.ProductTypeConsumable)
		require.NoError(t, env.coord.StartPurchase(ctx, req))
		require.NoError(t, env.provider.Defer(ctx, productCoins))

		require.ErrorIs(t, wait(t, req), iap.ErrPurchaseDeferred)
		require.Nil(t, env.coord.PurchasingRequest())
		env.requireState(t, productCoins, iap.StatePurchasing)
	})

	t.Run("payments disabled", func(t *testing.T) {
		env.provider.SetCanMakePayment(false)
		defer env.provider.SetCanMakePayment(true)

		req := env.request(productMonthly, iap.ProductTypeSubscription)
		require.ErrorIs(t, env.coord.StartPurchase(ctx, req), iap.ErrServiceUnavailable)
		require.ErrorIs(t, wait(t, req), iap.ErrServiceUnavailable)
		require.Nil(t, env.coord.PurchasingRequest())
	})
}

func testCoordinator_AutoValidation(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()
	results := subscribeResults(env.coord)

	require.Nil(t, env.provider.Deliver(ctx, productPro))
	result := nextResult(t, results)
	require.Equal(t, productPro, result.ProductID)
	require.Equal(t, memory.ProviderName, result.ProviderName)
	require.ErrorIs(t, result.Err, iap.ErrItemNotFound)

	env.coord.RegisterProduct(productPro, iap.ProductTypeNonConsumable)
	require.Nil(t, env.provider.Deliver(ctx, productPro))
	result = nextResult(t, results)
	require.ErrorIs(t, result.Err, iap.ErrServiceUnavailable)
	require.NotNil(t, result.Payment)

	env.coord.SetAutoValidator(env.validator)
	env.validator.SetDeviceReceipt(memory.GenerateValidReceipt(env.owner, "device"))
	req := env.provider.Deliver(ctx, productPro)
	require.NotNil(t, req)
	require.NoError(t, wait(t, req))

	result = nextResult(t, results)
	require.NoError(t, result.Err)
	require.Equal(t, iap.StateValidated, result.Payment.State)
	env.requireState(t, productPro, iap.StateValidated)

	stored, err := s.GetPayment(ctx, memory.ProviderName, productPro)
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, stored.State)
	require.Equal(t, iap.ProductTypeNonConsumable, stored.Type)

	// Already validated transactions are only acknowledged.
	acknowledged := env.provider.Acknowledged(productPro)
	require.Nil(t, env.provider.Deliver(ctx, productPro))
	result = nextResult(t, results)
	require.NoError(t, result.Err)
	require.Equal(t, iap.StateValidated, result.Payment.State)
	require.Equal(t, acknowledged+1, env.provider.Acknowledged(productPro))
	require.Equal(t, 1, env.validator.Calls(productPro))
}

func testCoordinator_Renewals(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	env.validator.SetExpiry(productMonthly, env.clock.Now().Add(time.Hour))
	req := env.purchase(t, productMonthly, iap.ProductTypeSubscription)
	original := req.Payment.TransactionID

	renewedExpiry := time.UnixMilli(env.clock.Now().Add(31 * 24 * time.Hour).UnixMilli())
	env.setSnapshot(receipt.Parse(map[string]any{
		"latest_receipt_info": []any{
			receiptEntry(productMonthly, original, env.clock.Now(), env.clock.Now().Add(time.Hour)),
			receiptEntry(productMonthly, "renewal", env.clock.Now(), renewedExpiry),
		},
	}))

	payments, err := env.provider.Renew(ctx, productMonthly)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, productMonthly, payments[0].ProductID())
	require.Equal(t, iap.StateValidated, payments[0].State)
	require.True(t, renewedExpiry.Equal(payments[0].ExpireTime))
	require.Equal(t, original, payments[0].OriginalTransactionID)
	require.NotEqual(t, original, payments[0].TransactionID)

	stored, err := s.GetPayment(ctx, memory.ProviderName, productMonthly)
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, stored.State)
	require.Equal(t, renewedExpiry.UnixMilli(), stored.ExpireTime.UnixMilli())
	require.Equal(t, original, stored.OriginalTransactionID)
	require.Equal(t, 2, env.provider.Acknowledged(productMonthly))

	env.clock.Advance(2 * time.Hour)
	env.requireState(t, productMonthly, iap.StateValidated)
	require.Equal(t, 1, env.validator.Calls(productMonthly))

	// A snapshot without the product keeps the cached expiry.
	env.setSnapshot(receipt.Parse(map[string]any{}))
	payments, err = env.provider.Renew(ctx, productMonthly)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.True(t, renewedExpiry.Equal(payments[0].ExpireTime))

	stored, err = s.GetPayment(ctx, memory.ProviderName, productMonthly)
	require.NoError(t, err)
	require.Equal(t, renewedExpiry.UnixMilli(), stored.ExpireTime.UnixMilli())

	env.clock.Advance(365 * 24 * time.Hour)
	env.requireState(t, productMonthly, iap.StateInvalided)

	// A renewal of an unknown subscription with no snapshot entry never
	// becomes a lifetime entitlement.
	env.coord.RegisterProduct("yearly", iap.ProductTypeSubscription)
	payments, err = env.provider.Renew(ctx, "yearly")
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, iap.ProductTypeSubscription, payments[0].Type)
	require.True(t, payments[0].ExpireTime.IsZero())
	env.requireState(t, "yearly", iap.StateInvalided)
}

func testCoordinator_Restore(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	env.purchase(t, productPro, iap.ProductTypeNonConsumable)
	env.purchase(t, productCoins, iap.ProductTypeConsumable)

	// Simulate a reinstall.
	require.NoError(t, s.DeletePayment(ctx, memory.ProviderName, productPro))
	env.setSnapshot(receipt.Parse(map[string]any{
		"receipt": map[string]any{
			"in_app": []any{receiptEntry(productPro, "restored", env.clock.Now(), time.Time{})},
		},
	}))

	payments, err := env.provider.Restore(ctx)
	require.NoError(t, err)
	require.Len(t, payments, 1)
	require.Equal(t, productPro, payments[0].ProductID())
	require.Equal(t, iap.StateValidated, payments[0].State)
	require.Equal(t, iap.ProductTypeNonConsumable, payments[0].Type)
	require.True(t, payments[0].ExpireTime.IsZero())

	stored, err := s.GetPayment(ctx, memory.ProviderName, productPro)
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, stored.State)
	env.requireState(t, productPro, iap.StateValidated)

	_, err = s.GetPayment(ctx, memory.ProviderName, productCoins)
	require.ErrorIs(t, err, iap.ErrNotFound)
}

func testCoordinator_ResumePending(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	payment := iap.NewPayment(memory.ProviderName, productPro, iap.ProductTypeNonConsumable, map[string]any{
		memory.ReceiptKey: memory.GenerateValidReceipt(env.owner, productPro),
	})
	payment.TransactionID = "tx-pending"
	payment.PurchaseTime = env.clock.Now()
	payment.State = iap.StateShouldValidate
	require.NoError(t, s.PutPayments(ctx, payment))

	pending, err := env.coord.PendingPayments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, productPro, pending[0].ProductID())

	started, err := env.coord.ResumePending(ctx, env.provider, env.validator)
	require.NoError(t, err)
	require.Len(t, started, 1)
	require.NoError(t, wait(t, started[0]))

	stored, err := s.GetPayment(ctx, memory.ProviderName, productPro)
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, stored.State)
	require.Equal(t, "tx-pending", stored.TransactionID)

	pending, err = env.coord.PendingPayments(ctx)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func testCoordinator_PendingPaymentsAllPages(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	const count = 1201
	batch := make([]*iap.Payment, 0, count)
	for i := range count {
		payment := iap.NewPayment(memory.ProviderName, "product-"+strconv.Itoa(i), iap.ProductTypeNonConsumable, nil)
		payment.PurchaseTime = env.clock.Now().Add(time.Duration(i%7) * time.Second)
		payment.State = iap.StateShouldValidate
		batch = append(batch, payment)
	}
	require.NoError(t, s.PutPayments(ctx, batch...))

	pending, err := env.coord.PendingPayments(ctx, query.WithProvider(memory.ProviderName))
	require.NoError(t, err)
	require.Len(t, pending, count)

	seen := make(map[string]struct{}, count)
	for _, p := range pending {
		seen[p.ProductID()] = struct{}{}
	}
	require.Len(t, seen, count)
}

func testCoordinator_FetchProducts(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)
	ctx := context.Background()

	products, invalid, err := env.coord.FetchProducts(ctx, env.provider, env.provider, []string{productPro, productMonthly, "missing"})
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Equal(t, []string{"missing"}, invalid)
	for _, product := range products {
		require.Equal(t, memory.ProviderName, product.ProviderName)
		require.True(t, env.clock.Now().Equal(product.CacheTime))
	}
	require.Contains(t, products[0].Price, "4.99")
	require.True(t, decimal.RequireFromString("4.99").Equal(products[0].PriceAmount))

	cached, err := env.coord.LoadCachedProducts(ctx, memory.ProviderName, []string{productPro, productMonthly})
	require.NoError(t, err)
	require.Len(t, cached, 2)

	env.provider.SetCatalogError(errors.New("storefront offline"))

	products, invalid, err = env.coord.FetchProducts(ctx, env.provider, env.provider, []string{productPro, productMonthly})
	require.NoError(t, err)
	require.Len(t, products, 2)
	require.Empty(t, invalid)

	_, _, err = env.coord.FetchProducts(ctx, env.provider, env.provider, []string{productCoins})
	require.ErrorIs(t, err, iap.ErrProductFetchFailed)
}

func testCoordinator_PurchaseArrived(t *testing.T, s iap.Store) {
	env := newCoordinatorEnv(t, s)

	arrivals := make(chan *memory.PurchaseArrived, 1)
	env.provider.Subscribe(event.HandlerFunc[string, *memory.PurchaseArrived](func(_ string, e *memory.PurchaseArrived) {
		arrivals <- e
	}))

	require.NoError(t, env.provider.OfferPurchase(productPro))
	select {
	case e := <-arrivals:
		require.Equal(t, productPro, e.ProductID)
		require.Equal(t, "Pro", e.Product.LocalizedTitle)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "timed out waiting for purchase arrival")
	}

	require.ErrorIs(t, env.provider.OfferPurchase("missing"), iap.ErrItemNotFound)
}
