package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/memory"
	"github.com/code-payments/flipchat-iap/iap/tests"
	"github.com/code-payments/flipchat-iap/query"
)

func TestIap_CacheStore(t *testing.T) {
	var db iap.Store
	var testStore iap.Store
	reset := func() {
		if testStore != nil {
			testStore.(*Cache).Close()
		}
		db = memory.NewInMemory()
		testStore = NewInCache(db, time.Minute)
	}
	reset()

	tests.RunStoreTests(t, &lateBound{get: func() iap.Store { return testStore }}, reset)
}

func TestIap_CacheServesFromCache(t *testing.T) {
	ctx := context.Background()
	db := memory.NewInMemory()
	cached := NewInCache(db, time.Minute)
	defer cached.(*Cache).Close()

	payment := iap.NewPayment("apple", "sub", iap.ProductTypeSubscription, nil)
	payment.State = iap.StateValidated
	require.NoError(t, cached.PutPayments(ctx, payment))

	_, err := cached.GetPayment(ctx, "apple", "sub")
	require.NoError(t, err)

	// Writes that bypass the cache are not observed until eviction.
	require.NoError(t, db.DeletePayment(ctx, "apple", "sub"))
	actual, err := cached.GetPayment(ctx, "apple", "sub")
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, actual.State)

	// Writes through the cache evict.
	require.NoError(t, cached.DeletePayment(ctx, "apple", "sub"))
	_, err = cached.GetPayment(ctx, "apple", "sub")
	require.ErrorIs(t, err, iap.ErrNotFound)
}

func TestIap_CacheReadRacingWrite(t *testing.T) {
	ctx := context.Background()
	db := &slowReadStore{
		Store:   memory.NewInMemory(),
		read:    make(chan struct{}),
		release: make(chan struct{}),
	}
	cached := NewInCache(db, time.Minute)
	defer cached.(*Cache).Close()

	payment := iap.NewPayment("apple", "pro", iap.ProductTypeNonConsumable, nil)
	payment.State = iap.StateShouldValidate
	require.NoError(t, db.Store.PutPayments(ctx, payment))

	done := make(chan *iap.Payment)
	go func() {
		stale, _ := cached.GetPayment(ctx, "apple", "pro")
		done <- stale
	}()

	// The read has loaded the old row but not yet filled the cache.
	<-db.read
	validated := payment.Clone()
	validated.State = iap.StateValidated
	require.NoError(t, cached.PutPayments(ctx, validated))
	close(db.release)

	stale := <-done
	require.Equal(t, iap.StateShouldValidate, stale.State)

	actual, err := cached.GetPayment(ctx, "apple", "pro")
	require.NoError(t, err)
	require.Equal(t, iap.StateValidated, actual.State)
}

// slowReadStore pauses the first GetPayment after it has read the record.
type slowReadStore struct {
	iap.Store

	once    sync.Once
	read    chan struct{}
	release chan struct{}
}

func (s *slowReadStore) GetPayment(ctx context.Context, providerName, productID string) (*iap.Payment, error) {
	payment, err := s.Store.GetPayment(ctx, providerName, productID)
	s.once.Do(func() {
		close(s.read)
		<-s.release
	})
	return payment, err
}

// lateBound delegates to a store that teardown can replace between tests.
type lateBound struct {
	get func() iap.Store
}

func (l *lateBound) GetProduct(ctx context.Context, providerName, productID string) (*iap.Product, error) {
	return l.get().GetProduct(ctx, providerName, productID)
}

func (l *lateBound) GetProducts(ctx context.Context, providerName string, productIDs []string) ([]*iap.Product, error) {
	return l.get().GetProducts(ctx, providerName, productIDs)
}

func (l *lateBound) PutProduct(ctx context.Context, product *iap.Product) error {
	return l.get().PutProduct(ctx, product)
}

func (l *lateBound) GetPayment(ctx context.Context, providerName, productID string) (*iap.Payment, error) {
	return l.get().GetPayment(ctx, providerName, productID)
}

func (l *lateBound) GetPaymentByTransaction(ctx context.Context, providerName, transactionID string) (*iap.Payment, error) {
	return l.get().GetPaymentByTransaction(ctx, providerName, transactionID)
}

func (l *lateBound) GetPayments(ctx context.Context, opts ...query.Option) ([]*iap.Payment, error) {
	return l.get().GetPayments(ctx, opts...)
}

func (l *lateBound) PutPayments(ctx context.Context, payments ...*iap.Payment) error {
	return l.get().PutPayments(ctx, payments...)
}

func (l *lateBound) DeletePayment(ctx context.Context, providerName, productID string) error {
	return l.get().DeletePayment(ctx, providerName, productID)
}
