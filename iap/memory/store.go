package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/query"
)

type key struct {
	provider  string
	productID string
}

type InMemoryStore struct {
	mu       sync.RWMutex
	products map[key]*iap.Product
	payments map[key]*iap.Payment
}

func NewInMemory() iap.Store {
	return &InMemoryStore{
		products: map[key]*iap.Product{},
		payments: map[key]*iap.Payment{},
	}
}

func (s *InMemoryStore) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products = make(map[key]*iap.Product)
	s.payments = make(map[key]*iap.Payment)
}

func (s *InMemoryStore) GetProduct(_ context.Context, providerName, productID string) (*iap.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	product, ok := s.products[key{providerName, productID}]
	if !ok {
		return nil, iap.ErrNotFound
	}
	return product.Clone(), nil
}

func (s *InMemoryStore) GetProducts(_ context.Context, providerName string, productIDs []string) ([]*iap.Product, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var products []*iap.Product
	for _, productID := range productIDs {
		if product, ok := s.products[key{providerName, productID}]; ok {
			products = append(products, product.Clone())
		}
	}
	return products, nil
}

func (s *InMemoryStore) PutProduct(_ context.Context, product *iap.Product) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[key{product.ProviderName, product.ProductID}] = product.Clone()
	return nil
}

func (s *InMemoryStore) GetPayment(_ context.Context, providerName, productID string) (*iap.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	payment, ok := s.payments[key{providerName, productID}]
	if !ok {
		return nil, iap.ErrNotFound
	}
	return s.withProduct(payment), nil
}

func (s *InMemoryStore) GetPaymentByTransaction(_ context.Context, providerName, transactionID string) (*iap.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for k, payment := range s.payments {
		if k.provider == providerName && payment.TransactionID == transactionID {
			return s.withProduct(payment), nil
		}
	}
	return nil, iap.ErrNotFound
}

func (s *InMemoryStore) GetPayments(_ context.Context, opts ...query.Option) ([]*iap.Payment, error) {
	applied := query.ApplyOptions(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var payments []*iap.Payment
	for k, payment := range s.payments {
		if !applied.MatchesProvider(k.provider) || !applied.MatchesState(payment.State.String()) {
			continue
		}
		if !applied.MatchesCursor(payment.Cursor()) {
			continue
		}
		payments = append(payments, s.withProduct(payment))
	}

	sort.Slice(payments, func(i, j int) bool {
		a, b := payments[i], payments[j]
		if applied.Order == query.Descending {
			a, b = b, a
		}
		return a.Cursor().Compare(b.Cursor()) < 0
	})

	if len(payments) > applied.Limit {
		payments = payments[:applied.Limit]
	}
	return payments, nil
}

func (s *InMemoryStore) PutPayments(_ context.Context, payments ...*iap.Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, payment := range payments {
		s.payments[key{payment.ProviderName(), payment.ProductID()}] = payment.Clone()
	}
	return nil
}

func (s *InMemoryStore) DeletePayment(_ context.Context, providerName, productID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.payments, key{providerName, productID})
	return nil
}

// withProduct must be called with mu held.
func (s *InMemoryStore) withProduct(payment *iap.Payment) *iap.Payment {
	return payment.WithProduct(s.products[key{payment.ProviderName(), payment.ProductID()}])
}
