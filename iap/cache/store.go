package cache

import (
	"context"
	"sync"
	"time"

	"github.com/ReneKroon/ttlcache"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/query"
)

// Cache is a read-through TTL cache over an iap.Store. Writes go to the
// underlying store first and then evict the affected entries. A read that
// overlapped an eviction does not populate the cache.
type Cache struct {
	db       iap.Store
	products *ttlcache.Cache
	payments *ttlcache.Cache

	mu         sync.Mutex
	generation uint64
}

func NewInCache(db iap.Store, ttl time.Duration) iap.Store {
	products := ttlcache.NewCache()
	products.SetTTL(ttl)

	payments := ttlcache.NewCache()
	payments.SetTTL(ttl)

	return &Cache{
		db:       db,
		products: products,
		payments: payments,
	}
}

func (c *Cache) GetProduct(ctx context.Context, providerName, productID string) (*iap.Product, error) {
	cacheKey := toCacheKey(providerName, productID)

	cached, ok := c.products.Get(cacheKey)
	if !ok {
		generation := c.currentGeneration()
		product, err := c.db.GetProduct(ctx, providerName, productID)
		if err != nil {
			return nil, err
		}

		c.fill(generation, func() { c.products.Set(cacheKey, product.Clone()) })
		return product, nil
	}

	return cached.(*iap.Product).Clone(), nil
}

func (c *Cache) GetProducts(ctx context.Context, providerName string, productIDs []string) ([]*iap.Product, error) {
	var products []*iap.Product
	var missing []string
	for _, productID := range productIDs {
		if cached, ok := c.products.Get(toCacheKey(providerName, productID)); ok {
			products = append(products, cached.(*iap.Product).Clone())
		} else {
			missing = append(missing, productID)
		}
	}
	if len(missing) == 0 {
		return products, nil
	}

	generation := c.currentGeneration()
	loaded, err := c.db.GetProducts(ctx, providerName, missing)
	if err != nil {
		return nil, err
	}
	c.fill(generation, func() {
		for _, product := range loaded {
			c.products.Set(toCacheKey(product.ProviderName, product.ProductID), product.Clone())
		}
	})
	return append(products, loaded...), nil
}

func (c *Cache) PutProduct(ctx context.Context, product *iap.Product) error {
	if err := c.db.PutProduct(ctx, product); err != nil {
		return err
	}
	cacheKey := toCacheKey(product.ProviderName, product.ProductID)
	c.evict(func() {
		c.products.Remove(cacheKey)
		// Cached payments embed the catalog entry.
		c.payments.Remove(cacheKey)
	})
	return nil
}

func (c *Cache) GetPayment(ctx context.Context, providerName, productID string) (*iap.Payment, error) {
	cacheKey := toCacheKey(providerName, productID)

	cached, ok := c.payments.Get(cacheKey)
	if !ok {
		generation := c.currentGeneration()
		payment, err := c.db.GetPayment(ctx, providerName, productID)
		if err != nil {
			return nil, err
		}

		c.fill(generation, func() { c.payments.Set(cacheKey, payment.Clone()) })
		return payment, nil
	}

	return cached.(*iap.Payment).Clone(), nil
}

func (c *Cache) GetPaymentByTransaction(ctx context.Context, providerName, transactionID string) (*iap.Payment, error) {
	return c.db.GetPaymentByTransaction(ctx, providerName, transactionID)
}

func (c *Cache) GetPayments(ctx context.Context, opts ...query.Option) ([]*iap.Payment, error) {
	return c.db.GetPayments(ctx, opts...)
}

func (c *Cache) PutPayments(ctx context.Context, payments ...*iap.Payment) error {
	err := c.db.PutPayments(ctx, payments...)
	c.evict(func() {
		for _, payment := range payments {
			c.payments.Remove(toCacheKey(payment.ProviderName(), payment.ProductID()))
		}
	})
	return err
}

func (c *Cache) DeletePayment(ctx context.Context, providerName, productID string) error {
	err := c.db.DeletePayment(ctx, providerName, productID)
	c.evict(func() { c.payments.Remove(toCacheKey(providerName, productID)) })
	return err
}

func (c *Cache) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// fill runs set only if nothing was evicted since generation was read.
func (c *Cache) fill(generation uint64, set func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation == generation {
		set()
	}
}

func (c *Cache) evict(remove func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
	remove()
}

func (c *Cache) Close() {
	c.products.Close()
	c.payments.Close()
}

func toCacheKey(providerName, productID string) string {
	return providerName + "\x00" + productID
}
