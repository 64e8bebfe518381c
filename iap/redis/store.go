package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/query"
)

const defaultPrefix = "iap:"

type productRecord struct {
	Provider    string          `json:"provider"`
	ProductID   string          `json:"product_id"`
	Price       string          `json:"price"`
	PriceAmount decimal.Decimal `json:"price_amount"`
	Currency    string          `json:"currency"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	CacheTime   int64           `json:"cache_time"`
}

type paymentRecord struct {
	Provider              string          `json:"provider"`
	ProductID             string          `json:"product_id"`
	Type                  iap.ProductType `json:"type"`
	UserInfo              map[string]any  `json:"user_info"`
	ApplicationUsername   string          `json:"application_username,omitempty"`
	TransactionID         string          `json:"tran_id,omitempty"`
	OriginalTransactionID string          `json:"ori_tran_id,omitempty"`
	PurchaseTime          int64           `json:"purchase_time"`
	ExpireTime            int64           `json:"expire_time"`
	State                 string          `json:"tran_state"`
}

// store keeps each record as a JSON string. A per provider set indexes the
// payment keys for listing.
type store struct {
	client *redis.Client
	prefix string
}

func NewInRedis(client *redis.Client) iap.Store {
	return &store{
		client: client,
		prefix: defaultPrefix,
	}
}

func (s *store) reset() {
	if err := s.client.FlushDB(context.Background()).Err(); err != nil {
		panic(err)
	}
}

func (s *store) productKey(provider, productID string) string {
	return s.prefix + "product:" + provider + ":" + productID
}

func (s *store) paymentKey(provider, productID string) string {
	return s.prefix + "payment:" + provider + ":" + productID
}

func (s *store) indexKey(provider string) string {
	return s.prefix + "payments:" + provider
}

func (s *store) providersKey() string {
	return s.prefix + "providers"
}

func (s *store) GetProduct(ctx context.Context, providerName, productID string) (*iap.Product, error) {
	b, err := s.client.Get(ctx, s.productKey(providerName, productID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, iap.ErrNotFound
	} else if err != nil {
		return nil, err
	}

	var r productRecord
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return fromProductRecord(&r), nil
}

func (s *store) GetProducts(ctx context.Context, providerName string, productIDs []string) ([]*iap.Product, error) {
	if len(productIDs) == 0 {
		return nil, nil
	}

	keys := make([]string, len(productIDs))
	for i, productID := range productIDs {
		keys[i] = s.productKey(providerName, productID)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var products []*iap.Product
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r productRecord
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, err
		}
		products = append(products, fromProductRecord(&r))
	}
	return products, nil
}

func (s *store) PutProduct(ctx context.Context, product *iap.Product) error {
	b, err := json.Marshal(&productRecord{
		Provider:    product.ProviderName,
		ProductID:   product.ProductID,
		Price:       product.Price,
		PriceAmount: product.PriceAmount,
		Currency:    product.Currency,
		Title:       product.LocalizedTitle,
		Description: product.LocalizedDescription,
		CacheTime:   toMillis(product.CacheTime),
	})
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.productKey(product.ProviderName, product.ProductID), b, 0).Err()
}

func (s *store) GetPayment(ctx context.Context, providerName, productID string) (*iap.Payment, error) {
	payments, err := s.loadPayments(ctx, []string{s.paymentKey(providerName, productID)})
	if err != nil {
		return nil, err
	}
	if len(payments) == 0 {
		return nil, iap.ErrNotFound
	}
	return payments[0], nil
}

func (s *store) GetPaymentByTransaction(ctx context.Context, providerName, transactionID string) (*iap.Payment, error) {
	keys, err := s.client.SMembers(ctx, s.indexKey(providerName)).Result()
	if err != nil {
		return nil, err
	}
	payments, err := s.loadPayments(ctx, keys)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if p.TransactionID == transactionID {
			return p, nil
		}
	}
	return nil, iap.ErrNotFound
}

func (s *store) GetPayments(ctx context.Context, opts ...query.Option) ([]*iap.Payment, error) {
	applied := query.ApplyOptions(opts...)

	providers := []string{applied.Provider}
	if applied.Provider == "" {
		var err error
		providers, err = s.client.SMembers(ctx, s.providersKey()).Result()
		if err != nil {
			return nil, err
		}
	}

	var keys []string
	for _, provider := range providers {
		members, err := s.client.SMembers(ctx, s.indexKey(provider)).Result()
		if err != nil {
			return nil, err
		}
		keys = append(keys, members...)
	}

	loaded, err := s.loadPayments(ctx, keys)
	if err != nil {
		return nil, err
	}

	var payments []*iap.Payment
	for _, p := range loaded {
		if applied.MatchesState(p.State.String()) && applied.MatchesCursor(p.Cursor()) {
			payments = append(payments, p)
		}
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

func (s *store) PutPayments(ctx context.Context, payments ...*iap.Payment) error {
	if len(payments) == 0 {
		return nil
	}

	values := make(map[string][]byte, len(payments))
	for _, p := range payments {
		b, err := json.Marshal(&paymentRecord{
			Provider:              p.ProviderName(),
			ProductID:             p.ProductID(),
			Type:                  p.Type,
			UserInfo:              p.UserInfo,
			ApplicationUsername:   p.ApplicationUsername,
			TransactionID:         p.TransactionID,
			OriginalTransactionID: p.OriginalTransactionID,
			PurchaseTime:          toMillis(p.PurchaseTime),
			ExpireTime:            toMillis(p.ExpireTime),
			State:                 p.State.String(),
		})
		if err != nil {
			return err
		}
		values[s.paymentKey(p.ProviderName(), p.ProductID())] = b
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, p := range payments {
			key := s.paymentKey(p.ProviderName(), p.ProductID())
			pipe.Set(ctx, key, values[key], 0)
			pipe.SAdd(ctx, s.indexKey(p.ProviderName()), key)
			pipe.SAdd(ctx, s.providersKey(), p.ProviderName())
		}
		return nil
	})
	return err
}

func (s *store) DeletePayment(ctx context.Context, providerName, productID string) error {
	key := s.paymentKey(providerName, productID)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		pipe.SRem(ctx, s.indexKey(providerName), key)
		return nil
	})
	return err
}

// loadPayments reads the payments at keys, joined with their cached product.
// Missing keys are skipped.
func (s *store) loadPayments(ctx context.Context, keys []string) ([]*iap.Payment, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	var payments []*iap.Payment
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r paymentRecord
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return nil, err
		}

		p := &iap.Payment{
			Product: iap.Product{
				ProviderName: r.Provider,
				ProductID:    r.ProductID,
			},
			Type:                  r.Type,
			UserInfo:              r.UserInfo,
			ApplicationUsername:   r.ApplicationUsername,
			TransactionID:         r.TransactionID,
			OriginalTransactionID: r.OriginalTransactionID,
			PurchaseTime:          fromMillis(r.PurchaseTime),
			ExpireTime:            fromMillis(r.ExpireTime),
			State:                 iap.TransactionState(r.State),
		}

		product, err := s.GetProduct(ctx, r.Provider, r.ProductID)
		if err == nil {
			p = p.WithProduct(product)
		} else if !errors.Is(err, iap.ErrNotFound) {
			return nil, err
		}
		payments = append(payments, p)
	}
	return payments, nil
}

func fromProductRecord(r *productRecord) *iap.Product {
	return &iap.Product{
		ProviderName:         r.Provider,
		ProductID:            r.ProductID,
		Price:                r.Price,
		PriceAmount:          r.PriceAmount,
		Currency:             r.Currency,
		LocalizedTitle:       r.Title,
		LocalizedDescription: r.Description,
		CacheTime:            fromMillis(r.CacheTime),
	}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
