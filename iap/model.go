package iap

import (
	"crypto/sha256"
	"maps"
	"time"

	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"

	"github.com/code-payments/flipchat-iap/query"
)

type ProductType uint8

const (
	ProductTypeConsumable ProductType = iota
	ProductTypeNonConsumable
	ProductTypeSubscription
)

func (t ProductType) String() string {
	switch t {
	case ProductTypeConsumable:
		return "consumable"
	case ProductTypeNonConsumable:
		return "non_consumable"
	case ProductTypeSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// ParseProductType accepts the names produced by ProductType.String.
func ParseProductType(s string) (ProductType, bool) {
	switch s {
	case "consumable":
		return ProductTypeConsumable, true
	case "non_consumable", "nonconsumable":
		return ProductTypeNonConsumable, true
	case "subscription", "subscriptions":
		return ProductTypeSubscription, true
	default:
		return 0, false
	}
}

// Product is a storefront catalog entry. Identity is (ProviderName, ProductID).
type Product struct {
	ProviderName string
	ProductID    string

	// Price is the storefront's localized display string, e.g. "$4.99".
	Price       string
	PriceAmount decimal.Decimal
	Currency    string

	LocalizedTitle       string
	LocalizedDescription string

	CacheTime time.Time
}

func (p *Product) Clone() *Product {
	if p == nil {
		return nil
	}
	cloned := *p
	return &cloned
}

// Payment is the entitlement record for a product. There is at most one live
// record per (ProviderName, ProductID).
type Payment struct {
	Product Product
	Type    ProductType

	UserInfo            map[string]any
	ApplicationUsername string

	TransactionID         string
	OriginalTransactionID string

	PurchaseTime time.Time

	// ExpireTime is only meaningful for subscriptions. A subscription with a
	// zero expiry counts as expired.
	ExpireTime time.Time

	State TransactionState
}

// NewPayment returns an idle payment for the given product identity.
func NewPayment(providerName, productID string, productType ProductType, userInfo map[string]any) *Payment {
	if userInfo == nil {
		userInfo = map[string]any{}
	}
	return &Payment{
		Product: Product{
			ProviderName: providerName,
			ProductID:    productID,
		},
		Type:     productType,
		UserInfo: userInfo,
		State:    StateIdle,
	}
}

func (p *Payment) ProviderName() string {
	return p.Product.ProviderName
}

func (p *Payment) ProductID() string {
	return p.Product.ProductID
}

// IsExpired reports whether a subscription's cached expiry has passed at now.
// A subscription without a known expiry is expired.
func (p *Payment) IsExpired(now time.Time) bool {
	if p.Type != ProductTypeSubscription {
		return false
	}
	return p.ExpireTime.IsZero() || p.ExpireTime.Before(now)
}

// Cursor is the payment's position in a payment listing.
func (p *Payment) Cursor() query.Cursor {
	var purchaseTime int64
	if !p.PurchaseTime.IsZero() {
		purchaseTime = p.PurchaseTime.UnixMilli()
	}
	return query.Cursor{
		PurchaseTime: purchaseTime,
		ProductID:    p.ProductID(),
		Provider:     p.ProviderName(),
	}
}

// WithProduct returns a copy of p whose Product is the catalog entry, or just
// the product identity when entry is nil. Stores keep catalog details only in
// the product cache.
func (p *Payment) WithProduct(entry *Product) *Payment {
	cloned := p.Clone()
	if entry != nil {
		cloned.Product = *entry
	} else {
		cloned.Product = Product{
			ProviderName: p.Product.ProviderName,
			ProductID:    p.Product.ProductID,
		}
	}
	return cloned
}

func (p *Payment) Clone() *Payment {
	if p == nil {
		return nil
	}
	cloned := *p
	cloned.UserInfo = maps.Clone(p.UserInfo)
	return &cloned
}

// ReceiptFingerprint returns a short, stable identifier for an opaque receipt
// blob, suitable for logs.
func ReceiptFingerprint(receipt []byte) string {
	hash := sha256.Sum256(receipt)
	return base58.Encode(hash[:12])
}
