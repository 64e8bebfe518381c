package receipt

import (
	"slices"
	"time"
)

// ExpireIntent is the reason a subscription stopped renewing.
type ExpireIntent uint8

const (
	ExpireIntentNone ExpireIntent = iota
	ExpireIntentCancelled
	ExpireIntentBillingError
	ExpireIntentPriceIncreaseDeclined
	ExpireIntentProductUnavailable
	ExpireIntentUnknown
)

func (i ExpireIntent) String() string {
	switch i {
	case ExpireIntentNone:
		return "none"
	case ExpireIntentCancelled:
		return "cancelled"
	case ExpireIntentBillingError:
		return "billing_error"
	case ExpireIntentPriceIncreaseDeclined:
		return "price_increase_declined"
	case ExpireIntentProductUnavailable:
		return "product_unavailable"
	default:
		return "unknown"
	}
}

// InAppReceipt is one historical purchase or renewal event.
type InAppReceipt struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id,omitempty"`

	PurchaseTime         time.Time `json:"purchase_time"`
	OriginalPurchaseTime time.Time `json:"original_purchase_time"`

	SubscriptionExpireTime   time.Time    `json:"subscription_expire_time"`
	SubscriptionExpireIntent ExpireIntent `json:"subscription_expire_intent,omitempty"`
	IsRetryingBilling        bool         `json:"is_retrying_billing,omitempty"`
	IsTrialPeriod            bool         `json:"is_trial_period,omitempty"`
	IsIntroOfferPeriod       bool         `json:"is_intro_offer_period,omitempty"`

	CancellationTime      time.Time `json:"cancellation_time"`
	IsCancelledByCustomer bool      `json:"is_cancelled_by_customer,omitempty"`

	AutoRenewEnabled    bool   `json:"auto_renew_enabled,omitempty"`
	AutoRenewPreference string `json:"auto_renew_preference,omitempty"`
	PriceConsentAgreed  bool   `json:"price_consent_agreed,omitempty"`
}

func (r *InAppReceipt) IsSubscription() bool {
	return r.SubscriptionExpireTime.UnixMilli() > 0
}

func (r *InAppReceipt) Clone() *InAppReceipt {
	if r == nil {
		return nil
	}
	cloned := *r
	return &cloned
}

// Snapshot is a point in time view of a validated receipt. Snapshots are
// replaced whole and never merged.
type Snapshot struct {
	IsSandbox bool `json:"is_sandbox"`

	// LatestByProduct holds, per product, the entry with the greatest
	// subscription expiry. The first entry seen wins ties.
	LatestByProduct map[string]*InAppReceipt `json:"latest_by_product"`

	BundleID           string    `json:"bundle_id,omitempty"`
	AppVersion         string    `json:"app_version,omitempty"`
	OriginalAppVersion string    `json:"original_app_version,omitempty"`
	CreationTime       time.Time `json:"creation_time"`
	RequestTime        time.Time `json:"request_time"`

	InAppReceipts []*InAppReceipt `json:"in_app_receipts"`
}

// Latest returns the authoritative entry for a product. Products missing from
// LatestByProduct fall back to the historical entry with the latest purchase
// time.
func (s *Snapshot) Latest(productID string) (*InAppReceipt, bool) {
	if s == nil {
		return nil, false
	}
	if r, ok := s.LatestByProduct[productID]; ok {
		return r, true
	}

	var latest *InAppReceipt
	for _, r := range s.InAppReceipts {
		if r.ProductID != productID {
			continue
		}
		if latest == nil || r.PurchaseTime.After(latest.PurchaseTime) {
			latest = r
		}
	}
	return latest, latest != nil
}

// LatestFor returns the most recently purchased historical entry for each of
// productIDs that appears in the receipt.
func (s *Snapshot) LatestFor(productIDs []string) map[string]*InAppReceipt {
	result := make(map[string]*InAppReceipt)
	if s == nil {
		return result
	}
	for _, r := range s.InAppReceipts {
		if !slices.Contains(productIDs, r.ProductID) {
			continue
		}
		if existing, ok := result[r.ProductID]; !ok || existing.PurchaseTime.Before(r.PurchaseTime) {
			result[r.ProductID] = r
		}
	}
	return result
}

// ExpireTime returns the subscription expiry recorded for a product, or the
// zero time.
func (s *Snapshot) ExpireTime(productID string) time.Time {
	r, ok := s.Latest(productID)
	if !ok {
		return time.Time{}
	}
	return r.SubscriptionExpireTime
}

func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	cloned := *s
	cloned.LatestByProduct = make(map[string]*InAppReceipt, len(s.LatestByProduct))
	for id, r := range s.LatestByProduct {
		cloned.LatestByProduct[id] = r.Clone()
	}
	cloned.InAppReceipts = make([]*InAppReceipt, len(s.InAppReceipts))
	for i, r := range s.InAppReceipts {
		cloned.InAppReceipts[i] = r.Clone()
	}
	return &cloned
}
