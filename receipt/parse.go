package receipt

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Parse builds a Snapshot from a validation authority response. Malformed
// numbers default to zero, and historical entries without a product or
// transaction ID are dropped.
func Parse(data map[string]any) *Snapshot {
	env, _ := data["environment"].(string)
	s := &Snapshot{
		IsSandbox:       env == "Sandbox",
		LatestByProduct: make(map[string]*InAppReceipt),
	}

	body, _ := data["receipt"].(map[string]any)
	s.BundleID, _ = body["bundle_id"].(string)
	s.AppVersion, _ = body["application_version"].(string)
	s.OriginalAppVersion, _ = body["original_application_version"].(string)
	s.CreationTime = millis(body["receipt_creation_date_ms"])
	s.RequestTime = millis(body["request_date_ms"])
	s.InAppReceipts = parseEntries(body["in_app"])

	for _, r := range parseEntries(data["latest_receipt_info"]) {
		s.keepLatest(r)
	}
	for _, r := range s.InAppReceipts {
		s.keepLatest(r)
	}
	return s
}

// ParseJSON decodes a raw response body and parses it.
func ParseJSON(b []byte) (*Snapshot, error) {
	var data map[string]any
	if err := json.Unmarshal(b, &data); err != nil {
		return nil, err
	}
	return Parse(data), nil
}

// keepLatest replaces the product's entry only on a strictly greater expiry.
func (s *Snapshot) keepLatest(r *InAppReceipt) {
	existing, ok := s.LatestByProduct[r.ProductID]
	if ok && !r.SubscriptionExpireTime.After(existing.SubscriptionExpireTime) {
		return
	}
	s.LatestByProduct[r.ProductID] = r
}

func parseEntries(v any) []*InAppReceipt {
	items, _ := v.([]any)
	result := make([]*InAppReceipt, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if r, ok := parseEntry(m); ok {
			result = append(result, r)
		}
	}
	return result
}

func parseEntry(m map[string]any) (*InAppReceipt, bool) {
	productID, _ := m["product_id"].(string)
	transactionID := text(m["transaction_id"])
	if productID == "" || transactionID == "" {
		return nil, false
	}

	r := &InAppReceipt{
		ProductID:             productID,
		TransactionID:         transactionID,
		OriginalTransactionID: text(m["original_transaction_id"]),

		PurchaseTime:         millis(m["purchase_date_ms"]),
		OriginalPurchaseTime: millis(m["original_purchase_date_ms"]),

		SubscriptionExpireTime: millis(m["expires_date_ms"]),
		IsRetryingBilling:      flag(m["is_in_billing_retry_period"]),
		IsTrialPeriod:          flag(m["is_trial_period"]),
		IsIntroOfferPeriod:     flag(m["is_in_intro_offer_period"]),

		IsCancelledByCustomer: flag(m["cancellation_reason"]),

		AutoRenewEnabled:    flag(m["auto_renew_status"]),
		AutoRenewPreference: text(m["auto_renew_product_id"]),
		PriceConsentAgreed:  flag(m["price_consent_status"]),
	}

	if intent := number(m["expiration_intent"]); intent >= 1 && intent <= 5 {
		r.SubscriptionExpireIntent = ExpireIntent(intent)
	}

	r.CancellationTime = millis(m["cancellation_date_ms"])
	if r.CancellationTime.IsZero() {
		r.CancellationTime = millis(m["cancellation_date"])
	}

	return r, true
}

// number reads an integer that may be encoded as a JSON number or a string.
func number(v any) int64 {
	switch n := v.(type) {
	case float64:
		if math.IsNaN(n) || math.IsInf(n, 0) {
			return 0
		}
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if f, err := n.Float64(); err == nil {
			return int64(f)
		}
		return 0
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i
		}
		if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return int64(f)
		}
		return 0
	default:
		return 0
	}
}

func millis(v any) time.Time {
	ms := number(v)
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}

// flag reads a boolean that may be encoded as a bool, a number or a string.
func flag(v any) bool {
	switch b := v.(type) {
	case bool:
		return b
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes":
			return true
		}
		return number(b) != 0
	default:
		return number(v) != 0
	}
}

func text(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	case float64:
		return strconv.FormatInt(int64(s), 10)
	default:
		return ""
	}
}
