package receipt

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func entry(productID, transactionID string, purchaseMs, expiresMs int64) map[string]any {
	e := map[string]any{
		"product_id":       productID,
		"transaction_id":   transactionID,
		"purchase_date_ms": json.Number(itoa(purchaseMs)),
	}
	if expiresMs > 0 {
		e["expires_date_ms"] = itoa(expiresMs)
	}
	return e
}

func itoa(v int64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func TestParse_MergeKeepsGreatestExpiry(t *testing.T) {
	for _, order := range [][]int64{{100, 200}, {200, 100}} {
		s := Parse(map[string]any{
			"latest_receipt_info": []any{
				entry("sub", "t1", 1, order[0]),
				entry("sub", "t2", 2, order[1]),
			},
		})

		latest, ok := s.Latest("sub")
		require.True(t, ok)
		require.Equal(t, time.UnixMilli(200), latest.SubscriptionExpireTime)
		require.True(t, latest.IsSubscription())
	}
}

func TestParse_MergeTieKeepsFirst(t *testing.T) {
	s := Parse(map[string]any{
		"receipt": map[string]any{
			"in_app": []any{
				entry("P", "first", 1, 0),
				entry("P", "second", 2, 0),
			},
		},
	})

	require.Len(t, s.InAppReceipts, 2)
	for _, r := range s.InAppReceipts {
		require.False(t, r.IsSubscription())
	}

	latest, ok := s.Latest("P")
	require.True(t, ok)
	require.Equal(t, "first", latest.TransactionID)
}

func TestParse_MergeAcrossSections(t *testing.T) {
	s := Parse(map[string]any{
		"latest_receipt_info": []any{entry("sub", "latest", 5, 500)},
		"receipt": map[string]any{
			"in_app": []any{
				entry("sub", "old", 1, 100),
				entry("other", "o1", 1, 0),
			},
		},
	})

	latest, ok := s.Latest("sub")
	require.True(t, ok)
	require.Equal(t, "latest", latest.TransactionID)

	other, ok := s.Latest("other")
	require.True(t, ok)
	require.Equal(t, "o1", other.TransactionID)
}

func TestParse_DropsMalformedEntries(t *testing.T) {
	s := Parse(map[string]any{
		"receipt": map[string]any{
			"in_app": []any{
				map[string]any{"product_id": "p"},
				map[string]any{"transaction_id": "t"},
				"not an entry",
				entry("p", "t", 1, 0),
			},
		},
	})

	require.Len(t, s.InAppReceipts, 1)
	require.Equal(t, "t", s.InAppReceipts[0].TransactionID)
}

func TestParse_TolerantFields(t *testing.T) {
	s := Parse(map[string]any{
		"environment": "Sandbox",
		"receipt": map[string]any{
			"bundle_id":                    "com.example.app",
			"application_version":          "42",
			"original_application_version": "1.0",
			"receipt_creation_date_ms":     "1700000000000",
			"request_date_ms":              float64(1700000001000),
			"in_app": []any{
				map[string]any{
					"product_id":                 "sub",
					"transaction_id":             "t1",
					"original_transaction_id":    "o1",
					"purchase_date_ms":           "not a number",
					"original_purchase_date_ms":  "1600000000000",
					"expires_date_ms":            "1700000000000",
					"expiration_intent":          "2",
					"is_in_billing_retry_period": "1",
					"is_trial_period":            "false",
					"is_in_intro_offer_period":   true,
					"cancellation_date_ms":       "1650000000000",
					"cancellation_reason":        "1",
					"auto_renew_status":          "1",
					"auto_renew_product_id":      "sub.yearly",
					"price_consent_status":       float64(0),
				},
			},
		},
	})

	require.True(t, s.IsSandbox)
	require.Equal(t, "com.example.app", s.BundleID)
	require.Equal(t, "42", s.AppVersion)
	require.Equal(t, "1.0", s.OriginalAppVersion)
	require.Equal(t, time.UnixMilli(1700000000000), s.CreationTime)
	require.Equal(t, time.UnixMilli(1700000001000), s.RequestTime)

	require.Len(t, s.InAppReceipts, 1)
	r := s.InAppReceipts[0]
	require.Equal(t, "o1", r.OriginalTransactionID)
	require.True(t, r.PurchaseTime.IsZero())
	require.Equal(t, time.UnixMilli(1600000000000), r.OriginalPurchaseTime)
	require.Equal(t, time.UnixMilli(1700000000000), r.SubscriptionExpireTime)
	require.Equal(t, ExpireIntentBillingError, r.SubscriptionExpireIntent)
	require.True(t, r.IsRetryingBilling)
	require.False(t, r.IsTrialPeriod)
	require.True(t, r.IsIntroOfferPeriod)
	require.Equal(t, time.UnixMilli(1650000000000), r.CancellationTime)
	require.True(t, r.IsCancelledByCustomer)
	require.True(t, r.AutoRenewEnabled)
	require.Equal(t, "sub.yearly", r.AutoRenewPreference)
	require.False(t, r.PriceConsentAgreed)
}

func TestParse_UnknownExpireIntent(t *testing.T) {
	e := entry("sub", "t", 1, 100)
	e["expiration_intent"] = float64(9)

	s := Parse(map[string]any{"latest_receipt_info": []any{e}})
	require.Equal(t, ExpireIntentNone, s.LatestByProduct["sub"].SubscriptionExpireIntent)
}

func TestParseJSON(t *testing.T) {
	s, err := ParseJSON([]byte(`{
		"environment":         "Production",
		"latest_receipt_info": [
			{"product_id": "sub", "transaction_id": "1", "expires_date_ms": "1000"}
		]
	}`))
	require.NoError(t, err)
	require.False(t, s.IsSandbox)
	require.Equal(t, time.UnixMilli(1000), s.ExpireTime("sub"))

	_, err = ParseJSON([]byte(`{`))
	require.Error(t, err)
}

func TestSnapshot_LatestFallback(t *testing.T) {
	s := Parse(map[string]any{
		"receipt": map[string]any{
			"in_app": []any{
				entry("p", "old", 100, 0),
				entry("p", "new", 300, 0),
				entry("q", "q1", 200, 0),
			},
		},
	})

	// Drop the merged view to exercise the purchase time fallback.
	s.LatestByProduct = map[string]*InAppReceipt{}

	latest, ok := s.Latest("p")
	require.True(t, ok)
	require.Equal(t, "new", latest.TransactionID)

	_, ok = s.Latest("missing")
	require.False(t, ok)

	byProduct := s.LatestFor([]string{"p", "missing"})
	require.Len(t, byProduct, 1)
	require.Equal(t, "new", byProduct["p"].TransactionID)

	var nilSnapshot *Snapshot
	_, ok = nilSnapshot.Latest("p")
	require.False(t, ok)
	require.True(t, nilSnapshot.ExpireTime("p").IsZero())
}

func TestSnapshot_CloneIsDeep(t *testing.T) {
	s := Parse(map[string]any{
		"latest_receipt_info": []any{entry("sub", "t", 1, 100)},
		"receipt":             map[string]any{"in_app": []any{entry("sub", "t", 1, 100)}},
	})

	cloned := s.Clone()
	cloned.LatestByProduct["sub"].TransactionID = "changed"
	cloned.InAppReceipts[0].TransactionID = "changed"

	require.Equal(t, "t", s.LatestByProduct["sub"].TransactionID)
	require.Equal(t, "t", s.InAppReceipts[0].TransactionID)
}
