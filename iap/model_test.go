package iap

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestProductType_RoundTrip(t *testing.T) {
	for _, productType := range []ProductType{ProductTypeConsumable, ProductTypeNonConsumable, ProductTypeSubscription} {
		parsed, ok := ParseProductType(productType.String())
		require.True(t, ok)
		require.Equal(t, productType, parsed)
	}

	_, ok := ParseProductType("bundle")
	require.False(t, ok)
}

func TestPayment_IsExpired(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)

	subscription := NewPayment("memory", "monthly", ProductTypeSubscription, nil)
	require.True(t, subscription.IsExpired(now))

	subscription.ExpireTime = now.Add(time.Hour)
	require.False(t, subscription.IsExpired(now))

	subscription.ExpireTime = now.Add(-time.Millisecond)
	require.True(t, subscription.IsExpired(now))

	subscription.ExpireTime = now
	require.False(t, subscription.IsExpired(now))

	nonConsumable := NewPayment("memory", "pro", ProductTypeNonConsumable, nil)
	nonConsumable.ExpireTime = now.Add(-time.Hour)
	require.False(t, nonConsumable.IsExpired(now))
}

func TestPayment_CloneAndWithProduct(t *testing.T) {
	p := NewPayment("memory", "pro", ProductTypeNonConsumable, map[string]any{"receipt": "r"})
	p.Product.Price = "$4.99"

	cloned := p.Clone()
	cloned.UserInfo["receipt"] = "changed"
	require.Equal(t, "r", p.UserInfo["receipt"])

	bare := p.WithProduct(nil)
	require.Equal(t, Product{ProviderName: "memory", ProductID: "pro"}, bare.Product)
	require.Equal(t, "$4.99", p.Product.Price)

	entry := &Product{ProviderName: "memory", ProductID: "pro", LocalizedTitle: "Pro"}
	joined := p.WithProduct(entry)
	require.Equal(t, "Pro", joined.Product.LocalizedTitle)
	require.Equal(t, p.UserInfo, joined.UserInfo)
}

func TestReceiptFingerprint(t *testing.T) {
	a := ReceiptFingerprint([]byte("receipt-a"))
	require.NotEmpty(t, a)
	require.Equal(t, a, ReceiptFingerprint([]byte("receipt-a")))
	require.NotEqual(t, a, ReceiptFingerprint([]byte("receipt-b")))
}
