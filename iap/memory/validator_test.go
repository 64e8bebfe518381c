package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/memory"
	"github.com/code-payments/flipchat-iap/iap/tests"
	"github.com/code-payments/flipchat-iap/receipt"
)

func newPayment(productID string, productType iap.ProductType, receiptValue string) *iap.Payment {
	payment := iap.NewPayment(memory.ProviderName, productID, productType, map[string]any{
		memory.ReceiptKey: receiptValue,
	})
	payment.TransactionID = "tx-" + productID
	payment.PurchaseTime = time.UnixMilli(1_700_000_000_000)
	return payment
}

func TestMemoryValidator(t *testing.T) {
	pub, priv, err := memory.GenerateKeyPair()
	require.NoError(t, err)
	_, other, err := memory.GenerateKeyPair()
	require.NoError(t, err)

	v := memory.NewValidator(pub)
	provider := memory.NewProvider(zap.NewNop())

	valid := newPayment("pro", iap.ProductTypeNonConsumable, memory.GenerateValidReceipt(priv, "pro"))
	invalid := newPayment("pro", iap.ProductTypeNonConsumable, memory.GenerateValidReceipt(other, "pro"))
	tests.RunValidatorTests(t, v, provider, valid, invalid)
}

func TestMemoryValidator_MalformedReceipt(t *testing.T) {
	pub, _, err := memory.GenerateKeyPair()
	require.NoError(t, err)
	v := memory.NewValidator(pub)

	for _, receiptValue := range []string{"", "no-separator", "!!!|message", "a|b|c"} {
		resp, err := v.Validate(context.Background(), newPayment("pro", iap.ProductTypeNonConsumable, receiptValue), nil)
		require.NoError(t, err)
		require.False(t, resp.ReceiptValid)
	}
}

func TestMemoryValidator_DeviceReceipt(t *testing.T) {
	pub, priv, err := memory.GenerateKeyPair()
	require.NoError(t, err)
	v := memory.NewValidator(pub)

	payment := iap.NewPayment(memory.ProviderName, "pro", iap.ProductTypeNonConsumable, nil)

	resp, err := v.Validate(context.Background(), payment, nil)
	require.NoError(t, err)
	require.False(t, resp.ReceiptValid)

	v.SetDeviceReceipt(memory.GenerateValidReceipt(priv, "device"))
	resp, err = v.Validate(context.Background(), payment, nil)
	require.NoError(t, err)
	require.True(t, resp.ReceiptValid)
}

func TestMemoryValidator_Expiry(t *testing.T) {
	pub, priv, err := memory.GenerateKeyPair()
	require.NoError(t, err)
	v := memory.NewValidator(pub)

	expiry := time.UnixMilli(1_800_000_000_000)
	v.SetExpiry("monthly", expiry)

	resp, err := v.Validate(context.Background(), newPayment("monthly", iap.ProductTypeSubscription, memory.GenerateValidReceipt(priv, "monthly")), nil)
	require.NoError(t, err)
	require.True(t, resp.ReceiptValid)

	snapshot := receipt.Parse(resp.Data)
	require.True(t, snapshot.IsSandbox)
	require.Equal(t, "memory", snapshot.BundleID)
	require.True(t, expiry.Equal(snapshot.ExpireTime("monthly")))
}

func TestMemoryValidator_FailNext(t *testing.T) {
	pub, priv, err := memory.GenerateKeyPair()
	require.NoError(t, err)
	v := memory.NewValidator(pub)
	payment := newPayment("pro", iap.ProductTypeNonConsumable, memory.GenerateValidReceipt(priv, "pro"))

	v.FailNext(2)
	for i := 0; i < 2; i++ {
		_, err := v.Validate(context.Background(), payment, nil)
		require.ErrorIs(t, err, memory.ErrUnavailable)
	}

	resp, err := v.Validate(context.Background(), payment, nil)
	require.NoError(t, err)
	require.True(t, resp.ReceiptValid)
	require.Equal(t, 3, v.Calls("pro"))
}

func TestMemoryValidator_Block(t *testing.T) {
	pub, priv, err := memory.GenerateKeyPair()
	require.NoError(t, err)
	v := memory.NewValidator(pub)
	payment := newPayment("pro", iap.ProductTypeNonConsumable, memory.GenerateValidReceipt(priv, "pro"))

	release := v.Block()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = v.Validate(ctx, payment, nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	done := make(chan error, 1)
	go func() {
		_, err := v.Validate(context.Background(), payment, nil)
		done <- err
	}()

	release()
	release()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		require.FailNow(t, "validation still blocked")
	}
	require.Equal(t, 1, v.MaxConcurrent("pro"))
}
