package appstore

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/tests"
)

func newValidatorPayment(productID string, receiptData string) *iap.Payment {
	var userInfo map[string]any
	if receiptData != "" {
		userInfo = map[string]any{ReceiptKey: base64.StdEncoding.EncodeToString([]byte(receiptData))}
	}
	return iap.NewPayment("appstore", productID, iap.ProductTypeNonConsumable, userInfo)
}

func TestValidator(t *testing.T) {
	client, production, _ := newTestClient(t)
	production.respond("good", validBody("pro", 0))

	v := NewValidator(zap.NewNop(), client, nil, false)
	tests.RunValidatorTests(t, v, nil, newValidatorPayment("pro", "good"), newValidatorPayment("pro", "forged"))
}

func TestValidator_AppReceipt(t *testing.T) {
	client, _, sandbox := newTestClient(t)
	sandbox.respond("app-receipt", validBody("pro", 0))

	path := filepath.Join(t.TempDir(), "receipt")
	require.NoError(t, os.WriteFile(path, []byte("app-receipt"), 0o600))

	v := NewValidator(zap.NewNop(), client, NewReceiptSource(path, nil), true)
	resp, err := v.Validate(context.Background(), newValidatorPayment("pro", ""), nil)
	require.NoError(t, err)
	require.True(t, resp.ReceiptValid)
}

func TestValidator_ReceiptErrors(t *testing.T) {
	client, _, _ := newTestClient(t)

	v := NewValidator(zap.NewNop(), client, nil, false)
	_, err := v.Validate(context.Background(), newValidatorPayment("pro", ""), nil)
	require.ErrorIs(t, err, iap.ErrReceiptFetchFailed)

	payment := iap.NewPayment("appstore", "pro", iap.ProductTypeNonConsumable, map[string]any{ReceiptKey: "%%%"})
	_, err = v.Validate(context.Background(), payment, nil)
	require.ErrorIs(t, err, iap.ErrInvalidFormat)
}
