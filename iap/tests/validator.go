package tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/receipt"
)

// RunValidatorTests checks a Validator against one payment its authority
// accepts and one it rejects.
func RunValidatorTests(t *testing.T, v iap.Validator, provider iap.Provider, valid, invalid *iap.Payment) {
	t.Run("valid", func(t *testing.T) {
		resp, err := v.Validate(context.Background(), valid, provider)
		require.NoError(t, err)
		require.NotNil(t, resp)
		require.True(t, resp.ReceiptValid)

		snapshot := receipt.Parse(resp.Data)
		latest, ok := snapshot.Latest(valid.ProductID())
		require.True(t, ok)
		require.Equal(t, valid.ProductID(), latest.ProductID)
		require.NotEmpty(t, latest.TransactionID)
	})

	t.Run("invalid", func(t *testing.T) {
		resp, err := v.Validate(context.Background(), invalid, provider)
		require.NoError(t, err)
		require.NotNil(t, resp)
		require.False(t, resp.ReceiptValid)
	})
}
