package iap

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	Provider
	transactionID string
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) SetTransactionInfo(req *PurchaseRequest) {
	req.Payment.TransactionID = p.transactionID
}

func TestPurchaseRequest_FinishOnce(t *testing.T) {
	req := NewPurchaseRequest("pro", ProductTypeNonConsumable, nil, &stubProvider{transactionID: "tx-1"}, nil)
	require.Equal(t, "tx-1", req.Payment.TransactionID)
	require.Equal(t, "stub", req.Payment.ProviderName())
	require.NoError(t, req.Err())
	require.Nil(t, req.Response())

	first := errors.New("first")
	req.finish(nil, first)
	req.finish(&ValidationResponse{ReceiptValid: true}, nil)

	require.ErrorIs(t, req.Wait(context.Background()), first)
	require.ErrorIs(t, req.Err(), first)
	require.Nil(t, req.Response())
}

func TestPurchaseRequest_WaitRespectsContext(t *testing.T) {
	req := NewPurchaseRequest("pro", ProductTypeNonConsumable, nil, &stubProvider{}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, req.Wait(ctx), context.DeadlineExceeded)

	select {
	case <-req.Done():
		require.FailNow(t, "request should still be open")
	default:
	}
}

func TestPurchaseRequest_ApplyPurchase(t *testing.T) {
	req := NewPurchaseRequest("pro", ProductTypeNonConsumable, nil, &stubProvider{}, nil)

	var calls int
	req.OnPurchased = func(*PurchaseRequest) { calls++ }

	paid := req.Payment.Clone()
	paid.Product.LocalizedTitle = "Pro"
	paid.TransactionID = "tx-2"
	paid.OriginalTransactionID = "tx-1"
	paid.PurchaseTime = time.UnixMilli(1_700_000_000_000)
	paid.ApplicationUsername = "user"

	req.applyPurchase(paid)
	req.notifyPurchased()
	req.notifyPurchased()

	require.Equal(t, 1, calls)
	require.Equal(t, "Pro", req.Payment.Product.LocalizedTitle)
	require.Equal(t, "tx-2", req.Payment.TransactionID)
	require.Equal(t, "tx-1", req.Payment.OriginalTransactionID)
	require.Equal(t, "user", req.Payment.ApplicationUsername)
	require.True(t, paid.PurchaseTime.Equal(req.Payment.PurchaseTime))
}
