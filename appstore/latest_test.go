package appstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/receipt"
	"github.com/code-payments/flipchat-iap/receipt/memory"
)

func newTestLatest(t *testing.T) (*LatestReceipts, *receipt.Keeper, *fakeAuthority) {
	client, production, _ := newTestClient(t)

	path := filepath.Join(t.TempDir(), "receipt")
	require.NoError(t, os.WriteFile(path, []byte("app-receipt"), 0o600))

	keeper := receipt.NewKeeper(zap.NewNop(), memory.NewInMemory())
	v := NewValidator(zap.NewNop(), client, NewReceiptSource(path, nil), false)
	return NewLatestReceipts(zap.NewNop(), keeper, v, "appstore"), keeper, production
}

func TestLatestReceipts_Load(t *testing.T) {
	latest, keeper, production := newTestLatest(t)
	production.respond("app-receipt", validBody("monthly", 1_800_000_000_000))

	s, err := latest.Load(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "xyz.flipchat.app", s.BundleID)
	require.Equal(t, s, keeper.Current())
	require.True(t, keeper.Fresh())
	require.Len(t, production.calls(), 1)

	// A fresh snapshot is reused unless forced.
	_, err = latest.Load(context.Background(), false)
	require.NoError(t, err)
	require.Len(t, production.calls(), 1)

	_, err = latest.Load(context.Background(), true)
	require.NoError(t, err)
	require.Len(t, production.calls(), 2)

	entries, err := latest.LatestFor(context.Background(), []string{"monthly", "missing"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, time.UnixMilli(1_800_000_000_000).UnixMilli(), entries["monthly"].SubscriptionExpireTime.UnixMilli())
}

func TestLatestReceipts_Rejected(t *testing.T) {
	latest, keeper, production := newTestLatest(t)
	production.respond("app-receipt", `{"status":21003}`)

	_, err := latest.Load(context.Background(), true)
	require.ErrorIs(t, err, iap.ErrInvalidReceipt)
	require.Nil(t, keeper.Current())
}

func TestLatestReceipts_Failure(t *testing.T) {
	latest, _, production := newTestLatest(t)
	production.respond("app-receipt", `{"status":21005}`)

	_, err := latest.Load(context.Background(), true)
	require.ErrorIs(t, err, iap.ErrServiceUnavailable)
}

func TestLatestReceipts_ConcurrentLoads(t *testing.T) {
	latest, _, production := newTestLatest(t)
	production.respond("app-receipt", validBody("monthly", 1_800_000_000_000))

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := latest.Load(context.Background(), true)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	calls := len(production.calls())
	require.GreaterOrEqual(t, calls, 1)
	require.LessOrEqual(t, calls, 8)
}
