package receipt_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/event"
	"github.com/code-payments/flipchat-iap/receipt"
	"github.com/code-payments/flipchat-iap/receipt/memory"
)

func TestKeeper_ReplaceInvalidateLoad(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	keeper := receipt.NewKeeper(zap.NewNop(), store)

	updates := event.NewChanStream[*receipt.Snapshot, *receipt.Snapshot]("updates", 10, event.Identity[*receipt.Snapshot])
	keeper.Subscribe(event.StreamHandler[string](updates, time.Second))

	_, err := keeper.Load(ctx)
	require.ErrorIs(t, err, receipt.ErrNotFound)
	require.False(t, keeper.Fresh())

	snapshot := receipt.Parse(map[string]any{
		"receipt": map[string]any{
			"bundle_id": "com.example.app",
			"in_app": []any{
				map[string]any{"product_id": "sub", "transaction_id": "t1", "expires_date_ms": "5000"},
			},
		},
	})
	require.NoError(t, keeper.Replace(ctx, snapshot))
	require.True(t, keeper.Fresh())
	require.Same(t, snapshot, keeper.Current())

	select {
	case updated := <-updates.Channel():
		require.Same(t, snapshot, updated)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot update")
	}

	// A new keeper over the same store restores the persisted snapshot, but
	// it is not fresh.
	restarted := receipt.NewKeeper(zap.NewNop(), store)
	loaded, err := restarted.Load(ctx)
	require.NoError(t, err)
	require.False(t, restarted.Fresh())
	require.Equal(t, "com.example.app", loaded.BundleID)
	require.Equal(t, time.UnixMilli(5000).UnixMilli(), loaded.ExpireTime("sub").UnixMilli())

	require.NoError(t, keeper.Invalidate(ctx))
	require.Nil(t, keeper.Current())
	require.False(t, keeper.Fresh())
	_, err = store.Load(ctx)
	require.ErrorIs(t, err, receipt.ErrNotFound)
}

func TestKeeper_CorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	store := memory.NewInMemory()
	require.NoError(t, store.Save(ctx, []byte("not json")))

	keeper := receipt.NewKeeper(zap.NewNop(), store)
	_, err := keeper.Load(ctx)
	require.ErrorIs(t, err, receipt.ErrNotFound)

	_, err = store.Load(ctx)
	require.ErrorIs(t, err, receipt.ErrNotFound)
}

type failingStore struct {
	receipt.Store
}

func (failingStore) Save(context.Context, []byte) error {
	return errors.New("disk full")
}

func TestKeeper_ReplaceNotifiesWhenSaveFails(t *testing.T) {
	ctx := context.Background()
	keeper := receipt.NewKeeper(zap.NewNop(), failingStore{Store: memory.NewInMemory()})

	updates := event.NewChanStream[*receipt.Snapshot, *receipt.Snapshot]("updates", 10, event.Identity[*receipt.Snapshot])
	keeper.Subscribe(event.StreamHandler[string](updates, time.Second))

	snapshot := receipt.Parse(map[string]any{"receipt": map[string]any{"bundle_id": "com.example.app"}})
	require.EqualError(t, keeper.Replace(ctx, snapshot), "disk full")
	require.Same(t, snapshot, keeper.Current())
	require.True(t, keeper.Fresh())

	select {
	case updated := <-updates.Channel():
		require.Same(t, snapshot, updated)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for snapshot update")
	}
}
