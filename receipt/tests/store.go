package tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-iap/receipt"
)

func RunStoreTests(t *testing.T, s receipt.Store, teardown func()) {
	for _, tf := range []func(t *testing.T, s receipt.Store){
		testSaveAndLoad,
		testLoadMissing,
		testOverwrite,
		testRemove,
	} {
		tf(t, s)
		teardown()
	}
}

func testSaveAndLoad(t *testing.T, s receipt.Store) {
	ctx := context.Background()

	data := []byte(`{"bundle_id":"com.example.app"}`)
	require.NoError(t, s.Save(ctx, data))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, data, loaded)
}

func testLoadMissing(t *testing.T, s receipt.Store) {
	ctx := context.Background()

	loaded, err := s.Load(ctx)
	require.ErrorIs(t, err, receipt.ErrNotFound)
	require.Nil(t, loaded)
}

func testOverwrite(t *testing.T, s receipt.Store) {
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []byte("first")))
	require.NoError(t, s.Save(ctx, []byte("second")))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("second"), loaded)
}

func testRemove(t *testing.T, s receipt.Store) {
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, []byte("data")))
	require.NoError(t, s.Remove(ctx))
	require.NoError(t, s.Remove(ctx))

	_, err := s.Load(ctx)
	require.ErrorIs(t, err, receipt.ErrNotFound)
}
