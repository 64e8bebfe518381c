package appstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-iap/iap"
)

func TestReceiptSource_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipt")
	require.NoError(t, os.WriteFile(path, []byte("receipt-bytes"), 0o600))

	source := NewReceiptSource(path, func(context.Context) error {
		require.FailNow(t, "refresh should not run")
		return nil
	})

	data, err := source.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, []byte("receipt-bytes"), data)
}

func TestReceiptSource_MissingWithoutRefresh(t *testing.T) {
	source := NewReceiptSource(filepath.Join(t.TempDir(), "receipt"), nil)

	_, err := source.Load(context.Background())
	require.ErrorIs(t, err, iap.ErrReceiptFetchFailed)
}

func TestReceiptSource_RefreshFailure(t *testing.T) {
	source := NewReceiptSource(filepath.Join(t.TempDir(), "receipt"), func(context.Context) error {
		return errors.New("storefront unreachable")
	})

	_, err := source.Load(context.Background())
	require.ErrorIs(t, err, iap.ErrReceiptFetchFailed)
}

func TestReceiptSource_CoalescesRefresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receipt")

	release := make(chan struct{})
	var refreshes atomic.Int32
	source := NewReceiptSource(path, func(context.Context) error {
		refreshes.Add(1)
		<-release
		return os.WriteFile(path, []byte("refreshed"), 0o600)
	})

	const callers = 5
	results := make([][]byte, callers)
	errs := make([]error, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = source.Load(context.Background())
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	require.EqualValues(t, 1, refreshes.Load())
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("refreshed"), results[i])
	}
}
