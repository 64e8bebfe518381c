package file

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-iap/receipt/tests"
)

func TestReceipt_FileStore(t *testing.T) {
	s := NewStoreInDir(t.TempDir())
	teardown := func() {
		require.NoError(t, s.Remove(context.Background()))
	}
	tests.RunStoreTests(t, s, teardown)
}

func TestReceipt_FileStoreCreatesDirectory(t *testing.T) {
	s := NewStoreInDir(t.TempDir() + "/nested/cache")

	require.NoError(t, s.Save(context.Background(), []byte("{}")))

	_, err := os.Stat(s.Path())
	require.NoError(t, err)
}
