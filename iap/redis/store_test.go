//go:build integration

package redis

import (
	"testing"

	"github.com/ory/dockertest/v3"
	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-iap/iap/tests"
	"github.com/code-payments/flipchat-iap/testutil"
)

func TestIap_RedisStore(t *testing.T) {
	pool, err := dockertest.NewPool("")
	require.NoError(t, err)

	client, cleanup, err := testutil.StartRedis(pool)
	require.NoError(t, err)
	defer cleanup()

	testStore := NewInRedis(client)
	teardown := func() {
		testStore.(*store).reset()
	}
	tests.RunStoreTests(t, testStore, teardown)
}
