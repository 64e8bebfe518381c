package config

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/code-payments/flipchat-iap/iap"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, StoreSQLite, cfg.Store)
	require.Equal(t, ValidatorAppStore, cfg.Validator)
	require.Equal(t, 10*time.Minute, cfg.ProductCacheTTL)
	require.Equal(t, "receipts/appstore.validated_receipt", cfg.SnapshotKey)
	require.False(t, cfg.UsesS3())
	require.Empty(t, cfg.Products)
}

func TestLoad_FromEnvironment(t *testing.T) {
	t.Setenv("IAP_STORE", "redis")
	t.Setenv("IAP_REDIS_DB", "3")
	t.Setenv("IAP_PRODUCT_CACHE_TTL", "30s")
	t.Setenv("IAP_APPSTORE_SANDBOX", "true")
	t.Setenv("IAP_SNAPSHOT_BUCKET", "receipts")
	t.Setenv("IAP_PRODUCTS", "coins:consumable,pro:non_consumable,monthly:subscription")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, StoreRedis, cfg.Store)
	require.Equal(t, 3, cfg.RedisDB)
	require.Equal(t, 30*time.Second, cfg.ProductCacheTTL)
	require.True(t, cfg.AppStoreSandbox)
	require.True(t, cfg.UsesS3())

	products, err := cfg.RegisteredProducts()
	require.NoError(t, err)
	require.Equal(t, map[string]iap.ProductType{
		"coins":   iap.ProductTypeConsumable,
		"pro":     iap.ProductTypeNonConsumable,
		"monthly": iap.ProductTypeSubscription,
	}, products)
}

func TestLoad_Invalid(t *testing.T) {
	for _, tc := range []struct {
		key, value string
	}{
		{"IAP_STORE", "mongodb"},
		{"IAP_STORE", "postgres"},
		{"IAP_VALIDATOR", "google"},
		{"IAP_VALIDATOR", "stripe"},
		{"IAP_PRODUCTS", "coins"},
		{"IAP_PRODUCTS", "coins:bundle"},
		{"IAP_REDIS_DB", "zero"},
		{"IAP_VALIDATOR", "memory"},
	} {
		t.Run(tc.key+"="+tc.value, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)

			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoad_MemoryValidator(t *testing.T) {
	t.Setenv("IAP_VALIDATOR", "memory")

	t.Run("memory store", func(t *testing.T) {
		t.Setenv("IAP_STORE", "memory")

		cfg, err := Load()
		require.NoError(t, err)
		key, err := cfg.MemoryValidatorKey()
		require.NoError(t, err)
		require.Nil(t, key)
	})

	t.Run("durable store with key", func(t *testing.T) {
		pub, _, err := ed25519.GenerateKey(rand.Reader)
		require.NoError(t, err)
		t.Setenv("IAP_MEMORY_PUBLIC_KEY", base64.StdEncoding.EncodeToString(pub))

		cfg, err := Load()
		require.NoError(t, err)
		key, err := cfg.MemoryValidatorKey()
		require.NoError(t, err)
		require.Equal(t, pub, key)
	})

	t.Run("malformed key", func(t *testing.T) {
		t.Setenv("IAP_MEMORY_PUBLIC_KEY", base64.StdEncoding.EncodeToString([]byte("short")))

		_, err := Load()
		require.Error(t, err)
	})
}
