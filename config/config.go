package config

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"github.com/code-payments/flipchat-iap/iap"
)

// Prefix is prepended to every environment variable, e.g. IAP_STORE.
const Prefix = "IAP"

const (
	StoreMemory   = "memory"
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreRedis    = "redis"

	ValidatorAppStore = "appstore"
	ValidatorGoogle   = "google"
	ValidatorMemory   = "memory"
)

func init() {
	// Load .env file if it exists (silent fail if not)
	_ = godotenv.Load()
}

// Config holds all configuration loaded from environment variables.
type Config struct {
	LogDevelopment bool `envconfig:"LOG_DEVELOPMENT" default:"false"`

	// Entitlement cache
	Store           string        `envconfig:"STORE" default:"sqlite"`
	SQLitePath      string        `envconfig:"SQLITE_PATH" default:"./data/iap.db"`
	PostgresURL     string        `envconfig:"POSTGRES_URL" default:""`
	RedisAddr       string        `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword   string        `envconfig:"REDIS_PASSWORD" default:""`
	RedisDB         int           `envconfig:"REDIS_DB" default:"0"`
	ProductCacheTTL time.Duration `envconfig:"PRODUCT_CACHE_TTL" default:"10m"`

	// Validation authority
	Validator string `envconfig:"VALIDATOR" default:"appstore"`

	AppStoreSharedSecret           string `envconfig:"APPSTORE_SHARED_SECRET" default:""`
	AppStoreSandbox                bool   `envconfig:"APPSTORE_SANDBOX" default:"false"`
	AppStoreReceiptPath            string `envconfig:"APPSTORE_RECEIPT_PATH" default:"./data/receipt"`
	AppStoreIncludeOldTransactions bool   `envconfig:"APPSTORE_INCLUDE_OLD_TRANSACTIONS" default:"false"`

	GooglePackageName        string `envconfig:"GOOGLE_PACKAGE_NAME" default:""`
	GoogleServiceAccountPath string `envconfig:"GOOGLE_SERVICE_ACCOUNT_PATH" default:""`

	// MemoryPublicKey is the base64 ed25519 key signing memory receipts. It
	// is required unless payments are also kept in memory.
	MemoryPublicKey string `envconfig:"MEMORY_PUBLIC_KEY" default:""`

	// Receipt snapshot persistence. A bucket selects S3, otherwise the
	// snapshot is kept in SnapshotDir.
	SnapshotDir    string `envconfig:"SNAPSHOT_DIR" default:"./data"`
	SnapshotBucket string `envconfig:"SNAPSHOT_BUCKET" default:""`
	SnapshotKey    string `envconfig:"SNAPSHOT_KEY" default:"receipts/appstore.validated_receipt"`
	S3Region       string `envconfig:"S3_REGION" default:"us-east-1"`
	S3Endpoint     string `envconfig:"S3_ENDPOINT" default:""`
	S3AccessKey    string `envconfig:"S3_ACCESS_KEY" default:""`
	S3SecretKey    string `envconfig:"S3_SECRET_KEY" default:""`

	// Products lists "product_id:type" pairs registered for auto validation.
	Products []string `envconfig:"PRODUCTS" default:""`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad loads configuration or panics on error.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

func (c *Config) Validate() error {
	switch c.Store {
	case StoreMemory, StoreSQLite, StoreRedis:
	case StorePostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("%s_POSTGRES_URL is required for the postgres store", Prefix)
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	switch c.Validator {
	case ValidatorAppStore:
	case ValidatorMemory:
		if c.MemoryPublicKey == "" && c.Store != StoreMemory {
			return fmt.Errorf("%s_MEMORY_PUBLIC_KEY is required for the memory validator with a durable store", Prefix)
		}
		if _, err := c.MemoryValidatorKey(); err != nil {
			return err
		}
	case ValidatorGoogle:
		if c.GooglePackageName == "" || c.GoogleServiceAccountPath == "" {
			return fmt.Errorf("%s_GOOGLE_PACKAGE_NAME and %s_GOOGLE_SERVICE_ACCOUNT_PATH are required for the google validator", Prefix, Prefix)
		}
	default:
		return fmt.Errorf("unknown validator %q", c.Validator)
	}

	_, err := c.RegisteredProducts()
	return err
}

// RegisteredProducts parses Products into product types by ID.
func (c *Config) RegisteredProducts() (map[string]iap.ProductType, error) {
	products := make(map[string]iap.ProductType, len(c.Products))
	for _, entry := range c.Products {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		productID, typeName, ok := strings.Cut(entry, ":")
		if !ok || productID == "" {
			return nil, fmt.Errorf("invalid product %q, expected product_id:type", entry)
		}
		productType, ok := iap.ParseProductType(typeName)
		if !ok {
			return nil, fmt.Errorf("invalid product type %q for %s", typeName, productID)
		}
		products[productID] = productType
	}
	return products, nil
}

// MemoryValidatorKey decodes MemoryPublicKey. It returns nil if none is set.
func (c *Config) MemoryValidatorKey() (ed25519.PublicKey, error) {
	if c.MemoryPublicKey == "" {
		return nil, nil
	}
	key, err := base64.StdEncoding.DecodeString(c.MemoryPublicKey)
	if err != nil {
		return nil, fmt.Errorf("invalid %s_MEMORY_PUBLIC_KEY: %w", Prefix, err)
	}
	if len(key) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("invalid %s_MEMORY_PUBLIC_KEY: expected %d bytes, got %d", Prefix, ed25519.PublicKeySize, len(key))
	}
	return ed25519.PublicKey(key), nil
}

// UsesS3 reports whether receipt snapshots are stored in S3.
func (c *Config) UsesS3() bool {
	return c.SnapshotBucket != ""
}
