package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/appstore"
	"github.com/code-payments/flipchat-iap/config"
	pgdb "github.com/code-payments/flipchat-iap/database/postgres"
	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/iap/android"
	"github.com/code-payments/flipchat-iap/iap/cache"
	"github.com/code-payments/flipchat-iap/iap/memory"
	"github.com/code-payments/flipchat-iap/iap/postgres"
	iapredis "github.com/code-payments/flipchat-iap/iap/redis"
	"github.com/code-payments/flipchat-iap/iap/sqlite"
	"github.com/code-payments/flipchat-iap/query"
	"github.com/code-payments/flipchat-iap/receipt"
	"github.com/code-payments/flipchat-iap/receipt/file"
	"github.com/code-payments/flipchat-iap/receipt/s3"
)

type app struct {
	cfg         *config.Config
	log         *zap.Logger
	coordinator *iap.Coordinator
	provider    *memory.Provider
	validator   iap.Validator
	keeper      *receipt.Keeper
	latest      *appstore.LatestReceipts
	closers     []func()
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg := config.MustLoad()

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Failed to create logger:", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize", zap.Error(err))
	}
	defer a.close()

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "pending":
		err = a.pending(ctx)
	case "resume":
		err = a.resume(ctx)
	case "state":
		err = a.state(ctx, args)
	case "validate":
		err = a.validate(ctx, args)
	case "payments":
		err = a.payments(ctx)
	case "snapshot":
		err = a.snapshot(ctx, len(args) > 0 && args[0] == "--force")
	case "products":
		err = a.products(ctx, args)
	default:
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		log.Error("Command failed", zap.String("command", command), zap.Error(err))
		a.close()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: iap [command]")
	fmt.Println("Commands:")
	fmt.Println("  pending                          - List payments awaiting validation")
	fmt.Println("  resume                           - Validate every pending payment")
	fmt.Println("  state <product_id>...            - Print the entitlement state of products")
	fmt.Println("  validate <product_id> <type> <receipt> - Validate a receipt for a product")
	fmt.Println("  payments                         - List cached payments")
	fmt.Println("  snapshot [--force]               - Print the latest validated receipt")
	fmt.Println("  products <product_id>...         - Print cached catalog entries")
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	if cfg.LogDevelopment {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	store, err := a.newStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	receipts, err := a.newReceiptStore(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.keeper = receipt.NewKeeper(log, receipts)
	if _, err := a.keeper.Load(ctx); err != nil {
		log.Debug("No receipt snapshot loaded", zap.Error(err))
	}

	a.validator, err = a.newValidator(ctx)
	if err != nil {
		a.close()
		return nil, err
	}

	a.coordinator = iap.NewCoordinator(log, store)
	products, err := cfg.RegisteredProducts()
	if err != nil {
		a.close()
		return nil, err
	}
	for productID, productType := range products {
		a.coordinator.RegisterProduct(productID, productType)
	}
	a.coordinator.SetAutoValidator(a.validator)

	opts := []memory.ProviderOption{
		memory.WithName(cfg.Validator),
		memory.WithKeeper(a.keeper),
	}
	if a.latest != nil {
		opts = append(opts, memory.WithReceiptLoader(a.latest.Load))
	}
	a.provider = memory.NewProvider(log, opts...)
	a.provider.Attach(a.coordinator)

	return a, nil
}

func (a *app) newStore(ctx context.Context) (iap.Store, error) {
	var store iap.Store
	switch a.cfg.Store {
	case config.StoreMemory:
		store = memory.NewInMemory()
	case config.StoreSQLite:
		s, err := sqlite.NewInSQLite(ctx, a.cfg.SQLitePath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open sqlite store")
		}
		if c, ok := s.(io.Closer); ok {
			a.deferClose(c)
		}
		store = s
	case config.StorePostgres:
		db, err := pgdb.Open(ctx, a.cfg.PostgresURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open postgres")
		}
		a.deferClose(db)
		store, err = postgres.NewInPostgres(ctx, db.DB)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open postgres store")
		}
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     a.cfg.RedisAddr,
			Password: a.cfg.RedisPassword,
			DB:       a.cfg.RedisDB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, errors.Wrap(err, "failed to connect to redis")
		}
		a.deferClose(client)
		store = iapredis.NewInRedis(client)
	default:
		return nil, errors.Errorf("unknown store %q", a.cfg.Store)
	}

	if a.cfg.ProductCacheTTL > 0 {
		cached := cache.NewInCache(store, a.cfg.ProductCacheTTL)
		if c, ok := cached.(*cache.Cache); ok {
			a.closers = append(a.closers, c.Close)
		}
		store = cached
	}
	return store, nil
}

func (a *app) newReceiptStore(ctx context.Context) (receipt.Store, error) {
	if !a.cfg.UsesS3() {
		return file.NewStoreInDir(a.cfg.SnapshotDir), nil
	}

	store, err := s3.NewStore(ctx, s3.Config{
		Endpoint:  a.cfg.S3Endpoint,
		Region:    a.cfg.S3Region,
		Bucket:    a.cfg.SnapshotBucket,
		Key:       a.cfg.SnapshotKey,
		AccessKey: a.cfg.S3AccessKey,
		SecretKey: a.cfg.S3SecretKey,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create s3 receipt store")
	}
	return store, nil
}

func (a *app) newValidator(ctx context.Context) (iap.Validator, error) {
	switch a.cfg.Validator {
	case config.ValidatorAppStore:
		opts := []appstore.Option{appstore.WithSharedSecret(a.cfg.AppStoreSharedSecret)}
		if a.cfg.AppStoreIncludeOldTransactions {
			opts = append(opts, appstore.WithIncludeOldTransactions())
		}
		client := appstore.NewClient(a.log, opts...)
		source := appstore.NewReceiptSource(a.cfg.AppStoreReceiptPath, nil)
		validator := appstore.NewValidator(a.log, client, source, a.cfg.AppStoreSandbox)
		a.latest = appstore.NewLatestReceipts(a.log, a.keeper, validator, a.cfg.Validator)
		return validator, nil
	case config.ValidatorGoogle:
		serviceAccount, err := os.ReadFile(a.cfg.GoogleServiceAccountPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read service account")
		}
		return android.NewValidator(ctx, a.log, serviceAccount, a.cfg.GooglePackageName)
	case config.ValidatorMemory:
		pub, err := a.cfg.MemoryValidatorKey()
		if err != nil {
			return nil, err
		}
		if pub == nil {
			// Config only allows this with the memory store, so rejected
			// receipts never delete durable payments.
			pub, _, err = memory.GenerateKeyPair()
			if err != nil {
				return nil, err
			}
		}
		return memory.NewValidator(pub), nil
	default:
		return nil, errors.Errorf("unknown validator %q", a.cfg.Validator)
	}
}

func (a *app) deferClose(c io.Closer) {
	a.closers = append(a.closers, func() {
		if err := c.Close(); err != nil {
			a.log.Warn("Failed to close resource", zap.Error(err))
		}
	})
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) pending(ctx context.Context) error {
	payments, err := a.coordinator.PendingPayments(ctx, query.WithProvider(a.provider.Name()))
	if err != nil {
		return err
	}
	return printJSON(paymentViews(payments))
}

func (a *app) payments(ctx context.Context) error {
	payments, err := a.coordinator.LoadPayments(ctx, query.WithProvider(a.provider.Name()), query.WithDescending())
	if err != nil {
		return err
	}
	return printJSON(paymentViews(payments))
}

func (a *app) resume(ctx context.Context) error {
	started, err := a.coordinator.ResumePending(ctx, a.provider, a.validator)
	if err != nil {
		return err
	}

	results := make([]resultView, 0, len(started))
	for _, req := range started {
		results = append(results, a.await(ctx, req))
	}
	return printJSON(results)
}

func (a *app) state(ctx context.Context, productIDs []string) error {
	if len(productIDs) == 0 {
		return errors.New("at least one product id is required")
	}

	states := make(map[string]string, len(productIDs))
	for _, productID := range productIDs {
		state, err := a.coordinator.State(ctx, productID, a.provider)
		if err != nil {
			return errors.Wrapf(err, "failed to get state of %s", productID)
		}
		states[productID] = state.String()
	}
	return printJSON(states)
}

func (a *app) validate(ctx context.Context, args []string) error {
	if len(args) < 3 {
		return errors.New("usage: validate <product_id> <type> <receipt>")
	}
	productType, ok := iap.ParseProductType(args[1])
	if !ok {
		return errors.Errorf("invalid product type %q", args[1])
	}

	key := memory.ReceiptKey
	switch a.cfg.Validator {
	case config.ValidatorAppStore:
		key = appstore.ReceiptKey
	case config.ValidatorGoogle:
		key = android.PurchaseTokenKey
	}

	req := iap.NewPurchaseRequest(args[0], productType, map[string]any{key: args[2]}, a.provider, a.validator)
	if err := a.coordinator.Validate(ctx, req); err != nil {
		return err
	}
	return printJSON(a.await(ctx, req))
}

func (a *app) snapshot(ctx context.Context, forced bool) error {
	var (
		snapshot *receipt.Snapshot
		err      error
	)
	if a.latest != nil {
		snapshot, err = a.latest.Load(ctx, forced)
	} else {
		snapshot, err = a.keeper.Load(ctx)
	}
	if err != nil {
		return err
	}
	return printJSON(snapshot)
}

func (a *app) products(ctx context.Context, productIDs []string) error {
	if len(productIDs) == 0 {
		return errors.New("at least one product id is required")
	}

	products, err := a.coordinator.LoadCachedProducts(ctx, a.provider.Name(), productIDs)
	if err != nil {
		return err
	}
	return printJSON(products)
}

func (a *app) await(ctx context.Context, req *iap.PurchaseRequest) resultView {
	ctx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	view := resultView{paymentView: toPaymentView(req.Payment)}
	if err := req.Wait(ctx); err != nil {
		view.Error = err.Error()
		view.Source = string(iap.SourceOf(err))
	}
	view.State = req.Payment.State.String()
	return view
}

type paymentView struct {
	ProductID     string `json:"product_id"`
	Type          string `json:"type"`
	State         string `json:"state"`
	TransactionID string `json:"transaction_id,omitempty"`
	PurchaseTime  string `json:"purchase_time,omitempty"`
	ExpireTime    string `json:"expire_time,omitempty"`
}

type resultView struct {
	paymentView
	Error  string `json:"error,omitempty"`
	Source string `json:"source,omitempty"`
}

func toPaymentView(p *iap.Payment) paymentView {
	view := paymentView{
		ProductID:     p.ProductID(),
		Type:          p.Type.String(),
		State:         p.State.String(),
		TransactionID: p.TransactionID,
	}
	if !p.PurchaseTime.IsZero() {
		view.PurchaseTime = p.PurchaseTime.UTC().Format(time.RFC3339)
	}
	if !p.ExpireTime.IsZero() {
		view.ExpireTime = p.ExpireTime.UTC().Format(time.RFC3339)
	}
	return view
}

func paymentViews(payments []*iap.Payment) []paymentView {
	views := make([]paymentView, 0, len(payments))
	for _, p := range payments {
		views = append(views, toPaymentView(p))
	}
	return views
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Println(strings.TrimSpace(string(b)))
	return err
}
