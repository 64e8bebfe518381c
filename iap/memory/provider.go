package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/code-payments/flipchat-iap/event"
	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/receipt"
)

// ProviderName is the default provider name.
const ProviderName = "memory"

// Observer receives storefront updates. *iap.Coordinator implements it.
type Observer interface {
	RegisteredType(productID string) (iap.ProductType, bool)
	PurchaseDidFinish(ctx context.Context, req *iap.PurchaseRequest, paid *iap.Payment, err error)
	AutoValidateIfNeeded(ctx context.Context, productID string, provider iap.Provider) *iap.PurchaseRequest
	ApplyRenewals(ctx context.Context, provider iap.Provider, txs []iap.RenewedTransaction, snapshot *receipt.Snapshot) ([]*iap.Payment, error)
}

// ReceiptLoader returns the latest validated receipt snapshot, refreshing it
// from the validation authority when forced.
type ReceiptLoader func(ctx context.Context, forced bool) (*receipt.Snapshot, error)

// PurchaseArrived is emitted when the storefront offers a purchase the app did
// not start, e.g. a promoted in-app purchase.
type PurchaseArrived struct {
	ProductID string
	Product   *iap.Product
}

type NativeState uint8

const (
	NativePurchasing NativeState = iota
	NativePurchased
	NativeFailed
	NativeDeferred
	NativeRestored
)

// NativeTransaction is an entry of the simulated storefront queue.
type NativeTransaction struct {
	ID        string
	ProductID string
	Type      iap.ProductType
	State     NativeState
	Time      time.Time

	// Original is set for renewals and restores.
	Original string

	Finished bool
}

// CatalogItem describes a product the simulated storefront sells.
type CatalogItem struct {
	ProductID   string
	Title       string
	Description string
	Price       decimal.Decimal
	Currency    string
}

type ProviderOption func(*Provider)

// WithName overrides the provider name payments are cached under.
func WithName(name string) ProviderOption {
	return func(p *Provider) {
		p.name = name
	}
}

func WithKeeper(k *receipt.Keeper) ProviderOption {
	return func(p *Provider) {
		p.keeper = k
	}
}

func WithReceiptLoader(load ReceiptLoader) ProviderOption {
	return func(p *Provider) {
		p.loadReceipts = load
	}
}

func WithProviderClock(now func() time.Time) ProviderOption {
	return func(p *Provider) {
		p.now = now
	}
}

// Provider is an in-process storefront. Tests and tools drive the native queue
// explicitly with Approve, Fail, Defer, Deliver, Renew and Restore.
//
// The provider never holds its own lock while calling its Observer.
type Provider struct {
	name         string
	log          *zap.Logger
	now          func() time.Time
	keeper       *receipt.Keeper
	loadReceipts ReceiptLoader
	arrivals     *event.Bus[string, *PurchaseArrived]

	mu              sync.Mutex
	observer        Observer
	canPay          bool
	catalogErr      error
	catalog         map[string]*CatalogItem
	queue           []*NativeTransaction
	pending         map[string]*iap.PurchaseRequest
	acknowledged    map[string]int
	restoring       bool
	nextTransaction int64
}

func NewProvider(log *zap.Logger, opts ...ProviderOption) *Provider {
	p := &Provider{
		name:            ProviderName,
		log:             log,
		now:             time.Now,
		arrivals:        event.NewBus[string, *PurchaseArrived](),
		canPay:          true,
		catalog:         make(map[string]*CatalogItem),
		pending:         make(map[string]*iap.PurchaseRequest),
		acknowledged:    make(map[string]int),
		nextTransaction: 1000000000,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Attach sets the observer notified of native queue updates.
func (p *Provider) Attach(o Observer) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.observer = o
}

// Subscribe registers h for purchases offered by the storefront.
func (p *Provider) Subscribe(h event.Handler[string, *PurchaseArrived]) {
	p.arrivals.AddHandler(h)
}

// AddProduct adds a product to the storefront catalog.
func (p *Provider) AddProduct(item CatalogItem) error {
	if _, err := currency.ParseISO(item.Currency); err != nil {
		return fmt.Errorf("invalid currency %q for %s: %w", item.Currency, item.ProductID, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.catalog[item.ProductID] = &item
	return nil
}

func (p *Provider) SetCanMakePayment(canPay bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.canPay = canPay
}

// SetCatalogError makes product lookups fail with err until it is cleared with
// nil.
func (p *Provider) SetCatalogError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.catalogErr = err
}

func (p *Provider) Name() string {
	return p.name
}

func (p *Provider) CanMakePayment() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.canPay
}

func (p *Provider) TransactionState(productID string) (iap.TransactionState, bool) {
	p.mu.Lock()
	tx := p.openLocked(productID)
	p.mu.Unlock()

	if tx != nil {
		switch tx.State {
		case NativePurchasing, NativeDeferred:
			return iap.StatePurchasing, true
		case NativePurchased, NativeRestored:
			return iap.StateShouldValidate, true
		}
	}

	if p.keeper == nil {
		return "", false
	}
	latest, ok := p.keeper.Current().Latest(productID)
	if !ok || !latest.IsSubscription() {
		return "", false
	}
	if latest.SubscriptionExpireTime.Before(p.now()) {
		return iap.StateInvalided, true
	}
	return iap.StateValidated, true
}

func (p *Provider) SetTransactionInfo(req *iap.PurchaseRequest) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx := p.openLocked(req.ProductID())
	if tx == nil {
		return
	}
	req.Payment.TransactionID = tx.ID
	req.Payment.PurchaseTime = tx.Time
}

func (p *Provider) Purchase(req *iap.PurchaseRequest) {
	ctx := context.Background()
	productID := req.ProductID()
	log := p.log.With(
		zap.String("product_id", productID),
		zap.String("request_id", req.ID.String()),
	)

	p.mu.Lock()
	observer := p.observer
	if tx := p.openLocked(productID); tx != nil && tx.State == NativePurchased {
		paid := p.paidLocked(req, tx)
		p.mu.Unlock()

		log.Debug("Product already purchased, reusing native transaction", zap.String("transaction_id", tx.ID))
		observer.PurchaseDidFinish(ctx, req, paid, nil)
		return
	}
	if _, ok := p.catalog[productID]; !ok {
		p.mu.Unlock()

		log.Info("Product not sold by storefront")
		observer.PurchaseDidFinish(ctx, req, nil, iap.NewError(iap.SourceItemNotFound, nil, productID))
		return
	}

	tx := p.enqueueLocked(productID, req.Type(), NativePurchasing, "")
	p.pending[productID] = req
	p.mu.Unlock()

	log.Debug("Native purchase queued", zap.String("transaction_id", tx.ID))
}

func (p *Provider) FinishTransaction(productID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var finished int
	for _, tx := range p.queue {
		if tx.ProductID != productID || tx.Finished {
			continue
		}
		if tx.State == NativePurchasing || tx.State == NativeDeferred {
			continue
		}
		tx.Finished = true
		p.acknowledged[tx.ID]++
		finished++
	}
	if finished == 0 {
		return iap.ErrItemNotFound
	}
	return nil
}

// PurchaseDidFinish replaces the receipt snapshot with the validated response
// and picks up a subscription's expiry from it.
func (p *Provider) PurchaseDidFinish(req *iap.PurchaseRequest, resp *iap.ValidationResponse) {
	if !resp.ReceiptValid || req.Type() != iap.ProductTypeSubscription {
		return
	}

	snapshot := receipt.Parse(resp.Data)
	if latest, ok := snapshot.Latest(req.ProductID()); ok && latest.IsSubscription() {
		req.Payment.ExpireTime = latest.SubscriptionExpireTime
	}

	if p.keeper == nil {
		return
	}
	if err := p.keeper.Replace(context.Background(), snapshot); err != nil {
		p.log.Warn("Failed to save receipt snapshot", zap.String("product_id", req.ProductID()), zap.Error(err))
	}
}

// Products implements iap.Catalog.
func (p *Provider) Products(_ context.Context, productIDs []string) ([]*iap.Product, []string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.catalogErr != nil {
		return nil, nil, p.catalogErr
	}

	var products []*iap.Product
	var invalid []string
	for _, productID := range productIDs {
		item, ok := p.catalog[productID]
		if !ok {
			invalid = append(invalid, productID)
			continue
		}
		products = append(products, &iap.Product{
			ProviderName:         p.name,
			ProductID:            item.ProductID,
			Price:                DisplayPrice(item.Price, item.Currency),
			PriceAmount:          item.Price,
			Currency:             item.Currency,
			LocalizedTitle:       item.Title,
			LocalizedDescription: item.Description,
		})
	}
	return products, invalid, nil
}

// Approve completes the queued purchase of a product.
func (p *Provider) Approve(ctx context.Context, productID string) error {
	p.mu.Lock()
	tx := p.openLocked(productID)
	if tx == nil || (tx.State != NativePurchasing && tx.State != NativeDeferred) {
		p.mu.Unlock()
		return iap.NewError(iap.SourceItemNotFound, nil, productID)
	}
	tx.State = NativePurchased
	tx.Time = p.now()

	observer := p.observer
	req, ok := p.pending[productID]
	delete(p.pending, productID)
	var paid *iap.Payment
	if ok {
		paid = p.paidLocked(req, tx)
	}
	p.mu.Unlock()

	if !ok {
		p.log.Info("Purchase approved without a request", zap.String("product_id", productID))
		observer.AutoValidateIfNeeded(ctx, productID, p)
		return nil
	}

	if req.Type() == iap.ProductTypeSubscription && p.keeper != nil {
		if err := p.keeper.Invalidate(ctx); err != nil {
			p.log.Warn("Failed to invalidate receipt snapshot", zap.Error(err))
		}
	}
	observer.PurchaseDidFinish(ctx, req, paid, nil)
	return nil
}

// Fail fails the queued purchase of a product. Failed transactions are
// finished right away.
func (p *Provider) Fail(ctx context.Context, productID string, cancelled bool) error {
	p.mu.Lock()
	tx := p.openLocked(productID)
	if tx == nil || (tx.State != NativePurchasing && tx.State != NativeDeferred) {
		p.mu.Unlock()
		return iap.NewError(iap.SourceItemNotFound, nil, productID)
	}
	tx.State = NativeFailed
	tx.Finished = true
	p.acknowledged[tx.ID]++

	observer := p.observer
	req, ok := p.pending[productID]
	delete(p.pending, productID)
	p.mu.Unlock()

	if !ok {
		return nil
	}

	err := iap.NewError(iap.SourcePurchaseFailed, nil, productID)
	if cancelled {
		err = iap.NewError(iap.SourceCancelled, nil, productID)
	}
	observer.PurchaseDidFinish(ctx, req, nil, err)
	return nil
}

// Defer marks the queued purchase as waiting on approval, e.g. Ask to Buy. The
// request fails with PurchaseDeferred; the native transaction stays open.
func (p *Provider) Defer(ctx context.Context, productID string) error {
	p.mu.Lock()
	tx := p.openLocked(productID)
	if tx == nil || tx.State != NativePurchasing {
		p.mu.Unlock()
		return iap.NewError(iap.SourceItemNotFound, nil, productID)
	}
	tx.State = NativeDeferred

	observer := p.observer
	req, ok := p.pending[productID]
	delete(p.pending, productID)
	p.mu.Unlock()

	if ok {
		observer.PurchaseDidFinish(ctx, req, nil, iap.NewError(iap.SourcePurchaseDeferred, nil, productID))
	}
	return nil
}

// Deliver adds a purchased transaction nobody asked for, e.g. one completed on
// another device or left over from a previous launch, and routes it to auto
// validation.
func (p *Provider) Deliver(ctx context.Context, productID string) *iap.PurchaseRequest {
	observer := p.currentObserver()
	productType, _ := observer.RegisteredType(productID)

	p.mu.Lock()
	tx := p.enqueueLocked(productID, productType, NativePurchased, "")
	p.mu.Unlock()

	p.log.Info("Delivering unsolicited purchase",
		zap.String("product_id", productID),
		zap.String("transaction_id", tx.ID),
	)
	return observer.AutoValidateIfNeeded(ctx, productID, p)
}

// Renew delivers renewal transactions for the given products in one batch and
// finishes them against the latest receipt snapshot.
func (p *Provider) Renew(ctx context.Context, productIDs ...string) ([]*iap.Payment, error) {
	observer := p.currentObserver()
	types := make([]iap.ProductType, len(productIDs))
	for i, productID := range productIDs {
		types[i], _ = observer.RegisteredType(productID)
	}

	p.mu.Lock()
	txs := make([]iap.RenewedTransaction, 0, len(productIDs))
	for i, productID := range productIDs {
		tx := p.enqueueLocked(productID, types[i], NativePurchased, p.originalLocked(productID))
		txs = append(txs, renewed(tx))
	}
	p.mu.Unlock()

	snapshot, err := p.latestReceipts(ctx, false)
	if err != nil {
		return nil, err
	}
	return observer.ApplyRenewals(ctx, p, txs, snapshot)
}

// Restore restores every completed non consumable purchase and subscription.
// Only one restore may run at a time.
func (p *Provider) Restore(ctx context.Context) ([]*iap.Payment, error) {
	p.mu.Lock()
	if p.restoring {
		p.mu.Unlock()
		return nil, iap.NewError(iap.SourceDuplicateOperation, nil, "restore")
	}
	p.restoring = true
	observer := p.observer

	seen := make(map[string]struct{})
	var txs []iap.RenewedTransaction
	for _, tx := range slices.Clone(p.queue) {
		if tx.State != NativePurchased || !tx.Finished || tx.Type == iap.ProductTypeConsumable {
			continue
		}
		if _, ok := seen[tx.ProductID]; ok {
			continue
		}
		seen[tx.ProductID] = struct{}{}

		restored := p.enqueueLocked(tx.ProductID, tx.Type, NativeRestored, p.originalLocked(tx.ProductID))
		txs = append(txs, renewed(restored))
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.restoring = false
		p.mu.Unlock()
	}()

	if len(txs) == 0 {
		p.log.Info("Nothing to restore")
		return nil, nil
	}

	snapshot, err := p.latestReceipts(ctx, true)
	if err != nil {
		return nil, err
	}
	return observer.ApplyRenewals(ctx, p, txs, snapshot)
}

// OfferPurchase simulates the storefront promoting a product. Subscribers
// decide whether to start a purchase for it.
func (p *Provider) OfferPurchase(productID string) error {
	products, _, err := p.Products(context.Background(), []string{productID})
	if err != nil {
		return err
	}
	if len(products) == 0 {
		return iap.NewError(iap.SourceItemNotFound, nil, productID)
	}

	return p.arrivals.OnEvent(productID, &PurchaseArrived{
		ProductID: productID,
		Product:   products[0],
	})
}

// Acknowledged returns how many times the native transactions of a product were
// finished.
func (p *Provider) Acknowledged(productID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	var count int
	for _, tx := range p.queue {
		if tx.ProductID == productID {
			count += p.acknowledged[tx.ID]
		}
	}
	return count
}

// Queue returns a copy of the native transaction queue.
func (p *Provider) Queue() []NativeTransaction {
	p.mu.Lock()
	defer p.mu.Unlock()

	queue := make([]NativeTransaction, 0, len(p.queue))
	for _, tx := range p.queue {
		queue = append(queue, *tx)
	}
	return queue
}

func (p *Provider) currentObserver() Observer {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.observer
}

func (p *Provider) latestReceipts(ctx context.Context, forced bool) (*receipt.Snapshot, error) {
	if p.loadReceipts != nil {
		snapshot, err := p.loadReceipts(ctx, forced)
		if err != nil {
			return nil, iap.NewError(iap.SourceReceiptFetchFailed, err, nil)
		}
		if p.keeper != nil && snapshot != nil && snapshot != p.keeper.Current() {
			if err := p.keeper.Replace(ctx, snapshot); err != nil {
				p.log.Warn("Failed to save receipt snapshot", zap.Error(err))
			}
		}
		return snapshot, nil
	}
	if p.keeper != nil {
		return p.keeper.Current(), nil
	}
	return nil, nil
}

// openLocked returns the newest unfinished transaction of a product.
// Renewals and restores are finished in batches and are never open purchases.
func (p *Provider) openLocked(productID string) *NativeTransaction {
	for i := len(p.queue) - 1; i >= 0; i-- {
		tx := p.queue[i]
		if tx.ProductID == productID && tx.Original == "" && !tx.Finished && tx.State != NativeFailed {
			return tx
		}
	}
	return nil
}

// originalLocked returns the ID of the first purchased transaction of a
// product.
func (p *Provider) originalLocked(productID string) string {
	for _, tx := range p.queue {
		if tx.ProductID == productID && tx.State == NativePurchased && tx.Original == "" {
			return tx.ID
		}
	}
	return ""
}

func (p *Provider) enqueueLocked(productID string, productType iap.ProductType, state NativeState, original string) *NativeTransaction {
	p.nextTransaction++
	tx := &NativeTransaction{
		ID:        fmt.Sprintf("%d", p.nextTransaction),
		ProductID: productID,
		Type:      productType,
		State:     state,
		Time:      p.now(),
		Original:  original,
	}
	p.queue = append(p.queue, tx)
	return tx
}

func (p *Provider) paidLocked(req *iap.PurchaseRequest, tx *NativeTransaction) *iap.Payment {
	paid := req.Payment.Clone()
	paid.TransactionID = tx.ID
	paid.OriginalTransactionID = tx.Original
	paid.PurchaseTime = tx.Time
	if item, ok := p.catalog[tx.ProductID]; ok {
		paid.Product = iap.Product{
			ProviderName:         p.name,
			ProductID:            item.ProductID,
			Price:                DisplayPrice(item.Price, item.Currency),
			PriceAmount:          item.Price,
			Currency:             item.Currency,
			LocalizedTitle:       item.Title,
			LocalizedDescription: item.Description,
		}
	}
	return paid
}

func renewed(tx *NativeTransaction) iap.RenewedTransaction {
	return iap.RenewedTransaction{
		ProductID:             tx.ProductID,
		TransactionID:         tx.ID,
		OriginalTransactionID: tx.Original,
		PurchaseTime:          tx.Time,
	}
}

// DisplayPrice formats an amount the way a storefront shows it, e.g. "$ 4.99".
func DisplayPrice(amount decimal.Decimal, code string) string {
	unit, err := currency.ParseISO(code)
	if err != nil {
		return amount.StringFixed(2) + " " + code
	}
	printer := message.NewPrinter(language.English)
	return printer.Sprint(currency.Symbol(unit.Amount(amount.InexactFloat64())))
}
