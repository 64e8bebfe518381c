package iap

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/event"
	"github.com/code-payments/flipchat-iap/query"
	"github.com/code-payments/flipchat-iap/receipt"
)

// AutoValidationResult is emitted for every auto validation attempt, whether
// or not validation actually ran.
type AutoValidationResult struct {
	ProductID    string
	ProviderName string

	// Payment is the payment as of the end of the attempt, if one was found
	// or synthesized.
	Payment *Payment
	Err     error
}

// RenewedTransaction is a storefront transaction finished against a receipt
// snapshot rather than validated on its own, e.g. a subscription renewal or a
// restored purchase.
type RenewedTransaction struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	PurchaseTime          time.Time
}

// pendingPageSize bounds each store read while listing pending payments.
const pendingPageSize = 500

type Option func(*Coordinator)

// WithClock overrides the clock used for lazy subscription expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		c.now = now
	}
}

// WithAutoValidator sets the validator used for transactions the Coordinator
// did not originate.
func WithAutoValidator(v Validator) Option {
	return func(c *Coordinator) {
		c.autoValidator = v
	}
}

// Coordinator owns the per product purchase state machine. All state
// transitions and their persistence happen under a single lock. Storefront
// purchases and validation round trips run outside of it.
type Coordinator struct {
	log   *zap.Logger
	store Store
	now   func() time.Time

	mu            sync.Mutex
	purchasing    *PurchaseRequest
	validating    map[string]*PurchaseRequest
	registered    map[string]ProductType
	autoValidator Validator

	autoValidations *event.Bus[string, *AutoValidationResult]
}

func NewCoordinator(log *zap.Logger, store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		log:             log,
		store:           store,
		now:             time.Now,
		validating:      make(map[string]*PurchaseRequest),
		registered:      make(map[string]ProductType),
		autoValidations: event.NewBus[string, *AutoValidationResult](),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RegisterProduct records a product's type so transactions for it can be
// auto validated without a cached payment.
func (c *Coordinator) RegisterProduct(productID string, productType ProductType) *Coordinator {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.registered[productID] = productType
	return c
}

func (c *Coordinator) RegisteredType(productID string) (ProductType, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	t, ok := c.registered[productID]
	return t, ok
}

func (c *Coordinator) SetAutoValidator(v Validator) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.autoValidator = v
}

// Subscribe registers h for auto validation results, keyed by product ID.
func (c *Coordinator) Subscribe(h event.Handler[string, *AutoValidationResult]) {
	c.autoValidations.AddHandler(h)
}

// PurchasingRequest returns the request holding the purchase slot, if any.
func (c *Coordinator) PurchasingRequest() *PurchaseRequest {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.purchasing
}

// IsValidating reports whether a validation for the product is in flight.
func (c *Coordinator) IsValidating(productID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.validating[productID]
	return ok
}

// State returns the product's current state. It never writes.
func (c *Coordinator) State(ctx context.Context, productID string, provider Provider) (TransactionState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	state, _, err := c.stateLocked(ctx, productID, provider)
	return state, err
}

func (c *Coordinator) stateLocked(ctx context.Context, productID string, provider Provider) (TransactionState, *Payment, error) {
	if c.purchasing != nil && c.purchasing.ProductID() == productID {
		return StatePurchasing, nil, nil
	}
	if _, ok := c.validating[productID]; ok {
		return StateValidating, nil, nil
	}
	if state, ok := provider.TransactionState(productID); ok {
		return state, nil, nil
	}

	payment, err := c.store.GetPayment(ctx, provider.Name(), productID)
	if errors.Is(err, ErrNotFound) {
		return StateIdle, nil, nil
	} else if err != nil {
		return "", nil, err
	}

	if payment.State == StateValidated && payment.IsExpired(c.now()) {
		return StateInvalided, payment, nil
	}
	return payment.State, payment, nil
}

// StartPurchase starts a purchase, or a validation if the product was already
// paid for. Immediate failures are returned and also complete req; all other
// outcomes arrive through req.
func (c *Coordinator) StartPurchase(ctx context.Context, req *PurchaseRequest) error {
	log := c.requestLog(req)

	c.mu.Lock()
	if c.purchasing != nil {
		inFlight := c.purchasing.ProductID()
		c.mu.Unlock()
		log.Debug("Rejecting purchase, another purchase is in flight",
			zap.String("purchasing_product_id", inFlight),
		)
		return c.reject(req, NewError(SourceDuplicateOperation, nil, req.ProductID()))
	}

	state, cached, err := c.stateLocked(ctx, req.ProductID(), req.Provider)
	if err != nil {
		c.mu.Unlock()
		log.Warn("Failed to load product state", zap.Error(err))
		return c.reject(req, NewError(SourceOperationFailed, err, req.ProductID()))
	}

	log = log.With(zap.String("state", state.String()))

	switch state {
	case StateIdle, StateInvalided:
		if !req.Provider.CanMakePayment() {
			c.mu.Unlock()
			log.Info("Storefront cannot make payments")
			return c.reject(req, NewError(SourceServiceUnavailable, nil, req.Provider.Name()))
		}
		c.purchasing = req
		c.mu.Unlock()

		log.Info("Starting purchase")
		req.Provider.Purchase(req)
		return nil

	case StatePurchasing:
		c.mu.Unlock()
		log.Debug("Purchase already in flight for product")
		return nil

	case StateValidating:
		c.mu.Unlock()
		return c.reject(req, NewError(SourceDuplicateOperation, nil, req.ProductID()))

	case StateShouldValidate:
		if cached != nil {
			adoptCached(req.Payment, cached)
		}
		c.validating[req.ProductID()] = req
		c.mu.Unlock()

		log.Info("Resuming validation of a paid purchase")
		go c.runValidation(context.WithoutCancel(ctx), req)
		return nil

	case StateValidated:
		c.mu.Unlock()
		log.Debug("Product already validated")
		req.finish(nil, nil)
		return nil

	default:
		c.mu.Unlock()
		log.Warn("Unknown product state")
		return c.reject(req, NewError(SourceUnknown, nil, state))
	}
}

// PurchaseDidFinish is called by a Provider when its native purchase for req
// completes. On success paid carries the storefront's transaction details.
// The purchase slot is released before it returns.
func (c *Coordinator) PurchaseDidFinish(ctx context.Context, req *PurchaseRequest, paid *Payment, err error) {
	log := c.requestLog(req)

	c.mu.Lock()
	if c.purchasing == req {
		c.purchasing = nil
	}

	if err != nil {
		c.mu.Unlock()
		log.Info("Purchase did not complete", zap.Error(err))
		req.finish(nil, WrapError(err, SourcePurchaseFailed))
		return
	}

	req.applyPurchase(paid)
	c.transition(log, req.Payment, StateShouldValidate)
	if err := c.store.PutPayments(ctx, req.Payment.Clone()); err != nil {
		c.mu.Unlock()
		log.Warn("Failed to persist purchased payment", zap.Error(err))
		req.finish(nil, NewError(SourceOperationFailed, err, req.ProductID()))
		return
	}

	if _, busy := c.validating[req.ProductID()]; busy {
		c.mu.Unlock()
		log.Warn("Purchased product is already being validated")
		req.notifyPurchased()
		req.finish(nil, NewError(SourceDuplicateOperation, nil, req.ProductID()))
		return
	}
	c.validating[req.ProductID()] = req
	c.mu.Unlock()

	log.Info("Purchase completed, validating",
		zap.String("transaction_id", req.Payment.TransactionID),
	)
	req.notifyPurchased()
	go c.runValidation(context.WithoutCancel(ctx), req)
}

// Validate runs validation for req directly, without a purchase. It fails
// with DuplicateOperation if the product is already being validated.
func (c *Coordinator) Validate(ctx context.Context, req *PurchaseRequest) error {
	c.mu.Lock()
	if _, busy := c.validating[req.ProductID()]; busy {
		c.mu.Unlock()
		return c.reject(req, NewError(SourceDuplicateOperation, nil, req.ProductID()))
	}
	c.validating[req.ProductID()] = req
	c.mu.Unlock()

	go c.runValidation(context.WithoutCancel(ctx), req)
	return nil
}

func (c *Coordinator) runValidation(ctx context.Context, req *PurchaseRequest) {
	resp, err := c.validate(ctx, req)
	req.finish(resp, err)
}

// validate submits req's receipt and applies the verdict. The caller must
// have registered req in the validation tracker; validate releases it.
func (c *Coordinator) validate(ctx context.Context, req *PurchaseRequest) (*ValidationResponse, error) {
	productID := req.ProductID()
	log := c.requestLog(req)

	log.Debug("Submitting payment for validation")
	resp, err := req.Validator.Validate(ctx, req.Payment.Clone(), req.Provider)
	if err == nil && resp == nil {
		err = NewError(SourceInvalidFormat, errors.New("empty validation response"), productID)
	}
	if err != nil {
		c.mu.Lock()
		c.release(req)
		c.mu.Unlock()

		log.Warn("Failed to validate payment, leaving it retryable", zap.Error(err))
		return nil, WrapError(err, SourceUnknown)
	}

	if resp.ReceiptValid {
		c.transition(log, req.Payment, StateValidated)
	} else {
		c.transition(log, req.Payment, StateInvalided)
	}

	if err := req.Provider.FinishTransaction(productID); errors.Is(err, ErrItemNotFound) {
		log.Debug("No native transaction to finish")
	} else if err != nil {
		log.Warn("Failed to finish native transaction", zap.Error(err))
	}
	req.Provider.PurchaseDidFinish(req, resp)

	c.mu.Lock()
	var persistErr error
	if resp.ReceiptValid && req.Type() != ProductTypeConsumable {
		persistErr = c.store.PutPayments(ctx, req.Payment.Clone())
	} else {
		persistErr = c.store.DeletePayment(ctx, req.Payment.ProviderName(), productID)
	}
	c.release(req)
	c.mu.Unlock()

	if persistErr != nil {
		log.Warn("Failed to persist validation verdict", zap.Error(persistErr))
		return resp, NewError(SourceOperationFailed, persistErr, productID)
	}

	if !resp.ReceiptValid {
		log.Info("Receipt rejected")
		return resp, NewError(SourceInvalidReceipt, nil, productID)
	}

	log.Info("Payment validated", zap.Time("expire_time", req.Payment.ExpireTime))
	return resp, nil
}

// AutoValidateIfNeeded validates a transaction the storefront delivered
// without a caller, e.g. a restored or backgrounded purchase. The result is
// emitted to subscribers. The returned request is nil if no validation was
// started.
func (c *Coordinator) AutoValidateIfNeeded(ctx context.Context, productID string, provider Provider) *PurchaseRequest {
	log := c.log.With(
		zap.String("product_id", productID),
		zap.String("provider", provider.Name()),
	)

	c.mu.Lock()
	if _, busy := c.validating[productID]; busy {
		c.mu.Unlock()
		log.Debug("Skipping auto validation, product is already being validated")
		c.emit(provider, productID, nil, NewError(SourceDuplicateOperation, nil, productID))
		return nil
	}

	payment, err := c.store.GetPayment(ctx, provider.Name(), productID)
	switch {
	case err == nil && payment.State == StateValidated:
		c.mu.Unlock()
		if err := provider.FinishTransaction(productID); err != nil && !errors.Is(err, ErrItemNotFound) {
			log.Warn("Failed to finish native transaction", zap.Error(err))
		}
		log.Info("Transaction was already validated")
		c.emit(provider, productID, payment, nil)
		return nil

	case err == nil:
		// Revalidate the cached payment.

	case errors.Is(err, ErrNotFound):
		productType, ok := c.registered[productID]
		if !ok {
			c.mu.Unlock()
			log.Warn("Cannot auto validate an unknown product")
			c.emit(provider, productID, nil, NewError(SourceItemNotFound, nil, productID))
			return nil
		}
		payment = NewPayment(provider.Name(), productID, productType, nil)

	default:
		c.mu.Unlock()
		log.Warn("Failed to load payment", zap.Error(err))
		c.emit(provider, productID, nil, NewError(SourceOperationFailed, err, productID))
		return nil
	}

	validator := c.autoValidator
	if validator == nil {
		c.mu.Unlock()
		log.Info("Skipping auto validation, no validator configured")
		c.emit(provider, productID, payment, NewError(SourceServiceUnavailable, nil, productID))
		return nil
	}

	req := NewPurchaseRequestFor(payment, provider, validator)
	c.validating[productID] = req
	c.mu.Unlock()

	log.Info("Starting auto validation", zap.String("request_id", req.ID.String()))
	go func() {
		resp, err := c.validate(context.WithoutCancel(ctx), req)
		req.finish(resp, err)
		c.emit(provider, productID, req.Payment.Clone(), err)
	}()
	return req
}

// PendingPayments lists every payment that was paid for but never validated.
func (c *Coordinator) PendingPayments(ctx context.Context, opts ...query.Option) ([]*Payment, error) {
	opts = append(opts, query.WithStates(StateShouldValidate), query.WithLimit(pendingPageSize))

	var pending []*Payment
	for {
		c.mu.Lock()
		page, err := c.store.GetPayments(ctx, opts...)
		c.mu.Unlock()
		if err != nil {
			return nil, err
		}

		pending = append(pending, page...)
		if len(page) < pendingPageSize {
			return pending, nil
		}
		opts = append(opts, query.WithAfter(page[len(page)-1].Cursor()))
	}
}

// ResumePending restarts validation for every pending payment of provider.
// Products already being validated are skipped.
func (c *Coordinator) ResumePending(ctx context.Context, provider Provider, validator Validator) ([]*PurchaseRequest, error) {
	pending, err := c.PendingPayments(ctx, query.WithProvider(provider.Name()))
	if err != nil {
		return nil, err
	}

	var started []*PurchaseRequest
	for _, payment := range pending {
		req := NewPurchaseRequestFor(payment, provider, validator)
		if err := c.Validate(ctx, req); err != nil {
			c.log.Debug("Skipping pending payment",
				zap.String("product_id", payment.ProductID()),
				zap.Error(err),
			)
			continue
		}
		started = append(started, req)
	}

	c.log.Info("Resumed pending validations",
		zap.String("provider", provider.Name()),
		zap.Int("pending", len(pending)),
		zap.Int("started", len(started)),
	)
	return started, nil
}

// ApplyRenewals marks every transaction validated against snapshot, persists
// the affected payments in one batch and then finishes the native
// transactions.
func (c *Coordinator) ApplyRenewals(ctx context.Context, provider Provider, txs []RenewedTransaction, snapshot *receipt.Snapshot) ([]*Payment, error) {
	if len(txs) == 0 {
		return nil, nil
	}

	log := c.log.With(zap.String("provider", provider.Name()))

	c.mu.Lock()
	affected := make(map[string]*Payment)
	var order []string
	for _, tx := range txs {
		expireTime := snapshot.ExpireTime(tx.ProductID)

		payment, ok := affected[tx.ProductID]
		if !ok {
			cached, err := c.store.GetPayment(ctx, provider.Name(), tx.ProductID)
			switch {
			case err == nil:
				payment = cached
			case errors.Is(err, ErrNotFound):
				productType, registered := c.registered[tx.ProductID]
				if !registered {
					productType = ProductTypeNonConsumable
					if !expireTime.IsZero() {
						productType = ProductTypeSubscription
					}
				}
				payment = NewPayment(provider.Name(), tx.ProductID, productType, nil)
				payment.PurchaseTime = tx.PurchaseTime
			default:
				c.mu.Unlock()
				return nil, err
			}
			order = append(order, tx.ProductID)
		}

		txLog := log.With(zap.String("product_id", tx.ProductID))
		c.transition(txLog, payment, StateValidated)
		if !expireTime.IsZero() {
			payment.ExpireTime = expireTime
		} else if payment.Type == ProductTypeSubscription {
			txLog.Warn("Receipt snapshot has no expiry for subscription, keeping cached expiry",
				zap.Time("expire_time", payment.ExpireTime),
			)
		}
		payment.TransactionID = tx.TransactionID
		payment.OriginalTransactionID = tx.OriginalTransactionID
		affected[tx.ProductID] = payment
	}

	payments := make([]*Payment, 0, len(order))
	for _, productID := range order {
		payments = append(payments, affected[productID])
	}
	if err := c.store.PutPayments(ctx, payments...); err != nil {
		c.mu.Unlock()
		log.Warn("Failed to persist renewed payments", zap.Error(err))
		return nil, NewError(SourceOperationFailed, err, order)
	}
	c.mu.Unlock()

	for _, productID := range order {
		if err := provider.FinishTransaction(productID); err != nil && !errors.Is(err, ErrItemNotFound) {
			log.Warn("Failed to finish native transaction", zap.String("product_id", productID), zap.Error(err))
		}
	}

	log.Info("Finished renewed transactions",
		zap.Int("transactions", len(txs)),
		zap.Int("payments", len(payments)),
	)
	return payments, nil
}

// FetchProducts looks products up on the storefront and refreshes the cache.
// When the storefront is unreachable, cached products are returned instead.
func (c *Coordinator) FetchProducts(ctx context.Context, provider Provider, catalog Catalog, productIDs []string) ([]*Product, []string, error) {
	log := c.log.With(zap.String("provider", provider.Name()), zap.Strings("product_ids", productIDs))

	products, invalid, err := catalog.Products(ctx, productIDs)
	if err != nil {
		cached, cacheErr := c.LoadCachedProducts(ctx, provider.Name(), productIDs)
		if cacheErr == nil && len(cached) > 0 {
			log.Warn("Failed to fetch products, using cached products", zap.Error(err))
			return cached, nil, nil
		}
		log.Warn("Failed to fetch products", zap.Error(err))
		return nil, nil, NewError(SourceProductFetchFailed, err, productIDs)
	}

	now := c.now()
	for _, product := range products {
		if product.ProviderName == "" {
			product.ProviderName = provider.Name()
		}
		product.CacheTime = now
	}
	if err := c.SaveProducts(ctx, products...); err != nil {
		log.Warn("Failed to cache products", zap.Error(err))
	}

	if len(invalid) > 0 {
		log.Info("Storefront does not know some products", zap.Strings("invalid_product_ids", invalid))
	}
	return products, invalid, nil
}

func (c *Coordinator) LoadCachedProducts(ctx context.Context, providerName string, productIDs []string) ([]*Product, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.store.GetProducts(ctx, providerName, productIDs)
}

func (c *Coordinator) SaveProducts(ctx context.Context, products ...*Product) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, product := range products {
		if err := c.store.PutProduct(ctx, product); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) LoadPayment(ctx context.Context, providerName, productID string) (*Payment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.store.GetPayment(ctx, providerName, productID)
}

func (c *Coordinator) LoadPayments(ctx context.Context, opts ...query.Option) ([]*Payment, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.store.GetPayments(ctx, opts...)
}

func (c *Coordinator) reject(req *PurchaseRequest, err error) error {
	req.finish(nil, err)
	return err
}

// release must be called with mu held.
func (c *Coordinator) release(req *PurchaseRequest) {
	if c.validating[req.ProductID()] == req {
		delete(c.validating, req.ProductID())
	}
}

func (c *Coordinator) transition(log *zap.Logger, p *Payment, to TransactionState) {
	if !CanTransition(p.State, to) {
		log.Warn("Unexpected state transition",
			zap.String("from", p.State.String()),
			zap.String("to", to.String()),
		)
	}
	p.State = to
}

func (c *Coordinator) emit(provider Provider, productID string, payment *Payment, err error) {
	_ = c.autoValidations.OnEvent(productID, &AutoValidationResult{
		ProductID:    productID,
		ProviderName: provider.Name(),
		Payment:      payment,
		Err:          err,
	})
}

func (c *Coordinator) requestLog(req *PurchaseRequest) *zap.Logger {
	return c.log.With(
		zap.String("product_id", req.ProductID()),
		zap.String("provider", req.Provider.Name()),
		zap.String("request_id", req.ID.String()),
	)
}

// adoptCached fills transaction details a fresh request does not know yet
// from the cached payment.
func adoptCached(p, cached *Payment) {
	if p.TransactionID == "" {
		p.TransactionID = cached.TransactionID
		p.OriginalTransactionID = cached.OriginalTransactionID
		p.PurchaseTime = cached.PurchaseTime
	}
	if p.ExpireTime.IsZero() {
		p.ExpireTime = cached.ExpireTime
	}
	if p.ApplicationUsername == "" {
		p.ApplicationUsername = cached.ApplicationUsername
	}
	if len(p.UserInfo) == 0 {
		p.UserInfo = cached.UserInfo
	}
	p.State = cached.State
}
