package iap

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// PurchaseRequest is a single purchase or validation attempt for a product.
// Its outcome is delivered once, through Done/Err or Wait.
type PurchaseRequest struct {
	ID uuid.UUID

	Payment   *Payment
	Provider  Provider
	Validator Validator

	// OnPurchased, if set, is called once when the storefront reports the
	// purchase as paid, before validation completes.
	OnPurchased func(req *PurchaseRequest)

	done     chan struct{}
	once     sync.Once
	err      error
	response *ValidationResponse
}

// NewPurchaseRequest builds a request for a fresh payment of productID.
func NewPurchaseRequest(productID string, productType ProductType, userInfo map[string]any, provider Provider, validator Validator) *PurchaseRequest {
	payment := NewPayment(provider.Name(), productID, productType, userInfo)
	return NewPurchaseRequestFor(payment, provider, validator)
}

// NewPurchaseRequestFor builds a request around an existing payment, e.g. one
// loaded from the cache.
func NewPurchaseRequestFor(payment *Payment, provider Provider, validator Validator) *PurchaseRequest {
	req := &PurchaseRequest{
		ID:        uuid.New(),
		Payment:   payment,
		Provider:  provider,
		Validator: validator,
		done:      make(chan struct{}),
	}
	provider.SetTransactionInfo(req)
	return req
}

func (r *PurchaseRequest) ProductID() string {
	return r.Payment.ProductID()
}

func (r *PurchaseRequest) Type() ProductType {
	return r.Payment.Type
}

// Done is closed once the request has an outcome.
func (r *PurchaseRequest) Done() <-chan struct{} {
	return r.done
}

// Err returns the outcome. It is only meaningful after Done is closed.
func (r *PurchaseRequest) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Response returns the validation response, if validation ran.
func (r *PurchaseRequest) Response() *ValidationResponse {
	select {
	case <-r.done:
		return r.response
	default:
		return nil
	}
}

// Wait blocks until the request has an outcome or ctx is done.
func (r *PurchaseRequest) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// applyPurchase copies the storefront's transaction details into the
// request's payment.
func (r *PurchaseRequest) applyPurchase(paid *Payment) {
	if paid == nil || paid == r.Payment {
		return
	}
	if paid.ProductID() == r.ProductID() {
		r.Payment.Product = paid.Product
	}
	r.Payment.TransactionID = paid.TransactionID
	r.Payment.OriginalTransactionID = paid.OriginalTransactionID
	r.Payment.PurchaseTime = paid.PurchaseTime
	if paid.ApplicationUsername != "" {
		r.Payment.ApplicationUsername = paid.ApplicationUsername
	}
}

func (r *PurchaseRequest) notifyPurchased() {
	if fn := r.OnPurchased; fn != nil {
		r.OnPurchased = nil
		fn(r)
	}
}

func (r *PurchaseRequest) finish(resp *ValidationResponse, err error) {
	r.once.Do(func() {
		r.response = resp
		r.err = err
		close(r.done)
	})
}
