package iap

import "context"

// Provider is the storefront capability: it owns the native purchase queue.
type Provider interface {
	// Name identifies the provider in cached records.
	Name() string

	// CanMakePayment reports whether the storefront currently accepts
	// payments.
	CanMakePayment() bool

	// TransactionState returns the state of a native transaction for the
	// product, if the storefront knows of one. This covers purchases the
	// Coordinator did not initiate, e.g. restored or family shared ones.
	TransactionState(productID string) (TransactionState, bool)

	// SetTransactionInfo enriches the request's payment with native
	// transaction details before a purchase starts. It is best effort.
	SetTransactionInfo(req *PurchaseRequest)

	// Purchase starts a native purchase. It must eventually call the
	// Coordinator's PurchaseDidFinish for req, possibly synchronously.
	Purchase(req *PurchaseRequest)

	// FinishTransaction acknowledges every native transaction of the product.
	//
	// ErrItemNotFound is returned if there was nothing to acknowledge.
	FinishTransaction(productID string) error

	// PurchaseDidFinish lets the provider inspect a validation response before
	// the payment is persisted, e.g. to set a subscription's expiry.
	PurchaseDidFinish(req *PurchaseRequest, resp *ValidationResponse)
}

// Validator submits a payment's receipt to a validation authority.
type Validator interface {
	// Validate returns a verdict for the payment's receipt. A rejected
	// receipt is a response with ReceiptValid false, not an error. Errors
	// mean the receipt could not be evaluated and the caller may retry.
	Validate(ctx context.Context, payment *Payment, provider Provider) (*ValidationResponse, error)
}

// ValidationResponse is a validation authority's verdict plus its raw
// structured response.
type ValidationResponse struct {
	ReceiptValid bool
	Data         map[string]any
}

// Catalog looks up products on a storefront.
type Catalog interface {
	// Products returns the products the storefront knows, and the requested
	// IDs it does not.
	Products(ctx context.Context, productIDs []string) ([]*Product, []string, error)
}
