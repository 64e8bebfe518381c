package appstore

import (
	"context"
	"encoding/base64"

	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
)

// ReceiptKey is the UserInfo key of a base64 receipt that overrides the app
// receipt, e.g. one uploaded by a client.
const ReceiptKey = "receipt"

// Validator validates payments against the App Store with the app receipt.
type Validator struct {
	log     *zap.Logger
	client  *Client
	source  *ReceiptSource
	sandbox bool
}

func NewValidator(log *zap.Logger, client *Client, source *ReceiptSource, sandbox bool) *Validator {
	return &Validator{
		log:     log,
		client:  client,
		source:  source,
		sandbox: sandbox,
	}
}

func (v *Validator) Validate(ctx context.Context, payment *iap.Payment, _ iap.Provider) (*iap.ValidationResponse, error) {
	data, err := v.receipt(ctx, payment)
	if err != nil {
		v.log.Warn("Failed to load receipt", zap.String("product_id", payment.ProductID()), zap.Error(err))
		return nil, err
	}
	return v.client.VerifyReceipt(ctx, data, v.sandbox)
}

func (v *Validator) receipt(ctx context.Context, payment *iap.Payment) ([]byte, error) {
	if encoded, ok := payment.UserInfo[ReceiptKey].(string); ok && encoded != "" {
		data, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, iap.NewError(iap.SourceInvalidFormat, err, ReceiptKey)
		}
		return data, nil
	}
	if v.source == nil {
		return nil, iap.NewError(iap.SourceReceiptFetchFailed, nil, payment.ProductID())
	}
	return v.source.Load(ctx)
}
