package android

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/code-payments/flipchat-iap/iap"
)

// PurchaseTokenKey is the UserInfo key holding a Google Play purchase token.
const PurchaseTokenKey = "purchase_token"

// Validator uses the Google Play Developer API to verify purchase tokens.
// Responses are normalized to the App Store response shape so they can be
// parsed into receipt snapshots.
type Validator struct {
	log *zap.Logger
	svc *androidpublisher.Service

	// packageName is the Android app's package name.
	packageName string
}

// NewValidator builds a Validator from the contents of a service account JSON
// file.
func NewValidator(ctx context.Context, log *zap.Logger, serviceAccountJSON []byte, packageName string) (*Validator, error) {
	svc, err := androidpublisher.NewService(ctx, option.WithCredentialsJSON(serviceAccountJSON))
	if err != nil {
		return nil, fmt.Errorf("failed to create android publisher client: %w", err)
	}
	return NewValidatorWithService(log, svc, packageName), nil
}

func NewValidatorWithService(log *zap.Logger, svc *androidpublisher.Service, packageName string) *Validator {
	return &Validator{
		log:         log,
		svc:         svc,
		packageName: packageName,
	}
}

func (v *Validator) Validate(ctx context.Context, payment *iap.Payment, _ iap.Provider) (*iap.ValidationResponse, error) {
	productID := payment.ProductID()
	log := v.log.With(zap.String("product_id", productID))

	token, _ := payment.UserInfo[PurchaseTokenKey].(string)
	if token == "" {
		token, _ = payment.UserInfo["receipt"].(string)
	}
	if token == "" {
		log.Debug("Payment has no purchase token")
		return rejected(), nil
	}

	var (
		entry map[string]any
		valid bool
		err   error
	)
	if payment.Type == iap.ProductTypeSubscription {
		entry, valid, err = v.subscription(ctx, productID, token)
	} else {
		entry, valid, err = v.product(ctx, productID, token)
	}

	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) && isRejection(apiErr.Code) {
		log.Info("Purchase token rejected", zap.Int("code", apiErr.Code))
		return rejected(), nil
	} else if err != nil {
		return nil, err
	}

	if !valid {
		return rejected(), nil
	}

	return &iap.ValidationResponse{
		ReceiptValid: true,
		Data: map[string]any{
			"status":              float64(0),
			"environment":         "Production",
			"latest_receipt_info": []any{entry},
			"receipt": map[string]any{
				"bundle_id": v.packageName,
				"in_app":    []any{entry},
			},
		},
	}, nil
}

func (v *Validator) product(ctx context.Context, productID, token string) (map[string]any, bool, error) {
	purchase, err := v.svc.Purchases.Products.Get(v.packageName, productID, token).Context(ctx).Do()
	if err != nil {
		return nil, false, err
	}

	// 0 = purchased, 1 = canceled, 2 = pending.
	if purchase.PurchaseState != 0 {
		return nil, false, nil
	}

	entry := map[string]any{
		"product_id":       productID,
		"transaction_id":   transactionID(purchase.OrderId, token),
		"purchase_date_ms": strconv.FormatInt(purchase.PurchaseTimeMillis, 10),
		"quantity":         float64(max(purchase.Quantity, 1)),
	}
	return entry, true, nil
}

func (v *Validator) subscription(ctx context.Context, productID, token string) (map[string]any, bool, error) {
	purchase, err := v.svc.Purchases.Subscriptions.Get(v.packageName, productID, token).Context(ctx).Do()
	if err != nil {
		return nil, false, err
	}
	if purchase.ExpiryTimeMillis <= 0 {
		return nil, false, nil
	}

	entry := map[string]any{
		"product_id":        productID,
		"transaction_id":    transactionID(purchase.OrderId, token),
		"purchase_date_ms":  strconv.FormatInt(purchase.StartTimeMillis, 10),
		"expires_date_ms":   strconv.FormatInt(purchase.ExpiryTimeMillis, 10),
		"auto_renew_status": purchase.AutoRenewing,
	}
	if purchase.UserCancellationTimeMillis > 0 {
		entry["cancellation_date_ms"] = strconv.FormatInt(purchase.UserCancellationTimeMillis, 10)
		entry["cancellation_reason"] = true
	}
	return entry, true, nil
}

func rejected() *iap.ValidationResponse {
	return &iap.ValidationResponse{
		ReceiptValid: false,
		Data:         map[string]any{"status": float64(21002)},
	}
}

func transactionID(orderID, token string) string {
	if orderID != "" {
		return orderID
	}
	return token
}

func isRejection(code int) bool {
	switch code {
	case http.StatusBadRequest, http.StatusNotFound, http.StatusGone:
		return true
	default:
		return false
	}
}
