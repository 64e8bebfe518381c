package memory

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/code-payments/flipchat-iap/iap"
)

// ReceiptKey is the UserInfo key holding a payment's opaque receipt.
const ReceiptKey = "receipt"

// ErrUnavailable is returned by a Validator told to fail.
var ErrUnavailable = errors.New("validation authority unavailable")

// Validator checks an ed25519 signature on the receipt. For testing purposes,
// the "receipt" is a message that, when signed by the owner secret, is
// considered valid. Responses are shaped like App Store responses so
// providers can parse them into receipt snapshots.
type Validator struct {
	publicKey ed25519.PublicKey

	mu            sync.Mutex
	deviceReceipt string
	failures      int
	gate          chan struct{}
	expiries      map[string]time.Time
	calls         map[string]int
	inFlight      map[string]int
	maxConcurrent map[string]int
}

func NewValidator(pubKey ed25519.PublicKey) *Validator {
	return &Validator{
		publicKey:     pubKey,
		expiries:      make(map[string]time.Time),
		calls:         make(map[string]int),
		inFlight:      make(map[string]int),
		maxConcurrent: make(map[string]int),
	}
}

func (v *Validator) Validate(ctx context.Context, payment *iap.Payment, _ iap.Provider) (*iap.ValidationResponse, error) {
	productID := payment.ProductID()

	v.mu.Lock()
	v.calls[productID]++
	v.inFlight[productID]++
	if v.inFlight[productID] > v.maxConcurrent[productID] {
		v.maxConcurrent[productID] = v.inFlight[productID]
	}
	gate := v.gate
	fail := v.failures > 0
	if fail {
		v.failures--
	}
	expiry := v.expiries[productID]
	deviceReceipt := v.deviceReceipt
	v.mu.Unlock()

	defer func() {
		v.mu.Lock()
		v.inFlight[productID]--
		v.mu.Unlock()
	}()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail {
		return nil, ErrUnavailable
	}

	raw, _ := payment.UserInfo[ReceiptKey].(string)
	if raw == "" {
		raw = deviceReceipt
	}
	signature, message, err := parseReceipt(raw)
	if err != nil || !ed25519.Verify(v.publicKey, message, signature) {
		return &iap.ValidationResponse{
			ReceiptValid: false,
			Data:         map[string]any{"status": float64(21002)},
		}, nil
	}

	return &iap.ValidationResponse{
		ReceiptValid: true,
		Data:         responseData(payment, string(message), expiry),
	}, nil
}

// SetDeviceReceipt sets the receipt used for payments that carry none, like
// the app wide receipt of a device.
func (v *Validator) SetDeviceReceipt(receipt string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.deviceReceipt = receipt
}

// FailNext makes the next n validations fail with ErrUnavailable.
func (v *Validator) FailNext(n int) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.failures = n
}

// Block holds every validation until the returned release func is called.
func (v *Validator) Block() (release func()) {
	gate := make(chan struct{})

	v.mu.Lock()
	v.gate = gate
	v.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.mu.Lock()
			if v.gate == gate {
				v.gate = nil
			}
			v.mu.Unlock()
			close(gate)
		})
	}
}

// SetExpiry sets the subscription expiry reported for a product.
func (v *Validator) SetExpiry(productID string, expiry time.Time) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.expiries[productID] = expiry
}

func (v *Validator) Calls(productID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.calls[productID]
}

// MaxConcurrent returns the highest number of simultaneous validations seen
// for a product.
func (v *Validator) MaxConcurrent(productID string) int {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.maxConcurrent[productID]
}

func responseData(payment *iap.Payment, message string, expiry time.Time) map[string]any {
	transactionID := payment.TransactionID
	if transactionID == "" {
		transactionID = message
	}

	entry := map[string]any{
		"product_id":              payment.ProductID(),
		"transaction_id":          transactionID,
		"original_transaction_id": payment.OriginalTransactionID,
		"purchase_date_ms":        strconv.FormatInt(payment.PurchaseTime.UnixMilli(), 10),
	}
	if !expiry.IsZero() {
		entry["expires_date_ms"] = strconv.FormatInt(expiry.UnixMilli(), 10)
		entry["auto_renew_status"] = "1"
	}

	return map[string]any{
		"status":              float64(0),
		"environment":         "Sandbox",
		"latest_receipt_info": []any{entry},
		"receipt": map[string]any{
			"bundle_id": "memory",
			"in_app":    []any{entry},
		},
	}
}

func GenerateKeyPair() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

func GenerateValidReceipt(owner ed25519.PrivateKey, message string) string {
	signature := ed25519.Sign(owner, []byte(message))
	return base64.StdEncoding.EncodeToString(signature) + "|" + message
}

func parseReceipt(receipt string) (signature []byte, message []byte, err error) {
	parts := strings.Split(receipt, "|")
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("invalid receipt format: %s", receipt)
	}

	signature, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("error decoding signature: %w", err)
	}

	message = []byte(parts[1])
	return signature, message, nil
}
