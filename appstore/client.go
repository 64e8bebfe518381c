package appstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	goiap "github.com/awa/go-iap/appstore"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/iap"
)

// verifyReceipt status codes.
const (
	StatusValid                   = 0
	StatusReadDataFailed          = 21000
	StatusNoData                  = 21002
	StatusAuthenticateFailed      = 21003
	StatusSharedSecretInvalid     = 21004
	StatusServerNotAvailable      = 21005
	StatusSandboxReceiptOnProduct = 21007
	StatusProductReceiptOnSandbox = 21008
)

type Option func(*Client)

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithEndpoints overrides the production and sandbox verifyReceipt URLs.
func WithEndpoints(productionURL, sandboxURL string) Option {
	return func(c *Client) {
		c.productionURL = productionURL
		c.sandboxURL = sandboxURL
	}
}

// WithSharedSecret sets the app's shared secret. It is only needed for
// receipts containing auto renewable subscriptions.
func WithSharedSecret(secret string) Option {
	return func(c *Client) {
		c.sharedSecret = secret
	}
}

// WithIncludeOldTransactions asks for every renewal of a subscription instead
// of only the latest one.
func WithIncludeOldTransactions() Option {
	return func(c *Client) {
		c.excludeOldTransactions = false
	}
}

// Client talks to the App Store verifyReceipt endpoint.
type Client struct {
	log        *zap.Logger
	httpClient *http.Client

	productionURL string
	sandboxURL    string

	sharedSecret           string
	excludeOldTransactions bool
}

func NewClient(log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		log:                    log,
		httpClient:             http.DefaultClient,
		productionURL:          goiap.ProductionURL,
		sandboxURL:             goiap.SandboxURL,
		excludeOldTransactions: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// VerifyReceipt submits a receipt for validation. Receipts sent to the wrong
// environment are resubmitted to the other one, once.
//
// A response with ReceiptValid false is returned for receipts the App Store
// could not read or authenticate. Other failures are returned as errors.
func (c *Client) VerifyReceipt(ctx context.Context, receipt []byte, sandbox bool) (*iap.ValidationResponse, error) {
	log := c.log.With(zap.String("receipt", iap.ReceiptFingerprint(receipt)))

	body, err := json.Marshal(goiap.IAPRequest{
		ReceiptData:            base64.StdEncoding.EncodeToString(receipt),
		Password:               c.sharedSecret,
		ExcludeOldTransactions: c.excludeOldTransactions,
	})
	if err != nil {
		return nil, iap.NewError(iap.SourceOperationFailed, err, nil)
	}

	for hopped := false; ; hopped = true {
		data, err := c.post(ctx, c.url(sandbox), body)
		if err != nil {
			return nil, err
		}

		status := statusOf(data)
		log.Debug("Receipt verified", zap.Int("status", status), zap.Bool("sandbox", sandbox))

		switch status {
		case StatusValid:
			return &iap.ValidationResponse{ReceiptValid: true, Data: data}, nil

		case StatusSandboxReceiptOnProduct, StatusProductReceiptOnSandbox:
			if hopped {
				return nil, iap.NewError(iap.SourceOperationFailed, nil, status)
			}
			log.Info("Receipt sent to the wrong environment, retrying", zap.Int("status", status))
			sandbox = !sandbox

		case StatusReadDataFailed, StatusNoData, StatusAuthenticateFailed:
			return &iap.ValidationResponse{ReceiptValid: false, Data: data}, nil

		case StatusSharedSecretInvalid:
			return nil, iap.NewError(iap.SourceInvalidArgument, errors.New("shared secret invalid"), status)

		case StatusServerNotAvailable:
			return nil, iap.NewError(iap.SourceServiceUnavailable, nil, status)

		default:
			return nil, iap.NewError(iap.SourceOperationFailed, nil, status)
		}
	}
}

func (c *Client) url(sandbox bool) string {
	if sandbox {
		return c.sandboxURL
	}
	return c.productionURL
}

func (c *Client) post(ctx context.Context, url string, body []byte) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "failed to send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read response body")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, iap.NewError(iap.SourceServiceUnavailable, fmt.Errorf("non-200 status code: %d", resp.StatusCode), url)
	}

	decoder := json.NewDecoder(bytes.NewReader(respBody))
	decoder.UseNumber()

	var data map[string]any
	if err := decoder.Decode(&data); err != nil {
		return nil, iap.NewError(iap.SourceInvalidFormat, err, nil)
	}
	if data == nil {
		data = map[string]any{}
	}
	return data, nil
}

// statusOf reads the response status. A missing or unreadable status is
// treated as StatusReadDataFailed.
func statusOf(data map[string]any) int {
	switch v := data["status"].(type) {
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case float64:
		return int(v)
	}
	return StatusReadDataFailed
}
