package appstore

import (
	"context"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/code-payments/flipchat-iap/iap"
)

// RefreshFunc asks the storefront for a new receipt and writes it where the
// ReceiptSource reads from.
type RefreshFunc func(ctx context.Context) error

// ReceiptSource loads the app receipt from a file. When the file cannot be
// read it refreshes the receipt, sharing one refresh between concurrent
// callers.
type ReceiptSource struct {
	path    string
	refresh RefreshFunc
	group   singleflight.Group
}

func NewReceiptSource(path string, refresh RefreshFunc) *ReceiptSource {
	return &ReceiptSource{
		path:    path,
		refresh: refresh,
	}
}

func (s *ReceiptSource) Path() string {
	return s.path
}

func (s *ReceiptSource) Load(ctx context.Context) ([]byte, error) {
	if data, err := s.read(); err == nil {
		return data, nil
	} else if s.refresh == nil {
		return nil, iap.NewError(iap.SourceReceiptFetchFailed, err, s.path)
	}

	v, err, _ := s.group.Do(s.path, func() (any, error) {
		if err := s.refresh(context.WithoutCancel(ctx)); err != nil {
			return nil, errors.Wrap(err, "failed to refresh receipt")
		}
		return s.read()
	})
	if err != nil {
		return nil, iap.NewError(iap.SourceReceiptFetchFailed, err, s.path)
	}
	return v.([]byte), nil
}

func (s *ReceiptSource) read() ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read receipt")
	}
	if len(data) == 0 {
		return nil, errors.New("receipt is empty")
	}
	return data, nil
}
