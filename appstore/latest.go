package appstore

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/code-payments/flipchat-iap/iap"
	"github.com/code-payments/flipchat-iap/receipt"
)

// LatestReceipts keeps the Keeper's snapshot in sync with the validation
// authority. Concurrent loads share one validation round trip.
type LatestReceipts struct {
	log          *zap.Logger
	keeper       *receipt.Keeper
	validator    iap.Validator
	providerName string

	group singleflight.Group
}

func NewLatestReceipts(log *zap.Logger, keeper *receipt.Keeper, validator iap.Validator, providerName string) *LatestReceipts {
	return &LatestReceipts{
		log:          log,
		keeper:       keeper,
		validator:    validator,
		providerName: providerName,
	}
}

// Load returns the latest snapshot. Unless forced, a snapshot already fetched
// during this process lifetime is returned without a round trip.
func (l *LatestReceipts) Load(ctx context.Context, forced bool) (*receipt.Snapshot, error) {
	if !forced && l.keeper.Fresh() {
		if s := l.keeper.Current(); s != nil {
			l.log.Debug("Using fresh receipt snapshot")
			return s, nil
		}
	}

	v, err, shared := l.group.Do("latest", func() (any, error) {
		return l.fetch(context.WithoutCancel(ctx))
	})
	if err != nil {
		return nil, err
	}
	if shared {
		l.log.Debug("Shared receipt snapshot load")
	}
	return v.(*receipt.Snapshot), nil
}

// LatestFor returns the latest entry for each of productIDs found in the
// snapshot.
func (l *LatestReceipts) LatestFor(ctx context.Context, productIDs []string) (map[string]*receipt.InAppReceipt, error) {
	s, err := l.Load(ctx, false)
	if err != nil {
		return nil, err
	}

	latest := make(map[string]*receipt.InAppReceipt, len(productIDs))
	for _, productID := range productIDs {
		if r, ok := s.Latest(productID); ok {
			latest[productID] = r
		}
	}
	return latest, nil
}

func (l *LatestReceipts) fetch(ctx context.Context) (*receipt.Snapshot, error) {
	payment := iap.NewPayment(l.providerName, "", iap.ProductTypeSubscription, nil)

	resp, err := l.validator.Validate(ctx, payment, nil)
	if err != nil {
		l.log.Warn("Failed to load latest receipts", zap.Error(err))
		return nil, iap.WrapError(err, iap.SourceReceiptFetchFailed)
	}
	if !resp.ReceiptValid {
		l.log.Info("Latest receipts rejected")
		return nil, iap.NewError(iap.SourceInvalidReceipt, nil, nil)
	}

	s := receipt.Parse(resp.Data)
	if err := l.keeper.Replace(ctx, s); err != nil {
		l.log.Warn("Failed to save receipt snapshot", zap.Error(err))
	}

	l.log.Info("Loaded latest receipts",
		zap.String("bundle_id", s.BundleID),
		zap.Bool("sandbox", s.IsSandbox),
		zap.Int("products", len(s.LatestByProduct)),
	)
	return s, nil
}
