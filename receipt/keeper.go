package receipt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/code-payments/flipchat-iap/event"
)

// Keeper owns the current Snapshot: one copy in memory plus one in a Store.
type Keeper struct {
	log   *zap.Logger
	store Store
	bus   *event.Bus[string, *Snapshot]

	mu      sync.RWMutex
	current *Snapshot
	fresh   bool
}

func NewKeeper(log *zap.Logger, store Store) *Keeper {
	return &Keeper{
		log:   log,
		store: store,
		bus:   event.NewBus[string, *Snapshot](),
	}
}

// Subscribe registers h for snapshot updates. Events are keyed by bundle ID.
func (k *Keeper) Subscribe(h event.Handler[string, *Snapshot]) {
	k.bus.AddHandler(h)
}

// Current returns the in memory snapshot, if any. Callers must not mutate it.
func (k *Keeper) Current() *Snapshot {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Fresh reports whether the current snapshot was obtained from the validation
// authority during this process lifetime.
func (k *Keeper) Fresh() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.fresh && k.current != nil
}

// Replace swaps in s as the current snapshot, persists it and notifies
// subscribers. Subscribers are notified even if persisting fails, since the
// in memory snapshot is replaced either way. The persistence error is
// returned.
func (k *Keeper) Replace(ctx context.Context, s *Snapshot) error {
	k.mu.Lock()
	k.current = s
	k.fresh = true
	k.mu.Unlock()

	k.log.Debug("Replaced receipt snapshot",
		zap.String("bundle_id", s.BundleID),
		zap.Bool("sandbox", s.IsSandbox),
		zap.Int("products", len(s.LatestByProduct)),
	)
	_ = k.bus.OnEvent(s.BundleID, s)

	b, err := json.Marshal(s)
	if err != nil {
		k.log.Warn("Failed to encode receipt snapshot", zap.Error(err))
		return err
	}
	if err := k.store.Save(ctx, b); err != nil {
		k.log.Warn("Failed to persist receipt snapshot", zap.Error(err))
		return err
	}
	return nil
}

// Invalidate drops the snapshot from memory and storage so the next reader
// fetches a new one.
func (k *Keeper) Invalidate(ctx context.Context) error {
	k.mu.Lock()
	k.current = nil
	k.fresh = false
	k.mu.Unlock()

	if err := k.store.Remove(ctx); err != nil {
		k.log.Warn("Failed to remove receipt snapshot", zap.Error(err))
		return err
	}
	return nil
}

// Load returns the in memory snapshot, falling back to the stored one.
//
// ErrNotFound is returned if neither exists.
func (k *Keeper) Load(ctx context.Context) (*Snapshot, error) {
	if s := k.Current(); s != nil {
		return s, nil
	}

	b, err := k.store.Load(ctx)
	if err != nil {
		return nil, err
	}

	var s Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		// Corrupt snapshots are treated as missing.
		k.log.Warn("Discarding unreadable receipt snapshot", zap.Error(err))
		if err := k.store.Remove(ctx); err != nil && !errors.Is(err, ErrNotFound) {
			k.log.Warn("Failed to remove receipt snapshot", zap.Error(err))
		}
		return nil, ErrNotFound
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	if k.current == nil {
		k.current = &s
	}
	return k.current, nil
}
