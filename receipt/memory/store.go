package memory

import (
	"context"
	"slices"
	"sync"

	"github.com/code-payments/flipchat-iap/receipt"
)

type store struct {
	mu   sync.RWMutex
	data []byte
}

func NewInMemory() receipt.Store {
	return &store{}
}

func (s *store) Save(_ context.Context, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = slices.Clone(data)
	return nil
}

func (s *store) Load(_ context.Context) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.data == nil {
		return nil, receipt.ErrNotFound
	}
	return slices.Clone(s.data), nil
}

func (s *store) Remove(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = nil
	return nil
}
