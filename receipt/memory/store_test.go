package memory

import (
	"testing"

	"github.com/code-payments/flipchat-iap/receipt/tests"
)

func TestReceipt_MemoryStore(t *testing.T) {
	s := NewInMemory()
	teardown := func() {
		s.(*store).reset()
	}
	tests.RunStoreTests(t, s, teardown)
}

func (s *store) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data = nil
}
