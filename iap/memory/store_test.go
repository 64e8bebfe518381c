package memory_test

import (
	"testing"

	"github.com/code-payments/flipchat-iap/iap/memory"
	"github.com/code-payments/flipchat-iap/iap/tests"
)

func TestIap_MemoryStore(t *testing.T) {
	testStore := memory.NewInMemory()
	teardown := func() {
		memory.ResetStore(testStore)
	}
	tests.RunStoreTests(t, testStore, teardown)
}

func TestIap_MemoryCoordinator(t *testing.T) {
	testStore := memory.NewInMemory()
	teardown := func() {
		memory.ResetStore(testStore)
	}
	tests.RunCoordinatorTests(t, testStore, teardown)
}
