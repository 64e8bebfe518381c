package memory

import "github.com/code-payments/flipchat-iap/iap"

func ResetStore(s iap.Store) {
	s.(*InMemoryStore).reset()
}
