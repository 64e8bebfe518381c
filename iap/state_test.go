package iap

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	for _, tc := range []struct {
		from, to TransactionState
		allowed  bool
	}{
		{StateIdle, StatePurchasing, true},
		{StatePurchasing, StateShouldValidate, true},
		{StateShouldValidate, StateValidating, true},
		{StateValidating, StateValidated, true},
		{StateValidating, StateInvalided, true},
		{StateValidating, StateShouldValidate, true},
		{StateValidated, StateInvalided, true},
		{StateInvalided, StatePurchasing, true},
		{StateShouldValidate, StateValidated, true},
		{StateValidated, StateValidated, true},
		{StateIdle, StateValidating, false},
		{StateValidated, StatePurchasing, false},
		{StateInvalided, StateValidated, false},
		{"bogus", StateIdle, false},
	} {
		require.Equal(t, tc.allowed, CanTransition(tc.from, tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTransactionState_IsValid(t *testing.T) {
	for _, s := range []TransactionState{StateIdle, StatePurchasing, StateValidating, StateShouldValidate, StateValidated, StateInvalided} {
		require.True(t, s.IsValid())
	}
	require.False(t, TransactionState("bogus").IsValid())
}
