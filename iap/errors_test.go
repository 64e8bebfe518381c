package iap

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestError_IsMatchesSource(t *testing.T) {
	err := NewError(SourceDuplicateOperation, nil, "pro")
	require.ErrorIs(t, err, ErrDuplicateOperation)
	require.NotErrorIs(t, err, ErrCancelled)

	wrapped := fmt.Errorf("starting purchase: %w", err)
	require.ErrorIs(t, wrapped, ErrDuplicateOperation)
	require.Equal(t, SourceDuplicateOperation, SourceOf(wrapped))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := NewError(SourceOperationFailed, cause, nil)
	require.ErrorIs(t, err, cause)
	require.Equal(t, "iap.operationFailed: connection reset", err.Error())

	withObject := NewError(SourceItemNotFound, nil, "pro")
	require.Equal(t, "iap.itemNotFound (pro)", withObject.Error())
}

func TestWrapError(t *testing.T) {
	require.NoError(t, WrapError(nil, SourceUnknown))

	cause := errors.New("boom")
	err := WrapError(cause, SourcePurchaseFailed)
	require.ErrorIs(t, err, ErrPurchaseFailed)
	require.ErrorIs(t, err, cause)

	// Errors that already carry a source keep it.
	tagged := NewError(SourceCancelled, nil, nil)
	require.ErrorIs(t, WrapError(tagged, SourcePurchaseFailed), ErrCancelled)
	require.NotErrorIs(t, WrapError(tagged, SourcePurchaseFailed), ErrPurchaseFailed)
}

func TestSourceOf(t *testing.T) {
	require.Equal(t, ErrorSource(""), SourceOf(nil))
	require.Equal(t, SourceUnknown, SourceOf(errors.New("plain")))
	require.Equal(t, SourceInvalidReceipt, SourceOf(ErrInvalidReceipt))
}
