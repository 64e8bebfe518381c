package query

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCursor_Compare(t *testing.T) {
	base := Cursor{PurchaseTime: 10, ProductID: "b", Provider: "google"}

	require.Zero(t, base.Compare(base))
	require.Negative(t, base.Compare(Cursor{PurchaseTime: 11, ProductID: "a", Provider: "apple"}))
	require.Positive(t, base.Compare(Cursor{PurchaseTime: 10, ProductID: "a", Provider: "zzz"}))
	require.Positive(t, base.Compare(Cursor{PurchaseTime: 10, ProductID: "b", Provider: "apple"}))
}

func TestOptions_MatchesCursor(t *testing.T) {
	after := Cursor{PurchaseTime: 10, ProductID: "b", Provider: "apple"}
	earlier := Cursor{PurchaseTime: 10, ProductID: "a", Provider: "google"}
	later := Cursor{PurchaseTime: 10, ProductID: "b", Provider: "google"}

	require.True(t, ApplyOptions().MatchesCursor(earlier))

	ascending := ApplyOptions(WithAfter(after))
	require.False(t, ascending.MatchesCursor(earlier))
	require.False(t, ascending.MatchesCursor(after))
	require.True(t, ascending.MatchesCursor(later))

	descending := ApplyOptions(WithAfter(after), WithDescending())
	require.True(t, descending.MatchesCursor(earlier))
	require.False(t, descending.MatchesCursor(after))
	require.False(t, descending.MatchesCursor(later))
}
