package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBus_FanOut(t *testing.T) {
	bus := NewBus[string, int]()

	first := NewChanStream[int, int]("first", 10, Identity[int])
	second := NewChanStream[int, string]("second", 10, func(e int) (string, bool) {
		return "even", e%2 == 0
	})
	bus.AddHandler(StreamHandler[string](first, time.Second))
	bus.AddHandler(StreamHandler[string](second, time.Second))

	require.NoError(t, bus.OnEvent("k", 1))
	require.NoError(t, bus.OnEvent("k", 2))

	var got []int
	for range 2 {
		select {
		case e := <-first.Channel():
			got = append(got, e)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
	require.ElementsMatch(t, []int{1, 2}, got)

	select {
	case e := <-second.Channel():
		require.Equal(t, "even", e)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	select {
	case e := <-second.Channel():
		t.Fatalf("unexpected event %q", e)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChanStream_Closed(t *testing.T) {
	s := NewChanStream[int, int]("s", 1, Identity[int])
	require.Equal(t, "s", s.ID())

	require.NoError(t, s.Notify(1, time.Second))
	require.Error(t, s.Notify(2, 10*time.Millisecond))

	// The timed out notify closed the stream.
	require.Error(t, s.Notify(3, time.Second))
	require.Equal(t, 1, <-s.Channel())
	_, ok := <-s.Channel()
	require.False(t, ok)
}
