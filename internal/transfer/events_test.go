package transfer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBusDeliversCopies(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(4)
	defer unsubscribe()

	snap := Snapshot{ID: "t1", BytesTransferred: 10}
	bus.Publish(snap)
	snap.BytesTransferred = 99

	got := <-ch
	require.Equal(t, "t1", got.ID)
	require.EqualValues(t, 10, got.BytesTransferred)
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	slow, unsubscribe := bus.Subscribe(1)
	defer unsubscribe()
	fast, unsubscribeFast := bus.Subscribe(8)
	defer unsubscribeFast()

	for i := 0; i < 3; i++ {
		bus.Publish(Snapshot{BytesTransferred: int64(i)})
	}

	require.Len(t, slow, 1)
	require.Len(t, fast, 3)
	require.EqualValues(t, 0, (<-slow).BytesTransferred)
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)
	unsubscribe()
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)
	bus.Publish(Snapshot{ID: "after"})
}

func TestBusClose(t *testing.T) {
	bus := NewBus()
	ch, unsubscribe := bus.Subscribe(1)
	bus.Close()
	unsubscribe()

	_, ok := <-ch
	require.False(t, ok)

	late, _ := bus.Subscribe(1)
	_, ok = <-late
	require.False(t, ok)
}

func TestNilBusPublishIsNoop(t *testing.T) {
	var bus *Bus
	require.NotPanics(t, func() { bus.Publish(Snapshot{}) })
}

type recorderFunc func(Snapshot)

func (f recorderFunc) Record(s Snapshot) { f(s) }

func TestRecordersFanOut(t *testing.T) {
	var got []string
	rs := Recorders{
		recorderFunc(func(s Snapshot) { got = append(got, "a:"+s.ID) }),
		nil,
		recorderFunc(func(s Snapshot) { got = append(got, "b:"+s.ID) }),
	}
	rs.Record(Snapshot{ID: "x"})
	require.Equal(t, []string{"a:x", "b:x"}, got)
}
