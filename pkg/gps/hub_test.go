package gps

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHubDeliversInOrderToEverySubscriber(t *testing.T) {
	h := newHub[int]()
	a, cancelA := h.Subscribe()
	b, cancelB := h.Subscribe()
	defer cancelA()
	defer cancelB()

	for i := 0; i < 100; i++ {
		h.Publish(i)
	}

	for _, ch := range []<-chan int{a, b} {
		for i := 0; i < 100; i++ {
			select {
			case v := <-ch:
				require.Equal(t, i, v)
			case <-time.After(time.Second):
				t.Fatal("timed out")
			}
		}
	}
}

func TestHubSlowSubscriberDoesNotBlockPublisher(t *testing.T) {
	h := newHub[int]()
	_, cancel := h.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10000; i++ {
			h.Publish(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked")
	}
}

func TestHubCloseFlushesThenCloses(t *testing.T) {
	h := newHub[string]()
	ch, _ := h.Subscribe()
	h.Publish("a")
	h.Publish("b")
	h.Close()
	h.Publish("dropped")

	var got []string
	for v := range ch {
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b"}, got)

	late, _ := h.Subscribe()
	_, open := <-late
	assert.False(t, open)
}

func TestHubUnsubscribe(t *testing.T) {
	h := newHub[int]()
	ch, cancel := h.Subscribe()
	assert.Equal(t, 1, h.Len())

	cancel()
	cancel()
	assert.Zero(t, h.Len())

	h.Publish(1)
	_, open := <-ch
	assert.False(t, open)
}
