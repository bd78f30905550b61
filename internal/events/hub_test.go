package events

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "channel closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	h := NewHub(0)
	topic := SessionTopic(uuid.New())

	a, cancelA := h.Subscribe(topic)
	b, cancelB := h.Subscribe(topic)
	other, cancelOther := h.Subscribe(BuildTopic(uuid.New()))
	defer cancelOther()

	h.Publish(topic, TypeLog, "hello")

	evA := recv(t, a)
	evB := recv(t, b)
	assert.Equal(t, "hello", evA.Data)
	assert.Equal(t, TypeLog, evA.Type)
	assert.Equal(t, topic, evB.Topic)
	assert.Equal(t, evA.Seq, evB.Seq)

	select {
	case ev := <-other:
		t.Fatalf("unexpected event on other topic: %+v", ev)
	default:
	}

	cancelA()
	cancelA()
	_, ok := <-a
	assert.False(t, ok)
	assert.Equal(t, 1, h.Subscribers(topic))

	cancelB()
	assert.Equal(t, 0, h.Subscribers(topic))
}

func TestSeqIncreases(t *testing.T) {
	h := NewHub(8)
	ch, cancel := h.Subscribe("t")
	defer cancel()

	for i := 0; i < 5; i++ {
		h.Publish("t", TypeSession, i)
	}
	var last uint64
	for i := 0; i < 5; i++ {
		ev := recv(t, ch)
		assert.Greater(t, ev.Seq, last)
		assert.Equal(t, i, ev.Data)
		last = ev.Seq
	}
}

func TestSlowSubscriberDropsEvents(t *testing.T) {
	h := NewHub(2)
	ch, cancel := h.Subscribe("t")
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 10; i++ {
			h.Publish("t", TypeLog, i)
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	assert.Equal(t, 0, recv(t, ch).Data)
	assert.Equal(t, 1, recv(t, ch).Data)
	select {
	case ev := <-ch:
		t.Fatalf("expected dropped events, got %+v", ev)
	default:
	}
}

func TestConcurrentPublish(t *testing.T) {
	h := NewHub(1000)
	ch, cancel := h.Subscribe("t")

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				h.Publish("t", TypeLog, i)
			}
		}()
	}
	wg.Wait()
	cancel()

	n := 0
	for range ch {
		n++
	}
	assert.Equal(t, 500, n)
}

func TestClose(t *testing.T) {
	h := NewHub(0)
	ch, cancel := h.Subscribe("t")
	h.Close()
	_, ok := <-ch
	assert.False(t, ok)
	cancel() // no double close

	late, _ := h.Subscribe("t")
	_, ok = <-late
	assert.False(t, ok)
	h.Publish("t", TypeLog, nil)
}
