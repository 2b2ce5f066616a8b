package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestPublishReachesSubscriber(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	defer cancel()

	bus.Publish("runner", KindTestUpdate, map[string]any{"test_id": int64(7)})

	select {
	case ev := <-ch:
		assert.Equal(t, "runner", ev.Component)
		assert.Equal(t, KindTestUpdate, ev.Kind)
		assert.Equal(t, int64(7), ev.Payload["test_id"])
		assert.NotEqual(t, [16]byte{}, [16]byte(ev.ID))
	case <-time.After(time.Second):
		t.Fatal("event never arrived")
	}
}

func TestPublishNeverBlocksOnFullBuffer(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe(1)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			bus.Publish("orchestrator", KindStatus, nil)
		}
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}
}

func TestCancelStopsDelivery(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(4)
	cancel()

	// channel is closed after cancel
	_, open := <-ch
	require.False(t, open)

	// publishing after cancel must not panic
	bus.Publish("llm", KindLLMResponse, nil)
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	a, cancelA := bus.Subscribe(2)
	b, cancelB := bus.Subscribe(2)
	defer cancelA()
	defer cancelB()

	bus.Publish("repair", KindTestFixed, nil)

	for _, ch := range []<-chan Event{a, b} {
		select {
		case ev := <-ch:
			assert.Equal(t, KindTestFixed, ev.Kind)
		case <-time.After(time.Second):
			t.Fatal("subscriber missed the event")
		}
	}
}
