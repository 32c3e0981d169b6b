package syncstate

import (
	"context"
	"sync/atomic"
	"testing"
	"time"
)

func TestNewBus(t *testing.T) {
	bus := NewBus()
	if bus == nil {
		t.Fatal("NewBus() returned nil")
	}
}

func TestBusSubscribeAndPublish(t *testing.T) {
	bus := NewBus()
	var received Envelope

	if _, err := bus.Subscribe("Counter_update", func(_ context.Context, env Envelope) {
		received = env
	}); err != nil {
		t.Fatal(err)
	}

	if err := bus.Publish(context.Background(), "Counter_update", Envelope{Name: "Counter", Value: "1"}); err != nil {
		t.Fatal(err)
	}

	if received.Name != "Counter" || received.Value != "1" {
		t.Errorf("received %+v", received)
	}
}

func TestBusTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	var a, b int32

	_, _ = bus.Subscribe("a", func(context.Context, Envelope) { atomic.AddInt32(&a, 1) })
	_, _ = bus.Subscribe("b", func(context.Context, Envelope) { atomic.AddInt32(&b, 1) })

	_ = bus.Publish(context.Background(), "a", Envelope{})

	if atomic.LoadInt32(&a) != 1 || atomic.LoadInt32(&b) != 0 {
		t.Errorf("a=%d b=%d, want 1 0", a, b)
	}
}

func TestBusAllTopics(t *testing.T) {
	bus := NewBus()
	var topics []string

	_, _ = bus.Subscribe(AllTopics, func(_ context.Context, env Envelope) {
		topics = append(topics, env.Name)
	})

	_ = bus.Publish(context.Background(), "x_update", Envelope{Name: "x"})
	_ = bus.Publish(context.Background(), "y_update", Envelope{Name: "y"})

	if len(topics) != 2 || topics[0] != "x" || topics[1] != "y" {
		t.Errorf("wildcard received %v", topics)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	var count int32

	unsubscribe, err := bus.Subscribe("t", func(context.Context, Envelope) {
		atomic.AddInt32(&count, 1)
	})
	if err != nil {
		t.Fatal(err)
	}

	_ = bus.Publish(context.Background(), "t", Envelope{})
	unsubscribe()
	unsubscribe()
	_ = bus.Publish(context.Background(), "t", Envelope{})

	if count != 1 {
		t.Errorf("handler called %d times, want 1", count)
	}
}

func TestBusContextCancelled(t *testing.T) {
	bus := NewBus()
	var called bool
	_, _ = bus.Subscribe("t", func(context.Context, Envelope) { called = true })

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := bus.Publish(ctx, "t", Envelope{}); err != context.Canceled {
		t.Errorf("Publish() error = %v, want context.Canceled", err)
	}
	if called {
		t.Error("handler ran on cancelled context")
	}
}

func TestBusPanicHandler(t *testing.T) {
	bus := NewBus()
	panicChan := make(chan any, 1)

	bus.SetPanicHandler(func(topic string, env Envelope, panicValue any) {
		panicChan <- panicValue
	})

	var after bool
	_, _ = bus.Subscribe("t", func(context.Context, Envelope) { panic("handler failed") })
	_, _ = bus.Subscribe("t", func(context.Context, Envelope) { after = true })

	_ = bus.Publish(context.Background(), "t", Envelope{})

	select {
	case v := <-panicChan:
		if v != "handler failed" {
			t.Errorf("panic value = %v", v)
		}
	case <-time.After(100 * time.Millisecond):
		t.Error("Panic handler was not called")
	}
	if !after {
		t.Error("handlers after a panicking one should still run")
	}
}

func TestBusClearAll(t *testing.T) {
	bus := NewBus()
	_, _ = bus.Subscribe("a", func(context.Context, Envelope) {})
	_, _ = bus.Subscribe("b", func(context.Context, Envelope) {})

	if !bus.HasSubscribers("a") || !bus.HasSubscribers("b") {
		t.Error("HasSubscribers missed a subscribed topic")
	}

	bus.ClearAll()
	if bus.HasSubscribers("b") {
		t.Error("ClearAll left handlers behind")
	}
}
