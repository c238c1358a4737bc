package events

import (
	"sync"
	"testing"
	"time"
)

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 1)
	bus.Subscribe(EventTaskCreated, func(ev Event) {
		received <- ev
	})

	bus.Publish(EventTaskCreated, map[string]interface{}{"task_id": "task_1"})

	select {
	case ev := <-received:
		if ev.Type != EventTaskCreated {
			t.Errorf("Type mismatch: got %s, want %s", ev.Type, EventTaskCreated)
		}
		if ev.Data["task_id"] != "task_1" {
			t.Errorf("Data mismatch: got %v", ev.Data)
		}
		if ev.Timestamp.IsZero() {
			t.Error("Timestamp was not set")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Event was not delivered")
	}
}

func TestBusTypeIsolation(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	var mu sync.Mutex
	var got []EventType
	bus.Subscribe(EventTaskSettled, func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	})

	bus.Publish(EventTaskCreated, nil)
	bus.Publish(EventTaskSettled, nil)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("settled event was not delivered")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	for _, ty := range got {
		if ty != EventTaskSettled {
			t.Errorf("subscriber received wrong type: %s", ty)
		}
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan Event, 10)
	unsub := bus.Subscribe(EventTaskCreated, func(ev Event) {
		received <- ev
	})
	unsub()

	bus.Publish(EventTaskCreated, nil)

	select {
	case <-received:
		t.Error("Unsubscribed handler still received an event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusFullBufferDropsNotBlocks(t *testing.T) {
	bus := NewBus(1)
	defer bus.Close()

	block := make(chan struct{})
	bus.Subscribe(EventTaskProgress, func(Event) {
		<-block
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			bus.Publish(EventTaskProgress, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
	close(block)
}

func TestBusPanickingSubscriber(t *testing.T) {
	bus := NewBus(10)
	defer bus.Close()

	received := make(chan struct{}, 2)
	bus.Subscribe(EventTaskCreated, func(Event) {
		received <- struct{}{}
		panic("subscriber bug")
	})

	bus.Publish(EventTaskCreated, nil)
	bus.Publish(EventTaskCreated, nil)

	for i := 0; i < 2; i++ {
		select {
		case <-received:
		case <-time.After(2 * time.Second):
			t.Fatal("delivery goroutine died after panic")
		}
	}
}
