package events

import (
	"sync"
	"testing"
	"time"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestBusPublishSubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	var received []Event

	bus.Subscribe(func(e Event) {
		mu.Lock()
		received = append(received, e)
		mu.Unlock()
	}, EventOperationAccepted)

	bus.Publish(NewTypedEvent(SourceLog, "standup", OperationAcceptedPayload{Version: 1, OpID: "op-1"}))
	bus.Publish(NewTypedEvent(SourceCoordinator, "standup", SessionClosedPayload{Participant: "ana"}))

	waitFor(t, func() bool { return len(bus.History(10)) == 2 })
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 {
		t.Fatalf("expected 1 event, got %d", len(received))
	}
	if received[0].Type != EventOperationAccepted {
		t.Errorf("expected operation.accepted, got %s", received[0].Type)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(64)
	defer bus.Close()

	var mu sync.Mutex
	count := 0
	unsubscribe := bus.Subscribe(func(Event) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	unsubscribe()

	bus.Publish(NewTypedEvent(SourceLog, "standup", LogDegradedPayload{Error: "disk full"}))
	waitFor(t, func() bool { return len(bus.History(10)) == 1 })
	time.Sleep(20 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", count)
	}
}

func TestBusHistoryFor(t *testing.T) {
	bus := NewBus(16)
	defer bus.Close()

	for i := int64(1); i <= 3; i++ {
		bus.Publish(NewTypedEvent(SourceLog, "a", OperationAcceptedPayload{Version: i}))
		bus.Publish(NewTypedEvent(SourceLog, "b", OperationAcceptedPayload{Version: i}))
	}
	waitFor(t, func() bool { return len(bus.History(16)) == 6 })

	got := bus.HistoryFor("a", 2)
	if len(got) != 2 {
		t.Fatalf("expected 2 events, got %d", len(got))
	}
	first, _ := ExtractPayload[OperationAcceptedPayload](got[0])
	second, _ := ExtractPayload[OperationAcceptedPayload](got[1])
	if first.Version != 2 || second.Version != 3 {
		t.Fatalf("expected versions 2,3 oldest first, got %d,%d", first.Version, second.Version)
	}
}

func TestBusClosedIgnoresPublish(t *testing.T) {
	bus := NewBus(4)
	bus.Close()
	bus.Close()

	bus.Publish(NewTypedEvent(SourceLog, "a", LogDegradedPayload{}))
	if len(bus.History(4)) != 0 {
		t.Fatal("closed bus must not record events")
	}
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(Event{ID: string(rune('a' + i))})
	}
	got := rb.Get(10)
	if len(got) != 3 || got[0].ID != "c" || got[2].ID != "e" {
		t.Fatalf("unexpected ring contents: %+v", got)
	}
}
