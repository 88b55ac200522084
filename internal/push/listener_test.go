package push

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"agentboard/internal/model"
)

func startTestStream(t *testing.T) redis.UniversalClient {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestListenerDeliversEvents(t *testing.T) {
	client := startTestStream(t)
	broker := NewBroker(8)
	t.Cleanup(broker.Close)

	var mu sync.Mutex
	var applied []model.BoardEvent
	listener, err := NewListener(ListenerOptions{
		Client:   client,
		Stream:   "agentboard.test",
		Group:    "agentboard",
		Consumer: "test-1",
		Broker:   broker,
		Apply: func(event model.BoardEvent) {
			mu.Lock()
			applied = append(applied, event)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	t.Cleanup(func() { _ = listener.Close() })

	if !listener.Connected() {
		t.Fatalf("expected listener connected after start")
	}

	subscription, cancel := broker.Subscribe(model.BoardEntityTicket)
	t.Cleanup(cancel)

	publisher, err := NewPublisher(client, "agentboard.test")
	if err != nil {
		t.Fatalf("new publisher: %v", err)
	}
	t.Cleanup(func() { _ = publisher.Close() })

	ticket := model.Ticket{PK: "t-1", TicketNumber: 1, DisplayID: "AB-1", ColumnID: "col-todo"}
	if err := publisher.Publish(model.BoardEvent{
		Kind:   model.BoardEventUpdate,
		Entity: model.BoardEntityTicket,
		Ticket: &ticket,
	}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case event := <-subscription:
		if event.Ticket == nil || event.Ticket.PK != "t-1" {
			t.Fatalf("unexpected event payload: %+v", event)
		}
		if event.ReceivedAt.IsZero() {
			t.Fatalf("expected receipt timestamp stamped")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("event never reached broker subscriber")
	}

	deadline := time.Now().Add(time.Second)
	for {
		mu.Lock()
		count := len(applied)
		mu.Unlock()
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("apply callback never invoked")
		}
		time.Sleep(5 * time.Millisecond)
	}

	snap := listener.Snapshot()
	if snap.Received != 1 || !snap.Connected {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestListenerCloseMarksDisconnected(t *testing.T) {
	client := startTestStream(t)
	listener, err := NewListener(ListenerOptions{
		Client:   client,
		Stream:   "agentboard.test",
		Group:    "agentboard",
		Consumer: "test-1",
	})
	if err != nil {
		t.Fatalf("new listener: %v", err)
	}
	if err := listener.Start(context.Background()); err != nil {
		t.Fatalf("start listener: %v", err)
	}
	if err := listener.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if listener.Connected() {
		t.Fatalf("expected disconnected after close")
	}
}

func TestListenerDropsUndecodablePayload(t *testing.T) {
	event, err := decodeEvent([]byte("{not json"))
	if err == nil {
		t.Fatalf("expected decode error, got %+v", event)
	}
}
