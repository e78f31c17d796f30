package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/logging"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestNotifier_SyncDeliversToAll(t *testing.T) {
	var a, b []Event
	n := New(DefaultConfig(), logging.Nop(),
		SubscriberFunc(func(_ context.Context, ev Event) error { a = append(a, ev); return nil }),
		SubscriberFunc(func(_ context.Context, ev Event) error { b = append(b, ev); return nil }),
	)
	defer n.Close()

	n.TransactionDone(context.Background(), domain.LedgerTransaction{ID: 1, Destination: 2, Value: 5})

	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("deliveries = %d/%d, want 1/1", len(a), len(b))
	}
	if a[0].Type != TypeTransactionDone {
		t.Errorf("Type = %q, want %q", a[0].Type, TypeTransactionDone)
	}
	if d, ok := a[0].Data.(TransactionDone); !ok || d.Transaction.Value != 5 {
		t.Errorf("Data = %#v", a[0].Data)
	}
}

func TestNotifier_FailingSubscriberIsIsolated(t *testing.T) {
	var got atomic.Int32
	n := New(DefaultConfig(), logging.Nop(),
		SubscriberFunc(func(context.Context, Event) error { return errors.New("mail server down") }),
		SubscriberFunc(func(context.Context, Event) error { panic("bad subscriber") }),
		SubscriberFunc(func(context.Context, Event) error { got.Add(1); return nil }),
	)
	defer n.Close()

	n.ResultStateChanged(context.Background(), ResultStateChanged{User: 1, Project: "rosetta", Created: true})

	if got.Load() != 1 {
		t.Errorf("healthy subscriber got %d events, want 1", got.Load())
	}
}

func TestNotifier_SyncIgnoresCancelledCaller(t *testing.T) {
	var got atomic.Int32
	n := New(DefaultConfig(), logging.Nop(), SubscriberFunc(func(ctx context.Context, _ Event) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		got.Add(1)
		return nil
	}))
	defer n.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n.TransactionDone(ctx, domain.LedgerTransaction{ID: 1})

	if got.Load() != 1 {
		t.Error("committed events must be delivered even if the caller went away")
	}
}

func TestNotifier_AsyncDrainsOnClose(t *testing.T) {
	var (
		mu  sync.Mutex
		ids []int64
	)
	n := New(Config{Async: true, QueueSize: 100, Workers: 3}, logging.Nop(),
		SubscriberFunc(func(_ context.Context, ev Event) error {
			mu.Lock()
			defer mu.Unlock()
			ids = append(ids, ev.Data.(TransactionDone).Transaction.ID)
			return nil
		}))

	for i := int64(1); i <= 50; i++ {
		n.TransactionDone(context.Background(), domain.LedgerTransaction{ID: i})
	}
	n.Close()

	if len(ids) != 50 {
		t.Errorf("delivered %d events, want 50", len(ids))
	}
}

func TestNotifier_AsyncDropsWhenFull(t *testing.T) {
	block := make(chan struct{})
	var delivered atomic.Int32
	n := New(Config{Async: true, QueueSize: 1, Workers: 1}, logging.Nop(),
		SubscriberFunc(func(context.Context, Event) error {
			<-block
			delivered.Add(1)
			return nil
		}))

	for i := 0; i < 10; i++ {
		n.TransactionDone(context.Background(), domain.LedgerTransaction{ID: int64(i)})
	}
	close(block)
	n.Close()

	if d := delivered.Load(); d < 1 || d > 2 {
		t.Errorf("delivered = %d, want 1 or 2 (one in flight, one queued)", d)
	}
}

func TestNotifier_PublishAfterCloseIsDropped(t *testing.T) {
	var got atomic.Int32
	n := New(Config{Async: true}, logging.Nop(),
		SubscriberFunc(func(context.Context, Event) error { got.Add(1); return nil }))
	n.Close()
	n.Close()

	n.TransactionDone(context.Background(), domain.LedgerTransaction{ID: 1})
	if got.Load() != 0 {
		t.Error("event delivered after Close")
	}
}

func TestNotifier_NilIsSafe(t *testing.T) {
	var n *Notifier
	n.TransactionDone(context.Background(), domain.LedgerTransaction{})
	n.Close()
}

func TestChannelSubscriber(t *testing.T) {
	ch := NewChannelSubscriber(1)
	n := New(DefaultConfig(), logging.Nop(), ch)
	defer n.Close()

	n.ResultStateChanged(context.Background(), ResultStateChanged{Project: "seti"})
	select {
	case ev := <-ch.C():
		if ev.Type != TypeResultStateChanged {
			t.Errorf("Type = %q", ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no event on channel")
	}

	// Full buffer: delivery gives up once its context ends.
	if err := ch.Deliver(context.Background(), Event{}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := ch.Deliver(ctx, Event{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Deliver on full buffer = %v, want deadline exceeded", err)
	}

	ch.Close()
	ch.Close()
	if err := ch.Deliver(context.Background(), Event{}); err != nil {
		t.Errorf("Deliver after Close = %v, want nil", err)
	}
}
