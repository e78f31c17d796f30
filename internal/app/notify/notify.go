// Package notify fans committed ledger and result-lifecycle events out to
// subscribers injected at construction. Events are only ever published after
// the producing transaction committed; delivery failures are logged and
// counted, never propagated back into the ledger.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tutu-network/gridcoin/internal/domain"
	"github.com/tutu-network/gridcoin/internal/infra/observability"
)

// EventType names an event stream.
type EventType string

const (
	TypeTransactionDone    EventType = "transaction.done"
	TypeResultStateChanged EventType = "result.state_changed"
)

// Event is one notification.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// TransactionDone carries a committed ledger transaction.
type TransactionDone struct {
	Transaction domain.LedgerTransaction `json:"transaction"`
}

// ResultStateChanged reports a result that was created or moved forward.
type ResultStateChanged struct {
	User     domain.UserID           `json:"user"`
	Project  string                  `json:"project"`
	Result   domain.CalculatedResult `json:"result"`
	Previous domain.ResultState      `json:"previous,omitempty"`
	Created  bool                    `json:"created"`
}

// ─── Subscribers ────────────────────────────────────────────────────────────

// Subscriber receives events. Implementations must be safe for concurrent use.
type Subscriber interface {
	Deliver(ctx context.Context, ev Event) error
}

// SubscriberFunc adapts a function to Subscriber.
type SubscriberFunc func(ctx context.Context, ev Event) error

func (f SubscriberFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }

// ChannelSubscriber buffers events on a channel for in-process consumers.
type ChannelSubscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

// NewChannelSubscriber creates a subscriber with the given buffer.
func NewChannelSubscriber(buffer int) *ChannelSubscriber {
	return &ChannelSubscriber{ch: make(chan Event, buffer)}
}

// C returns the receive side.
func (c *ChannelSubscriber) C() <-chan Event { return c.ch }

// Deliver blocks until the event is buffered or ctx ends. Events sent after
// Close are dropped.
func (c *ChannelSubscriber) Deliver(ctx context.Context, ev Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close closes the channel. Safe to call more than once.
func (c *ChannelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// LogSubscriber writes every event to log at info level.
func LogSubscriber(log zerolog.Logger) Subscriber {
	log = log.With().Str("component", "notify").Logger()
	return SubscriberFunc(func(_ context.Context, ev Event) error {
		e := log.Info().Str("event", string(ev.Type))
		switch d := ev.Data.(type) {
		case TransactionDone:
			e = e.Int64("tx", d.Transaction.ID).
				Int64("destination", int64(d.Transaction.Destination)).
				Int64("value", d.Transaction.Value)
			if d.Transaction.Source != nil {
				e = e.Int64("source", int64(*d.Transaction.Source))
			}
		case ResultStateChanged:
			e = e.Stringer("result", d.Result.Key).
				Stringer("state", d.Result.State).
				Bool("created", d.Created)
		}
		e.Msg("event")
		return nil
	})
}

// ─── Notifier ───────────────────────────────────────────────────────────────

// Config tunes delivery.
type Config struct {
	Async           bool          // deliver from a worker pool instead of the caller
	QueueSize       int           // async queue depth; events beyond it are dropped
	Workers         int           // async workers
	DeliveryTimeout time.Duration // per-subscriber bound on one delivery
}

// DefaultConfig returns synchronous delivery with a 5s bound.
func DefaultConfig() Config {
	return Config{
		Async:           false,
		QueueSize:       1_000,
		Workers:         4,
		DeliveryTimeout: 5 * time.Second,
	}
}

// Notifier delivers events to its subscribers. A nil *Notifier drops events.
type Notifier struct {
	cfg  Config
	subs []Subscriber
	log  zerolog.Logger
	now  func() time.Time

	queue  chan Event
	wg     sync.WaitGroup
	mu     sync.RWMutex
	closed bool
}

// New creates a notifier; async mode starts its workers immediately.
func New(cfg Config, log zerolog.Logger, subs ...Subscriber) *Notifier {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.DeliveryTimeout <= 0 {
		cfg.DeliveryTimeout = def.DeliveryTimeout
	}
	n := &Notifier{
		cfg:  cfg,
		subs: subs,
		log:  log.With().Str("component", "notify").Logger(),
		now:  time.Now,
	}
	if cfg.Async {
		n.queue = make(chan Event, cfg.QueueSize)
		for range cfg.Workers {
			n.wg.Add(1)
			go n.worker()
		}
	}
	return n
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	for ev := range n.queue {
		n.deliver(context.Background(), ev)
	}
}

// TransactionDone publishes a committed ledger transaction.
func (n *Notifier) TransactionDone(ctx context.Context, tx domain.LedgerTransaction) {
	n.Publish(ctx, TypeTransactionDone, TransactionDone{Transaction: tx})
}

// ResultStateChanged publishes a committed result creation or transition.
func (n *Notifier) ResultStateChanged(ctx context.Context, change ResultStateChanged) {
	n.Publish(ctx, TypeResultStateChanged, change)
}

// Publish delivers data to every subscriber.
func (n *Notifier) Publish(ctx context.Context, typ EventType, data any) {
	if n == nil {
		return
	}
	ev := Event{Type: typ, Timestamp: n.now(), Data: data}

	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		observability.NotifierDeliveries.WithLabelValues(string(typ), "closed").Inc()
		return
	}
	if !n.cfg.Async {
		n.deliver(context.WithoutCancel(ctx), ev)
		return
	}
	select {
	case n.queue <- ev:
	default:
		observability.NotifierDeliveries.WithLabelValues(string(typ), "dropped").Inc()
		n.log.Warn().Str("event", string(typ)).Msg("notification queue full, event dropped")
	}
}

func (n *Notifier) deliver(ctx context.Context, ev Event) {
	for _, sub := range n.subs {
		outcome := "ok"
		if err := n.deliverOne(ctx, sub, ev); err != nil {
			outcome = "error"
			n.log.Warn().Err(err).Str("event", string(ev.Type)).Msg("delivery failed")
		}
		observability.NotifierDeliveries.WithLabelValues(string(ev.Type), outcome).Inc()
	}
}

func (n *Notifier) deliverOne(ctx context.Context, sub Subscriber, ev Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, n.cfg.DeliveryTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sub.Deliver(ctx, ev)
}

// Close stops accepting events, drains the async queue and waits for the
// workers. Safe to call more than once.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	if n.queue != nil {
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}
