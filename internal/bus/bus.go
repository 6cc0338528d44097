// Package bus implements the in-process priority pub/sub hub connecting
// agents. Messages are enqueued into one bounded queue per priority level and
// fanned out to type subscribers; a bounded history ring keeps the most
// recent messages for introspection.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hostsentry/hostsentry/internal/events"
)

const (
	// DefaultQueueSize is the shared capacity budget, divided evenly across
	// the priority levels.
	DefaultQueueSize = 1000
	// DefaultHistorySize bounds the introspection ring buffer.
	DefaultHistorySize = 1000
	// DefaultSweepInterval is how often expired messages are removed from
	// history while the bus is running.
	DefaultSweepInterval = 60 * time.Second

	// getPollInterval is how often Get re-scans the queues while waiting.
	getPollInterval = 5 * time.Millisecond
)

// Handler consumes one message. A returned error (or a panic) is logged and
// isolated to that handler; it never reaches the publisher or sibling
// handlers.
type Handler func(ctx context.Context, msg Message) error

// Subscription identifies one handler registration for later removal.
// Handlers are funcs and not comparable, so unsubscription is token-based.
type Subscription struct {
	typ Type
	id  uint64
}

// Type returns the message type the subscription was registered for.
func (s Subscription) Type() Type { return s.typ }

type subscriber struct {
	id uint64
	fn Handler
}

// Metrics receives bus-level events. Implementations must be safe for
// concurrent use; a nil Metrics disables reporting.
type Metrics interface {
	MessagePublished(t Type, p Priority)
	MessageDropped(t Type, p Priority)
	HandlerFailure(t Type)
}

// Options configures a Bus. Zero values select the defaults above.
type Options struct {
	QueueSize     int
	HistorySize   int
	SweepInterval time.Duration
	Logger        *slog.Logger
	Metrics       Metrics
}

// Bus is the central message hub. Mutation of the subscriber registry, the
// history ring, and lifecycle state is mutex-guarded; agents run on real OS
// threads, not a cooperative scheduler.
type Bus struct {
	queueSize     int
	historySize   int
	sweepInterval time.Duration
	log           *slog.Logger
	metrics       Metrics
	events        *events.EventLogger

	mu        sync.Mutex
	queues    map[Priority]chan Message
	subs      map[Type][]subscriber
	history   []Message
	running   bool
	stopCh    chan struct{}
	stoppedCh chan struct{}

	nextSubID atomic.Uint64
	published atomic.Int64
	dropped   atomic.Int64
	failures  atomic.Int64
}

// New creates a stopped Bus.
func New(opts Options) *Bus {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	b := &Bus{
		queueSize:     opts.QueueSize,
		historySize:   opts.HistorySize,
		sweepInterval: opts.SweepInterval,
		log:           opts.Logger.With("component", "bus"),
		metrics:       opts.Metrics,
		events:        events.GetGlobalEventLogger(),
		queues:        make(map[Priority]chan Message, len(Priorities())),
		subs:          make(map[Type][]subscriber),
	}
	perQueue := opts.QueueSize / len(Priorities())
	if perQueue < 1 {
		perQueue = 1
	}
	for _, p := range Priorities() {
		b.queues[p] = make(chan Message, perQueue)
	}
	return b
}

// Start launches the background expiry sweep. Calling Start on a running bus
// is a no-op.
func (b *Bus) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.stopCh = make(chan struct{})
	b.stoppedCh = make(chan struct{})
	stopCh, stoppedCh := b.stopCh, b.stoppedCh
	b.mu.Unlock()

	go b.sweepLoop(stopCh, stoppedCh)
	b.log.Info("bus started", "queue_size", b.queueSize, "history_size", b.historySize)
}

// Stop cancels the expiry sweep and marks the bus stopped. Queued messages
// are not drained. Safe to call repeatedly.
func (b *Bus) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stopCh)
	stoppedCh := b.stoppedCh
	b.mu.Unlock()

	<-stoppedCh
	b.log.Info("bus stopped")
}

// Running reports whether the bus has been started and not yet stopped.
func (b *Bus) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

// Publish enqueues the message into its priority queue and fans it out to all
// current subscribers of its type. It returns false and drops the message
// when the queue is full; monitoring traffic is lossy-tolerant and saturation
// is not an error. Publish waits for every dispatched handler to finish, so a
// slow subscriber delays the publisher.
func (b *Bus) Publish(ctx context.Context, msg Message) bool {
	if !msg.Priority.Valid() {
		b.log.Warn("message with invalid priority dropped", "type", string(msg.Type), "priority", int(msg.Priority))
		return false
	}

	b.mu.Lock()
	q := b.queues[msg.Priority]
	select {
	case q <- msg:
	default:
		b.mu.Unlock()
		b.dropped.Add(1)
		if b.metrics != nil {
			b.metrics.MessageDropped(msg.Type, msg.Priority)
		}
		b.events.LogMessageDropped(string(msg.Type), msg.Priority.String(), msg.Sender)
		b.log.Warn("queue full, message dropped",
			"type", string(msg.Type),
			"priority", msg.Priority.String(),
			"sender", msg.Sender,
		)
		return false
	}
	b.appendHistoryLocked(msg)
	targets := make([]subscriber, len(b.subs[msg.Type]))
	copy(targets, b.subs[msg.Type])
	b.mu.Unlock()

	b.published.Add(1)
	if b.metrics != nil {
		b.metrics.MessagePublished(msg.Type, msg.Priority)
	}

	if len(targets) == 0 {
		return true
	}

	var wg sync.WaitGroup
	for _, sub := range targets {
		wg.Add(1)
		go func(sub subscriber) {
			defer wg.Done()
			b.dispatch(ctx, sub, msg)
		}(sub)
	}
	wg.Wait()
	return true
}

// dispatch invokes one handler, absorbing errors and panics.
func (b *Bus) dispatch(ctx context.Context, sub subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.failures.Add(1)
			if b.metrics != nil {
				b.metrics.HandlerFailure(msg.Type)
			}
			b.log.Error("subscriber panicked",
				"type", string(msg.Type),
				"subscription_id", sub.id,
				"panic", r,
			)
		}
	}()
	if err := sub.fn(ctx, msg); err != nil {
		b.failures.Add(1)
		if b.metrics != nil {
			b.metrics.HandlerFailure(msg.Type)
		}
		b.log.Error("subscriber failed",
			"type", string(msg.Type),
			"subscription_id", sub.id,
			"error", err,
		)
	}
}

// Broadcast publishes a message with no recipients.
func (b *Bus) Broadcast(ctx context.Context, sender string, t Type, p Priority, payload any, opts ...Option) bool {
	return b.Publish(ctx, NewMessage(sender, t, p, payload, opts...))
}

// SendDirect publishes a message addressed to one recipient. Delivery is
// identical to Broadcast; the recipient field is advisory metadata for
// consumers to filter on.
func (b *Bus) SendDirect(ctx context.Context, sender, recipient string, t Type, p Priority, payload any, opts ...Option) bool {
	opts = append(opts, WithRecipients(recipient))
	return b.Publish(ctx, NewMessage(sender, t, p, payload, opts...))
}

// Subscribe appends a handler for messages of type t and returns a token for
// Unsubscribe. Duplicate registrations of the same handler each fire.
func (b *Bus) Subscribe(t Type, h Handler) Subscription {
	id := b.nextSubID.Add(1)
	b.mu.Lock()
	b.subs[t] = append(b.subs[t], subscriber{id: id, fn: h})
	b.mu.Unlock()
	b.log.Debug("subscriber added", "type", string(t), "subscription_id", id)
	return Subscription{typ: t, id: id}
}

// Unsubscribe removes the registration identified by sub. Removing an
// already-removed subscription is a no-op.
func (b *Bus) Unsubscribe(sub Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.subs[sub.typ]
	for i, s := range list {
		if s.id == sub.id {
			b.subs[sub.typ] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Get pulls the next available message at or above min priority, scanning the
// highest-priority queue first. It waits up to timeout for a message to
// arrive, returning false on expiry or context cancellation. Within one
// priority level messages arrive in FIFO enqueue order.
func (b *Bus) Get(ctx context.Context, min Priority, timeout time.Duration) (Message, bool) {
	if !min.Valid() {
		min = PriorityLow
	}
	deadline := time.Now().Add(timeout)
	for {
		levels := Priorities()
		for i := len(levels) - 1; i >= 0; i-- {
			p := levels[i]
			if p < min {
				break
			}
			select {
			case msg := <-b.queues[p]:
				return msg, true
			default:
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Message{}, false
		}
		wait := getPollInterval
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-ctx.Done():
			return Message{}, false
		case <-time.After(wait):
		}
	}
}

// Stats is a point-in-time snapshot of bus state.
type Stats struct {
	Running         bool           `json:"running"`
	QueueDepths     map[string]int `json:"queue_depths"`
	Subscribers     map[string]int `json:"subscribers"`
	HistorySize     int            `json:"history_size"`
	Published       int64          `json:"published"`
	Dropped         int64          `json:"dropped"`
	HandlerFailures int64          `json:"handler_failures"`
}

// Stats returns a snapshot of queue depths, subscriber counts and counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Running:         b.running,
		QueueDepths:     make(map[string]int, len(b.queues)),
		Subscribers:     make(map[string]int, len(b.subs)),
		HistorySize:     len(b.history),
		Published:       b.published.Load(),
		Dropped:         b.dropped.Load(),
		HandlerFailures: b.failures.Load(),
	}
	for p, q := range b.queues {
		s.QueueDepths[p.String()] = len(q)
	}
	for t, list := range b.subs {
		if len(list) > 0 {
			s.Subscribers[string(t)] = len(list)
		}
	}
	return s
}

// Recent returns up to n of the most recently published messages, oldest
// first. Messages evicted from the ring are unrecoverable.
func (b *Bus) Recent(n int) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 || len(b.history) == 0 {
		return nil
	}
	if n > len(b.history) {
		n = len(b.history)
	}
	out := make([]Message, n)
	copy(out, b.history[len(b.history)-n:])
	return out
}

// appendHistoryLocked records msg in the ring, evicting the oldest entry when
// full. Caller holds b.mu.
func (b *Bus) appendHistoryLocked(msg Message) {
	if len(b.history) >= b.historySize {
		copy(b.history, b.history[1:])
		b.history = b.history[:len(b.history)-1]
	}
	b.history = append(b.history, msg)
}

// sweepLoop periodically drops expired messages from history. Queue contents
// are not expired; the pull path hands them out regardless of TTL.
func (b *Bus) sweepLoop(stopCh, stoppedCh chan struct{}) {
	defer close(stoppedCh)

	ticker := time.NewTicker(b.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.sweepHistory(time.Now())
		case <-stopCh:
			return
		}
	}
}

func (b *Bus) sweepHistory(now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.history[:0]
	for _, msg := range b.history {
		if !msg.Expired(now) {
			kept = append(kept, msg)
		}
	}
	if removed := len(b.history) - len(kept); removed > 0 {
		b.log.Debug("expired messages removed from history", "count", removed)
	}
	b.history = kept
}
