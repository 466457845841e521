package mcpclient

import (
	"container/heap"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// Priority orders queued messages; lower values are served first.
type Priority int

// Message priorities, most urgent first.
const (
	PriorityUrgent Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

func (p Priority) String() string {
	switch p {
	case PriorityUrgent:
		return "urgent"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Message is one queued unit of outbound work. Ordering across the queue is
// a total order over (priority, enqueue time): equal priorities are FIFO.
type Message struct {
	// ID identifies the message; the queue generates one when empty.
	ID string
	// Priority decides service order ahead of enqueue time.
	Priority Priority
	// EnqueuedAt is stamped by the queue and breaks priority ties.
	EnqueuedAt time.Time
	// Server optionally targets a specific server.
	Server string
	// Method is the protocol method this work will invoke.
	Method string
	// Payload is the opaque request payload.
	Payload json.RawMessage
	// Retries counts processing attempts so far; MaxRetries bounds them.
	Retries    int
	MaxRetries int
	// TTL discards the message unread once elapsed; zero means no expiry.
	TTL time.Duration

	seq  uint64
	done *Pending
}

// Expired reports whether the message's time-to-live has elapsed at now.
func (m Message) Expired(now time.Time) bool {
	if m.TTL <= 0 {
		return false
	}
	return now.After(m.EnqueuedAt.Add(m.TTL))
}

// QueueStats is a point-in-time summary of queue activity.
type QueueStats struct {
	Size     int
	Capacity int
	Enqueued uint64
	Dequeued uint64
	Expired  uint64
	Rejected uint64
}

// MessageQueue is a bounded priority queue of outbound work. Enqueue blocks
// once the bound is reached (TryEnqueue fails fast instead); Dequeue blocks
// until an item is available or its wait elapses, silently dropping items
// whose time-to-live has passed. An optional rate limit enforces a minimum
// spacing between successive dequeues.
//
// Instances should be created using NewMessageQueue and released with Close,
// which wakes all blocked callers.
type MessageQueue struct {
	logger  *slog.Logger
	limiter *rate.Limiter

	mu   sync.Mutex
	heap messageHeap
	seq  uint64

	slots  chan struct{}
	items  chan struct{}
	closed chan struct{}
	once   sync.Once

	enqueued atomic.Uint64
	dequeued atomic.Uint64
	expired  atomic.Uint64
	rejected atomic.Uint64
}

// QueueOption represents the options for the MessageQueue.
type QueueOption func(*MessageQueue)

// NewMessageQueue creates a queue bounded at maxSize items. Sizes below one
// fall back to 256.
func NewMessageQueue(maxSize int, options ...QueueOption) *MessageQueue {
	if maxSize < 1 {
		maxSize = 256
	}
	q := &MessageQueue{
		logger: slog.Default(),
		slots:  make(chan struct{}, maxSize),
		items:  make(chan struct{}, maxSize),
		closed: make(chan struct{}),
	}

	for _, opt := range options {
		opt(q)
	}

	return q
}

// WithQueueLogger sets the logger used by the queue.
func WithQueueLogger(logger *slog.Logger) QueueOption {
	return func(q *MessageQueue) {
		q.logger = logger
	}
}

// WithQueueRateLimit enforces a minimum spacing between successive
// dequeues. Zero or negative spacing disables the limit.
func WithQueueRateLimit(minSpacing time.Duration) QueueOption {
	return func(q *MessageQueue) {
		if minSpacing > 0 {
			q.limiter = rate.NewLimiter(rate.Every(minSpacing), 1)
		}
	}
}

// Enqueue adds a message, blocking while the queue is full until space
// frees, the context is done, or the queue closes.
func (q *MessageQueue) Enqueue(ctx context.Context, msg Message) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-q.closed:
		return ErrQueueClosed
	}

	q.push(msg)
	return nil
}

// TryEnqueue adds a message or fails immediately with ErrQueueFull when the
// bound is reached.
func (q *MessageQueue) TryEnqueue(msg Message) error {
	select {
	case <-q.closed:
		return ErrQueueClosed
	default:
	}

	select {
	case q.slots <- struct{}{}:
	default:
		q.rejected.Add(1)
		return ErrQueueFull
	}

	q.push(msg)
	return nil
}

// Dequeue returns the highest-priority message, blocking until one is
// available, the wait elapses (zero or negative wait means no limit), the
// context is done, or the queue closes empty. Items whose time-to-live has
// elapsed are dropped and the next item is fetched instead; an expired item
// is never handed back.
func (q *MessageQueue) Dequeue(ctx context.Context, wait time.Duration) (Message, bool) {
	if wait > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, wait)
		defer cancel()
	}

	if q.limiter != nil {
		if err := q.limiter.Wait(ctx); err != nil {
			return Message{}, false
		}
	}

	for {
		// An available item wins over the closed signal so Close drains
		// rather than discards.
		select {
		case <-q.items:
		default:
			select {
			case <-q.items:
			case <-ctx.Done():
				return Message{}, false
			case <-q.closed:
				select {
				case <-q.items:
				default:
					return Message{}, false
				}
			}
		}

		msg := q.pop()
		<-q.slots

		if msg.Expired(time.Now()) {
			q.expired.Add(1)
			q.logger.Debug("dropped expired message",
				slog.String("id", msg.ID),
				slog.String("method", msg.Method))
			if msg.done != nil {
				msg.done.fail(ErrMessageExpired)
			}
			continue
		}

		q.dequeued.Add(1)
		return msg, true
	}
}

// Close wakes every blocked caller. Remaining items can still be drained by
// Dequeue; new enqueues fail with ErrQueueClosed.
func (q *MessageQueue) Close() {
	q.once.Do(func() { close(q.closed) })
}

// Len returns the number of queued items.
func (q *MessageQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

// Stats returns a snapshot of queue counters.
func (q *MessageQueue) Stats() QueueStats {
	q.mu.Lock()
	size := q.heap.Len()
	q.mu.Unlock()

	return QueueStats{
		Size:     size,
		Capacity: cap(q.slots),
		Enqueued: q.enqueued.Load(),
		Dequeued: q.dequeued.Load(),
		Expired:  q.expired.Load(),
		Rejected: q.rejected.Load(),
	}
}

// push stamps the message and publishes its availability token. The caller
// has already acquired a slot.
func (q *MessageQueue) push(msg Message) {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.EnqueuedAt = time.Now()

	q.mu.Lock()
	q.seq++
	msg.seq = q.seq
	heap.Push(&q.heap, msg)
	q.mu.Unlock()

	q.enqueued.Add(1)
	// Every slot holder gets exactly one token, so this never blocks.
	q.items <- struct{}{}
}

func (q *MessageQueue) pop() Message {
	q.mu.Lock()
	defer q.mu.Unlock()
	return heap.Pop(&q.heap).(Message)
}

// messageHeap orders messages by (priority, enqueue time, sequence).
type messageHeap []Message

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	if !h[i].EnqueuedAt.Equal(h[j].EnqueuedAt) {
		return h[i].EnqueuedAt.Before(h[j].EnqueuedAt)
	}
	return h[i].seq < h[j].seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) {
	*h = append(*h, x.(Message))
}

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	msg := old[n-1]
	*h = old[:n-1]
	return msg
}
