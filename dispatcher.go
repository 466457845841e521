package mcpclient

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pending is the completion handle for one queued message. The dispatcher
// resolves it exactly once, with either the processing result or the error
// that exhausted the message's retry budget.
type Pending struct {
	id   string
	done chan struct{}
	once sync.Once

	result JSONRPCMessage
	err    error
}

func newPending(id string) *Pending {
	return &Pending{id: id, done: make(chan struct{})}
}

// ID returns the queued message's identifier.
func (p *Pending) ID() string { return p.id }

// Done returns a channel closed once the message has been resolved.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Wait blocks until the message resolves or the context is done.
func (p *Pending) Wait(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case <-p.done:
		return p.result, p.err
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	}
}

func (p *Pending) resolve(result JSONRPCMessage) {
	p.once.Do(func() {
		p.result = result
		close(p.done)
	})
}

func (p *Pending) fail(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// MessageHandler processes one dequeued message, typically by sending it over
// a transport. A returned error triggers re-enqueue while the message's retry
// budget remains.
type MessageHandler func(ctx context.Context, msg Message) (JSONRPCMessage, error)

// Dispatcher drains a MessageQueue with a fixed pool of workers. Each worker
// loops: dequeue with a short timeout, process under a shared concurrency
// semaphore, and on failure re-enqueue the message while its retry budget
// remains or fail its completion handle once spent. Workers never terminate
// on a processing failure; they log and continue until Stop.
//
// Instances should be created using NewDispatcher and released with Stop,
// which cancels every worker and waits for their orderly exit.
type Dispatcher struct {
	queue   *MessageQueue
	handler MessageHandler
	logger  *slog.Logger

	workers     int
	concurrency chan struct{}
	pollWait    time.Duration

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// DispatcherOption represents the options for the Dispatcher.
type DispatcherOption func(*Dispatcher)

// NewDispatcher creates a dispatcher over the given queue and handler.
func NewDispatcher(queue *MessageQueue, handler MessageHandler, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		queue:    queue,
		handler:  handler,
		logger:   slog.Default(),
		workers:  4,
		pollWait: 200 * time.Millisecond,
	}

	for _, opt := range options {
		opt(d)
	}

	if d.concurrency == nil {
		d.concurrency = make(chan struct{}, d.workers)
	}

	return d
}

// WithDispatcherLogger sets the logger used by the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherWorkers sets the fixed size of the worker pool. Values below
// one fall back to one.
func WithDispatcherWorkers(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.workers = n
		}
	}
}

// WithDispatcherConcurrency bounds the number of messages processed at once,
// independently of the worker count. By default concurrency equals the worker
// count.
func WithDispatcherConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = make(chan struct{}, n)
		}
	}
}

// Start launches the worker pool. It fails when the dispatcher is already
// running.
func (d *Dispatcher) Start() error {
	if d.handler == nil {
		return fmt.Errorf("dispatcher handler must not be nil")
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true

	ctx, cancel := context.WithCancel(context.Background())
	d.cancel = cancel

	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx, i)
	}
	return nil
}

// Stop cancels every worker and waits for them to exit. It is idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.started {
		d.mu.Unlock()
		return
	}
	d.started = false
	cancel := d.cancel
	d.mu.Unlock()

	cancel()
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context, id int) {
	defer d.wg.Done()

	logger := d.logger.With(slog.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}

		msg, ok := d.queue.Dequeue(ctx, d.pollWait)
		if !ok {
			continue
		}

		select {
		case d.concurrency <- struct{}{}:
		case <-ctx.Done():
			// Shutting down with a message in hand: put it back so a later
			// drain can still observe it.
			_ = d.queue.TryEnqueue(msg)
			return
		}
		d.process(ctx, logger, msg)
		<-d.concurrency
	}
}

// process runs the handler on one message and settles the outcome: resolve
// the completion handle on success, re-enqueue on failure while retries
// remain, fail the handle once the budget is spent.
func (d *Dispatcher) process(ctx context.Context, logger *slog.Logger, msg Message) {
	result, err := func() (result JSONRPCMessage, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("message handler panicked: %v", r)
			}
		}()
		return d.handler(ctx, msg)
	}()

	if err == nil {
		if msg.done != nil {
			msg.done.resolve(result)
		}
		return
	}

	if msg.Retries < msg.MaxRetries {
		msg.Retries++
		logger.Debug("re-enqueueing failed message",
			slog.String("id", msg.ID),
			slog.String("method", msg.Method),
			slog.Int("retries", msg.Retries),
			slog.String("err", err.Error()))
		if qErr := d.queue.TryEnqueue(msg); qErr == nil {
			return
		}
		// Queue full or closed; fall through and fail the handle.
	}

	logger.Warn("message failed",
		slog.String("id", msg.ID),
		slog.String("method", msg.Method),
		slog.Int("retries", msg.Retries),
		slog.String("err", err.Error()))
	if msg.done != nil {
		msg.done.fail(err)
	}
}
