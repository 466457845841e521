package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand/v2"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

// RetryPolicy controls the retrying transport decorator. The pre-jitter
// delay before retry attempt n is min(BaseDelay * 2^n, MaxDelay); uniform
// jitter of up to JitterFactor of that delay is added on top so concurrent
// clients do not retry in lockstep.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Values below one are treated as one.
	MaxAttempts int
	// BaseDelay is the backoff before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
	// JitterFactor is the fraction of the capped delay added as random
	// jitter, in [0, 1].
	JitterFactor float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		JitterFactor: 0.1,
	}
}

// Delay returns the pre-jitter backoff for the given zero-based attempt:
// min(BaseDelay * 2^attempt, MaxDelay).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if p.BaseDelay <= 0 {
		return 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if d >= float64(p.MaxDelay) {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// JitteredDelay returns Delay(attempt) plus uniform jitter drawn from
// [0, Delay(attempt)*JitterFactor).
func (p RetryPolicy) JitteredDelay(attempt int) time.Duration {
	d := p.Delay(attempt)
	if p.JitterFactor <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*p.JitterFactor*float64(d))
}

// HTTPTransport exchanges JSON-RPC messages with a server over HTTP POST
// requests. The response envelope travels on the HTTP response body, making
// this a pure request/response transport: Receive is not supported.
// Instances should be created using NewHTTPTransport.
type HTTPTransport struct {
	endpoint   string
	httpClient *http.Client
	headers    map[string]string
	logger     *slog.Logger

	requestTimeout time.Duration
	maxBodySize    int64

	closed atomic.Bool
}

// HTTPTransportOption represents the options for the HTTPTransport.
type HTTPTransportOption func(*HTTPTransport)

// NewHTTPTransport creates a transport that POSTs envelopes to the given
// endpoint. The optional httpClient parameter allows custom HTTP client
// configuration - if nil, the default HTTP client is used.
func NewHTTPTransport(endpoint string, httpClient *http.Client, options ...HTTPTransportOption) *HTTPTransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	t := &HTTPTransport{
		endpoint:       endpoint,
		httpClient:     cli,
		logger:         slog.Default(),
		requestTimeout: 30 * time.Second,
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// WithHTTPTransportHeaders sets opaque headers attached to every outbound
// HTTP request, typically for authentication.
func WithHTTPTransportHeaders(headers map[string]string) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.headers = headers
	}
}

// WithHTTPTransportLogger sets the logger used by the transport.
func WithHTTPTransportLogger(logger *slog.Logger) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.logger = logger
	}
}

// WithHTTPTransportRequestTimeout sets the deadline applied to Request calls
// whose context carries no deadline of its own. Zero disables the default.
func WithHTTPTransportRequestTimeout(d time.Duration) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.requestTimeout = d
	}
}

// WithHTTPTransportMaxBodySize sets the maximum size of a response body that
// will be read. If the body exceeds this limit the request fails.
func WithHTTPTransportMaxBodySize(size int64) HTTPTransportOption {
	return func(t *HTTPTransport) {
		t.maxBodySize = size
	}
}

// Endpoint returns the endpoint this transport targets.
func (t *HTTPTransport) Endpoint() string { return t.endpoint }

// Connect verifies the endpoint is reachable. Any HTTP response counts as
// reachable; JSON-RPC endpoints commonly reject non-POST methods, and that
// rejection still proves a server is listening.
func (t *HTTPTransport) Connect(ctx context.Context) error {
	if t.closed.Load() {
		return &TransportError{Endpoint: t.endpoint, Op: "connect", Err: net.ErrClosed}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, t.endpoint, nil)
	if err != nil {
		return &TransportError{Endpoint: t.endpoint, Op: "connect", Err: err}
	}
	t.applyHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: t.endpoint, Op: "connect", Err: err}
	}
	resp.Body.Close()
	return nil
}

// Send transmits a message without waiting for a reply. Any 2xx status is
// accepted; servers commonly answer notifications with 202.
func (t *HTTPTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	resp, err := t.post(ctx, "send", msg)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &TransportError{Endpoint: t.endpoint, Op: "send", StatusCode: resp.StatusCode}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Request transmits a request and decodes the response envelope from the
// HTTP response body. A context without a deadline gets the transport's
// default request timeout.
func (t *HTTPTransport) Request(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	if _, ok := ctx.Deadline(); !ok && t.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}

	resp, err := t.post(ctx, "request", msg)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return JSONRPCMessage{}, &TransportError{Endpoint: t.endpoint, Op: "request", StatusCode: resp.StatusCode}
	}

	var body io.Reader = resp.Body
	if t.maxBodySize > 0 {
		body = io.LimitReader(resp.Body, t.maxBodySize)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return JSONRPCMessage{}, &TransportError{Endpoint: t.endpoint, Op: "request", Err: err}
	}

	return DecodeMessage(data)
}

// Receive is not supported: responses arrive on the request exchange and
// this transport has no inbound stream.
func (t *HTTPTransport) Receive(_ context.Context) (JSONRPCMessage, error) {
	return JSONRPCMessage{}, ErrReceiveUnsupported
}

// Close marks the transport closed and releases idle connections.
func (t *HTTPTransport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	t.httpClient.CloseIdleConnections()
	return nil
}

func (t *HTTPTransport) post(ctx context.Context, op string, msg JSONRPCMessage) (*http.Response, error) {
	if t.closed.Load() {
		return nil, &TransportError{Endpoint: t.endpoint, Op: op, Err: net.ErrClosed}
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(msgBs))
	if err != nil {
		return nil, &TransportError{Endpoint: t.endpoint, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	t.applyHeaders(req)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Endpoint: t.endpoint, Op: op, Err: err}
	}
	return resp, nil
}

func (t *HTTPTransport) applyHeaders(req *http.Request) {
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}
}

// retryTransport decorates another transport so Request is attempted up to
// the policy's ceiling with backoff between attempts. Connect, Send, and
// Receive pass through undecorated.
type retryTransport struct {
	next   Transport
	policy RetryPolicy
	logger *slog.Logger
}

// RetryTransportOption represents the options for the retrying transport.
type RetryTransportOption func(*retryTransport)

// NewRetryTransport wraps next so transport-level Request failures are
// retried with exponential backoff and jitter. Protocol errors and context
// cancellation are returned immediately. When attempts are exhausted the
// last observed error is returned wrapped in a RetryExhaustedError, never a
// generic timeout.
func NewRetryTransport(next Transport, policy RetryPolicy, options ...RetryTransportOption) Transport {
	t := &retryTransport{
		next:   next,
		policy: policy,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(t)
	}
	return t
}

// WithRetryTransportLogger sets the logger used for retry attempts.
func WithRetryTransportLogger(logger *slog.Logger) RetryTransportOption {
	return func(t *retryTransport) {
		t.logger = logger
	}
}

func (t *retryTransport) Connect(ctx context.Context) error { return t.next.Connect(ctx) }

func (t *retryTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	return t.next.Send(ctx, msg)
}

func (t *retryTransport) Receive(ctx context.Context) (JSONRPCMessage, error) {
	return t.next.Receive(ctx)
}

func (t *retryTransport) Close() error { return t.next.Close() }

func (t *retryTransport) Request(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	maxAttempts := t.policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	start := time.Now()
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := t.policy.JitteredDelay(attempt - 1)
			t.logger.Debug("retrying request",
				slog.String("method", msg.Method),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay))
			select {
			case <-ctx.Done():
				return JSONRPCMessage{}, ctx.Err()
			case <-time.After(delay):
			}
		}

		resp, err := t.next.Request(ctx, msg)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if !isRetryableTransport(err) {
			return JSONRPCMessage{}, err
		}
		if ctx.Err() != nil {
			// The caller's deadline fired; surface what actually failed.
			return JSONRPCMessage{}, lastErr
		}
	}

	return JSONRPCMessage{}, &RetryExhaustedError{
		Attempts: maxAttempts,
		Elapsed:  time.Since(start),
		Err:      lastErr,
	}
}

// isRetryableTransport reports whether err is worth another attempt. Only
// transport-level failures qualify; an answer from the server, even an
// error answer, does not.
func isRetryableTransport(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}

	var te *TransportError
	if !errors.As(err, &te) {
		return false
	}
	if te.StatusCode != 0 {
		switch te.StatusCode {
		case http.StatusTooManyRequests,
			http.StatusBadGateway,
			http.StatusServiceUnavailable,
			http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	return true
}

// TransportFactory builds the transport for a distinct endpoint. The pool
// calls it at most once per endpoint.
type TransportFactory func(endpoint string) (Transport, error)

// TransportPool lazily creates and memoizes one transport per distinct
// endpoint. It is safe for concurrent use. Instances should be created
// using NewTransportPool.
type TransportPool struct {
	mu         sync.Mutex
	factory    TransportFactory
	transports map[string]Transport
}

// NewTransportPool creates a pool backed by the given factory.
func NewTransportPool(factory TransportFactory) *TransportPool {
	return &TransportPool{
		factory:    factory,
		transports: make(map[string]Transport),
	}
}

// Get returns the transport for endpoint, creating it on first use.
func (p *TransportPool) Get(endpoint string) (Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.transports[endpoint]; ok {
		return t, nil
	}
	t, err := p.factory(endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport for %s: %w", endpoint, err)
	}
	p.transports[endpoint] = t
	return t, nil
}

// Drop closes and forgets the transport for endpoint, if any.
func (p *TransportPool) Drop(endpoint string) error {
	p.mu.Lock()
	t, ok := p.transports[endpoint]
	delete(p.transports, endpoint)
	p.mu.Unlock()

	if !ok {
		return nil
	}
	return t.Close()
}

// CloseAll closes every pooled transport and empties the pool.
func (p *TransportPool) CloseAll() error {
	p.mu.Lock()
	transports := p.transports
	p.transports = make(map[string]Transport)
	p.mu.Unlock()

	var errs []error
	for endpoint, t := range transports {
		if err := t.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport %s: %w", endpoint, err))
		}
	}
	return errors.Join(errs...)
}

// Size returns the number of pooled transports.
func (p *TransportPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.transports)
}

// inflight pairs pending request IDs with the channel their response is
// delivered on. Stream transports use it to correlate responses read off
// the inbound stream with blocked Request calls.
type inflight struct {
	mu      sync.Mutex
	pending map[MustString]chan JSONRPCMessage
	failed  bool
}

func newInflight() *inflight {
	return &inflight{pending: make(map[MustString]chan JSONRPCMessage)}
}

// register allocates the response channel for id. It returns nil if the
// stream has already failed.
func (f *inflight) register(id MustString) chan JSONRPCMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed {
		return nil
	}
	ch := make(chan JSONRPCMessage, 1)
	f.pending[id] = ch
	return ch
}

// resolve delivers a response to its registered waiter. It reports whether
// the message correlated to a pending request.
func (f *inflight) resolve(msg JSONRPCMessage) bool {
	f.mu.Lock()
	ch, ok := f.pending[msg.ID]
	if ok {
		delete(f.pending, msg.ID)
	}
	f.mu.Unlock()

	if !ok {
		return false
	}
	ch <- msg
	return true
}

// drop abandons a pending request, typically because its context expired.
func (f *inflight) drop(id MustString) {
	f.mu.Lock()
	delete(f.pending, id)
	f.mu.Unlock()
}

// failAll closes every pending channel so blocked Request calls observe the
// stream failure, and refuses further registrations.
func (f *inflight) failAll() {
	f.mu.Lock()
	pending := f.pending
	f.pending = make(map[MustString]chan JSONRPCMessage)
	f.failed = true
	f.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}
