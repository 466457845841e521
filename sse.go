package mcpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

// SSETransport implements the Transport interface over a Server-Sent Events
// stream paired with HTTP POST. The server streams events on a long-lived
// GET connection: first an "endpoint" event advertising the URL that outbound
// messages must be POSTed to, then "message" events carrying response and
// notification envelopes. Responses are correlated to blocked Request calls
// by envelope ID; everything else is exposed through Receive and Messages.
//
// Instances should be created using NewSSETransport.
type SSETransport struct {
	httpClient *http.Client
	connectURL string
	headers    map[string]string
	logger     *slog.Logger

	maxPayloadSize int
	requestTimeout time.Duration

	calls         *inflight
	notifications chan JSONRPCMessage

	mu         sync.Mutex
	messageURL string
	started    bool
	cancel     context.CancelFunc
	readerDone chan struct{}
}

// SSETransportOption represents the options for the SSETransport.
type SSETransportOption func(*SSETransport)

// NewSSETransport creates a transport that connects to the given SSE stream
// URL. The optional httpClient parameter allows custom HTTP client
// configuration - if nil, the default HTTP client is used. The transport is
// inert until Connect establishes the stream.
func NewSSETransport(connectURL string, httpClient *http.Client, options ...SSETransportOption) *SSETransport {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	t := &SSETransport{
		httpClient:     cli,
		connectURL:     connectURL,
		logger:         slog.Default(),
		requestTimeout: 30 * time.Second,
		calls:          newInflight(),
		notifications:  make(chan JSONRPCMessage, 16),
		readerDone:     make(chan struct{}),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// WithSSETransportHeaders sets opaque headers attached to both the stream
// request and every outbound POST, typically for authentication.
func WithSSETransportHeaders(headers map[string]string) SSETransportOption {
	return func(t *SSETransport) {
		t.headers = headers
	}
}

// WithSSETransportLogger sets the logger used by the transport.
func WithSSETransportLogger(logger *slog.Logger) SSETransportOption {
	return func(t *SSETransport) {
		t.logger = logger
	}
}

// WithSSETransportMaxPayloadSize sets the maximum size of an event payload
// that can be received from the server. If the payload size exceeds this
// limit the stream is terminated.
func WithSSETransportMaxPayloadSize(size int) SSETransportOption {
	return func(t *SSETransport) {
		t.maxPayloadSize = size
	}
}

// WithSSETransportRequestTimeout sets the deadline applied to Request calls
// whose context carries no deadline of its own. Zero disables the default.
func WithSSETransportRequestTimeout(d time.Duration) SSETransportOption {
	return func(t *SSETransport) {
		t.requestTimeout = d
	}
}

// Endpoint returns the stream URL this transport connects to.
func (t *SSETransport) Endpoint() string { return t.connectURL }

// MessageURL returns the POST endpoint advertised by the server, empty until
// Connect has completed.
func (t *SSETransport) MessageURL() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageURL
}

// Connect establishes the SSE stream and blocks until the server has
// advertised its message endpoint, the context is done, or the stream fails.
// The stream itself outlives the context: it stays open until Close.
func (t *SSETransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return nil
	}
	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t.started = true
	t.cancel = cancel
	t.mu.Unlock()

	ready := make(chan error, 1)
	go t.run(streamCtx, ready)

	select {
	case err, ok := <-ready:
		if !ok {
			return nil
		}
		cancel()
		<-t.readerDone
		return &TransportError{Endpoint: t.connectURL, Op: "connect", Err: err}
	case <-ctx.Done():
		cancel()
		<-t.readerDone
		return &TransportError{Endpoint: t.connectURL, Op: "connect", Err: ctx.Err()}
	}
}

// run owns the stream: it dials, waits for the endpoint event, then routes
// message events until the stream ends. The ready channel is closed once the
// endpoint is known, or fed the failure that prevented it.
func (t *SSETransport) run(ctx context.Context, ready chan<- error) {
	defer close(t.readerDone)
	defer t.calls.failAll()
	defer close(t.notifications)

	endpointSeen := false
	fail := func(err error) {
		if !endpointSeen {
			ready <- err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.connectURL, nil)
	if err != nil {
		fail(fmt.Errorf("failed to create request: %w", err))
		return
	}
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		fail(fmt.Errorf("failed to connect to SSE server: %w", err))
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fail(fmt.Errorf("unexpected status code: %d", resp.StatusCode))
		return
	}

	var config *sse.ReadConfig
	if t.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: t.maxPayloadSize,
		}
	}

	base, err := url.Parse(t.connectURL)
	if err != nil {
		fail(fmt.Errorf("failed to parse connect URL: %w", err))
		return
	}

	for ev, err := range sse.Read(resp.Body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				t.logger.Error("failed to read SSE message", "err", err)
			}
			fail(err)
			return
		}

		switch ev.Type {
		case "endpoint":
			// Validate and parse the endpoint URL to ensure correct message
			// routing. Servers may advertise a relative path, so resolve it
			// against the stream URL.
			u, err := url.Parse(ev.Data)
			if err != nil {
				fail(fmt.Errorf("parse endpoint URL: %w", err))
				return
			}
			resolved := base.ResolveReference(u).String()
			if resolved == "" {
				fail(errors.New("empty endpoint URL"))
				return
			}

			t.mu.Lock()
			t.messageURL = resolved
			t.mu.Unlock()

			if !endpointSeen {
				endpointSeen = true
				close(ready)
			}
		case "message":
			// Require an endpoint URL before processing any messages, so no
			// message is handled on a half-established connection.
			if !endpointSeen {
				t.logger.Error("received message before endpoint URL")
				continue
			}

			msg, err := DecodeMessage([]byte(ev.Data))
			if err != nil {
				t.logger.Error("failed to decode message", "err", err)
				continue
			}

			if msg.Kind() == KindResponse && t.calls.resolve(msg) {
				continue
			}

			select {
			case t.notifications <- msg:
			case <-ctx.Done():
				return
			}
		default:
			t.logger.Error("unhandled event type", "type", ev.Type)
		}
	}

	fail(errors.New("stream closed before endpoint event"))
}

// Send transmits a message to the server's advertised endpoint through an
// HTTP POST request. Any 2xx status is accepted; stream servers typically
// answer with 202 and deliver results over the stream.
func (t *SSETransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	t.mu.Lock()
	messageURL := t.messageURL
	t.mu.Unlock()
	if messageURL == "" {
		return &TransportError{Endpoint: t.connectURL, Op: "send", Err: errors.New("transport not connected")}
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, messageURL, bytes.NewReader(msgBs))
	if err != nil {
		return &TransportError{Endpoint: t.connectURL, Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &TransportError{Endpoint: t.connectURL, Op: "send", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return &TransportError{Endpoint: t.connectURL, Op: "send", StatusCode: resp.StatusCode}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Request transmits a request and blocks until its response arrives on the
// stream. A context without a deadline gets the transport's default request
// timeout.
func (t *SSETransport) Request(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	if msg.ID == "" {
		return JSONRPCMessage{}, fmt.Errorf("request requires an id")
	}

	if _, ok := ctx.Deadline(); !ok && t.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.requestTimeout)
		defer cancel()
	}

	ch := t.calls.register(msg.ID)
	if ch == nil {
		return JSONRPCMessage{}, &TransportError{Endpoint: t.connectURL, Op: "request", Err: errors.New("stream closed")}
	}

	if err := t.Send(ctx, msg); err != nil {
		t.calls.drop(msg.ID)
		return JSONRPCMessage{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return JSONRPCMessage{}, &TransportError{Endpoint: t.connectURL, Op: "request", Err: errors.New("stream closed")}
		}
		return resp, nil
	case <-ctx.Done():
		t.calls.drop(msg.ID)
		return JSONRPCMessage{}, &TransportError{Endpoint: t.connectURL, Op: "request", Err: ctx.Err()}
	}
}

// Receive blocks until a server-initiated message arrives on the stream.
func (t *SSETransport) Receive(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case msg, ok := <-t.notifications:
		if !ok {
			return JSONRPCMessage{}, &TransportError{Endpoint: t.connectURL, Op: "receive", Err: errors.New("stream closed")}
		}
		return msg, nil
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	}
}

// Messages returns an iterator over server-initiated messages. The iteration
// ends when the context is canceled or the stream closes.
func (t *SSETransport) Messages(ctx context.Context) iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case msg, ok := <-t.notifications:
				if !ok {
					return
				}
				if !yield(msg) {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}

// Close terminates the stream and fails all pending requests. It is
// idempotent and safe to call on a transport that never connected.
func (t *SSETransport) Close() error {
	t.mu.Lock()
	cancel := t.cancel
	started := t.started
	t.cancel = nil
	t.mu.Unlock()

	if !started || cancel == nil {
		return nil
	}
	cancel()
	<-t.readerDone
	return nil
}
