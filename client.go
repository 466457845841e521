package mcpclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ClientOption is a function that configures a client.
type ClientOption func(*Client)

// Client is the runtime facade over many independent server connections. It
// owns one session manager, one connection manager, one tool registry, one
// resource registry, one message queue with its dispatcher, and one transport
// per connected server, and orchestrates them so callers see a simple
// call-a-tool / read-a-resource surface.
//
// A Client must be created using NewClient. Start launches the background
// machinery (heartbeats, dispatcher workers); Stop tears everything down and
// waits for every owned goroutine to exit.
type Client struct {
	info         Info
	capabilities ClientCapabilities
	logger       *slog.Logger

	sessions    *SessionManager
	connections *ConnectionManager
	tools       *ToolRegistry
	resources   *ResourceRegistry
	queue       *MessageQueue
	dispatcher  *Dispatcher

	httpClient       *http.Client
	retryPolicy      RetryPolicy
	requestTimeout   time.Duration
	resourceCacheTTL time.Duration

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	breakerCfg        BreakerConfig
	queueMaxSize      int
	queueRateLimit    time.Duration
	dispatcherWorkers int

	transportFactory func(server, endpoint string) (Transport, error)
	serverHeaders    map[string]map[string]string

	promptListWatcher         PromptListWatcher
	resourceListWatcher       ResourceListWatcher
	resourceSubscribedWatcher ResourceSubscribedWatcher
	toolListWatcher           ToolListWatcher
	progressListener          ProgressListener
	logReceiver               LogReceiver

	mu         sync.Mutex
	transports map[string]Transport
	endpoints  map[string]string
	subscribed map[string]struct{}
	routers    map[string]context.CancelFunc
	started    bool
	closed     bool
	wg         sync.WaitGroup
}

// WithClientLogger sets the logger used by the client and every component it
// constructs.
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithClientInfo sets the client name and version sent during the handshake.
func WithClientInfo(info Info) ClientOption {
	return func(c *Client) {
		c.info = info
	}
}

// WithClientCapabilities sets the capability flags sent during the handshake.
func WithClientCapabilities(caps ClientCapabilities) ClientOption {
	return func(c *Client) {
		c.capabilities = caps
	}
}

// WithClientHTTPClient sets the HTTP client used to build transports.
func WithClientHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithClientHeartbeat sets the heartbeat cadence and per-probe deadline.
func WithClientHeartbeat(interval, timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.heartbeatInterval = interval
		c.heartbeatTimeout = timeout
	}
}

// WithClientBreakerConfig sets the circuit breaker thresholds applied to
// every connection.
func WithClientBreakerConfig(cfg BreakerConfig) ClientOption {
	return func(c *Client) {
		c.breakerCfg = cfg
	}
}

// WithClientRetryPolicy sets the retry policy wrapped around every transport.
func WithClientRetryPolicy(policy RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retryPolicy = policy
	}
}

// WithClientQueue sets the message queue bound and the minimum spacing
// between successive dequeues. Zero spacing disables rate limiting.
func WithClientQueue(maxSize int, rateLimit time.Duration) ClientOption {
	return func(c *Client) {
		c.queueMaxSize = maxSize
		c.queueRateLimit = rateLimit
	}
}

// WithClientResourceCacheTTL sets the default TTL for cached resource reads.
func WithClientResourceCacheTTL(ttl time.Duration) ClientOption {
	return func(c *Client) {
		c.resourceCacheTTL = ttl
	}
}

// WithClientDispatcherWorkers sets the dispatcher's worker pool size.
func WithClientDispatcherWorkers(n int) ClientOption {
	return func(c *Client) {
		c.dispatcherWorkers = n
	}
}

// WithClientRequestTimeout sets the default deadline applied to requests
// whose context carries none.
func WithClientRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.requestTimeout = d
	}
}

// WithClientServerHeaders sets opaque headers attached to every request to
// one server, typically for authentication.
func WithClientServerHeaders(server string, headers map[string]string) ClientOption {
	return func(c *Client) {
		c.serverHeaders[server] = headers
	}
}

// WithClientTransportFactory overrides how transports are built, one per
// (server, endpoint). The client wraps the produced transport with its retry
// decorator.
func WithClientTransportFactory(factory func(server, endpoint string) (Transport, error)) ClientOption {
	return func(c *Client) {
		c.transportFactory = factory
	}
}

// WithClientPromptListWatcher sets the prompt list watcher for the client.
func WithClientPromptListWatcher(watcher PromptListWatcher) ClientOption {
	return func(c *Client) {
		c.promptListWatcher = watcher
	}
}

// WithClientResourceListWatcher sets the resource list watcher for the client.
func WithClientResourceListWatcher(watcher ResourceListWatcher) ClientOption {
	return func(c *Client) {
		c.resourceListWatcher = watcher
	}
}

// WithClientResourceSubscribedWatcher sets the resource subscribe watcher for
// the client.
func WithClientResourceSubscribedWatcher(watcher ResourceSubscribedWatcher) ClientOption {
	return func(c *Client) {
		c.resourceSubscribedWatcher = watcher
	}
}

// WithClientToolListWatcher sets the tool list watcher for the client.
func WithClientToolListWatcher(watcher ToolListWatcher) ClientOption {
	return func(c *Client) {
		c.toolListWatcher = watcher
	}
}

// WithClientProgressListener sets the progress listener for the client.
func WithClientProgressListener(listener ProgressListener) ClientOption {
	return func(c *Client) {
		c.progressListener = listener
	}
}

// WithClientLogReceiver sets the receiver for server-emitted log messages.
// Without one, server logs are forwarded to the client's own logger.
func WithClientLogReceiver(receiver LogReceiver) ClientOption {
	return func(c *Client) {
		c.logReceiver = receiver
	}
}

// NewClient creates a client with no connections. Connect establishes
// sessions one server at a time; Start launches heartbeats and the
// dispatcher.
func NewClient(options ...ClientOption) *Client {
	c := &Client{
		info:              Info{Name: "mcpclient", Version: "0.1.0"},
		logger:            slog.Default(),
		httpClient:        http.DefaultClient,
		retryPolicy:       DefaultRetryPolicy(),
		requestTimeout:    30 * time.Second,
		resourceCacheTTL:  5 * time.Minute,
		heartbeatInterval: 30 * time.Second,
		heartbeatTimeout:  10 * time.Second,
		breakerCfg:        DefaultBreakerConfig(),
		queueMaxSize:      256,
		dispatcherWorkers: 4,
		serverHeaders:     make(map[string]map[string]string),
		transports:        make(map[string]Transport),
		endpoints:         make(map[string]string),
		subscribed:        make(map[string]struct{}),
		routers:           make(map[string]context.CancelFunc),
	}

	for _, opt := range options {
		opt(c)
	}

	logger := c.logger

	c.sessions = NewSessionManager(WithSessionManagerLogger(logger))
	c.connections = NewConnectionManager(
		WithConnectionManagerLogger(logger),
		WithConnectionManagerBreakerConfig(c.breakerCfg),
		WithConnectionManagerHeartbeat(c.heartbeatInterval, c.heartbeatTimeout),
	)
	c.tools = NewToolRegistry(c.CallTool, WithToolRegistryLogger(logger))
	c.resources = NewResourceRegistry(
		WithResourceRegistryLogger(logger),
		WithResourceRegistryDefaultTTL(c.resourceCacheTTL),
	)

	queueOpts := []QueueOption{WithQueueLogger(logger)}
	if c.queueRateLimit > 0 {
		queueOpts = append(queueOpts, WithQueueRateLimit(c.queueRateLimit))
	}
	c.queue = NewMessageQueue(c.queueMaxSize, queueOpts...)
	c.dispatcher = NewDispatcher(c.queue, c.handleQueued,
		WithDispatcherLogger(logger),
		WithDispatcherWorkers(c.dispatcherWorkers))

	if c.transportFactory == nil {
		c.transportFactory = c.defaultTransportFactory
	}

	return c
}

// defaultTransportFactory builds an HTTP transport carrying the server's
// configured headers.
func (c *Client) defaultTransportFactory(server, endpoint string) (Transport, error) {
	opts := []HTTPTransportOption{
		WithHTTPTransportLogger(c.logger),
		WithHTTPTransportRequestTimeout(c.requestTimeout),
	}
	if headers := c.serverHeaders[server]; len(headers) > 0 {
		opts = append(opts, WithHTTPTransportHeaders(headers))
	}
	return NewHTTPTransport(endpoint, c.httpClient, opts...), nil
}

// Start launches the background machinery: per-server heartbeat loops probing
// with protocol pings, and the dispatcher's worker pool. It fails on a
// stopped client.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.started {
		c.mu.Unlock()
		return fmt.Errorf("client already started")
	}
	c.started = true
	c.mu.Unlock()

	if err := c.connections.Start(c.heartbeatProbe); err != nil {
		return err
	}
	return c.dispatcher.Start()
}

// Stop tears the whole runtime down: dispatcher workers, heartbeat loops,
// every connection, and the queue. It is idempotent and waits until no owned
// goroutine survives.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	started := c.started
	c.mu.Unlock()

	if started {
		c.dispatcher.Stop()
		c.connections.Stop()
	}
	c.queue.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := c.DisconnectAll(ctx)

	c.wg.Wait()
	return err
}

// heartbeatProbe is the health probe wired into the connection manager: a
// protocol ping on the server's transport.
func (c *Client) heartbeatProbe(ctx context.Context, server string) error {
	return c.Ping(ctx, server)
}

// Connect establishes a session with the named server: create session, track
// the connection, open the transport, drive the handshake, register what was
// discovered, and mark the connection healthy. Any step failing unwinds the
// partial state and returns a ConnectionError; nothing partially discovered
// stays registered.
func (c *Client) Connect(ctx context.Context, server, endpoint string) (*Session, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	c.mu.Unlock()

	sess, err := c.sessions.CreateSession(server)
	if err != nil {
		return nil, &ConnectionError{Server: server, Stage: "session", Err: err}
	}
	if err := c.connections.AddConnection(server, endpoint); err != nil {
		_ = c.sessions.RemoveSession(server)
		return nil, &ConnectionError{Server: server, Stage: "session", Err: err}
	}

	fail := func(stage string, cause error) (*Session, error) {
		_ = sess.Transition(SessionError)
		c.teardown(server)
		return nil, &ConnectionError{Server: server, Stage: stage, Err: cause}
	}

	_ = sess.Transition(SessionConnecting)

	transport, err := c.openTransport(ctx, server, endpoint)
	if err != nil {
		return fail("dial", err)
	}
	_ = sess.Transition(SessionConnected)
	_ = sess.Transition(SessionInitializing)

	if err := c.initialize(ctx, transport, sess); err != nil {
		return fail("initialize", err)
	}

	tools, err := c.discoverTools(ctx, server)
	if err != nil {
		return fail("discover-tools", err)
	}
	resources, err := c.discoverResources(ctx, server)
	if err != nil {
		return fail("discover-resources", err)
	}
	var prompts []Prompt
	if sess.Capabilities().Prompts != nil {
		prompts, err = c.discoverPrompts(ctx, server)
		if err != nil {
			return fail("discover-prompts", err)
		}
	}
	sess.SetDiscovered(tools, resources, prompts)

	notif, err := NewNotification(methodNotificationsInitialized, nil)
	if err != nil {
		return fail("notify-initialized", err)
	}
	if err := transport.Send(ctx, notif); err != nil {
		return fail("notify-initialized", err)
	}

	// Registration happens only now, after the whole handshake succeeded, so
	// a concurrent lookup never resolves a server that then fails to connect.
	if err := c.tools.RegisterServerTools(server, tools); err != nil {
		return fail("register", err)
	}
	if err := c.resources.RegisterServerResources(server, resources); err != nil {
		c.tools.UnregisterServer(server)
		return fail("register", err)
	}

	_ = sess.Transition(SessionReady)
	_ = c.connections.MarkConnected(server)

	c.startNotificationRouter(server, transport)

	c.logger.Info("connected to server",
		slog.String("server", server),
		slog.String("endpoint", endpoint),
		slog.Int("tools", len(tools)),
		slog.Int("resources", len(resources)))
	return sess, nil
}

// openTransport builds, connects, and wraps the transport for one server.
func (c *Client) openTransport(ctx context.Context, server, endpoint string) (Transport, error) {
	base, err := c.transportFactory(server, endpoint)
	if err != nil {
		return nil, err
	}
	if err := base.Connect(ctx); err != nil {
		_ = base.Close()
		return nil, err
	}
	transport := NewRetryTransport(base, c.retryPolicy, WithRetryTransportLogger(c.logger))

	c.mu.Lock()
	c.transports[server] = transport
	c.endpoints[server] = endpoint
	c.mu.Unlock()
	return transport, nil
}

// initialize runs the initialize exchange and stores the negotiation outcome
// on the session.
func (c *Client) initialize(ctx context.Context, transport Transport, sess *Session) error {
	params := initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    c.capabilities,
		ClientInfo:      c.info,
	}
	req, err := NewRequest(MustString(uuid.New().String()), methodInitialize, params)
	if err != nil {
		return err
	}

	resp, err := transport.Request(ctx, req)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return &ProtocolError{Method: methodInitialize, RPCErr: resp.Error}
	}

	var result initializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return fmt.Errorf("unmarshal initialize result: %w", err)
	}
	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("unsupported protocol version %q", result.ProtocolVersion)
	}

	sess.SetNegotiated(result.ProtocolVersion, result.Capabilities, result.ServerInfo)
	return nil
}

// discoverTools pages through tools/list until the cursor is exhausted.
func (c *Client) discoverTools(ctx context.Context, server string) ([]Tool, error) {
	var tools []Tool
	cursor := ""
	for {
		var result ListToolsResult
		if err := c.request(ctx, server, MethodToolsList, ListToolsParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		tools = append(tools, result.Tools...)
		if result.NextCursor == "" {
			return tools, nil
		}
		cursor = result.NextCursor
	}
}

// discoverResources pages through resources/list until the cursor is exhausted.
func (c *Client) discoverResources(ctx context.Context, server string) ([]Resource, error) {
	var resources []Resource
	cursor := ""
	for {
		var result ListResourcesResult
		if err := c.request(ctx, server, MethodResourcesList, ListResourcesParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		resources = append(resources, result.Resources...)
		if result.NextCursor == "" {
			return resources, nil
		}
		cursor = result.NextCursor
	}
}

// discoverPrompts pages through prompts/list until the cursor is exhausted.
func (c *Client) discoverPrompts(ctx context.Context, server string) ([]Prompt, error) {
	var prompts []Prompt
	cursor := ""
	for {
		var result ListPromptsResult
		if err := c.request(ctx, server, MethodPromptsList, ListPromptsParams{Cursor: cursor}, &result); err != nil {
			return nil, err
		}
		prompts = append(prompts, result.Prompts...)
		if result.NextCursor == "" {
			return prompts, nil
		}
		cursor = result.NextCursor
	}
}

// Disconnect tears down one server in an order that guarantees a half-gone
// server is never resolvable: stop its notification router, close its
// transport, unregister its tools and resources, then drop session and
// connection tracking.
func (c *Client) Disconnect(_ context.Context, server string) error {
	sess, err := c.sessions.GetSession(server)
	if err != nil {
		return err
	}
	_ = sess.Transition(SessionClosing)

	c.teardown(server)

	c.logger.Info("disconnected from server", slog.String("server", server))
	return nil
}

// teardown removes every trace of one server. Safe to call on a partially
// connected server during Connect unwinding.
func (c *Client) teardown(server string) {
	c.mu.Lock()
	transport := c.transports[server]
	cancelRouter := c.routers[server]
	delete(c.transports, server)
	delete(c.endpoints, server)
	delete(c.routers, server)
	for uri := range c.subscribed {
		if owner, err := c.resources.ResolveServer(uri); err == nil && owner == server {
			delete(c.subscribed, uri)
		}
	}
	c.mu.Unlock()

	if cancelRouter != nil {
		cancelRouter()
	}
	if transport != nil {
		_ = transport.Close()
	}

	c.tools.UnregisterServer(server)
	c.resources.UnregisterServer(server)
	_ = c.sessions.RemoveSession(server)
	_ = c.connections.RemoveConnection(server)
}

// DisconnectAll disconnects every connected server, joining any errors.
func (c *Client) DisconnectAll(ctx context.Context) error {
	var errs []error
	for _, sess := range c.sessions.Sessions() {
		if err := c.Disconnect(ctx, sess.ServerName()); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", sess.ServerName(), err))
		}
	}
	return errors.Join(errs...)
}

// CallTool invokes a tool on a specific server: gate through the circuit
// breaker, send tools/call, and record the outcome against the connection.
// The caller receives either a CallToolResult or exactly one typed error; a
// timeout is never reported as success.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (CallToolResult, error) {
	if err := c.connections.CanProceed(server); err != nil {
		return CallToolResult{}, err
	}

	rawArgs, err := json.Marshal(args)
	if err != nil {
		return CallToolResult{}, fmt.Errorf("marshal tool arguments: %w", err)
	}
	params := CallToolParams{Name: tool, Arguments: rawArgs}
	if c.progressListener != nil {
		params.Meta = &ParamsMeta{ProgressToken: MustString(uuid.New().String())}
	}

	var result CallToolResult
	if err := c.request(ctx, server, MethodToolsCall, params, &result); err != nil {
		c.connections.RecordFailure(server, err)
		return CallToolResult{}, err
	}

	c.connections.RecordSuccess(server)
	if sess, err := c.sessions.GetSession(server); err == nil {
		sess.RecordActivity()
	}
	return result, nil
}

// ExecuteTool invokes a tool by bare or namespaced name, resolving the owning
// server through the registry. Ambiguous bare names fail; they are never
// resolved by arbitrary precedence.
func (c *Client) ExecuteTool(ctx context.Context, name string, args map[string]any) (CallToolResult, error) {
	return c.tools.Execute(ctx, name, args)
}

// SubmitCall enqueues a tool call for asynchronous dispatch and returns its
// completion handle. The dispatcher retries a failing call until the retry
// budget is spent, then fails the handle.
func (c *Client) SubmitCall(server, tool string, args map[string]any, priority Priority, ttl time.Duration, maxRetries int) (*Pending, error) {
	rawArgs, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("marshal tool arguments: %w", err)
	}
	payload, err := json.Marshal(CallToolParams{Name: tool, Arguments: rawArgs})
	if err != nil {
		return nil, fmt.Errorf("marshal call params: %w", err)
	}

	id := uuid.New().String()
	pending := newPending(id)
	msg := Message{
		ID:         id,
		Priority:   priority,
		Server:     server,
		Method:     MethodToolsCall,
		Payload:    payload,
		MaxRetries: maxRetries,
		TTL:        ttl,
		done:       pending,
	}
	if err := c.queue.TryEnqueue(msg); err != nil {
		return nil, err
	}
	return pending, nil
}

// handleQueued is the dispatcher's handler: it replays a queued payload as a
// gated request against its target server.
func (c *Client) handleQueued(ctx context.Context, msg Message) (JSONRPCMessage, error) {
	if err := c.connections.CanProceed(msg.Server); err != nil {
		return JSONRPCMessage{}, err
	}

	transport, err := c.transport(msg.Server)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	req := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      MustString(uuid.New().String()),
		Method:  msg.Method,
		Params:  msg.Payload,
	}
	resp, err := transport.Request(ctx, req)
	if err != nil {
		c.connections.RecordFailure(msg.Server, err)
		return JSONRPCMessage{}, err
	}
	if resp.Error != nil {
		c.connections.RecordFailure(msg.Server, resp.Error)
		return JSONRPCMessage{}, &ProtocolError{Method: msg.Method, RPCErr: resp.Error}
	}

	c.connections.RecordSuccess(msg.Server)
	return resp, nil
}

// ReadResource reads a URI-addressed piece of remote data. With useCache, a
// fresh cache entry is returned without any network attempt; a miss or
// expired entry falls through to a real read that repopulates the cache.
func (c *Client) ReadResource(ctx context.Context, uri string, useCache bool) ([]byte, string, error) {
	if useCache {
		if entry, ok := c.resources.GetCached(uri); ok {
			return entry.Data, entry.MimeType, nil
		}
	}

	server, err := c.resources.ResolveServer(uri)
	if err != nil {
		return nil, "", err
	}

	if err := c.connections.CanProceed(server); err != nil {
		return nil, "", err
	}

	var result ReadResourceResult
	if err := c.request(ctx, server, MethodResourcesRead, ReadResourceParams{URI: uri}, &result); err != nil {
		c.connections.RecordFailure(server, err)
		return nil, "", err
	}
	c.connections.RecordSuccess(server)

	data, mimeType := flattenContents(result.Contents)
	c.resources.SetCached(uri, data, mimeType, c.resourceCacheTTL)
	return data, mimeType, nil
}

// flattenContents merges a read result's contents into one byte payload.
// Single-content results, by far the common case, pass through untouched.
func flattenContents(contents []ResourceContents) ([]byte, string) {
	switch len(contents) {
	case 0:
		return nil, ""
	case 1:
		return contentBytes(contents[0]), contents[0].MimeType
	default:
		var merged []byte
		for _, content := range contents {
			merged = append(merged, contentBytes(content)...)
		}
		return merged, contents[0].MimeType
	}
}

func contentBytes(content ResourceContents) []byte {
	if content.Text != "" {
		return []byte(content.Text)
	}
	return []byte(content.Blob)
}

// SubscribeResource registers a callback for updates to uri and sends one
// resources/subscribe to the owning server per URI, no matter how many local
// subscribers attach.
func (c *Client) SubscribeResource(ctx context.Context, uri string, cb ResourceSubscriber) error {
	server, err := c.resources.ResolveServer(uri)
	if err != nil {
		return err
	}

	c.mu.Lock()
	_, alreadySent := c.subscribed[uri]
	c.subscribed[uri] = struct{}{}
	c.mu.Unlock()

	if !alreadySent {
		if err := c.request(ctx, server, MethodResourcesSubscribe, SubscribeResourceParams{URI: uri}, nil); err != nil {
			c.mu.Lock()
			delete(c.subscribed, uri)
			c.mu.Unlock()
			return err
		}
	}

	c.resources.Subscribe(uri, cb)
	return nil
}

// SubscribeResourcePattern registers a callback for updates to every URI
// matching the glob pattern. The match is purely local; remote subscriptions
// are still established per exact URI.
func (c *Client) SubscribeResourcePattern(pattern string, cb ResourceSubscriber) error {
	return c.resources.SubscribePattern(pattern, cb)
}

// Ping sends a protocol ping to the server. The heartbeat loop uses this as
// its probe.
func (c *Client) Ping(ctx context.Context, server string) error {
	return c.request(ctx, server, methodPing, nil, nil)
}

// Tools returns a snapshot of every registered tool across all servers.
func (c *Client) Tools() []ToolInfo { return c.tools.List() }

// Resources returns a snapshot of every discovered resource across all servers.
func (c *Client) Resources() []Resource { return c.resources.List() }

// Session returns the session for one server.
func (c *Client) Session(server string) (*Session, error) {
	return c.sessions.GetSession(server)
}

// request sends one request envelope to the server and unmarshals its result.
// A JSON-RPC error response surfaces as a ProtocolError. When the caller's
// context expires mid-flight a best-effort cancellation notification is sent.
func (c *Client) request(ctx context.Context, server, method string, params, result any) error {
	transport, err := c.transport(server)
	if err != nil {
		return err
	}

	req, err := NewRequest(MustString(uuid.New().String()), method, params)
	if err != nil {
		return err
	}

	resp, err := transport.Request(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			c.sendCancellation(transport, req.ID)
		}
		return err
	}
	if resp.Error != nil {
		return &ProtocolError{Method: method, RPCErr: resp.Error}
	}

	if result == nil || len(resp.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// sendCancellation tells the server a request's caller has given up. Best
// effort: the request already failed locally either way.
func (c *Client) sendCancellation(transport Transport, id MustString) {
	notif, err := NewNotification(methodNotificationsCancelled, notificationsCancelledParams{
		RequestID: string(id),
		Reason:    userCancelledReason,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = transport.Send(ctx, notif)
}

func (c *Client) transport(server string) (Transport, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	transport, ok := c.transports[server]
	if !ok {
		return nil, fmt.Errorf("transport for %s: %w", server, ErrServerNotFound)
	}
	return transport, nil
}

// startNotificationRouter attaches a goroutine draining server-initiated
// messages, when the transport has an inbound stream. Request/response
// transports report ErrReceiveUnsupported and get no router.
func (c *Client) startNotificationRouter(server string, transport Transport) {
	probe, cancelProbe := context.WithCancel(context.Background())
	cancelProbe()
	if _, err := transport.Receive(probe); errors.Is(err, ErrReceiveUnsupported) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.routers[server] = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			msg, err := transport.Receive(ctx)
			if err != nil {
				if ctx.Err() == nil && !errors.Is(err, ErrReceiveUnsupported) {
					c.logger.Debug("notification stream ended",
						slog.String("server", server),
						slog.String("err", err.Error()))
				}
				return
			}
			c.routeNotification(ctx, server, msg)
		}
	}()
}

// routeNotification dispatches one server-initiated message by method.
// Unknown methods are logged and dropped; a router never terminates on a
// single bad message.
func (c *Client) routeNotification(ctx context.Context, server string, msg JSONRPCMessage) {
	switch msg.Method {
	case methodNotificationsResourcesUpdated:
		var params notificationsResourcesUpdatedParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("bad resources/updated params",
				slog.String("server", server),
				slog.String("err", err.Error()))
			return
		}
		// The notification names the URI but carries no payload, so re-read
		// to obtain the new data before fanning out to subscribers.
		data, mimeType, err := c.ReadResource(ctx, params.URI, false)
		if err != nil {
			c.logger.Warn("failed to re-read updated resource",
				slog.String("server", server),
				slog.String("uri", params.URI),
				slog.String("err", err.Error()))
			return
		}
		c.resources.NotifyUpdate(params.URI, data, mimeType, c.resourceCacheTTL)
		if c.resourceSubscribedWatcher != nil {
			c.resourceSubscribedWatcher.OnResourceSubscribedChanged(server, params.URI)
		}

	case methodNotificationsResourcesListChanged:
		c.rediscoverResources(ctx, server)
		if c.resourceListWatcher != nil {
			c.resourceListWatcher.OnResourceListChanged(server)
		}

	case methodNotificationsToolsListChanged:
		c.rediscoverTools(ctx, server)
		if c.toolListWatcher != nil {
			c.toolListWatcher.OnToolListChanged(server)
		}

	case methodNotificationsPromptsListChanged:
		if c.promptListWatcher != nil {
			c.promptListWatcher.OnPromptListChanged(server)
		}

	case methodNotificationsProgress:
		if c.progressListener == nil {
			return
		}
		var params ProgressParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("bad progress params",
				slog.String("server", server),
				slog.String("err", err.Error()))
			return
		}
		c.progressListener.OnProgress(server, params)

	case methodNotificationsMessage:
		var params LogParams
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			c.logger.Error("bad log params",
				slog.String("server", server),
				slog.String("err", err.Error()))
			return
		}
		if c.logReceiver != nil {
			c.logReceiver.OnLog(server, params)
			return
		}
		c.logger.Log(ctx, slog.Level(params.Level.slogLevel()), "server log",
			slog.String("server", server),
			slog.Any("data", params.Data))

	case methodNotificationsCancelled:
		c.logger.Debug("server cancelled a request", slog.String("server", server))

	default:
		c.logger.Debug("unhandled notification",
			slog.String("server", server),
			slog.String("method", msg.Method))
	}
}

// rediscoverTools refreshes one server's tool registrations after a
// list_changed notification. The swap is atomic per server.
func (c *Client) rediscoverTools(ctx context.Context, server string) {
	tools, err := c.discoverTools(ctx, server)
	if err != nil {
		c.logger.Warn("tool rediscovery failed",
			slog.String("server", server),
			slog.String("err", err.Error()))
		return
	}
	c.tools.UnregisterServer(server)
	if err := c.tools.RegisterServerTools(server, tools); err != nil {
		c.logger.Warn("tool re-registration failed",
			slog.String("server", server),
			slog.String("err", err.Error()))
	}
}

// rediscoverResources refreshes one server's resource registrations after a
// list_changed notification.
func (c *Client) rediscoverResources(ctx context.Context, server string) {
	resources, err := c.discoverResources(ctx, server)
	if err != nil {
		c.logger.Warn("resource rediscovery failed",
			slog.String("server", server),
			slog.String("err", err.Error()))
		return
	}
	c.resources.UnregisterServer(server)
	if err := c.resources.RegisterServerResources(server, resources); err != nil {
		c.logger.Warn("resource re-registration failed",
			slog.String("server", server),
			slog.String("err", err.Error()))
	}
}
