package mcpclient

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ConnState represents the tracked health state of one server connection.
type ConnState int

// Connection states.
const (
	ConnStateDisconnected ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateUnhealthy
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateUnhealthy:
		return "unhealthy"
	case ConnStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// HealthProbe checks one server's liveness, typically by sending a protocol
// ping. It must respect the context deadline.
type HealthProbe func(ctx context.Context, server string) error

// ConnectionSnapshot is a point-in-time copy of one connection's health
// record, safe to hand to callers.
type ConnectionSnapshot struct {
	ServerName          string
	Endpoint            string
	State               ConnState
	BreakerState        BreakerState
	ConsecutiveFailures int
	TotalRequests       uint64
	TotalErrors         uint64
	LastHeartbeat       time.Time
	LastError           string
	LastErrorAt         time.Time
}

// connectionRecord holds the mutable health state for one server. All
// mutations go through the ConnectionManager under the record's own lock.
type connectionRecord struct {
	mu sync.Mutex

	serverName string
	endpoint   string
	state      ConnState

	consecutiveFailures int
	totalRequests       uint64
	totalErrors         uint64
	lastHeartbeat       time.Time
	lastError           string
	lastErrorAt         time.Time

	breaker  *CircuitBreaker
	hbCancel context.CancelFunc
}

// ConnectionManager tracks the health of every server connection: one record
// and one circuit breaker per server, plus a per-server heartbeat loop once
// started. It never performs I/O itself; outcomes are reported to it and the
// heartbeat probe is supplied by the caller.
//
// Instances should be created using NewConnectionManager and stopped with
// Stop, which waits for every heartbeat loop to exit.
type ConnectionManager struct {
	logger *slog.Logger

	breakerCfg        BreakerConfig
	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	mu      sync.RWMutex
	records map[string]*connectionRecord
	probe   HealthProbe
	started bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

// ConnectionManagerOption represents the options for the ConnectionManager.
type ConnectionManagerOption func(*ConnectionManager)

// NewConnectionManager creates a manager with no tracked connections.
func NewConnectionManager(options ...ConnectionManagerOption) *ConnectionManager {
	m := &ConnectionManager{
		logger:            slog.Default(),
		breakerCfg:        DefaultBreakerConfig(),
		heartbeatInterval: 30 * time.Second,
		heartbeatTimeout:  10 * time.Second,
		records:           make(map[string]*connectionRecord),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// WithConnectionManagerLogger sets the logger used by the manager.
func WithConnectionManagerLogger(logger *slog.Logger) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.logger = logger
	}
}

// WithConnectionManagerBreakerConfig sets the circuit breaker config applied
// to every tracked connection.
func WithConnectionManagerBreakerConfig(cfg BreakerConfig) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		m.breakerCfg = cfg
	}
}

// WithConnectionManagerHeartbeat sets the heartbeat cadence and the deadline
// applied to each probe.
func WithConnectionManagerHeartbeat(interval, timeout time.Duration) ConnectionManagerOption {
	return func(m *ConnectionManager) {
		if interval > 0 {
			m.heartbeatInterval = interval
		}
		if timeout > 0 {
			m.heartbeatTimeout = timeout
		}
	}
}

// AddConnection starts tracking a server. It fails if the server is already
// tracked. When heartbeats are running, a loop for the new connection starts
// immediately.
func (m *ConnectionManager) AddConnection(server, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[server]; ok {
		return fmt.Errorf("connection %q is already tracked", server)
	}

	rec := &connectionRecord{
		serverName: server,
		endpoint:   endpoint,
		state:      ConnStateConnecting,
		breaker:    NewCircuitBreaker(m.breakerCfg),
	}
	m.records[server] = rec

	if m.started {
		m.startHeartbeatLocked(rec)
	}
	return nil
}

// RemoveConnection stops tracking a server, cancelling its heartbeat loop.
func (m *ConnectionManager) RemoveConnection(server string) error {
	m.mu.Lock()
	rec, ok := m.records[server]
	delete(m.records, server)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("remove connection: %w: %s", ErrServerNotFound, server)
	}

	rec.mu.Lock()
	rec.state = ConnStateClosed
	cancel := rec.hbCancel
	rec.hbCancel = nil
	rec.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	return nil
}

// MarkConnected records a completed handshake: the connection is healthy,
// failure history is cleared, and the breaker closes.
func (m *ConnectionManager) MarkConnected(server string) error {
	rec, err := m.record(server)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	rec.state = ConnStateConnected
	rec.consecutiveFailures = 0
	rec.mu.Unlock()

	rec.breaker.Reset()
	return nil
}

// MarkDisconnected records an orderly disconnect.
func (m *ConnectionManager) MarkDisconnected(server string) error {
	rec, err := m.record(server)
	if err != nil {
		return err
	}

	rec.mu.Lock()
	rec.state = ConnStateDisconnected
	rec.mu.Unlock()
	return nil
}

// CanProceed gates an outbound call to the server. It returns nil when the
// call may proceed, a CircuitBreakerError when the breaker refuses, and
// ErrServerNotFound for untracked servers. No network activity happens here.
func (m *ConnectionManager) CanProceed(server string) error {
	rec, err := m.record(server)
	if err != nil {
		return err
	}

	if rec.breaker.CanProceed() {
		return nil
	}
	return &CircuitBreakerError{
		Server:     server,
		State:      rec.breaker.State(),
		RetryAfter: rec.breaker.RemainingOpenTime(),
	}
}

// RecordSuccess feeds a successful call outcome into the server's record and
// breaker. An unhealthy connection becomes connected again.
func (m *ConnectionManager) RecordSuccess(server string) {
	rec, err := m.record(server)
	if err != nil {
		return
	}

	rec.mu.Lock()
	rec.totalRequests++
	rec.consecutiveFailures = 0
	if rec.state == ConnStateUnhealthy {
		rec.state = ConnStateConnected
	}
	rec.mu.Unlock()

	rec.breaker.RecordSuccess()
}

// RecordFailure feeds a failed call outcome into the server's record and
// breaker. The failure is recorded locally, never thrown back to callers;
// only the CanProceed gate surfaces the accumulated state.
func (m *ConnectionManager) RecordFailure(server string, cause error) {
	rec, err := m.record(server)
	if err != nil {
		return
	}

	rec.mu.Lock()
	rec.totalRequests++
	rec.totalErrors++
	rec.consecutiveFailures++
	if cause != nil {
		rec.lastError = cause.Error()
		rec.lastErrorAt = time.Now()
	}
	rec.mu.Unlock()

	rec.breaker.RecordFailure()
	if rec.breaker.State() == BreakerOpen {
		rec.mu.Lock()
		if rec.state == ConnStateConnected {
			rec.state = ConnStateUnhealthy
		}
		rec.mu.Unlock()
	}
}

// Snapshot returns a copy of one server's health record.
func (m *ConnectionManager) Snapshot(server string) (ConnectionSnapshot, error) {
	rec, err := m.record(server)
	if err != nil {
		return ConnectionSnapshot{}, err
	}
	return rec.snapshot(), nil
}

// Snapshots returns a copy of every health record, sorted by server name.
func (m *ConnectionManager) Snapshots() []ConnectionSnapshot {
	m.mu.RLock()
	recs := make([]*connectionRecord, 0, len(m.records))
	for _, rec := range m.records {
		recs = append(recs, rec)
	}
	m.mu.RUnlock()

	snaps := make([]ConnectionSnapshot, 0, len(recs))
	for _, rec := range recs {
		snaps = append(snaps, rec.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ServerName < snaps[j].ServerName })
	return snaps
}

// Start begins running heartbeat loops, one per tracked connection, using
// the supplied probe. Probe failures and timeouts feed the same failure path
// as requests; the loops log and continue until Stop.
func (m *ConnectionManager) Start(probe HealthProbe) error {
	if probe == nil {
		return fmt.Errorf("health probe must not be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("connection manager already started")
	}
	m.started = true
	m.probe = probe
	m.baseCtx, m.baseCancel = context.WithCancel(context.Background())

	for _, rec := range m.records {
		m.startHeartbeatLocked(rec)
	}
	return nil
}

// Stop cancels every heartbeat loop and waits for them to exit. It is
// idempotent.
func (m *ConnectionManager) Stop() {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return
	}
	m.started = false
	cancel := m.baseCancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

func (m *ConnectionManager) record(server string) (*connectionRecord, error) {
	m.mu.RLock()
	rec, ok := m.records[server]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", server, ErrServerNotFound)
	}
	return rec, nil
}

// startHeartbeatLocked launches the heartbeat loop for rec. Callers hold m.mu.
func (m *ConnectionManager) startHeartbeatLocked(rec *connectionRecord) {
	ctx, cancel := context.WithCancel(m.baseCtx)

	rec.mu.Lock()
	rec.hbCancel = cancel
	rec.mu.Unlock()

	m.wg.Add(1)
	go m.heartbeatLoop(ctx, rec)
}

func (m *ConnectionManager) heartbeatLoop(ctx context.Context, rec *connectionRecord) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.runProbe(ctx, rec)
		}
	}
}

// runProbe executes one heartbeat probe under its own deadline. The probe is
// gated through the breaker like any other outbound call, so an open breaker
// skips probing until its timeout admits one; that first admitted probe is
// what discovers recovery.
func (m *ConnectionManager) runProbe(ctx context.Context, rec *connectionRecord) {
	if err := m.CanProceed(rec.serverName); err != nil {
		m.logger.Debug("heartbeat skipped",
			slog.String("server", rec.serverName),
			slog.String("reason", err.Error()))
		return
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.heartbeatTimeout)
	defer cancel()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("heartbeat probe panicked: %v", r)
			}
		}()
		return m.probe(probeCtx, rec.serverName)
	}()

	if err != nil {
		m.logger.Warn("heartbeat failed",
			slog.String("server", rec.serverName),
			slog.String("err", err.Error()))
		m.RecordFailure(rec.serverName, err)
		return
	}

	rec.mu.Lock()
	rec.lastHeartbeat = time.Now()
	rec.mu.Unlock()
	m.RecordSuccess(rec.serverName)
}

func (r *connectionRecord) snapshot() ConnectionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return ConnectionSnapshot{
		ServerName:          r.serverName,
		Endpoint:            r.endpoint,
		State:               r.state,
		BreakerState:        r.breaker.State(),
		ConsecutiveFailures: r.consecutiveFailures,
		TotalRequests:       r.totalRequests,
		TotalErrors:         r.totalErrors,
		LastHeartbeat:       r.lastHeartbeat,
		LastError:           r.lastError,
		LastErrorAt:         r.lastErrorAt,
	}
}
