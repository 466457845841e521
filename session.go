package mcpclient

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SessionState represents where a session is in its lifecycle.
type SessionState int

// Session states. A session moves disconnected -> connecting -> connected ->
// initializing -> ready during the handshake; any step may fail into the
// error state, and closing marks teardown.
const (
	SessionDisconnected SessionState = iota
	SessionConnecting
	SessionConnected
	SessionInitializing
	SessionReady
	SessionError
	SessionClosing
)

func (s SessionState) String() string {
	switch s {
	case SessionDisconnected:
		return "disconnected"
	case SessionConnecting:
		return "connecting"
	case SessionConnected:
		return "connected"
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	case SessionError:
		return "error"
	case SessionClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// legalSessionTransitions maps each state to the states reachable from it.
// SessionError is reachable from every state and is not listed.
var legalSessionTransitions = map[SessionState][]SessionState{
	SessionDisconnected: {SessionConnecting},
	SessionConnecting:   {SessionConnected},
	SessionConnected:    {SessionInitializing, SessionClosing},
	SessionInitializing: {SessionReady},
	SessionReady:        {SessionClosing},
	SessionError:        {SessionConnecting, SessionClosing},
	SessionClosing:      {SessionDisconnected},
}

// Session is the negotiated, stateful relationship with one remote server:
// its lifecycle state, the protocol version and capabilities agreed during
// the handshake, what was discovered there, and activity counters.
//
// Sessions are created through a SessionManager and mutated by the client
// driving the handshake; all accessors are safe for concurrent use.
type Session struct {
	mu sync.Mutex

	id         string
	serverName string
	state      SessionState

	protocolVersion string
	serverInfo      Info
	capabilities    ServerCapabilities

	tools     []Tool
	resources []Resource
	prompts   []Prompt

	createdAt    time.Time
	lastActivity time.Time
	requestCount uint64
}

// ID returns the generated session identifier.
func (s *Session) ID() string { return s.id }

// ServerName returns the logical server this session belongs to.
func (s *Session) ServerName() string { return s.serverName }

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ProtocolVersion returns the negotiated protocol version, empty before the
// handshake completes.
func (s *Session) ProtocolVersion() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.protocolVersion
}

// ServerInfo returns the server's advertised name and version.
func (s *Session) ServerInfo() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serverInfo
}

// Capabilities returns the server's negotiated capability set.
func (s *Session) Capabilities() ServerCapabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.capabilities
}

// Tools returns a copy of the tool list discovered during the handshake.
func (s *Session) Tools() []Tool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Tool(nil), s.tools...)
}

// Resources returns a copy of the resource list discovered during the handshake.
func (s *Session) Resources() []Resource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Resource(nil), s.resources...)
}

// Prompts returns a copy of the prompt list discovered during the handshake.
func (s *Session) Prompts() []Prompt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Prompt(nil), s.prompts...)
}

// CreatedAt returns when the session was created.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// LastActivity returns the time of the most recent request on this session.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// RequestCount returns how many requests have run on this session.
func (s *Session) RequestCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requestCount
}

// Transition moves the session to the given state, enforcing the lifecycle:
// illegal moves are rejected with an error. SessionError is reachable from
// every state.
func (s *Session) Transition(to SessionState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if to == SessionError {
		s.state = SessionError
		return nil
	}
	for _, allowed := range legalSessionTransitions[s.state] {
		if allowed == to {
			s.state = to
			return nil
		}
	}
	return fmt.Errorf("illegal session transition from %s to %s", s.state, to)
}

// RecordActivity bumps the request counter and activity timestamp.
func (s *Session) RecordActivity() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requestCount++
	s.lastActivity = time.Now()
}

// SetNegotiated stores what the initialize exchange agreed on.
func (s *Session) SetNegotiated(version string, caps ServerCapabilities, info Info) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.protocolVersion = version
	s.capabilities = caps
	s.serverInfo = info
}

// SetDiscovered stores the tool, resource, and prompt lists found during the
// handshake's discovery phase.
func (s *Session) SetDiscovered(tools []Tool, resources []Resource, prompts []Prompt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools = tools
	s.resources = resources
	s.prompts = prompts
}

// SessionManager tracks one session per server. Instances should be created
// using NewSessionManager.
type SessionManager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
}

// SessionManagerOption represents the options for the SessionManager.
type SessionManagerOption func(*SessionManager)

// NewSessionManager creates a manager with no sessions.
func NewSessionManager(options ...SessionManagerOption) *SessionManager {
	m := &SessionManager{
		logger:   slog.Default(),
		sessions: make(map[string]*Session),
	}

	for _, opt := range options {
		opt(m)
	}

	return m
}

// WithSessionManagerLogger sets the logger used by the manager.
func WithSessionManagerLogger(logger *slog.Logger) SessionManagerOption {
	return func(m *SessionManager) {
		m.logger = logger
	}
}

// CreateSession creates a disconnected session for the server with a
// generated identifier. It fails if the server already has one.
func (m *SessionManager) CreateSession(server string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[server]; ok {
		return nil, fmt.Errorf("session for server %q already exists", server)
	}

	sess := &Session{
		id:         uuid.New().String(),
		serverName: server,
		state:      SessionDisconnected,
		createdAt:  time.Now(),
	}
	m.sessions[server] = sess

	m.logger.Debug("session created",
		slog.String("server", server),
		slog.String("sessionID", sess.id))
	return sess, nil
}

// GetSession returns the server's session.
func (m *SessionManager) GetSession(server string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	sess, ok := m.sessions[server]
	if !ok {
		return nil, fmt.Errorf("session for server %q: %w", server, ErrServerNotFound)
	}
	return sess, nil
}

// RemoveSession forgets the server's session.
func (m *SessionManager) RemoveSession(server string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[server]; !ok {
		return fmt.Errorf("session for server %q: %w", server, ErrServerNotFound)
	}
	delete(m.sessions, server)
	return nil
}

// Sessions returns every tracked session, sorted by server name.
func (m *SessionManager) Sessions() []*Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].serverName < out[j].serverName })
	return out
}

// Count returns the number of tracked sessions.
func (m *SessionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// SessionPool distributes calls across multiple ready sessions for the same
// logical server. Selection is round-robin and skips any session not in the
// ready state. Instances should be created using NewSessionPool.
type SessionPool struct {
	mu       sync.Mutex
	sessions []*Session
	next     int
}

// NewSessionPool creates an empty pool.
func NewSessionPool() *SessionPool {
	return &SessionPool{}
}

// Add puts a session into the rotation.
func (p *SessionPool) Add(sess *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions = append(p.sessions, sess)
}

// Remove takes the session with the given ID out of the rotation.
func (p *SessionPool) Remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i, sess := range p.sessions {
		if sess.ID() == id {
			p.sessions = append(p.sessions[:i], p.sessions[i+1:]...)
			if p.next > i {
				p.next--
			}
			return
		}
	}
}

// Next returns the next ready session in round-robin order. Sessions not in
// the ready state are skipped; when none is ready, ErrNoReadySession is
// returned.
func (p *SessionPool) Next() (*Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.sessions)
	if n == 0 {
		return nil, ErrNoReadySession
	}
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		sess := p.sessions[idx]
		if sess.State() == SessionReady {
			p.next = (idx + 1) % n
			return sess, nil
		}
	}
	return nil, ErrNoReadySession
}

// Size returns the number of pooled sessions, ready or not.
func (p *SessionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}
