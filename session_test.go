package mcpclient_test

import (
	"encoding/json"
	"testing"

	"github.com/agentrun/mcpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionLifecycleTransitions(t *testing.T) {
	m := mcpclient.NewSessionManager()
	sess, err := m.CreateSession("alpha")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID())
	assert.Equal(t, "alpha", sess.ServerName())
	assert.Equal(t, mcpclient.SessionDisconnected, sess.State())
	assert.False(t, sess.CreatedAt().IsZero())

	// The full handshake path.
	for _, to := range []mcpclient.SessionState{
		mcpclient.SessionConnecting,
		mcpclient.SessionConnected,
		mcpclient.SessionInitializing,
		mcpclient.SessionReady,
		mcpclient.SessionClosing,
		mcpclient.SessionDisconnected,
	} {
		require.NoError(t, sess.Transition(to), "transition to %s", to)
	}
}

func TestSessionIllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		via  []mcpclient.SessionState
		to   mcpclient.SessionState
	}{
		{name: "disconnected to ready", to: mcpclient.SessionReady},
		{name: "disconnected to connected", to: mcpclient.SessionConnected},
		{
			name: "connecting to initializing",
			via:  []mcpclient.SessionState{mcpclient.SessionConnecting},
			to:   mcpclient.SessionInitializing,
		},
		{
			name: "ready back to connected",
			via: []mcpclient.SessionState{
				mcpclient.SessionConnecting,
				mcpclient.SessionConnected,
				mcpclient.SessionInitializing,
				mcpclient.SessionReady,
			},
			to: mcpclient.SessionConnected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := mcpclient.NewSessionManager()
			sess, err := m.CreateSession("alpha")
			require.NoError(t, err)

			for _, s := range tt.via {
				require.NoError(t, sess.Transition(s))
			}
			assert.Error(t, sess.Transition(tt.to))
		})
	}
}

func TestSessionErrorReachableFromAnyState(t *testing.T) {
	m := mcpclient.NewSessionManager()
	sess, err := m.CreateSession("alpha")
	require.NoError(t, err)

	require.NoError(t, sess.Transition(mcpclient.SessionConnecting))
	require.NoError(t, sess.Transition(mcpclient.SessionError))
	assert.Equal(t, mcpclient.SessionError, sess.State())

	// Errored sessions can reconnect or close.
	require.NoError(t, sess.Transition(mcpclient.SessionConnecting))
	require.NoError(t, sess.Transition(mcpclient.SessionError))
	require.NoError(t, sess.Transition(mcpclient.SessionClosing))
}

func TestSessionNegotiatedState(t *testing.T) {
	m := mcpclient.NewSessionManager()
	sess, err := m.CreateSession("alpha")
	require.NoError(t, err)

	assert.Empty(t, sess.ProtocolVersion(), "unset before the handshake")

	sess.SetNegotiated("2024-11-05",
		mcpclient.ServerCapabilities{
			Tools:     &mcpclient.ToolsCapability{ListChanged: true},
			Resources: &mcpclient.ResourcesCapability{Subscribe: true},
		},
		mcpclient.Info{Name: "alpha-server", Version: "1.2.3"},
	)
	sess.SetDiscovered(
		[]mcpclient.Tool{{Name: "echo", InputSchema: json.RawMessage(`{"type":"object"}`)}},
		[]mcpclient.Resource{{URI: "file:///data.txt", Name: "data"}},
		[]mcpclient.Prompt{{Name: "greet"}},
	)

	assert.Equal(t, "2024-11-05", sess.ProtocolVersion())
	assert.Equal(t, "alpha-server", sess.ServerInfo().Name)
	assert.True(t, sess.Capabilities().Resources.Subscribe)
	assert.Len(t, sess.Tools(), 1)
	assert.Len(t, sess.Resources(), 1)
	assert.Len(t, sess.Prompts(), 1)

	// Accessors return copies; mutating them does not affect the session.
	tools := sess.Tools()
	tools[0].Name = "mutated"
	assert.Equal(t, "echo", sess.Tools()[0].Name)
}

func TestSessionRecordActivity(t *testing.T) {
	m := mcpclient.NewSessionManager()
	sess, err := m.CreateSession("alpha")
	require.NoError(t, err)

	assert.Zero(t, sess.RequestCount())
	sess.RecordActivity()
	sess.RecordActivity()
	assert.Equal(t, uint64(2), sess.RequestCount())
	assert.False(t, sess.LastActivity().IsZero())
}

func TestSessionManagerTracking(t *testing.T) {
	m := mcpclient.NewSessionManager()

	_, err := m.CreateSession("alpha")
	require.NoError(t, err)
	_, err = m.CreateSession("alpha")
	require.Error(t, err, "one session per server")

	_, err = m.CreateSession("beta")
	require.NoError(t, err)
	assert.Equal(t, 2, m.Count())

	sess, err := m.GetSession("alpha")
	require.NoError(t, err)
	assert.Equal(t, "alpha", sess.ServerName())

	_, err = m.GetSession("ghost")
	assert.ErrorIs(t, err, mcpclient.ErrServerNotFound)

	sessions := m.Sessions()
	require.Len(t, sessions, 2)
	assert.Equal(t, "alpha", sessions[0].ServerName())
	assert.Equal(t, "beta", sessions[1].ServerName())

	require.NoError(t, m.RemoveSession("alpha"))
	assert.ErrorIs(t, m.RemoveSession("alpha"), mcpclient.ErrServerNotFound)
	assert.Equal(t, 1, m.Count())
}

func TestSessionPoolRoundRobin(t *testing.T) {
	m := mcpclient.NewSessionManager()
	pool := mcpclient.NewSessionPool()

	ready := func(server string) *mcpclient.Session {
		sess, err := m.CreateSession(server)
		require.NoError(t, err)
		require.NoError(t, sess.Transition(mcpclient.SessionConnecting))
		require.NoError(t, sess.Transition(mcpclient.SessionConnected))
		require.NoError(t, sess.Transition(mcpclient.SessionInitializing))
		require.NoError(t, sess.Transition(mcpclient.SessionReady))
		return sess
	}

	a := ready("a")
	b := ready("b")
	c := ready("c")
	pool.Add(a)
	pool.Add(b)
	pool.Add(c)
	assert.Equal(t, 3, pool.Size())

	// Two full laps in order.
	for i := 0; i < 2; i++ {
		for _, want := range []*mcpclient.Session{a, b, c} {
			got, err := pool.Next()
			require.NoError(t, err)
			assert.Same(t, want, got)
		}
	}
}

func TestSessionPoolSkipsNotReady(t *testing.T) {
	m := mcpclient.NewSessionManager()
	pool := mcpclient.NewSessionPool()

	a, err := m.CreateSession("a")
	require.NoError(t, err)
	b, err := m.CreateSession("b")
	require.NoError(t, err)
	require.NoError(t, b.Transition(mcpclient.SessionConnecting))
	require.NoError(t, b.Transition(mcpclient.SessionConnected))
	require.NoError(t, b.Transition(mcpclient.SessionInitializing))
	require.NoError(t, b.Transition(mcpclient.SessionReady))

	pool.Add(a) // still disconnected
	pool.Add(b)

	// Only b is ever returned.
	for i := 0; i < 3; i++ {
		got, err := pool.Next()
		require.NoError(t, err)
		assert.Same(t, b, got)
	}

	pool.Remove(b.ID())
	_, err = pool.Next()
	assert.ErrorIs(t, err, mcpclient.ErrNoReadySession)
}

func TestSessionPoolEmpty(t *testing.T) {
	pool := mcpclient.NewSessionPool()
	_, err := pool.Next()
	assert.ErrorIs(t, err, mcpclient.ErrNoReadySession)
}
