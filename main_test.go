package mcpclient_test

import (
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine survives the test run. The runtime is
// loop-heavy (heartbeats, dispatcher workers, notification routers), so a
// leak here usually means a Stop path stopped waiting.
func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// HTTP connection pool goroutines persist across tests
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
	)
}
