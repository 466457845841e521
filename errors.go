package mcpclient

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Sentinel errors for local, synchronous failures. These never involve I/O
// and are matched with errors.Is.
var (
	// ErrToolNotFound is returned when no registered tool matches a name.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolAmbiguous is returned when a bare tool name is provided by more
	// than one server and the caller must disambiguate with server.tool.
	ErrToolAmbiguous = errors.New("tool name is ambiguous")
	// ErrResourceNotFound is returned when no registered resource matches a URI.
	ErrResourceNotFound = errors.New("resource not found")
	// ErrServerNotFound is returned when an operation names a server the
	// client is not connected to.
	ErrServerNotFound = errors.New("server not found")
	// ErrReceiveUnsupported is returned by Receive on request/response
	// transports, which have no standalone inbound stream.
	ErrReceiveUnsupported = errors.New("receive not supported on request/response transport")
	// ErrQueueFull is returned by TryEnqueue when the queue bound is reached.
	ErrQueueFull = errors.New("message queue is full")
	// ErrQueueClosed is returned once the queue has been closed.
	ErrQueueClosed = errors.New("message queue is closed")
	// ErrMessageExpired is delivered to a queued message's completion handle
	// when its time-to-live elapsed before it was processed.
	ErrMessageExpired = errors.New("message expired in queue")
	// ErrNoReadySession is returned by a session pool with no ready session.
	ErrNoReadySession = errors.New("no ready session in pool")
	// ErrClientClosed is returned by operations on a stopped client.
	ErrClientClosed = errors.New("client is closed")
)

// TransportError reports a failure at the transport layer: connection
// refused, request timeout, or an unexpected HTTP status. Transport errors
// are the only class retried by the retrying transport decorator.
type TransportError struct {
	// Endpoint is the remote endpoint the operation targeted.
	Endpoint string
	// Op names the failed operation: "connect", "send", or "request".
	Op string
	// StatusCode holds the HTTP status when the failure was a non-2xx
	// response, zero otherwise.
	StatusCode int
	// Err is the underlying cause, if any.
	Err error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport %s %s: unexpected status %d", e.Op, e.Endpoint, e.StatusCode)
	}
	return fmt.Sprintf("transport %s %s: %v", e.Op, e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// ProtocolError reports a well-formed JSON-RPC error response. It is never
// retried automatically; the server answered, it just answered with an error.
type ProtocolError struct {
	// Method is the request method that produced the error.
	Method string
	// RPCErr is the error object from the response envelope.
	RPCErr *JSONRPCError
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: %v", e.Method, e.RPCErr)
}

func (e *ProtocolError) Unwrap() error {
	return e.RPCErr
}

// CircuitBreakerError reports a request refused locally by an open circuit
// breaker, before any network attempt was made.
type CircuitBreakerError struct {
	// Server is the connection whose breaker refused the call.
	Server string
	// State is the breaker state at refusal time.
	State BreakerState
	// RetryAfter is how long until the breaker will allow a probe, when known.
	RetryAfter time.Duration
}

func (e *CircuitBreakerError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("circuit breaker %s for server %q, retry after %s", e.State, e.Server, e.RetryAfter.Round(time.Millisecond))
	}
	return fmt.Sprintf("circuit breaker %s for server %q", e.State, e.Server)
}

// ConnectionError reports a failed connect or handshake. Stage names the
// step that failed so callers can tell a refused dial from a bad handshake.
type ConnectionError struct {
	// Server is the logical server name the connect targeted.
	Server string
	// Stage is the handshake step that failed: "dial", "initialize",
	// "discover-tools", "discover-resources", "discover-prompts" or "notify-initialized".
	Stage string
	// Err is the underlying cause.
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %q failed at %s: %v", e.Server, e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// RetryExhaustedError reports that the retrying transport gave up after its
// attempt ceiling. It wraps the last observed error, not a generic timeout.
type RetryExhaustedError struct {
	// Attempts is the number of attempts made, including the first.
	Attempts int
	// Elapsed is the total time spent across attempts and backoff sleeps.
	Elapsed time.Duration
	// Err is the error observed on the final attempt.
	Err error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts in %s: %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// AmbiguousToolError reports a bare tool name provided by more than one
// server. It unwraps to ErrToolAmbiguous and lists the candidate namespaced
// names the caller may use instead.
type AmbiguousToolError struct {
	// Name is the bare name that failed to resolve.
	Name string
	// Servers is the sorted list of servers providing the name.
	Servers []string
}

func (e *AmbiguousToolError) Error() string {
	candidates := make([]string, len(e.Servers))
	for i, s := range e.Servers {
		candidates[i] = s + "." + e.Name
	}
	return fmt.Sprintf("tool %q is provided by %d servers, use one of: %s",
		e.Name, len(e.Servers), strings.Join(candidates, ", "))
}

func (e *AmbiguousToolError) Unwrap() error {
	return ErrToolAmbiguous
}

// InvalidArgumentsError reports tool call arguments rejected by the tool's
// declared input schema before any network attempt.
type InvalidArgumentsError struct {
	// Tool is the namespaced tool name.
	Tool string
	// Err is the schema validation failure.
	Err error
}

func (e *InvalidArgumentsError) Error() string {
	return fmt.Sprintf("invalid arguments for tool %q: %v", e.Tool, e.Err)
}

func (e *InvalidArgumentsError) Unwrap() error {
	return e.Err
}
