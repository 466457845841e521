package mcpclient

import (
	"context"
	"iter"
)

// Transport provides point-to-point message exchange with one remote server.
//
// Implementations fall into two families. Request/response transports (HTTP)
// carry the response on the same exchange and must return
// ErrReceiveUnsupported from Receive. Stream transports (stdio) carry
// responses and server-initiated messages on one inbound stream and support
// both Request and Receive.
type Transport interface {
	// Connect establishes or verifies the underlying channel. It must be
	// called before Send, Request, or Receive, and is safe to call on an
	// already-connected transport.
	Connect(ctx context.Context) error

	// Send transmits a message without waiting for any reply. It is used for
	// notifications, which by definition produce no response.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Request transmits a request message and blocks until the correlated
	// response arrives, the context is done, or the transport fails. The
	// context deadline bounds the whole exchange.
	Request(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error)

	// Receive blocks until a server-initiated message arrives. Transports
	// without an inbound stream return ErrReceiveUnsupported immediately.
	Receive(ctx context.Context) (JSONRPCMessage, error)

	// Close tears down the transport. Blocked calls return with an error.
	// Close is idempotent.
	Close() error
}

// MessageStream yields server-initiated messages that arrive outside the
// request/response cycle, such as resource update notifications. The client
// attaches one stream per server that provides one.
type MessageStream interface {
	// Messages returns an iterator over decoded envelopes. The iteration
	// ends when the context is canceled or the stream closes. Implementations
	// must not yield after that point.
	Messages(ctx context.Context) iter.Seq[JSONRPCMessage]
}

// PromptListWatcher provides an interface for receiving notifications when a server's prompt list changes.
// Implementations can use these notifications to update their internal state or trigger UI updates when
// available prompts are added, removed, or modified.
type PromptListWatcher interface {
	// OnPromptListChanged is called when a server notifies that its prompt list has changed.
	OnPromptListChanged(server string)
}

// ResourceListWatcher provides an interface for receiving notifications when a server's resource list changes.
// Implementations can use these notifications to update their internal state or trigger UI updates when
// available resources are added, removed, or modified.
type ResourceListWatcher interface {
	// OnResourceListChanged is called when a server notifies that its resource list has changed.
	OnResourceListChanged(server string)
}

// ResourceSubscribedWatcher provides an interface for receiving notifications when a subscribed resource
// changes. Implementations can use these notifications to update their internal state or trigger UI
// updates when specific resources they are interested in are modified.
type ResourceSubscribedWatcher interface {
	// OnResourceSubscribedChanged is called when a server notifies that a subscribed resource has changed.
	OnResourceSubscribedChanged(server, uri string)
}

// ToolListWatcher provides an interface for receiving notifications when a server's tool list changes.
// The client re-discovers and re-registers that server's tools before the watcher is invoked, so
// implementations observe the registry already updated.
type ToolListWatcher interface {
	// OnToolListChanged is called when a server notifies that its tool list has changed.
	OnToolListChanged(server string)
}

// ProgressListener provides an interface for receiving progress updates on long-running operations.
// Implementations can use these notifications to update progress bars, status indicators, or other
// UI elements that show operation progress to users.
type ProgressListener interface {
	// OnProgress is called when a progress update is received for an operation.
	OnProgress(server string, params ProgressParams)
}

// LogReceiver provides an interface for receiving log messages emitted by a server.
// When no receiver is installed the client forwards server logs to its own logger.
type LogReceiver interface {
	// OnLog is called when a log message is received from a server.
	OnLog(server string, params LogParams)
}
