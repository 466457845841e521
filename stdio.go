package mcpclient

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
)

// StdIOTransport implements the Transport interface over newline-delimited
// JSON-RPC messages on an io.Reader/io.Writer pair, typically the stdin and
// stdout of a child process. It is a stream transport: responses read off
// the inbound stream are correlated to blocked Request calls by envelope ID,
// and server-initiated messages are exposed through Receive and Messages.
//
// Instances should be created using NewStdIOTransport. Resources must be
// released by calling Close when the transport is no longer needed.
type StdIOTransport struct {
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	calls         *inflight
	notifications chan JSONRPCMessage
	writeMessages chan stdioWriteMsg

	started     atomic.Bool
	done        chan struct{}
	readClosed  chan struct{}
	writeClosed chan struct{}
}

// StdIOTransportOption represents the options for the StdIOTransport.
type StdIOTransportOption func(*StdIOTransport)

type stdioWriteMsg struct {
	msg  []byte
	errs chan error
}

// NewStdIOTransport creates a transport over the provided reader and writer.
// The transport is inert until Connect starts its read and write loops.
func NewStdIOTransport(reader io.Reader, writer io.Writer, options ...StdIOTransportOption) *StdIOTransport {
	t := &StdIOTransport{
		reader:        reader,
		writer:        writer,
		logger:        slog.Default(),
		calls:         newInflight(),
		notifications: make(chan JSONRPCMessage, 16),
		writeMessages: make(chan stdioWriteMsg),
		done:          make(chan struct{}),
		readClosed:    make(chan struct{}),
		writeClosed:   make(chan struct{}),
	}

	for _, opt := range options {
		opt(t)
	}

	return t
}

// WithStdIOTransportLogger sets the logger used by the transport.
func WithStdIOTransportLogger(logger *slog.Logger) StdIOTransportOption {
	return func(t *StdIOTransport) {
		t.logger = logger
	}
}

// Connect starts the read and write loops. The underlying pipe is assumed
// open; Connect never blocks on it.
func (t *StdIOTransport) Connect(_ context.Context) error {
	if t.started.Swap(true) {
		return nil
	}
	go t.processReadMessages()
	go t.processWriteMessages()
	return nil
}

// Send transmits a message on the outbound pipe. Writes are serialized
// through a single goroutine so concurrent senders never interleave frames.
func (t *StdIOTransport) Send(ctx context.Context, msg JSONRPCMessage) error {
	if !t.started.Load() {
		return &TransportError{Endpoint: "stdio", Op: "send", Err: errors.New("transport not connected")}
	}

	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	// Append newline to maintain message framing protocol
	msgBs = append(msgBs, '\n')

	ioMsg := stdioWriteMsg{
		msg:  msgBs,
		errs: make(chan error, 1),
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return &TransportError{Endpoint: "stdio", Op: "send", Err: errors.New("transport is closed")}
	case t.writeMessages <- ioMsg:
	}

	select {
	case err := <-ioMsg.errs:
		if err != nil {
			return &TransportError{Endpoint: "stdio", Op: "send", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.done:
		return &TransportError{Endpoint: "stdio", Op: "send", Err: errors.New("transport is closed")}
	}
}

// Request transmits a request and blocks until its response arrives on the
// inbound stream, the context is done, or the transport closes.
func (t *StdIOTransport) Request(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	if msg.ID == "" {
		return JSONRPCMessage{}, fmt.Errorf("request requires an id")
	}

	ch := t.calls.register(msg.ID)
	if ch == nil {
		return JSONRPCMessage{}, &TransportError{Endpoint: "stdio", Op: "request", Err: errors.New("transport is closed")}
	}

	if err := t.Send(ctx, msg); err != nil {
		t.calls.drop(msg.ID)
		return JSONRPCMessage{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return JSONRPCMessage{}, &TransportError{Endpoint: "stdio", Op: "request", Err: errors.New("transport is closed")}
		}
		return resp, nil
	case <-ctx.Done():
		t.calls.drop(msg.ID)
		return JSONRPCMessage{}, &TransportError{Endpoint: "stdio", Op: "request", Err: ctx.Err()}
	}
}

// Receive blocks until a server-initiated message arrives.
func (t *StdIOTransport) Receive(ctx context.Context) (JSONRPCMessage, error) {
	select {
	case msg, ok := <-t.notifications:
		if !ok {
			return JSONRPCMessage{}, &TransportError{Endpoint: "stdio", Op: "receive", Err: errors.New("transport is closed")}
		}
		return msg, nil
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	}
}

// Messages returns an iterator over server-initiated messages. The iteration
// ends when the context is canceled or the transport closes.
func (t *StdIOTransport) Messages(ctx context.Context) iter.Seq[JSONRPCMessage] {
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

// Close stops both loops, closes the underlying pipe ends when they support
// it, and fails all pending requests. It is idempotent.
func (t *StdIOTransport) Close() error {
	select {
	case <-t.done:
		return nil
	default:
	}
	close(t.done)

	// Closing the reader releases a read loop blocked mid-line.
	if c, ok := t.reader.(io.Closer); ok {
		c.Close()
	}
	if c, ok := t.writer.(io.Closer); ok {
		c.Close()
	}

	if t.started.Load() {
		<-t.readClosed
		<-t.writeClosed
	}
	return nil
}

func (t *StdIOTransport) processReadMessages() {
	defer close(t.readClosed)
	defer close(t.notifications)
	defer t.calls.failAll()

	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(t.reader)
	for {
		type lineWithErr struct {
			line string
			err  error
		}

		lines := make(chan lineWithErr, 1)

		// Read in a goroutine so a slow or silent pipe cannot keep us from
		// observing the done channel.
		go func() {
			line, err := reader.ReadString('\n')
			if err != nil {
				lines <- lineWithErr{err: err}
				return
			}
			lines <- lineWithErr{line: strings.TrimSuffix(line, "\n")}
		}()

		var lwe lineWithErr
		select {
		case <-t.done:
			return
		case lwe = <-lines:
		}

		if lwe.err != nil {
			if !errors.Is(lwe.err, io.EOF) && !errors.Is(lwe.err, io.ErrClosedPipe) {
				t.logger.Error("failed to read message", "err", lwe.err)
			}
			return
		}

		if lwe.line == "" {
			continue
		}

		msg, err := DecodeMessage([]byte(lwe.line))
		if err != nil {
			t.logger.Error("failed to decode message", "err", err)
			continue
		}

		if msg.Kind() == KindResponse && t.calls.resolve(msg) {
			continue
		}

		select {
		case t.notifications <- msg:
		case <-t.done:
			return
		}
	}
}

func (t *StdIOTransport) processWriteMessages() {
	defer close(t.writeClosed)

	for {
		var msg stdioWriteMsg
		select {
		case <-t.done:
			return
		case msg = <-t.writeMessages:
		}

		_, err := t.writer.Write(msg.msg)

		msg.errs <- err
	}
}
