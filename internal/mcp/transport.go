package mcp

import "context"

// Transport moves JSON-RPC messages to and from one tool server.
// Correlation of responses to requests is the caller's job; a transport
// only frames, delivers, and reports termination.
type Transport interface {
	// Start launches the server. Every parsed inbound message is passed
	// to onMessage from a single goroutine, in arrival order. onClose
	// is called exactly once when the server's output ends, with the
	// exit error if any. A failure to launch wraps [ErrSpawn].
	Start(ctx context.Context, onMessage func(*Message), onClose func(error)) error

	// Write sends one message as a single line. It returns [ErrClosed]
	// once the transport is closing.
	Write(msg any) error

	// Close ends stdin, waits a grace period for the process to exit,
	// and kills it if it has not. Idempotent.
	Close() error

	// Kill terminates the process immediately. Idempotent.
	Kill() error
}
