package mcp

import "errors"

var (
	// ErrSpawn means the server command could not be started.
	ErrSpawn = errors.New("mcp: spawn failed")

	// ErrHandshake means the server exited or did not produce a valid
	// initialize response.
	ErrHandshake = errors.New("mcp: handshake failed")

	// ErrTimeout means no response arrived within the request deadline.
	ErrTimeout = errors.New("mcp: request timed out")

	// ErrClosed means the connection was torn down while a request was
	// pending or before it could be written.
	ErrClosed = errors.New("mcp: connection closed")

	// ErrNotReady means a functional call was issued against a
	// connection that has not completed its handshake.
	ErrNotReady = errors.New("mcp: connection not ready")

	// ErrUnknownServer means the server name is not configured.
	ErrUnknownServer = errors.New("mcp: unknown server")

	// ErrToolFailed means the tool ran and reported isError.
	ErrToolFailed = errors.New("mcp: tool reported error")

	// ErrManagerClosed means Shutdown has been called.
	ErrManagerClosed = errors.New("mcp: manager shut down")
)
